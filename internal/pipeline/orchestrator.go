package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"contentforge/internal/models"
	"contentforge/internal/telemetry"
)

// ErrAlreadyTerminal is returned by Advance when the item reached done or failed.
var ErrAlreadyTerminal = errors.New("work item already terminal")

// Store is the durable state surface the orchestrator drives. All coordination
// between concurrent callers passes through its atomic status transitions.
type Store interface {
	GetWorkItem(ctx context.Context, id string) (models.WorkItem, error)
	// MarkQueued atomically moves pending|retry_scheduled to queued for the
	// given stage. A false return means the dispatch is superseded (another
	// caller won, or the item moved to a different stage); the loser drops out.
	MarkQueued(ctx context.Context, id, stage string) (bool, error)
	// ClaimForRun atomically moves queued|retry_scheduled to running for the
	// given stage. Called once per dequeued task; a false return means another
	// dequeue of a duplicate member already claimed this attempt.
	ClaimForRun(ctx context.Context, id, stage string) (bool, error)
	RecordStageSuccess(ctx context.Context, id, stage string, artifact any, successor string) error
	CompleteItem(ctx context.Context, id, stage string, artifact any) error
	ScheduleRetry(ctx context.Context, id string, attempts int, nextRun time.Time, rec models.ErrorRecord) error
	MarkFailed(ctx context.Context, id string, rec models.ErrorRecord) error
	MarkCancelled(ctx context.Context, id, stage string, artifact any) error
	// ReclaimStale increments attempts and parks the item in retry_scheduled,
	// but only while it is still running and older than cutoff. Returns the
	// new attempt count and whether this caller performed the reclaim.
	ReclaimStale(ctx context.Context, id string, cutoff, nextRun time.Time, rec models.ErrorRecord) (int, bool, error)
	AppendAudit(ctx context.Context, id, event, detail string) error
}

// Queue enqueues stage-execution tasks, optionally delayed for backoff.
type Queue interface {
	Enqueue(ctx context.Context, task string, runAt time.Time) error
	DLQPush(ctx context.Context, task string) error
}

// Notifier receives terminal-failure events for alerting.
type Notifier interface {
	ItemFailed(ctx context.Context, itemID, stage string, rec models.ErrorRecord) error
}

// Orchestrator owns the pipeline state machine: it decides the next stage for
// an item, enqueues stage executions, applies retry policy, and detects
// terminal states. It holds no item state of its own; every decision reads
// from and writes through the Store.
type Orchestrator struct {
	stages   map[string]StageDefinition
	store    Store
	queue    Queue
	notifier Notifier
	log      zerolog.Logger
}

func New(stages map[string]StageDefinition, st Store, q Queue, n Notifier, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		stages:   stages,
		store:    st,
		queue:    q,
		notifier: n,
		log:      log.With().Str("component", "orchestrator").Logger(),
	}
}

// StageDef exposes the definition for a stage, for executors and sweeps.
func (o *Orchestrator) StageDef(stage string) (StageDefinition, bool) {
	def, ok := o.stages[stage]
	return def, ok
}

// Advance dispatches the item's current stage if it is ready to run. The call
// is idempotent: a running item is left alone, and when two callers race, the
// compare-and-set in the store lets exactly one through.
func (o *Orchestrator) Advance(ctx context.Context, id string) error {
	item, err := o.store.GetWorkItem(ctx, id)
	if err != nil {
		return err
	}
	if item.Terminal() {
		return fmt.Errorf("%w: %s is %s/%s", ErrAlreadyTerminal, id, item.CurrentStage, item.Status)
	}
	if item.CancelRequested {
		return o.cancel(ctx, item, nil)
	}
	switch item.Status {
	case models.StatusRunning, models.StatusQueued:
		return nil
	case models.StatusRetryScheduled:
		if item.NextRunAt.After(time.Now()) {
			return nil
		}
	case models.StatusPending:
	default:
		return nil
	}

	queued, err := o.store.MarkQueued(ctx, id, item.CurrentStage)
	if err != nil {
		return err
	}
	if !queued {
		// Lost the race to a concurrent trigger, or the item moved to another
		// stage since the read; either way the winner's dispatch covers us.
		o.log.Debug().Str("item", id).Msg("advance dropped on status conflict")
		return nil
	}
	task := Task{ItemID: id, Stage: item.CurrentStage}
	if err := o.queue.Enqueue(ctx, task.String(), time.Now()); err != nil {
		return fmt.Errorf("enqueue %s: %w", task, err)
	}
	telemetry.StageDispatched.Inc()
	return o.store.AppendAudit(ctx, id, "dispatched", "stage="+item.CurrentStage)
}

// StartAttempt claims an item for a dequeued task. It returns the item and
// whether the worker should execute; a false return means the task is stale
// (superseded stage, cancelled item, duplicate member, or a lost claim race)
// and must be acked without running. Task members are not unique per attempt,
// so the claim here is the authoritative single-execution gate: the first
// dequeue of any member for an attempt wins the CAS, every other member finds
// the item running and drops.
func (o *Orchestrator) StartAttempt(ctx context.Context, task Task) (models.WorkItem, bool, error) {
	item, err := o.store.GetWorkItem(ctx, task.ItemID)
	if err != nil {
		return models.WorkItem{}, false, err
	}
	if item.Terminal() || item.CurrentStage != task.Stage {
		return item, false, nil
	}
	if item.CancelRequested {
		return item, false, o.cancel(ctx, item, nil)
	}
	switch item.Status {
	case models.StatusQueued:
	case models.StatusRetryScheduled:
		// A stray member must not let a retry jump its backoff delay.
		if item.NextRunAt.After(time.Now()) {
			return item, false, nil
		}
	default:
		return item, false, nil
	}
	claimed, err := o.store.ClaimForRun(ctx, task.ItemID, task.Stage)
	if err != nil || !claimed {
		return item, false, err
	}
	return item, true, nil
}

// ReportResult records the outcome of one stage attempt and schedules what
// comes next: the successor stage, a delayed retry, or the terminal state.
func (o *Orchestrator) ReportResult(ctx context.Context, id, stage string, outcome Outcome) error {
	item, err := o.store.GetWorkItem(ctx, id)
	if err != nil {
		return err
	}
	if item.CurrentStage != stage || item.Status != models.StatusRunning {
		o.log.Warn().Str("item", id).Str("stage", stage).
			Str("status", item.Status).Msg("dropping stale stage result")
		return nil
	}
	def, ok := o.stages[stage]
	if !ok {
		return fmt.Errorf("no stage definition for %q", stage)
	}

	if outcome.Failure == nil {
		return o.handleSuccess(ctx, item, def, outcome.Artifact)
	}
	return o.handleFailure(ctx, item, def, *outcome.Failure)
}

func (o *Orchestrator) handleSuccess(ctx context.Context, item models.WorkItem, def StageDefinition, artifact any) error {
	telemetry.StageSucceeded.Inc()
	if item.CancelRequested {
		return o.cancel(ctx, item, artifact)
	}
	successor := NextStage(o.stages, def.Name, item)
	if successor == models.StageDone {
		if err := o.store.CompleteItem(ctx, item.ID, def.Name, artifact); err != nil {
			return err
		}
		telemetry.ItemsSucceeded.Inc()
		o.log.Info().Str("item", item.ID).Msg("pipeline complete")
		return o.store.AppendAudit(ctx, item.ID, "completed", "stage="+def.Name)
	}
	if err := o.store.RecordStageSuccess(ctx, item.ID, def.Name, artifact, successor); err != nil {
		return err
	}
	if err := o.store.AppendAudit(ctx, item.ID, "stage_succeeded",
		fmt.Sprintf("stage=%s next=%s", def.Name, successor)); err != nil {
		return err
	}
	return o.Advance(ctx, item.ID)
}

func (o *Orchestrator) handleFailure(ctx context.Context, item models.WorkItem, def StageDefinition, failure Failure) error {
	rec := models.ErrorRecord{
		Kind:    string(failure.Kind),
		Message: failure.Detail,
		At:      time.Now().UTC(),
	}
	if item.CancelRequested {
		return o.cancel(ctx, item, nil)
	}

	attempts := item.Attempts + 1
	if failure.Kind == FailurePermanent || attempts >= def.MaxAttempts {
		return o.fail(ctx, item, def.Name, rec)
	}

	delay := backoffWithJitter(def.BackoffBase, def.BackoffMax, attempts)
	nextRun := time.Now().Add(delay)
	if err := o.store.ScheduleRetry(ctx, item.ID, attempts, nextRun, rec); err != nil {
		return err
	}
	task := Task{ItemID: item.ID, Stage: def.Name}
	if err := o.queue.Enqueue(ctx, task.String(), nextRun); err != nil {
		return fmt.Errorf("enqueue retry %s: %w", task, err)
	}
	telemetry.StageRetried.Inc()
	o.log.Info().Str("item", item.ID).Str("stage", def.Name).
		Int("attempt", attempts).Dur("delay", delay).Msg("retry scheduled")
	return o.store.AppendAudit(ctx, item.ID, "retry_scheduled",
		fmt.Sprintf("stage=%s attempts=%d next_run=%s", def.Name, attempts, nextRun.UTC().Format(time.RFC3339)))
}

// RecoverStale reclaims an item stuck past its stage's expected duration in
// running (worker crash, lost lease) or queued (lost queue member). The lost
// attempt counts against the stage's retry budget.
func (o *Orchestrator) RecoverStale(ctx context.Context, id string) error {
	item, err := o.store.GetWorkItem(ctx, id)
	if err != nil {
		return err
	}
	if item.Terminal() || (item.Status != models.StatusRunning && item.Status != models.StatusQueued) {
		return nil
	}
	def, ok := o.stages[item.CurrentStage]
	if !ok {
		return fmt.Errorf("no stage definition for %q", item.CurrentStage)
	}
	rec := models.ErrorRecord{
		Kind:    string(FailureTransient),
		Message: "no outcome reported before stage deadline",
		At:      time.Now().UTC(),
	}
	cutoff := time.Now().Add(-def.Timeout)
	nextRun := time.Now().Add(backoffWithJitter(def.BackoffBase, def.BackoffMax, item.Attempts+1))
	attempts, reclaimed, err := o.store.ReclaimStale(ctx, id, cutoff, nextRun, rec)
	if err != nil || !reclaimed {
		return err
	}
	telemetry.StageReclaimed.Inc()
	if attempts >= def.MaxAttempts {
		// ReclaimStale parked it in retry_scheduled; out of budget, finish it.
		return o.fail(ctx, item, item.CurrentStage, rec)
	}
	task := Task{ItemID: id, Stage: item.CurrentStage}
	if err := o.queue.Enqueue(ctx, task.String(), nextRun); err != nil {
		return fmt.Errorf("enqueue reclaimed %s: %w", task, err)
	}
	return o.store.AppendAudit(ctx, id, "reclaimed",
		fmt.Sprintf("stage=%s attempts=%d", item.CurrentStage, attempts))
}

func (o *Orchestrator) fail(ctx context.Context, item models.WorkItem, stage string, rec models.ErrorRecord) error {
	if err := o.store.MarkFailed(ctx, item.ID, rec); err != nil {
		return err
	}
	telemetry.ItemsFailed.Inc()
	task := Task{ItemID: item.ID, Stage: stage}
	_ = o.queue.DLQPush(ctx, task.String())
	o.log.Error().Str("item", item.ID).Str("stage", stage).
		Str("kind", rec.Kind).Str("error", rec.Message).Msg("work item failed")
	if o.notifier != nil {
		if err := o.notifier.ItemFailed(ctx, item.ID, stage, rec); err != nil {
			o.log.Warn().Err(err).Str("item", item.ID).Msg("failure notification not delivered")
		}
	}
	return o.store.AppendAudit(ctx, item.ID, "failed",
		fmt.Sprintf("stage=%s kind=%s: %s", stage, rec.Kind, rec.Message))
}

func (o *Orchestrator) cancel(ctx context.Context, item models.WorkItem, artifact any) error {
	if err := o.store.MarkCancelled(ctx, item.ID, item.CurrentStage, artifact); err != nil {
		return err
	}
	o.log.Info().Str("item", item.ID).Str("stage", item.CurrentStage).Msg("work item cancelled")
	return o.store.AppendAudit(ctx, item.ID, "cancelled", "stage="+item.CurrentStage)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
