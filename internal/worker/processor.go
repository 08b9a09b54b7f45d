package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"contentforge/internal/config"
	"contentforge/internal/pipeline"
	"contentforge/internal/queue"
	"contentforge/internal/telemetry"
)

// Processor drives the worker loop: promote due retries, reap expired leases
// into the recovery path, then dequeue and execute one stage attempt at a
// time. All state decisions go through the orchestrator; the processor only
// moves tasks between the queue and the executor.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	orch     *pipeline.Orchestrator
	executor *Executor
	log      zerolog.Logger
}

func NewProcessor(cfg config.Config, q *queue.RedisQueue, orch *pipeline.Orchestrator, exec *Executor, log zerolog.Logger) *Processor {
	return &Processor{
		cfg:      cfg,
		queue:    q,
		orch:     orch,
		executor: exec,
		log:      log.With().Str("component", "processor").Logger(),
	}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, _ = p.queue.PromoteScheduled(ctx, time.Now(), int64(p.cfg.ScheduledBatchSize))
		p.reapExpired(ctx)
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		raw, err := p.queue.DequeueWithLease(ctx)
		if err != nil || raw == "" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.WorkerPollInterval):
			}
			continue
		}
		p.process(ctx, raw)
	}
}

// process handles one dequeued task end to end.
func (p *Processor) process(ctx context.Context, raw string) {
	task, err := pipeline.ParseTask(raw)
	if err != nil {
		// A member we cannot decode will never become runnable; park it for
		// operator inspection rather than looping on it.
		p.log.Error().Err(err).Str("task", raw).Msg("discarding malformed task")
		_ = p.queue.DLQPush(ctx, raw)
		_ = p.queue.Ack(ctx, raw)
		return
	}

	item, proceed, err := p.orch.StartAttempt(ctx, task)
	if err != nil {
		// Leave the lease in place; the reaper routes it back through recovery.
		p.log.Warn().Err(err).Str("item", task.ItemID).Msg("could not start attempt")
		return
	}
	if !proceed {
		_ = p.queue.Ack(ctx, raw)
		return
	}

	def, ok := p.orch.StageDef(task.Stage)
	if !ok {
		p.log.Error().Str("stage", task.Stage).Msg("task names unknown stage")
		_ = p.queue.DLQPush(ctx, raw)
		_ = p.queue.Ack(ctx, raw)
		return
	}
	// Long stages outlive the default visibility window; extend the lease up
	// front so the reaper does not reclaim a healthy execution.
	if def.Timeout > p.cfg.VisibilityMargin {
		_ = p.queue.ExtendLease(ctx, raw, def.Timeout+p.cfg.VisibilityMargin)
	}

	telemetry.InFlightGauge.Inc()
	outcome := p.executor.Execute(ctx, def, item)
	telemetry.InFlightGauge.Dec()

	if err := p.orch.ReportResult(ctx, task.ItemID, task.Stage, outcome); err != nil {
		// The item stays running; the staleness sweep will reclaim it and
		// charge the attempt.
		p.log.Error().Err(err).Str("item", task.ItemID).Str("stage", task.Stage).
			Msg("could not record stage result")
		return
	}
	_ = p.queue.Ack(ctx, raw)
}

// reapExpired drains lease-expired tasks and routes each through stale
// recovery, which decides between another attempt and terminal failure.
func (p *Processor) reapExpired(ctx context.Context) {
	expired, err := p.queue.ReapExpired(ctx, time.Now(), int64(p.cfg.ReclaimBatchSize))
	if err != nil || len(expired) == 0 {
		return
	}
	for _, raw := range expired {
		task, err := pipeline.ParseTask(raw)
		if err != nil {
			_ = p.queue.DLQPush(ctx, raw)
			continue
		}
		if err := p.orch.RecoverStale(ctx, task.ItemID); err != nil {
			p.log.Warn().Err(err).Str("item", task.ItemID).Msg("stale recovery failed")
		}
	}
}
