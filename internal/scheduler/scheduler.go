package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"contentforge/internal/config"
	"contentforge/internal/models"
	"contentforge/internal/pipeline"
	"contentforge/internal/store"
	"contentforge/internal/telemetry"
)

// ItemStore is the subset of the work-item store the scheduler reads and
// writes: creating items for configured sources and listing items its sweeps
// should push forward.
type ItemStore interface {
	CreateWorkItem(ctx context.Context, p store.CreateWorkItemParams) (models.WorkItem, bool, error)
	ListDueRetries(ctx context.Context, before time.Time, limit int) ([]models.WorkItem, error)
	ListStale(ctx context.Context, stage string, cutoff time.Time, limit int) ([]models.WorkItem, error)
}

// Driver is the orchestrator surface the scheduler triggers.
type Driver interface {
	Advance(ctx context.Context, id string) error
	RecoverStale(ctx context.Context, id string) error
	StageDef(stage string) (pipeline.StageDefinition, bool)
}

// Scheduler owns the periodic triggers: creating work items for configured
// sources, nudging overdue retries back into the queue, and sweeping items
// stuck in running. Every sweep is idempotent; when several scheduler
// replicas run, the store's compare-and-set transitions keep effects single.
type Scheduler struct {
	cfg    config.Config
	store  ItemStore
	driver Driver
	stages []string
	log    zerolog.Logger

	// now is swappable in tests.
	now func() time.Time
}

func New(cfg config.Config, st ItemStore, driver Driver, log zerolog.Logger) *Scheduler {
	stages := make([]string, 0, len(pipeline.Stages()))
	for name := range pipeline.Stages() {
		stages = append(stages, name)
	}
	return &Scheduler{
		cfg:    cfg,
		store:  st,
		driver: driver,
		stages: stages,
		log:    log.With().Str("component", "scheduler").Logger(),
		now:    time.Now,
	}
}

// Run executes the scan loops until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	sourceTicker := time.NewTicker(s.cfg.SourceScanInterval)
	retryTicker := time.NewTicker(s.cfg.RetryScanInterval)
	staleTicker := time.NewTicker(s.cfg.StaleScanInterval)
	defer sourceTicker.Stop()
	defer retryTicker.Stop()
	defer staleTicker.Stop()

	// Prime once at startup so a restart does not wait out a full interval.
	s.ScanNewSources(ctx)
	s.ScanDueRetries(ctx)
	s.ScanStaleRunning(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sourceTicker.C:
			s.ScanNewSources(ctx)
		case <-retryTicker.C:
			s.ScanDueRetries(ctx)
		case <-staleTicker.C:
			s.ScanStaleRunning(ctx)
		}
	}
}

// ScanNewSources creates one work item per configured source per day. The
// date-scoped idempotency key makes repeated scans (and concurrent scheduler
// replicas) converge on a single item.
func (s *Scheduler) ScanNewSources(ctx context.Context) {
	day := s.now().UTC().Format("2006-01-02")
	for _, url := range s.cfg.SourceURLs {
		item, existed, err := s.store.CreateWorkItem(ctx, store.CreateWorkItemParams{
			SourceURL:      url,
			Video:          false,
			Speech:         false,
			IdempotencyKey: fmt.Sprintf("src:%s:%s", url, day),
		})
		if err != nil {
			s.log.Error().Err(err).Str("source", url).Msg("could not create work item")
			continue
		}
		if existed {
			continue
		}
		telemetry.ItemsCreated.Inc()
		s.log.Info().Str("item", item.ID).Str("source", url).Msg("source item created")
		if err := s.advance(ctx, item.ID); err != nil {
			s.log.Warn().Err(err).Str("item", item.ID).Msg("initial dispatch failed")
		}
	}
}

// ScanDueRetries re-dispatches retry_scheduled items whose run time passed
// more than RetryGrace ago. Fresh retries are left to the queue's scheduled
// set; this sweep only catches tasks the queue lost.
func (s *Scheduler) ScanDueRetries(ctx context.Context) {
	before := s.now().Add(-s.cfg.RetryGrace)
	items, err := s.store.ListDueRetries(ctx, before, s.cfg.ScheduledBatchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("could not list due retries")
		return
	}
	for _, item := range items {
		if err := s.advance(ctx, item.ID); err != nil {
			s.log.Warn().Err(err).Str("item", item.ID).Msg("retry dispatch failed")
		}
	}
}

// ScanStaleRunning finds items stuck in running or queued past their stage
// timeout and routes each through stale recovery.
func (s *Scheduler) ScanStaleRunning(ctx context.Context) {
	for _, stage := range s.stages {
		def, ok := s.driver.StageDef(stage)
		if !ok {
			continue
		}
		cutoff := s.now().Add(-def.Timeout)
		items, err := s.store.ListStale(ctx, stage, cutoff, s.cfg.ReclaimBatchSize)
		if err != nil {
			s.log.Error().Err(err).Str("stage", stage).Msg("could not list stale items")
			continue
		}
		for _, item := range items {
			if err := s.driver.RecoverStale(ctx, item.ID); err != nil {
				s.log.Warn().Err(err).Str("item", item.ID).Msg("stale recovery failed")
			}
		}
	}
}

func (s *Scheduler) advance(ctx context.Context, id string) error {
	err := s.driver.Advance(ctx, id)
	if errors.Is(err, pipeline.ErrAlreadyTerminal) {
		return nil
	}
	return err
}
