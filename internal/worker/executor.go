package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"contentforge/internal/adapters"
	"contentforge/internal/models"
	"contentforge/internal/pipeline"
	"contentforge/internal/ratelimit"
	"contentforge/internal/telemetry"
)

// Executor runs a single stage attempt: it resolves the stage's adapter,
// waits for rate-limit headroom, invokes the adapter under the stage timeout,
// and classifies the error into a pipeline outcome. Every attempt produces an
// outcome; the executor never returns an unclassified error to the loop.
type Executor struct {
	adapters map[string]adapters.Adapter
	limiter  *ratelimit.TokenBucket
	log      zerolog.Logger
}

// NewExecutor wires the adapter registry. limiter may be nil to disable
// provider rate limiting (tests, local runs).
func NewExecutor(reg map[string]adapters.Adapter, limiter *ratelimit.TokenBucket, log zerolog.Logger) *Executor {
	return &Executor{
		adapters: reg,
		limiter:  limiter,
		log:      log.With().Str("component", "executor").Logger(),
	}
}

// Execute performs one attempt of def's stage against item.
func (e *Executor) Execute(ctx context.Context, def pipeline.StageDefinition, item models.WorkItem) pipeline.Outcome {
	adapter, ok := e.adapters[def.Adapter]
	if !ok {
		return pipeline.Permanent("no adapter registered for " + def.Adapter)
	}

	if err := e.waitForToken(ctx, def.Adapter); err != nil {
		return pipeline.Transient("rate limit wait aborted: " + err.Error())
	}

	attemptCtx, cancel := context.WithTimeout(ctx, def.Timeout)
	defer cancel()

	started := time.Now()
	res, err := adapter.Invoke(attemptCtx, adapters.Request{
		ItemID:  item.ID,
		Stage:   def.Name,
		Payload: item.Payload,
	})
	elapsed := time.Since(started)

	if err == nil {
		e.log.Info().Str("item", item.ID).Str("stage", def.Name).
			Dur("elapsed", elapsed).Msg("stage attempt succeeded")
		return pipeline.Success(res.Artifact)
	}

	if adapters.IsPermanent(err) {
		e.log.Error().Err(err).Str("item", item.ID).Str("stage", def.Name).
			Msg("stage attempt failed permanently")
		return pipeline.Permanent(err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		e.log.Warn().Str("item", item.ID).Str("stage", def.Name).
			Dur("timeout", def.Timeout).Msg("stage attempt timed out")
		return pipeline.Transient("stage timed out after " + def.Timeout.String())
	}
	e.log.Warn().Err(err).Str("item", item.ID).Str("stage", def.Name).
		Msg("stage attempt failed, retryable")
	return pipeline.Transient(err.Error())
}

// waitForToken blocks until the shared per-provider bucket yields a token.
func (e *Executor) waitForToken(ctx context.Context, provider string) error {
	if e.limiter == nil {
		return nil
	}
	key := "ratelimit:provider:" + provider
	for {
		allowed, _, err := e.limiter.Allow(ctx, key)
		if err != nil {
			// Redis trouble should not hard-fail the attempt; proceed unthrottled.
			e.log.Warn().Err(err).Str("provider", provider).Msg("rate limiter unavailable")
			return nil
		}
		if allowed {
			return nil
		}
		telemetry.RateLimitWaits.Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}
