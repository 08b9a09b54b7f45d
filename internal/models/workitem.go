package models

import (
	"time"
)

// Pipeline stages, in execution order. Terminal markers are StageDone and
// StageFailed; they never have an executor.
const (
	StageIngest    = "ingest"
	StageTextGen   = "textgen"
	StageImageGen  = "imagegen"
	StageVideoGen  = "videogen"
	StageSpeechGen = "speechgen"
	StagePublish   = "publish"
	StageDone      = "done"
	StageFailed    = "failed"
)

// WorkItem statuses persisted in Postgres. An item is queued between the
// dispatch decision and a worker claiming the dequeued task; the claim at
// dequeue time is what moves it to running.
const (
	StatusPending        = "pending"
	StatusQueued         = "queued"
	StatusRunning        = "running"
	StatusSucceeded      = "succeeded"
	StatusFailed         = "failed"
	StatusRetryScheduled = "retry_scheduled"
	StatusCancelled      = "cancelled"
)

// Payload keys that are not stage outputs.
const (
	PayloadConfigKey = "config"
)

// Per-item config flags carried in payload["config"].
const (
	ConfigSourceURL = "source_url"
	ConfigVideo     = "video"
	ConfigSpeech    = "speech"
)

// ErrorRecord captures the most recent failed attempt.
type ErrorRecord struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// WorkItem is one unit of content moving through the pipeline.
//
// Payload maps stage name to the artifact reference that stage produced;
// earlier entries are never mutated by later stages. The "config" key holds
// per-item settings (source URL, optional-stage flags). Attempts counts
// attempts of the current stage only and resets on stage entry.
type WorkItem struct {
	ID              string         `json:"id"`
	CurrentStage    string         `json:"current_stage"`
	Status          string         `json:"status"`
	Payload         map[string]any `json:"payload"`
	Attempts        int            `json:"attempts"`
	LastError       *ErrorRecord   `json:"last_error,omitempty"`
	CancelRequested bool           `json:"cancel_requested"`
	NextRunAt       time.Time      `json:"next_run_at"`
	IdempotencyKey  *string        `json:"idempotency_key,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Terminal reports whether the item can never be dispatched again.
func (w WorkItem) Terminal() bool {
	switch w.CurrentStage {
	case StageDone, StageFailed:
		return true
	}
	switch w.Status {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Config returns the per-item config map, or an empty map when unset.
func (w WorkItem) Config() map[string]any {
	cfg, ok := w.Payload[PayloadConfigKey].(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return cfg
}

// ConfigFlag reads a boolean flag from the per-item config.
func (w WorkItem) ConfigFlag(key string) bool {
	v, ok := w.Config()[key].(bool)
	return ok && v
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	ItemID   string    `json:"item_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
