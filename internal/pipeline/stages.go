package pipeline

import (
	"fmt"
	"strings"
	"time"

	"contentforge/internal/models"
)

// StageDefinition binds one pipeline stage to its adapter, retry policy, and
// successor. New stages are added by extending the table in Stages(), not by
// writing new dispatch code.
type StageDefinition struct {
	Name        string
	Adapter     string
	Timeout     time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Successor   string
	// ConfigFlag names a per-item boolean in payload["config"]; when set and
	// the flag is false, the stage is skipped and its successor considered
	// instead.
	ConfigFlag string
}

// Stages returns the static stage table in pipeline order.
func Stages() map[string]StageDefinition {
	return map[string]StageDefinition{
		models.StageIngest: {
			Name:        models.StageIngest,
			Adapter:     "scrape",
			Timeout:     45 * time.Second,
			MaxAttempts: 3,
			BackoffBase: 30 * time.Second,
			BackoffMax:  10 * time.Minute,
			Successor:   models.StageTextGen,
		},
		models.StageTextGen: {
			Name:        models.StageTextGen,
			Adapter:     "textgen",
			Timeout:     2 * time.Minute,
			MaxAttempts: 3,
			BackoffBase: time.Minute,
			BackoffMax:  15 * time.Minute,
			Successor:   models.StageImageGen,
		},
		models.StageImageGen: {
			Name:        models.StageImageGen,
			Adapter:     "imagegen",
			Timeout:     3 * time.Minute,
			MaxAttempts: 3,
			BackoffBase: time.Minute,
			BackoffMax:  15 * time.Minute,
			Successor:   models.StageVideoGen,
		},
		models.StageVideoGen: {
			Name:        models.StageVideoGen,
			Adapter:     "videogen",
			Timeout:     30 * time.Minute,
			MaxAttempts: 2,
			BackoffBase: 5 * time.Minute,
			BackoffMax:  time.Hour,
			Successor:   models.StageSpeechGen,
			ConfigFlag:  models.ConfigVideo,
		},
		models.StageSpeechGen: {
			Name:        models.StageSpeechGen,
			Adapter:     "speechgen",
			Timeout:     5 * time.Minute,
			MaxAttempts: 3,
			BackoffBase: time.Minute,
			BackoffMax:  15 * time.Minute,
			Successor:   models.StagePublish,
			ConfigFlag:  models.ConfigSpeech,
		},
		models.StagePublish: {
			Name:        models.StagePublish,
			Adapter:     "publish",
			Timeout:     2 * time.Minute,
			MaxAttempts: 5,
			BackoffBase: time.Minute,
			BackoffMax:  30 * time.Minute,
			Successor:   models.StageDone,
		},
	}
}

// NextStage resolves the successor of stage for an item, skipping optional
// stages whose config flag is disabled. Returns models.StageDone when the
// pipeline is exhausted.
func NextStage(defs map[string]StageDefinition, stage string, item models.WorkItem) string {
	def, ok := defs[stage]
	if !ok {
		return models.StageDone
	}
	next := def.Successor
	for {
		if next == models.StageDone {
			return next
		}
		nd, ok := defs[next]
		if !ok {
			return models.StageDone
		}
		if nd.ConfigFlag != "" && !item.ConfigFlag(nd.ConfigFlag) {
			next = nd.Successor
			continue
		}
		return next
	}
}

// Task identifies one stage execution carried through the queue.
type Task struct {
	ItemID string
	Stage  string
}

func (t Task) String() string {
	return t.ItemID + "|" + t.Stage
}

// ParseTask decodes a queue member back into a Task.
func ParseTask(raw string) (Task, error) {
	parts := strings.SplitN(raw, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Task{}, fmt.Errorf("malformed task %q", raw)
	}
	return Task{ItemID: parts[0], Stage: parts[1]}, nil
}
