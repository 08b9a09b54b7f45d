package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"contentforge/internal/models"
)

// ErrNotFound marks a missing work item.
var ErrNotFound = errors.New("work item not found")

// Store wraps pgxpool for Postgres persistence of work items. It is the single
// source of truth for pipeline coordination: the single-execution guarantee is
// implemented here as compare-and-set updates guarded on status.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateWorkItemParams collects inputs required to insert a work item.
type CreateWorkItemParams struct {
	SourceURL      string
	Video          bool
	Speech         bool
	IdempotencyKey string
}

// CreateWorkItem inserts a new item in ingest/pending. When an idempotency key
// is given and already claimed, the existing item is returned instead; the
// second boolean reports that reuse.
func (s *Store) CreateWorkItem(ctx context.Context, p CreateWorkItemParams) (models.WorkItem, bool, error) {
	if p.IdempotencyKey != "" {
		if existing, found, err := s.findByIdempotencyKey(ctx, p.IdempotencyKey); err != nil {
			return models.WorkItem{}, false, err
		} else if found {
			return existing, true, nil
		}
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	payload := map[string]any{
		models.PayloadConfigKey: map[string]any{
			models.ConfigSourceURL: p.SourceURL,
			models.ConfigVideo:     p.Video,
			models.ConfigSpeech:    p.Speech,
		},
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return models.WorkItem{}, false, fmt.Errorf("marshal payload: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO work_items (id, current_stage, status, payload, attempts, next_run_at, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $5, $5)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, id, models.StageIngest, models.StatusPending, payloadJSON, now, emptyToNil(p.IdempotencyKey))
	if err != nil {
		return models.WorkItem{}, false, fmt.Errorf("insert work item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Someone else claimed the key after our initial check.
		existing, found, err := s.findByIdempotencyKey(ctx, p.IdempotencyKey)
		if err != nil {
			return models.WorkItem{}, false, err
		}
		if !found {
			return models.WorkItem{}, false, errors.New("idempotency conflict but no existing item found")
		}
		return existing, true, nil
	}

	return models.WorkItem{
		ID:             id,
		CurrentStage:   models.StageIngest,
		Status:         models.StatusPending,
		Payload:        payload,
		NextRunAt:      now,
		IdempotencyKey: emptyToNil(p.IdempotencyKey),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, false, nil
}

func (s *Store) findByIdempotencyKey(ctx context.Context, key string) (models.WorkItem, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT id FROM work_items WHERE idempotency_key = $1
	`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.WorkItem{}, false, nil
	}
	if err != nil {
		return models.WorkItem{}, false, fmt.Errorf("query idempotency key: %w", err)
	}
	item, err := s.GetWorkItem(ctx, id)
	if err != nil {
		return models.WorkItem{}, false, err
	}
	return item, true, nil
}

const itemColumns = `id, current_stage, status, payload, attempts, last_error, cancel_requested, next_run_at, idempotency_key, created_at, updated_at`

// GetWorkItem fetches a work item by id.
func (s *Store) GetWorkItem(ctx context.Context, id string) (models.WorkItem, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id = $1`, id)
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.WorkItem{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return item, err
}

// ListWorkItems scans items by status and/or stage, newest first. Empty filter
// values match everything.
func (s *Store) ListWorkItems(ctx context.Context, status, stage string, limit int) ([]models.WorkItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+itemColumns+` FROM work_items
		WHERE ($1 = '' OR status = $1) AND ($2 = '' OR current_stage = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, status, stage, limit)
	if err != nil {
		return nil, fmt.Errorf("list work items: %w", err)
	}
	defer rows.Close()

	var items []models.WorkItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// MarkQueued atomically transitions pending|retry_scheduled to queued for the
// given stage. The stage guard drops the dispatch when the item moved on
// between the caller's read and this write. Exactly one of any number of
// racing callers observes true.
func (s *Store) MarkQueued(ctx context.Context, id, stage string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_items
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND current_stage = $3 AND status IN ($4, $5)
	`, id, models.StatusQueued, stage, models.StatusPending, models.StatusRetryScheduled)
	if err != nil {
		return false, fmt.Errorf("mark queued: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimForRun atomically transitions queued|retry_scheduled to running for
// the given stage. Workers call this per dequeued task; duplicate queue
// members for the same attempt find no claimable status and are dropped, so
// at most one execution per item is in flight.
func (s *Store) ClaimForRun(ctx context.Context, id, stage string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_items
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND current_stage = $3 AND status IN ($4, $5)
	`, id, models.StatusRunning, stage, models.StatusQueued, models.StatusRetryScheduled)
	if err != nil {
		return false, fmt.Errorf("claim for run: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordStageSuccess writes the stage's artifact into the payload, advances to
// the successor, and resets the attempt counter. Retries of the same stage
// overwrite its payload entry; entries of earlier stages are never touched.
func (s *Store) RecordStageSuccess(ctx context.Context, id, stage string, artifact any, successor string) error {
	artifactJSON, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE work_items
		SET payload = jsonb_set(payload, ARRAY[$2], $3::jsonb),
		    current_stage = $4, status = $5, attempts = 0, last_error = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, stage, artifactJSON, successor, models.StatusPending)
	return err
}

// CompleteItem records the final stage's artifact and parks the item in done/succeeded.
func (s *Store) CompleteItem(ctx context.Context, id, stage string, artifact any) error {
	artifactJSON, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE work_items
		SET payload = jsonb_set(payload, ARRAY[$2], $3::jsonb),
		    current_stage = $4, status = $5, attempts = 0, last_error = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, stage, artifactJSON, models.StageDone, models.StatusSucceeded)
	return err
}

// ScheduleRetry parks a failed attempt for a delayed retry of the same stage.
func (s *Store) ScheduleRetry(ctx context.Context, id string, attempts int, nextRun time.Time, rec models.ErrorRecord) error {
	recJSON, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal error record: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE work_items
		SET status = $2, attempts = $3, next_run_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusRetryScheduled, attempts, nextRun, recJSON)
	return err
}

// MarkFailed moves the item to the terminal failed state.
func (s *Store) MarkFailed(ctx context.Context, id string, rec models.ErrorRecord) error {
	recJSON, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal error record: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE work_items
		SET current_stage = $2, status = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1
	`, id, models.StageFailed, models.StatusFailed, recJSON)
	return err
}

// MarkCancelled parks the item as cancelled. A non-nil artifact from the final
// in-flight attempt is still recorded before parking.
func (s *Store) MarkCancelled(ctx context.Context, id, stage string, artifact any) error {
	if artifact != nil {
		artifactJSON, err := json.Marshal(artifact)
		if err != nil {
			return fmt.Errorf("marshal artifact: %w", err)
		}
		_, err = s.pool.Exec(ctx, `
			UPDATE work_items
			SET payload = jsonb_set(payload, ARRAY[$2], $3::jsonb), status = $4, updated_at = NOW()
			WHERE id = $1
		`, id, stage, artifactJSON, models.StatusCancelled)
		return err
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE work_items SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, models.StatusCancelled)
	return err
}

// RequestCancel flags the item; the orchestrator honors the flag at the next
// stage boundary. In-flight attempts are not interrupted.
func (s *Store) RequestCancel(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_items SET cancel_requested = TRUE, updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// ReclaimStale performs the recovery-sweep transition: an item stuck in
// running (crashed worker) or queued (lost queue member) with updated_at
// older than cutoff consumes one attempt and moves to retry_scheduled. The
// WHERE guard makes concurrent sweeps reclaim it exactly once per staleness
// detection.
func (s *Store) ReclaimStale(ctx context.Context, id string, cutoff, nextRun time.Time, rec models.ErrorRecord) (int, bool, error) {
	recJSON, err := json.Marshal(rec)
	if err != nil {
		return 0, false, fmt.Errorf("marshal error record: %w", err)
	}
	var attempts int
	err = s.pool.QueryRow(ctx, `
		UPDATE work_items
		SET status = $2, attempts = attempts + 1, next_run_at = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1 AND status IN ($5, $6) AND updated_at < $7
		RETURNING attempts
	`, id, models.StatusRetryScheduled, nextRun, recJSON, models.StatusRunning, models.StatusQueued, cutoff).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reclaim stale: %w", err)
	}
	return attempts, true, nil
}

// ListDueRetries returns retry_scheduled items whose delay elapsed before the
// given instant. The scheduler re-advances them as a safety net for lost
// queue entries.
func (s *Store) ListDueRetries(ctx context.Context, before time.Time, limit int) ([]models.WorkItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+itemColumns+` FROM work_items
		WHERE status = $1 AND next_run_at <= $2
		ORDER BY next_run_at
		LIMIT $3
	`, models.StatusRetryScheduled, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list due retries: %w", err)
	}
	defer rows.Close()

	var items []models.WorkItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListStale returns running or queued items of one stage untouched since
// cutoff, for the recovery sweep.
func (s *Store) ListStale(ctx context.Context, stage string, cutoff time.Time, limit int) ([]models.WorkItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+itemColumns+` FROM work_items
		WHERE status IN ($1, $2) AND current_stage = $3 AND updated_at < $4
		ORDER BY updated_at
		LIMIT $5
	`, models.StatusRunning, models.StatusQueued, stage, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale: %w", err)
	}
	defer rows.Close()

	var items []models.WorkItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, itemID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (item_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, itemID, event, detail)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (models.WorkItem, error) {
	var item models.WorkItem
	var payloadJSON []byte
	var lastErrJSON []byte
	var idem pgtype.Text

	if err := row.Scan(&item.ID, &item.CurrentStage, &item.Status, &payloadJSON, &item.Attempts,
		&lastErrJSON, &item.CancelRequested, &item.NextRunAt, &idem, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return models.WorkItem{}, err
	}
	if err := json.Unmarshal(payloadJSON, &item.Payload); err != nil {
		return models.WorkItem{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if len(lastErrJSON) > 0 {
		var rec models.ErrorRecord
		if err := json.Unmarshal(lastErrJSON, &rec); err != nil {
			return models.WorkItem{}, fmt.Errorf("unmarshal last_error: %w", err)
		}
		item.LastError = &rec
	}
	if idem.Valid {
		item.IdempotencyKey = &idem.String
	}
	return item, nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
