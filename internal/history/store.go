package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tOgg1/droidrig/internal/batch"
)

var (
	ErrBatchNotFound = errors.New("batch not found")
	ErrInvalidBatch  = errors.New("invalid batch result")
)

// timeLayout has fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Summary is one row of List.
type Summary struct {
	ID          string
	Action      string
	Success     bool
	DeviceCount int
	FailedCount int
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Store records batch results.
type Store struct {
	db *DB
}

// NewStore creates a Store.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// Record saves a batch result with its per-device outcomes.
func (s *Store) Record(ctx context.Context, res *batch.Result) error {
	if res == nil || res.ID == "" || res.Action == "" {
		return ErrInvalidBatch
	}

	return s.db.TransactionWithRetry(ctx, 0, 0, func(tx *sql.Tx) error {
		var postError *string
		if res.PostError != "" {
			postError = &res.PostError
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO batches (
				id, action, success, precondition_failed, cancelled,
				post_error, started_at, finished_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			res.ID,
			res.Action,
			boolInt(res.Success),
			boolInt(res.PreconditionFailed),
			boolInt(res.Cancelled),
			postError,
			res.StartedAt.UTC().Format(timeLayout),
			res.FinishedAt.UTC().Format(timeLayout),
		); err != nil {
			return fmt.Errorf("failed to insert batch: %w", err)
		}

		for i, d := range res.Devices {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO batch_devices (
					batch_id, position, device, success, exit_code,
					stderr_tail, error, duration_ms
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`,
				res.ID, i, d.Device, boolInt(d.Success), d.ExitCode,
				d.StderrTail, d.Error, d.Duration.Milliseconds(),
			); err != nil {
				return fmt.Errorf("failed to insert device %s: %w", d.Device, err)
			}
		}
		return nil
	})
}

// List returns the newest batches first. limit <= 0 means 20.
func (s *Store) List(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.id, b.action, b.success, b.started_at, b.finished_at,
			COUNT(d.position), COALESCE(SUM(CASE WHEN d.success = 0 THEN 1 ELSE 0 END), 0)
		FROM batches b
		LEFT JOIN batch_devices d ON d.batch_id = b.id
		GROUP BY b.id
		ORDER BY b.started_at DESC, b.id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum               Summary
			success           int
			started, finished string
		)
		if err := rows.Scan(&sum.ID, &sum.Action, &success, &started, &finished, &sum.DeviceCount, &sum.FailedCount); err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		sum.Success = success != 0
		sum.StartedAt = parseTime(started)
		sum.FinishedAt = parseTime(finished)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Get loads one batch result.
func (s *Store) Get(ctx context.Context, id string) (*batch.Result, error) {
	res := &batch.Result{ID: id}
	var (
		success, precondition, cancelled int
		postError                        sql.NullString
		started, finished                string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT action, success, precondition_failed, cancelled, post_error, started_at, finished_at
		FROM batches WHERE id = ?
	`, id).Scan(&res.Action, &success, &precondition, &cancelled, &postError, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	res.Success = success != 0
	res.PreconditionFailed = precondition != 0
	res.Cancelled = cancelled != 0
	res.PostError = postError.String
	res.StartedAt = parseTime(started)
	res.FinishedAt = parseTime(finished)

	rows, err := s.db.QueryContext(ctx, `
		SELECT device, success, exit_code, COALESCE(stderr_tail, ''), COALESCE(error, ''), duration_ms
		FROM batch_devices WHERE batch_id = ? ORDER BY position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get batch devices: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			d      batch.DeviceResult
			ok     int
			millis int64
		)
		if err := rows.Scan(&d.Device, &ok, &d.ExitCode, &d.StderrTail, &d.Error, &millis); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		d.Success = ok != 0
		d.Duration = time.Duration(millis) * time.Millisecond
		res.Devices = append(res.Devices, d)
	}
	return res, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
