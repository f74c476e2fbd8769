package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Schedule is a recurring submission rule: a cron expression that stamps out
// a fresh action record each time it fires.
type Schedule struct {
	ID        string
	Name      string
	CronExpr  string
	Kind      string
	Args      json.RawMessage
	Metadata  json.RawMessage
	Enabled   bool
	NextRunAt *time.Time
	LastRunAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UpsertSchedule inserts a schedule or, when the name already exists,
// replaces its definition while keeping the original id and created_at.
// The caller is responsible for having validated the cron expression.
func (s *Store) UpsertSchedule(ctx context.Context, sched Schedule) (Schedule, error) {
	if sched.Name == "" {
		return Schedule{}, errors.New("schedule name is required")
	}
	if sched.CronExpr == "" {
		return Schedule{}, errors.New("schedule cron expression is required")
	}
	if sched.Kind == "" {
		return Schedule{}, errors.New("schedule kind is required")
	}
	if len(sched.Args) == 0 {
		sched.Args = json.RawMessage("{}")
	}
	if len(sched.Metadata) == 0 {
		sched.Metadata = json.RawMessage("{}")
	}
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	sched.CreatedAt = now
	sched.UpdatedAt = now

	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO schedules (
				id, name, cron_expr, kind, args, metadata, enabled,
				next_run_at, last_run_at, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				cron_expr = excluded.cron_expr,
				kind = excluded.kind,
				args = excluded.args,
				metadata = excluded.metadata,
				enabled = excluded.enabled,
				next_run_at = excluded.next_run_at,
				updated_at = excluded.updated_at;
		`,
			sched.ID, sched.Name, sched.CronExpr, sched.Kind,
			string(sched.Args), string(sched.Metadata), sched.Enabled,
			nullTime(sched.NextRunAt), now, now,
		)
		return err
	})
	if err != nil {
		return Schedule{}, fmt.Errorf("upsert schedule %q: %w", sched.Name, err)
	}
	return s.GetScheduleByName(ctx, sched.Name)
}

// GetScheduleByName returns the schedule with the given unique name.
func (s *Store) GetScheduleByName(ctx context.Context, name string) (Schedule, error) {
	sched, err := scanSchedule(s.db.QueryRowContext(ctx, `
		SELECT id, name, cron_expr, kind, args, metadata, enabled,
			next_run_at, last_run_at, created_at, updated_at
		FROM schedules
		WHERE name = ?;
	`, name).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, ErrNotFound
	}
	if err != nil {
		return Schedule{}, fmt.Errorf("get schedule %q: %w", name, err)
	}
	return sched, nil
}

// DueSchedules returns enabled schedules whose next_run_at has passed, plus
// enabled schedules that have never been planned (next_run_at IS NULL).
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, cron_expr, kind, args, metadata, enabled,
			next_run_at, last_run_at, created_at, updated_at
		FROM schedules
		WHERE enabled = 1 AND (next_run_at IS NULL OR next_run_at <= ?)
		ORDER BY name ASC;
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan due schedule: %w", err)
		}
		out = append(out, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("due schedule rows: %w", err)
	}
	return out, nil
}

// UpdateScheduleRun records a firing: last_run_at is set to ranAt and
// next_run_at to the next planned occurrence.
func (s *Store) UpdateScheduleRun(ctx context.Context, id string, ranAt, nextRun time.Time) error {
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE schedules
			SET last_run_at = ?, next_run_at = ?, updated_at = ?
			WHERE id = ?;
		`, ranAt.UTC(), nextRun.UTC(), time.Now().UTC(), id)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected != 1 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("update schedule run %s: %w", id, err)
	}
	return nil
}

// ListSchedules returns every schedule ordered by name.
func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, cron_expr, kind, args, metadata, enabled,
			next_run_at, last_run_at, created_at, updated_at
		FROM schedules
		ORDER BY name ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schedule rows: %w", err)
	}
	return out, nil
}

// DeleteSchedule removes a schedule by name. Already-submitted actions are
// not affected.
func (s *Store) DeleteSchedule(ctx context.Context, name string) error {
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE name = ?;`, name)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("delete schedule %q: %w", name, err)
	}
	return nil
}

func scanSchedule(scanFn func(dest ...any) error) (Schedule, error) {
	var (
		sched    Schedule
		args     string
		metadata string
		nextRun  sql.NullTime
		lastRun  sql.NullTime
	)
	if err := scanFn(
		&sched.ID, &sched.Name, &sched.CronExpr, &sched.Kind,
		&args, &metadata, &sched.Enabled,
		&nextRun, &lastRun, &sched.CreatedAt, &sched.UpdatedAt,
	); err != nil {
		return Schedule{}, err
	}
	sched.Args = json.RawMessage(args)
	sched.Metadata = json.RawMessage(metadata)
	if nextRun.Valid {
		t := nextRun.Time.UTC()
		sched.NextRunAt = &t
	}
	if lastRun.Valid {
		t := lastRun.Time.UTC()
		sched.LastRunAt = &t
	}
	sched.CreatedAt = sched.CreatedAt.UTC()
	sched.UpdatedAt = sched.UpdatedAt.UTC()
	return sched, nil
}
