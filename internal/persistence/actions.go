package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/actiond/internal/bus"
)

const defaultListLimit = 50

// InsertAction persists a validated record. Submitters insert records in
// phase NEW; tests and recovery tooling may insert records in later phases.
func (s *Store) InsertAction(ctx context.Context, record ActionRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO actions (
				id, kind, args, metadata, created_time, scheduled_time,
				finished_time, state_phase, state_payload, state_error
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`,
			record.ID,
			record.Kind,
			string(record.Args),
			string(record.Metadata),
			record.CreatedTime.UTC(),
			record.ScheduledTime.UTC(),
			nullTime(record.FinishedTime),
			record.State.Phase,
			nullDoc(record.State.Payload),
			nullDoc(record.State.Error),
		)
		return err
	})
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: actions.id") {
			return ErrDuplicateID
		}
		return fmt.Errorf("insert action: %w", err)
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicActionScheduled, bus.ActionScheduledEvent{
			ActionID:      record.ID,
			Kind:          record.Kind,
			ScheduledTime: record.ScheduledTime.UTC(),
		})
	}
	return nil
}

// GetAction returns the current record for the given id.
func (s *Store) GetAction(ctx context.Context, id string) (*ActionRecord, error) {
	var record ActionRecord
	err := scanAction(s.db.QueryRowContext(ctx, `
		SELECT id, kind, args, metadata, created_time, scheduled_time,
			finished_time, state_phase, state_payload, state_error
		FROM actions
		WHERE id = ?;
	`, id).Scan, &record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get action: %w", err)
	}
	return &record, nil
}

// ListDue returns up to limit unfinished records eligible to execute at now,
// ordered by (scheduled_time, id) ascending. Records whose claim lease is
// still active are excluded: their worker has not let go of them yet.
//
// This ordering is the sole admission-order guarantee: earlier-scheduled work
// is offered first, but completion order is unordered once handlers run
// concurrently.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]ActionRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	now = now.UTC()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, args, metadata, created_time, scheduled_time,
			finished_time, state_phase, state_payload, state_error
		FROM actions
		WHERE finished_time IS NULL
		  AND scheduled_time <= ?
		  AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
		ORDER BY scheduled_time ASC, id ASC
		LIMIT ?;
	`, now, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due actions: %w", err)
	}
	defer rows.Close()

	var out []ActionRecord
	for rows.Next() {
		var record ActionRecord
		if err := scanAction(rows.Scan, &record); err != nil {
			return nil, fmt.Errorf("scan due action: %w", err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("due action rows: %w", err)
	}
	return out, nil
}

// ClaimDue atomically transitions a due record into RUNNING and acquires its
// execution lease. The conditional update is the mutual-exclusion primitive:
// of N concurrent claims for the same record exactly one succeeds and the
// rest observe ErrConflict.
//
// The expected phase is NEW for fresh records or RUNNING when resuming a
// record that reported progress on an earlier cycle.
func (s *Store) ClaimDue(ctx context.Context, id string, expected Phase) error {
	if !canTransition(expected, PhaseRunning) {
		return fmt.Errorf("illegal transition %s -> %s", expected, PhaseRunning)
	}
	now := time.Now().UTC()
	owner := uuid.NewString()
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE actions
			SET state_phase = ?, lease_owner = ?, lease_expires_at = ?
			WHERE id = ?
			  AND state_phase = ?
			  AND finished_time IS NULL
			  AND (lease_expires_at IS NULL OR lease_expires_at <= ?);
		`, PhaseRunning, owner, now.Add(s.lease), id, expected, now)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("claim action: %w", err)
	}
	if affected != 1 {
		return ErrConflict
	}

	if s.bus != nil && expected != PhaseRunning {
		s.bus.Publish(bus.TopicActionStateChanged, bus.ActionStateChangedEvent{
			ActionID: id,
			OldPhase: string(expected),
			NewPhase: string(PhaseRunning),
		})
	}
	return nil
}

// TransitionAction conditionally moves a record from the expected phase to
// next, updating the execution state documents.
//
// Payload and errDoc follow tri-state semantics: nil leaves the column
// untouched, a pointer to the empty string clears it, any other value
// replaces it. Entering a terminal phase sets finished_time exactly once and
// releases the lease; a RUNNING -> RUNNING progress report also releases the
// lease so the record is revisited on a later cycle.
//
// Returns ErrConflict when the record's current phase is not the expected
// one and ErrNotFound when the record does not exist.
func (s *Store) TransitionAction(ctx context.Context, id string, expected, next Phase, payload, errDoc *string) error {
	if !canTransition(expected, next) {
		return fmt.Errorf("illegal transition %s -> %s", expected, next)
	}

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current Phase
		if err := tx.QueryRowContext(ctx, `
			SELECT state_phase FROM actions WHERE id = ?;
		`, id).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select action for transition: %w", err)
		}
		if current != expected {
			return ErrConflict
		}

		payloadValue := docChange(payload)
		errValue := docChange(errDoc)
		now := time.Now().UTC()

		res, err := tx.ExecContext(ctx, `
			UPDATE actions
			SET state_phase = ?,
				state_payload = CASE WHEN ? THEN ? ELSE state_payload END,
				state_error = CASE WHEN ? THEN ? ELSE state_error END,
				finished_time = CASE WHEN ? AND finished_time IS NULL THEN ? ELSE finished_time END,
				lease_owner = NULL,
				lease_expires_at = NULL
			WHERE id = ? AND state_phase = ?;
		`,
			next,
			payload != nil, payloadValue,
			errDoc != nil, errValue,
			next.Terminal(), now,
			id, expected,
		)
		if err != nil {
			return fmt.Errorf("update action transition: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("transition rows affected: %w", err)
		}
		if affected != 1 {
			return ErrConflict
		}
		return tx.Commit()
	})
	if err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("transition action %s: %w", id, err)
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicActionStateChanged, bus.ActionStateChangedEvent{
			ActionID: id,
			OldPhase: string(expected),
			NewPhase: string(next),
		})
		if next.Terminal() {
			s.bus.Publish(bus.TopicActionFinished, bus.ActionFinishedEvent{
				ActionID: id,
				Phase:    string(next),
			})
		}
	}
	return nil
}

// ListQueue returns summaries of unfinished actions in execution order.
func (s *Store) ListQueue(ctx context.Context, limit int) ([]ActionSummary, error) {
	return s.listSummaries(ctx, `
		SELECT id, kind, state_phase
		FROM actions
		WHERE finished_time IS NULL
		ORDER BY scheduled_time ASC, id ASC
		LIMIT ?;
	`, limit)
}

// ListFinished returns summaries of terminal actions in schedule order.
func (s *Store) ListFinished(ctx context.Context, limit int) ([]ActionSummary, error) {
	return s.listSummaries(ctx, `
		SELECT id, kind, state_phase
		FROM actions
		WHERE finished_time IS NOT NULL
		ORDER BY scheduled_time ASC, id ASC
		LIMIT ?;
	`, limit)
}

func (s *Store) listSummaries(ctx context.Context, query string, limit int) ([]ActionSummary, error) {
	if limit <= 0 || limit > 1000 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list action summaries: %w", err)
	}
	defer rows.Close()

	var out []ActionSummary
	for rows.Next() {
		var summary ActionSummary
		if err := rows.Scan(&summary.ID, &summary.Kind, &summary.Phase); err != nil {
			return nil, fmt.Errorf("scan action summary: %w", err)
		}
		out = append(out, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("action summary rows: %w", err)
	}
	return out, nil
}

// CountDue reports how many unfinished records are eligible to execute at now.
func (s *Store) CountDue(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM actions
		WHERE finished_time IS NULL AND scheduled_time <= ?;
	`, now.UTC()).Scan(&count); err != nil {
		return 0, fmt.Errorf("count due actions: %w", err)
	}
	return count, nil
}

// PurgeFinishedBefore deletes terminal records that finished before cutoff
// and returns the number of rows removed. Deletion is unconditional and
// irreversible; running the purge twice without new finished records in
// between deletes nothing the second time.
func (s *Store) PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var purged int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM actions
			WHERE finished_time IS NOT NULL AND finished_time < ?;
		`, cutoff.UTC())
		if err != nil {
			return err
		}
		purged, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("purge finished actions: %w", err)
	}
	return purged, nil
}

// ReclaimExpiredLeases requeues RUNNING records whose lease expired before
// now, returning them to NEW so a later cycle can claim them again. This is
// the recovery path for workers that died mid-execution.
func (s *Store) ReclaimExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	var reclaimed int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE actions
			SET state_phase = ?, lease_owner = NULL, lease_expires_at = NULL
			WHERE state_phase = ?
			  AND finished_time IS NULL
			  AND lease_expires_at IS NOT NULL
			  AND lease_expires_at <= ?;
		`, PhaseNew, PhaseRunning, now.UTC())
		if err != nil {
			return err
		}
		reclaimed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("reclaim expired leases: %w", err)
	}
	return reclaimed, nil
}

// RecoverRunning requeues every unfinished RUNNING record regardless of
// lease state. Called once at startup: this process owns the store, so
// nothing can legitimately be running before the executor starts.
func (s *Store) RecoverRunning(ctx context.Context) (int64, error) {
	var recovered int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE actions
			SET state_phase = ?, lease_owner = NULL, lease_expires_at = NULL
			WHERE state_phase = ? AND finished_time IS NULL;
		`, PhaseNew, PhaseRunning)
		if err != nil {
			return err
		}
		recovered, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("recover running actions: %w", err)
	}
	return recovered, nil
}

func scanAction(scanFn func(dest ...any) error, record *ActionRecord) error {
	var (
		args     string
		metadata string
		finished sql.NullTime
		payload  sql.NullString
		errDoc   sql.NullString
	)
	if err := scanFn(
		&record.ID,
		&record.Kind,
		&args,
		&metadata,
		&record.CreatedTime,
		&record.ScheduledTime,
		&finished,
		&record.State.Phase,
		&payload,
		&errDoc,
	); err != nil {
		return err
	}
	record.Args = json.RawMessage(args)
	record.Metadata = json.RawMessage(metadata)
	record.CreatedTime = record.CreatedTime.UTC()
	record.ScheduledTime = record.ScheduledTime.UTC()
	if finished.Valid {
		t := finished.Time.UTC()
		record.FinishedTime = &t
	}
	if payload.Valid {
		record.State.Payload = json.RawMessage(payload.String)
	}
	if errDoc.Valid {
		record.State.Error = json.RawMessage(errDoc.String)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Valid: true, Time: t.UTC()}
}

func nullDoc(doc json.RawMessage) sql.NullString {
	if len(doc) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{Valid: true, String: string(doc)}
}

// docChange maps the tri-state document pointer to its SQL value: an empty
// string clears the column, anything else replaces it.
func docChange(doc *string) sql.NullString {
	if doc == nil || *doc == "" {
		return sql.NullString{}
	}
	return sql.NullString{Valid: true, String: *doc}
}
