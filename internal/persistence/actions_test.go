package persistence_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/basket/actiond/internal/persistence"
)

func mustInsert(t *testing.T, store *persistence.Store, record persistence.ActionRecord) {
	t.Helper()
	if err := store.InsertAction(context.Background(), record); err != nil {
		t.Fatalf("insert action %s: %v", record.ID, err)
	}
}

func newRecord(id string, scheduled time.Time) persistence.ActionRecord {
	return persistence.NewActionRecord(id, "test.actiond.io/success", json.RawMessage(`{}`), nil, time.Now(), scheduled)
}

func strPtr(s string) *string { return &s }

func TestInsertAction_DuplicateID(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	record := newRecord("dup", time.Now())
	mustInsert(t, store, record)

	err := store.InsertAction(ctx, record)
	if !errors.Is(err, persistence.ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}

	// The original row is untouched.
	got, err := store.GetAction(ctx, "dup")
	if err != nil {
		t.Fatalf("get action: %v", err)
	}
	if got.State.Phase != persistence.PhaseNew {
		t.Fatalf("expected phase NEW, got %s", got.State.Phase)
	}
}

func TestGetAction_NotFound(t *testing.T) {
	store, _ := openTestStore(t)
	_, err := store.GetAction(context.Background(), "missing")
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInsertAction_RoundTripsDocuments(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	record := persistence.NewActionRecord(
		"doc",
		"test.actiond.io/success",
		json.RawMessage(`{"count":3}`),
		json.RawMessage(`{"origin":"api"}`),
		time.Now(),
		time.Now(),
	)
	mustInsert(t, store, record)

	got, err := store.GetAction(ctx, "doc")
	if err != nil {
		t.Fatalf("get action: %v", err)
	}
	if string(got.Args) != `{"count":3}` {
		t.Fatalf("args = %s", got.Args)
	}
	if string(got.Metadata) != `{"origin":"api"}` {
		t.Fatalf("metadata = %s", got.Metadata)
	}
	if got.FinishedTime != nil {
		t.Fatalf("expected nil finished_time, got %v", got.FinishedTime)
	}
	if got.State.Payload != nil || got.State.Error != nil {
		t.Fatalf("expected empty state documents, got payload=%s error=%s", got.State.Payload, got.State.Error)
	}
}

func TestListDue_OrderAndHorizon(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mustInsert(t, store, newRecord("later", now.Add(-1*time.Minute)))
	mustInsert(t, store, newRecord("earlier", now.Add(-2*time.Minute)))
	mustInsert(t, store, newRecord("future", now.Add(1*time.Hour)))

	due, err := store.ListDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due actions, got %d", len(due))
	}
	if due[0].ID != "earlier" || due[1].ID != "later" {
		t.Fatalf("unexpected order: %s, %s", due[0].ID, due[1].ID)
	}
}

func TestListDue_TieBreaksOnID(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	scheduled := now.Add(-time.Minute)

	mustInsert(t, store, newRecord("b", scheduled))
	mustInsert(t, store, newRecord("a", scheduled))

	due, err := store.ListDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 2 || due[0].ID != "a" || due[1].ID != "b" {
		t.Fatalf("expected [a b], got %v", []string{due[0].ID, due[1].ID})
	}
}

func TestListDue_SkipsActivelyLeased(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mustInsert(t, store, newRecord("leased", now.Add(-time.Minute)))
	if err := store.ClaimDue(ctx, "leased", persistence.PhaseNew); err != nil {
		t.Fatalf("claim: %v", err)
	}

	due, err := store.ListDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected leased action to be hidden, got %d rows", len(due))
	}
}

func TestClaimDue_ExactlyOneWinner(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	mustInsert(t, store, newRecord("contested", time.Now().Add(-time.Minute)))

	const contenders = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	wg.Add(contenders)
	for i := 0; i < contenders; i++ {
		go func() {
			defer wg.Done()
			err := store.ClaimDue(ctx, "contested", persistence.PhaseNew)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, persistence.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", wins)
	}
	if conflicts != contenders-1 {
		t.Fatalf("expected %d conflicts, got %d", contenders-1, conflicts)
	}

	got, err := store.GetAction(ctx, "contested")
	if err != nil {
		t.Fatalf("get action: %v", err)
	}
	if got.State.Phase != persistence.PhaseRunning {
		t.Fatalf("expected RUNNING after claim, got %s", got.State.Phase)
	}
}

func TestClaimDue_WrongExpectedPhase(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	mustInsert(t, store, newRecord("fresh", time.Now().Add(-time.Minute)))

	err := store.ClaimDue(ctx, "fresh", persistence.PhaseRunning)
	if !errors.Is(err, persistence.ErrConflict) {
		t.Fatalf("expected ErrConflict for wrong expected phase, got %v", err)
	}
}

func TestTransitionAction_TerminalSetsFinishedOnce(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	mustInsert(t, store, newRecord("done", time.Now().Add(-time.Minute)))
	if err := store.ClaimDue(ctx, "done", persistence.PhaseNew); err != nil {
		t.Fatalf("claim: %v", err)
	}

	payload := `{"acked":true}`
	if err := store.TransitionAction(ctx, "done", persistence.PhaseRunning, persistence.PhaseDone, &payload, nil); err != nil {
		t.Fatalf("transition to DONE: %v", err)
	}

	got, err := store.GetAction(ctx, "done")
	if err != nil {
		t.Fatalf("get action: %v", err)
	}
	if got.State.Phase != persistence.PhaseDone {
		t.Fatalf("expected DONE, got %s", got.State.Phase)
	}
	if got.FinishedTime == nil {
		t.Fatal("expected finished_time to be set")
	}
	if string(got.State.Payload) != payload {
		t.Fatalf("payload = %s", got.State.Payload)
	}

	// Terminal records reject further transitions.
	err = store.TransitionAction(ctx, "done", persistence.PhaseDone, persistence.PhaseRunning, nil, nil)
	if err == nil {
		t.Fatal("expected error transitioning out of DONE")
	}
}

func TestTransitionAction_FailureRecordsErrorDocument(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	mustInsert(t, store, newRecord("boom", time.Now().Add(-time.Minute)))
	if err := store.ClaimDue(ctx, "boom", persistence.PhaseNew); err != nil {
		t.Fatalf("claim: %v", err)
	}

	errDoc := `{"error_msg":"handler exploded"}`
	if err := store.TransitionAction(ctx, "boom", persistence.PhaseRunning, persistence.PhaseFailed, nil, &errDoc); err != nil {
		t.Fatalf("transition to FAILED: %v", err)
	}

	got, err := store.GetAction(ctx, "boom")
	if err != nil {
		t.Fatalf("get action: %v", err)
	}
	if got.State.Phase != persistence.PhaseFailed {
		t.Fatalf("expected FAILED, got %s", got.State.Phase)
	}
	if string(got.State.Error) != errDoc {
		t.Fatalf("error doc = %s", got.State.Error)
	}
	if got.State.Payload != nil {
		t.Fatalf("payload should be untouched, got %s", got.State.Payload)
	}
}

func TestTransitionAction_TriStateDocuments(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	mustInsert(t, store, newRecord("progress", time.Now().Add(-time.Minute)))
	if err := store.ClaimDue(ctx, "progress", persistence.PhaseNew); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Progress report: set a payload.
	if err := store.TransitionAction(ctx, "progress", persistence.PhaseRunning, persistence.PhaseRunning, strPtr(`{"step":1}`), nil); err != nil {
		t.Fatalf("first progress: %v", err)
	}

	// nil leaves the payload untouched.
	if err := store.TransitionAction(ctx, "progress", persistence.PhaseRunning, persistence.PhaseRunning, nil, nil); err != nil {
		t.Fatalf("second progress: %v", err)
	}
	got, err := store.GetAction(ctx, "progress")
	if err != nil {
		t.Fatalf("get action: %v", err)
	}
	if string(got.State.Payload) != `{"step":1}` {
		t.Fatalf("payload after nil change = %s", got.State.Payload)
	}

	// Empty string clears it.
	if err := store.TransitionAction(ctx, "progress", persistence.PhaseRunning, persistence.PhaseRunning, strPtr(""), nil); err != nil {
		t.Fatalf("clearing progress: %v", err)
	}
	got, err = store.GetAction(ctx, "progress")
	if err != nil {
		t.Fatalf("get action: %v", err)
	}
	if got.State.Payload != nil {
		t.Fatalf("payload should be cleared, got %s", got.State.Payload)
	}
}

func TestTransitionAction_ProgressReleasesLease(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mustInsert(t, store, newRecord("resumable", now.Add(-time.Minute)))
	if err := store.ClaimDue(ctx, "resumable", persistence.PhaseNew); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.TransitionAction(ctx, "resumable", persistence.PhaseRunning, persistence.PhaseRunning, strPtr(`{"step":1}`), nil); err != nil {
		t.Fatalf("progress: %v", err)
	}

	// With the lease released the record is due again and claimable as RUNNING.
	due, err := store.ListDue(ctx, time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 1 || due[0].ID != "resumable" {
		t.Fatalf("expected resumable to be due again, got %v", due)
	}
	if err := store.ClaimDue(ctx, "resumable", persistence.PhaseRunning); err != nil {
		t.Fatalf("resume claim: %v", err)
	}
}

func TestTransitionAction_ConflictAndNotFound(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	err := store.TransitionAction(ctx, "ghost", persistence.PhaseNew, persistence.PhaseRunning, nil, nil)
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	mustInsert(t, store, newRecord("raced", time.Now().Add(-time.Minute)))
	err = store.TransitionAction(ctx, "raced", persistence.PhaseRunning, persistence.PhaseDone, nil, nil)
	if !errors.Is(err, persistence.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	// The losing caller observed the conflict; the row is unchanged.
	got, err := store.GetAction(ctx, "raced")
	if err != nil {
		t.Fatalf("get action: %v", err)
	}
	if got.State.Phase != persistence.PhaseNew {
		t.Fatalf("expected NEW, got %s", got.State.Phase)
	}
}

func TestListQueueAndFinished(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mustInsert(t, store, newRecord("pending-b", now.Add(-1*time.Minute)))
	mustInsert(t, store, newRecord("pending-a", now.Add(-2*time.Minute)))
	mustInsert(t, store, newRecord("finished-1", now.Add(-3*time.Minute)))

	if err := store.ClaimDue(ctx, "finished-1", persistence.PhaseNew); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.TransitionAction(ctx, "finished-1", persistence.PhaseRunning, persistence.PhaseDone, nil, nil); err != nil {
		t.Fatalf("finish: %v", err)
	}

	queue, err := store.ListQueue(ctx, 0)
	if err != nil {
		t.Fatalf("list queue: %v", err)
	}
	if len(queue) != 2 {
		t.Fatalf("expected 2 queued actions, got %d", len(queue))
	}
	if queue[0].ID != "pending-a" || queue[1].ID != "pending-b" {
		t.Fatalf("queue order = %s, %s", queue[0].ID, queue[1].ID)
	}

	finished, err := store.ListFinished(ctx, 0)
	if err != nil {
		t.Fatalf("list finished: %v", err)
	}
	if len(finished) != 1 || finished[0].ID != "finished-1" {
		t.Fatalf("finished = %v", finished)
	}
	if finished[0].Phase != persistence.PhaseDone {
		t.Fatalf("finished phase = %s", finished[0].Phase)
	}
}

func TestPurgeFinishedBefore(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// A record that finished 30 days ago, inserted directly in terminal state.
	old := now.Add(-30 * 24 * time.Hour)
	stale := newRecord("stale", old)
	stale.State.Phase = persistence.PhaseDone
	stale.FinishedTime = &old
	mustInsert(t, store, stale)

	// A fresh terminal record and an unfinished one survive the purge.
	recent := now.Add(-time.Hour)
	fresh := newRecord("fresh", recent)
	fresh.State.Phase = persistence.PhaseFailed
	fresh.FinishedTime = &recent
	mustInsert(t, store, fresh)
	mustInsert(t, store, newRecord("pending", now))

	cutoff := now.Add(-14 * 24 * time.Hour)
	purged, err := store.PurgeFinishedBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged, got %d", purged)
	}

	if _, err := store.GetAction(ctx, "stale"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected stale purged, got %v", err)
	}
	if _, err := store.GetAction(ctx, "fresh"); err != nil {
		t.Fatalf("fresh should survive: %v", err)
	}
	if _, err := store.GetAction(ctx, "pending"); err != nil {
		t.Fatalf("pending should survive: %v", err)
	}

	// A second pass over the same data removes nothing.
	purged, err = store.PurgeFinishedBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("second purge: %v", err)
	}
	if purged != 0 {
		t.Fatalf("expected idempotent purge, got %d", purged)
	}
}

func TestReclaimExpiredLeases(t *testing.T) {
	store, _ := openTestStore(t)
	store.SetLeaseDuration(10 * time.Millisecond)
	ctx := context.Background()

	mustInsert(t, store, newRecord("orphaned", time.Now().Add(-time.Minute)))
	if err := store.ClaimDue(ctx, "orphaned", persistence.PhaseNew); err != nil {
		t.Fatalf("claim: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	reclaimed, err := store.ReclaimExpiredLeases(ctx, time.Now())
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", reclaimed)
	}

	got, err := store.GetAction(ctx, "orphaned")
	if err != nil {
		t.Fatalf("get action: %v", err)
	}
	if got.State.Phase != persistence.PhaseNew {
		t.Fatalf("expected NEW after reclaim, got %s", got.State.Phase)
	}
}

func TestRecoverRunning(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	mustInsert(t, store, newRecord("interrupted", time.Now().Add(-time.Minute)))
	if err := store.ClaimDue(ctx, "interrupted", persistence.PhaseNew); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Terminal rows are left alone.
	finishedAt := time.Now().UTC()
	done := newRecord("settled", finishedAt.Add(-time.Hour))
	done.State.Phase = persistence.PhaseDone
	done.FinishedTime = &finishedAt
	mustInsert(t, store, done)

	recovered, err := store.RecoverRunning(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("expected 1 recovered, got %d", recovered)
	}

	got, err := store.GetAction(ctx, "interrupted")
	if err != nil {
		t.Fatalf("get action: %v", err)
	}
	if got.State.Phase != persistence.PhaseNew {
		t.Fatalf("expected NEW after recovery, got %s", got.State.Phase)
	}
}

func TestCountDue(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mustInsert(t, store, newRecord("d1", now.Add(-time.Minute)))
	mustInsert(t, store, newRecord("d2", now.Add(-time.Second)))
	mustInsert(t, store, newRecord("future", now.Add(time.Hour)))

	count, err := store.CountDue(ctx, now)
	if err != nil {
		t.Fatalf("count due: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 due, got %d", count)
	}
}
