package training

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"gorm.io/gorm"

	"minionforge_back/minions"
)

var testDBSeq atomic.Int64

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:training_store_test_%d?mode=memory&cache=shared", testDBSeq.Add(1))
	db, err := minions.OpenDatabase("sqlite", dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestEnqueueRejectsDuplicates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := &Job{MinionID: 1, JobName: "run", ConfigHash: "hash-a"}
	if err := store.Enqueue(ctx, first, []string{"d1", "d2"}); err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}
	if err := store.Transition(ctx, first.ID, StatusRunning, nil); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if err := store.Transition(ctx, first.ID, StatusCompleted, nil); err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	// Same hash within the window is rejected even after completion.
	second := &Job{MinionID: 1, JobName: "run again", ConfigHash: "hash-a"}
	if err := store.Enqueue(ctx, second, nil); !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("expected ErrDuplicateJob, got %v", err)
	}

	// A different hash goes through.
	third := &Job{MinionID: 1, JobName: "different", ConfigHash: "hash-b"}
	if err := store.Enqueue(ctx, third, nil); err != nil {
		t.Fatalf("third enqueue failed: %v", err)
	}
}

func TestEnqueueMutualExclusionPerMinion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := &Job{MinionID: 7, JobName: "active", ConfigHash: "hash-a"}
	if err := store.Enqueue(ctx, first, nil); err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}

	blocked := &Job{MinionID: 7, JobName: "blocked", ConfigHash: "hash-b"}
	if err := store.Enqueue(ctx, blocked, nil); !errors.Is(err, ErrMinionBusy) {
		t.Fatalf("expected ErrMinionBusy, got %v", err)
	}

	// Another minion is unaffected.
	other := &Job{MinionID: 8, JobName: "other", ConfigHash: "hash-b"}
	if err := store.Enqueue(ctx, other, nil); err != nil {
		t.Fatalf("other minion enqueue failed: %v", err)
	}

	// Once the first job finishes, the minion is free again.
	if err := store.Transition(ctx, first.ID, StatusRunning, nil); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if err := store.Transition(ctx, first.ID, StatusFailed, nil); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	next := &Job{MinionID: 7, JobName: "next", ConfigHash: "hash-c"}
	if err := store.Enqueue(ctx, next, nil); err != nil {
		t.Fatalf("next enqueue failed: %v", err)
	}
}

func TestActiveJobGuardSurvivesConcurrentCommit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := &Job{MinionID: 9, JobName: "first", ConfigHash: "hash-a"}
	if err := store.Enqueue(ctx, first, nil); err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}

	// A submission that read zero active jobs before the first one committed
	// still cannot insert: the unique index on the active-minion column is
	// the last line of defense.
	minionID := uint64(9)
	racer := &Job{MinionID: 9, JobName: "racer", ConfigHash: "hash-b", Status: StatusPending, ActiveMinion: &minionID}
	if err := store.db.Create(racer).Error; !errors.Is(err, gorm.ErrDuplicatedKey) {
		t.Fatalf("expected duplicated key error, got %v", err)
	}

	// Terminal transitions release the guard.
	if err := store.Transition(ctx, first.ID, StatusRunning, nil); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if err := store.Transition(ctx, first.ID, StatusCompleted, nil); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	released, err := store.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if released.ActiveMinion != nil {
		t.Fatal("guard column should clear when the job finishes")
	}
	next := &Job{MinionID: 9, JobName: "next", ConfigHash: "hash-c"}
	if err := store.Enqueue(ctx, next, nil); err != nil {
		t.Fatalf("enqueue after release failed: %v", err)
	}
}

func TestTransitionForwardOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := &Job{MinionID: 1, JobName: "run", ConfigHash: "hash-a"}
	if err := store.Enqueue(ctx, job, nil); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	if err := store.Transition(ctx, job.ID, StatusCompleted, nil); err == nil {
		t.Fatal("PENDING -> COMPLETED should be rejected")
	}
	if err := store.Transition(ctx, job.ID, StatusRunning, nil); err != nil {
		t.Fatalf("PENDING -> RUNNING failed: %v", err)
	}

	loaded, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if loaded.StartedAt == nil {
		t.Fatal("StartedAt should be set when the job starts")
	}

	if err := store.Transition(ctx, job.ID, StatusCancelled, nil); err != nil {
		t.Fatalf("RUNNING -> CANCELLED failed: %v", err)
	}
	if err := store.Transition(ctx, job.ID, StatusRunning, nil); err == nil {
		t.Fatal("terminal job should not transition again")
	}
}

func TestSaveResultIsWriteOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := &Job{MinionID: 1, JobName: "run", ConfigHash: "hash-a"}
	if err := store.Enqueue(ctx, job, nil); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	result := &Result{JobID: job.ID, MinionID: 1, XPGained: 120}
	if err := store.SaveResult(ctx, result); err != nil {
		t.Fatalf("save result failed: %v", err)
	}
	if err := store.SaveResult(ctx, &Result{JobID: job.ID, MinionID: 1}); err == nil {
		t.Fatal("second result write should fail")
	}

	loaded, err := store.ResultForJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("load result failed: %v", err)
	}
	if loaded == nil || loaded.XPGained != 120 {
		t.Fatalf("unexpected result %+v", loaded)
	}
}

func TestDatasetLinkage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := &Job{MinionID: 1, JobName: "run", ConfigHash: "hash-a"}
	if err := store.Enqueue(ctx, job, []string{"datasets/1/a.txt", "support_faq"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	ids, err := store.DatasetIDs(ctx, job.ID)
	if err != nil {
		t.Fatalf("dataset ids failed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 linked datasets, got %v", ids)
	}
}

func TestFindDuplicate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if dup, err := store.FindDuplicate(ctx, 1, "hash-a"); err != nil || dup != nil {
		t.Fatalf("expected no duplicate, got %v, %v", dup, err)
	}

	job := &Job{MinionID: 1, JobName: "run", ConfigHash: "hash-a"}
	if err := store.Enqueue(ctx, job, nil); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	dup, err := store.FindDuplicate(ctx, 1, "hash-a")
	if err != nil {
		t.Fatalf("find duplicate failed: %v", err)
	}
	if dup == nil || dup.ID != job.ID {
		t.Fatalf("expected job %d, got %+v", job.ID, dup)
	}
}
