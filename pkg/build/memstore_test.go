package build

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestMemStoreCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	created, err := s.Create(ctx, "b1", "/data/source/b1.tar.gz")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Status != StatusQueued {
		t.Fatalf("expected queued status, got %s", created.Status)
	}
	if created.SourceArchivePath != "/data/source/b1.tar.gz" {
		t.Fatalf("unexpected archive path: %s", created.SourceArchivePath)
	}

	got, err := s.Get(ctx, "b1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != "b1" || got.Status != StatusQueued {
		t.Fatalf("unexpected build: %+v", got)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Create(ctx, "b1", "/data/source/b1.tar.gz"); err == nil {
		t.Fatal("expected duplicate create to fail")
	}
}

func TestMemStoreTransitionGuard(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	if _, err := s.Create(ctx, "b1", "a"); err != nil {
		t.Fatalf("create: %v", err)
	}

	ws := "/data/workspace/b1"
	got, err := s.Transition(ctx, "b1", StatusQueued, StatusBuilding, Fields{WorkspacePath: &ws})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if got.Status != StatusBuilding || got.WorkspacePath != ws {
		t.Fatalf("unexpected build after claim: %+v", got)
	}

	// A second claim must lose.
	if _, err := s.Transition(ctx, "b1", StatusQueued, StatusBuilding, Fields{}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	res := "nimble/app:abc"
	got, err = s.Transition(ctx, "b1", StatusBuilding, StatusSuccess, Fields{ResultRef: &res})
	if err != nil {
		t.Fatalf("terminal transition: %v", err)
	}
	if got.ResultRef != res {
		t.Fatalf("result ref not recorded: %+v", got)
	}

	// Terminal states never move again.
	if _, err := s.Transition(ctx, "b1", StatusSuccess, StatusBuilding, Fields{}); err == nil {
		t.Fatal("expected transition out of terminal state to fail")
	}
	if _, err := s.Transition(ctx, "b1", StatusBuilding, StatusFailed, Fields{}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	if _, err := s.Transition(ctx, "missing", StatusQueued, StatusBuilding, Fields{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemStoreAtMostOneClaim(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	if _, err := s.Create(ctx, "b1", "a"); err != nil {
		t.Fatalf("create: %v", err)
	}

	const workers = 16
	var wins, conflicts int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Transition(ctx, "b1", StatusQueued, StatusBuilding, Fields{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winning claim, got %d", wins)
	}
	if conflicts != workers-1 {
		t.Fatalf("expected %d conflicts, got %d", workers-1, conflicts)
	}
}

func TestMemStoreListFilter(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	// Deterministic clock so list order is stable.
	var tick int
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	terminal := func(id string, to Status) {
		if _, err := s.Create(ctx, id, "a"); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
		if _, err := s.Transition(ctx, id, StatusQueued, StatusBuilding, Fields{}); err != nil {
			t.Fatalf("claim %s: %v", id, err)
		}
		if _, err := s.Transition(ctx, id, StatusBuilding, to, Fields{}); err != nil {
			t.Fatalf("finish %s: %v", id, err)
		}
	}
	for i := 0; i < 5; i++ {
		terminal(fmt.Sprintf("failed-%d", i), StatusFailed)
	}
	for i := 0; i < 3; i++ {
		terminal(fmt.Sprintf("success-%d", i), StatusSuccess)
	}

	failed := StatusFailed
	got, err := s.List(ctx, Filter{Status: &failed, Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 builds, got %d", len(got))
	}
	for _, b := range got {
		if b.Status != StatusFailed {
			t.Fatalf("expected failed build, got %s (%s)", b.Status, b.ID)
		}
	}
	// Most recently updated first.
	if got[0].ID != "failed-4" || got[1].ID != "failed-3" {
		t.Fatalf("unexpected order: %s, %s", got[0].ID, got[1].ID)
	}

	all, err := s.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 8 {
		t.Fatalf("expected 8 builds, got %d", len(all))
	}
}

func TestParseStatus(t *testing.T) {
	if _, err := ParseStatus("building"); err != nil {
		t.Fatalf("expected building to parse, got %v", err)
	}
	if _, err := ParseStatus("exploded"); err == nil {
		t.Fatal("expected unknown status to fail")
	}
}
