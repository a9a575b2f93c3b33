package client

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/barrettj12/nimble/pkg/api"
	"github.com/barrettj12/nimble/pkg/artifact"
	"github.com/barrettj12/nimble/pkg/build"
	"github.com/barrettj12/nimble/pkg/queue"
	"github.com/barrettj12/nimble/pkg/worker"
)

type agent struct {
	store     *build.MemStore
	artifacts *artifact.Store
	client    *Client
}

// newAgent runs a real API server so the client is tested against the wire
// format the agent actually speaks.
func newAgent(t *testing.T, queueCapacity int) *agent {
	t.Helper()
	artifacts, err := artifact.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("artifact store: %v", err)
	}
	store := build.NewMemStore()
	jobs := queue.New[worker.BuildJob](queueCapacity)
	srv := httptest.NewServer(api.NewServer(store, artifacts, jobs, zap.NewNop()).Router())
	t.Cleanup(srv.Close)
	return &agent{store: store, artifacts: artifacts, client: NewClient(srv.URL)}
}

func packed(t *testing.T, files map[string]string) []byte {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	var buf bytes.Buffer
	if err := PackDir(&buf, dir); err != nil {
		t.Fatalf("pack: %v", err)
	}
	return buf.Bytes()
}

func TestSubmitAndGet(t *testing.T) {
	a := newAgent(t, 4)
	ctx := context.Background()

	archive := packed(t, map[string]string{
		"go.mod":          "module example.com/hello\n",
		"cmd/app/main.go": "package main\n",
	})
	accepted, err := a.client.SubmitBuild(ctx, bytes.NewReader(archive))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if accepted.BuildID == "" || accepted.Status != build.StatusQueued {
		t.Fatalf("unexpected submission: %+v", accepted)
	}

	got, err := a.client.GetBuild(ctx, accepted.BuildID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != accepted.BuildID || got.Status != build.StatusQueued {
		t.Fatalf("unexpected build: %+v", got)
	}

	// The uploaded archive must extract to the packed tree.
	ws, err := a.artifacts.ExtractWorkspace(accepted.BuildID)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(ws, "cmd", "app", "main.go"))
	if err != nil {
		t.Fatalf("read extracted file: %v", err)
	}
	if string(data) != "package main\n" {
		t.Fatalf("unexpected contents: %q", data)
	}
}

func TestGetBuildNotFound(t *testing.T) {
	a := newAgent(t, 1)
	if _, err := a.client.GetBuild(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSubmitQueueFull(t *testing.T) {
	a := newAgent(t, 1)
	ctx := context.Background()
	archive := packed(t, map[string]string{"go.mod": "module example.com/hello\n"})

	if _, err := a.client.SubmitBuild(ctx, bytes.NewReader(archive)); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := a.client.SubmitBuild(ctx, bytes.NewReader(archive)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestListBuilds(t *testing.T) {
	a := newAgent(t, 4)
	ctx := context.Background()
	archive := packed(t, map[string]string{"go.mod": "module example.com/hello\n"})

	first, err := a.client.SubmitBuild(ctx, bytes.NewReader(archive))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := a.client.SubmitBuild(ctx, bytes.NewReader(archive)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	all, err := a.client.ListBuilds(ctx, nil, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 builds, got %d", len(all))
	}

	reason := "boom"
	if _, err := a.store.Transition(ctx, first.BuildID, build.StatusQueued, build.StatusFailed,
		build.Fields{Error: &reason}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	failed := build.StatusFailed
	got, err := a.client.ListBuilds(ctx, &failed, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != first.BuildID {
		t.Fatalf("unexpected filter result: %+v", got)
	}
}

func TestWaitForBuild(t *testing.T) {
	a := newAgent(t, 4)
	ctx := context.Background()
	archive := packed(t, map[string]string{"go.mod": "module example.com/hello\n"})

	accepted, err := a.client.SubmitBuild(ctx, bytes.NewReader(archive))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		if _, err := a.store.Transition(ctx, accepted.BuildID, build.StatusQueued, build.StatusBuilding, build.Fields{}); err != nil {
			return
		}
		ref := "nimble/hello:abcd"
		_, _ = a.store.Transition(ctx, accepted.BuildID, build.StatusBuilding, build.StatusSuccess,
			build.Fields{ResultRef: &ref})
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	got, err := a.client.WaitForBuild(waitCtx, accepted.BuildID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got.Status != build.StatusSuccess || got.ResultRef != "nimble/hello:abcd" {
		t.Fatalf("unexpected terminal build: %+v", got)
	}
}

func TestHealthy(t *testing.T) {
	a := newAgent(t, 1)
	if err := a.client.Healthy(context.Background()); err != nil {
		t.Fatalf("healthy: %v", err)
	}
}

func TestPackDirSkipsGitMetadata(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ".git"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte("ref: x\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module x\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	var buf bytes.Buffer
	if err := PackDir(&buf, dir); err != nil {
		t.Fatalf("pack: %v", err)
	}

	store, err := artifact.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, err := store.SaveSourceArchive("b1", &buf); err != nil {
		t.Fatalf("save: %v", err)
	}
	ws, err := store.ExtractWorkspace("b1")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ws, ".git")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("git metadata leaked into archive: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ws, "go.mod")); err != nil {
		t.Fatalf("go.mod missing from archive: %v", err)
	}
}
