package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"audiobook-queue/internal/domain"
	"audiobook-queue/internal/downloader"
)

func seedTask(id, bookID, uri string, status domain.TaskStatus, created time.Time) domain.Task {
	return domain.Task{
		ID:        id,
		BookID:    bookID,
		SourceURI: uri,
		SavePath:  "/data/books/" + bookID,
		Status:    status,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestRecoveryReconcilesUnfinishedTasks(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	const (
		uriLive    = "magnet:?xt=urn:btih:LIVE"
		uriQueued  = "magnet:?xt=urn:btih:QUEUED"
		uriBroken  = "magnet:?xt=urn:btih:BROKEN"
		uriPaused  = "magnet:?xt=urn:btih:PAUSED"
		uriArchive = "magnet:?xt=urn:btih:DONE"
	)
	tasks := newMemTasks(
		seedTask("t-live", "b1", uriLive, domain.TaskStatusDownloading, base),
		seedTask("t-queued", "b2", uriQueued, domain.TaskStatusQueued, base.Add(time.Minute)),
		seedTask("t-broken", "b3", uriBroken, domain.TaskStatusDownloading, base.Add(2*time.Minute)),
		seedTask("t-paused", "b4", uriPaused, domain.TaskStatusPaused, base.Add(3*time.Minute)),
		seedTask("t-done", "b5", uriArchive, domain.TaskStatusCompleted, base.Add(4*time.Minute)),
	)
	engine := newFakeEngine()
	if _, err := engine.StartSession(context.Background(), uriLive, "/data/books/b1"); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	engine.failURIs[uriBroken] = errors.New("tracker unreachable")

	h := newHarness(t, Config{}, tasks, engine)
	report, err := h.m.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if report.Reattached != 1 || report.Restarted != 2 || report.Failed != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}

	want := map[string]domain.TaskStatus{
		"t-live":   domain.TaskStatusDownloading,
		"t-queued": domain.TaskStatusDownloading,
		"t-broken": domain.TaskStatusFailed,
		"t-paused": domain.TaskStatusPaused,
		"t-done":   domain.TaskStatusCompleted,
	}
	for id, status := range want {
		if got := tasks.status(t, id); got != status {
			t.Fatalf("%s status = %s, want %s", id, got, status)
		}
	}

	broken, _ := tasks.Get(context.Background(), "t-broken")
	if broken.ErrorMessage == "" {
		t.Fatalf("failed recovery must record the reason")
	}
	if sess, ok := engine.session(uriPaused); !ok || !sess.paused {
		t.Fatalf("paused task must hold a paused session: %+v, %v", sess, ok)
	}
	if _, ok := engine.session(uriArchive); ok {
		t.Fatalf("terminal tasks must not be restarted")
	}
	// the seeded session plus three restarts
	if got := engine.starts(); got != 4 {
		t.Fatalf("engine starts = %d, want 4", got)
	}

	// recovered tasks are fully managed again
	if err := h.m.Pause(context.Background(), "t-live"); err != nil {
		t.Fatalf("Pause re-attached task: %v", err)
	}
	if err := h.m.Resume(context.Background(), "t-paused"); err != nil {
		t.Fatalf("Resume recovered paused task: %v", err)
	}
}

func TestRecoveryCancelsOlderActiveTaskOfSameBook(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tasks := newMemTasks(
		seedTask("old", "b1", uriA, domain.TaskStatusDownloading, base),
		seedTask("new", "b1", uriB, domain.TaskStatusQueued, base.Add(time.Hour)),
	)
	engine := newFakeEngine()
	if _, err := engine.StartSession(context.Background(), uriA, "/data/books/b1"); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	h := newHarness(t, Config{}, tasks, engine)

	report, err := h.m.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if report.Superseded != 1 || report.Restarted != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if got := tasks.status(t, "old"); got != domain.TaskStatusCancelled {
		t.Fatalf("old status = %s, want cancelled", got)
	}
	if got := tasks.status(t, "new"); got != domain.TaskStatusDownloading {
		t.Fatalf("new status = %s, want downloading", got)
	}
	if _, ok := engine.session(uriA); ok {
		t.Fatalf("session of the cancelled task is still running")
	}
	stops := engine.stopCalls()
	if len(stops) != 1 || stops[0].handle != downloader.SessionHandle(uriA) || stops[0].deleteFiles {
		t.Fatalf("unexpected stops: %+v", stops)
	}
	if _, ok := engine.session(uriB); !ok {
		t.Fatalf("kept task has no session")
	}
}

func TestRecoveryKeepsSessionSharedWithNewerTask(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tasks := newMemTasks(
		seedTask("old", "b1", uriA, domain.TaskStatusDownloading, base),
		seedTask("new", "b1", uriA, domain.TaskStatusDownloading, base.Add(time.Hour)),
	)
	engine := newFakeEngine()
	if _, err := engine.StartSession(context.Background(), uriA, "/data/books/b1"); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	h := newHarness(t, Config{}, tasks, engine)

	report, err := h.m.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if report.Superseded != 1 || report.Reattached != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if stops := engine.stopCalls(); len(stops) != 0 {
		t.Fatalf("shared session was stopped: %+v", stops)
	}
	if got := tasks.status(t, "new"); got != domain.TaskStatusDownloading {
		t.Fatalf("new status = %s, want downloading", got)
	}
}

func TestRecoveryLookupFailureMarksTaskFailed(t *testing.T) {
	tasks := newMemTasks(seedTask("t1", "b1", uriA, domain.TaskStatusDownloading, time.Now()))
	engine := newFakeEngine()
	engine.findErr = errors.New("parse magnet: bad infohash")

	h := newHarness(t, Config{}, tasks, engine)
	report, err := h.m.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if report.Failed != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if got := tasks.status(t, "t1"); got != domain.TaskStatusFailed {
		t.Fatalf("status = %s, want failed", got)
	}
}

func TestRecoveryStoreFailureKeepsQueueClosed(t *testing.T) {
	tasks := newMemTasks()
	tasks.listErr = errBoom
	h := newHarness(t, Config{}, tasks, nil)

	if _, err := h.m.Start(context.Background()); !errors.Is(err, domain.ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := h.m.Enqueue(ctx, "b1", uriA, "/p", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("queue must stay closed, got %v", err)
	}
}

func TestRecoveryWithNothingToDo(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)
	report, err := h.m.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if report != (RecoveryReport{}) {
		t.Fatalf("unexpected report: %+v", report)
	}
}
