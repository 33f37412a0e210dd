package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"audiobook-queue/internal/domain"
	"audiobook-queue/internal/downloader"
)

type memTasks struct {
	mu        sync.Mutex
	tasks     map[string]domain.Task
	seq       map[string]int
	next      int
	upsertErr error
	listErr   error
}

func newMemTasks(seed ...domain.Task) *memTasks {
	r := &memTasks{tasks: map[string]domain.Task{}, seq: map[string]int{}}
	for _, task := range seed {
		_ = r.Upsert(context.Background(), &task)
	}
	return r
}

func (r *memTasks) Init(ctx context.Context) error { return nil }

func (r *memTasks) Upsert(ctx context.Context, task *domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.upsertErr != nil {
		return r.upsertErr
	}
	if _, ok := r.seq[task.ID]; !ok {
		r.next++
		r.seq[task.ID] = r.next
	}
	stored := *task
	stored.Files = nil
	r.tasks[task.ID] = stored
	return nil
}

func (r *memTasks) Get(ctx context.Context, id string) (*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return nil, nil
	}
	return &task, nil
}

func (r *memTasks) FindByBookID(ctx context.Context, bookID string) (*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found []domain.Task
	for _, task := range r.tasks {
		if task.BookID == bookID {
			found = append(found, task)
		}
	}
	if len(found) == 0 {
		return nil, nil
	}
	r.sortLocked(found)
	sort.SliceStable(found, func(i, j int) bool {
		return found[i].Active() && !found[j].Active()
	})
	return &found[0], nil
}

func (r *memTasks) ListNonTerminal(ctx context.Context) ([]domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	var out []domain.Task
	for _, task := range r.tasks {
		if task.Active() {
			out = append(out, task)
		}
	}
	r.sortLocked(out)
	return out, nil
}

func (r *memTasks) List(ctx context.Context) ([]domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	var out []domain.Task
	for _, task := range r.tasks {
		out = append(out, task)
	}
	r.sortLocked(out)
	return out, nil
}

func (r *memTasks) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.tasks, id)
	return nil
}

// sortLocked orders newest first, by creation time and then insertion.
func (r *memTasks) sortLocked(tasks []domain.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}
		return r.seq[tasks[i].ID] > r.seq[tasks[j].ID]
	})
}

func (r *memTasks) setUpsertErr(err error) {
	r.mu.Lock()
	r.upsertErr = err
	r.mu.Unlock()
}

func (r *memTasks) status(t *testing.T, id string) domain.TaskStatus {
	t.Helper()
	task, _ := r.Get(context.Background(), id)
	if task == nil {
		t.Fatalf("task %s not stored", id)
	}
	return task.Status
}

type memFiles struct {
	mu    sync.Mutex
	files map[string][]domain.TaskFile
}

func newMemFiles() *memFiles {
	return &memFiles{files: map[string][]domain.TaskFile{}}
}

func (r *memFiles) Init(ctx context.Context) error { return nil }

func (r *memFiles) ReplaceForTask(ctx context.Context, taskID string, files []domain.TaskFile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]domain.TaskFile, len(files))
	for i, f := range files {
		f.TaskID = taskID
		f.ID = int64(i + 1)
		cp[i] = f
	}
	r.files[taskID] = cp
	return nil
}

func (r *memFiles) ListByTask(ctx context.Context, taskID string) ([]domain.TaskFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.TaskFile(nil), r.files[taskID]...), nil
}

type fakeSession struct {
	uri      string
	savePath string
	paused   bool
}

type stopCall struct {
	handle      downloader.SessionHandle
	deleteFiles bool
}

// fakeEngine keys sessions by source URI.
type fakeEngine struct {
	mu         sync.Mutex
	updates    chan downloader.Update
	sessions   map[downloader.SessionHandle]*fakeSession
	failURIs   map[string]error
	findErr    error
	startGate  chan struct{}
	ignoreCtx  bool
	startCalls int
	stops      []stopCall
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		updates:  make(chan downloader.Update, 64),
		sessions: map[downloader.SessionHandle]*fakeSession{},
		failURIs: map[string]error{},
	}
}

func (e *fakeEngine) StartSession(ctx context.Context, sourceURI, savePath string) (downloader.SessionHandle, error) {
	e.mu.Lock()
	e.startCalls++
	gate := e.startGate
	e.mu.Unlock()

	if gate != nil {
		if e.ignoreCtx {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.failURIs[sourceURI]; err != nil {
		return "", err
	}
	h := downloader.SessionHandle(sourceURI)
	if _, ok := e.sessions[h]; !ok {
		e.sessions[h] = &fakeSession{uri: sourceURI, savePath: savePath}
	}
	return h, nil
}

func (e *fakeEngine) PauseSession(ctx context.Context, h downloader.SessionHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[h]
	if !ok {
		return downloader.ErrSessionNotFound
	}
	s.paused = true
	return nil
}

func (e *fakeEngine) ResumeSession(ctx context.Context, h downloader.SessionHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[h]
	if !ok {
		return downloader.ErrSessionNotFound
	}
	s.paused = false
	return nil
}

func (e *fakeEngine) StopSession(ctx context.Context, h downloader.SessionHandle, deleteFiles bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stops = append(e.stops, stopCall{handle: h, deleteFiles: deleteFiles})
	if _, ok := e.sessions[h]; !ok {
		return downloader.ErrSessionNotFound
	}
	delete(e.sessions, h)
	return nil
}

func (e *fakeEngine) FindSession(ctx context.Context, sourceURI string) (downloader.SessionHandle, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.findErr != nil {
		return "", false, e.findErr
	}
	h := downloader.SessionHandle(sourceURI)
	_, ok := e.sessions[h]
	return h, ok, nil
}

func (e *fakeEngine) Updates() <-chan downloader.Update { return e.updates }

func (e *fakeEngine) Close() error { return nil }

func (e *fakeEngine) emit(u downloader.Update) { e.updates <- u }

func (e *fakeEngine) session(uri string) (fakeSession, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[downloader.SessionHandle(uri)]
	if !ok {
		return fakeSession{}, false
	}
	return *s, true
}

func (e *fakeEngine) starts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startCalls
}

func (e *fakeEngine) stopCalls() []stopCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]stopCall(nil), e.stops...)
}

type hookFunc func(ctx context.Context, task domain.Task)

func (f hookFunc) TaskCompleted(ctx context.Context, task domain.Task) { f(ctx, task) }

var errBoom = errors.New("boom")

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
