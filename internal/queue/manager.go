package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"audiobook-queue/internal/domain"
	"audiobook-queue/internal/downloader"
	"audiobook-queue/internal/metrics"
	"audiobook-queue/internal/progress"
	"audiobook-queue/internal/repository"
)

// ErrClosed is returned by operations issued after Shutdown.
var ErrClosed = errors.New("queue manager closed")

// Manager owns the task lifecycle. It is the only writer of task records and
// the only caller of the engine's mutating methods; operations on the same
// book are serialized.
type Manager interface {
	// Start reconciles persisted tasks with the engine and only then begins
	// accepting operations.
	Start(ctx context.Context) (RecoveryReport, error)
	Shutdown()
	Enqueue(ctx context.Context, bookID, sourceURI, savePath string, metadata map[string]string) (string, error)
	Pause(ctx context.Context, taskID string) error
	Resume(ctx context.Context, taskID string) error
	Cancel(ctx context.Context, taskID string, deleteFiles bool) error
	GetActiveTasks(ctx context.Context) ([]domain.Task, error)
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)
	ListTasks(ctx context.Context) ([]domain.Task, error)
	DeleteTask(ctx context.Context, taskID string, deleteFiles bool) error
	SubscribeProgress(ctx context.Context, taskID string) (<-chan domain.Progress, error)
}

// CompletionHook is notified after a task has been persisted as completed.
type CompletionHook interface {
	TaskCompleted(ctx context.Context, task domain.Task)
}

type Config struct {
	// EngineTimeout bounds every call into the engine.
	EngineTimeout time.Duration
	// SnapshotInterval is how often live byte counts are written back to the store.
	SnapshotInterval time.Duration
	ProgressWindow   time.Duration
	RecoveryWorkers  int
	Hooks            []CompletionHook
	Logger           *logrus.Logger

	Now   func() time.Time
	NewID func() string
}

type manager struct {
	cfg      Config
	tasks    repository.TaskRepository
	files    repository.TaskFileRepository
	engine   downloader.Engine
	progress *progress.Aggregator
	locks    *keyLock
	logger   *logrus.Logger

	ready     chan struct{}
	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu       sync.Mutex
	active   map[string]*taskHandle
	sessions map[downloader.SessionHandle]string
	orphans  map[downloader.SessionHandle]downloader.Update
}

// taskHandle is the in-memory side of a non-terminal task.
type taskHandle struct {
	taskID string
	bookID string
	status domain.TaskStatus
	// session is empty while the engine start is in flight.
	session         downloader.SessionHandle
	abortStart      context.CancelFunc
	cancelRequested bool
	deleteFiles     bool
	lastPersist     time.Time
}

func NewManager(cfg Config, tasks repository.TaskRepository, files repository.TaskFileRepository, engine downloader.Engine) Manager {
	if cfg.EngineTimeout <= 0 {
		cfg.EngineTimeout = 30 * time.Second
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = 5 * time.Second
	}
	if cfg.RecoveryWorkers <= 0 {
		cfg.RecoveryWorkers = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &manager{
		cfg:      cfg,
		tasks:    tasks,
		files:    files,
		engine:   engine,
		progress: progress.New(progress.Config{Window: cfg.ProgressWindow, Logger: cfg.Logger}, tasks.Get),
		locks:    newKeyLock(),
		logger:   cfg.Logger,
		ready:    make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		active:   make(map[string]*taskHandle),
		sessions: make(map[downloader.SessionHandle]string),
		orphans:  make(map[downloader.SessionHandle]downloader.Update),
	}
}

func (m *manager) Start(ctx context.Context) (RecoveryReport, error) {
	var (
		report  RecoveryReport
		err     error
		started bool
	)
	m.startOnce.Do(func() {
		started = true
		m.wg.Add(1)
		go m.pump()

		report, err = m.recover(ctx)
		if err != nil {
			return
		}
		close(m.ready)
		m.logger.Infof("queue ready: %d re-attached, %d restarted, %d failed", report.Reattached, report.Restarted, report.Failed)
	})
	if !started {
		return RecoveryReport{}, errors.New("queue manager already started")
	}
	return report, err
}

func (m *manager) Shutdown() {
	m.cancel()
	m.wg.Wait()
	m.progress.Close()
}

func (m *manager) waitReady(ctx context.Context) error {
	select {
	case <-m.ready:
	case <-m.ctx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if m.ctx.Err() != nil {
		return ErrClosed
	}
	return nil
}

// Enqueue records a new task for bookID and starts its engine session,
// cancelling any active task of the same book first. When the engine refuses
// the session the task ends Failed and its id is returned with the error.
func (m *manager) Enqueue(ctx context.Context, bookID, sourceURI, savePath string, metadata map[string]string) (string, error) {
	if strings.TrimSpace(bookID) == "" {
		return "", domain.InvalidArgument("book id is required")
	}
	if strings.TrimSpace(sourceURI) == "" {
		return "", domain.InvalidArgument("source uri is required")
	}
	if strings.TrimSpace(savePath) == "" {
		return "", domain.InvalidArgument("save path is required")
	}
	if err := m.waitReady(ctx); err != nil {
		return "", err
	}

	unlock := m.locks.Lock(bookID)
	defer unlock()

	prior, err := m.tasks.FindByBookID(ctx, bookID)
	if err != nil {
		return "", domain.WrapStorage(err)
	}
	if prior != nil && prior.Active() {
		m.taskLogger(prior).Info("superseded by new request")
		if err := m.cancelLocked(ctx, prior, false); err != nil {
			return "", err
		}
	}

	now := m.cfg.Now()
	task := &domain.Task{
		ID:        m.cfg.NewID(),
		BookID:    bookID,
		SourceURI: sourceURI,
		SavePath:  savePath,
		Status:    domain.TaskStatusQueued,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.tasks.Upsert(ctx, task); err != nil {
		return "", domain.WrapStorage(err)
	}
	metrics.TaskTransitionsTotal.WithLabelValues(string(domain.TaskStatusQueued)).Inc()
	m.taskLogger(task).Infof("task queued into %s", savePath)

	h := m.register(task)
	session, startErr := m.startSession(ctx, h, task)
	if err := m.settleStart(ctx, task, h, session, startErr, domain.TaskStatusDownloading); err != nil {
		return task.ID, err
	}
	return task.ID, nil
}

func (m *manager) Pause(ctx context.Context, taskID string) error {
	if err := m.waitReady(ctx); err != nil {
		return err
	}
	task, unlock, err := m.lockTask(ctx, taskID)
	if err != nil {
		return err
	}
	defer unlock()

	switch task.Status {
	case domain.TaskStatusPaused:
		return nil
	case domain.TaskStatusDownloading:
	default:
		return &domain.TransitionError{TaskID: taskID, From: task.Status, Op: "pause"}
	}

	session := m.sessionOf(taskID)
	if session == "" {
		return &domain.TransitionError{TaskID: taskID, From: task.Status, Op: "pause"}
	}
	engineCtx, cancel := m.engineContext(ctx)
	defer cancel()
	if err := m.engine.PauseSession(engineCtx, session); err != nil {
		return fmt.Errorf("pause session: %w", err)
	}
	if err := m.transition(ctx, task, domain.TaskStatusPaused); err != nil {
		if rerr := m.engine.ResumeSession(engineCtx, session); rerr != nil {
			m.taskLogger(task).Warnf("undo pause: %v", rerr)
		}
		return err
	}
	m.taskLogger(task).Info("task paused")
	return nil
}

func (m *manager) Resume(ctx context.Context, taskID string) error {
	if err := m.waitReady(ctx); err != nil {
		return err
	}
	task, unlock, err := m.lockTask(ctx, taskID)
	if err != nil {
		return err
	}
	defer unlock()

	if task.Status != domain.TaskStatusPaused {
		return &domain.TransitionError{TaskID: taskID, From: task.Status, Op: "resume"}
	}

	session := m.sessionOf(taskID)
	if session == "" {
		// the session went away while paused; start a fresh one
		h := m.register(task)
		session, startErr := m.startSession(ctx, h, task)
		return m.settleStart(ctx, task, h, session, startErr, domain.TaskStatusDownloading)
	}

	engineCtx, cancel := m.engineContext(ctx)
	defer cancel()
	if err := m.engine.ResumeSession(engineCtx, session); err != nil {
		return fmt.Errorf("resume session: %w", err)
	}
	if err := m.transition(ctx, task, domain.TaskStatusDownloading); err != nil {
		if perr := m.engine.PauseSession(engineCtx, session); perr != nil {
			m.taskLogger(task).Warnf("undo resume: %v", perr)
		}
		return err
	}
	m.taskLogger(task).Info("task resumed")
	return nil
}

// Cancel stops the task and marks it Cancelled. Unknown and terminal tasks
// are accepted as already cancelled.
func (m *manager) Cancel(ctx context.Context, taskID string, deleteFiles bool) error {
	if err := m.waitReady(ctx); err != nil {
		return err
	}
	m.requestCancel(taskID, deleteFiles)

	task, unlock, err := m.lockTask(ctx, taskID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	defer unlock()

	if task.Status.Terminal() {
		return nil
	}
	return m.cancelLocked(ctx, task, deleteFiles)
}

func (m *manager) GetActiveTasks(ctx context.Context) ([]domain.Task, error) {
	if err := m.waitReady(ctx); err != nil {
		return nil, err
	}
	tasks, err := m.tasks.ListNonTerminal(ctx)
	if err != nil {
		return nil, domain.WrapStorage(err)
	}
	for i := range tasks {
		m.overlayLive(&tasks[i])
	}
	return tasks, nil
}

func (m *manager) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	if err := m.waitReady(ctx); err != nil {
		return nil, err
	}
	task, err := m.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, domain.WrapStorage(err)
	}
	if task == nil {
		return nil, domain.ErrNotFound
	}
	files, err := m.files.ListByTask(ctx, taskID)
	if err != nil {
		return nil, domain.WrapStorage(err)
	}
	task.Files = files
	m.overlayLive(task)
	return task, nil
}

func (m *manager) ListTasks(ctx context.Context) ([]domain.Task, error) {
	if err := m.waitReady(ctx); err != nil {
		return nil, err
	}
	tasks, err := m.tasks.List(ctx)
	if err != nil {
		return nil, domain.WrapStorage(err)
	}
	for i := range tasks {
		files, err := m.files.ListByTask(ctx, tasks[i].ID)
		if err != nil {
			return nil, domain.WrapStorage(err)
		}
		tasks[i].Files = files
		m.overlayLive(&tasks[i])
	}
	return tasks, nil
}

// DeleteTask removes a task from history, cancelling it first when it is
// still active.
func (m *manager) DeleteTask(ctx context.Context, taskID string, deleteFiles bool) error {
	if err := m.waitReady(ctx); err != nil {
		return err
	}
	m.requestCancel(taskID, deleteFiles)

	task, unlock, err := m.lockTask(ctx, taskID)
	if err != nil {
		return err
	}
	defer unlock()

	if task.Active() {
		if err := m.cancelLocked(ctx, task, deleteFiles); err != nil {
			return err
		}
	} else if deleteFiles {
		m.removeFiles(ctx, task)
	}

	if err := m.tasks.Delete(ctx, taskID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return domain.WrapStorage(err)
	}
	m.progress.Forget(taskID)
	m.taskLogger(task).Info("task deleted")
	return nil
}

func (m *manager) SubscribeProgress(ctx context.Context, taskID string) (<-chan domain.Progress, error) {
	if err := m.waitReady(ctx); err != nil {
		return nil, err
	}
	return m.progress.Subscribe(ctx, taskID)
}

// lockTask loads taskID, takes its book lock and reloads it so the caller
// sees the state no concurrent operation can change.
func (m *manager) lockTask(ctx context.Context, taskID string) (*domain.Task, func(), error) {
	task, err := m.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, nil, domain.WrapStorage(err)
	}
	if task == nil {
		return nil, nil, domain.ErrNotFound
	}
	unlock := m.locks.Lock(task.BookID)
	task, err = m.tasks.Get(ctx, taskID)
	if err != nil {
		unlock()
		return nil, nil, domain.WrapStorage(err)
	}
	if task == nil {
		unlock()
		return nil, nil, domain.ErrNotFound
	}
	return task, unlock, nil
}

func (m *manager) engineContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.cfg.EngineTimeout)
}

func (m *manager) register(task *domain.Task) *taskHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := &taskHandle{taskID: task.ID, bookID: task.BookID, status: task.Status}
	m.active[task.ID] = h
	return h
}

func (m *manager) unregister(taskID string) *taskHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.active[taskID]
	if !ok {
		return nil
	}
	delete(m.active, taskID)
	if h.session != "" && m.sessions[h.session] == taskID {
		delete(m.sessions, h.session)
	}
	metrics.ActiveTasks.Set(float64(len(m.sessions)))
	return h
}

func (m *manager) sessionOf(taskID string) downloader.SessionHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.active[taskID]; ok {
		return h.session
	}
	return ""
}

// requestCancel flags a task whose engine start is still in flight and
// aborts that start. The enqueue that owns the start settles the task.
func (m *manager) requestCancel(taskID string, deleteFiles bool) {
	m.mu.Lock()
	h, ok := m.active[taskID]
	if !ok || h.session != "" {
		m.mu.Unlock()
		return
	}
	h.cancelRequested = true
	h.deleteFiles = deleteFiles
	abort := h.abortStart
	m.mu.Unlock()
	if abort != nil {
		abort()
	}
}

func (m *manager) startSession(ctx context.Context, h *taskHandle, task *domain.Task) (downloader.SessionHandle, error) {
	startCtx, abort := m.engineContext(ctx)
	defer abort()

	m.mu.Lock()
	if h.cancelRequested {
		m.mu.Unlock()
		return "", context.Canceled
	}
	h.abortStart = abort
	m.mu.Unlock()

	session, err := m.engine.StartSession(startCtx, task.SourceURI, task.SavePath)

	m.mu.Lock()
	h.abortStart = nil
	m.mu.Unlock()
	return session, err
}

// settleStart applies the outcome of an engine start to a task that is
// registered but not yet bound. Callers hold the book lock.
func (m *manager) settleStart(ctx context.Context, task *domain.Task, h *taskHandle, session downloader.SessionHandle, startErr error, target domain.TaskStatus) error {
	logger := m.taskLogger(task)

	m.mu.Lock()
	cancelled, deleteFiles := h.cancelRequested, h.deleteFiles
	var orphan *downloader.Update
	if !cancelled && startErr == nil {
		orphan, startErr = m.bindLocked(h, session)
	}
	m.mu.Unlock()

	if cancelled {
		m.unregister(task.ID)
		if startErr == nil {
			m.stopSession(session, deleteFiles, logger)
		}
		if err := m.finalize(ctx, task, domain.TaskStatusCancelled, ""); err != nil {
			return err
		}
		logger.Info("task cancelled during start")
		return nil
	}

	if startErr != nil {
		m.unregister(task.ID)
		metrics.EngineStartFailuresTotal.Inc()
		logger.Errorf("start session: %v", startErr)
		if err := m.finalize(ctx, task, domain.TaskStatusFailed, startErr.Error()); err != nil {
			return errors.Join(domain.WrapEngineStart(startErr), err)
		}
		return domain.WrapEngineStart(startErr)
	}

	bound := m.sessionOf(task.ID)
	if target == domain.TaskStatusPaused {
		engineCtx, cancel := m.engineContext(ctx)
		if err := m.engine.PauseSession(engineCtx, bound); err != nil {
			logger.Warnf("pause restored session: %v", err)
		}
		cancel()
	}
	if task.Status != target {
		if err := m.transition(ctx, task, target); err != nil {
			m.unregister(task.ID)
			m.stopSession(bound, false, logger)
			return err
		}
	} else {
		m.publishStatus(task)
	}
	logger.WithField("session", bound).Infof("session attached, task %s", target)

	if orphan != nil {
		m.finishLocked(ctx, task, *orphan)
	}
	return nil
}

// bindLocked routes the session's updates to h. It returns a terminal update
// that arrived before the binding, if any.
func (m *manager) bindLocked(h *taskHandle, session downloader.SessionHandle) (*downloader.Update, error) {
	if owner, ok := m.sessions[session]; ok && owner != h.taskID {
		return nil, fmt.Errorf("session %s already belongs to task %s", session, owner)
	}
	h.session = session
	m.sessions[session] = h.taskID
	metrics.ActiveTasks.Set(float64(len(m.sessions)))
	if u, ok := m.orphans[session]; ok {
		delete(m.orphans, session)
		return &u, nil
	}
	return nil, nil
}

func (m *manager) stopSession(session downloader.SessionHandle, deleteFiles bool, logger *logrus.Entry) {
	if session == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.EngineTimeout)
	defer cancel()
	if err := m.engine.StopSession(ctx, session, deleteFiles); err != nil && !errors.Is(err, downloader.ErrSessionNotFound) {
		logger.Warnf("stop session: %v", err)
	}
	m.mu.Lock()
	delete(m.orphans, session)
	m.mu.Unlock()
}

// cancelLocked persists the cancellation and then tears the session down.
// Callers hold the book lock.
func (m *manager) cancelLocked(ctx context.Context, task *domain.Task, deleteFiles bool) error {
	if err := m.finalize(ctx, task, domain.TaskStatusCancelled, ""); err != nil {
		return err
	}
	logger := m.taskLogger(task)
	if h := m.unregister(task.ID); h != nil && h.session != "" {
		m.stopSession(h.session, deleteFiles, logger)
	} else if deleteFiles {
		m.removeFiles(ctx, task)
	}
	logger.Info("task cancelled")
	return nil
}

// transition persists a non-terminal status change and announces it.
func (m *manager) transition(ctx context.Context, task *domain.Task, status domain.TaskStatus) error {
	next := *task
	m.mergeLive(&next)
	next.Status = status
	next.UpdatedAt = m.cfg.Now()
	if err := m.tasks.Upsert(ctx, &next); err != nil {
		return domain.WrapStorage(err)
	}
	*task = next
	metrics.TaskTransitionsTotal.WithLabelValues(string(status)).Inc()

	m.mu.Lock()
	if h, ok := m.active[task.ID]; ok {
		h.status = status
	}
	m.mu.Unlock()

	m.publishStatus(task)
	return nil
}

// finalize persists a terminal status and then closes the progress stream.
func (m *manager) finalize(ctx context.Context, task *domain.Task, status domain.TaskStatus, errMsg string) error {
	next := *task
	m.mergeLive(&next)
	now := m.cfg.Now()
	next.Status = status
	next.ErrorMessage = errMsg
	next.UpdatedAt = now
	next.CompletedAt = &now
	if err := m.tasks.Upsert(ctx, &next); err != nil {
		return domain.WrapStorage(err)
	}
	*task = next
	metrics.TaskTransitionsTotal.WithLabelValues(string(status)).Inc()
	m.progress.Finish(task.Progress())
	return nil
}

func (m *manager) publishStatus(task *domain.Task) {
	p := task.Progress()
	if latest, ok := m.progress.Latest(task.ID); ok {
		p.DownloadRateBps = latest.DownloadRateBps
		p.UploadRateBps = latest.UploadRateBps
		p.NumPeers = latest.NumPeers
		p.NumSeeds = latest.NumSeeds
	}
	p.UpdatedAt = m.cfg.Now()
	m.progress.Publish(p)
}

// mergeLive raises the task's byte counts to the last live values.
func (m *manager) mergeLive(task *domain.Task) {
	latest, ok := m.progress.Latest(task.ID)
	if !ok {
		return
	}
	if latest.DownloadedBytes > task.DownloadedBytes {
		task.DownloadedBytes = latest.DownloadedBytes
	}
	if latest.TotalBytes > task.TotalBytes {
		task.TotalBytes = latest.TotalBytes
	}
}

func (m *manager) overlayLive(task *domain.Task) {
	if task.Active() {
		m.mergeLive(task)
	}
}

func (m *manager) removeFiles(ctx context.Context, task *domain.Task) {
	logger := m.taskLogger(task)
	files, err := m.files.ListByTask(ctx, task.ID)
	if err != nil {
		logger.Warnf("list files for removal: %v", err)
		return
	}
	for _, root := range payloadRoots(files) {
		if err := downloader.RemovePayload(task.SavePath, root); err != nil {
			logger.Warnf("remove files: %v", err)
		}
	}
	if len(files) == 0 {
		if err := downloader.RemovePayload(task.SavePath, ""); err != nil {
			logger.Warnf("remove save path: %v", err)
		}
	}
}

// payloadRoots returns the distinct top-level entries the files live under.
func payloadRoots(files []domain.TaskFile) []string {
	seen := make(map[string]struct{})
	var roots []string
	for _, f := range files {
		p := filepath.ToSlash(filepath.Clean(f.Path))
		if p == "." || p == "" {
			continue
		}
		root, _, _ := strings.Cut(p, "/")
		if _, ok := seen[root]; ok {
			continue
		}
		seen[root] = struct{}{}
		roots = append(roots, root)
	}
	return roots
}

func (m *manager) taskLogger(task *domain.Task) *logrus.Entry {
	return m.logger.WithFields(logrus.Fields{
		"task_id": task.ID,
		"book_id": task.BookID,
	})
}
