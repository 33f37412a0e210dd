package queue

import (
	"context"

	"audiobook-queue/internal/domain"
	"audiobook-queue/internal/downloader"
)

// pump routes engine telemetry to the owning tasks until shutdown.
func (m *manager) pump() {
	defer m.wg.Done()
	updates := m.engine.Updates()
	for {
		select {
		case <-m.ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			m.handleUpdate(u)
		}
	}
}

func (m *manager) handleUpdate(u downloader.Update) {
	m.mu.Lock()
	taskID, ok := m.sessions[u.Handle]
	if !ok {
		if u.Terminal != downloader.TerminalNone {
			m.orphans[u.Handle] = u
		}
		m.mu.Unlock()
		return
	}
	h := m.active[taskID]
	status, bookID := h.status, h.bookID
	m.mu.Unlock()

	if u.Terminal != downloader.TerminalNone {
		// the terminal write needs the book lock, which an operation may hold
		// for the length of an engine call
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.finishFromEngine(taskID, bookID, u)
		}()
		return
	}

	m.progress.Publish(domain.Progress{
		TaskID:          taskID,
		Status:          status,
		DownloadRateBps: u.DownloadRateBps,
		UploadRateBps:   u.UploadRateBps,
		DownloadedBytes: u.DownloadedBytes,
		TotalBytes:      u.TotalBytes,
		NumPeers:        u.Peers,
		NumSeeds:        u.Seeds,
		UpdatedAt:       m.cfg.Now(),
	})

	if len(u.Files) > 0 {
		if err := m.files.ReplaceForTask(m.ctx, taskID, u.Files); err != nil {
			m.logger.WithField("task_id", taskID).Warnf("replace files: %v", err)
		}
	}
	m.maybePersistSnapshot(taskID, bookID, u)
}

// maybePersistSnapshot writes live byte counts back to the store at most once
// per snapshot interval. It skips the write when an operation holds the book.
func (m *manager) maybePersistSnapshot(taskID, bookID string, u downloader.Update) {
	now := m.cfg.Now()
	m.mu.Lock()
	h, ok := m.active[taskID]
	due := ok && now.Sub(h.lastPersist) >= m.cfg.SnapshotInterval
	m.mu.Unlock()
	if !due {
		return
	}

	unlock, ok := m.locks.TryLock(bookID)
	if !ok {
		return
	}
	defer unlock()

	task, err := m.tasks.Get(m.ctx, taskID)
	if err != nil || task == nil || task.Status.Terminal() {
		return
	}
	changed := false
	if u.DownloadedBytes > task.DownloadedBytes {
		task.DownloadedBytes = u.DownloadedBytes
		changed = true
	}
	if u.TotalBytes > task.TotalBytes {
		task.TotalBytes = u.TotalBytes
		changed = true
	}
	if !changed {
		return
	}
	task.UpdatedAt = now
	if err := m.tasks.Upsert(m.ctx, task); err != nil {
		m.logger.WithField("task_id", taskID).Warnf("persist progress: %v", err)
		return
	}
	m.mu.Lock()
	h.lastPersist = now
	m.mu.Unlock()
}

func (m *manager) finishFromEngine(taskID, bookID string, u downloader.Update) {
	unlock := m.locks.Lock(bookID)
	defer unlock()

	task, err := m.tasks.Get(m.ctx, taskID)
	if err != nil {
		m.logger.WithField("task_id", taskID).Errorf("load task for terminal update: %v", err)
		return
	}
	if task == nil || task.Status.Terminal() {
		m.unregister(taskID)
		return
	}
	m.finishLocked(m.ctx, task, u)
}

// finishLocked applies a terminal engine update. Callers hold the book lock.
func (m *manager) finishLocked(ctx context.Context, task *domain.Task, u downloader.Update) {
	logger := m.taskLogger(task)

	m.mu.Lock()
	h, ok := m.active[task.ID]
	owned := ok && h.session == u.Handle
	m.mu.Unlock()
	if !owned {
		return
	}

	if u.DownloadedBytes > task.DownloadedBytes {
		task.DownloadedBytes = u.DownloadedBytes
	}
	if u.TotalBytes > task.TotalBytes {
		task.TotalBytes = u.TotalBytes
	}

	status, errMsg := domain.TaskStatusCompleted, ""
	if u.Terminal == downloader.TerminalFailed {
		status, errMsg = domain.TaskStatusFailed, u.Err
		if errMsg == "" {
			errMsg = "download failed"
		}
	}

	m.unregister(task.ID)
	if err := m.finalize(ctx, task, status, errMsg); err != nil {
		// the session is gone either way; recovery restarts the task
		logger.Errorf("persist %s: %v", status, err)
		return
	}

	if status == domain.TaskStatusFailed {
		logger.Warnf("download failed: %s", errMsg)
		return
	}
	logger.Info("download completed")
	m.runHooks(*task)
}

func (m *manager) runHooks(task domain.Task) {
	for _, hook := range m.cfg.Hooks {
		m.wg.Add(1)
		go func(hook CompletionHook) {
			defer m.wg.Done()
			hook.TaskCompleted(m.ctx, task)
		}(hook)
	}
}
