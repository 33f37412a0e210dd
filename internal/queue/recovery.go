package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"audiobook-queue/internal/domain"
	"audiobook-queue/internal/metrics"
)

// RecoveryReport summarizes startup reconciliation.
type RecoveryReport struct {
	Reattached int
	Restarted  int
	Failed     int
	// Superseded counts older active tasks of a book that already had a newer one.
	Superseded int
}

type recoveryOutcome string

const (
	outcomeReattached recoveryOutcome = "reattached"
	outcomeRestarted  recoveryOutcome = "restarted"
	outcomeFailed     recoveryOutcome = "failed"
	outcomeSuperseded recoveryOutcome = "superseded"
	outcomeSkipped    recoveryOutcome = "skipped"
)

// recover brings every non-terminal task back under management. Failures are
// handled per task; only an unreadable store aborts the pass.
func (m *manager) recover(ctx context.Context) (RecoveryReport, error) {
	tasks, err := m.tasks.ListNonTerminal(ctx)
	if err != nil {
		return RecoveryReport{}, domain.WrapStorage(err)
	}
	m.logger.Infof("recovering %d unfinished tasks", len(tasks))

	var (
		mu     sync.Mutex
		report RecoveryReport
	)
	record := func(outcome recoveryOutcome) {
		metrics.RecoveryOutcomesTotal.WithLabelValues(string(outcome)).Inc()
		mu.Lock()
		defer mu.Unlock()
		switch outcome {
		case outcomeReattached:
			report.Reattached++
		case outcomeRestarted:
			report.Restarted++
		case outcomeFailed:
			report.Failed++
		case outcomeSuperseded:
			report.Superseded++
		}
	}

	// tasks are newest first, so the first one seen per book is kept
	kept := make(map[string]string, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.RecoveryWorkers)
	for i := range tasks {
		task := tasks[i]
		keptURI, dup := kept[task.BookID]
		if !dup {
			kept[task.BookID] = task.SourceURI
		}
		g.Go(func() error {
			if dup {
				record(m.supersedeStale(gctx, &task, keptURI))
				return nil
			}
			record(m.recoverTask(gctx, &task))
			return nil
		})
	}
	_ = g.Wait()
	return report, ctx.Err()
}

func (m *manager) recoverTask(ctx context.Context, task *domain.Task) recoveryOutcome {
	unlock := m.locks.Lock(task.BookID)
	defer unlock()
	logger := m.taskLogger(task)

	target := domain.TaskStatusDownloading
	if task.Status == domain.TaskStatusPaused {
		target = domain.TaskStatusPaused
	}

	findCtx, cancel := m.engineContext(ctx)
	session, live, err := m.engine.FindSession(findCtx, task.SourceURI)
	cancel()
	if err != nil {
		logger.Warnf("recovery: look up session: %v", err)
		return m.failRecovery(ctx, task, fmt.Errorf("recovery: %w", err))
	}

	h := m.register(task)
	if live {
		if err := m.settleStart(ctx, task, h, session, nil, target); err != nil {
			logger.Errorf("recovery: re-attach: %v", err)
			return outcomeFailed
		}
		logger.Info("recovery: session re-attached")
		return outcomeReattached
	}

	session, startErr := m.startSession(ctx, h, task)
	if startErr != nil {
		startErr = fmt.Errorf("recovery: restart session: %w", startErr)
	}
	if err := m.settleStart(ctx, task, h, session, startErr, target); err != nil {
		logger.Errorf("recovery: %v", err)
		return outcomeFailed
	}
	logger.Info("recovery: session restarted")
	return outcomeRestarted
}

func (m *manager) failRecovery(ctx context.Context, task *domain.Task, cause error) recoveryOutcome {
	if err := m.finalize(ctx, task, domain.TaskStatusFailed, cause.Error()); err != nil {
		m.taskLogger(task).Errorf("recovery: mark failed: %v", err)
		return outcomeSkipped
	}
	return outcomeFailed
}

func (m *manager) supersedeStale(ctx context.Context, task *domain.Task, keptURI string) recoveryOutcome {
	unlock := m.locks.Lock(task.BookID)
	defer unlock()
	logger := m.taskLogger(task)
	if err := m.finalize(ctx, task, domain.TaskStatusCancelled, ""); err != nil {
		logger.Errorf("recovery: cancel stale task: %v", err)
		return outcomeSkipped
	}
	m.stopStaleSession(ctx, task, keptURI, logger)
	logger.Warn("recovery: cancelled older active task of the same book")
	return outcomeSuperseded
}

// stopStaleSession stops the engine session a superseded task left running,
// unless the book's kept task resolves to the same session.
func (m *manager) stopStaleSession(ctx context.Context, task *domain.Task, keptURI string, logger *logrus.Entry) {
	findCtx, cancel := m.engineContext(ctx)
	defer cancel()
	session, live, err := m.engine.FindSession(findCtx, task.SourceURI)
	if err != nil {
		logger.Warnf("recovery: look up stale session: %v", err)
		return
	}
	if !live {
		return
	}
	if keptSession, _, err := m.engine.FindSession(findCtx, keptURI); err == nil && keptSession == session {
		return
	}
	m.stopSession(session, false, logger)
}
