// Package progress fans live task telemetry out to subscribers.
//
// Every task has a hub. Updates published to a hub are coalesced to at most
// one broadcast per window, values with fewer downloaded bytes than the last
// accepted one are dropped, and the terminal value closes every subscription
// after it has been delivered. A hub is dropped once its terminal value is
// out; from then on the store answers for the task.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"audiobook-queue/internal/domain"
	"audiobook-queue/internal/metrics"
)

// SnapshotFunc loads the persisted task used to seed new subscribers.
// It returns (nil, nil) for unknown tasks.
type SnapshotFunc func(ctx context.Context, taskID string) (*domain.Task, error)

type Config struct {
	Window time.Duration
	Logger *logrus.Logger
}

type Aggregator struct {
	cfg      Config
	snapshot SnapshotFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	hubs map[string]*hub
}

func New(cfg Config, snapshot SnapshotFunc) *Aggregator {
	if cfg.Window <= 0 {
		cfg.Window = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Aggregator{
		cfg:      cfg,
		snapshot: snapshot,
		ctx:      ctx,
		cancel:   cancel,
		hubs:     make(map[string]*hub),
	}
}

// Publish offers a live, non-terminal value for p.TaskID.
func (a *Aggregator) Publish(p domain.Progress) {
	a.hubFor(p.TaskID).publish(p)
}

// Finish delivers the terminal value for p.TaskID, closes its subscriptions
// and drops the hub. The terminal status must already be in the store.
func (a *Aggregator) Finish(p domain.Progress) {
	h := a.hubFor(p.TaskID)
	h.finish(p)

	a.mu.Lock()
	if a.hubs[p.TaskID] == h {
		delete(a.hubs, p.TaskID)
	}
	a.mu.Unlock()
}

// Latest returns the last value accepted for taskID, if any.
func (a *Aggregator) Latest(taskID string) (domain.Progress, bool) {
	a.mu.Lock()
	h, ok := a.hubs[taskID]
	a.mu.Unlock()
	if !ok {
		return domain.Progress{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest, h.hasLatest
}

// Forget drops all state kept for taskID.
func (a *Aggregator) Forget(taskID string) {
	a.mu.Lock()
	h, ok := a.hubs[taskID]
	delete(a.hubs, taskID)
	a.mu.Unlock()
	if ok {
		h.shutdown()
	}
}

// Subscribe returns a stream of progress for taskID. The first value is the
// last known snapshot; the channel is closed after the terminal value, when
// ctx is done or when the aggregator is closed.
func (a *Aggregator) Subscribe(ctx context.Context, taskID string) (<-chan domain.Progress, error) {
	// the hub is joined before the store is read: a terminal write racing
	// with this call shows up either in the store or as a finished hub
	h := a.join(taskID)

	task, err := a.snapshot(ctx, taskID)
	if err != nil {
		a.leave(taskID, h)
		return nil, domain.WrapStorage(err)
	}
	if task == nil {
		a.leave(taskID, h)
		return nil, domain.ErrNotFound
	}

	if task.Status.Terminal() {
		a.leave(taskID, h)
		ch := make(chan domain.Progress, 1)
		ch <- task.Progress()
		close(ch)
		return ch, nil
	}

	sub := newSubscriber()

	h.mu.Lock()
	initial := task.Progress()
	if h.hasLatest && h.latest.DownloadedBytes >= initial.DownloadedBytes {
		initial = h.latest
	}
	if h.finished {
		if h.hasLatest {
			initial = h.latest
		}
		sub.offer(initial, true)
		h.mu.Unlock()
		a.leave(taskID, h)
		go sub.run(ctx, a.ctx, nil)
		return sub.out, nil
	}
	if !h.hasLatest {
		h.latest = initial
		h.hasLatest = true
	}
	h.subs[sub] = struct{}{}
	sub.offer(initial, false)
	h.mu.Unlock()
	a.leave(taskID, h)

	metrics.ProgressSubscribers.Inc()
	go sub.run(ctx, a.ctx, func() {
		h.remove(sub)
		metrics.ProgressSubscribers.Dec()
	})
	return sub.out, nil
}

// Close ends every open subscription.
func (a *Aggregator) Close() {
	a.cancel()
	a.mu.Lock()
	hubs := a.hubs
	a.hubs = make(map[string]*hub)
	a.mu.Unlock()
	for _, h := range hubs {
		h.shutdown()
	}
}

func (a *Aggregator) hubFor(taskID string) *hub {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hubLocked(taskID)
}

// join returns the hub for taskID and keeps it in place until leave.
func (a *Aggregator) join(taskID string) *hub {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := a.hubLocked(taskID)
	h.joining++
	return h
}

// leave undoes join and drops the hub if nothing ever used it.
func (a *Aggregator) leave(taskID string, h *hub) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h.joining--
	if h.joining > 0 || a.hubs[taskID] != h {
		return
	}
	h.mu.Lock()
	idle := len(h.subs) == 0 && !h.hasLatest
	h.mu.Unlock()
	if idle {
		delete(a.hubs, taskID)
	}
}

func (a *Aggregator) hubLocked(taskID string) *hub {
	h, ok := a.hubs[taskID]
	if !ok {
		h = &hub{
			taskID:  taskID,
			limiter: rate.NewLimiter(rate.Every(a.cfg.Window), 1),
			subs:    make(map[*subscriber]struct{}),
			logger:  a.cfg.Logger.WithField("task_id", taskID),
		}
		a.hubs[taskID] = h
	}
	return h
}

type hub struct {
	taskID  string
	limiter *rate.Limiter
	logger  *logrus.Entry
	// joining counts Subscribe calls in flight; guarded by Aggregator.mu
	joining int

	mu        sync.Mutex
	latest    domain.Progress
	hasLatest bool
	pending   *domain.Progress
	timer     *time.Timer
	finished  bool
	subs      map[*subscriber]struct{}
}

func (h *hub) publish(p domain.Progress) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.finished {
		return
	}
	if h.hasLatest && p.DownloadedBytes < h.latest.DownloadedBytes {
		h.logger.Debugf("dropping stale progress %d < %d", p.DownloadedBytes, h.latest.DownloadedBytes)
		return
	}
	p = h.normalize(p)
	h.latest = p
	h.hasLatest = true

	if h.pending == nil && h.limiter.Allow() {
		h.broadcastLocked(p, false)
		return
	}
	h.pending = &p
	if h.timer == nil {
		r := h.limiter.Reserve()
		h.timer = time.AfterFunc(r.Delay(), h.flush)
	}
}

func (h *hub) flush() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.timer = nil
	if h.finished || h.pending == nil {
		return
	}
	p := *h.pending
	h.pending = nil
	h.broadcastLocked(p, false)
}

func (h *hub) finish(p domain.Progress) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.finished {
		return
	}
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.pending = nil
	if h.hasLatest && p.DownloadedBytes < h.latest.DownloadedBytes {
		p.DownloadedBytes = h.latest.DownloadedBytes
	}
	p = h.normalize(p)
	h.latest = p
	h.hasLatest = true
	h.finished = true
	h.broadcastLocked(p, true)
	h.subs = make(map[*subscriber]struct{})
}

// normalize keeps totals non-decreasing and derives the percentage.
func (h *hub) normalize(p domain.Progress) domain.Progress {
	if h.hasLatest && p.TotalBytes < h.latest.TotalBytes {
		p.TotalBytes = h.latest.TotalBytes
	}
	p.TaskID = h.taskID
	p.Percentage = domain.Percentage(p.DownloadedBytes, p.TotalBytes)
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	return p
}

func (h *hub) broadcastLocked(p domain.Progress, final bool) {
	for sub := range h.subs {
		sub.offer(p, final)
	}
}

func (h *hub) remove(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

func (h *hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.finished = true
	for sub := range h.subs {
		sub.abort()
	}
	h.subs = make(map[*subscriber]struct{})
}

// subscriber is a one-slot mailbox: a slow reader sees the newest value
// rather than blocking the hub.
type subscriber struct {
	out  chan domain.Progress
	wake chan struct{}

	mu       sync.Mutex
	next     *domain.Progress
	last     int64
	offered  bool
	closing  bool
	aborting bool
}

func newSubscriber() *subscriber {
	return &subscriber{
		out:  make(chan domain.Progress, 1),
		wake: make(chan struct{}, 1),
	}
}

func (s *subscriber) offer(p domain.Progress, final bool) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	if s.offered && p.DownloadedBytes < s.last {
		if !final {
			s.mu.Unlock()
			return
		}
		p.DownloadedBytes = s.last
		p.Percentage = domain.Percentage(p.DownloadedBytes, p.TotalBytes)
	}
	s.last = p.DownloadedBytes
	s.offered = true
	s.next = &p
	s.closing = final
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) abort() {
	s.mu.Lock()
	s.aborting = true
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) run(ctx, parent context.Context, cleanup func()) {
	defer close(s.out)
	if cleanup != nil {
		defer cleanup()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-parent.Done():
			return
		case <-s.wake:
		}

		s.mu.Lock()
		next, closing, aborting := s.next, s.closing, s.aborting
		s.next = nil
		s.mu.Unlock()

		if aborting {
			return
		}
		if next != nil {
			select {
			case s.out <- *next:
			case <-ctx.Done():
				return
			case <-parent.Done():
				return
			}
		}
		if closing {
			s.mu.Lock()
			drained := s.next == nil
			s.mu.Unlock()
			if drained {
				return
			}
			s.signal()
		}
	}
}
