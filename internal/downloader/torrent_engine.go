package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	tstorage "github.com/anacrolix/torrent/storage"
	"github.com/sirupsen/logrus"

	"audiobook-queue/internal/domain"
)

const (
	defaultMaxConns = 35
	addTimeout      = 10 * time.Second
	updateBuffer    = 256
)

type Config struct {
	DataDir         string
	ListenPort      int
	StatusInterval  time.Duration
	MetadataTimeout time.Duration
	TrackerList     []string
	Logger          *logrus.Logger
}

// TorrentEngine runs sessions on an anacrolix torrent client. Each session
// stores its payload under its own save path and is watched by one goroutine
// that polls the torrent and publishes Updates.
type TorrentEngine struct {
	cfg     Config
	client  *torrent.Client
	updates chan Update

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[SessionHandle]*session
}

type session struct {
	handle   SessionHandle
	torrent  *torrent.Torrent
	storage  tstorage.ClientImplCloser
	savePath string
	cancel   context.CancelFunc
	done     chan struct{}

	mu      sync.Mutex
	paused  bool
	name    string
	sampler speedSampler
	peak    int64
}

func NewTorrentEngine(cfg Config) (*TorrentEngine, error) {
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = time.Second
	}
	if cfg.MetadataTimeout <= 0 {
		cfg.MetadataTimeout = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if len(cfg.TrackerList) == 0 {
		cfg.TrackerList = defaultTrackers()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	clientConfig := torrent.NewDefaultClientConfig()
	clientConfig.DataDir = cfg.DataDir
	clientConfig.NoUpload = false
	clientConfig.Seed = false
	if cfg.ListenPort > 0 {
		clientConfig.ListenPort = cfg.ListenPort
	}

	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("create torrent client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cfg.Logger.Infof("torrent engine started, data dir: %s", cfg.DataDir)
	return &TorrentEngine{
		cfg:      cfg,
		client:   client,
		updates:  make(chan Update, updateBuffer),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[SessionHandle]*session),
	}, nil
}

func (e *TorrentEngine) Updates() <-chan Update {
	return e.updates
}

func (e *TorrentEngine) StartSession(ctx context.Context, sourceURI, savePath string) (SessionHandle, error) {
	spec, err := torrent.TorrentSpecFromMagnetUri(sourceURI)
	if err != nil {
		return "", fmt.Errorf("parse magnet: %w", err)
	}
	handle := SessionHandle(spec.InfoHash.HexString())

	if _, ok := e.lookup(handle); ok {
		return handle, nil
	}

	if strings.TrimSpace(savePath) == "" {
		return "", errors.New("save path is required")
	}
	if err := os.MkdirAll(savePath, 0o755); err != nil {
		return "", fmt.Errorf("create save path: %w", err)
	}

	store := tstorage.NewFile(savePath)
	spec.Storage = store
	for _, tracker := range e.cfg.TrackerList {
		spec.Trackers = append(spec.Trackers, []string{tracker})
	}

	t, err := e.addSpec(ctx, spec)
	if err != nil {
		_ = store.Close()
		return "", err
	}

	sessCtx, cancel := context.WithCancel(e.ctx)
	sess := &session{
		handle:   handle,
		torrent:  t,
		storage:  store,
		savePath: savePath,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	e.mu.Lock()
	if existing, ok := e.sessions[handle]; ok {
		// lost a race against a concurrent start of the same infohash
		e.mu.Unlock()
		cancel()
		_ = store.Close()
		return existing.handle, nil
	}
	e.sessions[handle] = sess
	e.mu.Unlock()

	e.wg.Add(1)
	go e.watch(sessCtx, sess)

	e.cfg.Logger.WithField("session", handle).Infof("session started in %s", savePath)
	return handle, nil
}

// addSpec bounds AddTorrentSpec, which can block on the client lock while
// other torrents resolve metadata.
func (e *TorrentEngine) addSpec(ctx context.Context, spec *torrent.TorrentSpec) (*torrent.Torrent, error) {
	type addResult struct {
		t   *torrent.Torrent
		err error
	}
	ch := make(chan addResult, 1)
	go func() {
		t, _, err := e.client.AddTorrentSpec(spec)
		ch <- addResult{t, err}
	}()

	dropLater := func() {
		go func() {
			if res := <-ch; res.t != nil {
				res.t.Drop()
			}
		}()
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("add torrent: %w", res.err)
		}
		return res.t, nil
	case <-time.After(addTimeout):
		dropLater()
		return nil, errors.New("torrent client busy")
	case <-ctx.Done():
		dropLater()
		return nil, ctx.Err()
	}
}

func (e *TorrentEngine) PauseSession(ctx context.Context, h SessionHandle) error {
	sess, ok := e.lookup(h)
	if !ok {
		return ErrSessionNotFound
	}
	sess.mu.Lock()
	sess.paused = true
	sess.mu.Unlock()

	t := sess.torrent
	t.DisallowDataDownload()
	t.DisallowDataUpload()
	t.SetMaxEstablishedConns(0)
	return nil
}

func (e *TorrentEngine) ResumeSession(ctx context.Context, h SessionHandle) error {
	sess, ok := e.lookup(h)
	if !ok {
		return ErrSessionNotFound
	}
	sess.mu.Lock()
	sess.paused = false
	sess.mu.Unlock()

	t := sess.torrent
	t.SetMaxEstablishedConns(defaultMaxConns)
	t.AllowDataUpload()
	t.AllowDataDownload()
	if infoReady(t) {
		t.DownloadAll()
	}
	return nil
}

func (e *TorrentEngine) StopSession(ctx context.Context, h SessionHandle, deleteFiles bool) error {
	sess, ok := e.lookup(h)
	if !ok {
		return ErrSessionNotFound
	}

	sess.cancel()
	select {
	case <-sess.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if deleteFiles {
		return RemovePayload(sess.savePath, sess.payloadName())
	}
	return nil
}

func (e *TorrentEngine) FindSession(ctx context.Context, sourceURI string) (SessionHandle, bool, error) {
	h, err := HandleFromURI(sourceURI)
	if err != nil {
		return "", false, err
	}
	_, ok := e.lookup(h)
	return h, ok, nil
}

func (e *TorrentEngine) Close() error {
	e.cancel()
	e.wg.Wait()
	if errs := e.client.Close(); len(errs) > 0 {
		return errors.Join(errs...)
	}
	e.cfg.Logger.Info("torrent engine stopped")
	return nil
}

func (e *TorrentEngine) lookup(h SessionHandle) (*session, bool) {
	e.mu.Lock()
	sess, ok := e.sessions[h]
	e.mu.Unlock()
	return sess, ok
}

// watch owns the torrent for the session lifetime; it drops the torrent when
// the session is stopped, completes or fails.
func (e *TorrentEngine) watch(ctx context.Context, sess *session) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.sessions, sess.handle)
		e.mu.Unlock()
		sess.torrent.Drop()
		if err := sess.storage.Close(); err != nil {
			e.cfg.Logger.WithField("session", sess.handle).Warnf("close storage: %v", err)
		}
		close(sess.done)
	}()

	logger := e.cfg.Logger.WithField("session", sess.handle)
	t := sess.torrent

	metadataTimer := time.NewTimer(e.cfg.MetadataTimeout)
	defer metadataTimer.Stop()

	select {
	case <-ctx.Done():
		logger.Debug("session stopped before metadata")
		return
	case <-metadataTimer.C:
		logger.Warn("metadata timeout")
		e.publish(ctx, Update{Handle: sess.handle, Terminal: TerminalFailed, Err: "timed out resolving torrent metadata"})
		return
	case <-t.GotInfo():
	}

	info := t.Info()
	if info == nil {
		e.publish(ctx, Update{Handle: sess.handle, Terminal: TerminalFailed, Err: "missing torrent info"})
		return
	}

	sess.mu.Lock()
	sess.name = info.BestName()
	paused := sess.paused
	sess.mu.Unlock()
	if !paused {
		t.DownloadAll()
	}

	first := e.snapshot(sess, time.Now())
	first.Name = info.BestName()
	first.Files = mapFiles(t)
	e.publish(ctx, first)

	ticker := time.NewTicker(e.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("session stopped")
			return
		case now := <-ticker.C:
			u := e.snapshot(sess, now)
			if u.TotalBytes > 0 && t.BytesMissing() == 0 {
				u.DownloadedBytes = u.TotalBytes
				u.Terminal = TerminalDone
				e.publish(ctx, u)
				logger.Info("download completed")
				return
			}
			e.publish(ctx, u)
		}
	}
}

func (e *TorrentEngine) snapshot(sess *session, now time.Time) Update {
	t := sess.torrent
	stats := t.Stats()

	completed := t.BytesCompleted()
	sess.mu.Lock()
	// anacrolix re-verifies pieces after a restart, so BytesCompleted can dip
	if completed > sess.peak {
		sess.peak = completed
	} else {
		completed = sess.peak
	}
	down, up := sess.sampler.sample(now, stats.BytesReadUsefulData.Int64(), stats.BytesWrittenData.Int64())
	sess.mu.Unlock()

	return Update{
		Handle:          sess.handle,
		DownloadedBytes: completed,
		TotalBytes:      t.Length(),
		DownloadRateBps: down,
		UploadRateBps:   up,
		Peers:           stats.ActivePeers,
		Seeds:           stats.ConnectedSeeders,
	}
}

// publish drops progress reports when the consumer lags; the next tick
// supersedes them. Terminal reports are never dropped.
func (e *TorrentEngine) publish(ctx context.Context, u Update) {
	if u.Terminal == TerminalNone {
		select {
		case e.updates <- u:
		default:
		}
		return
	}
	select {
	case e.updates <- u:
	case <-e.ctx.Done():
	case <-ctx.Done():
	}
}

func (s *session) payloadName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// HandleFromURI derives the session handle of a magnet URI without starting it.
func HandleFromURI(sourceURI string) (SessionHandle, error) {
	m, err := metainfo.ParseMagnetUri(sourceURI)
	if err != nil {
		return "", fmt.Errorf("parse magnet: %w", err)
	}
	return SessionHandle(m.InfoHash.HexString()), nil
}

// RemovePayload deletes the torrent's content below savePath and then
// savePath itself if nothing else is left in it.
func RemovePayload(savePath, name string) error {
	if savePath == "" {
		return nil
	}
	if name != "" {
		target := filepath.Join(savePath, name)
		rel, err := filepath.Rel(savePath, target)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			return fmt.Errorf("refusing to remove %s outside %s", target, savePath)
		}
		if err := os.RemoveAll(target); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove payload: %w", err)
		}
	}
	entries, err := os.ReadDir(savePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read save path: %w", err)
	}
	if len(entries) == 0 {
		if err := os.Remove(savePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove save path: %w", err)
		}
	}
	return nil
}

func infoReady(t *torrent.Torrent) bool {
	select {
	case <-t.GotInfo():
		return true
	default:
		return false
	}
}

func mapFiles(t *torrent.Torrent) []domain.TaskFile {
	files := t.Files()
	mapped := make([]domain.TaskFile, 0, len(files))
	for _, f := range files {
		mapped = append(mapped, domain.TaskFile{
			Name: f.DisplayPath(),
			Path: f.Path(),
			Size: f.Length(),
		})
	}
	return mapped
}

type speedSampler struct {
	at      time.Time
	read    int64
	written int64
}

// sample returns byte rates since the previous call. The first call only
// primes the sampler.
func (s *speedSampler) sample(now time.Time, read, written int64) (int64, int64) {
	prev := *s
	s.at, s.read, s.written = now, read, written
	if prev.at.IsZero() {
		return 0, 0
	}
	dt := now.Sub(prev.at).Seconds()
	if dt <= 0 {
		return 0, 0
	}
	deltaRead := read - prev.read
	deltaWritten := written - prev.written
	if deltaRead < 0 {
		deltaRead = 0
	}
	if deltaWritten < 0 {
		deltaWritten = 0
	}
	return int64(float64(deltaRead) / dt), int64(float64(deltaWritten) / dt)
}

func defaultTrackers() []string {
	return []string{
		"udp://tracker.opentrackr.org:1337/announce",
		"udp://tracker.openbittorrent.com:6969/announce",
		"udp://open.stealth.si:80/announce",
		"udp://exodus.desync.com:6969/announce",
		"http://tracker.opentrackr.org:1337/announce",
		"udp://tracker.torrent.eu.org:451/announce",
	}
}

var _ Engine = (*TorrentEngine)(nil)
