package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/searchcrawler/internal/crawler"
	"github.com/JakeFAU/searchcrawler/internal/frontier"
	"github.com/JakeFAU/searchcrawler/internal/metrics"
	"github.com/JakeFAU/searchcrawler/internal/progress"
	"github.com/JakeFAU/searchcrawler/internal/urlnorm"
	"github.com/JakeFAU/searchcrawler/internal/worker"
)

// Manager errors.
var (
	ErrNotFound        = errors.New("session not found")
	ErrTooManySessions = errors.New("too many concurrent sessions")
	ErrShuttingDown    = errors.New("session manager is shutting down")
	errWorkerCrash     = errors.New("worker crashed repeatedly")
)

// Manager defaults.
const (
	DefaultMaxConcurrentSessions = 5
	DefaultRetention             = time.Hour
	DefaultMaxCrashes            = 3
)

// Processor runs one page through the crawl pipeline.
type Processor interface {
	Process(ctx context.Context, job worker.Job) worker.Result
}

// DelaySource reports robots Crawl-delay per origin.
type DelaySource interface {
	CrawlDelay(ctx context.Context, origin, userAgent string) time.Duration
}

// ManagerConfig wires a Manager. Robots and Emitter are optional.
type ManagerConfig struct {
	Pipeline Processor
	Robots   DelaySource
	IDs      crawler.IDGenerator
	Clock    crawler.Clock
	Emitter  progress.Emitter
	Logger   *zap.Logger

	MaxConcurrentSessions int
	Retention             time.Duration
	LogEntries            int
	PolitenessDelay       time.Duration
	// MaxCrashes is how many consecutive worker panics a session tolerates.
	MaxCrashes int
	// Jitter returns a value in [0, 1). Defaults to math/rand.
	Jitter func() float64
}

// Manager owns the session registry.
type Manager struct {
	cfg    ManagerConfig
	logger *zap.Logger
	sem    *semaphore.Weighted

	// startMu serializes admissions so stopPreviousSessions sees a stable set.
	startMu sync.Mutex

	mu       sync.RWMutex
	sessions map[string]*session

	closed atomic.Bool
}

// NewManager validates cfg and builds a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	switch {
	case cfg.Pipeline == nil:
		return nil, errors.New("session: pipeline is required")
	case cfg.IDs == nil:
		return nil, errors.New("session: id generator is required")
	case cfg.Clock == nil:
		return nil, errors.New("session: clock is required")
	}
	if cfg.MaxConcurrentSessions <= 0 {
		cfg.MaxConcurrentSessions = DefaultMaxConcurrentSessions
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.MaxCrashes <= 0 {
		cfg.MaxCrashes = DefaultMaxCrashes
	}
	if cfg.Jitter == nil {
		cfg.Jitter = rand.Float64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger.Named("session"),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentSessions)),
		sessions: make(map[string]*session),
	}, nil
}

// Start admits a new session, seeds its frontier and launches its workers.
// The returned snapshot is in the Starting state.
func (m *Manager) Start(ctx context.Context, cfg Config) (Snapshot, error) {
	if m.closed.Load() {
		return Snapshot{}, ErrShuttingDown
	}
	m.startMu.Lock()
	defer m.startMu.Unlock()

	if cfg.StopPreviousSessions {
		if err := m.stopAll(ctx); err != nil {
			return Snapshot{}, fmt.Errorf("stop previous sessions: %w", err)
		}
	}
	cfg.WorkerCount = max(cfg.WorkerCount, 1)
	if !m.sem.TryAcquire(1) {
		return Snapshot{}, ErrTooManySessions
	}
	id, err := m.cfg.IDs.NewID()
	if err != nil {
		m.sem.Release(1)
		return Snapshot{}, fmt.Errorf("generate session id: %w", err)
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		id:        id,
		cfg:       cfg,
		startedAt: m.cfg.Clock.Now(),
		log:       newRing(m.cfg.LogEntries),
		ctx:       sctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     StateStarting,
	}
	s.frontier = frontier.New(frontier.Config{
		SessionID: id,
		MaxDepth:  cfg.MaxDepth,
		MaxPages:  cfg.MaxPages,
		Delay:     m.cfg.PolitenessDelay,
		DelayFunc: m.delayFunc(sctx, cfg.UserAgent),
		Now:       m.cfg.Clock.Now,
	})
	for _, seed := range cfg.Seeds {
		s.frontier.Enqueue(frontier.Entry{URL: seed})
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.emit(progress.Event{SessionID: id, Stage: progress.StageSessionStart, Note: fmt.Sprintf("%d seeds", len(cfg.Seeds))})
	m.logger.Info("session started",
		zap.String("session_id", id),
		zap.Strings("seeds", cfg.Seeds),
		zap.Int("workers", cfg.WorkerCount),
		zap.Int("max_pages", cfg.MaxPages),
		zap.Int("max_depth", cfg.MaxDepth),
	)

	snap := s.snapshot()
	go m.supervise(s)
	return snap, nil
}

func (m *Manager) delayFunc(ctx context.Context, userAgent string) func(string) time.Duration {
	if m.cfg.Robots == nil {
		return nil
	}
	return func(origin string) time.Duration {
		return m.cfg.Robots.CrawlDelay(ctx, origin, userAgent)
	}
}

// Status returns the session snapshot.
func (m *Manager) Status(id string) (Snapshot, error) {
	s, ok := m.get(id)
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return s.snapshot(), nil
}

// Details returns the recent page log, most recent first.
func (m *Manager) Details(id string) ([]LogEntry, error) {
	s, ok := m.get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return s.log.recent(), nil
}

// Cancel stops the session and waits for its workers to exit or for ctx to
// end. Canceling a terminal session returns its frozen snapshot.
func (m *Manager) Cancel(ctx context.Context, id string) (Snapshot, error) {
	s, ok := m.get(id)
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	s.requestCancel()
	select {
	case <-s.done:
		return s.snapshot(), nil
	case <-ctx.Done():
		return s.snapshot(), ctx.Err()
	}
}

// RecordIndexFailure counts a page whose index retries ran out against the
// session that wrote it. It is registered with the coordinator.
func (m *Manager) RecordIndexFailure(sessionID, pageURL string) {
	s, ok := m.get(sessionID)
	if !ok || s.final.Load() != nil {
		return
	}
	s.indexFailures.Add(1)
	s.setLastError(string(crawler.KindIndex))
	m.logger.Warn("page index write failed permanently",
		zap.String("session_id", sessionID),
		zap.String("url", pageURL),
	)
}

// Run purges expired terminal sessions until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	interval := min(max(m.cfg.Retention/2, time.Second), time.Minute)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := m.Purge(m.cfg.Clock.Now()); n > 0 {
				m.logger.Debug("purged expired sessions", zap.Int("count", n))
			}
		}
	}
}

// Purge drops terminal sessions that ended more than the retention period
// before now and reports how many were removed.
func (m *Manager) Purge(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.sessions {
		final := s.final.Load()
		if final == nil || final.EndedAt == nil {
			continue
		}
		if !now.Before(final.EndedAt.Add(m.cfg.Retention)) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// Shutdown refuses new sessions, cancels live ones and waits for them.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.closed.Store(true)
	return m.stopAll(ctx)
}

func (m *Manager) get(id string) (*session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// stopAll cancels every live session and waits for their workers.
func (m *Manager) stopAll(ctx context.Context) error {
	m.mu.RLock()
	live := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.final.Load() == nil {
			live = append(live, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range live {
		if s.requestCancel() {
			m.logger.Info("canceling session", zap.String("session_id", s.id))
		}
	}
	for _, s := range live {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Manager) supervise(s *session) {
	logger := m.logger.With(zap.String("session_id", s.id))
	g, gctx := errgroup.WithContext(s.ctx)
	for i := range s.cfg.WorkerCount {
		g.Go(func() error {
			return m.work(gctx, s, logger.With(zap.Int("worker", i)))
		})
	}
	err := g.Wait()

	snap := s.finish(m.cfg.Clock.Now(), err)
	s.cancel()
	m.sem.Release(1)

	dur := snap.EndedAt.Sub(snap.StartedAt)
	m.emit(progress.Event{
		SessionID: s.id,
		Stage:     progress.StageSessionDone,
		Outcome:   string(snap.State),
		Dur:       max(dur, 0),
		Note:      snap.LastErrorKind,
	})
	logger.Info("session finished",
		zap.String("state", string(snap.State)),
		zap.Int64("succeeded", snap.Counters.Succeeded),
		zap.Int64("failed", snap.Counters.Failed),
		zap.Int64("skipped", snap.Counters.Skipped),
		zap.String("last_error_kind", snap.LastErrorKind),
		zap.Duration("duration", dur),
	)
	close(s.done)
}

func (m *Manager) work(ctx context.Context, s *session, logger *zap.Logger) error {
	s.markRunning()
	for {
		entry, lease, err := s.frontier.Acquire(ctx)
		if err != nil {
			if errors.Is(err, frontier.ErrDrained) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("acquire: %w", err)
		}
		if s.canceling() {
			s.frontier.Complete(lease, frontier.Outcome{})
			return nil
		}

		res, crashed := m.runJob(ctx, s, entry, logger)
		outcome := m.record(s, entry, res, logger)
		if res.Status == worker.StatusSucceeded && !s.canceling() {
			m.enqueueOutlinks(s, entry, res.Outlinks, logger)
		}
		s.frontier.Complete(lease, outcome)

		if !crashed {
			s.crashes.Store(0)
			continue
		}
		if s.crashes.Add(1) > int32(m.cfg.MaxCrashes) {
			logger.Error("too many consecutive worker crashes, failing session")
			s.markCrashed()
			return errWorkerCrash
		}
	}
}

// runJob calls the pipeline and turns a panic into a WorkerCrash failure.
func (m *Manager) runJob(ctx context.Context, s *session, entry frontier.Entry, logger *zap.Logger) (res worker.Result, crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("worker panic recovered",
				zap.String("url", entry.URL),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			res = worker.Result{
				URL:         entry.URL,
				FinalURL:    entry.URL,
				Status:      worker.StatusFailed,
				FailureKind: crawler.FailureWorkerCrash,
				Err:         fmt.Errorf("worker panic: %v", r),
			}
			crashed = true
		}
	}()
	return m.cfg.Pipeline.Process(ctx, worker.Job{
		SessionID: s.id,
		URL:       entry.URL,
		Depth:     entry.Depth,
		Attempt:   entry.Attempt,
		Options:   s.cfg.pipelineOptions(),
	}), false
}

// record updates counters, the page log and progress for one result and
// decides whether the frontier should retry the entry.
func (m *Manager) record(s *session, entry frontier.Entry, res worker.Result, logger *zap.Logger) frontier.Outcome {
	now := m.cfg.Clock.Now()
	var reason crawler.ErrorKind
	switch res.Status {
	case worker.StatusCanceled:
		return frontier.Outcome{}
	case worker.StatusFailed:
		if res.FailureKind.Transient() && entry.Attempt < s.cfg.MaxRetries && !s.canceling() {
			delay := m.backoff(s.cfg.RetryDelayBase(), entry.Attempt)
			logger.Debug("retrying page",
				zap.String("url", entry.URL),
				zap.Int("attempt", entry.Attempt+1),
				zap.String("failure_kind", string(res.FailureKind)),
				zap.Duration("delay", delay),
			)
			return frontier.Outcome{Retry: true, RetryAt: now.Add(delay)}
		}
		reason = failureReason(res.FailureKind)
		s.failed.Add(1)
		s.setLastError(string(reason))
	case worker.StatusSkipped:
		reason = crawler.KindPolicyReject
		s.skipped.Add(1)
	default:
		s.succeeded.Add(1)
	}

	var title *string
	if res.Status == worker.StatusSucceeded {
		t := res.Title
		title = &t
	}
	s.log.add(LogEntry{
		URL:             res.URL,
		FinalURL:        res.FinalURL,
		HTTPStatus:      res.HTTPStatus,
		RenderingMethod: res.RenderingMethod,
		Title:           title,
		FailureKind:     res.FailureKind,
		Reason:          reason,
		Warnings:        res.Warnings,
		Timestamp:       now,
	})

	outcome := string(res.Outcome)
	if res.Status != worker.StatusSucceeded {
		outcome = string(res.Status)
	}
	m.emit(progress.Event{
		SessionID:   s.id,
		TS:          now,
		Stage:       progress.StagePageDone,
		Site:        urlnorm.Domain(entry.URL),
		URL:         entry.URL,
		Bytes:       res.Bytes,
		StatusClass: progress.ClassifyStatus(res.HTTPStatus),
		Outcome:     outcome,
		FailureKind: string(res.FailureKind),
		Dur:         max(res.Elapsed, 0),
	})
	return frontier.Outcome{}
}

func (m *Manager) enqueueOutlinks(s *session, entry frontier.Entry, links []string, logger *zap.Logger) {
	for _, link := range links {
		adm := s.frontier.Enqueue(frontier.Entry{URL: link, Depth: entry.Depth + 1})
		if adm == frontier.Admitted {
			continue
		}
		metrics.ObserveOutlinkDropped(adm.String())
		logger.Debug("outlink dropped", zap.String("url", link), zap.String("reason", adm.String()))
	}
}

// backoff is base * 2^attempt with ±20% jitter.
func (m *Manager) backoff(base time.Duration, attempt int) time.Duration {
	d := float64(base) * math.Pow(2, float64(attempt))
	return time.Duration(d * (0.8 + 0.4*m.cfg.Jitter()))
}

func failureReason(kind crawler.FailureKind) crawler.ErrorKind {
	switch {
	case kind.Transient():
		return crawler.KindTransientFetch
	case kind == crawler.FailureStore:
		return crawler.KindStore
	case kind == crawler.FailureParse:
		return crawler.KindParse
	case kind == crawler.FailureWorkerCrash:
		return crawler.ErrorKind(lastErrorWorkerCrash)
	default:
		return crawler.KindPermanentFetch
	}
}

func (m *Manager) emit(evt progress.Event) {
	if m.cfg.Emitter == nil {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = m.cfg.Clock.Now()
	}
	m.cfg.Emitter.Emit(evt)
}
