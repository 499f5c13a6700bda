package client

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

// State is the engine's connection state.
type State int

const (
	Disconnected State = iota
	Loading
	Live
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Live:
		return "live"
	default:
		return "disconnected"
	}
}

// ErrAlreadyStarted is returned by Start while a session is loading or live.
var ErrAlreadyStarted = errors.New("engine already started")

// Source is what the engine needs from the server. *Client implements it.
type Source interface {
	ListTasks(ctx context.Context) ([]domain.Task, error)
	Stats(ctx context.Context) (domain.Stats, error)
	Subscribe(ctx context.Context) (*Stream, error)
}

// Snapshot is a consistent copy of the engine state.
type Snapshot struct {
	State        State
	Tasks        []domain.Task
	Stats        domain.Stats
	LoadingTasks bool
	LoadingStats bool
	// Applied counts events merged into the view during the current session.
	Applied int
	// Err is the last fetch or stream failure, cleared by a successful Start.
	Err error
}

type session struct {
	stream   *Stream
	cancel   context.CancelFunc
	done     chan struct{}
	statsReq chan struct{}
}

// Engine keeps a View in sync with the server: it subscribes to the change
// stream, loads a snapshot and stats concurrently, then merges events one at
// a time and refetches stats after each.
type Engine struct {
	src Source
	log *log.Logger

	minBackoff time.Duration
	maxBackoff time.Duration

	mu           sync.RWMutex
	state        State
	view         *View
	stats        domain.Stats
	loadingTasks bool
	loadingStats bool
	applied      int
	err          error
	sess         *session
	cancel       context.CancelFunc
	// attempt identifies the current Start call. Close and each Start bump it
	// so a superseded load cannot write state.
	attempt uint64

	changes chan struct{}
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

func WithEngineLogger(l *log.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// WithBackoff bounds the reconnect delay used by Run.
func WithBackoff(min, max time.Duration) EngineOption {
	return func(e *Engine) {
		e.minBackoff = min
		e.maxBackoff = max
	}
}

func NewEngine(src Source, opts ...EngineOption) *Engine {
	e := &Engine{
		src:        src,
		log:        log.StandardLogger(),
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
		view:       NewView(nil),
		stats:      domain.ComputeStats(nil),
		changes:    make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(e)
	}
	if e.maxBackoff < e.minBackoff {
		e.maxBackoff = e.minBackoff
	}
	return e
}

// Changes signals that the state may have changed. Signals coalesce; read
// Snapshot after each one.
func (e *Engine) Changes() <-chan struct{} { return e.changes }

func (e *Engine) notify() {
	select {
	case e.changes <- struct{}{}:
	default:
	}
}

// State returns the current connection state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Snapshot returns a copy of the view and stats.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Snapshot{
		State:        e.state,
		Tasks:        e.view.Tasks(),
		Stats:        e.stats,
		LoadingTasks: e.loadingTasks,
		LoadingStats: e.loadingStats,
		Applied:      e.applied,
		Err:          e.err,
	}
}

// Done is closed when the current live session ends. It returns nil when no
// session is live.
func (e *Engine) Done() <-chan struct{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.sess == nil {
		return nil
	}
	return e.sess.done
}

// Start moves the engine from Disconnected to Live. The subscription is
// opened before the snapshot is read so no event can fall between them;
// events received while loading are applied on top of the snapshot.
//
// If the snapshot fails the engine returns to Disconnected with its previous
// view untouched. A stats failure alone is returned but the engine still
// goes Live. The session lasts until ctx is cancelled, Close is called or the
// server ends the stream. Start never retries; see Run.
func (e *Engine) Start(ctx context.Context) error {
	sctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	if e.state != Disconnected {
		e.mu.Unlock()
		cancel()
		return ErrAlreadyStarted
	}
	e.attempt++
	attempt := e.attempt
	e.state = Loading
	e.loadingTasks, e.loadingStats = true, true
	e.cancel = cancel
	e.mu.Unlock()
	e.notify()

	stream, err := e.src.Subscribe(sctx)
	if err != nil {
		cancel()
		e.abort(attempt, err)
		return err
	}

	var (
		wg       sync.WaitGroup
		tasks    []domain.Task
		taskErr  error
		statsErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		tasks, taskErr = e.src.ListTasks(sctx)
		e.mu.Lock()
		if e.attempt == attempt {
			e.loadingTasks = false
		}
		e.mu.Unlock()
		e.notify()
	}()
	go func() {
		defer wg.Done()
		var stats domain.Stats
		stats, statsErr = e.src.Stats(sctx)
		e.mu.Lock()
		if e.attempt == attempt {
			e.loadingStats = false
			if statsErr == nil {
				e.stats = stats
			}
		}
		e.mu.Unlock()
		e.notify()
	}()
	wg.Wait()

	if taskErr != nil {
		stream.Close()
		cancel()
		err := errors.Join(taskErr, statsErr)
		e.abort(attempt, err)
		return err
	}

	s := &session{
		stream:   stream,
		cancel:   cancel,
		done:     make(chan struct{}),
		statsReq: make(chan struct{}, 1),
	}
	e.mu.Lock()
	if e.attempt != attempt || sctx.Err() != nil {
		// Closed while loading.
		e.mu.Unlock()
		stream.Close()
		cancel()
		err := sctx.Err()
		if err == nil {
			err = context.Canceled
		}
		e.abort(attempt, err)
		return err
	}
	e.view = NewView(tasks)
	e.applied = 0
	e.state = Live
	e.err = statsErr
	e.sess = s
	e.mu.Unlock()
	e.notify()
	e.log.WithField("tasks", len(tasks)).Debug("engine live")

	go e.refreshLoop(sctx, s)
	go e.eventLoop(s)
	if statsErr != nil {
		e.log.WithError(statsErr).Warn("stats fetch failed")
	}
	return statsErr
}

// abort returns the engine to Disconnected unless the attempt has been
// superseded by Close or a later Start.
func (e *Engine) abort(attempt uint64, err error) {
	e.mu.Lock()
	if e.attempt != attempt {
		e.mu.Unlock()
		return
	}
	e.state = Disconnected
	e.loadingTasks, e.loadingStats = false, false
	e.cancel = nil
	e.err = err
	e.mu.Unlock()
	e.notify()
}

// eventLoop is the only writer of the view while live.
func (e *Engine) eventLoop(s *session) {
	defer close(s.done)
	for ev := range s.stream.Events() {
		e.mu.Lock()
		e.view.Apply(ev)
		e.applied++
		e.mu.Unlock()
		e.notify()
		select {
		case s.statsReq <- struct{}{}:
		default:
		}
	}
	s.cancel()

	err := s.stream.Err()
	e.mu.Lock()
	if e.sess == s {
		e.sess = nil
		e.cancel = nil
		e.state = Disconnected
		e.loadingStats = false
		e.err = err
	}
	e.mu.Unlock()
	e.notify()
	if err != nil {
		e.log.WithError(err).Info("change stream ended")
	}
}

// refreshLoop refetches stats after events. Requests made while a fetch is
// in flight collapse into one follow-up fetch.
func (e *Engine) refreshLoop(ctx context.Context, s *session) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.statsReq:
		}
		if err := e.RefreshStats(ctx); err != nil && ctx.Err() == nil {
			e.log.WithError(err).Warn("stats refresh failed")
		}
	}
}

// RefreshStats refetches the stats aggregate. On failure the previous stats
// are kept and the error is returned.
func (e *Engine) RefreshStats(ctx context.Context) error {
	e.mu.Lock()
	e.loadingStats = true
	e.mu.Unlock()
	e.notify()

	stats, err := e.src.Stats(ctx)

	e.mu.Lock()
	e.loadingStats = false
	if err == nil {
		e.stats = stats
	} else if ctx.Err() == nil {
		e.err = err
	}
	e.mu.Unlock()
	e.notify()
	return err
}

// Close ends the session: the subscription is released first, then the
// local state is discarded.
func (e *Engine) Close() error {
	e.mu.Lock()
	s := e.sess
	cancel := e.cancel
	e.mu.Unlock()

	var err error
	if s != nil {
		err = s.stream.Close()
		<-s.done
	}
	if cancel != nil {
		cancel()
	}

	e.mu.Lock()
	e.attempt++
	e.sess = nil
	e.cancel = nil
	e.state = Disconnected
	e.view = NewView(nil)
	e.stats = domain.ComputeStats(nil)
	e.loadingTasks, e.loadingStats = false, false
	e.applied = 0
	e.err = nil
	e.mu.Unlock()
	e.notify()
	return err
}

// Run keeps the engine live until ctx is cancelled, restarting it after the
// stream ends or Start fails. Delays grow exponentially with jitter, capped
// by the configured backoff, and reset once a session goes live. Run gives
// up and returns the error when the token is rejected.
func (e *Engine) Run(ctx context.Context) error {
	delay := e.minBackoff
	for {
		err := e.Start(ctx)
		if errors.Is(err, ErrAlreadyStarted) {
			return err
		}
		if errors.Is(err, domain.ErrUnauthorized) {
			e.Close()
			return err
		}
		if done := e.Done(); done != nil {
			delay = e.minBackoff
			select {
			case <-done:
			case <-ctx.Done():
				e.Close()
				return ctx.Err()
			}
		} else if err != nil {
			e.log.WithError(err).WithField("retry_in", delay).Warn("engine start failed")
		}
		if ctx.Err() != nil {
			e.Close()
			return ctx.Err()
		}

		wait := delay/2 + rand.N(delay/2+1)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			e.Close()
			return ctx.Err()
		}
		delay = min(delay*2, e.maxBackoff)
	}
}
