package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// State is the lifecycle state of the session's engine.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateReady         State = "ready"
	StateFailed        State = "failed"
)

const (
	DefaultMaxRetries        = 3
	DefaultProbeTimeout      = 2 * time.Second
	DefaultReadyPollInterval = 100 * time.Millisecond
	DefaultReadyPollAttempts = 100

	flightKey = "engine"
)

// Extension is a runtime extension loaded during startup. A failing optional
// extension is recorded as missing; a failing required one fails the attempt.
type Extension struct {
	Name     string
	Optional bool
}

type Options struct {
	// MaxRetries is the number of startup attempts per acquisition sequence.
	MaxRetries int
	Backoff    BackoffConfig

	ProbeTimeout time.Duration

	// Bounded readiness wait used by WaitReady.
	ReadyPollInterval time.Duration
	ReadyPollAttempts int

	Extensions []Extension
	Logger     *log.Logger
}

func (o *Options) applyDefaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.Backoff == (BackoffConfig{}) {
		o.Backoff = defaultBackoffConfig()
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	if o.ReadyPollInterval <= 0 {
		o.ReadyPollInterval = DefaultReadyPollInterval
	}
	if o.ReadyPollAttempts <= 0 {
		o.ReadyPollAttempts = DefaultReadyPollAttempts
	}
	if o.Logger == nil {
		o.Logger = log.New(io.Discard, "", 0)
	}
}

// Status is the readiness view exposed to the UI.
type Status struct {
	Ready             bool     `json:"ready"`
	Loading           bool     `json:"loading"`
	Progress          string   `json:"progress"`
	State             State    `json:"state"`
	Attempt           int      `json:"attempt"`
	MissingExtensions []string `json:"missing_extensions,omitempty"`
	LastError         string   `json:"last_error,omitempty"`
}

// Session owns the lifecycle of exactly one engine for the process lifetime.
// Construct one at startup and pass it to every consumer.
type Session struct {
	engine Engine
	opts   Options
	logger *log.Logger

	flight   singleflight.Group
	queue    *semaphore.Weighted
	progress *progressBroadcaster

	mu      sync.Mutex
	state   State
	attempt int
	message string
	handle  *Handle
	lastErr error
	// readyCh is closed when the session becomes ready and replaced with a
	// fresh channel whenever it leaves the ready state.
	readyCh chan struct{}
}

func NewSession(e Engine, opts Options) *Session {
	opts.applyDefaults()
	return &Session{
		engine:   e,
		opts:     opts,
		logger:   opts.Logger,
		queue:    semaphore.NewWeighted(1),
		progress: newProgressBroadcaster(),
		state:    StateUninitialized,
		readyCh:  make(chan struct{}),
	}
}

// Acquire returns a ready engine handle, starting the engine if needed.
// Concurrent callers share one startup sequence. Startup runs detached from
// ctx: a caller that gives up returns ctx.Err() while startup continues for
// everyone else.
func (s *Session) Acquire(ctx context.Context) (*Handle, error) {
	h, err := s.readyHandle(ctx)
	if err != nil {
		return nil, err
	}
	if h != nil {
		return h, nil
	}
	detached := context.WithoutCancel(ctx)
	ch := s.flight.DoChan(flightKey, func() (any, error) {
		return s.initialize(detached)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Handle), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readyHandle returns the current handle if the session is ready and the
// engine still answers. A handle that fails its probe is dropped. The probe
// waits for any running submission to release the queue slot, since the
// engine cannot answer while it evaluates a script.
func (s *Session) readyHandle(ctx context.Context) (*Handle, error) {
	s.mu.Lock()
	h := s.handle
	ready := s.state == StateReady
	s.mu.Unlock()
	if !ready || h == nil {
		return nil, nil
	}

	if err := s.queue.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	probeCtx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
	alive := h.conn.Probe(probeCtx)
	cancel()
	s.queue.Release(1)
	if alive {
		return h, nil
	}
	s.dropStale(h)
	return nil, nil
}

func (s *Session) dropStale(h *Handle) {
	s.mu.Lock()
	if s.handle != h {
		s.mu.Unlock()
		return
	}
	s.handle = nil
	s.state = StateUninitialized
	s.readyCh = make(chan struct{})
	s.reportLocked("engine stopped answering; restarting")
	s.mu.Unlock()

	s.logger.Printf("engine handle %s failed liveness probe; dropping it", h.id)
	if err := h.conn.Close(); err != nil {
		s.logger.Printf("close stale engine connection: %v", err)
	}
}

func (s *Session) initialize(ctx context.Context) (*Handle, error) {
	s.mu.Lock()
	if s.state == StateReady && s.handle != nil {
		// Another flight finished between our readiness check and this one.
		h := s.handle
		s.mu.Unlock()
		return h, nil
	}
	s.lastErr = nil
	s.mu.Unlock()

	maxRetries := s.opts.MaxRetries
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		s.mu.Lock()
		s.state = StateInitializing
		s.attempt = attempt
		s.reportLocked(fmt.Sprintf("starting engine (attempt %d/%d)", attempt+1, maxRetries))
		s.mu.Unlock()

		h, err := s.start(ctx)
		if err == nil {
			s.markReady(h)
			return h, nil
		}
		lastErr = err
		s.logger.Printf("engine startup attempt %d/%d failed: %v", attempt+1, maxRetries, err)
		if attempt < maxRetries-1 {
			delay := DelayForAttempt(attempt, s.opts.Backoff)
			s.report(fmt.Sprintf("startup attempt %d/%d failed; retrying in %s", attempt+1, maxRetries, delay))
			sleepWithContext(ctx, delay)
		}
	}

	initErr := &InitError{Attempts: maxRetries, Cause: lastErr}
	s.mu.Lock()
	s.state = StateFailed
	s.handle = nil
	s.lastErr = initErr
	s.reportLocked("engine failed to start")
	s.mu.Unlock()
	s.logger.Printf("%v", initErr)
	return nil, initErr
}

// start runs one startup sequence: connect, verify liveness, load extensions.
func (s *Session) start(ctx context.Context) (*Handle, error) {
	s.report("connecting to engine")
	conn, err := s.engine.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if conn == nil {
		return nil, errors.New("connect: engine returned no connection")
	}

	s.report("verifying engine")
	probeCtx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
	alive := conn.Probe(probeCtx)
	cancel()
	if !alive {
		_ = conn.Close()
		return nil, errors.New("engine did not answer liveness check")
	}

	var missing []string
	total := len(s.opts.Extensions)
	for i, ext := range s.opts.Extensions {
		name := strings.TrimSpace(ext.Name)
		if name == "" {
			continue
		}
		s.report(fmt.Sprintf("loading %s (%d/%d)", name, i+1, total))
		if err := conn.LoadExtension(ctx, name); err != nil {
			if !ext.Optional {
				_ = conn.Close()
				return nil, fmt.Errorf("load extension %s: %w", name, err)
			}
			missing = append(missing, name)
			s.logger.Printf("optional extension %s unavailable: %v", name, err)
			s.report(fmt.Sprintf("%s unavailable; continuing without it", name))
		}
	}
	return newHandle(conn, s.queue, missing), nil
}

func (s *Session) markReady(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle = h
	s.state = StateReady
	s.lastErr = nil
	close(s.readyCh)
	msg := "engine ready"
	if len(h.missing) > 0 {
		msg = fmt.Sprintf("engine ready (unavailable: %s)", strings.Join(h.missing, ", "))
	}
	s.reportLocked(msg)
	s.logger.Printf("%s (handle %s)", msg, h.id)
}

func (s *Session) report(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reportLocked(msg)
}

func (s *Session) reportLocked(msg string) {
	s.message = msg
	s.progress.send(ProgressEvent{
		Time:    time.Now().UTC(),
		State:   s.state,
		Attempt: s.attempt,
		Message: msg,
	})
}

// Status returns the current readiness view.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Ready:    s.state == StateReady,
		Loading:  s.state == StateInitializing,
		Progress: s.message,
		State:    s.state,
		Attempt:  s.attempt,
	}
	if s.handle != nil {
		st.MissingExtensions = s.handle.MissingExtensions()
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// Subscribe registers a progress observer. The first event delivered is the
// current status when one exists. Call the returned func to unsubscribe.
func (s *Session) Subscribe() (<-chan ProgressEvent, func()) {
	return s.progress.subscribe(64)
}

// WaitReady waits for another party to bring the engine up without starting
// it. It polls every ReadyPollInterval for at most ReadyPollAttempts
// iterations, waking early when the session signals readiness, and fails with
// *TimeoutError when the bound is exceeded.
func (s *Session) WaitReady(ctx context.Context) (*Handle, error) {
	start := time.Now()
	for i := 0; i < s.opts.ReadyPollAttempts; i++ {
		s.mu.Lock()
		h, ready, notify := s.handle, s.state == StateReady, s.readyCh
		s.mu.Unlock()
		if ready && h != nil {
			return h, nil
		}

		timer := time.NewTimer(s.opts.ReadyPollInterval)
		select {
		case <-notify:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
		timer.Stop()
	}
	s.mu.Lock()
	h, ready := s.handle, s.state == StateReady
	s.mu.Unlock()
	if ready && h != nil {
		return h, nil
	}
	return nil, &TimeoutError{Waited: time.Since(start)}
}
