// Package rhttp is the statistical engine adapter that speaks JSON over HTTP
// to an engine server (an R process exposing /health, /v1/extensions and
// /v1/eval), optionally launching that server itself.
package rhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danshapiro/statflow/internal/engine"
)

const (
	defaultProbeTimeout  = 2 * time.Second
	defaultAutostartWait = 20 * time.Second
	defaultAutostartPoll = 250 * time.Millisecond
	maxErrorBody         = 4 * 1024
)

type AutostartConfig struct {
	Enabled      bool
	Command      []string
	WaitTimeout  time.Duration
	PollInterval time.Duration
	LogPath      string
	Env          []string
}

type Config struct {
	BaseURL      string
	HTTPClient   *http.Client
	ProbeTimeout time.Duration
	Autostart    AutostartConfig
	Logger       *log.Logger
}

// Client implements engine.Engine.
type Client struct {
	cfg    Config
	base   string
	http   *http.Client
	logger *log.Logger

	mu      sync.Mutex
	managed *startedProcess
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.Autostart.WaitTimeout <= 0 {
		cfg.Autostart.WaitTimeout = defaultAutostartWait
	}
	if cfg.Autostart.PollInterval <= 0 {
		cfg.Autostart.PollInterval = defaultAutostartPoll
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	return &Client{
		cfg:    cfg,
		base:   strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		http:   cfg.HTTPClient,
		logger: cfg.Logger,
	}
}

// Connect returns a connection once the engine answers /health, launching the
// configured autostart command when the engine is not reachable.
func (c *Client) Connect(ctx context.Context) (engine.Conn, error) {
	lastErr := c.health(ctx)
	if lastErr == nil {
		return &conn{client: c}, nil
	}
	if !c.cfg.Autostart.Enabled {
		return nil, fmt.Errorf(
			"engine is not reachable at %s: %w; either start it manually or set engine.autostart.enabled=true with engine.autostart.command",
			c.base, lastErr,
		)
	}

	proc, err := c.ensureProcess()
	if err != nil {
		return nil, fmt.Errorf("engine autostart failed: %w", err)
	}

	deadline := time.Now().Add(c.cfg.Autostart.WaitTimeout)
	for time.Now().Before(deadline) {
		if err := c.health(ctx); err == nil {
			return &conn{client: c}, nil
		} else {
			lastErr = err
		}

		timer := time.NewTimer(c.cfg.Autostart.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.stopManaged(proc)
			return nil, ctx.Err()
		case procErr, ok := <-proc.waitCh:
			timer.Stop()
			c.forgetManaged(proc)
			if ok && procErr != nil {
				return nil, fmt.Errorf("engine process exited before readiness: %w (log=%s)", procErr, c.cfg.Autostart.LogPath)
			}
			return nil, fmt.Errorf("engine process exited before readiness (log=%s)", c.cfg.Autostart.LogPath)
		case <-timer.C:
		}
	}
	c.stopManaged(proc)
	return nil, fmt.Errorf("engine autostart timed out after %s (url=%s): %v", c.cfg.Autostart.WaitTimeout, c.base, lastErr)
}

// ensureProcess reuses a managed engine process that is still alive (it may
// still be booting) and launches a new one otherwise.
func (c *Client) ensureProcess() (*startedProcess, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.managed != nil && !c.managed.exited() {
		return c.managed, nil
	}
	proc, err := c.cfg.Autostart.launch("STATFLOW_ENGINE_URL=" + c.base)
	if err != nil {
		return nil, err
	}
	c.logger.Printf("engine autostart launched (pid=%d, log=%s)", proc.PID, c.cfg.Autostart.LogPath)
	c.managed = proc
	return proc, nil
}

func (c *Client) forgetManaged(proc *startedProcess) {
	c.mu.Lock()
	if c.managed == proc {
		c.managed = nil
	}
	c.mu.Unlock()
}

func (c *Client) stopManaged(proc *startedProcess) {
	if proc == nil {
		return
	}
	c.forgetManaged(proc)
	if err := proc.terminate(500 * time.Millisecond); err != nil {
		c.logger.Printf("engine process cleanup warning: %v", err)
	}
}

// Close terminates an engine process this client launched, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	proc := c.managed
	c.managed = nil
	c.mu.Unlock()
	if proc == nil {
		return nil
	}
	return proc.terminate(500 * time.Millisecond)
}

// ManagedPID returns the PID of the autostarted engine, or 0.
func (c *Client) ManagedPID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.managed == nil {
		return 0
	}
	return c.managed.PID
}

func (c *Client) health(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health status %d", resp.StatusCode)
	}
	return nil
}

type wireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type envelope struct {
	Value map[string]any `json:"value"`
	Error *wireError     `json:"error,omitempty"`
}

// post sends body as JSON and decodes the response envelope. Engine-reported
// failures become *engine.ScriptError; anything else is a transport error.
func (c *Client) post(ctx context.Context, path string, body any) (map[string]any, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("POST %s: read body: %w", path, err)
	}
	var env envelope
	decodeErr := json.Unmarshal(raw, &env)
	if decodeErr == nil && env.Error != nil {
		return nil, &engine.ScriptError{Kind: strings.TrimSpace(env.Error.Kind), Message: env.Error.Message}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(raw)
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return nil, fmt.Errorf("POST %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(snippet))
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("POST %s: decode response: %w", path, decodeErr)
	}
	return env.Value, nil
}

type conn struct {
	client *Client
}

func (cn *conn) Probe(ctx context.Context) bool {
	return cn.client.health(ctx) == nil
}

func (cn *conn) LoadExtension(ctx context.Context, name string) error {
	_, err := cn.client.post(ctx, "/v1/extensions", map[string]string{"name": name})
	return err
}

func (cn *conn) Submit(ctx context.Context, req engine.Request) (engine.Value, error) {
	v, err := cn.client.post(ctx, "/v1/eval", req)
	if err != nil {
		return nil, err
	}
	if v == nil {
		v = map[string]any{}
	}
	return engine.Value(v), nil
}

// Close stops a managed engine process so the next Connect relaunches it. A
// connection to an externally started engine has nothing to release.
func (cn *conn) Close() error {
	return cn.client.Close()
}
