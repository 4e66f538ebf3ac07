// Package executor runs tool calls against the catalog with timeouts,
// bounded retries and a bounded worker pool.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/agentrun/internal/catalog"
	"github.com/ashureev/agentrun/internal/domain"
	"github.com/ashureev/agentrun/internal/metrics"
)

// Publisher receives tool lifecycle events.
type Publisher interface {
	Publish(ev domain.Event) domain.Event
}

// Config controls timeouts, retries and concurrency.
type Config struct {
	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Workers     int
}

// DefaultConfig returns the defaults: 30s per attempt, 3 attempts,
// 200ms base backoff capped at 5s, 5 workers.
func DefaultConfig() Config {
	return Config{
		Timeout:     30 * time.Second,
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Workers:     5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	return c
}

// Executor runs tool calls. It is safe for concurrent use.
type Executor struct {
	catalog *catalog.Catalog
	cfg     Config
	bus     Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option configures an Executor.
type Option func(*Executor)

// WithPublisher sets where tool events go.
func WithPublisher(p Publisher) Option {
	return func(e *Executor) { e.bus = p }
}

// WithMetrics enables instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// New creates an executor over the given catalog.
func New(c *catalog.Catalog, cfg Config, opts ...Option) *Executor {
	e := &Executor{
		catalog: c,
		cfg:     cfg.withDefaults(),
		logger:  slog.Default(),
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective configuration.
func (e *Executor) Config() Config {
	return e.cfg
}

// Backoff returns the delay before retry number n (n >= 1): base*2^(n-1),
// capped at maxDelay. The sequence never decreases.
func Backoff(base, maxDelay time.Duration, n int) time.Duration {
	if n < 1 {
		return 0
	}
	d := base
	for i := 1; i < n; i++ {
		if d >= maxDelay/2 {
			return maxDelay
		}
		d *= 2
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute runs a single call. Only transient failures and per-attempt
// timeouts are retried, up to MaxAttempts attempts in total.
func (e *Executor) Execute(ctx context.Context, sessionID string, call domain.ToolCall) domain.ToolExecutionResult {
	start := time.Now()
	res := domain.ToolExecutionResult{CallID: call.ID, Tool: call.Name}

	tool, ok := e.catalog.Lookup(call.Name)
	if !ok {
		return e.fail(sessionID, call, res, start, catalog.NotFound("unknown tool %q", call.Name), false)
	}

	args := call.Arguments
	if args == nil {
		decoded, err := catalog.DecodeArguments(call.RawArguments)
		if err != nil {
			return e.fail(sessionID, call, res, start, err, false)
		}
		args = decoded
	}

	e.publish(sessionID, domain.EventToolStarted, call, map[string]any{
		"risk": call.Risk.String(),
	})

	var (
		lastErr  error
		timedOut bool
	)
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		var delay time.Duration
		if attempt > 1 {
			delay = Backoff(e.cfg.BaseDelay, e.cfg.MaxDelay, attempt-1)
			if err := e.sleep(ctx, delay); err != nil {
				lastErr = fmt.Errorf("retry aborted: %w", err)
				break
			}
		}

		e.publish(sessionID, domain.EventToolAttempt, call, map[string]any{
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
		})

		payload, timeout, err := e.attempt(ctx, tool, args)
		res.Attempts = attempt
		if err == nil {
			e.metrics.ToolAttempt(call.Name, "ok")
			res.Outcome = domain.OutcomeSuccess
			res.Payload = payload
			res.Duration = time.Since(start)
			e.metrics.ToolFinished(call.Name, string(res.Outcome), res.Duration)
			e.publish(sessionID, domain.EventToolSucceeded, call, map[string]any{
				"attempts":    res.Attempts,
				"duration_ms": res.Duration.Milliseconds(),
				"result":      payload,
			})
			return res
		}

		lastErr, timedOut = err, timeout
		kind := catalog.Classify(err)
		label := string(kind)
		if timeout {
			label = "timeout"
		}
		e.metrics.ToolAttempt(call.Name, label)
		e.logger.Debug("tool attempt failed",
			"session_id", sessionID,
			"tool", call.Name,
			"call_id", call.ID,
			"attempt", attempt,
			"kind", label,
			"error", err,
		)
		if !timeout && kind != catalog.KindTransient {
			break
		}
	}

	return e.fail(sessionID, call, res, start, lastErr, timedOut)
}

// attempt runs one invocation bounded by the per-attempt timeout. An invoker
// that ignores its context is abandoned when the timeout fires.
func (e *Executor) attempt(ctx context.Context, tool catalog.Tool, args map[string]any) (json.RawMessage, bool, error) {
	actx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	type outcome struct {
		payload json.RawMessage
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: catalog.Fatal(fmt.Errorf("tool panicked: %v", r))}
			}
		}()
		payload, err := tool.Invoke(actx, args)
		done <- outcome{payload: payload, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, true, fmt.Errorf("attempt timed out after %s: %w", e.cfg.Timeout, out.err)
		}
		return out.payload, false, out.err
	case <-actx.Done():
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, fmt.Errorf("attempt timed out after %s", e.cfg.Timeout)
	}
}

func (e *Executor) fail(sessionID string, call domain.ToolCall, res domain.ToolExecutionResult, start time.Time, err error, timedOut bool) domain.ToolExecutionResult {
	res.Outcome = domain.OutcomeError
	kind := catalog.Classify(err)
	if timedOut {
		res.Outcome = domain.OutcomeTimeout
		kind = catalog.KindTransient
	}
	res.ErrorKind = string(kind)
	res.Error = err.Error()
	res.Duration = time.Since(start)
	e.metrics.ToolFinished(call.Name, string(res.Outcome), res.Duration)
	e.publish(sessionID, domain.EventToolFailed, call, map[string]any{
		"attempts":    res.Attempts,
		"outcome":     string(res.Outcome),
		"error_kind":  res.ErrorKind,
		"error":       res.Error,
		"duration_ms": res.Duration.Milliseconds(),
	})
	return res
}

func (e *Executor) publish(sessionID string, typ domain.EventType, call domain.ToolCall, data map[string]any) {
	if e.bus == nil {
		return
	}
	data["call_id"] = call.ID
	data["tool"] = call.Name
	e.bus.Publish(domain.NewEvent(sessionID, typ, data))
}
