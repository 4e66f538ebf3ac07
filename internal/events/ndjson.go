package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/ashureev/agentrun/internal/domain"
)

// LogConfig controls the NDJSON event log.
type LogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
}

// EventLog appends every event as one JSON line to <Dir>/<session>.ndjson
// and, when enabled, to a global file. It is meant for offline inspection;
// the durable store remains the source of truth.
type EventLog struct {
	cfg    LogConfig
	bus    *Bus
	logger *slog.Logger

	mu     sync.Mutex
	files  map[string]*os.File
	global *os.File
	done   chan struct{}
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// NewEventLog creates the log directories. Call Run to start writing.
func NewEventLog(cfg LogConfig, bus *Bus, logger *slog.Logger) (*EventLog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &EventLog{
		cfg:    cfg,
		bus:    bus,
		logger: logger,
		files:  make(map[string]*os.File),
		done:   make(chan struct{}),
	}
	if !cfg.Enabled {
		return l, nil
	}
	if cfg.Dir == "" {
		return nil, errors.New("event log dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	if cfg.GlobalEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0o750); err != nil {
			return nil, fmt.Errorf("create global event log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.GlobalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, fmt.Errorf("open global event log: %w", err)
		}
		l.global = f
	}
	return l, nil
}

// Run consumes the firehose until ctx is cancelled. Events dropped while
// the log falls behind are not written.
func (l *EventLog) Run(ctx context.Context) {
	defer close(l.done)
	if !l.cfg.Enabled {
		return
	}
	for {
		sub := l.bus.SubscribeAll()
		err := pumpAll(ctx, sub, l.write)
		sub.Close()
		if ctx.Err() != nil || !errors.Is(err, ErrSlowSubscriber) {
			return
		}
		l.logger.Warn("event log fell behind, some events were not written")
	}
}

// Done is closed when Run returns.
func (l *EventLog) Done() <-chan struct{} {
	return l.done
}

// Close closes all open files.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var errs []error
	for id, f := range l.files {
		errs = append(errs, f.Close())
		delete(l.files, id)
	}
	if l.global != nil {
		errs = append(errs, l.global.Close())
		l.global = nil
	}
	return errors.Join(errs...)
}

func pumpAll(ctx context.Context, sub *Subscription, fn func(domain.Event)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C():
			if !ok {
				return sub.Err()
			}
			fn(ev)
		}
	}
}

func (l *EventLog) write(ev domain.Event) {
	line, err := json.Marshal(ev)
	if err != nil {
		l.logger.Warn("event log encode failed", "session_id", ev.SessionID, "seq", ev.Seq, "error", err)
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := l.sessionFile(ev.SessionID)
	if err != nil {
		l.logger.Warn("event log open failed", "session_id", ev.SessionID, "error", err)
	} else if _, err := f.Write(line); err != nil {
		l.logger.Warn("event log write failed", "session_id", ev.SessionID, "error", err)
	}
	if l.global != nil {
		if _, err := l.global.Write(line); err != nil {
			l.logger.Warn("global event log write failed", "error", err)
		}
	}

	if ev.Type == domain.EventSessionClosed {
		if f, ok := l.files[ev.SessionID]; ok {
			_ = f.Close()
			delete(l.files, ev.SessionID)
		}
	}
}

func (l *EventLog) sessionFile(sessionID string) (*os.File, error) {
	if f, ok := l.files[sessionID]; ok {
		return f, nil
	}
	name := unsafeFileChars.ReplaceAllString(sessionID, "_") + ".ndjson"
	f, err := os.OpenFile(filepath.Join(l.cfg.Dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, err
	}
	l.files[sessionID] = f
	return f, nil
}
