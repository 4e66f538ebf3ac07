package events

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/agentrun/internal/domain"
)

func TestEventLogWritesPerSessionNDJSON(t *testing.T) {
	dir := t.TempDir()
	bus := NewBus(Config{})
	log, err := NewEventLog(LogConfig{
		Enabled:       true,
		Dir:           filepath.Join(dir, "sessions"),
		GlobalEnabled: true,
		GlobalPath:    filepath.Join(dir, "all.ndjson"),
	}, bus, nil)
	if err != nil {
		t.Fatalf("NewEventLog failed: %v", err)
	}
	defer func() { _ = log.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	go log.Run(ctx)

	// The firehose subscription starts asynchronously; publish until it lands.
	path := filepath.Join(dir, "sessions", "sess_1.ndjson")
	deadline := time.Now().Add(2 * time.Second)
	for {
		bus.Publish(domain.NewEvent("sess/1", domain.EventTurnStarted, map[string]any{"content": "hi"}))
		if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for log file %s", path)
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	<-log.Done()

	line := lastLine(t, path)
	var got domain.Event
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	if got.SessionID != "sess/1" || got.Type != domain.EventTurnStarted || got.Seq == 0 {
		t.Fatalf("unexpected event %+v", got)
	}
	if lastLine(t, filepath.Join(dir, "all.ndjson")) == "" {
		t.Fatal("expected the global log to be written")
	}
}

func TestEventLogDisabled(t *testing.T) {
	log, err := NewEventLog(LogConfig{}, NewBus(Config{}), nil)
	if err != nil {
		t.Fatalf("NewEventLog failed: %v", err)
	}
	go log.Run(context.Background())
	select {
	case <-log.Done():
	case <-time.After(time.Second):
		t.Fatal("disabled log should return immediately")
	}
}

func lastLine(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	return lines[len(lines)-1]
}
