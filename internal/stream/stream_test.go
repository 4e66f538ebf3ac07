package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/agentrun/internal/agent"
	"github.com/ashureev/agentrun/internal/domain"
	"github.com/ashureev/agentrun/internal/events"
	"github.com/ashureev/agentrun/internal/identity"
	"github.com/ashureev/agentrun/internal/session"
	"github.com/ashureev/agentrun/internal/store"
)

type fakeSessions map[string]*domain.Session

func (f fakeSessions) Get(_ context.Context, id string) (*domain.Session, error) {
	s, ok := f[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	return s.Clone(), nil
}

type fakeRuntime struct {
	mu       sync.Mutex
	messages []string
	approved []string
	// before, when set, runs at the start of Run.
	before func(content string)
}

func (f *fakeRuntime) Run(_ context.Context, sessionID, _, content string) (*agent.Result, error) {
	if f.before != nil {
		f.before(content)
	}
	f.mu.Lock()
	f.messages = append(f.messages, content)
	f.mu.Unlock()
	return &agent.Result{SessionID: sessionID, Status: agent.StatusAnswered, Answer: "echo: " + content}, nil
}

func (f *fakeRuntime) Approve(_ context.Context, planID, _ string) (*agent.Result, error) {
	f.mu.Lock()
	f.approved = append(f.approved, planID)
	f.mu.Unlock()
	return nil, domain.ErrInvalidTransition
}

func (f *fakeRuntime) Reject(_ context.Context, planID, _, _ string) (*agent.Result, error) {
	return &agent.Result{Status: agent.StatusRejected, PlanID: planID}, nil
}

func (f *fakeRuntime) Cancel(context.Context, string, string) (bool, error) {
	return true, nil
}

func newDeps(t *testing.T, busCfg events.Config) (Deps, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return Deps{
		Bus:     events.NewBus(busCfg),
		History: mem,
		Sessions: fakeSessions{
			"s1":     {ID: "s1", Principal: "alice", Status: domain.SessionActive},
			"closed": {ID: "closed", Principal: "alice", Status: domain.SessionClosed},
		},
		Runtime:  &fakeRuntime{},
		Registry: NewRegistry(),
	}, mem
}

func asPrincipal(principal string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r.WithContext(identity.WithPrincipal(r.Context(), principal)))
	})
}

func publish(t *testing.T, d Deps, mem *store.Memory, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ev := d.Bus.Publish(domain.NewEvent("s1", domain.EventMessageAppended, map[string]any{"i": i}))
		if err := mem.AppendEvent(context.Background(), ev); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
}

func TestRegistryCloseSession(t *testing.T) {
	r := NewRegistry()
	var closed []string
	r.Register("s1", func(reason string) { closed = append(closed, reason) })
	id := r.Register("s1", func(reason string) { closed = append(closed, reason) })
	r.Register("s2", func(string) { t.Error("other session must stay open") })

	r.Unregister("s1", id)
	if got := r.Count("s1"); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}
	r.CloseSession("s1")
	if len(closed) != 1 || closed[0] != "session closed" {
		t.Fatalf("closed = %v", closed)
	}
	if r.Count("s1") != 0 || r.Count("s2") != 1 {
		t.Errorf("unexpected counts after close: s1=%d s2=%d", r.Count("s1"), r.Count("s2"))
	}
}

var errDone = errors.New("done")

func TestRelayFillsGapFromHistory(t *testing.T) {
	d, mem := newDeps(t, events.Config{ReplaySize: 2})
	publish(t, d, mem, 5)

	var got []int64
	err := relay(context.Background(), d.Bus, d.History, "s1", 1, d.logger(), func(ev domain.Event) error {
		got = append(got, ev.Seq)
		if len(got) == 4 {
			return errDone
		}
		return nil
	})
	if !errors.Is(err, errDone) {
		t.Fatalf("relay error = %v", err)
	}
	want := []int64{2, 3, 4, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("seqs = %v, want %v", got, want)
		}
	}
}

func TestRelayLiveOnlySkipsHistory(t *testing.T) {
	d, mem := newDeps(t, events.Config{})
	publish(t, d, mem, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seqs := make(chan int64, 4)
	done := make(chan error, 1)
	go func() {
		done <- relay(ctx, d.Bus, d.History, "s1", -1, d.logger(), func(ev domain.Event) error {
			seqs <- ev.Seq
			return errDone
		})
	}()

	// Keep publishing until the relay has subscribed.
	deadline := time.After(2 * time.Second)
	for {
		publish(t, d, mem, 1)
		select {
		case seq := <-seqs:
			if seq <= 3 {
				t.Fatalf("replayed seq %d for a live-only stream", seq)
			}
			if err := <-done; !errors.Is(err, errDone) {
				t.Fatalf("relay error = %v", err)
			}
			return
		case <-deadline:
			t.Fatal("relay never delivered a live event")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRelayResubscribesAfterOverflow(t *testing.T) {
	d, mem := newDeps(t, events.Config{BufferSize: 1, ReplaySize: 64})

	publish(t, d, mem, 1)

	var got []int64
	err := relay(context.Background(), d.Bus, d.History, "s1", 0, d.logger(), func(ev domain.Event) error {
		got = append(got, ev.Seq)
		if len(got) == 1 {
			// Overflow the one-slot buffer while the client is busy.
			publish(t, d, mem, 5)
		}
		if len(got) == 6 {
			return errDone
		}
		return nil
	})
	if !errors.Is(err, errDone) {
		t.Fatalf("relay error = %v", err)
	}
	for i, seq := range got {
		if seq != int64(i+1) {
			t.Fatalf("seqs = %v, want 1..6 without gaps", got)
		}
	}
}

func dialWS(t *testing.T, srv *httptest.Server, query string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
	return websocket.Dial(ctx, url, nil)
}

func readFrame(t *testing.T, c *websocket.Conn, typ string) outFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			t.Fatalf("read %s frame: %v", typ, err)
		}
		var f outFrame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if f.Type == typ {
			return f
		}
	}
}

func writeFrame(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	data, _ := json.Marshal(v)
	if err := c.Write(context.Background(), websocket.MessageText, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestWebSocketStreamsEventsAndFrames(t *testing.T) {
	d, mem := newDeps(t, events.Config{})
	publish(t, d, mem, 2)
	srv := httptest.NewServer(asPrincipal("alice", NewWebSocketHandler(d, "*", true)))
	defer srv.Close()

	c, _, err := dialWS(t, srv, "session_id=s1&after=0")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.CloseNow()

	for want := int64(1); want <= 2; want++ {
		f := readFrame(t, c, "event")
		if f.Event == nil || f.Event.Seq != want {
			t.Fatalf("event frame = %+v, want seq %d", f, want)
		}
	}

	writeFrame(t, c, map[string]string{"type": "ping", "id": "p1"})
	if f := readFrame(t, c, "pong"); f.ID != "p1" {
		t.Errorf("pong id = %q", f.ID)
	}

	writeFrame(t, c, map[string]string{"type": "new-message", "id": "m1", "content": "hi"})
	res := readFrame(t, c, "result")
	if res.Op != "new-message" || res.Result == nil || res.Result.Answer != "echo: hi" {
		t.Errorf("unexpected result frame %+v", res)
	}

	writeFrame(t, c, map[string]string{"type": "approve-plan", "id": "a1", "plan_id": "p-1"})
	if f := readFrame(t, c, "error"); f.Code != "invalid_transition" || f.ID != "a1" {
		t.Errorf("unexpected error frame %+v", f)
	}

	writeFrame(t, c, map[string]string{"type": "approve-plan"})
	if f := readFrame(t, c, "error"); f.Code != "invalid_frame" {
		t.Errorf("missing plan_id: got %+v", f)
	}

	writeFrame(t, c, map[string]string{"type": "cancel", "id": "c1"})
	if f := readFrame(t, c, "result"); f.Cancelled == nil || !*f.Cancelled {
		t.Errorf("unexpected cancel result %+v", f)
	}
}

func TestWebSocketRunsMessagesInOrder(t *testing.T) {
	d, _ := newDeps(t, events.Config{})
	rt := &fakeRuntime{before: func(content string) {
		if content == "first" {
			time.Sleep(100 * time.Millisecond)
		}
	}}
	d.Runtime = rt
	srv := httptest.NewServer(asPrincipal("alice", NewWebSocketHandler(d, "*", true)))
	defer srv.Close()

	c, _, err := dialWS(t, srv, "session_id=s1")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.CloseNow()

	writeFrame(t, c, map[string]string{"type": "new-message", "id": "m1", "content": "first"})
	writeFrame(t, c, map[string]string{"type": "new-message", "id": "m2", "content": "second"})

	for _, want := range []string{"m1", "m2"} {
		if f := readFrame(t, c, "result"); f.ID != want {
			t.Fatalf("result id = %q, want %q", f.ID, want)
		}
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.messages) != 2 || rt.messages[0] != "first" || rt.messages[1] != "second" {
		t.Errorf("messages = %v, want [first second]", rt.messages)
	}
}

func TestWebSocketCancelSkipsQueue(t *testing.T) {
	d, _ := newDeps(t, events.Config{})
	release := make(chan struct{})
	started := make(chan struct{})
	d.Runtime = &fakeRuntime{before: func(string) {
		close(started)
		<-release
	}}
	srv := httptest.NewServer(asPrincipal("alice", NewWebSocketHandler(d, "*", true)))
	defer srv.Close()
	defer close(release)

	c, _, err := dialWS(t, srv, "session_id=s1")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.CloseNow()

	writeFrame(t, c, map[string]string{"type": "new-message", "id": "m1", "content": "long"})
	<-started
	writeFrame(t, c, map[string]string{"type": "cancel", "id": "c1"})
	if f := readFrame(t, c, "result"); f.ID != "c1" || f.Cancelled == nil {
		t.Errorf("expected the cancel result first, got %+v", f)
	}
}

func TestWebSocketRejectsBeforeUpgrade(t *testing.T) {
	d, _ := newDeps(t, events.Config{})
	srv := httptest.NewServer(asPrincipal("mallory", NewWebSocketHandler(d, "*", true)))
	defer srv.Close()

	tests := []struct {
		query string
		want  int
	}{
		{"session_id=s1", http.StatusForbidden},
		{"session_id=missing", http.StatusNotFound},
		{"session_id=s1&after=-3", http.StatusBadRequest},
		{"", http.StatusBadRequest},
	}
	for _, tt := range tests {
		_, resp, err := dialWS(t, srv, tt.query)
		if err == nil {
			t.Fatalf("%q: expected dial to fail", tt.query)
		}
		if resp == nil || resp.StatusCode != tt.want {
			t.Errorf("%q: status = %v, want %d", tt.query, resp, tt.want)
		}
	}
}

func TestWebSocketClosedWithSession(t *testing.T) {
	d, _ := newDeps(t, events.Config{})
	srv := httptest.NewServer(asPrincipal("alice", NewWebSocketHandler(d, "*", true)))
	defer srv.Close()

	c, _, err := dialWS(t, srv, "session_id=s1")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.CloseNow()

	deadline := time.Now().Add(2 * time.Second)
	for d.Registry.Count("s1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	d.Registry.CloseSession("s1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err = c.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Errorf("close status = %v, want going away", websocket.CloseStatus(err))
	}
}

func TestSSEReplaysFromLastEventID(t *testing.T) {
	d, mem := newDeps(t, events.Config{})
	publish(t, d, mem, 3)

	r := chi.NewRouter()
	r.Get("/api/sessions/{id}/stream", NewSSEHandler(d, SSEConfig{Retry: time.Second, KeepAlive: time.Hour}).ServeHTTP)
	srv := httptest.NewServer(asPrincipal("alice", r))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/sessions/s1/stream", nil)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}

	var ids []string
	sawRetry, sawConnected := false, false
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() && len(ids) < 2 {
		line := scanner.Text()
		switch {
		case line == "retry: 1000":
			sawRetry = true
		case line == "event: connected":
			sawConnected = true
		case strings.HasPrefix(line, "id: "):
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		}
	}
	if !sawRetry || !sawConnected {
		t.Errorf("retry=%v connected=%v", sawRetry, sawConnected)
	}
	if len(ids) != 2 || ids[0] != "2" || ids[1] != "3" {
		t.Errorf("replayed ids = %v, want [2 3]", ids)
	}
}

func TestSSERejectsClosedSession(t *testing.T) {
	d, _ := newDeps(t, events.Config{})
	r := chi.NewRouter()
	r.Get("/api/sessions/{id}/stream", NewSSEHandler(d, SSEConfig{}).ServeHTTP)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/closed/stream", nil)
	w := httptest.NewRecorder()
	asPrincipal("alice", r).ServeHTTP(w, req)
	if w.Code != http.StatusGone {
		t.Errorf("status = %d, want 410", w.Code)
	}
}

func TestErrorCode(t *testing.T) {
	tests := map[error]string{
		session.ErrNotFound:         "not_found",
		agent.ErrForbidden:          "forbidden",
		domain.ErrInvalidTransition: "invalid_transition",
		agent.ErrModelUnavailable:   "model_unavailable",
		errors.New("boom"):          "internal",
	}
	for err, want := range tests {
		if got := ErrorCode(err); got != want {
			t.Errorf("ErrorCode(%v) = %q, want %q", err, got, want)
		}
	}
}
