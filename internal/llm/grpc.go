package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/agentrun/internal/catalog"
	"github.com/ashureev/agentrun/internal/domain"
)

const (
	modelServiceName = "agentrun.llm.v1.ModelService"
	completeMethod   = "/" + modelServiceName + "/Complete"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errRemoteModel              = errors.New("remote model returned error")
)

var completeStreamDesc = grpc.StreamDesc{
	StreamName:    "Complete",
	ServerStreams: true,
}

// GRPCConfig holds configuration for the remote model client.
type GRPCConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	// DialOptions are appended after the defaults.
	DialOptions []grpc.DialOption
}

// DefaultGRPCConfig returns default configuration.
func DefaultGRPCConfig(addr string) GRPCConfig {
	return GRPCConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GRPC is a Model served by a remote ModelService. Requests and chunks are
// google.protobuf.Struct values, so no generated stubs are needed.
type GRPC struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// NewGRPC connects to the model service and waits until the connection is
// ready, so a bad endpoint fails at startup.
func NewGRPC(cfg GRPCConfig, logger *slog.Logger) (*GRPC, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		return nil, errors.New("model service address is empty")
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to model service at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("model service at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to model service", "address", cfg.Address)
	return &GRPC{conn: conn, addr: cfg.Address, logger: logger}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GRPC) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Complete sends the request and accumulates the streamed chunks.
func (c *GRPC) Complete(ctx context.Context, req Request) (*Response, error) {
	msg, err := encodeRequest(req)
	if err != nil {
		return nil, fmt.Errorf("encode model request: %w", err)
	}

	stream, err := c.conn.NewStream(ctx, &completeStreamDesc, completeMethod)
	if err != nil {
		return nil, fmt.Errorf("%w: open stream: %w", ErrUnavailable, err)
	}
	if err := stream.SendMsg(msg); err != nil {
		return nil, fmt.Errorf("%w: send: %w", ErrUnavailable, err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("%w: close send: %w", ErrUnavailable, err)
	}

	acc := NewAccumulator()
	for {
		chunk := &structpb.Struct{}
		err := stream.RecvMsg(chunk)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: recv: %w", ErrUnavailable, err)
		}
		if err := applyChunk(acc, chunk.AsMap()); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
	}

	resp := acc.Response()
	c.logger.Debug("remote completion finished",
		"session_id", req.SessionID,
		"address", c.addr,
		"tool_calls", len(resp.ToolCalls))
	return resp, nil
}

func applyChunk(acc *Accumulator, m map[string]any) error {
	switch m["type"] {
	case "text":
		acc.AddText(str(m["text"]))
	case "tool_call":
		idx, _ := m["index"].(float64)
		acc.AddToolCall(ToolCallDelta{
			Index:     int(idx),
			ID:        str(m["id"]),
			Name:      str(m["name"]),
			Arguments: str(m["arguments"]),
			DependsOn: strs(m["depends_on"]),
		})
	case "error":
		return fmt.Errorf("%w: %s", errRemoteModel, str(m["message"]))
	}
	return nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func strs(v any) []string {
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s := str(item); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// encodeCall encodes a tool call for the wire. structpb only takes []any lists.
func encodeCall(tc domain.ToolCall) map[string]any {
	m := map[string]any{
		"id":        tc.ID,
		"name":      tc.Name,
		"arguments": rawArguments(tc),
	}
	if len(tc.DependsOn) > 0 {
		deps := make([]any, len(tc.DependsOn))
		for i, id := range tc.DependsOn {
			deps[i] = id
		}
		m["depends_on"] = deps
	}
	return m
}

func encodeRequest(req Request) (*structpb.Struct, error) {
	msgs := make([]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		entry := map[string]any{
			"role":    string(m.Role),
			"content": m.Content,
		}
		if m.ToolCallID != "" {
			entry["tool_call_id"] = m.ToolCallID
		}
		if len(m.ToolCalls) > 0 {
			calls := make([]any, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				calls = append(calls, encodeCall(tc))
			}
			entry["tool_calls"] = calls
		}
		msgs = append(msgs, entry)
	}

	tools := make([]any, 0, len(req.Tools))
	for _, t := range req.Tools {
		entry := map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"risk":        t.Risk.String(),
		}
		if t.Parameters != nil {
			entry["parameters"] = t.Parameters
		}
		tools = append(tools, entry)
	}

	return structpb.NewStruct(map[string]any{
		"session_id": req.SessionID,
		"messages":   msgs,
		"tools":      tools,
	})
}

func decodeRequest(s *structpb.Struct) Request {
	m := s.AsMap()
	req := Request{SessionID: str(m["session_id"])}
	if list, ok := m["messages"].([]any); ok {
		for _, raw := range list {
			entry, _ := raw.(map[string]any)
			msg := domain.Message{
				Role:       domain.Role(str(entry["role"])),
				Content:    str(entry["content"]),
				ToolCallID: str(entry["tool_call_id"]),
			}
			if calls, ok := entry["tool_calls"].([]any); ok {
				for _, c := range calls {
					cm, _ := c.(map[string]any)
					msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{
						ID:           str(cm["id"]),
						Name:         str(cm["name"]),
						RawArguments: str(cm["arguments"]),
						DependsOn:    strs(cm["depends_on"]),
					})
				}
			}
			req.Messages = append(req.Messages, msg)
		}
	}
	if list, ok := m["tools"].([]any); ok {
		for _, raw := range list {
			entry, _ := raw.(map[string]any)
			risk, _ := domain.ParseRiskLevel(str(entry["risk"]))
			params, _ := entry["parameters"].(map[string]any)
			req.Tools = append(req.Tools, catalog.Schema{
				Name:        str(entry["name"]),
				Description: str(entry["description"]),
				Risk:        risk,
				Parameters:  params,
			})
		}
	}
	return req
}

// RegisterModelService exposes m as a ModelService on s. The response is
// sent as one text chunk followed by one chunk per tool call.
func RegisterModelService(s *grpc.Server, m Model) {
	desc := grpc.ServiceDesc{
		ServiceName: modelServiceName,
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    completeStreamDesc.StreamName,
			ServerStreams: true,
			Handler: func(_ any, stream grpc.ServerStream) error {
				return serveComplete(m, stream)
			},
		}},
	}
	s.RegisterService(&desc, m)
}

func serveComplete(m Model, stream grpc.ServerStream) error {
	in := &structpb.Struct{}
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	resp, err := m.Complete(stream.Context(), decodeRequest(in))
	if err != nil {
		return sendChunk(stream, map[string]any{"type": "error", "message": err.Error()})
	}
	if resp.Content != "" {
		if err := sendChunk(stream, map[string]any{"type": "text", "text": resp.Content}); err != nil {
			return err
		}
	}
	for i, tc := range resp.ToolCalls {
		chunk := encodeCall(tc)
		chunk["type"] = "tool_call"
		chunk["index"] = i
		if err := sendChunk(stream, chunk); err != nil {
			return err
		}
	}
	return nil
}

func sendChunk(stream grpc.ServerStream, m map[string]any) error {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return err
	}
	return stream.SendMsg(s)
}
