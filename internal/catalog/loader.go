package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ashureev/agentrun/internal/domain"
)

// maxResponseBody caps how much of a tool backend's response is read.
const maxResponseBody = 4 << 20

// FileSpec is the on-disk catalog format.
type FileSpec struct {
	Tools []ToolSpec `yaml:"tools"`
}

// ToolSpec describes one HTTP-backed tool.
type ToolSpec struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Risk        string            `yaml:"risk"`
	Endpoint    string            `yaml:"endpoint"`
	Method      string            `yaml:"method"`
	Headers     map[string]string `yaml:"headers"`
	Parameters  map[string]any    `yaml:"parameters"`
	Sequential  bool              `yaml:"sequential"`
}

// LoadFile reads a YAML catalog and builds HTTP invokers for its tools.
// A nil client gets a default one with a 30s timeout.
func LoadFile(path string, client *http.Client) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return Parse(data, client)
}

// Parse builds a catalog from YAML bytes.
func Parse(data []byte, client *http.Client) (*Catalog, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	var spec FileSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	tools := make([]Tool, 0, len(spec.Tools))
	for _, ts := range spec.Tools {
		risk, err := domain.ParseRiskLevel(ts.Risk)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", ts.Name, err)
		}
		if ts.Endpoint == "" {
			return nil, fmt.Errorf("tool %s: endpoint is required", ts.Name)
		}
		tools = append(tools, Tool{
			Name:        ts.Name,
			Description: ts.Description,
			Risk:        risk,
			Parameters:  ts.Parameters,
			Invoke:      HTTPInvoker(client, ts),
			Sequential:  ts.Sequential,
		})
	}
	return New(tools...)
}

// HTTPInvoker returns an invoker that sends the arguments as a JSON body to
// the tool's endpoint and maps the response status to an error kind.
func HTTPInvoker(client *http.Client, ts ToolSpec) Invoker {
	method := ts.Method
	if method == "" {
		method = http.MethodPost
	}
	return func(ctx context.Context, args map[string]any) (json.RawMessage, error) {
		if missing := MissingRequired(ts.Parameters, args); len(missing) > 0 {
			return nil, InvalidArgument("missing required arguments %v", missing)
		}
		body, err := json.Marshal(args)
		if err != nil {
			return nil, InvalidArgument("encode arguments: %v", err)
		}

		req, err := http.NewRequestWithContext(ctx, method, ts.Endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, Fatal(fmt.Errorf("build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range ts.Headers {
			req.Header.Set(k, os.ExpandEnv(v))
		}

		resp, err := client.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, Fatal(err)
			}
			return nil, Transient(err)
		}
		defer func() { _ = resp.Body.Close() }()

		payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if err != nil {
			return nil, Transient(fmt.Errorf("read response: %w", err))
		}
		if err := statusError(resp.StatusCode, payload); err != nil {
			return nil, err
		}
		if len(bytes.TrimSpace(payload)) == 0 {
			return json.RawMessage(`null`), nil
		}
		if !json.Valid(payload) {
			quoted, _ := json.Marshal(string(payload))
			return quoted, nil
		}
		return payload, nil
	}
}

func statusError(code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	msg := fmt.Sprintf("backend returned %d: %s", code, truncate(string(body), 256))
	switch {
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return &Error{Kind: KindInvalidArgument, Message: msg}
	case code == http.StatusNotFound:
		return &Error{Kind: KindNotFound, Message: msg}
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return &Error{Kind: KindTransient, Message: msg}
	}
	return &Error{Kind: KindFatal, Message: msg}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
