// Package catalog holds the immutable set of tools the runtime may call.
//
// A Catalog is built once at process start and passed by reference to the
// components that need it. It is never modified afterwards, so it is safe
// for concurrent use without locking.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/ashureev/agentrun/internal/domain"
)

// Sentinel errors for catalog construction.
var (
	ErrEmptyName     = errors.New("tool name is empty")
	ErrAlreadyExists = errors.New("tool already registered")
	ErrNoInvoker     = errors.New("tool has no invoker")
)

// Invoker runs a tool with decoded arguments and returns its JSON payload.
// Failures should be reported as *Error so the executor can tell retryable
// ones apart.
type Invoker func(ctx context.Context, args map[string]any) (json.RawMessage, error)

// Tool is one named operation with a declared risk.
type Tool struct {
	Name        string
	Description string
	Risk        domain.RiskLevel
	Parameters  map[string]any
	Invoke      Invoker
	// Sequential tools run after every call proposed before them in the
	// same batch and are skipped if one of those fails.
	Sequential bool
}

// Schema is the model-facing description of a tool.
type Schema struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Risk        domain.RiskLevel `json:"risk"`
	Parameters  map[string]any   `json:"parameters,omitempty"`
}

// Catalog is an immutable name -> tool registry.
type Catalog struct {
	tools map[string]Tool
	names []string
}

// New builds a catalog from tools. Names must be unique and non-empty.
func New(tools ...Tool) (*Catalog, error) {
	c := &Catalog{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if t.Name == "" {
			return nil, ErrEmptyName
		}
		if t.Invoke == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoInvoker, t.Name)
		}
		if !t.Risk.Valid() {
			return nil, fmt.Errorf("tool %s: invalid risk level %d", t.Name, int(t.Risk))
		}
		if _, exists := c.tools[t.Name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, t.Name)
		}
		c.tools[t.Name] = t
		c.names = append(c.names, t.Name)
	}
	sort.Strings(c.names)
	return c, nil
}

// Lookup returns the tool registered under name.
func (c *Catalog) Lookup(name string) (Tool, bool) {
	t, ok := c.tools[name]
	return t, ok
}

// Risk returns the declared risk of the named tool.
func (c *Catalog) Risk(name string) (domain.RiskLevel, bool) {
	t, ok := c.tools[name]
	if !ok {
		return domain.RiskReadOnly, false
	}
	return t.Risk, true
}

// Names returns all tool names in sorted order.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.names...)
}

// Len returns the number of tools.
func (c *Catalog) Len() int {
	return len(c.names)
}

// Schemas returns model-facing descriptions of all tools in sorted order.
func (c *Catalog) Schemas() []Schema {
	out := make([]Schema, 0, len(c.names))
	for _, name := range c.names {
		t := c.tools[name]
		out = append(out, Schema{
			Name:        t.Name,
			Description: t.Description,
			Risk:        t.Risk,
			Parameters:  t.Parameters,
		})
	}
	return out
}
