package executor

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashureev/agentrun/internal/catalog"
	"github.com/ashureev/agentrun/internal/domain"
)

// ExecuteBatch runs calls and returns one result per call, in input order.
//
// Calls without dependencies run concurrently on at most Workers goroutines.
// A call listing DependsOn runs in a later wave, after every call it depends
// on; if one of those did not succeed it is skipped with a fatal error.
// Calls whose dependencies cannot be resolved (unknown id or cycle) run one
// at a time after everything else. A failing call never cancels its siblings.
func (e *Executor) ExecuteBatch(ctx context.Context, sessionID string, calls []domain.ToolCall) []domain.ToolExecutionResult {
	results := make([]domain.ToolExecutionResult, len(calls))
	waves, unresolved := schedule(calls)

	index := make(map[string]int, len(calls))
	for i, c := range calls {
		index[c.ID] = i
	}
	done := make([]bool, len(calls))

	run := func(idx int) {
		call := calls[idx]
		for _, dep := range call.DependsOn {
			j, ok := index[dep]
			if !ok || !done[j] {
				continue
			}
			if !results[j].Succeeded() {
				res := domain.ToolExecutionResult{CallID: call.ID, Tool: call.Name}
				results[idx] = e.fail(sessionID, call, res, time.Now(),
					catalog.Fatal(fmt.Errorf("dependency %s did not succeed", dep)), false)
				return
			}
		}
		results[idx] = e.Execute(ctx, sessionID, call)
	}

	for _, wave := range waves {
		var g errgroup.Group
		g.SetLimit(e.cfg.Workers)
		for _, idx := range wave {
			g.Go(func() error {
				run(idx)
				return nil
			})
		}
		_ = g.Wait()
		for _, idx := range wave {
			done[idx] = true
		}
	}
	for _, idx := range unresolved {
		run(idx)
		done[idx] = true
	}
	return results
}

// schedule groups call indexes into dependency waves. Wave 0 holds calls
// with no dependencies; wave n holds calls whose deepest dependency is in
// wave n-1. Calls that depend on unknown ids or sit on a cycle are returned
// separately.
func schedule(calls []domain.ToolCall) ([][]int, []int) {
	index := make(map[string]int, len(calls))
	for i, c := range calls {
		if c.ID != "" {
			index[c.ID] = i
		}
	}

	const (
		unvisited = iota
		visiting
		resolved
		broken
	)
	state := make([]int, len(calls))
	level := make([]int, len(calls))

	var visit func(i int) bool
	visit = func(i int) bool {
		switch state[i] {
		case resolved:
			return true
		case visiting, broken:
			state[i] = broken
			return false
		}
		state[i] = visiting
		lvl := 0
		for _, dep := range calls[i].DependsOn {
			j, ok := index[dep]
			if !ok || j == i || !visit(j) {
				state[i] = broken
				return false
			}
			if level[j]+1 > lvl {
				lvl = level[j] + 1
			}
		}
		level[i] = lvl
		state[i] = resolved
		return true
	}

	var (
		waves      [][]int
		unresolved []int
	)
	for i := range calls {
		if !visit(i) {
			unresolved = append(unresolved, i)
		}
	}
	for i := range calls {
		if state[i] != resolved {
			continue
		}
		for len(waves) <= level[i] {
			waves = append(waves, nil)
		}
		waves[level[i]] = append(waves[level[i]], i)
	}
	return waves, unresolved
}
