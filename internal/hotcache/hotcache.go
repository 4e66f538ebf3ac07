// Package hotcache keeps recently used sessions close at hand so turn
// handling does not hit SQLite for every lookup.
//
// The cache is never authoritative. Writers update the durable store first
// and the cache second; readers that miss fall back to the store.
package hotcache

import (
	"context"
	"time"

	"github.com/ashureev/agentrun/internal/domain"
)

// Cache stores sessions with a time-to-live.
type Cache interface {
	Put(ctx context.Context, s domain.Session, ttl time.Duration) error
	Get(ctx context.Context, id string) (domain.Session, bool, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// Nop is a Cache that never holds anything.
type Nop struct{}

func (Nop) Put(context.Context, domain.Session, time.Duration) error { return nil }

func (Nop) Get(context.Context, string) (domain.Session, bool, error) {
	return domain.Session{}, false, nil
}

func (Nop) Delete(context.Context, string) error { return nil }

func (Nop) Close() error { return nil }
