// Package session manages session lifecycle: creation, lookup through the
// hot cache, settings changes and idle expiry.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ashureev/agentrun/internal/domain"
	"github.com/ashureev/agentrun/internal/hotcache"
	"github.com/ashureev/agentrun/internal/metrics"
	"github.com/ashureev/agentrun/internal/store"
)

// Errors returned by Manager.
var (
	ErrNotFound        = errors.New("session not found")
	ErrClosed          = errors.New("session closed")
	ErrInvalidAutonomy = errors.New("invalid autonomy level")
)

// Publisher receives session lifecycle events.
type Publisher interface {
	Publish(ev domain.Event) domain.Event
}

// Config controls idle detection and expiry.
type Config struct {
	// IdleAfter marks an active session idle after this long without activity.
	IdleAfter time.Duration
	// TTL closes a session after this long without activity.
	TTL time.Duration
	// SweepInterval is how often the expiry worker runs.
	SweepInterval time.Duration
	// DefaultAutonomy applies when Create is given an invalid level.
	DefaultAutonomy domain.AutonomyLevel
}

// DefaultConfig returns 15m idle, 24h TTL, 1m sweep, SUPERVISED default.
func DefaultConfig() Config {
	return Config{
		IdleAfter:       15 * time.Minute,
		TTL:             24 * time.Hour,
		SweepInterval:   time.Minute,
		DefaultAutonomy: domain.AutonomySupervised,
	}
}

// CloseCallback runs after a session has been closed.
type CloseCallback func(sessionID string)

// Manager owns session state. Writes to one session are serialized; the
// durable store is updated before the cache.
type Manager struct {
	repo    store.Repository
	cache   hotcache.Cache
	bus     Publisher
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	fill  singleflight.Group
	locks sync.Map // session id -> *sync.Mutex

	cbMu    sync.RWMutex
	onClose []CloseCallback
}

// Option configures a Manager.
type Option func(*Manager)

// WithCache sets the hot cache. Without it every read goes to the store.
func WithCache(c hotcache.Cache) Option {
	return func(m *Manager) { m.cache = c }
}

// WithPublisher sets where lifecycle events go.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) { m.bus = p }
}

// WithMetrics enables instrumentation.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a session manager.
func NewManager(repo store.Repository, cfg Config, opts ...Option) *Manager {
	d := DefaultConfig()
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = d.IdleAfter
	}
	if cfg.TTL <= 0 {
		cfg.TTL = d.TTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = d.SweepInterval
	}
	if !cfg.DefaultAutonomy.Valid() {
		cfg.DefaultAutonomy = d.DefaultAutonomy
	}
	m := &Manager{
		repo:   repo,
		cache:  hotcache.Nop{},
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// OnClose registers a callback invoked after a session is closed.
func (m *Manager) OnClose(cb CloseCallback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onClose = append(m.onClose, cb)
}

func (m *Manager) lock(id string) func() {
	v, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Create starts a new active session for principal.
func (m *Manager) Create(ctx context.Context, principal string, autonomy domain.AutonomyLevel) (*domain.Session, error) {
	if principal == "" {
		return nil, errors.New("principal is required")
	}
	if !autonomy.Valid() {
		autonomy = m.cfg.DefaultAutonomy
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}
	now := m.now().UTC()
	s := domain.Session{
		ID:             id.String(),
		Principal:      principal,
		Autonomy:       autonomy,
		Status:         domain.SessionActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	unlock := m.lock(s.ID)
	defer unlock()
	if err := m.save(ctx, s); err != nil {
		return nil, err
	}

	m.metrics.SessionLifecycle("created")
	m.publish(s.ID, domain.EventSessionCreated, map[string]any{
		"principal": principal,
		"autonomy":  autonomy.String(),
	})
	m.logger.Info("session created", "session_id", s.ID, "principal", principal, "autonomy", autonomy.String())
	return s.Clone(), nil
}

// Get returns a session, reading the hot cache first.
func (m *Manager) Get(ctx context.Context, id string) (*domain.Session, error) {
	if s, hit, err := m.cache.Get(ctx, id); err != nil {
		m.logger.Warn("session cache read failed", "session_id", id, "error", err)
	} else if hit {
		m.metrics.CacheLookup(true)
		return s.Clone(), nil
	}
	m.metrics.CacheLookup(false)

	v, err, _ := m.fill.Do(id, func() (any, error) {
		unlock := m.lock(id)
		defer unlock()
		s, err := m.load(ctx, id)
		if err != nil {
			return nil, err
		}
		m.cachePut(ctx, s)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	s := v.(domain.Session)
	return s.Clone(), nil
}

// Touch records activity. An idle session becomes active again.
func (m *Manager) Touch(ctx context.Context, id string) (*domain.Session, error) {
	return m.update(ctx, id, func(s *domain.Session) (domain.EventType, map[string]any, error) {
		if s.Status == domain.SessionIdle {
			s.Status = domain.SessionActive
			m.metrics.SessionLifecycle("reactivated")
			return domain.EventSessionUpdated, map[string]any{"status": string(s.Status)}, nil
		}
		return "", nil, nil
	})
}

// SetAutonomy changes the session's autonomy level.
func (m *Manager) SetAutonomy(ctx context.Context, id string, level domain.AutonomyLevel) (*domain.Session, error) {
	if !level.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAutonomy, int(level))
	}
	return m.update(ctx, id, func(s *domain.Session) (domain.EventType, map[string]any, error) {
		if s.Autonomy == level {
			return "", nil, nil
		}
		prev := s.Autonomy
		s.Autonomy = level
		return domain.EventSessionUpdated, map[string]any{
			"autonomy":          level.String(),
			"previous_autonomy": prev.String(),
		}, nil
	})
}

// SetRequireConfirmation changes the confirmation flag.
func (m *Manager) SetRequireConfirmation(ctx context.Context, id string, require bool) (*domain.Session, error) {
	return m.update(ctx, id, func(s *domain.Session) (domain.EventType, map[string]any, error) {
		if s.RequireConfirmation == require {
			return "", nil, nil
		}
		s.RequireConfirmation = require
		return domain.EventSessionUpdated, map[string]any{"require_confirmation": require}, nil
	})
}

// Close closes a session. Closing an already closed session is a no-op.
func (m *Manager) Close(ctx context.Context, id string) error {
	return m.close(ctx, id, "closed")
}

func (m *Manager) close(ctx context.Context, id, reason string) error {
	unlock := m.lock(id)
	s, err := m.load(ctx, id)
	if err != nil {
		unlock()
		return err
	}
	if s.IsClosed() {
		unlock()
		return nil
	}
	s.Status = domain.SessionClosed
	if err := m.repo.PutSession(ctx, s); err != nil {
		unlock()
		return fmt.Errorf("persist session %s: %w", id, err)
	}
	if err := m.cache.Delete(ctx, id); err != nil {
		m.logger.Warn("session cache delete failed", "session_id", id, "error", err)
	}
	unlock()

	m.metrics.SessionLifecycle("closed")
	m.publish(id, domain.EventSessionClosed, map[string]any{"reason": reason})
	m.logger.Info("session closed", "session_id", id, "reason", reason)

	m.cbMu.RLock()
	callbacks := append([]CloseCallback(nil), m.onClose...)
	m.cbMu.RUnlock()
	for _, cb := range callbacks {
		cb(id)
	}
	return nil
}

type mutation func(s *domain.Session) (domain.EventType, map[string]any, error)

// update applies fn to the stored session under the session lock. Every
// update counts as activity.
func (m *Manager) update(ctx context.Context, id string, fn mutation) (*domain.Session, error) {
	unlock := m.lock(id)
	defer unlock()

	s, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.IsClosed() {
		return nil, ErrClosed
	}
	typ, data, err := fn(&s)
	if err != nil {
		return nil, err
	}
	s.LastActivityAt = m.now().UTC()
	if err := m.save(ctx, s); err != nil {
		return nil, err
	}
	if typ != "" {
		m.publish(id, typ, data)
	}
	return s.Clone(), nil
}

func (m *Manager) load(ctx context.Context, id string) (domain.Session, error) {
	s, err := m.repo.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Session{}, ErrNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("load session %s: %w", id, err)
	}
	return s, nil
}

func (m *Manager) save(ctx context.Context, s domain.Session) error {
	if err := m.repo.PutSession(ctx, s); err != nil {
		return fmt.Errorf("persist session %s: %w", s.ID, err)
	}
	m.cachePut(ctx, s)
	return nil
}

func (m *Manager) cachePut(ctx context.Context, s domain.Session) {
	if s.IsClosed() {
		return
	}
	if err := m.cache.Put(ctx, s, m.cfg.IdleAfter); err != nil {
		m.logger.Warn("session cache write failed", "session_id", s.ID, "error", err)
	}
}

func (m *Manager) publish(sessionID string, typ domain.EventType, data map[string]any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(domain.NewEvent(sessionID, typ, data))
}
