package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kiranaai/voiceturn/internal/bridge"
	"github.com/kiranaai/voiceturn/internal/observability"
	"github.com/kiranaai/voiceturn/internal/voice"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

const stopTimeout = 3 * time.Second

var ErrNotFound = errors.New("session not found")

// Session is the registry's view of one conversation surface.
type Session struct {
	ID                string    `json:"session_id"`
	SurfaceID         string    `json:"surface_id"`
	Language          string    `json:"language"`
	Status            Status    `json:"status"`
	TurnCount         int       `json:"turn_count"`
	InterruptionCount int       `json:"interruption_count"`
	StartedAt         time.Time `json:"started_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
}

// Runtime is what a Factory builds for a session: the running loop and, for browser
// surfaces, the bridge the websocket attaches to.
type Runtime struct {
	Controller *voice.Controller
	Bridge     *bridge.Bridge
}

// Factory builds the runtime for a new session. The controller must not be running yet.
type Factory func(s Session) (*Runtime, error)

type entry struct {
	session     *Session
	rt          *Runtime
	cancel      context.CancelFunc
	unsubscribe func()
}

// Manager keeps at most one live controller per surface and stops controllers whose
// surface has gone quiet.
type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*entry
	sessionBySurface  map[string]string
	inactivityTimeout time.Duration
	factory           Factory
	clock             voice.Clock
	logger            *slog.Logger
	metrics           *observability.Metrics
	onExpire          func(*Session)
}

type Option func(*Manager)

func WithClock(c voice.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

func NewManager(inactivityTimeout time.Duration, factory Factory, opts ...Option) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 10 * time.Minute
	}
	m := &Manager{
		sessions:          make(map[string]*entry),
		sessionBySurface:  make(map[string]string),
		inactivityTimeout: inactivityTimeout,
		factory:           factory,
		clock:             voice.SystemClock(),
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) InactivityTimeout() time.Duration { return m.inactivityTimeout }

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Create starts a controller for surfaceID. A session already live on the same surface
// is stopped and replaced. An empty surfaceID gets a surface of its own.
func (m *Manager) Create(surfaceID, language string) (*Session, error) {
	if m.factory == nil {
		return nil, errors.New("session: no runtime factory configured")
	}
	now := m.clock.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		SurfaceID:      strings.TrimSpace(surfaceID),
		Language:       strings.TrimSpace(language),
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}
	if s.SurfaceID == "" {
		s.SurfaceID = s.ID
	}
	if s.Language == "" {
		s.Language = voice.DefaultLanguage
	}

	rt, err := m.factory(*s)
	if err != nil {
		return nil, fmt.Errorf("build session runtime: %w", err)
	}
	if rt == nil || rt.Controller == nil {
		return nil, errors.New("session: factory returned no controller")
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{session: s, rt: rt, cancel: cancel}
	id := s.ID
	e.unsubscribe = rt.Controller.Subscribe(func(n voice.Notification) { m.observe(id, n) })
	go func() {
		if err := rt.Controller.Run(ctx); err != nil {
			m.logger.Error("voice controller exited", "session_id", id, "error", err)
		}
	}()

	m.mu.Lock()
	var replaced *entry
	if prevID, ok := m.sessionBySurface[s.SurfaceID]; ok {
		replaced = m.sessions[prevID]
		delete(m.sessions, prevID)
	}
	m.sessions[s.ID] = e
	m.sessionBySurface[s.SurfaceID] = s.ID
	out := clone(s)
	m.mu.Unlock()

	if replaced != nil {
		m.logger.Info("session replaced", "surface_id", s.SurfaceID, "previous_session_id", replaced.session.ID)
		m.stop(replaced)
	}
	m.metrics.SessionOpened()
	m.logger.Info("session created", "session_id", s.ID, "surface_id", s.SurfaceID, "language", s.Language)
	return out, nil
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(e.session), nil
}

func (m *Manager) Runtime(sessionID string) (*Runtime, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return e.rt, nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	e.session.LastActivityAt = m.clock.Now().UTC()
	return nil
}

// End stops the session's controller and removes it from the registry.
func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	m.removeLocked(e)
	e.session.Status = StatusEnded
	e.session.LastActivityAt = m.clock.Now().UTC()
	out := clone(e.session)
	m.mu.Unlock()

	m.stop(e)
	return out, nil
}

// Close ends every session. It is used on shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		m.removeLocked(e)
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		m.stop(e)
	}
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) expireInactive() {
	now := m.clock.Now().UTC()
	var expired []*entry

	m.mu.Lock()
	for _, e := range m.sessions {
		if now.Sub(e.session.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		m.removeLocked(e)
		e.session.Status = StatusEnded
		expired = append(expired, e)
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, e := range expired {
		m.logger.Info("session expired", "session_id", e.session.ID, "idle", now.Sub(e.session.LastActivityAt))
		m.stop(e)
		if hook != nil {
			hook(clone(e.session))
		}
	}
}

// observe runs on the controller goroutine for every notification of the session.
func (m *Manager) observe(sessionID string, n voice.Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	e.session.LastActivityAt = n.At.UTC()
	switch n.Kind {
	case voice.NotifyTurn:
		e.session.TurnCount++
	case voice.NotifyBargeIn:
		e.session.InterruptionCount++
	}
}

func (m *Manager) removeLocked(e *entry) {
	delete(m.sessions, e.session.ID)
	if m.sessionBySurface[e.session.SurfaceID] == e.session.ID {
		delete(m.sessionBySurface, e.session.SurfaceID)
	}
}

// stop cancels the controller and waits for it to tear down. It must be called without
// m.mu held.
func (m *Manager) stop(e *entry) {
	e.unsubscribe()
	e.cancel()
	select {
	case <-e.rt.Controller.Done():
	case <-time.After(stopTimeout):
		m.logger.Warn("voice controller did not stop in time", "session_id", e.session.ID)
	}
	if e.rt.Bridge != nil {
		e.rt.Bridge.Detach()
	}
	m.metrics.SessionClosed()
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
