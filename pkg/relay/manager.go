// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// UserSnapshot is the slice of a user's persisted record the manager needs
// to start a session. An empty Credential means none is stored.
type UserSnapshot struct {
	UserID      string
	DisplayName string
	Credential  string
	Filter      Filter
	Active      bool
}

// UserSource provides read access to persisted user state. Implementations
// must be safe for concurrent use; the manager issues one call per
// operation and never holds a lock across them.
type UserSource interface {
	Snapshot(ctx context.Context, userID string) (UserSnapshot, error)
	ActiveUserIDs(ctx context.Context) ([]string, error)
}

// SessionListener is the manager's view of a listener. *Listener satisfies
// it; tests substitute fakes.
type SessionListener interface {
	Connect(ctx context.Context) error
	Disconnect()
	State() ListenerState
}

// ListenerFactory builds a listener from its config.
type ListenerFactory func(cfg ListenerConfig) SessionListener

const (
	defaultConnectTimeout   = 30 * time.Second
	defaultStartConcurrency = 8
	notifyTimeout           = 10 * time.Second
)

// ManagerConfig carries the session manager's collaborators and tuning.
type ManagerConfig struct {
	ServerURL string
	Users     UserSource
	Notifier  Notifier
	// SkipUserIDs is handed to every listener; see ListenerConfig.
	SkipUserIDs []string
	// ConnectTimeout bounds a single listener's connection attempt.
	ConnectTimeout time.Duration
	// StartConcurrency bounds how many sessions StartAll connects at once.
	StartConcurrency int
	// NewListener and Dial are test seams; both default to the real thing.
	NewListener ListenerFactory
	Dial        StreamDialer
	Log         zerolog.Logger
}

// SessionManager owns the user id → listener mapping and its lifecycle
// operations. At most one live listener exists per user id at any time.
// Operations on the same user id are serialized; operations on different
// user ids proceed independently.
type SessionManager struct {
	cfg ManagerConfig
	log zerolog.Logger

	mu       sync.Mutex
	sessions map[string]SessionListener
	locks    map[string]*sync.Mutex
}

// NewSessionManager creates a manager with no running sessions.
func NewSessionManager(cfg ManagerConfig) *SessionManager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.StartConcurrency <= 0 {
		cfg.StartConcurrency = defaultStartConcurrency
	}
	if cfg.NewListener == nil {
		cfg.NewListener = func(lc ListenerConfig) SessionListener {
			return NewListener(lc)
		}
	}
	return &SessionManager{
		cfg:      cfg,
		log:      cfg.Log.With().Str("component", "session_manager").Logger(),
		sessions: make(map[string]SessionListener),
		locks:    make(map[string]*sync.Mutex),
	}
}

// userLock returns the per-user operation mutex, creating it on first use.
func (m *SessionManager) userLock(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lk, ok := m.locks[userID]
	if !ok {
		lk = &sync.Mutex{}
		m.locks[userID] = lk
	}
	return lk
}

// takeSession removes and returns the user's current listener, if any.
func (m *SessionManager) takeSession(userID string) SessionListener {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.sessions[userID]
	if ok {
		delete(m.sessions, userID)
	}
	return l
}

func (m *SessionManager) putSession(userID string, l SessionListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[userID] = l
}

// Start starts (or replaces) the user's session from the latest persisted
// credential and filter snapshot. Any existing listener is torn down first,
// so exactly one listener per user id can ever be live. On failure no handle
// is stored, the user is notified once and the classified error is returned.
func (m *SessionManager) Start(ctx context.Context, userID string) error {
	lk := m.userLock(userID)
	lk.Lock()
	defer lk.Unlock()
	return m.startLocked(ctx, userID)
}

func (m *SessionManager) startLocked(ctx context.Context, userID string) error {
	snap, err := m.cfg.Users.Snapshot(ctx, userID)
	if err != nil {
		return err
	}
	if snap.Credential == "" || !snap.Active {
		return ErrNoCredential
	}

	if old := m.takeSession(userID); old != nil {
		old.Disconnect()
	}

	var lst SessionListener
	lst = m.cfg.NewListener(ListenerConfig{
		UserID:      userID,
		ServerURL:   m.cfg.ServerURL,
		Credential:  snap.Credential,
		Filter:      snap.Filter,
		Notifier:    m.cfg.Notifier,
		SkipUserIDs: m.cfg.SkipUserIDs,
		Dial:        m.cfg.Dial,
		OnClosed: func(uid string, cause error) {
			m.handleClosed(uid, lst, cause)
		},
		Log: m.cfg.Log,
	})

	connectCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	if err := lst.Connect(connectCtx); err != nil {
		m.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to start session")
		m.notify(userID, startFailureMessage(err))
		return err
	}

	m.putSession(userID, lst)
	m.log.Info().Str("user_id", userID).Msg("Session started")
	return nil
}

// Stop tears down the user's session if one is live. No-op otherwise, and
// safe to call repeatedly.
func (m *SessionManager) Stop(userID string) {
	lk := m.userLock(userID)
	lk.Lock()
	defer lk.Unlock()
	if old := m.takeSession(userID); old != nil {
		old.Disconnect()
		m.log.Info().Str("user_id", userID).Msg("Session stopped")
	}
}

// Restart tears down the user's session and starts a fresh one from the
// latest persisted state, picking up credential and filter changes. Returns
// ErrNotFound when the user has no record and ErrNoCredential when nothing
// can be started.
func (m *SessionManager) Restart(ctx context.Context, userID string) error {
	lk := m.userLock(userID)
	lk.Lock()
	defer lk.Unlock()
	if old := m.takeSession(userID); old != nil {
		old.Disconnect()
	}
	return m.startLocked(ctx, userID)
}

// StartAll starts a session for every active user with a stored credential.
// Per-user failures are isolated: they are logged and reported to the
// affected user, never to the caller. Returns how many sessions started.
func (m *SessionManager) StartAll(ctx context.Context) int {
	ids, err := m.cfg.Users.ActiveUserIDs(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("Failed to list active users")
		return 0
	}

	var started atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.StartConcurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := m.Start(gctx, id); err != nil {
				// Already logged and reported to the user by Start.
				return nil
			}
			started.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	m.log.Info().
		Int("candidates", len(ids)).
		Int64("started", started.Load()).
		Msg("Started all sessions")
	return int(started.Load())
}

// StopAll tears down every live session. Used on shutdown.
func (m *SessionManager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Stop(id)
	}
}

// IsRunning reports whether the user currently has a live listener.
func (m *SessionManager) IsRunning(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[userID]
	return ok
}

// CountRunning returns the number of live listeners.
func (m *SessionManager) CountRunning() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// handleClosed runs when a listener's event stream dies on its own. It
// removes the handle only if it is still the current one for the user (a
// concurrent Start may already have replaced it) and reports the loss to
// the user. It deliberately avoids the per-user operation lock and
// Disconnect: it is invoked from the listener's own event loop.
func (m *SessionManager) handleClosed(userID string, lst SessionListener, cause error) {
	m.mu.Lock()
	current := m.sessions[userID] == lst
	if current {
		delete(m.sessions, userID)
	}
	m.mu.Unlock()
	if !current {
		return
	}

	m.log.Warn().Err(cause).Str("user_id", userID).Msg("Session lost")
	m.notify(userID, "Monitoring connection lost. Send `restart` to reconnect.")
}

// notify sends a best-effort operational message to the user.
func (m *SessionManager) notify(userID, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := m.cfg.Notifier.Send(ctx, userID, text); err != nil {
		m.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to deliver operational notification")
	}
}

// startFailureMessage maps a connect error to the user-facing report.
func startFailureMessage(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCredential):
		return "Failed to start monitoring: the backend rejected your access token. Send `login <token>` with a fresh one."
	case errors.Is(err, ErrNetwork):
		return "Failed to start monitoring: could not reach the backend. Send `restart` to try again."
	default:
		return "Failed to start monitoring: " + err.Error()
	}
}
