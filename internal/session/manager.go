package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mhc-wallet/mhc_wallet/internal/changefeed"
	"github.com/mhc-wallet/mhc_wallet/internal/payments"
	"github.com/mhc-wallet/mhc_wallet/internal/wallet"
)

// Manager keeps one Session per signed-in subject.
type Manager struct {
	wallets  *wallet.Service
	payments *payments.Service
	feed     changefeed.Subscriber
	opts     Options
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager builds a session manager. feed may be nil, in which case views
// only change through explicit operations.
func NewManager(wallets *wallet.Service, pay *payments.Service, feed changefeed.Subscriber, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		wallets:  wallets,
		payments: pay,
		feed:     feed,
		opts:     opts.withDefaults(),
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Get returns the live session for subjectID, starting one if needed.
// Concurrent callers share a single session.
func (m *Manager) Get(ctx context.Context, subjectID string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[subjectID]
	if !ok {
		s = newSession(subjectID, m.wallets, m.payments, m.feed, m.opts, m.logger)
		m.sessions[subjectID] = s
	}
	m.mu.Unlock()

	if err := s.init(ctx); err != nil {
		m.mu.Lock()
		if m.sessions[subjectID] == s {
			delete(m.sessions, subjectID)
		}
		m.mu.Unlock()
		s.Close()
		return nil, err
	}
	if !ok {
		m.logger.Info("session started", slog.String("account_id", subjectID))
	}
	return s, nil
}

// OnSignIn starts the session of a freshly authenticated subject.
func (m *Manager) OnSignIn(ctx context.Context, subjectID string) error {
	_, err := m.Get(ctx, subjectID)
	return err
}

// OnSignOut tears the subject's session down.
func (m *Manager) OnSignOut(subjectID string) {
	m.End(subjectID)
}

// End closes and forgets the session of subjectID, if any.
func (m *Manager) End(subjectID string) {
	m.mu.Lock()
	s, ok := m.sessions[subjectID]
	delete(m.sessions, subjectID)
	m.mu.Unlock()
	if ok {
		s.Close()
		m.logger.Info("session ended", slog.String("account_id", subjectID))
	}
}

// Active returns the number of live sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown closes every session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}
