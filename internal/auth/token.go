// Package auth manages the access/refresh token pair consumed by the
// API clients and the hub manager. Sign-in itself happens outside this
// core; tokens arrive via SetTokens (or the cached pair in the state
// database) and are kept fresh through the refresh endpoint.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/awheeler/fieldsync/internal/api"
	fserrors "github.com/awheeler/fieldsync/internal/errors"
	"github.com/awheeler/fieldsync/internal/state"
)

// TokenProvider is the contract the hub manager depends on: read the
// current access token, or force a refresh before a reconnect attempt.
type TokenProvider interface {
	AccessToken() string
	Refresh(ctx context.Context) error
}

// refresher is the subset of the API client the manager needs.
type refresher interface {
	RefreshTokens(ctx context.Context, refreshToken string) (*api.RefreshResponse, error)
}

// Manager caches the token pair in memory and mirrors it to the state
// database. Safe for concurrent use.
type Manager struct {
	mu      sync.RWMutex
	access  string
	refresh string

	client refresher
	st     *state.State
	logger *slog.Logger
}

// NewManager creates a token manager, restoring any cached pair from
// st. A nil st disables persistence (tests).
func NewManager(client refresher, st *state.State, logger *slog.Logger) *Manager {
	m := &Manager{client: client, st: st, logger: logger}

	if st != nil {
		m.access = st.Token()
		m.refresh = st.RefreshToken()
		if m.access != "" {
			logger.Debug("restored cached access token")
		}
	}

	return m
}

// AccessToken returns the current access token, or empty string when
// signed out.
func (m *Manager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.access
}

// SignedIn reports whether an access token is present.
func (m *Manager) SignedIn() bool {
	return m.AccessToken() != ""
}

// SetTokens installs a new token pair (e.g. after an external sign-in)
// and persists it. Persistence failures are logged, not returned: the
// in-memory pair is what this run authenticates with.
func (m *Manager) SetTokens(access, refresh string) {
	m.mu.Lock()
	m.access = access
	m.refresh = refresh
	m.mu.Unlock()

	m.persist(access, refresh)
}

// Refresh exchanges the refresh token for a fresh pair. On failure the
// existing pair is kept so callers can decide whether to retry.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.RLock()
	refresh := m.refresh
	m.mu.RUnlock()

	if refresh == "" {
		return fmt.Errorf("%w: no refresh token", fserrors.ErrTokenRefresh)
	}

	resp, err := m.client.RefreshTokens(ctx, refresh)
	if err != nil {
		return fmt.Errorf("%w: %v", fserrors.ErrTokenRefresh, err)
	}

	m.mu.Lock()
	m.access = resp.AccessToken
	if resp.RefreshToken != "" {
		m.refresh = resp.RefreshToken
	}
	access, refreshTok := m.access, m.refresh
	m.mu.Unlock()

	m.persist(access, refreshTok)
	m.logger.Debug("access token refreshed")

	return nil
}

func (m *Manager) persist(access, refresh string) {
	if m.st == nil {
		return
	}

	if err := m.st.SetToken(access); err != nil {
		m.logger.Warn("failed to persist access token", slog.String("error", err.Error()))
	}
	if err := m.st.SetRefreshToken(refresh); err != nil {
		m.logger.Warn("failed to persist refresh token", slog.String("error", err.Error()))
	}
}
