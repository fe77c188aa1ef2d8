// Package auth owns the CEM credential: bearer token, session cookie and
// expiry, treated as one atomic unit. It refreshes proactively before expiry
// and on demand when a poll sees a 401.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cemwatch/cemwatch/pkg/cemapi"
)

// ErrNoCredential is returned when no valid token could be obtained.
var ErrNoCredential = errors.New("no credential available")

// refreshMargin is the default for how long before expiry the proactive
// refresh fires, and also the minimum delay between two proactive refreshes.
const refreshMargin = 5 * time.Minute

// refreshTimeout bounds the background refresh triggered by the timer.
const refreshTimeout = 2 * time.Minute

// Credential is the bearer token + session cookie + expiry triple. It is
// only ever replaced whole; a reader never observes a new token with a stale
// cookie or vice versa.
type Credential struct {
	Token      string
	Cookie     string
	ValidUntil time.Time
}

// Manager authenticates against the CEM API and keeps the credential fresh.
type Manager struct {
	client   *cemapi.Client
	username string
	password string

	// authMu serializes authenticate calls so concurrent EnsureToken
	// callers collapse onto one network call. It is never held together
	// with mu across a network call.
	authMu sync.Mutex

	mu      sync.Mutex
	cred    *Credential
	timer   *time.Timer
	stopped bool
	margin  time.Duration

	nowFunc func() time.Time
}

// NewManager creates a manager. It performs no network call until EnsureToken.
func NewManager(client *cemapi.Client, username, password string) *Manager {
	return &Manager{
		client:   client,
		username: username,
		password: password,
		margin:   refreshMargin,
		nowFunc:  time.Now,
	}
}

// SetNowFunc overrides the clock, for tests.
func (m *Manager) SetNowFunc(f func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nowFunc = f
}

// SetRefreshMargin overrides the proactive refresh margin, for tests.
func (m *Manager) SetRefreshMargin(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.margin = d
}

// current returns the stored credential if it has not passed its expiry.
func (m *Manager) current() (token, cookie string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred != nil && m.nowFunc().Before(m.cred.ValidUntil) {
		return m.cred.Token, m.cred.Cookie, true
	}
	return "", "", false
}

// EnsureToken returns a valid token and cookie, authenticating only when the
// stored credential is missing or past its expiry. The network call runs
// outside the state mutex so IsConnected and TokenExpiry stay responsive
// while an authenticate is in flight.
func (m *Manager) EnsureToken(ctx context.Context) (token, cookie string, err error) {
	if token, cookie, ok := m.current(); ok {
		return token, cookie, nil
	}

	m.authMu.Lock()
	defer m.authMu.Unlock()

	// Another caller may have refreshed while this one waited.
	if token, cookie, ok := m.current(); ok {
		return token, cookie, nil
	}
	return m.authenticate(ctx)
}

// ForceRefresh discards the stored credential and authenticates again. Used
// when the backend answered 401 despite an unexpired token.
func (m *Manager) ForceRefresh(ctx context.Context) error {
	m.authMu.Lock()
	defer m.authMu.Unlock()

	m.mu.Lock()
	m.cred = nil
	m.mu.Unlock()

	_, _, err := m.authenticate(ctx)
	return err
}

// authenticate performs one authenticate call, replaces the credential and
// re-arms the proactive refresh timer. Callers hold authMu; m.mu is only
// taken to swap the credential, never across the network call.
func (m *Manager) authenticate(ctx context.Context) (string, string, error) {
	result, err := m.client.Authenticate(ctx, m.username, m.password)
	if err != nil {
		log.Printf("cem auth failed: %v", err)
		return "", "", fmt.Errorf("%w: %w", ErrNoCredential, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.cred = &Credential{
		Token:      result.AccessToken,
		Cookie:     result.Cookie,
		ValidUntil: result.ValidTo,
	}

	untilExpiry := m.cred.ValidUntil.Sub(m.nowFunc())
	log.Printf("cem auth ok: token valid for %s, cookie %s",
		untilExpiry.Round(time.Second), presence(m.cred.Cookie))

	m.rearmLocked(untilExpiry)
	return m.cred.Token, m.cred.Cookie, nil
}

// rearmLocked schedules the next proactive refresh: one margin before expiry,
// but never sooner than one margin from now.
func (m *Manager) rearmLocked(untilExpiry time.Duration) {
	if m.stopped {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}

	delay := untilExpiry - m.margin
	if delay < m.margin {
		delay = m.margin
	}

	m.timer = time.AfterFunc(delay, m.refreshTick)
}

// refreshTick runs in the timer goroutine: refresh the credential and let the
// successful authenticate re-arm the timer.
func (m *Manager) refreshTick() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	if err := m.ForceRefresh(ctx); err != nil {
		log.Printf("cem auth: proactive refresh failed: %v", err)
		// Re-arm so a transient outage does not end the refresh loop.
		m.mu.Lock()
		m.rearmLocked(0)
		m.mu.Unlock()
	}
}

// Stop cancels the proactive refresh loop. A stopped manager never fires the
// timer again, not even one already pending.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Credential returns a copy of the current credential, if any.
func (m *Manager) Credential() (Credential, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred == nil {
		return Credential{}, false
	}
	return *m.cred, true
}

// IsConnected reports whether an unexpired token is held.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cred != nil && m.nowFunc().Before(m.cred.ValidUntil)
}

// TokenExpiry returns the current token's expiry instant, if a token is held.
func (m *Manager) TokenExpiry() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred == nil {
		return time.Time{}, false
	}
	return m.cred.ValidUntil, true
}

func presence(s string) string {
	if s == "" {
		return "NOT present"
	}
	return "present"
}
