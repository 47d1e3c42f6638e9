// Package session manages the bearer token PAM's Cloud DB and Object
// Store proxies present to the backend: parsing it for expiry and
// machine-scope claims, and refreshing it in the background before it
// lapses so in-flight requests never stall on a synchronous refresh.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the subset of the backend's JWT claims PAM's proxies rely on:
// which machine the token is scoped to, used to enforce the
// robot_instance_id == machine_id invariant on every DB/object-store
// write.
type Claims struct {
	jwt.RegisteredClaims
	MachineID string `json:"machine_id"`
	OrgID     string `json:"org_id"`
}

// RefreshFunc exchanges the current token (or credentials held by the
// caller) for a fresh token string. Supplied by whichever proxy owns the
// actual login/refresh HTTP call.
type RefreshFunc func(ctx context.Context) (string, error)

// Manager holds the current token and keeps it fresh in the background.
// Reads (Token, Claims) never block on the network; a stale token is
// served until the background refresh completes.
type Manager struct {
	mu          sync.RWMutex
	token       string
	claims      *Claims
	refresh     RefreshFunc
	refreshSkew time.Duration // how long before expiry to refresh

	cancel context.CancelFunc
}

// NewManager constructs a Manager. refreshSkew controls how early before
// expiry the background loop renews the token; 0 defaults to one minute.
func NewManager(refresh RefreshFunc, refreshSkew time.Duration) *Manager {
	if refreshSkew <= 0 {
		refreshSkew = time.Minute
	}
	return &Manager{refresh: refresh, refreshSkew: refreshSkew}
}

// Bootstrap performs an initial synchronous fetch, parses claims, and
// starts the background renewer.
func (m *Manager) Bootstrap(ctx context.Context) error {
	if err := m.refreshNow(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()
	go m.run(ctx)
	return nil
}

// Stop halts the background renewer.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

// Token returns the current bearer token for use in an Authorization
// header.
func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

// Claims returns the current parsed claims, or nil before Bootstrap.
func (m *Manager) Claims() *Claims {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.claims
}

// MachineID returns the machine_id claim of the current token, used to
// scope every clouddb/objectstore write.
func (m *Manager) MachineID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.claims == nil {
		return ""
	}
	return m.claims.MachineID
}

func (m *Manager) refreshNow(ctx context.Context) error {
	tokenString, err := m.refresh(ctx)
	if err != nil {
		return fmt.Errorf("refreshing session token: %w", err)
	}
	claims, err := ParseUnverified(tokenString)
	if err != nil {
		return fmt.Errorf("parsing refreshed token: %w", err)
	}
	m.mu.Lock()
	m.token = tokenString
	m.claims = claims
	m.mu.Unlock()
	return nil
}

func (m *Manager) run(ctx context.Context) {
	for {
		m.mu.RLock()
		claims := m.claims
		m.mu.RUnlock()

		var wait time.Duration
		if claims != nil && claims.ExpiresAt != nil {
			wait = time.Until(claims.ExpiresAt.Time) - m.refreshSkew
		}
		if wait <= 0 {
			wait = m.refreshSkew
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
			if err := m.refreshNow(ctx); err != nil {
				// retry sooner; the backend may be transiently unavailable
				time.Sleep(5 * time.Second)
			}
		}
	}
}

// ParseUnverified extracts claims without verifying the signature — PAM
// is a client of this token, not its issuer, and has no signing key; the
// backend rejects any request with an invalid or expired token, so
// unverified parsing here only recovers the expiry and machine-scope
// claims for local refresh-scheduling and write-guard decisions.
func ParseUnverified(tokenString string) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return nil, err
	}
	return claims, nil
}
