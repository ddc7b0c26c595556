package httpapi

import (
	"fmt"
	"sync"
	"time"

	"smartretail/pos/internal/cart"
	"smartretail/pos/internal/payment"
	"smartretail/pos/internal/store"
	"smartretail/pos/internal/xid"
)

// sessionManager owns one cart per POS session and serializes all access to
// it. Carts are not safe for concurrent use on their own; every handler goes
// through withSession.
type sessionManager struct {
	mu       sync.Mutex
	sessions map[string]*session
	sales    store.SaleStore
	gateway  store.PaymentGateway
	verifier *payment.Validator
	idleTTL  time.Duration
}

type session struct {
	mu       sync.Mutex
	cart     *cart.Cart
	lastUsed time.Time
}

func newSessionManager(sales store.SaleStore, gateway store.PaymentGateway, verifier *payment.Validator) *sessionManager {
	return &sessionManager{
		sessions: make(map[string]*session),
		sales:    sales,
		gateway:  gateway,
		verifier: verifier,
		idleTTL:  12 * time.Hour,
	}
}

func (m *sessionManager) create() string {
	id := xid.New("sess")
	m.mu.Lock()
	m.sessions[id] = &session{
		cart:     cart.New(m.sales, m.gateway, m.verifier),
		lastUsed: time.Now(),
	}
	m.reapLocked()
	m.mu.Unlock()
	return id
}

// withSession runs fn while holding the session's lock, so cart operations
// from concurrent requests against the same session never interleave.
func (m *sessionManager) withSession(id string, fn func(c *cart.Cart) error) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: session %s", store.ErrNotFound, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsed = time.Now()
	return fn(s.cart)
}

// reapLocked drops sessions idle past the TTL. Called with m.mu held.
func (m *sessionManager) reapLocked() {
	cutoff := time.Now().Add(-m.idleTTL)
	for id, s := range m.sessions {
		if s.lastUsed.Before(cutoff) {
			delete(m.sessions, id)
		}
	}
}
