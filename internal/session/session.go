// Package session maps shopper session ids to their principal and cart.
package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bookmart/internal/cart"
	"bookmart/internal/model"
	"bookmart/internal/state"
)

const (
	keyRoot      = "session/"
	principalKey = "principal"
)

// Principal is the authenticated identity bound to a session.
type Principal struct {
	Token    string     `json:"token"`
	Username string     `json:"username"`
	Role     model.Role `json:"role"`
	Address  string     `json:"address,omitempty"`
}

func (p Principal) LoggedIn() bool { return p.Token != "" }

// CanTransact reports whether the principal may use the cart and checkout.
func (p Principal) CanTransact() bool {
	return p.LoggedIn() && p.Role == model.RoleCustomer
}

// IsSeller reports whether the principal may manage listings.
func (p Principal) IsSeller() bool {
	return p.LoggedIn() && p.Role == model.RoleSeller
}

// NewID returns a fresh random session id.
func NewID() string { return uuid.NewString() }

// ValidID reports whether s looks like an id produced by NewID.
func ValidID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// Prefix is the storage namespace for one session.
func Prefix(id string) string { return keyRoot + id + "/" }

// KeyRoot is the prefix under which every session's data lives.
func KeyRoot() string { return keyRoot }

// Split breaks an absolute storage key into its session id and the key
// within that session.
func Split(key string) (id, rest string, ok bool) {
	if !strings.HasPrefix(key, keyRoot) {
		return "", "", false
	}
	id, rest, ok = strings.Cut(key[len(keyRoot):], "/")
	if !ok || id == "" || rest == "" {
		return "", "", false
	}
	return id, rest, true
}

// CartKey returns the absolute storage key of a session's cart.
func CartKey(id string) string { return Prefix(id) + cart.StorageKey }

// ObserverFactory builds the observer attached to a session's cart.
type ObserverFactory func(sessionID string) cart.Observer

// Manager owns the cart registry. Each session gets exactly one cart.Store,
// created and rehydrated the first time it is asked for. Open carts stay
// cached until evicted; EvictIdle bounds the cache to recently used sessions.
type Manager struct {
	store    state.Store
	log      logrus.FieldLogger
	cartOpts []cart.Option
	now      func() time.Time

	mu        sync.Mutex
	carts     map[string]*cart.Store
	lastUsed  map[string]time.Time
	factories []ObserverFactory
}

func NewManager(store state.Store, log logrus.FieldLogger, opts ...cart.Option) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		store:    store,
		log:      log,
		cartOpts: opts,
		now:      time.Now,
		carts:    make(map[string]*cart.Store),
		lastUsed: make(map[string]time.Time),
	}
}

// Subscribe attaches an observer built by f to every cart, including the
// ones already open.
func (m *Manager) Subscribe(f ObserverFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories = append(m.factories, f)
	for id, c := range m.carts {
		c.Subscribe(f(id))
	}
}

// Cart returns the session's cart, rehydrating it from storage on first use.
func (m *Manager) Cart(id string) *cart.Store {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastUsed[id] = m.now()
	if c, ok := m.carts[id]; ok {
		return c
	}
	log := m.log.WithField("session", id)
	c := cart.New(state.Scoped(m.store, Prefix(id)), log, m.cartOpts...)
	for _, f := range m.factories {
		c.Subscribe(f(id))
	}
	c.Rehydrate()
	m.carts[id] = c
	return c
}

// Principal returns the principal stored for the session. A missing or
// unreadable record is reported as anonymous.
func (m *Manager) Principal(id string) (Principal, bool, error) {
	raw, ok, err := m.store.Get(Prefix(id) + principalKey)
	if err != nil {
		return Principal{}, false, fmt.Errorf("load principal: %w", err)
	}
	if !ok {
		return Principal{}, false, nil
	}
	var p Principal
	if err := json.Unmarshal(raw, &p); err != nil {
		m.log.WithError(err).WithField("session", id).Warn("discarding unreadable principal")
		return Principal{}, false, nil
	}
	return p, p.LoggedIn(), nil
}

func (m *Manager) SetPrincipal(id string, p Principal) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode principal: %w", err)
	}
	if err := m.store.Set(Prefix(id)+principalKey, raw); err != nil {
		return fmt.Errorf("save principal: %w", err)
	}
	return nil
}

// Forget logs the session out. The cart is kept.
func (m *Manager) Forget(id string) error {
	if err := m.store.Delete(Prefix(id) + principalKey); err != nil {
		return fmt.Errorf("forget principal: %w", err)
	}
	return nil
}

// EvictIdle drops every cart not asked for within maxIdle and returns how
// many were dropped; the next Cart call rebuilds it from storage. Mutations
// are persisted before they return, so nothing is lost. maxIdle must be far
// longer than any request, since a handler still holding an evicted cart
// would race the reloaded one.
func (m *Manager) EvictIdle(maxIdle time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-maxIdle)
	n := 0
	for id, t := range m.lastUsed {
		if t.Before(cutoff) {
			delete(m.carts, id)
			delete(m.lastUsed, id)
			n++
		}
	}
	if n > 0 {
		m.log.WithFields(logrus.Fields{"evicted": n, "open": len(m.carts)}).Debug("evicted idle carts")
	}
	return n
}

