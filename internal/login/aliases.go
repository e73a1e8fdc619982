package login

import (
	"sync"
	"time"
)

type reservation struct {
	sessionID string
	expires   time.Time
}

// AliasRegistry holds short-lived alias reservations for registrations in
// flight, plus the per-cookie registration cooldown. Both live in process
// memory: the worker that completes a registration runs in the process that
// started it.
type AliasRegistry struct {
	mu           sync.Mutex
	reservations map[string]reservation
	cookies      map[string]time.Time
	now          func() time.Time
}

// NewAliasRegistry creates an empty registry
func NewAliasRegistry() *AliasRegistry {
	return &AliasRegistry{
		reservations: make(map[string]reservation),
		cookies:      make(map[string]time.Time),
		now:          time.Now,
	}
}

// Reserve claims alias for sessionID until ttl elapses. It succeeds when the
// alias is free, expired, or already held by the same session (which extends
// the reservation), and fails without side effects otherwise.
func (r *AliasRegistry) Reserve(alias, sessionID string, ttl time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if cur, ok := r.reservations[alias]; ok && now.Before(cur.expires) && cur.sessionID != sessionID {
		return false
	}
	r.reservations[alias] = reservation{sessionID: sessionID, expires: now.Add(ttl)}
	return true
}

// Release drops the reservation on alias if sessionID holds it. An empty
// sessionID releases unconditionally.
func (r *AliasRegistry) Release(alias, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.reservations[alias]
	if !ok {
		return false
	}
	if sessionID != "" && cur.sessionID != sessionID {
		return false
	}
	delete(r.reservations, alias)
	return true
}

// ReservedBy returns the session holding a live reservation on alias
func (r *AliasRegistry) ReservedBy(alias string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.reservations[alias]
	if !ok || !r.now().Before(cur.expires) {
		return "", false
	}
	return cur.sessionID, true
}

// CookieAllowed reports whether cookie may start another registration
func (r *AliasRegistry) CookieAllowed(cookie string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	until, ok := r.cookies[cookie]
	if !ok {
		return true
	}
	if r.now().Before(until) {
		return false
	}
	delete(r.cookies, cookie)
	return true
}

// RecordRegistration starts the cooldown for cookie
func (r *AliasRegistry) RecordRegistration(cookie string, cooldown time.Duration) {
	if cooldown <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cookies[cookie] = r.now().Add(cooldown)
}

// Cleanup drops expired reservations and cooldowns, returning how many
// reservations were removed.
func (r *AliasRegistry) Cleanup() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for alias, cur := range r.reservations {
		if !now.Before(cur.expires) {
			delete(r.reservations, alias)
			removed++
		}
	}
	for cookie, until := range r.cookies {
		if !now.Before(until) {
			delete(r.cookies, cookie)
		}
	}
	return removed
}
