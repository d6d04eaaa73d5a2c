// Package creds holds the bearer credential shared by the REST client and
// the real-time link, and notifies interested components when it changes.
package creds

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/rbarroso/converse/internal/bus"
)

// Source is the owner of the current bearer token. An empty token means
// logged out; the transport disconnects when the token is cleared.
type Source struct {
	mu        sync.RWMutex
	token     string
	listeners map[int]func(token string)
	next      int
	bus       *bus.Bus
}

// NewSource creates a source with no credential.
func NewSource(b *bus.Bus) *Source {
	return &Source{
		listeners: make(map[int]func(string)),
		bus:       b,
	}
}

// Token returns the current bearer token, or empty if none is set.
func (s *Source) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// SetToken installs a new bearer token and notifies listeners.
func (s *Source) SetToken(token string) {
	s.update(token)
}

// Clear removes the credential and notifies listeners with an empty token.
func (s *Source) Clear() {
	s.update("")
}

func (s *Source) update(token string) {
	s.mu.Lock()
	if s.token == token {
		s.mu.Unlock()
		return
	}
	s.token = token
	fns := make([]func(string), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(token)
	}
	if s.bus != nil {
		s.bus.Emit(bus.KindCredsChanged, token != "")
	}
}

// OnChange registers fn to run whenever the token is set or cleared.
// Returns a cancel function removing the registration.
func (s *Source) OnChange(fn func(token string)) func() {
	s.mu.Lock()
	id := s.next
	s.next++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// UserID returns the sub claim of the current token, identifying the
// authenticated user. Returns empty if no token is set or the token
// carries no usable sub claim.
func (s *Source) UserID() string {
	token := s.Token()
	if token == "" {
		return ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(token, claims); err != nil {
		return ""
	}
	sub, _ := claims["sub"].(string)
	return sub
}

// Expiry returns the exp claim of the current token. The token is parsed
// without signature verification: the server owns validation. Returns
// false if no token is set or the token carries no usable exp claim.
func (s *Source) Expiry() (time.Time, bool) {
	token := s.Token()
	if token == "" {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, ok := claims["exp"].(float64)
	if !ok || exp <= 0 {
		return time.Time{}, false
	}
	return time.Unix(int64(exp), 0), true
}
