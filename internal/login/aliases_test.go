package login

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRegistry() (*AliasRegistry, *clock) {
	c := &clock{t: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	r := NewAliasRegistry()
	r.now = c.now
	return r, c
}

func TestReserveAlias(t *testing.T) {
	r, c := newTestRegistry()
	ttl := 120 * time.Second

	assert.True(t, r.Reserve("a", "s1", ttl))
	assert.False(t, r.Reserve("a", "s2", ttl), "live reservation held by another session")
	assert.True(t, r.Reserve("a", "s1", ttl), "same session may re-reserve")

	holder, ok := r.ReservedBy("a")
	assert.True(t, ok)
	assert.Equal(t, "s1", holder)

	c.advance(ttl)
	_, ok = r.ReservedBy("a")
	assert.False(t, ok)
	assert.True(t, r.Reserve("a", "s2", ttl), "expired reservation can be taken over")
}

func TestReserveExtendsForSameSession(t *testing.T) {
	r, c := newTestRegistry()

	assert.True(t, r.Reserve("a", "s1", time.Minute))
	c.advance(50 * time.Second)
	assert.True(t, r.Reserve("a", "s1", time.Minute))
	c.advance(50 * time.Second)
	assert.False(t, r.Reserve("a", "s2", time.Minute))
}

func TestReleaseAlias(t *testing.T) {
	r, _ := newTestRegistry()

	r.Reserve("a", "s1", time.Minute)
	assert.False(t, r.Release("a", "s2"))
	assert.True(t, r.Release("a", "s1"))
	assert.False(t, r.Release("a", "s1"))
	assert.True(t, r.Reserve("a", "s2", time.Minute))
	assert.True(t, r.Release("a", ""))
}

func TestCleanup(t *testing.T) {
	r, c := newTestRegistry()

	r.Reserve("old", "s1", time.Second)
	r.Reserve("new", "s2", time.Hour)
	c.advance(time.Minute)

	assert.Equal(t, 1, r.Cleanup())
	_, ok := r.ReservedBy("new")
	assert.True(t, ok)
}

func TestRegistrationCooldown(t *testing.T) {
	r, c := newTestRegistry()

	assert.True(t, r.CookieAllowed("ck"))
	r.RecordRegistration("ck", 600*time.Second)
	assert.False(t, r.CookieAllowed("ck"))
	assert.True(t, r.CookieAllowed("other"))

	c.advance(600 * time.Second)
	assert.True(t, r.CookieAllowed("ck"))
}
