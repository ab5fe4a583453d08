package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCountersSub(t *testing.T) {
	current := Counters{In: 10, Out: 20, WireIn: 30, WireOut: 40}
	previous := Counters{In: 4, Out: 25, WireIn: 30, WireOut: 1}

	assert.Equal(t, Counters{In: 6, Out: 0, WireIn: 0, WireOut: 39}, current.Sub(previous))
	assert.True(t, current.Sub(current).IsZero())
}

func TestBanExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	permanent := &Ban{Mask: "*!*@bad.example"}
	assert.False(t, permanent.Expired(now))

	lapsed := &Ban{Mask: "x", ExpiresAt: now}
	assert.True(t, lapsed.Expired(now))

	active := &Ban{Mask: "x", ExpiresAt: now.Add(time.Minute)}
	assert.False(t, active.Expired(now))
}
