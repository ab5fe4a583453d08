package supervisor

import (
	"time"

	"github.com/jpillora/backoff"
)

// SpinPolicy configures respawn pacing for one worker kind
type SpinPolicy struct {
	// Threshold deaths within Window suppress respawning for Cooldown.
	Threshold int
	Window    time.Duration
	Cooldown  time.Duration

	// A process that stayed up at least StableAfter resets the death
	// history and the backoff.
	StableAfter time.Duration

	// MinDelay and MaxDelay bound the exponential respawn delay.
	MinDelay time.Duration
	MaxDelay time.Duration
}

// DefaultSpinPolicy returns the policy used when none is configured
func DefaultSpinPolicy() SpinPolicy {
	return SpinPolicy{
		Threshold:   5,
		Window:      10 * time.Second,
		Cooldown:    time.Minute,
		StableAfter: 30 * time.Second,
		MinDelay:    100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

func (p SpinPolicy) withDefaults() SpinPolicy {
	d := DefaultSpinPolicy()
	if p.Threshold <= 0 {
		p.Threshold = d.Threshold
	}
	if p.Window <= 0 {
		p.Window = d.Window
	}
	if p.Cooldown <= 0 {
		p.Cooldown = d.Cooldown
	}
	if p.StableAfter <= 0 {
		p.StableAfter = d.StableAfter
	}
	if p.MinDelay <= 0 {
		p.MinDelay = d.MinDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.MinDelay {
		p.MaxDelay = p.MinDelay
	}
	return p
}

// SpinDetector decides when and whether to respawn after a death. One
// detector is shared by every supervisor of the same worker kind. It is
// not safe for concurrent use; all calls happen on the reactor loop.
type SpinDetector struct {
	policy  SpinPolicy
	deaths  []time.Time
	until   time.Time
	backoff *backoff.Backoff
}

// NewSpinDetector creates a detector; zero policy fields take defaults
func NewSpinDetector(policy SpinPolicy) *SpinDetector {
	policy = policy.withDefaults()
	return &SpinDetector{
		policy: policy,
		backoff: &backoff.Backoff{
			Min:    policy.MinDelay,
			Max:    policy.MaxDelay,
			Factor: 2,
		},
	}
}

// Policy returns the effective policy
func (d *SpinDetector) Policy() SpinPolicy {
	return d.policy
}

// RecordDeath registers a death at now of a process that had been up for
// uptime. It returns how long to wait before respawning and whether the
// wait is a spin cool-down.
func (d *SpinDetector) RecordDeath(now time.Time, uptime time.Duration) (time.Duration, bool) {
	if uptime >= d.policy.StableAfter {
		d.Reset()
	}

	if d.Suppressed(now) {
		return d.until.Sub(now), true
	}

	cutoff := now.Add(-d.policy.Window)
	kept := d.deaths[:0]
	for _, t := range d.deaths {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	d.deaths = append(kept, now)

	if len(d.deaths) >= d.policy.Threshold {
		d.deaths = d.deaths[:0]
		d.backoff.Reset()
		d.until = now.Add(d.policy.Cooldown)
		return d.policy.Cooldown, true
	}

	return d.backoff.Duration(), false
}

// Suppressed reports whether a cool-down is in effect at now
func (d *SpinDetector) Suppressed(now time.Time) bool {
	return now.Before(d.until)
}

// Deaths returns the number of deaths inside the current window
func (d *SpinDetector) Deaths() int {
	return len(d.deaths)
}

// Reset forgets the death history and the backoff. It does not lift an
// active cool-down.
func (d *SpinDetector) Reset() {
	d.deaths = d.deaths[:0]
	d.backoff.Reset()
}
