package chat

import (
	"context"
	"sync"
)

// Probe runs a capability check at most once and remembers the outcome.
// A failed probe stays failed; capability is not expected to change mid-session.
type Probe struct {
	prober Prober

	mu   sync.Mutex
	done bool
	err  error
}

// NewProbe wraps p.
func NewProbe(p Prober) *Probe {
	return &Probe{prober: p}
}

// Check runs the probe on first call and returns the memoized result afterwards.
// The returned error, if any, is a *CapabilityError.
func (p *Probe) Check(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return p.err
	}
	if err := p.prober.CheckReady(ctx); err != nil {
		p.err = &CapabilityError{Reason: "backend readiness check failed", Err: err}
	}
	p.done = true
	return p.err
}

// Checked reports whether the probe has already run.
func (p *Probe) Checked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}
