// Package lease resolves per-agent lease durations.
//
// The lookup table is immutable and built in one step by Build. Policy holds
// the current table behind an atomic pointer; Refresh swaps in a new table
// without blocking readers.
package lease

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Config is the declarative form of a lease policy.
type Config struct {
	Default   time.Duration
	Min       time.Duration
	Max       time.Duration
	Overrides map[string]time.Duration
}

type table struct {
	def       time.Duration
	min       time.Duration
	max       time.Duration
	overrides map[string]time.Duration
}

func normalize(agentID string) string { return strings.ToLower(strings.TrimSpace(agentID)) }

func build(cfg Config) (*table, error) {
	if cfg.Default <= 0 {
		return nil, errors.New("lease: default duration must be positive")
	}
	if cfg.Min < 0 || cfg.Max < 0 {
		return nil, errors.New("lease: negative bounds")
	}
	if cfg.Max > 0 && cfg.Min > cfg.Max {
		return nil, fmt.Errorf("lease: min %s exceeds max %s", cfg.Min, cfg.Max)
	}
	if cfg.Default < cfg.Min || (cfg.Max > 0 && cfg.Default > cfg.Max) {
		return nil, fmt.Errorf("lease: default %s outside [%s, %s]", cfg.Default, cfg.Min, cfg.Max)
	}
	t := &table{def: cfg.Default, min: cfg.Min, max: cfg.Max, overrides: make(map[string]time.Duration, len(cfg.Overrides))}
	for agent, d := range cfg.Overrides {
		key := normalize(agent)
		if key == "" {
			return nil, errors.New("lease: override with empty agent id")
		}
		if d <= 0 {
			return nil, fmt.Errorf("lease: override for %s must be positive", agent)
		}
		t.overrides[key] = d
	}
	return t, nil
}

// Policy answers lease duration lookups against the current table.
type Policy struct {
	cur atomic.Pointer[table]
}

// Build validates cfg and returns a ready Policy.
func Build(cfg Config) (*Policy, error) {
	t, err := build(cfg)
	if err != nil {
		return nil, err
	}
	p := &Policy{}
	p.cur.Store(t)
	return p, nil
}

// Refresh rebuilds the table from cfg and swaps it in. On error the current
// table stays in place.
func (p *Policy) Refresh(cfg Config) error {
	t, err := build(cfg)
	if err != nil {
		return err
	}
	p.cur.Store(t)
	return nil
}

// GetLeaseDuration returns the agent's override, or the default.
func (p *Policy) GetLeaseDuration(agentID string) time.Duration {
	t := p.cur.Load()
	if d, ok := t.overrides[normalize(agentID)]; ok {
		return d
	}
	return t.def
}

// Resolve picks the duration for a lease request. A zero request uses the
// policy duration; anything else is clamped to the configured bounds.
func (p *Policy) Resolve(agentID string, requested time.Duration) time.Duration {
	if requested <= 0 {
		return p.GetLeaseDuration(agentID)
	}
	t := p.cur.Load()
	if t.min > 0 && requested < t.min {
		return t.min
	}
	if t.max > 0 && requested > t.max {
		return t.max
	}
	return requested
}
