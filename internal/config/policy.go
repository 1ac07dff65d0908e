package config

import (
	"time"
)

// Policy is an immutable snapshot of the reclaim rules for one cycle.
// Evaluation and execution take it by value so a cycle never observes a
// config change half way through.
type Policy struct {
	whitelist map[string]struct{}
	blacklist map[string]struct{}

	MinInactive    time.Duration
	BatchSize      int
	BatchDelay     time.Duration
	DryRun         bool
	MaxAttempts    int
	ConfirmTimeout time.Duration
}

// PolicyOptions builds a Policy without a Config (tests, one-off commands).
type PolicyOptions struct {
	Whitelist      []string
	Blacklist      []string
	MinInactive    time.Duration
	BatchSize      int
	BatchDelay     time.Duration
	DryRun         bool
	MaxAttempts    int
	ConfirmTimeout time.Duration
}

// NewPolicy copies the given options into a snapshot.
func NewPolicy(opts PolicyOptions) Policy {
	p := Policy{
		whitelist:      toSet(opts.Whitelist),
		blacklist:      toSet(opts.Blacklist),
		MinInactive:    opts.MinInactive,
		BatchSize:      opts.BatchSize,
		BatchDelay:     opts.BatchDelay,
		DryRun:         opts.DryRun,
		MaxAttempts:    opts.MaxAttempts,
		ConfirmTimeout: opts.ConfirmTimeout,
	}
	if p.BatchSize <= 0 {
		p.BatchSize = 10
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.ConfirmTimeout <= 0 {
		p.ConfirmTimeout = 60 * time.Second
	}
	return p
}

// Policy returns the snapshot described by the reclaim section.
func (c *Config) Policy() Policy {
	return NewPolicy(PolicyOptions{
		Whitelist:      c.Reclaim.Whitelist,
		Blacklist:      c.Reclaim.Blacklist,
		MinInactive:    parseDuration(c.Reclaim.MinInactive, 30*24*time.Hour),
		BatchSize:      c.Reclaim.BatchSize,
		BatchDelay:     parseDuration(c.Reclaim.BatchDelay, 2*time.Second),
		DryRun:         c.Reclaim.DryRun,
		MaxAttempts:    c.Reclaim.MaxAttempts,
		ConfirmTimeout: c.GetConfirmTimeout(),
	})
}

// WithDryRun returns a copy with the dry-run flag replaced.
func (p Policy) WithDryRun(dryRun bool) Policy {
	p.DryRun = dryRun
	return p
}

// IsWhitelisted reports whether the address is protected.
func (p Policy) IsWhitelisted(pubkey string) bool {
	_, ok := p.whitelist[pubkey]
	return ok
}

// IsBlacklisted reports whether the address must never be reclaimed.
func (p Policy) IsBlacklisted(pubkey string) bool {
	_, ok := p.blacklist[pubkey]
	return ok
}

// Listed reports whether either list names the address, so callers can skip
// chain lookups for it.
func (p Policy) Listed(pubkey string) bool {
	return p.IsWhitelisted(pubkey) || p.IsBlacklisted(pubkey)
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}
