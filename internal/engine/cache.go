package engine

import (
	"context"
	"sync"

	"trackline/internal/repo"
)

// RuleCache serves workflow rule rows from memory. Rules are admin-managed
// and read on every transition or field check, so the table is loaded once
// and kept until an admin write invalidates it. Invalidation is a single
// atomic clear; the next read reloads the whole set.
//
// The cache is an explicit object, constructed per Engine (and per test),
// never a package global.
type RuleCache struct {
	repo repo.Repo

	mu     sync.RWMutex
	loaded bool
	rules  repo.RuleSet
}

func NewRuleCache(r repo.Repo) *RuleCache {
	return &RuleCache{repo: r}
}

// Rules returns the cached rule set, loading it on first use.
func (c *RuleCache) Rules(ctx context.Context) (repo.RuleSet, error) {
	c.mu.RLock()
	if c.loaded {
		rules := c.rules
		c.mu.RUnlock()
		return rules, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return c.rules, nil
	}
	rules, err := c.repo.LoadRules(ctx)
	if err != nil {
		return repo.RuleSet{}, err
	}
	c.rules = rules
	c.loaded = true
	return rules, nil
}

// Invalidate drops the snapshot. Called after any write to workflow rules.
func (c *RuleCache) Invalidate() {
	c.mu.Lock()
	c.loaded = false
	c.rules = repo.RuleSet{}
	c.mu.Unlock()
}
