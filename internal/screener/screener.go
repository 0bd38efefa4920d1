// Package screener checks outbound reply drafts against operator-defined
// constraint rules before anything is sent. A rule matches a draft by
// regular expression; when it also names a required tool, the draft only
// passes if that tool was successfully invoked during the same turn. This
// catches the classic failure where the model claims an action ("he abierto
// tu expediente") it never performed.
package screener

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/pepeccz/msi-a-sub002/internal/models"
	"github.com/pepeccz/msi-a-sub002/internal/store"
)

// DefaultCacheTTL bounds how stale the in-memory rule set may get. Rule
// edits through the admin API take effect within this window at worst.
const DefaultCacheTTL = 5 * time.Minute

type cachedRules struct {
	rules    []models.ConstraintRule
	loadedAt time.Time
}

// Screener evaluates drafts against the store's constraint rules. Rules are
// cached per category with a bounded TTL; compiled patterns are cached by
// pattern text.
type Screener struct {
	store store.Store
	ttl   time.Duration

	mu       sync.RWMutex
	cache    map[string]cachedRules
	patterns map[string]*regexp.Regexp
}

// Option configures a Screener.
type Option func(*Screener)

// WithCacheTTL overrides the rule cache TTL. Values above DefaultCacheTTL
// are clamped to it.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Screener) {
		if ttl > DefaultCacheTTL {
			ttl = DefaultCacheTTL
		}
		s.ttl = ttl
	}
}

// New creates a screener backed by the given store.
func New(st store.Store, opts ...Option) *Screener {
	s := &Screener{
		store:    st,
		ttl:      DefaultCacheTTL,
		cache:    make(map[string]cachedRules),
		patterns: make(map[string]*regexp.Regexp),
	}
	for _, opt := range opts {
		opt(s)
	}
	slog.Debug("screener.New: screener created", "cacheTTL", s.ttl)
	return s
}

// Screen evaluates a draft and returns the highest-priority violated rule,
// or nil when the draft passes. category selects the conversation's rule
// subset (rules with an empty category always apply); collecting marks a
// turn inside an active case collection, which skips rules flagged
// SkipDuringCollection. invocations are the current turn's tool audit
// records.
func (s *Screener) Screen(ctx context.Context, draft, category string, collecting bool, invocations []models.ToolInvocationRecord) (*models.ConstraintRule, error) {
	rules, err := s.rulesFor(category)
	if err != nil {
		return nil, err
	}

	for _, rule := range rules {
		if collecting && rule.SkipDuringCollection {
			continue
		}
		re, err := s.compiled(rule.Pattern)
		if err != nil {
			// A bad pattern disables the rule, never the reply path.
			slog.Error("Screener.Screen: invalid rule pattern, skipping rule", "error", err, "ruleID", rule.ID)
			continue
		}
		if !re.MatchString(draft) {
			continue
		}
		if rule.RequiredTool != "" && toolSucceeded(invocations, rule.RequiredTool) {
			continue
		}

		violated := rule
		slog.Warn("Screener.Screen: draft violated constraint rule",
			"ruleID", rule.ID, "ruleName", rule.Name, "requiredTool", rule.RequiredTool, "category", category)
		return &violated, nil
	}
	return nil, nil
}

// rulesFor returns the active rules applicable to a category, highest
// priority first, from cache when fresh.
func (s *Screener) rulesFor(category string) ([]models.ConstraintRule, error) {
	s.mu.RLock()
	entry, ok := s.cache[category]
	s.mu.RUnlock()
	if ok && time.Since(entry.loadedAt) < s.ttl {
		return entry.rules, nil
	}

	all, err := s.store.ListConstraintRules()
	if err != nil {
		return nil, fmt.Errorf("failed to load constraint rules: %w", err)
	}

	var rules []models.ConstraintRule
	for _, rule := range all {
		if !rule.Active {
			continue
		}
		if rule.Category != "" && rule.Category != category {
			continue
		}
		rules = append(rules, rule)
	}
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })

	s.mu.Lock()
	s.cache[category] = cachedRules{rules: rules, loadedAt: time.Now()}
	s.mu.Unlock()

	slog.Debug("Screener.rulesFor: rule cache refreshed", "category", category, "rules", len(rules))
	return rules, nil
}

// Invalidate drops the rule cache so the next Screen reloads from the
// store. Called after admin rule edits.
func (s *Screener) Invalidate() {
	s.mu.Lock()
	s.cache = make(map[string]cachedRules)
	s.mu.Unlock()
	slog.Debug("Screener.Invalidate: rule cache cleared")
}

func (s *Screener) compiled(pattern string) (*regexp.Regexp, error) {
	s.mu.RLock()
	re, ok := s.patterns[pattern]
	s.mu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.patterns[pattern] = re
	s.mu.Unlock()
	return re, nil
}

func toolSucceeded(invocations []models.ToolInvocationRecord, tool string) bool {
	for _, rec := range invocations {
		if rec.Tool == tool && rec.Outcome == models.ToolOutcomeSuccess {
			return true
		}
	}
	return false
}
