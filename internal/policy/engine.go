package policy

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"TrustMesh/internal/audit"
	"TrustMesh/internal/storage"
)

const (
	// cacheTTL bounds how stale a cached rule set may be. Writes invalidate
	// the cache synchronously; the TTL only caps cross-process staleness.
	cacheTTL = 60 * time.Second

	// timeLayout is the in-rule clock format, interpreted in UTC.
	timeLayout = "15:04"
)

// Options adjusts Enforce behavior.
type Options struct {
	// ObserveMode downgrades a deny to a log-only outcome for staged rollout.
	ObserveMode bool

	// SkipAudit suppresses the audit record for this check.
	SkipAudit bool

	// CommitCap counts this allowed operation against the matching rule's
	// per-actor daily cap.
	CommitCap bool
}

// Engine evaluates policy rule sets. The rule-set cache is process-local and
// handed in at construction; it is never reached through ambient globals.
type Engine struct {
	store storage.Store
	cache *gocache.Cache
	audit audit.Logger
	now   func() time.Time
}

// NewEngine creates a policy engine.
func NewEngine(store storage.Store, auditLog audit.Logger) *Engine {
	return &Engine{
		store: store,
		cache: gocache.New(cacheTTL, time.Minute),
		audit: auditLog,
		now:   time.Now,
	}
}

// SaveRules persists the namespace rule set and invalidates the cache entry.
func (e *Engine) SaveRules(ns string, rs RuleSet) error {
	raw, err := json.Marshal(rs)
	if err != nil {
		return fmt.Errorf("encode rule set:\n%w", err)
	}

	if err := e.store.Set(rulesKey(ns), raw); err != nil {
		return fmt.Errorf("persist rule set:\n%w", err)
	}

	e.cache.Delete(rulesKey(ns))

	return nil
}

// LoadRules returns the namespace rule set, consulting the cache first.
// Returns nil when the namespace has no policy.
func (e *Engine) LoadRules(ns string) (*RuleSet, error) {
	if cached, ok := e.cache.Get(rulesKey(ns)); ok {
		return cached.(*RuleSet), nil
	}

	raw, err := e.store.Get(rulesKey(ns))
	if err != nil {
		return nil, fmt.Errorf("load rule set:\n%w", err)
	}
	if raw == nil {
		return nil, nil
	}

	var rs RuleSet
	if err := json.Unmarshal(raw, &rs); err != nil {
		return nil, fmt.Errorf("decode rule set:\n%w", err)
	}

	e.cache.Set(rulesKey(ns), &rs, cacheTTL)

	return &rs, nil
}

// Check evaluates the rule set against the context, in declared order.
// The first rule whose predicates all match decides. Two predicates are
// stronger than matching: a targetMaxRole ceiling violation denies outright,
// and a reached daily cap denies regardless of the rule's own effect.
func (e *Engine) Check(ctx Context) (Decision, error) {
	rs, err := e.LoadRules(ctx.Namespace)
	if err != nil {
		return Decision{}, err
	}

	if rs == nil || len(rs.Rules) == 0 {
		return Decision{Effect: EffectAllow, Reason: ReasonNoRules, RuleIndex: -1}, nil
	}

	now := e.now().UTC()

	for i, rule := range rs.Rules {
		if !matchList(rule.Ops, ctx.Op) {
			continue
		}
		if !matchList(rule.NSAllow, ctx.Namespace) {
			continue
		}

		if rule.TargetMaxRole != "" && ctx.TargetRole != "" &&
			roleRank(ctx.TargetRole) > roleRank(rule.TargetMaxRole) {
			return Decision{Effect: EffectDeny, Reason: ReasonTargetRoleCeiled, RuleIndex: i}, nil
		}

		if rule.ActorMinRole != "" && roleRank(ctx.ActorRole) < roleRank(rule.ActorMinRole) {
			continue
		}
		if rule.Time != nil && !inWindow(*rule.Time, now) {
			continue
		}

		if rule.PerActorDailyCap > 0 {
			count, err := e.capCount(ctx, now)
			if err != nil {
				return Decision{}, err
			}
			if count >= rule.PerActorDailyCap {
				return Decision{Effect: EffectDeny, Reason: ReasonDailyCapExceeded, RuleIndex: i}, nil
			}
		}

		return Decision{Effect: rule.Effect, Reason: ReasonRuleMatch, RuleIndex: i}, nil
	}

	return Decision{Effect: EffectAllow, Reason: ReasonNoMatch, RuleIndex: -1}, nil
}

// Enforce checks the context, audits the decision, and converts a deny into
// a DeniedError. In observe mode the deny is logged but not returned. When
// the decision is an allow from a capped rule and CommitCap is set, the
// actor's daily usage is incremented.
func (e *Engine) Enforce(ctx Context, opts Options) error {
	decision, err := e.Check(ctx)
	if err != nil {
		return err
	}

	if !opts.SkipAudit && e.audit != nil {
		e.audit.Log("policy.decision", map[string]any{
			"ns":      ctx.Namespace,
			"op":      ctx.Op,
			"effect":  decision.Effect,
			"reason":  decision.Reason,
			"rule":    decision.RuleIndex,
			"observe": opts.ObserveMode,
		}, ctx.ActorID)
	}

	if !decision.Allowed() {
		if opts.ObserveMode {
			return nil
		}
		return &DeniedError{Op: ctx.Op, Reason: decision.Reason}
	}

	if opts.CommitCap && decision.RuleIndex >= 0 {
		rs, err := e.LoadRules(ctx.Namespace)
		if err != nil {
			return err
		}
		if rs != nil && decision.RuleIndex < len(rs.Rules) &&
			rs.Rules[decision.RuleIndex].PerActorDailyCap > 0 {
			if err := e.incrementCap(ctx, e.now().UTC()); err != nil {
				return err
			}
		}
	}

	return nil
}

// capCount reads the actor's usage counter for the current UTC day.
func (e *Engine) capCount(ctx Context, now time.Time) (int, error) {
	raw, err := e.store.Get(capKey(ctx, now))
	if err != nil {
		return 0, fmt.Errorf("load cap counter:\n%w", err)
	}
	if raw == nil {
		return 0, nil
	}

	count, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, fmt.Errorf("decode cap counter:\n%w", err)
	}

	return count, nil
}

// incrementCap bumps the actor's usage counter for the current UTC day.
func (e *Engine) incrementCap(ctx Context, now time.Time) error {
	count, err := e.capCount(ctx, now)
	if err != nil {
		return err
	}

	key := capKey(ctx, now)
	if err := e.store.Set(key, []byte(strconv.Itoa(count+1))); err != nil {
		return fmt.Errorf("persist cap counter:\n%w", err)
	}

	return nil
}

// matchList reports whether value is in list; an absent list matches all.
func matchList(list []string, value string) bool {
	if len(list) == 0 {
		return true
	}
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

// inWindow reports whether the UTC wall clock falls inside the window,
// inclusive of both bounds.
func inWindow(w TimeWindow, now time.Time) bool {
	from, errFrom := time.Parse(timeLayout, w.From)
	to, errTo := time.Parse(timeLayout, w.To)
	if errFrom != nil || errTo != nil {
		return false
	}

	minutes := now.Hour()*60 + now.Minute()
	fromMin := from.Hour()*60 + from.Minute()
	toMin := to.Hour()*60 + to.Minute()

	return minutes >= fromMin && minutes <= toMin
}

func rulesKey(ns string) string {
	return "policy:" + ns
}

func capKey(ctx Context, now time.Time) string {
	return fmt.Sprintf("cap:%s:%s:%s:%s",
		ctx.Namespace, ctx.Op, ctx.ActorID, now.Format("2006-01-02"))
}
