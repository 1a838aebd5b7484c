// Package policy evaluates ordered rule sets against operation contexts and
// gates cross-organization federation. First matching rule wins; no rules or
// no match defaults to allow.
package policy

import "fmt"

// Effect of a rule or decision.
const (
	EffectAllow = "allow"
	EffectDeny  = "deny"
)

// Role ordering used by actorMinRole / targetMaxRole comparisons.
var roleOrder = map[string]int{
	"VIEWER": 0,
	"MEMBER": 1,
	"ADMIN":  2,
	"OWNER":  3,
}

// roleRank returns the ordinal of a role name. Unknown roles rank below
// VIEWER so a typo can never satisfy a floor.
func roleRank(role string) int {
	if rank, ok := roleOrder[role]; ok {
		return rank
	}
	return -1
}

// TimeWindow restricts a rule to a daily UTC interval, inclusive of both
// bounds. Times are "15:04" strings.
type TimeWindow struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Rule is one entry of an ordered policy set. All present predicates must
// match for the rule's effect to apply; targetMaxRole and perActorDailyCap
// additionally force denials on their own (see Engine.Check).
type Rule struct {
	Ops              []string    `json:"ops,omitempty"`
	ActorMinRole     string      `json:"actorMinRole,omitempty"`
	TargetMaxRole    string      `json:"targetMaxRole,omitempty"`
	NSAllow          []string    `json:"nsAllow,omitempty"`
	Time             *TimeWindow `json:"time,omitempty"`
	PerActorDailyCap int         `json:"perActorDailyCap,omitempty"`
	Effect           string      `json:"effect"`
}

// RuleSet is a versioned ordered list of rules for one namespace.
type RuleSet struct {
	Version int    `json:"version"`
	Rules   []Rule `json:"rules"`
}

// Context describes the operation being checked.
type Context struct {
	Namespace  string
	Op         string
	ActorID    string
	ActorRole  string
	TargetRole string // role of the acted-upon principal, if any
}

// Decision reasons surfaced at the component boundary.
const (
	ReasonRuleMatch        = "rule_match"
	ReasonNoRules          = "no_rules"
	ReasonNoMatch          = "no_match"
	ReasonTargetRoleCeiled = "target_role_exceeds_ceiling"
	ReasonDailyCapExceeded = "daily_cap_exceeded"
)

// Decision is the outcome of a policy check.
type Decision struct {
	Effect    string
	Reason    string
	RuleIndex int // index of the deciding rule, -1 when none
}

// Allowed reports whether the decision permits the operation.
func (d Decision) Allowed() bool {
	return d.Effect == EffectAllow
}

// DeniedError is returned by Enforce when a checked operation is denied.
type DeniedError struct {
	Op     string
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("policy denied %s: %s", e.Op, e.Reason)
}
