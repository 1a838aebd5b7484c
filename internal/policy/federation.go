package policy

import (
	"encoding/json"
	"fmt"
)

// Federation reason codes.
const (
	ReasonOrgNotAllowed = "org_not_in_allowlist"
	ReasonOpNotAllowed  = "operation_not_allowed"
)

// FederationPolicy restricts which remote organizations a namespace pulls
// anchor packs from, and which federation operations they may perform.
// An empty list leaves that dimension unrestricted; an absent policy record
// is allow-all for backward compatibility.
type FederationPolicy struct {
	AllowedOrgs       []string `json:"allowedOrgs,omitempty" yaml:"allowedOrgs"`
	AllowedOperations []string `json:"allowedOperations,omitempty" yaml:"allowedOperations"`
}

// CrossOrgResult is the outcome of a federation check.
type CrossOrgResult struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// ConfigureFederation persists the namespace federation policy.
func (e *Engine) ConfigureFederation(ns string, fp FederationPolicy) error {
	raw, err := json.Marshal(fp)
	if err != nil {
		return fmt.Errorf("encode federation policy:\n%w", err)
	}

	if err := e.store.Set(federationKey(ns), raw); err != nil {
		return fmt.Errorf("persist federation policy:\n%w", err)
	}

	return nil
}

// CheckCrossOrg evaluates the namespace allow-list against a remote
// organization and operation. Every deny is audited with its reason code.
func (e *Engine) CheckCrossOrg(ns, orgID, operation string) (CrossOrgResult, error) {
	raw, err := e.store.Get(federationKey(ns))
	if err != nil {
		return CrossOrgResult{}, fmt.Errorf("load federation policy:\n%w", err)
	}
	if raw == nil {
		return CrossOrgResult{Allowed: true}, nil
	}

	var fp FederationPolicy
	if err := json.Unmarshal(raw, &fp); err != nil {
		return CrossOrgResult{}, fmt.Errorf("decode federation policy:\n%w", err)
	}

	if len(fp.AllowedOrgs) > 0 && !matchList(fp.AllowedOrgs, orgID) {
		e.auditFederationDeny(ns, orgID, operation, ReasonOrgNotAllowed)
		return CrossOrgResult{Allowed: false, Reason: ReasonOrgNotAllowed}, nil
	}

	if operation != "" && len(fp.AllowedOperations) > 0 && !matchList(fp.AllowedOperations, operation) {
		e.auditFederationDeny(ns, orgID, operation, ReasonOpNotAllowed)
		return CrossOrgResult{Allowed: false, Reason: ReasonOpNotAllowed}, nil
	}

	return CrossOrgResult{Allowed: true}, nil
}

func (e *Engine) auditFederationDeny(ns, orgID, operation, reason string) {
	if e.audit == nil {
		return
	}

	e.audit.Log("federation.deny", map[string]any{
		"ns":     ns,
		"org":    orgID,
		"op":     operation,
		"reason": reason,
	}, "")
}

func federationKey(ns string) string {
	return "fed:" + ns
}
