package policy

import (
	"errors"
	"testing"
	"time"

	"TrustMesh/internal/audit"
	"TrustMesh/internal/storage"
)

func newTestEngine(t *testing.T) (*Engine, *audit.Recorder) {
	t.Helper()

	rec := audit.NewRecorder()
	e := NewEngine(storage.NewMemory(), rec)

	return e, rec
}

func mustSave(t *testing.T, e *Engine, ns string, rules ...Rule) {
	t.Helper()

	if err := e.SaveRules(ns, RuleSet{Version: 1, Rules: rules}); err != nil {
		t.Fatalf("SaveRules failed: %v", err)
	}
}

func TestNoRulesDefaultsToAllow(t *testing.T) {
	e, _ := newTestEngine(t)

	d, err := e.Check(Context{Namespace: "ns", Op: "doc.write", ActorRole: "VIEWER"})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}

	if !d.Allowed() || d.Reason != ReasonNoRules {
		t.Errorf("decision = %+v, want allow/no_rules", d)
	}
}

func TestFirstMatchWins(t *testing.T) {
	e, _ := newTestEngine(t)

	// The role floor keeps low-role actors from matching the allow
	// exemption, so they fall through to the blanket deny.
	mustSave(t, e, "ns",
		Rule{Ops: []string{"X"}, Effect: EffectAllow, ActorMinRole: "ADMIN"},
		Rule{Ops: []string{"X"}, Effect: EffectDeny},
	)

	d, err := e.Check(Context{Namespace: "ns", Op: "X", ActorRole: "VIEWER"})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if d.Allowed() {
		t.Errorf("VIEWER performing X allowed, want deny: %+v", d)
	}
	if d.RuleIndex != 1 {
		t.Errorf("deciding rule = %d, want 1", d.RuleIndex)
	}

	d, err = e.Check(Context{Namespace: "ns", Op: "X", ActorRole: "ADMIN"})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !d.Allowed() || d.RuleIndex != 0 {
		t.Errorf("ADMIN performing X: %+v, want allow by rule 0", d)
	}
}

func TestOpsPredicateScopesRule(t *testing.T) {
	e, _ := newTestEngine(t)

	mustSave(t, e, "ns",
		Rule{Ops: []string{"doc.delete"}, Effect: EffectDeny},
	)

	d, err := e.Check(Context{Namespace: "ns", Op: "doc.read", ActorRole: "VIEWER"})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !d.Allowed() || d.Reason != ReasonNoMatch {
		t.Errorf("unrelated op: %+v, want allow/no_match", d)
	}

	d, err = e.Check(Context{Namespace: "ns", Op: "doc.delete", ActorRole: "OWNER"})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if d.Allowed() {
		t.Errorf("scoped op: %+v, want deny", d)
	}
}

func TestTargetMaxRoleShortCircuits(t *testing.T) {
	e, _ := newTestEngine(t)

	// The ceiling rule sits before a broad allow; acting on an OWNER target
	// must deny immediately even though a later rule would allow.
	mustSave(t, e, "ns",
		Rule{Ops: []string{"member.remove"}, TargetMaxRole: "MEMBER", Effect: EffectAllow},
		Rule{Effect: EffectAllow},
	)

	d, err := e.Check(Context{
		Namespace: "ns", Op: "member.remove",
		ActorRole: "ADMIN", TargetRole: "OWNER",
	})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if d.Allowed() || d.Reason != ReasonTargetRoleCeiled {
		t.Errorf("decision = %+v, want deny/target_role_exceeds_ceiling", d)
	}

	// A target inside the ceiling passes through to the rule's own effect.
	d, err = e.Check(Context{
		Namespace: "ns", Op: "member.remove",
		ActorRole: "ADMIN", TargetRole: "MEMBER",
	})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !d.Allowed() {
		t.Errorf("decision = %+v, want allow", d)
	}
}

func TestTimeWindowInclusive(t *testing.T) {
	e, _ := newTestEngine(t)
	mustSave(t, e, "ns",
		Rule{Ops: []string{"deploy"}, Time: &TimeWindow{From: "09:00", To: "17:00"}, Effect: EffectDeny},
	)

	cases := []struct {
		clock string
		deny  bool
	}{
		{"08:59", false},
		{"09:00", true}, // inclusive start
		{"12:30", true},
		{"17:00", true}, // inclusive end
		{"17:01", false},
	}

	for _, c := range cases {
		parsed, err := time.Parse("15:04", c.clock)
		if err != nil {
			t.Fatalf("parse clock: %v", err)
		}
		e.now = func() time.Time {
			return time.Date(2026, 3, 1, parsed.Hour(), parsed.Minute(), 0, 0, time.UTC)
		}

		d, err := e.Check(Context{Namespace: "ns", Op: "deploy", ActorRole: "ADMIN"})
		if err != nil {
			t.Fatalf("Check failed: %v", err)
		}
		if got := !d.Allowed(); got != c.deny {
			t.Errorf("at %s: denied=%v, want %v", c.clock, got, c.deny)
		}
	}
}

func TestDailyCapScenario(t *testing.T) {
	e, _ := newTestEngine(t)
	mustSave(t, e, "ns",
		Rule{Ops: []string{"invite.create"}, PerActorDailyCap: 2, Effect: EffectAllow},
	)

	ctx := Context{Namespace: "ns", Op: "invite.create", ActorID: "alice", ActorRole: "MEMBER"}

	// First two committed calls succeed, the third is denied.
	for i := 0; i < 2; i++ {
		if err := e.Enforce(ctx, Options{CommitCap: true}); err != nil {
			t.Fatalf("call %d: Enforce failed: %v", i+1, err)
		}
	}

	err := e.Enforce(ctx, Options{CommitCap: true})
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("third call: got %v, want DeniedError", err)
	}
	if denied.Reason != ReasonDailyCapExceeded {
		t.Errorf("reason = %s, want %s", denied.Reason, ReasonDailyCapExceeded)
	}

	// A different actor has an independent counter.
	other := ctx
	other.ActorID = "bob"
	if err := e.Enforce(other, Options{CommitCap: true}); err != nil {
		t.Errorf("other actor denied: %v", err)
	}
}

func TestCapNotCommittedWithoutOptIn(t *testing.T) {
	e, _ := newTestEngine(t)
	mustSave(t, e, "ns",
		Rule{Ops: []string{"invite.create"}, PerActorDailyCap: 1, Effect: EffectAllow},
	)

	ctx := Context{Namespace: "ns", Op: "invite.create", ActorID: "alice"}

	// Checks without CommitCap never increment the daily counter.
	for i := 0; i < 3; i++ {
		if err := e.Enforce(ctx, Options{}); err != nil {
			t.Fatalf("uncommitted call %d denied: %v", i+1, err)
		}
	}
}

func TestObserveModeLogsButAllows(t *testing.T) {
	e, rec := newTestEngine(t)
	mustSave(t, e, "ns",
		Rule{Ops: []string{"X"}, Effect: EffectDeny},
	)

	ctx := Context{Namespace: "ns", Op: "X", ActorID: "alice"}

	if err := e.Enforce(ctx, Options{ObserveMode: true}); err != nil {
		t.Errorf("observe mode returned error: %v", err)
	}

	decisions := rec.Find("policy.decision")
	if len(decisions) != 1 {
		t.Fatalf("got %d audit entries, want 1", len(decisions))
	}
	if decisions[0].Payload["effect"] != EffectDeny {
		t.Errorf("audited effect = %v, want deny", decisions[0].Payload["effect"])
	}
}

func TestEveryDecisionAudited(t *testing.T) {
	e, rec := newTestEngine(t)
	mustSave(t, e, "ns", Rule{Effect: EffectAllow})

	if err := e.Enforce(Context{Namespace: "ns", Op: "X", ActorID: "alice"}, Options{}); err != nil {
		t.Fatalf("Enforce failed: %v", err)
	}

	if len(rec.Find("policy.decision")) != 1 {
		t.Error("allow decision was not audited")
	}

	// SkipAudit suppresses the record.
	if err := e.Enforce(Context{Namespace: "ns", Op: "X"}, Options{SkipAudit: true}); err != nil {
		t.Fatalf("Enforce failed: %v", err)
	}
	if len(rec.Find("policy.decision")) != 1 {
		t.Error("SkipAudit still audited")
	}
}

func TestCacheInvalidatedOnSave(t *testing.T) {
	e, _ := newTestEngine(t)
	mustSave(t, e, "ns", Rule{Ops: []string{"X"}, Effect: EffectDeny})

	d, err := e.Check(Context{Namespace: "ns", Op: "X"})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if d.Allowed() {
		t.Fatal("expected deny before rewrite")
	}

	// Rewriting the policy must take effect immediately, not after the TTL.
	mustSave(t, e, "ns", Rule{Ops: []string{"X"}, Effect: EffectAllow})

	d, err = e.Check(Context{Namespace: "ns", Op: "X"})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !d.Allowed() {
		t.Error("stale cached rule set used after SaveRules")
	}
}

func TestUnknownRoleNeverSatisfiesFloor(t *testing.T) {
	e, _ := newTestEngine(t)
	mustSave(t, e, "ns",
		Rule{Ops: []string{"X"}, ActorMinRole: "VIEWER", Effect: EffectAllow},
		Rule{Ops: []string{"X"}, Effect: EffectDeny},
	)

	d, err := e.Check(Context{Namespace: "ns", Op: "X", ActorRole: "INTRUDER"})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if d.Allowed() {
		t.Errorf("unknown role satisfied a role floor: %+v", d)
	}
}
