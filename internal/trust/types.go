// Package trust holds the persistent registries of remote trust anchors and
// local signer identities. It is pure storage-backed bookkeeping: no network
// or signature logic lives here.
package trust

import "time"

// Anchor lifecycle states. Revocation is a one-way transition; anchors are
// tombstoned, never physically deleted.
const (
	StatusActive  = "ACTIVE"
	StatusRevoked = "REVOKED"
)

// Anchor is a remote organization's currently-recognized signing key.
type Anchor struct {
	OrgID     string `json:"orgId"`
	KID       string `json:"kid"`
	PubKey    string `json:"pubKey"` // base64url raw key bytes
	Alg       string `json:"alg,omitempty"`
	Status    string `json:"status"`
	CreatedAt string `json:"createdAt"` // RFC 3339 UTC
	UpdatedAt string `json:"updatedAt"` // RFC 3339 UTC
}

// SignerIdentity is a local signing key registered for outbound packs.
type SignerIdentity struct {
	KID       string `json:"kid"`
	PubKey    string `json:"pubKey"`
	Alg       string `json:"alg,omitempty"`
	CreatedAt string `json:"createdAt"`
}

// Timestamp formats t in the canonical wire form for anchor timestamps.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// NewerThan reports whether timestamp a is strictly newer than b.
// Unparsable timestamps count as the zero time, so a tie never wins.
func NewerThan(a, b string) bool {
	ta, errA := time.Parse(time.RFC3339Nano, a)
	tb, errB := time.Parse(time.RFC3339Nano, b)
	if errA != nil {
		ta = time.Time{}
	}
	if errB != nil {
		tb = time.Time{}
	}

	return ta.After(tb)
}
