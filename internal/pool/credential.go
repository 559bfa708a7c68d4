package pool

import (
	"strings"
	"time"
)

// Status is a credential's availability state.
//
// Transitions happen only inside the pool (RecordSuccess/RecordFailure plus
// the lazy reset-at promotion in the availability getters); callers never
// mutate a credential directly.
type Status string

const (
	StatusActive        Status = "active"
	StatusRateLimited   Status = "rate_limited"
	StatusQuotaExceeded Status = "quota_exceeded"
	StatusInvalid       Status = "invalid"
	StatusError         Status = "error"
)

// Credential is one pool member. Fields are guarded by the pool mutex.
type Credential struct {
	secret string
	label  string

	status       Status
	errorCount   int
	requestCount int
	lastUsedAt   time.Time

	// resetAt is the earliest instant a rate_limited/quota_exceeded credential
	// may return to active. Zero means no pending cooldown.
	resetAt time.Time
}

func newCredential(secret, label string) *Credential {
	if strings.TrimSpace(label) == "" {
		label = maskSecret(secret)
	}
	return &Credential{secret: secret, label: label, status: StatusActive}
}

// Secret returns the raw secret for use on the wire. Never log it; use
// Label() in any output path.
func (c *Credential) Secret() string { return c.secret }

// Label returns the display name (never the raw secret).
func (c *Credential) Label() string { return c.label }

// maskSecret renders a secret safe for logs and snapshots.
func maskSecret(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "…" + s[len(s)-4:]
}

// Info is a read-only copy of a credential's state for diagnostics.
type Info struct {
	Label        string    `json:"label"`
	Status       Status    `json:"status"`
	ErrorCount   int       `json:"error_count"`
	RequestCount int       `json:"request_count"`
	LastUsedAt   time.Time `json:"last_used_at"`
	ResetAt      time.Time `json:"reset_at"`
}

func (c *Credential) info() Info {
	return Info{
		Label:        c.label,
		Status:       c.status,
		ErrorCount:   c.errorCount,
		RequestCount: c.requestCount,
		LastUsedAt:   c.lastUsedAt,
		ResetAt:      c.resetAt,
	}
}
