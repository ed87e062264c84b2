package api

import (
	"time"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// UsageResponse represents the usage standing of a project
type UsageResponse struct {
	ProjectID  string             `json:"project_id"`
	Tier       entitle.Tier       `json:"tier"`
	TierName   string             `json:"tier_name"`
	NextTier   entitle.Tier       `json:"next_tier,omitempty"` // Upgrade target, empty on the top tier
	Limits     entitle.TierLimits `json:"limits"`
	Usage      entitle.UsageStats `json:"usage"`
	Percentage entitle.Percentage `json:"percentage"`
	Cycle      CycleResponse      `json:"cycle"`
}

// CycleResponse is the billing cycle the usage counters are measured against
type CycleResponse struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"` // Counters reset at End
}

// CheckResponse is the answer to a dry-run entitlement check
type CheckResponse struct {
	Resource entitle.ResourceKind `json:"resource"`
	Cost     int                  `json:"cost"`
	Allowed  bool                 `json:"allowed"`
	Reason   string               `json:"reason,omitempty"`
}

// CreateProjectRequest is the body of a project creation request
type CreateProjectRequest struct {
	ID   string       `json:"id"`
	Tier entitle.Tier `json:"tier,omitempty"`
}

// ChangeTierRequest is the body of a tier change request
type ChangeTierRequest struct {
	Tier entitle.Tier `json:"tier"`
}

// ErrorResponse is the default error body
type ErrorResponse struct {
	Error string `json:"error"`
}
