package entitle

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Tier identifies a subscription plan
type Tier string

const (
	// TierStarter is the entry plan and the default for projects without a tier
	TierStarter Tier = "starter"
	// TierGrowth is the mid plan
	TierGrowth Tier = "growth"
	// TierAgency is the top plan
	TierAgency Tier = "agency"
)

// ResourceKind selects which limit and which usage counter apply to a request
type ResourceKind string

const (
	ResourceProject       ResourceKind = "project"
	ResourceProCall       ResourceKind = "pro_call"
	ResourceMediaCredit   ResourceKind = "media_credit"
	ResourceStrategyBrief ResourceKind = "strategy_brief"
	ResourceSearchQuery   ResourceKind = "search_query"
)

// MaxCost caps the units a single check, commit or increment may carry.
// Larger amounts are rejected with ErrInvalidAmount so counters cannot wrap.
const MaxCost = 1_000_000

// ResourceKinds lists every kind in a stable order
var ResourceKinds = []ResourceKind{
	ResourceProject,
	ResourceProCall,
	ResourceMediaCredit,
	ResourceStrategyBrief,
	ResourceSearchQuery,
}

// Valid reports whether k is one of the known resource kinds
func (k ResourceKind) Valid() bool {
	switch k {
	case ResourceProject, ResourceProCall, ResourceMediaCredit, ResourceStrategyBrief, ResourceSearchQuery:
		return true
	default:
		return false
	}
}

// ParseResourceKind converts a wire value into a ResourceKind
func ParseResourceKind(s string) (ResourceKind, error) {
	k := ResourceKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownResource, s)
	}
	return k, nil
}

// Limit is either a finite ceiling or Unlimited.
// The zero value is a finite ceiling of 0.
type Limit struct {
	n         int
	unlimited bool
}

// Unlimited never denies on count
var Unlimited = Limit{unlimited: true}

// Finite returns a ceiling of n
func Finite(n int) Limit {
	return Limit{n: n}
}

// IsUnlimited reports whether l is the Unlimited variant
func (l Limit) IsUnlimited() bool {
	return l.unlimited
}

// Value returns the finite ceiling and true, or 0 and false for Unlimited
func (l Limit) Value() (int, bool) {
	if l.unlimited {
		return 0, false
	}
	return l.n, true
}

// Allows reports whether used+cost stays within the ceiling.
// Unlimited returns true before any arithmetic is done. The comparison never
// adds used and cost, so costs near math.MaxInt cannot wrap past the ceiling.
func (l Limit) Allows(used, cost int) bool {
	if l.unlimited {
		return true
	}
	if cost > l.n || used > l.n {
		return false
	}
	return cost <= l.n-used
}

// Percent returns 100*used/ceiling, or 0 for Unlimited and zero ceilings
func (l Limit) Percent(used int) float64 {
	if l.unlimited || l.n <= 0 {
		return 0
	}
	return 100 * float64(used) / float64(l.n)
}

func (l Limit) String() string {
	if l.unlimited {
		return "unlimited"
	}
	return strconv.Itoa(l.n)
}

// MarshalJSON encodes Unlimited as the string "unlimited" and finite limits as numbers
func (l Limit) MarshalJSON() ([]byte, error) {
	if l.unlimited {
		return []byte(`"unlimited"`), nil
	}
	return []byte(strconv.Itoa(l.n)), nil
}

// UnmarshalJSON accepts a number or the string "unlimited"
func (l *Limit) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s != "unlimited" {
			return fmt.Errorf("invalid limit %q", s)
		}
		*l = Unlimited
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid limit: %w", err)
	}
	*l = Finite(n)
	return nil
}

// TierLimits holds the resource ceilings and capability flags of one tier
type TierLimits struct {
	MaxProjects          int   `json:"maxProjects"`
	MaxProCalls          Limit `json:"maxProCalls"`
	MaxMediaCredits      int   `json:"maxMediaCredits"`
	MaxStrategyBriefs    Limit `json:"maxStrategyBriefs"`
	MaxSearchQueries     int   `json:"maxSearchQueries"`
	CanUseProModel       bool  `json:"canUseProModel"`
	HasEnterprisePrivacy bool  `json:"hasEnterprisePrivacy"`
}

// LimitFor returns the ceiling that applies to kind
func (l TierLimits) LimitFor(kind ResourceKind) Limit {
	switch kind {
	case ResourceProject:
		return Finite(l.MaxProjects)
	case ResourceProCall:
		return l.MaxProCalls
	case ResourceMediaCredit:
		return Finite(l.MaxMediaCredits)
	case ResourceStrategyBrief:
		return l.MaxStrategyBriefs
	case ResourceSearchQuery:
		return Finite(l.MaxSearchQueries)
	default:
		return Finite(0)
	}
}

// UsageStats is the per-project ledger record
type UsageStats struct {
	ProjectsCreated     int `json:"projectsCreated"`
	ProCallsUsed        int `json:"proCallsUsed"`
	MediaCreditsUsed    int `json:"mediaCreditsUsed"`
	TotalStrategyBriefs int `json:"totalStrategyBriefs"`

	// SearchQueriesUsed only moves when search query tracking is enabled
	SearchQueriesUsed int `json:"searchQueriesUsed,omitempty"`

	// CycleStart is the start of the billing cycle these counters belong to.
	// Zero until the first rollover.
	CycleStart time.Time `json:"cycleStart,omitzero"`
}

// Count returns the counter for kind
func (u UsageStats) Count(kind ResourceKind) int {
	switch kind {
	case ResourceProject:
		return u.ProjectsCreated
	case ResourceProCall:
		return u.ProCallsUsed
	case ResourceMediaCredit:
		return u.MediaCreditsUsed
	case ResourceStrategyBrief:
		return u.TotalStrategyBriefs
	case ResourceSearchQuery:
		return u.SearchQueriesUsed
	default:
		return 0
	}
}

// Add adds amount to the counter for kind and returns the result
func (u UsageStats) Add(kind ResourceKind, amount int) UsageStats {
	switch kind {
	case ResourceProject:
		u.ProjectsCreated += amount
	case ResourceProCall:
		u.ProCallsUsed += amount
	case ResourceMediaCredit:
		u.MediaCreditsUsed += amount
	case ResourceStrategyBrief:
		u.TotalStrategyBriefs += amount
	case ResourceSearchQuery:
		u.SearchQueriesUsed += amount
	}
	return u
}

// CounterField returns the storage field name backing kind
func CounterField(kind ResourceKind) string {
	switch kind {
	case ResourceProject:
		return "projects_created"
	case ResourceProCall:
		return "pro_calls_used"
	case ResourceMediaCredit:
		return "media_credits_used"
	case ResourceStrategyBrief:
		return "total_strategy_briefs"
	case ResourceSearchQuery:
		return "search_queries_used"
	default:
		return ""
	}
}

// Project is the subset of a co-pilot project the entitlement model reads
type Project struct {
	ID string `json:"id"`

	// SubscriptionTier is empty until the owner picks a plan; empty resolves to the lowest tier
	SubscriptionTier Tier `json:"subscriptionTier,omitempty"`

	// SubscriptionStart anchors the monthly billing cycle
	SubscriptionStart time.Time `json:"subscriptionStart"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Decision is the outcome of an entitlement check
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Allow is the decision returned when nothing blocks the request
var Allow = Decision{Allowed: true}

// Deny builds a denial with a user-facing reason
func Deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// Percentage holds display-ready usage percentages
type Percentage struct {
	Media  float64 `json:"media"`
	Briefs float64 `json:"briefs"`
}

// Snapshot is the read-side projection shown in progress bars and dashboards
type Snapshot struct {
	Tier       Tier       `json:"tier"`
	Limits     TierLimits `json:"limits"`
	Usage      UsageStats `json:"usage"`
	Percentage Percentage `json:"percentage"`
}

// Period is a billing cycle window
type Period struct {
	Start time.Time
	End   time.Time
}
