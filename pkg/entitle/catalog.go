package entitle

import (
	"fmt"
	"strings"
)

// TierDefinition is one row of the tier table
type TierDefinition struct {
	ID          Tier       `json:"id"`
	DisplayName string     `json:"displayName"`
	Limits      TierLimits `json:"limits"`
}

// Catalog maps every tier to its limits. Tiers are ordered from lowest to highest;
// the order drives the default tier and upgrade suggestions.
// A Catalog is immutable once built.
type Catalog struct {
	order []TierDefinition
	index map[Tier]int
}

// DefaultTierDefinitions returns the built-in plan table
func DefaultTierDefinitions() []TierDefinition {
	return []TierDefinition{
		{
			ID:          TierStarter,
			DisplayName: "Starter",
			Limits: TierLimits{
				MaxProjects:       1,
				MaxProCalls:       Finite(10),
				MaxMediaCredits:   50,
				MaxStrategyBriefs: Finite(5),
				MaxSearchQueries:  50,
				CanUseProModel:    true,
			},
		},
		{
			ID:          TierGrowth,
			DisplayName: "Growth",
			Limits: TierLimits{
				MaxProjects:       5,
				MaxProCalls:       Unlimited,
				MaxMediaCredits:   500,
				MaxStrategyBriefs: Finite(50),
				MaxSearchQueries:  500,
				CanUseProModel:    true,
			},
		},
		{
			ID:          TierAgency,
			DisplayName: "Agency",
			Limits: TierLimits{
				MaxProjects:          25,
				MaxProCalls:          Unlimited,
				MaxMediaCredits:      2000,
				MaxStrategyBriefs:    Finite(500),
				MaxSearchQueries:     5000,
				CanUseProModel:       true,
				HasEnterprisePrivacy: true,
			},
		},
	}
}

// DefaultCatalog returns the catalog built from DefaultTierDefinitions
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultTierDefinitions()...)
	if err != nil {
		panic(err)
	}
	return c
}

// NewCatalog validates defs and builds a catalog from them, lowest tier first
func NewCatalog(defs ...TierDefinition) (*Catalog, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("%w: catalog needs at least one tier", ErrInvalidTier)
	}

	c := &Catalog{
		order: make([]TierDefinition, 0, len(defs)),
		index: make(map[Tier]int, len(defs)),
	}
	for _, def := range defs {
		if def.ID == "" {
			return nil, fmt.Errorf("%w: empty tier id", ErrInvalidTier)
		}
		if _, dup := c.index[def.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate tier %q", ErrInvalidTier, def.ID)
		}
		if err := validateLimits(def.Limits); err != nil {
			return nil, fmt.Errorf("tier %q: %w", def.ID, err)
		}
		if def.DisplayName == "" {
			def.DisplayName = titleCase(string(def.ID))
		}
		c.index[def.ID] = len(c.order)
		c.order = append(c.order, def)
	}
	return c, nil
}

func validateLimits(l TierLimits) error {
	for _, kind := range ResourceKinds {
		if n, finite := l.LimitFor(kind).Value(); finite && n < 0 {
			return fmt.Errorf("%w: negative limit %d for %s", ErrInvalidTier, n, kind)
		}
	}
	return nil
}

// LimitsFor returns the limits of tier. An unknown tier is a configuration
// defect and panics; use Lookup when the tier comes from untrusted input.
func (c *Catalog) LimitsFor(tier Tier) TierLimits {
	limits, ok := c.Lookup(tier)
	if !ok {
		panic(fmt.Sprintf("entitle: tier %q is not in the catalog", tier))
	}
	return limits
}

// Lookup returns the limits of tier and whether the catalog defines it
func (c *Catalog) Lookup(tier Tier) (TierLimits, bool) {
	i, ok := c.index[tier]
	if !ok {
		return TierLimits{}, false
	}
	return c.order[i].Limits, true
}

// Has reports whether tier is defined
func (c *Catalog) Has(tier Tier) bool {
	_, ok := c.index[tier]
	return ok
}

// Lowest returns the entry tier
func (c *Catalog) Lowest() Tier {
	return c.order[0].ID
}

// Resolve maps an unset tier to the lowest tier
func (c *Catalog) Resolve(tier Tier) Tier {
	if tier == "" {
		return c.Lowest()
	}
	return tier
}

// Next returns the tier directly above tier, if any
func (c *Catalog) Next(tier Tier) (Tier, bool) {
	i, ok := c.index[tier]
	if !ok || i+1 >= len(c.order) {
		return "", false
	}
	return c.order[i+1].ID, true
}

// Rank returns the position of tier, lowest first, or -1
func (c *Catalog) Rank(tier Tier) int {
	i, ok := c.index[tier]
	if !ok {
		return -1
	}
	return i
}

// DisplayName returns the human name of tier
func (c *Catalog) DisplayName(tier Tier) string {
	if i, ok := c.index[tier]; ok {
		return c.order[i].DisplayName
	}
	return string(tier)
}

// Tiers returns the tier ids, lowest first
func (c *Catalog) Tiers() []Tier {
	tiers := make([]Tier, len(c.order))
	for i, def := range c.order {
		tiers[i] = def.ID
	}
	return tiers
}

// Definitions returns a copy of the tier table
func (c *Catalog) Definitions() []TierDefinition {
	defs := make([]TierDefinition, len(c.order))
	copy(defs, c.order)
	return defs
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
