package entitle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()

	assert.Equal(t, []Tier{TierStarter, TierGrowth, TierAgency}, c.Tiers())
	assert.Equal(t, TierStarter, c.Lowest())

	starter := c.LimitsFor(TierStarter)
	assert.Equal(t, 1, starter.MaxProjects)
	assert.Equal(t, Finite(10), starter.MaxProCalls)
	assert.Equal(t, 50, starter.MaxMediaCredits)
	assert.Equal(t, Finite(5), starter.MaxStrategyBriefs)
	assert.False(t, starter.HasEnterprisePrivacy)

	growth := c.LimitsFor(TierGrowth)
	assert.True(t, growth.MaxProCalls.IsUnlimited())
	assert.Equal(t, 500, growth.MaxMediaCredits)

	agency := c.LimitsFor(TierAgency)
	assert.Equal(t, Finite(500), agency.MaxStrategyBriefs)
	assert.True(t, agency.HasEnterprisePrivacy)
}

func TestCatalog_LimitsForUnknownTierPanics(t *testing.T) {
	c := DefaultCatalog()
	assert.Panics(t, func() { c.LimitsFor("platinum") })

	_, ok := c.Lookup("platinum")
	assert.False(t, ok)
	assert.False(t, c.Has("platinum"))
}

func TestCatalog_Ordering(t *testing.T) {
	c := DefaultCatalog()

	next, ok := c.Next(TierStarter)
	assert.True(t, ok)
	assert.Equal(t, TierGrowth, next)

	_, ok = c.Next(TierAgency)
	assert.False(t, ok)

	assert.Equal(t, 0, c.Rank(TierStarter))
	assert.Equal(t, 2, c.Rank(TierAgency))
	assert.Equal(t, -1, c.Rank("platinum"))

	assert.Equal(t, TierStarter, c.Resolve(""))
	assert.Equal(t, TierAgency, c.Resolve(TierAgency))
	assert.Equal(t, "Growth", c.DisplayName(TierGrowth))
}

func TestNewCatalog_Validation(t *testing.T) {
	tests := []struct {
		name string
		defs []TierDefinition
	}{
		{"empty", nil},
		{"empty id", []TierDefinition{{ID: ""}}},
		{"duplicate", []TierDefinition{{ID: "free"}, {ID: "free"}}},
		{"negative limit", []TierDefinition{{ID: "free", Limits: TierLimits{MaxMediaCredits: -1}}}},
		{"negative limit variant", []TierDefinition{{ID: "free", Limits: TierLimits{MaxProCalls: Finite(-3)}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCatalog(tt.defs...)
			assert.ErrorIs(t, err, ErrInvalidTier)
		})
	}
}

func TestNewCatalog_DefaultsDisplayName(t *testing.T) {
	c, err := NewCatalog(
		TierDefinition{ID: "free", Limits: TierLimits{MaxProjects: 1}},
		TierDefinition{ID: "pro", DisplayName: "Professional", Limits: TierLimits{MaxProCalls: Unlimited}},
	)
	require.NoError(t, err)

	assert.Equal(t, "Free", c.DisplayName("free"))
	assert.Equal(t, "Professional", c.DisplayName("pro"))

	defs := c.Definitions()
	defs[0].ID = "mutated"
	assert.Equal(t, Tier("free"), c.Lowest())
}
