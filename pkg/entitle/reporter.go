package entitle

import (
	"context"
	"fmt"
)

// Reporter projects ledger and tier into display-ready numbers. It never writes.
type Reporter struct {
	catalog *Catalog
	ledger  *Ledger
}

// NewReporter creates a reporter; a nil catalog means DefaultCatalog
func NewReporter(catalog *Catalog, ledger *Ledger) *Reporter {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Reporter{catalog: catalog, ledger: ledger}
}

// Snapshot returns tier, limits, usage and usage percentages for project
func (r *Reporter) Snapshot(ctx context.Context, project Project) (Snapshot, error) {
	tier := r.catalog.Resolve(project.SubscriptionTier)
	limits, ok := r.catalog.Lookup(tier)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}

	usage, err := r.ledger.Get(ctx, project.ID)
	if err != nil {
		return Snapshot{}, err
	}

	return Snapshot{
		Tier:   tier,
		Limits: limits,
		Usage:  usage,
		Percentage: Percentage{
			Media:  Finite(limits.MaxMediaCredits).Percent(usage.MediaCreditsUsed),
			Briefs: limits.MaxStrategyBriefs.Percent(usage.TotalStrategyBriefs),
		},
	}, nil
}
