package entitle

import "fmt"

// denialReason builds the user-facing upgrade prompt for a denied request
func denialReason(catalog *Catalog, tier Tier, kind ResourceKind, used int, limit Limit) string {
	ceiling, _ := limit.Value()

	next, hasNext := catalog.Next(tier)
	nextName := catalog.DisplayName(next)

	switch kind {
	case ResourceMediaCredit:
		return fmt.Sprintf("Media credits exhausted (%d/%d).", used, ceiling)

	case ResourceProCall:
		if !hasNext {
			return fmt.Sprintf("Pro Call limit reached (%d/%d).", used, ceiling)
		}
		if catalog.LimitsFor(next).MaxProCalls.IsUnlimited() {
			return fmt.Sprintf("Pro Call limit reached. Upgrade to %s for unlimited access.", nextName)
		}
		return fmt.Sprintf("Pro Call limit reached. Upgrade to %s for more.", nextName)

	case ResourceProject:
		msg := fmt.Sprintf("Project limit reached (%d/%d).", used, ceiling)
		if hasNext {
			msg += fmt.Sprintf(" Upgrade to %s to create more projects.", nextName)
		}
		return msg

	case ResourceStrategyBrief:
		msg := fmt.Sprintf("Strategy brief limit reached (%d/%d).", used, ceiling)
		if hasNext {
			msg += fmt.Sprintf(" Upgrade to %s for more briefs.", nextName)
		}
		return msg

	case ResourceSearchQuery:
		msg := fmt.Sprintf("Search query limit reached (%d/%d).", used, ceiling)
		if hasNext {
			msg += fmt.Sprintf(" Upgrade to %s for more searches.", nextName)
		}
		return msg
	}

	return fmt.Sprintf("%s limit reached.", kind)
}
