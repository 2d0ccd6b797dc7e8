// Package plans defines the subscription plan catalogue: which marketplace
// features each tier includes and the usage limits applied per account.
package plans

// Plan identifies the pricing tier.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanStarter    Plan = "starter"
	PlanGrowth     Plan = "growth"
	PlanEnterprise Plan = "enterprise"
)

// Feature is a named capability granted by a plan.
type Feature string

const (
	FeatureMarketplaceBrowse Feature = "marketplace_browse"
	FeatureMarketplaceList   Feature = "marketplace_list"
	FeatureMarketplaceOffer  Feature = "marketplace_offer"
)

// Resource is a countable resource subject to per-plan limits.
type Resource string

const (
	ResourceActiveListings Resource = "listings"
	ResourcePendingOffers  Resource = "offers"
)

// Config defines the features and limits for one tier.
// A limit of -1 means unlimited.
type Config struct {
	Plan     Plan
	Features []Feature
	Limits   map[Resource]int
}

// Catalogue is the hardcoded plan catalogue.
var Catalogue = map[Plan]Config{
	PlanFree: {
		Plan: PlanFree,
		Features: []Feature{
			FeatureMarketplaceBrowse,
			FeatureMarketplaceOffer,
		},
		Limits: map[Resource]int{
			ResourceActiveListings: 0,
			ResourcePendingOffers:  3,
		},
	},
	PlanStarter: {
		Plan: PlanStarter,
		Features: []Feature{
			FeatureMarketplaceBrowse,
			FeatureMarketplaceList,
			FeatureMarketplaceOffer,
		},
		Limits: map[Resource]int{
			ResourceActiveListings: 10,
			ResourcePendingOffers:  20,
		},
	},
	PlanGrowth: {
		Plan: PlanGrowth,
		Features: []Feature{
			FeatureMarketplaceBrowse,
			FeatureMarketplaceList,
			FeatureMarketplaceOffer,
		},
		Limits: map[Resource]int{
			ResourceActiveListings: 50,
			ResourcePendingOffers:  -1,
		},
	},
	PlanEnterprise: {
		Plan: PlanEnterprise,
		Features: []Feature{
			FeatureMarketplaceBrowse,
			FeatureMarketplaceList,
			FeatureMarketplaceOffer,
		},
		Limits: map[Resource]int{
			ResourceActiveListings: -1,
			ResourcePendingOffers:  -1,
		},
	},
}

// Premium reports whether the tier qualifies for the reduced marketplace
// commission rate.
func Premium(p Plan) bool {
	return p == PlanGrowth || p == PlanEnterprise
}

// Valid returns true if the plan name is recognised.
func Valid(p Plan) bool {
	_, ok := Catalogue[p]
	return ok
}

// HasFeature reports whether the plan includes the feature.
// Unknown plans fall back to the free tier.
func HasFeature(p Plan, f Feature) bool {
	cfg, ok := Catalogue[p]
	if !ok {
		cfg = Catalogue[PlanFree]
	}
	for _, have := range cfg.Features {
		if have == f {
			return true
		}
	}
	return false
}

// Limit returns the plan's limit for a resource and whether a limit exists.
// ok=false means the resource is unlimited on this plan.
func Limit(p Plan, r Resource) (int, bool) {
	cfg, exists := Catalogue[p]
	if !exists {
		cfg = Catalogue[PlanFree]
	}
	n, exists := cfg.Limits[r]
	if !exists || n < 0 {
		return 0, false
	}
	return n, true
}

// WithinLimit reports whether currentCount more of a resource is allowed,
// i.e. creating one more would not exceed the plan's limit.
func WithinLimit(p Plan, r Resource, currentCount int) bool {
	limit, ok := Limit(p, r)
	if !ok {
		return true
	}
	return currentCount < limit
}
