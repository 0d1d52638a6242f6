package procurement

import (
	"time"

	"github.com/aksrustagi/talos-sub002/pricing/regime"
)

// ====== Approval Policy ======

// Urgency levels accepted on requisitions. Unknown values are treated
// as standard.
const (
	UrgencyStandard  = "standard"
	UrgencyRush      = "rush"
	UrgencyEmergency = "emergency"
)

// Approver roles in escalation order.
const (
	RoleManager  = "manager"
	RoleDirector = "director"
	RoleVP       = "vp"
	RoleCFO      = "cfo"
)

// ApprovalChain returns the cumulative approver chain for an order
// amount. Each threshold adds a signer; below the first threshold the
// order auto-approves with an empty chain.
func ApprovalChain(amount float64) []string {
	var chain []string
	if amount > 500 {
		chain = append(chain, RoleManager)
	}
	if amount > 5_000 {
		chain = append(chain, RoleDirector)
	}
	if amount > 25_000 {
		chain = append(chain, RoleVP)
	}
	if amount > 100_000 {
		chain = append(chain, RoleCFO)
	}
	return chain
}

// ApprovalSLA returns how long each approver in the chain has to act.
func ApprovalSLA(urgency string) time.Duration {
	switch urgency {
	case UrgencyEmergency:
		return 2 * time.Hour
	case UrgencyRush:
		return 8 * time.Hour
	default:
		return 48 * time.Hour
	}
}

// ====== Pricing Policy ======

// VolumeDiscount returns the discount rate earned at a quantity.
func VolumeDiscount(quantity int) float64 {
	switch {
	case quantity >= 100:
		return 0.05
	case quantity >= 50:
		return 0.03
	default:
		return 0
	}
}

// ApplyUrgencyOverride downgrades a wait recommendation when the
// requisition cannot wait. Rush and emergency orders buy at today's
// price regardless of the predicted regime.
func ApplyUrgencyOverride(rec regime.Recommendation, urgency string) regime.Recommendation {
	if rec != regime.RecommendWait {
		return rec
	}
	if urgency == UrgencyRush || urgency == UrgencyEmergency {
		return regime.RecommendBuyNow
	}
	return rec
}

// ====== Alerting Policy ======

// Alert tiers for predicted price movement.
const (
	AlertCritical = "CRITICAL"
	AlertHigh     = "HIGH"
	AlertMedium   = "MEDIUM"
	AlertLow      = "LOW"
)

// AlertTier maps a predicted 30-day price increase (as a fraction of
// the current price) to an alert tier.
func AlertTier(predictedIncrease float64) string {
	switch {
	case predictedIncrease > 0.15:
		return AlertCritical
	case predictedIncrease > 0.10:
		return AlertHigh
	case predictedIncrease >= 0.05:
		return AlertMedium
	default:
		return AlertLow
	}
}

// ====== Vendor Scoring ======

// VendorScores are the per-dimension inputs to a composite vendor
// score, each on a 0-100 scale.
type VendorScores struct {
	Price        float64 `json:"price"`
	Quality      float64 `json:"quality"`
	Delivery     float64 `json:"delivery"`
	Service      float64 `json:"service"`
	Compliance   float64 `json:"compliance"`
	StrategicFit float64 `json:"strategicFit"`
}

// Composite collapses the dimensions into one weighted 0-100 score.
// Price carries the largest weight; strategic fit the smallest.
func (v VendorScores) Composite() float64 {
	return v.Price*0.30 +
		v.Quality*0.20 +
		v.Delivery*0.20 +
		v.Service*0.15 +
		v.Compliance*0.10 +
		v.StrategicFit*0.05
}
