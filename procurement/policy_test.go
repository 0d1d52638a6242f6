package procurement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aksrustagi/talos-sub002/pricing/regime"
)

func TestApprovalChain(t *testing.T) {
	tests := []struct {
		amount float64
		want   []string
	}{
		{amount: 400, want: nil},
		{amount: 500, want: nil},
		{amount: 501, want: []string{RoleManager}},
		{amount: 5_000, want: []string{RoleManager}},
		{amount: 5_001, want: []string{RoleManager, RoleDirector}},
		{amount: 25_001, want: []string{RoleManager, RoleDirector, RoleVP}},
		{amount: 100_001, want: []string{RoleManager, RoleDirector, RoleVP, RoleCFO}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ApprovalChain(tt.amount), "amount %.2f", tt.amount)
	}
}

func TestApprovalSLA(t *testing.T) {
	assert.Equal(t, 48*time.Hour, ApprovalSLA(UrgencyStandard))
	assert.Equal(t, 8*time.Hour, ApprovalSLA(UrgencyRush))
	assert.Equal(t, 2*time.Hour, ApprovalSLA(UrgencyEmergency))
	assert.Equal(t, 48*time.Hour, ApprovalSLA("something-else"))
}

func TestVolumeDiscount(t *testing.T) {
	assert.Zero(t, VolumeDiscount(49))
	assert.InDelta(t, 0.03, VolumeDiscount(50), 1e-9)
	assert.InDelta(t, 0.03, VolumeDiscount(99), 1e-9)
	assert.InDelta(t, 0.05, VolumeDiscount(100), 1e-9)
	assert.InDelta(t, 0.05, VolumeDiscount(10_000), 1e-9)
}

func TestApplyUrgencyOverride(t *testing.T) {
	assert.Equal(t, regime.RecommendBuyNow, ApplyUrgencyOverride(regime.RecommendWait, UrgencyRush))
	assert.Equal(t, regime.RecommendBuyNow, ApplyUrgencyOverride(regime.RecommendWait, UrgencyEmergency))
	assert.Equal(t, regime.RecommendWait, ApplyUrgencyOverride(regime.RecommendWait, UrgencyStandard))
	// Only wait is overridden; urgent stays urgent.
	assert.Equal(t, regime.RecommendUrgent, ApplyUrgencyOverride(regime.RecommendUrgent, UrgencyEmergency))
}

func TestAlertTier(t *testing.T) {
	assert.Equal(t, AlertCritical, AlertTier(0.16))
	assert.Equal(t, AlertHigh, AlertTier(0.12))
	assert.Equal(t, AlertMedium, AlertTier(0.07))
	assert.Equal(t, AlertMedium, AlertTier(0.05))
	assert.Equal(t, AlertLow, AlertTier(0.04))
	assert.Equal(t, AlertLow, AlertTier(-0.20))
}

func TestVendorScoresComposite(t *testing.T) {
	uniform := VendorScores{Price: 80, Quality: 80, Delivery: 80, Service: 80, Compliance: 80, StrategicFit: 80}
	assert.InDelta(t, 80, uniform.Composite(), 1e-9)

	// Price dominates: moving it moves the composite three tenths.
	priced := uniform
	priced.Price = 90
	assert.InDelta(t, 83, priced.Composite(), 1e-9)
}
