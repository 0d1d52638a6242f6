package regime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aksrustagi/talos-sub002/pricing"
)

func monthlySeries(start time.Time, prices ...float64) []pricing.PriceRecord {
	records := make([]pricing.PriceRecord, 0, len(prices))
	for i, price := range prices {
		records = append(records, pricing.PriceRecord{
			Price:     price,
			Timestamp: start.AddDate(0, i, 0),
		})
	}
	return records
}

func testPredictor(t *testing.T) *Predictor {
	t.Helper()
	p, err := New(DefaultParams())
	require.NoError(t, err)
	p.now = func() time.Time {
		return time.Date(2026, time.February, 10, 9, 0, 0, 0, time.UTC)
	}
	return p
}

func TestNew_RejectsInvalidParams(t *testing.T) {
	params := DefaultParams()
	params.StableBand = 0

	_, err := New(params)
	require.Error(t, err)
}

func TestForward_BeliefIsDistribution(t *testing.T) {
	p := testPredictor(t)
	series := monthlySeries(time.Date(2025, time.October, 1, 0, 0, 0, 0, time.UTC),
		0.44, 0.45, 0.43, 0.47)
	observations := pricing.BuildObservations(series)
	require.Len(t, observations, 3)

	trace := p.forward(observations)
	require.Len(t, trace, 3)

	for step, belief := range trace {
		sum := 0.0
		for i, v := range belief {
			assert.GreaterOrEqual(t, v, 0.0, "step %d state %s", step, States[i])
			sum += v
		}
		assert.InDelta(t, 1.0, sum, 1e-9, "step %d", step)
	}
}

func TestPredict_EmptyObservationsDegraded(t *testing.T) {
	p := testPredictor(t)

	pred := p.Predict(nil, 12.50, 1000)

	assert.Equal(t, StateUnknown, pred.State)
	assert.True(t, pred.Degraded)
	assert.Equal(t, RecommendBuyNow, pred.Recommendation)
	assert.Zero(t, pred.Probability)
	assert.Zero(t, pred.Day7.Price)
	assert.Zero(t, pred.Day90.Confidence)
	assert.Zero(t, pred.ExpectedSavings)
	assert.Nil(t, pred.WaitUntil)
}

func TestPredict_VolatileSwingsAreUrgent(t *testing.T) {
	p := testPredictor(t)
	// Alternating swings well past the stable band: +2.3%, -4.4%, +9.3%.
	series := monthlySeries(time.Date(2025, time.October, 1, 0, 0, 0, 0, time.UTC),
		0.44, 0.45, 0.43, 0.47)
	observations := pricing.BuildObservations(series)

	pred := p.Predict(observations, 0.47, 120000)

	assert.Equal(t, StateVolatile, pred.State)
	assert.GreaterOrEqual(t, pred.Probability, 0.5)
	assert.Equal(t, RecommendUrgent, pred.Recommendation)
	assert.Nil(t, pred.WaitUntil)
}

func TestPredict_SteadyDeclineRecommendsWait(t *testing.T) {
	p := testPredictor(t)
	series := monthlySeries(time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC),
		1.00, 0.96, 0.92, 0.885)
	observations := pricing.BuildObservations(series)

	pred := p.Predict(observations, 0.885, 50000)

	assert.Equal(t, StateDeclining, pred.State)
	assert.GreaterOrEqual(t, pred.Probability, DefaultParams().WaitConfidence)
	assert.Equal(t, RecommendWait, pred.Recommendation)

	// Prices keep drifting down, so the 90-day forecast is the best one.
	require.NotNil(t, pred.WaitUntil)
	assert.Equal(t, p.now().AddDate(0, 0, 90), *pred.WaitUntil)
	assert.Less(t, pred.Day90.Price, pred.Day30.Price)
	assert.Less(t, pred.Day30.Price, pred.Day7.Price)
	assert.Greater(t, pred.ExpectedSavings, 0.0)
}

func TestPredict_SteadyRiseHasNoSavings(t *testing.T) {
	p := testPredictor(t)
	series := monthlySeries(time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC),
		1.00, 1.04, 1.08, 1.125)
	observations := pricing.BuildObservations(series)

	pred := p.Predict(observations, 1.125, 50000)

	assert.Equal(t, StateRising, pred.State)
	assert.Equal(t, RecommendUrgent, pred.Recommendation)
	assert.Nil(t, pred.WaitUntil)

	// Every forecast is above the current price; savings floor at zero.
	assert.Greater(t, pred.Day7.Price, 1.125)
	assert.Zero(t, pred.ExpectedSavings)
}

func TestPredict_ConfidenceDecaysWithHorizon(t *testing.T) {
	p := testPredictor(t)
	series := monthlySeries(time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC),
		1.00, 0.96, 0.92, 0.885)
	observations := pricing.BuildObservations(series)

	pred := p.Predict(observations, 0.885, 0)

	assert.Greater(t, pred.Day7.Confidence, 0.0)
	assert.GreaterOrEqual(t, pred.Day7.Confidence, pred.Day30.Confidence)
	assert.GreaterOrEqual(t, pred.Day30.Confidence, pred.Day90.Confidence)
	assert.LessOrEqual(t, pred.Day7.Confidence, pred.Probability)
}

func TestPredict_Deterministic(t *testing.T) {
	p := testPredictor(t)
	series := monthlySeries(time.Date(2025, time.October, 1, 0, 0, 0, 0, time.UTC),
		0.44, 0.45, 0.43, 0.47)
	observations := pricing.BuildObservations(series)

	first := p.Predict(observations, 0.47, 120000)
	second := p.Predict(observations, 0.47, 120000)

	assert.Equal(t, first, second)
}

func TestPredict_ZeroVolumeZeroSavings(t *testing.T) {
	p := testPredictor(t)
	series := monthlySeries(time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC),
		1.00, 0.96, 0.92, 0.885)
	observations := pricing.BuildObservations(series)

	pred := p.Predict(observations, 0.885, 0)

	assert.Zero(t, pred.ExpectedSavings)
}
