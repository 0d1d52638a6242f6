package pricing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(day string, price float64) PriceRecord {
	ts, err := time.Parse("2006-01-02", day)
	if err != nil {
		panic(err)
	}
	return PriceRecord{Price: price, Timestamp: ts}
}

func TestBuildObservations_PriceChanges(t *testing.T) {
	obs := BuildObservations([]PriceRecord{
		record("2024-10-01", 0.44),
		record("2024-11-01", 0.45),
		record("2024-12-01", 0.43),
		record("2025-01-01", 0.47),
	})

	require.Len(t, obs, 3)
	assert.InDelta(t, (0.45-0.44)/0.44, obs[0].PriceChangePct, 1e-9)
	assert.InDelta(t, (0.43-0.45)/0.45, obs[1].PriceChangePct, 1e-9)
	assert.InDelta(t, (0.47-0.43)/0.43, obs[2].PriceChangePct, 1e-9)
}

func TestBuildObservations_SortsByTimestamp(t *testing.T) {
	obs := BuildObservations([]PriceRecord{
		record("2025-03-01", 12.00),
		record("2025-01-01", 10.00),
		record("2025-02-01", 11.00),
	})

	require.Len(t, obs, 2)
	assert.InDelta(t, 0.10, obs[0].PriceChangePct, 1e-9)
	assert.InDelta(t, (12.00-11.00)/11.00, obs[1].PriceChangePct, 1e-9)
}

func TestBuildObservations_SkipsUnusableRecords(t *testing.T) {
	obs := BuildObservations([]PriceRecord{
		record("2025-01-01", 10.00),
		record("2025-02-01", 0),     // missing price
		record("2025-03-01", -5.00), // corrupt
		record("2025-04-01", 12.00),
	})

	require.Len(t, obs, 1)
	assert.InDelta(t, 0.20, obs[0].PriceChangePct, 1e-9)
}

func TestBuildObservations_TooFewRecords(t *testing.T) {
	assert.Nil(t, BuildObservations(nil))
	assert.Nil(t, BuildObservations([]PriceRecord{record("2025-01-01", 10)}))
	assert.Nil(t, BuildObservations([]PriceRecord{
		record("2025-01-01", 10),
		{Price: 0, Timestamp: time.Now()},
	}))
}

func TestBuildObservations_Indicators(t *testing.T) {
	records := []PriceRecord{
		{Price: 10, Timestamp: mustParse(t, "2025-01-01"), Volume: 100},
		{Price: 11, Timestamp: mustParse(t, "2025-02-01"), Volume: 400, NewsScore: 0.3},
		{Price: 12, Timestamp: mustParse(t, "2025-03-01"), Volume: 200, NewsScore: 1.7},
	}

	obs := BuildObservations(records)
	require.Len(t, obs, 2)

	// Volume normalized against the history's max of 400.
	assert.InDelta(t, 1.0, obs[0].VolumeIndicator, 1e-9)
	assert.InDelta(t, 0.5, obs[1].VolumeIndicator, 1e-9)

	// News clamped into [0,1].
	assert.InDelta(t, 0.3, obs[0].NewsIndicator, 1e-9)
	assert.InDelta(t, 1.0, obs[1].NewsIndicator, 1e-9)

	for _, o := range obs {
		assert.GreaterOrEqual(t, o.SeasonalIndicator, 0.0)
		assert.LessOrEqual(t, o.SeasonalIndicator, 1.0)
	}
}

func TestBuildObservations_NoVolumeDataIsNeutral(t *testing.T) {
	obs := BuildObservations([]PriceRecord{
		record("2025-01-01", 10),
		record("2025-02-01", 11),
	})

	require.Len(t, obs, 1)
	assert.InDelta(t, 0.5, obs[0].VolumeIndicator, 1e-9)
}

func mustParse(t *testing.T, day string) time.Time {
	t.Helper()
	ts, err := time.Parse("2006-01-02", day)
	require.NoError(t, err)
	return ts
}
