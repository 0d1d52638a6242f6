// Package pricing turns raw price history into the normalized observation
// vectors the regime model consumes. Records arrive in whatever order the
// price source returns them; observations leave time-ordered and immutable.
package pricing

import (
	"math"
	"sort"
	"time"
)

// PriceRecord is one historical price sample for a product, as returned
// by the price source.
type PriceRecord struct {
	// Price is the unit price for the period. Records with a
	// non-positive price are unusable and skipped.
	Price float64 `json:"price"`

	// Timestamp is when the price was observed.
	Timestamp time.Time `json:"timestamp"`

	// Volume is the purchase volume for the period, in units. Optional;
	// zero means unknown.
	Volume float64 `json:"volume,omitempty"`

	// NewsScore is an externally supplied market-signal score in [0,1].
	// Optional; zero means no signal.
	NewsScore float64 `json:"newsScore,omitempty"`
}

// Observation is one normalized feature vector derived from a pair of
// consecutive price samples.
type Observation struct {
	// PriceChangePct is the signed relative price change from the
	// previous sample: (p1 - p0) / p0.
	PriceChangePct float64 `json:"priceChangePct"`

	// SeasonalIndicator places the sample in the calendar cycle, in
	// [0,1].
	SeasonalIndicator float64 `json:"seasonalIndicator"`

	// VolumeIndicator is the period volume relative to the largest
	// volume in the history, in [0,1]. 0.5 when no record carries volume.
	VolumeIndicator float64 `json:"volumeIndicator"`

	// NewsIndicator is the clamped news score, in [0,1].
	NewsIndicator float64 `json:"newsIndicator"`
}

// BuildObservations converts price records into a time-ordered observation
// sequence. Each observation covers one consecutive pair of usable records,
// so n records yield at most n-1 observations. Returns nil when fewer than
// two records are usable; the predictor treats that as its degraded case.
func BuildObservations(records []PriceRecord) []Observation {
	usable := make([]PriceRecord, 0, len(records))
	for _, r := range records {
		if r.Price > 0 {
			usable = append(usable, r)
		}
	}
	if len(usable) < 2 {
		return nil
	}

	sort.SliceStable(usable, func(i, j int) bool {
		return usable[i].Timestamp.Before(usable[j].Timestamp)
	})

	maxVolume := 0.0
	for _, r := range usable {
		if r.Volume > maxVolume {
			maxVolume = r.Volume
		}
	}

	obs := make([]Observation, 0, len(usable)-1)
	for i := 1; i < len(usable); i++ {
		prev, cur := usable[i-1], usable[i]
		obs = append(obs, Observation{
			PriceChangePct:    (cur.Price - prev.Price) / prev.Price,
			SeasonalIndicator: seasonalIndicator(cur.Timestamp),
			VolumeIndicator:   volumeIndicator(cur.Volume, maxVolume),
			NewsIndicator:     clamp01(cur.NewsScore),
		})
	}
	return obs
}

// seasonalIndicator maps the sample's month onto a smooth annual cycle.
// It is a calendar proxy, not a fitted seasonal model: the regime model
// only needs a stable, bounded signal that distinguishes times of year.
func seasonalIndicator(t time.Time) float64 {
	month := float64(t.Month() - 1)
	return 0.5 + 0.5*math.Sin(2*math.Pi*month/12)
}

// volumeIndicator normalizes a period volume against the history's
// maximum. Histories with no volume data get a neutral 0.5 so the
// indicator neither supports nor contradicts any state.
func volumeIndicator(volume, maxVolume float64) float64 {
	if maxVolume <= 0 {
		return 0.5
	}
	return clamp01(volume / maxVolume)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
