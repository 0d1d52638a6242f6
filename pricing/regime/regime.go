// Package regime models price behavior as a hidden Markov process over six
// qualitative states and turns the resulting belief into multi-horizon
// price forecasts and a purchase-timing recommendation.
package regime

import (
	"math"
	"time"

	"github.com/aksrustagi/talos-sub002/pricing"
)

// State is a qualitative price-behavior class.
type State string

const (
	// StateStable: price moving within the stable band.
	StateStable State = "stable"

	// StateRising: consistent upward trend.
	StateRising State = "rising"

	// StatePeak: local maximum after a rise.
	StatePeak State = "peak"

	// StateDeclining: consistent downward trend.
	StateDeclining State = "declining"

	// StateTrough: local minimum after a decline.
	StateTrough State = "trough"

	// StateVolatile: rapid changes with no sustained direction.
	StateVolatile State = "volatile"

	// StateUnknown is the degraded fallback for an empty observation
	// sequence. Never part of the belief distribution.
	StateUnknown State = "unknown"
)

// States lists the model states in canonical order. Belief vectors index
// into this slice, and every iteration over states follows it, so the
// model is deterministic for identical inputs.
var States = []State{
	StateStable,
	StateRising,
	StatePeak,
	StateDeclining,
	StateTrough,
	StateVolatile,
}

func (s State) valid() bool {
	for _, st := range States {
		if s == st {
			return true
		}
	}
	return false
}

// Recommendation is the purchase-timing advice attached to a prediction.
type Recommendation string

const (
	// RecommendBuyNow: no confident reason to delay or hurry.
	RecommendBuyNow Recommendation = "buy_now"

	// RecommendWait: a better price is expected within the horizon.
	RecommendWait Recommendation = "wait"

	// RecommendUrgent: buy before the price moves against the buyer.
	RecommendUrgent Recommendation = "urgent"
)

// Forecast is a price projection for one horizon.
type Forecast struct {
	Price      float64 `json:"price"`
	Confidence float64 `json:"confidence"`
}

// Prediction is the model output for one product.
type Prediction struct {
	// State is the highest-posterior state at the last observation.
	State State `json:"state"`

	// Probability is the posterior probability of State.
	Probability float64 `json:"probability"`

	// Day7, Day30, Day90 are the horizon forecasts. Confidence is
	// non-increasing with horizon.
	Day7  Forecast `json:"day7"`
	Day30 Forecast `json:"day30"`
	Day90 Forecast `json:"day90"`

	// Recommendation is the timing advice derived from the state belief.
	Recommendation Recommendation `json:"recommendation"`

	// WaitUntil is set when the recommendation is to wait: the time of
	// the best forecasted price.
	WaitUntil *time.Time `json:"waitUntil,omitempty"`

	// ExpectedSavings = (current price - best forecasted price) x annual
	// volume, floored at zero.
	ExpectedSavings float64 `json:"expectedSavings"`

	// Degraded marks the empty-observation fallback so callers never
	// mistake it for a confident stable reading.
	Degraded bool `json:"degraded,omitempty"`
}

// Predictor runs the regime model with a fixed parameter set. Safe for
// concurrent use; Predict does not mutate the predictor.
type Predictor struct {
	params Params
	now    func() time.Time
}

// New returns a Predictor after validating the parameters.
func New(params Params) (*Predictor, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Predictor{params: params, now: time.Now}, nil
}

// Predict estimates the current price state from the observation sequence
// and projects 7/30/90-day forecasts for the product.
//
// An empty sequence returns the degraded unknown prediction: zero
// confidence, no forecasts, buy_now. The caller gets a defined answer,
// never an error, because missing history is an expected condition for
// newly watched products.
func (p *Predictor) Predict(observations []pricing.Observation, currentPrice, annualVolume float64) Prediction {
	if len(observations) == 0 {
		return Prediction{
			State:          StateUnknown,
			Recommendation: RecommendBuyNow,
			Degraded:       true,
		}
	}

	trace := p.forward(observations)
	belief := trace[len(trace)-1]

	best := 0
	for i := range belief {
		if belief[i] > belief[best] {
			best = i
		}
	}
	state := States[best]
	probability := belief[best]

	day7, day30, day90 := p.forecast(belief, currentPrice)
	decay := p.params.ConfidenceDecay
	day7.Confidence = probability * decay.Day7
	day30.Confidence = probability * decay.Day30
	day90.Confidence = probability * decay.Day90

	pred := Prediction{
		State:       state,
		Probability: probability,
		Day7:        day7,
		Day30:       day30,
		Day90:       day90,
	}

	bestPrice, bestDays := day7.Price, 7
	if day30.Price < bestPrice {
		bestPrice, bestDays = day30.Price, 30
	}
	if day90.Price < bestPrice {
		bestPrice, bestDays = day90.Price, 90
	}
	pred.ExpectedSavings = math.Max(0, (currentPrice-bestPrice)*annualVolume)

	switch {
	case (state == StateRising || state == StateVolatile) && probability >= p.params.UrgentConfidence:
		pred.Recommendation = RecommendUrgent
	case (state == StateDeclining || state == StatePeak) && probability >= p.params.WaitConfidence:
		pred.Recommendation = RecommendWait
		waitUntil := p.now().AddDate(0, 0, bestDays)
		pred.WaitUntil = &waitUntil
	default:
		pred.Recommendation = RecommendBuyNow
	}
	return pred
}

// forward runs the forward algorithm: propagate the belief through the
// transition structure, weight by the emission likelihoods, normalize.
// Returns the belief after every observation; each row sums to 1.
func (p *Predictor) forward(observations []pricing.Observation) [][]float64 {
	n := len(States)

	belief := make([]float64, n)
	for i := range belief {
		belief[i] = 1.0 / float64(n)
	}

	trace := make([][]float64, 0, len(observations))
	for _, obs := range observations {
		next := make([]float64, n)
		for j, target := range States {
			prior := 0.0
			for i, source := range States {
				prior += belief[i] * p.params.Transitions[source][target]
			}
			next[j] = prior * p.emission(target, obs)
		}

		total := 0.0
		for _, v := range next {
			total += v
		}
		// The emission floor keeps total positive for any observation.
		for j := range next {
			next[j] /= total
		}

		belief = next
		trace = append(trace, belief)
	}
	return trace
}

// emission scores how well an observation fits a state, keyed on the
// sign and magnitude of the price change with the auxiliary indicators
// as modulators. Values are relative likelihoods, not probabilities.
func (p *Predictor) emission(state State, obs pricing.Observation) float64 {
	pct := obs.PriceChangePct
	magnitude := math.Abs(pct)
	params := p.params

	var score float64
	switch state {
	case StateStable:
		// Full likelihood at zero change, gone past twice the band.
		score = 1 - magnitude/(2*params.StableBand)
	case StateRising:
		score = (pct / params.TrendScale) * (0.7 + 0.3*obs.VolumeIndicator)
	case StateDeclining:
		score = (-pct / params.TrendScale) * (0.7 + 0.3*obs.VolumeIndicator)
	case StatePeak:
		// Turning points look like a stall; seasonal highs make a peak
		// the likelier explanation for one.
		score = (1 - magnitude/params.StableBand) * (0.4 + 0.6*obs.SeasonalIndicator)
	case StateTrough:
		score = (1 - magnitude/params.StableBand) * (0.4 + 0.6*(1-obs.SeasonalIndicator))
	case StateVolatile:
		score = (magnitude / params.VolatilityThreshold) * (0.6 + 0.4*obs.NewsIndicator)
	}

	return math.Max(params.EmissionFloor, math.Min(1, score))
}

// forecast projects the horizon prices by stepping the belief through the
// transition structure one model period (30 days) at a time and
// accumulating the belief-weighted drift. Prices never go below zero.
func (p *Predictor) forecast(belief []float64, currentPrice float64) (day7, day30, day90 Forecast) {
	drift0 := p.weightedDrift(belief)

	day7.Price = math.Max(0, currentPrice*(1+drift0*7.0/30.0))
	day30.Price = math.Max(0, currentPrice*(1+drift0))

	price := currentPrice * (1 + drift0)
	b := belief
	for i := 0; i < 2; i++ {
		b = p.step(b)
		price *= 1 + p.weightedDrift(b)
	}
	day90.Price = math.Max(0, price)
	return day7, day30, day90
}

// step propagates a belief one period through the transition structure.
func (p *Predictor) step(belief []float64) []float64 {
	next := make([]float64, len(States))
	for j, target := range States {
		for i, source := range States {
			next[j] += belief[i] * p.params.Transitions[source][target]
		}
	}
	return next
}

func (p *Predictor) weightedDrift(belief []float64) float64 {
	drift := 0.0
	for i, state := range States {
		drift += belief[i] * p.params.Drift[state]
	}
	return drift
}
