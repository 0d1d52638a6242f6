package regime

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Params hold every tunable of the regime model: transition structure,
// emission thresholds, per-state drift, and the recommendation policy.
// The defaults encode procurement pricing wisdom (a stable regime moves
// within ±2% monthly, a trend beyond that, volatility beyond ±8%); they
// are policy, not ground truth, so deployments may override them from a
// YAML file.
type Params struct {
	// StableBand bounds |priceChangePct| for a move that still reads as
	// stable.
	StableBand float64 `yaml:"stable_band"`

	// TrendScale is the change magnitude at which a trend emission
	// saturates.
	TrendScale float64 `yaml:"trend_scale"`

	// VolatilityThreshold is the |priceChangePct| beyond which the
	// volatile state becomes the dominant explanation.
	VolatilityThreshold float64 `yaml:"volatility_threshold"`

	// EmissionFloor keeps every state's emission likelihood positive so
	// the belief never collapses to exact zero.
	EmissionFloor float64 `yaml:"emission_floor"`

	// Transitions is the row-stochastic transition structure. Rows must
	// sum to 1; absent pairs are zero-probability.
	Transitions map[State]map[State]float64 `yaml:"transitions"`

	// Drift is the expected relative price change over one model period
	// (30 days) conditional on the state.
	Drift map[State]float64 `yaml:"drift"`

	// ConfidenceDecay scales the posterior probability into per-horizon
	// forecast confidence. Must be non-increasing day7 → day90.
	ConfidenceDecay HorizonDecay `yaml:"confidence_decay"`

	// UrgentConfidence is the posterior probability above which a rising
	// or volatile state warrants an urgent recommendation.
	UrgentConfidence float64 `yaml:"urgent_confidence"`

	// WaitConfidence is the posterior probability above which a declining
	// or peak state warrants waiting for a better price.
	WaitConfidence float64 `yaml:"wait_confidence"`
}

// HorizonDecay is the confidence multiplier per forecast horizon.
type HorizonDecay struct {
	Day7  float64 `yaml:"day7"`
	Day30 float64 `yaml:"day30"`
	Day90 float64 `yaml:"day90"`
}

// DefaultParams returns the built-in model parameters.
//
// The transition rows favor self-transition; rising↔peak and
// declining↔trough are the only direct links between trend and
// turning-point states (a peak resolves through stable or volatile, not
// straight into a decline); volatile is reachable from everywhere.
func DefaultParams() Params {
	return Params{
		StableBand:          0.02,
		TrendScale:          0.05,
		VolatilityThreshold: 0.08,
		EmissionFloor:       0.01,
		Transitions: map[State]map[State]float64{
			StateStable: {
				StateStable: 0.70, StateRising: 0.11, StateDeclining: 0.11, StateVolatile: 0.08,
			},
			StateRising: {
				StateRising: 0.62, StatePeak: 0.18, StateStable: 0.12, StateVolatile: 0.08,
			},
			StatePeak: {
				StatePeak: 0.55, StateRising: 0.20, StateStable: 0.17, StateVolatile: 0.08,
			},
			StateDeclining: {
				StateDeclining: 0.62, StateTrough: 0.18, StateStable: 0.12, StateVolatile: 0.08,
			},
			StateTrough: {
				StateTrough: 0.55, StateDeclining: 0.20, StateStable: 0.17, StateVolatile: 0.08,
			},
			StateVolatile: {
				StateVolatile: 0.45, StateStable: 0.19, StateRising: 0.12, StateDeclining: 0.12,
				StatePeak: 0.06, StateTrough: 0.06,
			},
		},
		Drift: map[State]float64{
			StateStable:    0.0,
			StateRising:    0.04,
			StatePeak:      0.01,
			StateDeclining: -0.04,
			StateTrough:    -0.01,
			StateVolatile:  0.0,
		},
		ConfidenceDecay:  HorizonDecay{Day7: 0.90, Day30: 0.75, Day90: 0.55},
		UrgentConfidence: 0.50,
		WaitConfidence:   0.45,
	}
}

// LoadParams reads a YAML override file on top of the defaults. Fields
// absent from the file keep their default values.
func LoadParams(path string) (Params, error) {
	params := DefaultParams()

	data, err := os.ReadFile(path)
	if err != nil {
		return Params{}, fmt.Errorf("regime: read params: %w", err)
	}
	if err := yaml.Unmarshal(data, &params); err != nil {
		return Params{}, fmt.Errorf("regime: parse params: %w", err)
	}
	if err := params.Validate(); err != nil {
		return Params{}, err
	}
	return params, nil
}

// Validate checks the structural invariants of the parameter set.
func (p Params) Validate() error {
	if p.StableBand <= 0 || p.TrendScale <= 0 || p.VolatilityThreshold <= 0 {
		return fmt.Errorf("regime: thresholds must be positive")
	}
	if p.EmissionFloor <= 0 || p.EmissionFloor >= 1 {
		return fmt.Errorf("regime: emission floor must be in (0,1)")
	}
	for _, state := range States {
		row, ok := p.Transitions[state]
		if !ok {
			return fmt.Errorf("regime: missing transition row for state %s", state)
		}
		sum := 0.0
		for target, prob := range row {
			if !target.valid() {
				return fmt.Errorf("regime: unknown transition target %s", target)
			}
			if prob < 0 {
				return fmt.Errorf("regime: negative transition %s -> %s", state, target)
			}
			sum += prob
		}
		if math.Abs(sum-1.0) > 1e-6 {
			return fmt.Errorf("regime: transition row %s sums to %v, want 1", state, sum)
		}
	}
	d := p.ConfidenceDecay
	if d.Day7 < d.Day30 || d.Day30 < d.Day90 {
		return fmt.Errorf("regime: confidence decay must be non-increasing with horizon")
	}
	if d.Day7 <= 0 || d.Day7 > 1 || d.Day90 <= 0 {
		return fmt.Errorf("regime: confidence decay must be in (0,1]")
	}
	return nil
}
