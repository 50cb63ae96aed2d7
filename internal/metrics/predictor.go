package metrics

import "github.com/shopspring/decimal"

// Predictor extrapolates the next funding rate from a window ordered oldest to newest.
// It reports false when the history is too short to say anything.
type Predictor interface {
	Predict(history []Sample) (decimal.Decimal, bool)
}

// PredictorFunc adapts a function to Predictor.
type PredictorFunc func(history []Sample) (decimal.Decimal, bool)

func (f PredictorFunc) Predict(history []Sample) (decimal.Decimal, bool) { return f(history) }

// WeightedAverage averages the last K samples with linear weights 1..K, newest heaviest.
type WeightedAverage struct {
	K          int
	MinSamples int
}

// DefaultPredictor is used when the engine is built without one.
var DefaultPredictor = WeightedAverage{K: 8, MinSamples: 3}

func (w WeightedAverage) Predict(history []Sample) (decimal.Decimal, bool) {
	k := w.K
	if k <= 0 {
		k = DefaultPredictor.K
	}
	minSamples := w.MinSamples
	if minSamples <= 0 {
		minSamples = 1
	}
	if len(history) < minSamples || len(history) == 0 {
		return decimal.Decimal{}, false
	}
	if len(history) > k {
		history = history[len(history)-k:]
	}

	var sum, weights decimal.Decimal
	for i, s := range history {
		weight := decimal.NewFromInt(int64(i + 1))
		sum = sum.Add(s.Value.Mul(weight))
		weights = weights.Add(weight)
	}
	return sum.Div(weights), true
}
