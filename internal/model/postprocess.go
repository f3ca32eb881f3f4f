package model

import (
	"fmt"
	"math"
)

// probabilityTolerance absorbs float32 rounding in exported softmax layers.
const probabilityTolerance = 1e-4

// Argmax returns the index of the largest value. Ties resolve to the first
// occurrence. It returns -1 for an empty slice.
func Argmax(values []float32) int {
	if len(values) == 0 {
		return -1
	}
	maxIdx := 0
	maxVal := values[0]
	for i, v := range values[1:] {
		if v > maxVal {
			maxVal = v
			maxIdx = i + 1
		}
	}
	return maxIdx
}

// Softmax converts logits to probabilities.
func Softmax(logits []float32) []float32 {
	out := make([]float32, len(logits))
	if len(logits) == 0 {
		return out
	}
	maxVal := logits[Argmax(logits)]
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64(v - maxVal))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}

// toPrediction picks the top class from a probability vector.
func toPrediction(probs []float32, classes []string) (Prediction, error) {
	if len(probs) != len(classes) {
		return Prediction{}, fmt.Errorf("%w: got %d scores for %d classes", ErrInference, len(probs), len(classes))
	}

	scores := make(map[string]float32, len(classes))
	for i, p := range probs {
		if math.IsNaN(float64(p)) || p < -probabilityTolerance || p > 1+probabilityTolerance {
			return Prediction{}, fmt.Errorf("%w: score %v for %q outside [0,1]", ErrInference, p, classes[i])
		}
		probs[i] = clamp01(p)
		scores[classes[i]] = probs[i]
	}

	idx := Argmax(probs)
	return Prediction{
		Class:      classes[idx],
		Confidence: probs[idx],
		Scores:     scores,
	}, nil
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
