package inference

import "math"

// Softmax converts raw scores into probabilities. The maximum is subtracted first so
// large scores do not overflow.
func Softmax(scores []float32) []float32 {
	if len(scores) == 0 {
		return nil
	}

	peak := scores[0]
	for _, s := range scores[1:] {
		peak = max(peak, s)
	}

	probs := make([]float32, len(scores))
	var sum float64
	for i, s := range scores {
		e := math.Exp(float64(s - peak))
		probs[i] = float32(e)
		sum += e
	}
	for i := range probs {
		probs[i] = float32(float64(probs[i]) / sum)
	}
	return probs
}

// Argmax returns the index and value of the largest element, or -1 for an empty slice.
// Ties go to the lowest index.
func Argmax(values []float32) (int, float32) {
	if len(values) == 0 {
		return -1, 0
	}
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best, values[best]
}
