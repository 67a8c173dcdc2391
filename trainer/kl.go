package trainer

import "math"

// ApproxKLDivergence estimates the per-token KL divergence between the policy
// and the frozen reference model using the low-variance k3 estimator
//
//	kl = exp(lr) - lr - 1,  lr = log_probs_ref - log_probs
//
// which is exactly zero where the two distributions assign identical
// log-probabilities and non-negative everywhere, unlike a plain subtraction.
// Positions outside the action mask are left at zero and never contribute.
func ApproxKLDivergence(logProbs, logProbsRef [][]float64, actionMask [][]bool) [][]float64 {
	kl := make([][]float64, len(logProbs))
	for i := range logProbs {
		kl[i] = make([]float64, len(logProbs[i]))
		for t := range logProbs[i] {
			if !actionMask[i][t] {
				continue
			}
			lr := logProbsRef[i][t] - logProbs[i][t]
			kl[i][t] = math.Exp(lr) - lr - 1
		}
	}
	return kl
}

// MaskedMean averages vals over positions where mask is true. An empty mask
// yields 0 rather than NaN.
func MaskedMean(vals [][]float64, mask [][]bool) float64 {
	sum := 0.0
	count := 0
	for i := range vals {
		for t := range vals[i] {
			if mask[i][t] {
				sum += vals[i][t]
				count++
			}
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}
