package trainer

import "gonum.org/v1/gonum/stat"

const advantageEps = 1e-8

// GroupAdvantages turns one group's raw returns into zero-mean, unit-scale
// advantages. Normalization happens strictly within the group.
//
// A group where every rollout earned the same return has zero variance; the
// epsilon keeps the division finite and the result is exactly zero for every
// rollout. Such a group contributes no policy-gradient signal, only its KL
// penalty.
func GroupAdvantages(returns []float64) []float64 {
	advantages := make([]float64, len(returns))
	if len(returns) < 2 {
		return advantages
	}
	mean, std := stat.MeanStdDev(returns, nil)
	for i, r := range returns {
		advantages[i] = (r - mean) / (std + advantageEps)
	}
	return advantages
}
