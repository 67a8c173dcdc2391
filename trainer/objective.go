package trainer

import "math"

// GRPOObjective is the clipped surrogate policy objective with a KL penalty
// against the frozen reference model.
type GRPOObjective struct {
	ClipEps  float64
	KLWeight float64
}

// ObjectiveResult carries the scalar loss, the masked-mean KL for
// diagnostics, and the gradient of the loss with respect to the current
// per-token log-probabilities, shaped like the forward pass's log-probs.
type ObjectiveResult struct {
	Loss         float64
	MeanKL       float64
	GradLogProbs [][]float64
}

// Compute evaluates the objective for one collated mini-batch.
//
// logProbs are the current policy's log-probabilities for exp.Sequences,
// freshly recomputed this epoch. Per action-masked token:
//
//	ratio     = exp(logProbs - stored rollout log-probs)
//	surrogate = -min(ratio·A, clamp(ratio, 1±eps)·A)
//	loss      = surrogate + klWeight · k3(logProbs, logProbsRef)
//
// The KL term is re-estimated against the current policy every epoch rather
// than replayed from rollout time, so the regularization matches the ratio
// term after the first epoch. Aggregation is a mask-weighted mean: padding
// and prompt positions never dilute the signal.
func (o GRPOObjective) Compute(logProbs [][]float64, exp *Experience) ObjectiveResult {
	res := ObjectiveResult{GradLogProbs: make([][]float64, len(logProbs))}

	masked := 0
	for i := range logProbs {
		res.GradLogProbs[i] = make([]float64, len(logProbs[i]))
		for t := range logProbs[i] {
			if exp.ActionMask[i][t] {
				masked++
			}
		}
	}
	if masked == 0 {
		return res
	}

	lossSum := 0.0
	klSum := 0.0
	for i := range logProbs {
		adv := exp.Advantages[i]
		for t := range logProbs[i] {
			if !exp.ActionMask[i][t] {
				continue
			}
			ratio := math.Exp(logProbs[i][t] - exp.ActionLogProbs[i][t])
			clipped := clamp(ratio, 1-o.ClipEps, 1+o.ClipEps)
			surr1 := ratio * adv
			surr2 := clipped * adv

			lr := exp.LogProbsRef[i][t] - logProbs[i][t]
			kl := math.Exp(lr) - lr - 1
			klSum += kl

			if surr1 <= surr2 {
				lossSum += -surr1
				res.GradLogProbs[i][t] = -adv * ratio
			} else {
				// clipped branch active: the clamp blocks the gradient
				lossSum += -surr2
			}

			lossSum += o.KLWeight * kl
			res.GradLogProbs[i][t] += o.KLWeight * (1 - math.Exp(lr))
			res.GradLogProbs[i][t] /= float64(masked)
		}
	}

	res.Loss = lossSum / float64(masked)
	res.MeanKL = klSum / float64(masked)
	return res
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
