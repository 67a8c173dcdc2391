package trainer

import "errors"

// Experience is one task group's worth of rollout data: everything the
// objective needs to revisit those rollouts for several gradient epochs.
//
// All tensors share the same leading (rollout) dimension. Sequences and
// AttentionMask cover every token position; ActionLogProbs, LogProbsRef, KL
// and ActionMask cover the shifted positions 1..len-1 (the positions a
// next-token log-probability exists for). ActionMask is true only where
// AttentionMask is true.
type Experience struct {
	Sequences      [][]int
	ActionLogProbs [][]float64
	LogProbsRef    [][]float64
	Returns        []float64
	Advantages     []float64
	AttentionMask  [][]bool
	ActionMask     [][]bool
	KL             [][]float64
}

// NumRollouts returns the leading dimension shared by every tensor.
func (e *Experience) NumRollouts() int {
	return len(e.Sequences)
}

var ErrBufferIndex = errors.New("replay buffer index out of range")

// ReplayBuffer holds the experiences collected for exactly one training step.
// It is on-policy scratch space: filled during collection, consumed for a
// bounded number of gradient epochs, then cleared. There is no eviction and
// no deduplication.
type ReplayBuffer struct {
	items []Experience
}

func NewReplayBuffer() *ReplayBuffer {
	return &ReplayBuffer{}
}

func (b *ReplayBuffer) Append(exp Experience) {
	b.items = append(b.items, exp)
}

func (b *ReplayBuffer) Clear() {
	b.items = b.items[:0]
}

func (b *ReplayBuffer) Len() int {
	return len(b.items)
}

// At returns the i-th experience in insertion order.
func (b *ReplayBuffer) At(i int) (Experience, error) {
	if i < 0 || i >= len(b.items) {
		return Experience{}, ErrBufferIndex
	}
	return b.items[i], nil
}

// JoinExperienceBatch collates several experiences into one training batch.
// Every row is padded on the right to the batch's maximum sequence length:
// sequences with padToken, masks with false, log-prob and kl rows with zeros.
// Row order follows the input order so padded rows and their masks stay
// aligned per example.
func JoinExperienceBatch(exps []Experience, padToken int) Experience {
	maxLen := 0
	rows := 0
	for _, exp := range exps {
		rows += exp.NumRollouts()
		for _, seq := range exp.Sequences {
			if len(seq) > maxLen {
				maxLen = len(seq)
			}
		}
	}

	out := Experience{
		Sequences:      make([][]int, 0, rows),
		ActionLogProbs: make([][]float64, 0, rows),
		LogProbsRef:    make([][]float64, 0, rows),
		Returns:        make([]float64, 0, rows),
		Advantages:     make([]float64, 0, rows),
		AttentionMask:  make([][]bool, 0, rows),
		ActionMask:     make([][]bool, 0, rows),
		KL:             make([][]float64, 0, rows),
	}
	for _, exp := range exps {
		for i := range exp.Sequences {
			out.Sequences = append(out.Sequences, padInts(exp.Sequences[i], maxLen, padToken))
			out.AttentionMask = append(out.AttentionMask, padBools(exp.AttentionMask[i], maxLen))
			out.ActionLogProbs = append(out.ActionLogProbs, padFloats(exp.ActionLogProbs[i], maxLen-1))
			out.LogProbsRef = append(out.LogProbsRef, padFloats(exp.LogProbsRef[i], maxLen-1))
			out.ActionMask = append(out.ActionMask, padBools(exp.ActionMask[i], maxLen-1))
			out.KL = append(out.KL, padFloats(exp.KL[i], maxLen-1))
		}
		out.Returns = append(out.Returns, exp.Returns...)
		out.Advantages = append(out.Advantages, exp.Advantages...)
	}
	return out
}

func padInts(xs []int, n, pad int) []int {
	out := make([]int, n)
	copy(out, xs)
	for i := len(xs); i < n; i++ {
		out[i] = pad
	}
	return out
}

func padFloats(xs []float64, n int) []float64 {
	out := make([]float64, n)
	copy(out, xs)
	return out
}

func padBools(xs []bool, n int) []bool {
	out := make([]bool, n)
	copy(out, xs)
	return out
}
