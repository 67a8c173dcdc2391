// Package toypolicy is a byte-level trainable bigram policy. It is small
// enough to run the whole training loop in-process: sampling with
// temperature and top-p, exact log-probabilities, analytic backward through
// the softmax, gradient-norm clipping, and plain SGD. It exists for smoke
// runs and loop tests, not for learning anything interesting.
package toypolicy

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"

	wr "github.com/mroth/weightedrand/v2"

	"github.com/tinygrpo/tinygrpo/trainer"
)

// Byte-valued tokens 0..255 plus one pad/end-of-sequence token.
const (
	VocabSize = 257
	PadToken  = 256
)

type Policy struct {
	mu sync.Mutex

	logits [][]float64
	grads  [][]float64
	lr     float64
	rng    *rand.Rand

	passSeq int
	passes  map[string][][]int
}

var _ trainer.TrainablePolicy = (*Policy)(nil)

func New(lr float64, seed int64) *Policy {
	logits := make([][]float64, VocabSize)
	grads := make([][]float64, VocabSize)
	for i := range logits {
		logits[i] = make([]float64, VocabSize)
		grads[i] = make([]float64, VocabSize)
	}
	return &Policy{
		logits: logits,
		grads:  grads,
		lr:     lr,
		rng:    rand.New(rand.NewSource(seed)),
		passes: map[string][][]int{},
	}
}

// Clone returns an independent copy with the same weights, for use as the
// frozen reference model.
func (p *Policy) Clone() *Policy {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := New(p.lr, p.rng.Int63())
	for i := range p.logits {
		copy(out.logits[i], p.logits[i])
	}
	return out
}

func (p *Policy) PadToken() int { return PadToken }

func encode(messages []trainer.Message) []int {
	var ids []int
	for _, m := range messages {
		for _, b := range []byte(m.Content) {
			ids = append(ids, int(b))
		}
	}
	return ids
}

func decode(ids []int) string {
	bytes := make([]byte, 0, len(ids))
	for _, id := range ids {
		if id == PadToken {
			continue
		}
		bytes = append(bytes, byte(id))
	}
	return string(bytes)
}

// Generate samples numRollouts completions of the encoded prompt. Sampling
// stops at the pad token or at params.MaxLength total positions.
func (p *Policy) Generate(_ context.Context, messages []trainer.Message, numRollouts int, params trainer.SamplingParams) ([]trainer.Completion, error) {
	if params.Temperature <= 0 {
		return nil, fmt.Errorf("temperature must be positive, got %v", params.Temperature)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	prompt := encode(messages)
	if len(prompt) == 0 {
		return nil, fmt.Errorf("empty prompt")
	}
	if len(prompt) >= params.MaxLength {
		return nil, fmt.Errorf("prompt of %d tokens leaves no room under max_length %d", len(prompt), params.MaxLength)
	}

	completions := make([]trainer.Completion, numRollouts)
	for i := range completions {
		seq := append([]int(nil), prompt...)
		for len(seq) < params.MaxLength {
			next, err := p.sampleNext(seq[len(seq)-1], params.Temperature, params.TopP)
			if err != nil {
				return nil, err
			}
			seq = append(seq, next)
			if next == PadToken {
				break
			}
		}
		completions[i] = trainer.Completion{
			SequenceIDs: seq,
			PromptLen:   len(prompt),
			Text:        decode(seq[len(prompt):]),
		}
	}
	return completions, nil
}

func (p *Policy) sampleNext(prev int, temperature, topP float64) (int, error) {
	probs := softmax(p.logits[prev], temperature)
	keep := topPFilter(probs, topP)

	choices := make([]wr.Choice[int, uint64], 0, len(keep))
	for _, tok := range keep {
		// integer weights for the chooser; +1 keeps tiny tails representable
		w := uint64(probs[tok]*float64(1<<32)) + 1
		choices = append(choices, wr.NewChoice(tok, w))
	}
	chooser, err := wr.NewChooser(choices...)
	if err != nil {
		return 0, fmt.Errorf("building sampler: %w", err)
	}
	return chooser.PickSource(p.rng), nil
}

// topPFilter returns the smallest set of tokens whose cumulative probability
// reaches topP, in descending probability order.
func topPFilter(probs []float64, topP float64) []int {
	order := make([]int, len(probs))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return probs[order[a]] > probs[order[b]] })
	if topP >= 1 {
		return order
	}
	cum := 0.0
	for i, tok := range order {
		cum += probs[tok]
		if cum >= topP {
			return order[:i+1]
		}
	}
	return order
}

func (p *Policy) LogProbs(_ context.Context, sequences [][]int, attentionMask [][]bool) ([][]float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.logProbsLocked(sequences, attentionMask)
}

func (p *Policy) logProbsLocked(sequences [][]int, attentionMask [][]bool) ([][]float64, error) {
	out := make([][]float64, len(sequences))
	for i, seq := range sequences {
		if len(attentionMask[i]) != len(seq) {
			return nil, fmt.Errorf("row %d: attention mask of %d positions for %d tokens", i, len(attentionMask[i]), len(seq))
		}
		row := make([]float64, len(seq)-1)
		for t := 0; t < len(seq)-1; t++ {
			if !attentionMask[i][t+1] {
				continue
			}
			row[t] = logSoftmaxAt(p.logits[seq[t]], seq[t+1])
		}
		out[i] = row
	}
	return out, nil
}

func (p *Policy) Forward(_ context.Context, sequences [][]int, attentionMask [][]bool) (*trainer.ForwardPass, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	logProbs, err := p.logProbsLocked(sequences, attentionMask)
	if err != nil {
		return nil, err
	}
	p.passSeq++
	id := fmt.Sprintf("pass-%d", p.passSeq)
	kept := make([][]int, len(sequences))
	for i, seq := range sequences {
		kept[i] = append([]int(nil), seq...)
	}
	p.passes[id] = kept
	return &trainer.ForwardPass{ID: id, LogProbs: logProbs}, nil
}

// Backward accumulates dLoss/dlogits given dLoss/dlogProb per token, using
// the log-softmax Jacobian: d logp(target)/d logit[j] = 1[j==target] - p(j).
func (p *Policy) Backward(_ context.Context, pass *trainer.ForwardPass, gradLogProbs [][]float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	sequences, ok := p.passes[pass.ID]
	if !ok {
		return fmt.Errorf("unknown forward pass %q", pass.ID)
	}
	delete(p.passes, pass.ID)

	for i, seq := range sequences {
		for t := 0; t < len(seq)-1; t++ {
			g := gradLogProbs[i][t]
			if g == 0 {
				continue
			}
			prev, target := seq[t], seq[t+1]
			probs := softmax(p.logits[prev], 1.0)
			for j := range p.grads[prev] {
				p.grads[prev][j] -= g * probs[j]
			}
			p.grads[prev][target] += g
		}
	}
	return nil
}

func (p *Policy) ClipGradNorm(_ context.Context, maxNorm float64) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sq := 0.0
	for i := range p.grads {
		for _, g := range p.grads[i] {
			sq += g * g
		}
	}
	norm := math.Sqrt(sq)
	if norm > maxNorm && norm > 0 {
		scale := maxNorm / norm
		for i := range p.grads {
			for j := range p.grads[i] {
				p.grads[i][j] *= scale
			}
		}
	}
	return norm, nil
}

func (p *Policy) Step(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.logits {
		for j := range p.logits[i] {
			p.logits[i][j] -= p.lr * p.grads[i][j]
		}
	}
	return nil
}

func (p *Policy) ZeroGrad(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.grads {
		for j := range p.grads[i] {
			p.grads[i][j] = 0
		}
	}
	return nil
}

type checkpoint struct {
	LR     float64     `json:"lr"`
	Logits [][]float64 `json:"logits"`
}

func (p *Policy) Save(_ context.Context, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	bytes, err := json.Marshal(checkpoint{LR: p.lr, Logits: p.logits})
	if err != nil {
		return err
	}
	return os.WriteFile(path, bytes, 0644)
}

// Load restores a policy saved with Save.
func Load(path string, seed int64) (*Policy, error) {
	bytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ckpt checkpoint
	if err := json.Unmarshal(bytes, &ckpt); err != nil {
		return nil, fmt.Errorf("parsing checkpoint %s: %w", path, err)
	}
	if len(ckpt.Logits) != VocabSize {
		return nil, fmt.Errorf("checkpoint has %d rows, want %d", len(ckpt.Logits), VocabSize)
	}
	p := New(ckpt.LR, seed)
	for i := range p.logits {
		copy(p.logits[i], ckpt.Logits[i])
	}
	return p, nil
}

func softmax(logits []float64, temperature float64) []float64 {
	maxLogit := logits[0] / temperature
	scaled := make([]float64, len(logits))
	for i, l := range logits {
		scaled[i] = l / temperature
		if scaled[i] > maxLogit {
			maxLogit = scaled[i]
		}
	}
	sum := 0.0
	for i := range scaled {
		scaled[i] = math.Exp(scaled[i] - maxLogit)
		sum += scaled[i]
	}
	for i := range scaled {
		scaled[i] /= sum
	}
	return scaled
}

func logSoftmaxAt(logits []float64, target int) float64 {
	maxLogit := logits[0]
	for _, l := range logits {
		if l > maxLogit {
			maxLogit = l
		}
	}
	sum := 0.0
	for _, l := range logits {
		sum += math.Exp(l - maxLogit)
	}
	return logits[target] - maxLogit - math.Log(sum)
}
