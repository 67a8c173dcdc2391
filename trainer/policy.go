package trainer

import "context"

// Message is one chat-template message handed to the model backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SamplingParams control autoregressive generation.
type SamplingParams struct {
	MaxLength   int     `json:"max_length"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
}

// Completion is one sampled sequence: the full token ids (prompt first, then
// generated tokens), the prompt length within SequenceIDs, and the decoded
// completion text (special and padding tokens skipped). Text is used for
// scoring and logging only; training operates on the ids.
type Completion struct {
	SequenceIDs []int  `json:"sequence_ids"`
	PromptLen   int    `json:"prompt_len"`
	Text        string `json:"text"`
}

// ForwardPass is a gradient-tracked log-probability evaluation. LogProbs has
// one row per sequence covering the shifted positions 1..len-1. ID ties a
// later Backward call to the activations the backend kept for this pass.
type ForwardPass struct {
	ID       string
	LogProbs [][]float64
}

// Policy is the read-only surface of a language model: sampling and token
// log-probabilities without gradient tracking. The frozen reference model
// implements exactly this.
//
// Model and tokenizer construction, sharding, and autograd live behind this
// boundary; backend failures are fatal to the run and are never retried here.
type Policy interface {
	Generate(ctx context.Context, messages []Message, numRollouts int, params SamplingParams) ([]Completion, error)
	LogProbs(ctx context.Context, sequences [][]int, attentionMask [][]bool) ([][]float64, error)
	// PadToken is also the end-of-sequence token; generated sequences are
	// right-padded with it.
	PadToken() int
}

// TrainablePolicy extends Policy with the operations one optimizer step
// needs. The objective supplies the gradient of the scalar loss with respect
// to the forward pass's per-token log-probabilities; everything upstream of
// the log-probs (stored rollout log-probs, the reference model) is a constant
// to the backend.
type TrainablePolicy interface {
	Policy
	Forward(ctx context.Context, sequences [][]int, attentionMask [][]bool) (*ForwardPass, error)
	Backward(ctx context.Context, pass *ForwardPass, gradLogProbs [][]float64) error
	// ClipGradNorm scales accumulated gradients to a global norm of at most
	// maxNorm and returns the pre-clip norm local to this worker.
	ClipGradNorm(ctx context.Context, maxNorm float64) (float64, error)
	Step(ctx context.Context) error
	ZeroGrad(ctx context.Context) error
	// Save persists model and optimizer state to path.
	Save(ctx context.Context, path string) error
}
