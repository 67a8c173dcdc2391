package trainer

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

const fakePad = 0

// fakePolicy replays scripted completions and reports fixed log-probs. It
// stands in for the model backend in loop tests.
type fakePolicy struct {
	completions []string
	promptLen   int
	generateErr error

	logProb float64

	backwardCalls int
	stepCalls     int
	gradNorm      float64
	saved         []string
}

var _ TrainablePolicy = (*fakePolicy)(nil)

func (f *fakePolicy) PadToken() int { return fakePad }

// tokens are one-based so none collides with the pad token
func (f *fakePolicy) encode(text string, promptLen int) []int {
	seq := make([]int, 0, promptLen+len(text))
	for i := 0; i < promptLen; i++ {
		seq = append(seq, 1)
	}
	for _, b := range []byte(text) {
		seq = append(seq, int(b)+1)
	}
	return seq
}

func (f *fakePolicy) Generate(_ context.Context, _ []Message, numRollouts int, _ SamplingParams) ([]Completion, error) {
	if f.generateErr != nil {
		return nil, f.generateErr
	}
	if numRollouts != len(f.completions) {
		return nil, fmt.Errorf("scripted for %d rollouts, asked for %d", len(f.completions), numRollouts)
	}
	out := make([]Completion, numRollouts)
	for i, text := range f.completions {
		out[i] = Completion{
			SequenceIDs: f.encode(text, f.promptLen),
			PromptLen:   f.promptLen,
			Text:        text,
		}
	}
	return out, nil
}

func (f *fakePolicy) LogProbs(_ context.Context, sequences [][]int, _ [][]bool) ([][]float64, error) {
	out := make([][]float64, len(sequences))
	for i, seq := range sequences {
		row := make([]float64, len(seq)-1)
		for t := range row {
			row[t] = f.logProb
		}
		out[i] = row
	}
	return out, nil
}

func (f *fakePolicy) Forward(ctx context.Context, sequences [][]int, attentionMask [][]bool) (*ForwardPass, error) {
	logProbs, err := f.LogProbs(ctx, sequences, attentionMask)
	if err != nil {
		return nil, err
	}
	return &ForwardPass{ID: "fake", LogProbs: logProbs}, nil
}

func (f *fakePolicy) Backward(context.Context, *ForwardPass, [][]float64) error {
	f.backwardCalls++
	return nil
}

func (f *fakePolicy) ClipGradNorm(context.Context, float64) (float64, error) {
	return f.gradNorm, nil
}

func (f *fakePolicy) Step(context.Context) error {
	f.stepCalls++
	return nil
}

func (f *fakePolicy) ZeroGrad(context.Context) error { return nil }

func (f *fakePolicy) Save(_ context.Context, path string) error {
	f.saved = append(f.saved, path)
	return nil
}

func testRolloutConfig(n int) RolloutConfig {
	return RolloutConfig{NumRollouts: n, MaxLength: 512, Temperature: 1.0, TopP: 1.0}
}

func TestRolloutScoresGroup(t *testing.T) {
	policy := &fakePolicy{
		completions: []string{
			"<answer>7</answer>",
			"<answer>8</answer>",
			"<answer>the answer is 7</answer>",
			"no answer",
		},
		promptLen: 4,
		logProb:   -1.0,
	}
	task := Task{Question: "3 + 4 =", OracleAnswer: "7"}

	group, err := Rollout(context.Background(), policy, task, testRolloutConfig(4))
	require.NoError(t, err)
	require.Equal(t, []float64{1.0, 0.01, 0.5, 0.0}, group.Returns)
	require.Len(t, group.Sequences, 4)
	require.Equal(t, policy.completions, group.Completions)
}

func TestRolloutMasksPaddingAndPrompt(t *testing.T) {
	policy := &fakePolicy{
		completions: []string{"long completion text", "hi"},
		promptLen:   3,
	}
	group, err := Rollout(context.Background(), policy, Task{Question: "q"}, testRolloutConfig(2))
	require.NoError(t, err)

	maxLen := len(group.Sequences[0])
	require.Len(t, group.Sequences[1], maxLen)

	for i := range group.Sequences {
		require.Len(t, group.ActionMask[i], maxLen-1)
		for t2, active := range group.ActionMask[i] {
			// the action mask is a subset of the attention mask
			if active {
				require.True(t, group.AttentionMask[i][t2+1])
			}
			// prompt positions are never actions
			if t2+1 < policy.promptLen {
				require.False(t, active)
			}
		}
	}

	// the short row ends in padding, excluded from both masks
	shortLen := policy.promptLen + len("hi")
	for pos := shortLen; pos < maxLen; pos++ {
		require.Equal(t, fakePad, group.Sequences[1][pos])
		require.False(t, group.AttentionMask[1][pos])
		require.False(t, group.ActionMask[1][pos-1])
	}
}

func TestRolloutBackendFailureIsFatal(t *testing.T) {
	policy := &fakePolicy{generateErr: errors.New("cuda out of memory")}
	_, err := Rollout(context.Background(), policy, Task{}, testRolloutConfig(2))
	require.ErrorContains(t, err, "cuda out of memory")
}

func TestFormatTaskMessages(t *testing.T) {
	msgs := FormatTaskMessages(Task{Question: "1 + 1 ="})
	require.Len(t, msgs, 2)
	require.Equal(t, "system", msgs[0].Role)
	require.Equal(t, SystemPrompt, msgs[0].Content)
	require.Equal(t, "user", msgs[1].Role)
	require.Equal(t, "1 + 1 =", msgs[1].Content)
}
