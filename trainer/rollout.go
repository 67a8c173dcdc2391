package trainer

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-xmlfmt/xmlfmt"
	"github.com/rs/zerolog"
)

// SystemPrompt is the DeepSeek-Zero style instruction template. Completions
// are expected to wrap their reasoning in <think> tags and the graded answer
// in <answer> tags.
const SystemPrompt = `A conversation between User and Assistant. The user asks a question, and the Assistant solves it.
The assistant first thinks about the reasoning process in the mind and then provides the user with the answer. The reasoning process and answer are enclosed within <think> </think> and <answer> </answer> tags, respectively, i.e., <think> reasoning process here </think>
<answer> answer here </answer>
`

// Task is one prompt plus the oracle answer its rollouts are graded against.
type Task struct {
	Question     string
	OracleAnswer string
}

// RolloutConfig are the sampling parameters for one group of rollouts.
type RolloutConfig struct {
	NumRollouts int
	MaxLength   int
	Temperature float64
	TopP        float64
}

// RolloutResult is one group: NumRollouts sampled sequences padded to a
// common length with aligned masks, plus per-rollout scalar returns.
// Completions holds the decoded texts for logging.
type RolloutResult struct {
	ID            GroupID
	Sequences     [][]int
	Returns       []float64
	AttentionMask [][]bool
	ActionMask    [][]bool
	Completions   []string
}

// FormatTaskMessages builds the chat prompt for a task: the fixed system
// preamble plus the task question. It is formatted once per group; the
// backend replicates it across the batch.
func FormatTaskMessages(task Task) []Message {
	return []Message{
		{Role: "system", Content: SystemPrompt},
		{Role: "user", Content: task.Question},
	}
}

// Rollout samples one group of completions for a task from the current
// policy (no gradients) and grades each against the oracle answer.
//
// The action mask marks positions past the prompt that hold a genuinely
// generated token: padding that follows an early end-of-sequence stays
// unmasked, and the mask is shifted by one so it aligns with next-token
// log-probabilities. A completion with no parseable answer block scores 0;
// only backend failures are errors, and they are fatal to the run.
func Rollout(ctx context.Context, policy Policy, task Task, cfg RolloutConfig) (*RolloutResult, error) {
	completions, err := policy.Generate(ctx, FormatTaskMessages(task), cfg.NumRollouts, SamplingParams{
		MaxLength:   cfg.MaxLength,
		Temperature: cfg.Temperature,
		TopP:        cfg.TopP,
	})
	if err != nil {
		return nil, fmt.Errorf("sampling %d rollouts: %w", cfg.NumRollouts, err)
	}
	if len(completions) != cfg.NumRollouts {
		return nil, fmt.Errorf("backend returned %d rollouts, wanted %d", len(completions), cfg.NumRollouts)
	}

	pad := policy.PadToken()
	maxLen := 0
	for _, c := range completions {
		if len(c.SequenceIDs) > maxLen {
			maxLen = len(c.SequenceIDs)
		}
	}

	res := &RolloutResult{
		ID:            NewGroupID(),
		Sequences:     make([][]int, cfg.NumRollouts),
		Returns:       make([]float64, cfg.NumRollouts),
		AttentionMask: make([][]bool, cfg.NumRollouts),
		ActionMask:    make([][]bool, cfg.NumRollouts),
		Completions:   make([]string, cfg.NumRollouts),
	}
	logger := zerolog.Ctx(ctx)
	for i, c := range completions {
		seq := padInts(c.SequenceIDs, maxLen, pad)
		attn := make([]bool, maxLen)
		action := make([]bool, maxLen)
		for pos, tok := range seq {
			attn[pos] = tok != pad
			action[pos] = pos >= c.PromptLen && tok != pad
		}

		res.Sequences[i] = seq
		res.AttentionMask[i] = attn
		// drop the first position: masks index next-token predictions
		res.ActionMask[i] = action[1:]
		res.Completions[i] = c.Text
		res.Returns[i] = ScoreCompletion(c.Text, task.OracleAnswer)

		if logger.GetLevel() <= zerolog.TraceLevel {
			logger.Trace().
				Float64("return", res.Returns[i]).
				Msgf("completion:\n%s", formatCompletion(c.Text))
		}
	}
	return res, nil
}

// formatCompletion indents the tagged blocks of a completion for trace logs.
func formatCompletion(completion string) string {
	formatted := xmlfmt.FormatXML(completion, "", "\t")
	// xmlfmt inserts a leading \n
	return strings.TrimPrefix(formatted, "\n")
}
