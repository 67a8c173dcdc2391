package trainer

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinygrpo/tinygrpo/trainer/coord"
)

type captureSink struct {
	logged []map[string]float64
}

func (s *captureSink) Log(_ int, fields map[string]float64) {
	s.logged = append(s.logged, fields)
}

func (s *captureSink) get(key string) []float64 {
	var out []float64
	for _, fields := range s.logged {
		if v, ok := fields[key]; ok {
			out = append(out, v)
		}
	}
	return out
}

func smokeConfig(dir string) RunConfig {
	cfg := DefaultRunConfig()
	cfg.CheckpointDir = dir
	cfg.CheckpointInterval = 1
	cfg.GroupSize = 4
	cfg.RolloutsPerStep = 1
	cfg.TrainBatchSize = 1
	cfg.EpochsPerStep = 1
	return cfg
}

func oracleSevenPolicy() *fakePolicy {
	return &fakePolicy{
		completions: []string{
			"<answer>7</answer>",
			"<answer>8</answer>",
			"<answer>the answer is 7</answer>",
			"no answer",
		},
		promptLen: 4,
		logProb:   -1.0,
		gradNorm:  0.5,
	}
}

func TestTrainerSingleStep(t *testing.T) {
	cfg := smokeConfig(t.TempDir())
	policy := oracleSevenPolicy()
	sink := &captureSink{}
	tr := New(cfg, policy, policy, coord.Solo{}, sink)

	prompts := []Prompt{{Question: "3 + 4 =", Answer: "7"}}
	require.NoError(t, tr.Run(context.Background(), prompts))

	// one task, one experience, a full group of rollouts
	require.Equal(t, 1, tr.buffer.Len())
	exp, err := tr.buffer.At(0)
	require.NoError(t, err)
	require.Equal(t, 4, exp.NumRollouts())
	require.Equal(t, []float64{1.0, 0.01, 0.5, 0.0}, exp.Returns)
	require.Equal(t, GroupAdvantages(exp.Returns), exp.Advantages)

	// the policy took exactly one gradient step and saved twice (interval + final)
	require.Equal(t, 1, policy.backwardCalls)
	require.Equal(t, 1, policy.stepCalls)
	require.Len(t, policy.saved, 2)
	require.Contains(t, policy.saved[0], "step_0.ckpt")

	// step metrics under the fixed keys
	returns := sink.get(MetricReturns)
	require.Len(t, returns, 1)
	require.InDelta(t, 1.51, returns[0], 1e-9)
	require.Len(t, sink.get(MetricKL), 1)
	require.Equal(t, []float64{0.5}, sink.get(MetricGradNorm))
	require.Zero(t, tr.SkippedBatches())
}

func TestTrainerIdenticalPoliciesZeroKL(t *testing.T) {
	cfg := smokeConfig(t.TempDir())
	policy := oracleSevenPolicy()
	sink := &captureSink{}
	tr := New(cfg, policy, policy, coord.Solo{}, sink)

	require.NoError(t, tr.Run(context.Background(), []Prompt{{Question: "3 + 4 =", Answer: "7"}}))

	// policy and reference are the same model here
	kl := sink.get(MetricKL)
	require.Len(t, kl, 1)
	require.Equal(t, 0.0, kl[0])
}

func TestTrainerSkipsNonFiniteLoss(t *testing.T) {
	cfg := smokeConfig(t.TempDir())
	policy := oracleSevenPolicy()
	policy.logProb = math.Inf(-1)
	tr := New(cfg, policy, policy, coord.Solo{}, NewNopSink())

	require.NoError(t, tr.Run(context.Background(), []Prompt{{Question: "3 + 4 =", Answer: "7"}}))

	// the poisoned batch must not reach the optimizer
	require.Equal(t, 0, policy.backwardCalls)
	require.Equal(t, 0, policy.stepCalls)
	require.Equal(t, 1, tr.SkippedBatches())
}

// peerBadLossGroup acts like a group whose other worker votes non-finite in
// the first reduction of the step.
type peerBadLossGroup struct {
	coord.Solo
	calls int
}

func (g *peerBadLossGroup) AllReduceSum(ctx context.Context, vals []float64) ([]float64, error) {
	out, err := g.Solo.AllReduceSum(ctx, vals)
	if err != nil {
		return nil, err
	}
	g.calls++
	if g.calls == 1 {
		out[0] += 1
	}
	return out, nil
}

func TestTrainerSkipsWhenPeerLossNonFinite(t *testing.T) {
	cfg := smokeConfig(t.TempDir())
	policy := oracleSevenPolicy()
	group := &peerBadLossGroup{}
	tr := New(cfg, policy, policy, group, NewNopSink())

	// this worker's loss is finite, but the group must still skip together
	require.NoError(t, tr.Run(context.Background(), []Prompt{{Question: "3 + 4 =", Answer: "7"}}))
	require.Equal(t, 0, policy.backwardCalls)
	require.Equal(t, 0, policy.stepCalls)
	require.Equal(t, 1, tr.SkippedBatches())

	// the skipped batch never reaches the grad-norm reduction
	require.Equal(t, 1, group.calls)
}

func TestTrainerDropsPartialBatch(t *testing.T) {
	cfg := smokeConfig(t.TempDir())
	cfg.RolloutsPerStep = 2
	policy := oracleSevenPolicy()
	tr := New(cfg, policy, policy, coord.Solo{}, NewNopSink())

	// three prompts, two per step: one step runs, the trailing prompt is dropped
	prompts := []Prompt{
		{Question: "3 + 4 =", Answer: "7"},
		{Question: "6 + 1 =", Answer: "7"},
		{Question: "2 + 5 =", Answer: "7"},
	}
	require.NoError(t, tr.Run(context.Background(), prompts))
	require.Equal(t, 2, tr.buffer.Len())
	require.Equal(t, 2, policy.stepCalls)
}

func TestTrainerNoPromptsNoCheckpoint(t *testing.T) {
	cfg := smokeConfig(t.TempDir())
	policy := oracleSevenPolicy()
	tr := New(cfg, policy, policy, coord.Solo{}, NewNopSink())

	require.NoError(t, tr.Run(context.Background(), nil))
	require.Empty(t, policy.saved)
}
