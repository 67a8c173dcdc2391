package trainer

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/tinygrpo/tinygrpo/trainer/coord"
)

// Trainer drives the per-step GRPO loop: collect rollouts into the replay
// buffer, run gradient epochs over it, checkpoint, clear, repeat. It owns all
// mutable training state for one run (the buffer, the RNG, and the model
// handles) so nothing leaks into process-wide globals.
//
// Every worker in the group runs this identical loop; the coordinator gates
// side-effecting I/O to the primary and aggregates the gradient norm. All
// workers' collectives must stay in lockstep, so no collective call sits
// behind a primary-only branch.
type Trainer struct {
	cfg       RunConfig
	policy    TrainablePolicy
	reference Policy
	group     coord.Coordinator
	sink      MetricSink
	objective GRPOObjective

	buffer *ReplayBuffer
	rng    *rand.Rand

	// mini-batches skipped because their loss was non-finite
	skippedBatches int
}

func New(cfg RunConfig, policy TrainablePolicy, reference Policy, group coord.Coordinator, sink MetricSink) *Trainer {
	return &Trainer{
		cfg:       cfg,
		policy:    policy,
		reference: reference,
		group:     group,
		sink:      sink,
		objective: GRPOObjective{ClipEps: cfg.ClipEps, KLWeight: cfg.KLWeight},
		buffer:    NewReplayBuffer(),
		rng:       rand.New(rand.NewSource(cfg.Seed)),
	}
}

// SkippedBatches reports how many mini-batches were dropped for non-finite
// losses over the run so far.
func (t *Trainer) SkippedBatches() int {
	return t.skippedBatches
}

// Run trains over the prompt set until it is exhausted. Prompts are shuffled
// once, then consumed in step-sized batches; a trailing partial batch is
// dropped. Any returned error is fatal to the run.
func (t *Trainer) Run(ctx context.Context, prompts []Prompt) error {
	logger := zerolog.Ctx(ctx)
	if t.group.IsPrimary() {
		logger.Info().Msgf("training on %d prompts, world size %d", len(prompts), t.group.WorldSize())
	}

	shuffled := make([]Prompt, len(prompts))
	copy(shuffled, prompts)
	t.rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	numSteps := len(shuffled) / t.cfg.RolloutsPerStep
	step := 0
	for ; step < numSteps; step++ {
		batch := shuffled[step*t.cfg.RolloutsPerStep : (step+1)*t.cfg.RolloutsPerStep]
		if err := t.collect(ctx, step, batch); err != nil {
			return fmt.Errorf("step %d: collecting rollouts: %w", step, err)
		}
		if err := t.train(ctx, step); err != nil {
			return fmt.Errorf("step %d: training: %w", step, err)
		}
		if t.cfg.CheckpointInterval > 0 && (step+1)%t.cfg.CheckpointInterval == 0 {
			if err := t.checkpoint(ctx, step); err != nil {
				return fmt.Errorf("step %d: checkpointing: %w", step, err)
			}
		}
	}
	if step > 0 {
		if err := t.checkpoint(ctx, step-1); err != nil {
			return fmt.Errorf("final checkpoint: %w", err)
		}
	}
	return nil
}

// collect runs one rollout group per prompt and fills the replay buffer with
// one experience per task. No gradients are involved anywhere in this phase.
func (t *Trainer) collect(ctx context.Context, step int, batch []Prompt) error {
	logger := zerolog.Ctx(ctx)
	t.buffer.Clear()

	returnsSum := 0.0
	for _, prompt := range batch {
		task := prompt.Task()
		group, err := Rollout(ctx, t.policy, task, t.cfg.Sampling())
		if err != nil {
			return err
		}

		logProbs, err := t.policy.LogProbs(ctx, group.Sequences, group.AttentionMask)
		if err != nil {
			return fmt.Errorf("policy log-probs: %w", err)
		}
		logProbsRef, err := t.reference.LogProbs(ctx, group.Sequences, group.AttentionMask)
		if err != nil {
			return fmt.Errorf("reference log-probs: %w", err)
		}
		kl := ApproxKLDivergence(logProbs, logProbsRef, group.ActionMask)

		t.buffer.Append(Experience{
			Sequences:      group.Sequences,
			ActionLogProbs: logProbs,
			LogProbsRef:    logProbsRef,
			Returns:        group.Returns,
			Advantages:     GroupAdvantages(group.Returns),
			AttentionMask:  group.AttentionMask,
			ActionMask:     group.ActionMask,
			KL:             kl,
		})

		groupReturn := 0.0
		for _, r := range group.Returns {
			groupReturn += r
		}
		returnsSum += groupReturn
		if t.group.IsPrimary() {
			logger.Debug().
				Str("group_id", string(group.ID)).
				Str("question", task.Question).
				Str("answer", task.OracleAnswer).
				Float64("returns", groupReturn).
				Int("buffer_size", t.buffer.Len()).
				Msg("rollout group collected")
		}
	}

	if t.group.IsPrimary() {
		logger.Info().Msgf("returns of step %d: %.4f", step, returnsSum)
		t.sink.Log(step, map[string]float64{
			MetricReturns:        returnsSum,
			MetricSkippedBatches: float64(t.skippedBatches),
		})
	}
	return nil
}

// train consumes the replay buffer for the configured number of gradient
// epochs. A mini-batch whose loss is non-finite on any worker is skipped by
// the whole group without touching parameters; a numerically poisoned batch
// must not corrupt training.
func (t *Trainer) train(ctx context.Context, step int) error {
	logger := zerolog.Ctx(ctx)
	for epoch := 0; epoch < t.cfg.EpochsPerStep; epoch++ {
		order := t.rng.Perm(t.buffer.Len())
		for start := 0; start+t.cfg.TrainBatchSize <= len(order); start += t.cfg.TrainBatchSize {
			exps := make([]Experience, 0, t.cfg.TrainBatchSize)
			for _, idx := range order[start : start+t.cfg.TrainBatchSize] {
				exp, err := t.buffer.At(idx)
				if err != nil {
					return err
				}
				exps = append(exps, exp)
			}
			batch := JoinExperienceBatch(exps, t.policy.PadToken())

			if err := t.policy.ZeroGrad(ctx); err != nil {
				return err
			}
			pass, err := t.policy.Forward(ctx, batch.Sequences, batch.AttentionMask)
			if err != nil {
				return fmt.Errorf("forward pass: %w", err)
			}
			res := t.objective.Compute(pass.LogProbs, &batch)

			// ranks hold different rollout data, so finiteness is decided
			// collectively; a local-only skip would desync the grad-norm
			// reduction below and hang the rest of the group
			nonFinite := 0.0
			if math.IsNaN(res.Loss) || math.IsInf(res.Loss, 0) {
				nonFinite = 1
			}
			votes, err := t.group.AllReduceSum(ctx, []float64{nonFinite})
			if err != nil {
				return fmt.Errorf("agreeing on loss finiteness: %w", err)
			}
			if votes[0] > 0 {
				t.skippedBatches++
				if t.group.IsPrimary() {
					logger.Warn().
						Float64("loss", res.Loss).
						Floats64("advantages", batch.Advantages).
						Msg("loss not finite on at least one worker, skipping backward")
				}
				continue
			}

			if err := t.policy.Backward(ctx, pass, res.GradLogProbs); err != nil {
				return fmt.Errorf("backward pass: %w", err)
			}
			localNorm, err := t.policy.ClipGradNorm(ctx, t.cfg.MaxNorm)
			if err != nil {
				return fmt.Errorf("clipping gradients: %w", err)
			}
			// gather the gradient norm from all workers; every rank
			// participates regardless of who logs it
			squared, err := t.group.AllReduceSum(ctx, []float64{localNorm * localNorm})
			if err != nil {
				return fmt.Errorf("aggregating grad norm: %w", err)
			}
			gradNorm := math.Sqrt(squared[0])

			if err := t.policy.Step(ctx); err != nil {
				return fmt.Errorf("optimizer step: %w", err)
			}

			if t.group.IsPrimary() {
				logger.Info().Msgf("%d: kl=%.4f, grad_norm=%.4f", epoch, res.MeanKL, gradNorm)
				t.sink.Log(step, map[string]float64{
					MetricKL:       res.MeanKL,
					MetricGradNorm: gradNorm,
				})
			}
		}
	}
	return nil
}

// checkpoint persists model and optimizer state keyed by step index. Only
// the primary writes; everyone else waits at the barrier so no worker races
// ahead with stale state.
func (t *Trainer) checkpoint(ctx context.Context, step int) error {
	if t.group.IsPrimary() {
		path := filepath.Join(t.cfg.CheckpointDir, fmt.Sprintf("step_%d.ckpt", step))
		zerolog.Ctx(ctx).Info().Msgf("saving checkpoint to %s", path)
		if err := t.policy.Save(ctx, path); err != nil {
			return err
		}
	}
	return t.group.Barrier(ctx)
}
