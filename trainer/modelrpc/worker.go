package modelrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tinygrpo/tinygrpo/trainer"
)

// JobName selects which worker's queues a connection uses. One run talks to
// two jobs: the trainable policy and the frozen reference model.
type JobName string

const (
	JobPolicy    JobName = "policy-model"
	JobReference JobName = "reference-model"
)

const defaultResultTimeout = 10 * time.Minute

// Worker is a redis-backed trainer.TrainablePolicy. Every call is one task
// round-trip; calls block until the worker answers. A timeout, transport
// error, or worker-reported error is fatal to the run; nothing here retries.
type Worker struct {
	rdb      *redis.Client
	job      JobName
	rank     int
	logger   zerolog.Logger
	timeout  time.Duration
	padToken int
}

var _ trainer.TrainablePolicy = (*Worker)(nil)

type Option func(*Worker)

// WithResultTimeout bounds how long a single task may take end to end.
func WithResultTimeout(d time.Duration) Option {
	return func(w *Worker) { w.timeout = d }
}

// Connect initializes the worker serving one (job, rank) queue pair and
// performs the init handshake. Each trainer rank connects to its own worker;
// the queues are not safe to share across ranks.
func Connect(ctx context.Context, rdb *redis.Client, job JobName, rank int, init InitRequest, opts ...Option) (*Worker, error) {
	w := &Worker{
		rdb:     rdb,
		job:     job,
		rank:    rank,
		logger:  zerolog.Ctx(ctx).With().Str("job", string(job)).Int("rank", rank).Logger(),
		timeout: defaultResultTimeout,
	}
	for _, opt := range opts {
		opt(w)
	}

	// stale tasks from a crashed run would confuse a fresh worker; this only
	// touches this rank's own queues, never a peer's
	if err := w.dropQueues(ctx); err != nil {
		return nil, err
	}

	var resp InitResponse
	if err := w.roundTrip(ctx, TaskInit, init, &resp); err != nil {
		return nil, fmt.Errorf("init handshake with %s: %w", job, err)
	}
	w.padToken = resp.PadToken
	w.logger.Info().Int("pad_token", resp.PadToken).Msg("model worker ready")
	return w, nil
}

func (w *Worker) TasksQueueName() string {
	return fmt.Sprintf("%s:%d:tasks", w.job, w.rank)
}

func (w *Worker) ProcessingQueueName() string {
	return fmt.Sprintf("%s:%d:processing", w.job, w.rank)
}

func (w *Worker) ResultsQueueName(id TaskID) string {
	return fmt.Sprintf("%s:%d:results:%s", w.job, w.rank, id)
}

func (w *Worker) dropQueues(ctx context.Context) error {
	if err := w.rdb.Del(ctx, w.TasksQueueName()).Err(); err != nil {
		return err
	}
	return w.rdb.Del(ctx, w.ProcessingQueueName()).Err()
}

func (w *Worker) roundTrip(ctx context.Context, kind TaskKind, req any, resp any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	id := NewTaskID()
	task := taskEnvelope{ID: id, Kind: kind, Payload: payload}
	if err := w.rdb.LPush(ctx, w.TasksQueueName(), task.ToJSON()).Err(); err != nil {
		return fmt.Errorf("pushing %s task: %w", kind, err)
	}

	raw, err := w.rdb.BRPop(ctx, w.timeout, w.ResultsQueueName(id)).Result()
	if err == redis.Nil {
		return fmt.Errorf("%s task %s timed out after %s", kind, id, w.timeout)
	}
	if err != nil {
		return fmt.Errorf("waiting for %s result: %w", kind, err)
	}

	var result resultEnvelope
	if err := json.Unmarshal([]byte(raw[1]), &result); err != nil {
		return fmt.Errorf("malformed %s result: %w", kind, err)
	}
	if result.Error != "" {
		return fmt.Errorf("%s worker: %s task failed: %s", w.job, kind, result.Error)
	}
	if resp == nil {
		return nil
	}
	return json.Unmarshal(result.Payload, resp)
}

func (w *Worker) PadToken() int { return w.padToken }

func (w *Worker) Generate(ctx context.Context, messages []trainer.Message, numRollouts int, params trainer.SamplingParams) ([]trainer.Completion, error) {
	var resp GenerateResponse
	err := w.roundTrip(ctx, TaskGenerate, GenerateRequest{
		Messages:    messages,
		NumRollouts: numRollouts,
		MaxLength:   params.MaxLength,
		Temperature: params.Temperature,
		TopP:        params.TopP,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Completions, nil
}

func (w *Worker) LogProbs(ctx context.Context, sequences [][]int, attentionMask [][]bool) ([][]float64, error) {
	var resp LogProbsResponse
	err := w.roundTrip(ctx, TaskLogProbs, LogProbsRequest{
		Sequences:     sequences,
		AttentionMask: attentionMask,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.LogProbs, nil
}

func (w *Worker) Forward(ctx context.Context, sequences [][]int, attentionMask [][]bool) (*trainer.ForwardPass, error) {
	var resp LogProbsResponse
	err := w.roundTrip(ctx, TaskForward, LogProbsRequest{
		Sequences:     sequences,
		AttentionMask: attentionMask,
		Tracked:       true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &trainer.ForwardPass{ID: resp.PassID, LogProbs: resp.LogProbs}, nil
}

func (w *Worker) Backward(ctx context.Context, pass *trainer.ForwardPass, gradLogProbs [][]float64) error {
	return w.roundTrip(ctx, TaskBackward, BackwardRequest{
		PassID:       pass.ID,
		GradLogProbs: gradLogProbs,
	}, nil)
}

func (w *Worker) ClipGradNorm(ctx context.Context, maxNorm float64) (float64, error) {
	var resp ClipGradNormResponse
	if err := w.roundTrip(ctx, TaskClipGradNorm, ClipGradNormRequest{MaxNorm: maxNorm}, &resp); err != nil {
		return 0, err
	}
	return resp.GradNorm, nil
}

func (w *Worker) Step(ctx context.Context) error {
	return w.roundTrip(ctx, TaskStep, struct{}{}, nil)
}

func (w *Worker) ZeroGrad(ctx context.Context) error {
	return w.roundTrip(ctx, TaskZeroGrad, struct{}{}, nil)
}

func (w *Worker) Save(ctx context.Context, path string) error {
	return w.roundTrip(ctx, TaskSave, SaveRequest{Path: path}, nil)
}
