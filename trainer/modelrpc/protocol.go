// Package modelrpc talks to an external model worker over redis lists. The
// worker owns the actual model, tokenizer, sharding and autograd; this side
// sends JSON tasks and blocks for their results.
//
// Queue layout per job name and rank:
//   - {job}:{rank}:tasks: tasks to be picked up, written here
//   - {job}:{rank}:processing: tasks a worker moved with brpoplpush while it runs them
//   - {job}:{rank}:results:{task_id}: exactly one result per task
//
// The worker MUST use brpoplpush to claim tasks and MUST push exactly one
// result per task, even when that result is an error. The queues are
// single-producer, single-consumer: exactly one trainer rank and exactly one
// worker process per (job, rank) pair. Ranks never share a worker; sharing
// would interleave gradient state across ranks.
package modelrpc

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/gofrs/uuid"

	"github.com/tinygrpo/tinygrpo/trainer"
)

type TaskID string

func NewTaskID() TaskID {
	uuid, err := uuid.NewV4()
	if err != nil {
		log.Fatalln(err)
	}
	return TaskID(fmt.Sprintf("model-task-%s", uuid.String()))
}

type TaskKind string

const (
	TaskInit         TaskKind = "init"
	TaskGenerate     TaskKind = "generate"
	TaskLogProbs     TaskKind = "log_probs"
	TaskForward      TaskKind = "forward"
	TaskBackward     TaskKind = "backward"
	TaskClipGradNorm TaskKind = "clip_grad_norm"
	TaskStep         TaskKind = "step"
	TaskZeroGrad     TaskKind = "zero_grad"
	TaskSave         TaskKind = "save"
)

type taskEnvelope struct {
	ID      TaskID          `json:"task_id"`
	Kind    TaskKind        `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type resultEnvelope struct {
	ID      TaskID          `json:"task_id"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

func (t taskEnvelope) ToJSON() string {
	json, err := json.Marshal(t)
	if err != nil {
		panic(err)
	}
	return string(json)
}

// InitRequest is sent once per connection. The worker loads (or confirms)
// the model and answers with its pad token. Trainable is false for the
// frozen reference worker, which then rejects gradient tasks.
type InitRequest struct {
	ModelName string  `json:"model_name"`
	LR        float64 `json:"lr"`
	Trainable bool    `json:"trainable"`
	Seed      int64   `json:"seed"`
}

type InitResponse struct {
	PadToken int `json:"pad_token"`
}

type GenerateRequest struct {
	Messages    []trainer.Message `json:"messages"`
	NumRollouts int               `json:"num_rollouts"`
	MaxLength   int               `json:"max_length"`
	Temperature float64           `json:"temperature"`
	TopP        float64           `json:"top_p"`
}

type GenerateResponse struct {
	Completions []trainer.Completion `json:"completions"`
}

type LogProbsRequest struct {
	Sequences     [][]int  `json:"sequences"`
	AttentionMask [][]bool `json:"attention_mask"`
	// Tracked asks the worker to keep activations for a later backward.
	Tracked bool `json:"tracked"`
}

type LogProbsResponse struct {
	PassID   string      `json:"pass_id,omitempty"`
	LogProbs [][]float64 `json:"log_probs"`
}

type BackwardRequest struct {
	PassID       string      `json:"pass_id"`
	GradLogProbs [][]float64 `json:"grad_log_probs"`
}

type ClipGradNormRequest struct {
	MaxNorm float64 `json:"max_norm"`
}

type ClipGradNormResponse struct {
	GradNorm float64 `json:"grad_norm"`
}

type SaveRequest struct {
	Path string `json:"path"`
	Step int    `json:"step,omitempty"`
}
