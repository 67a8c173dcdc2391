package trainer

import (
	"encoding/json"
	"fmt"
	"os"
)

// RunConfig is the full configuration of one training run, loaded from a
// JSON file. Defaults follow the reference hyperparameters for
// Llama-3.2-1B-Instruct on the arithmetic task set.
type RunConfig struct {
	ModelName          string `json:"model_name"`
	PromptsPath        string `json:"prompts_path"`
	CheckpointDir      string `json:"checkpoint_dir"`
	CheckpointInterval int    `json:"checkpoint_interval"`

	// Project names the metrics project; empty disables the metrics sink
	// entirely (offline run).
	Project string `json:"project"`

	Seed int64 `json:"seed"`

	LR       float64 `json:"lr"`
	KLWeight float64 `json:"kl_weight"`
	ClipEps  float64 `json:"clip_eps"`
	MaxNorm  float64 `json:"max_norm"`

	GroupSize       int `json:"group_size"`
	RolloutsPerStep int `json:"rollouts_per_step"`
	EpochsPerStep   int `json:"epochs_per_step"`
	TrainBatchSize  int `json:"train_batch_size"`

	MaxLength   int     `json:"max_length"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`

	Filter  PromptFilter `json:"filter"`
	MaxRows int          `json:"max_rows"`
}

func DefaultRunConfig() RunConfig {
	return RunConfig{
		ModelName:          "meta-llama/Llama-3.2-1B-Instruct",
		PromptsPath:        "data/math_tasks.jsonl",
		CheckpointDir:      "./output",
		CheckpointInterval: 20,
		Seed:               42,
		LR:                 5e-6,
		KLWeight:           0.01,
		ClipEps:            0.2,
		MaxNorm:            1.0,
		GroupSize:          12,
		RolloutsPerStep:    32,
		EpochsPerStep:      1,
		TrainBatchSize:     16,
		MaxLength:          1024,
		Temperature:        1.0,
		TopP:               1.0,
		Filter:             PromptFilter{MaxQuestionLen: 128, MaxTerms: 3, MaxDigits: 3},
		MaxRows:            64 * 1024,
	}
}

// LoadRunConfig reads a JSON config file over the defaults. Missing fields
// keep their default values.
func LoadRunConfig(path string) (RunConfig, error) {
	cfg := DefaultRunConfig()
	bytes, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(bytes, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c RunConfig) Validate() error {
	if c.GroupSize < 2 {
		return fmt.Errorf("group_size must be at least 2, got %d", c.GroupSize)
	}
	if c.RolloutsPerStep <= 0 {
		return fmt.Errorf("rollouts_per_step must be positive, got %d", c.RolloutsPerStep)
	}
	if c.TrainBatchSize <= 0 || c.TrainBatchSize > c.RolloutsPerStep {
		return fmt.Errorf("train_batch_size must be in [1, rollouts_per_step], got %d", c.TrainBatchSize)
	}
	if c.EpochsPerStep <= 0 {
		return fmt.Errorf("epochs_per_step must be positive, got %d", c.EpochsPerStep)
	}
	if c.ClipEps <= 0 || c.ClipEps >= 1 {
		return fmt.Errorf("clip_eps must be in (0, 1), got %v", c.ClipEps)
	}
	if c.KLWeight < 0 {
		return fmt.Errorf("kl_weight must be non-negative, got %v", c.KLWeight)
	}
	if c.MaxLength <= 0 {
		return fmt.Errorf("max_length must be positive, got %d", c.MaxLength)
	}
	if c.Temperature <= 0 {
		return fmt.Errorf("temperature must be positive, got %v", c.Temperature)
	}
	if c.TopP <= 0 || c.TopP > 1 {
		return fmt.Errorf("top_p must be in (0, 1], got %v", c.TopP)
	}
	return nil
}

// Sampling returns the rollout sampling parameters of this config.
func (c RunConfig) Sampling() RolloutConfig {
	return RolloutConfig{
		NumRollouts: c.GroupSize,
		MaxLength:   c.MaxLength,
		Temperature: c.Temperature,
		TopP:        c.TopP,
	}
}
