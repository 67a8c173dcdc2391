package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/tinygrpo/tinygrpo/trainer"
	"github.com/tinygrpo/tinygrpo/trainer/coord"
	"github.com/tinygrpo/tinygrpo/trainer/lambda"
	"github.com/tinygrpo/tinygrpo/trainer/modelrpc"
	"github.com/tinygrpo/tinygrpo/trainer/redisconn"
	"github.com/tinygrpo/tinygrpo/trainer/toypolicy"
)

func main() {
	logger := zerolog.New(
		zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339},
	).Level(zerolog.TraceLevel).With().Timestamp().Caller().Logger()
	ctx := logger.WithContext(context.Background())

	cmd := &cli.Command{
		Name:  "trainer",
		Usage: "GRPO fine-tuning loop for tinygrpo",
		Commands: []*cli.Command{
			createTrainCli(),
			createPromptsCli(),
			createWorkerCli(),
		},
	}
	if err := cmd.Run(ctx, os.Args); err != nil {
		log.Fatalln(err)
	}
}

func createTrainCli() *cli.Command {
	var (
		configPath string
		backend    string
		runID      string
		rank       int64
		worldSize  int64
	)
	action := func(ctx context.Context, _ *cli.Command) error {
		logger := zerolog.Ctx(ctx)
		cfg, err := trainer.LoadRunConfig(configPath)
		if err != nil {
			return err
		}

		if runID == "" {
			runID = string(trainer.NewRunID())
		} else if !trainer.IsValidRunID(trainer.RunID(runID)) {
			return fmt.Errorf("run-id %q must look like run-<uuid>", runID)
		}
		logger.Info().Str("run_id", runID).Msgf("starting worker %d/%d", rank, worldSize)

		group, policy, reference, err := buildRun(ctx, cfg, backend, runID, int(rank), int(worldSize))
		if err != nil {
			return err
		}
		defer group.Close()

		sink := trainer.NewNopSink()
		if cfg.Project != "" && group.IsPrimary() {
			sink = trainer.NewLogSink(*logger, cfg.Project)
		}

		prompts, err := trainer.ReadPrompts(cfg.PromptsPath, cfg.Filter.Keep, cfg.MaxRows)
		if err != nil {
			return err
		}
		if group.IsPrimary() {
			logger.Info().Msgf("found %d matching prompts", len(prompts))
		}

		t := trainer.New(cfg, policy, reference, group, sink)
		return t.Run(ctx, prompts)
	}
	return &cli.Command{
		Name:  "train",
		Usage: "run the GRPO training loop",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Destination: &configPath, Required: true, Usage: "path to the run config JSON"},
			&cli.StringFlag{Name: "backend", Destination: &backend, Value: "redis", Usage: "model backend: redis or toy"},
			&cli.StringFlag{Name: "run-id", Destination: &runID, Usage: "shared id of this run; required when world-size > 1"},
			&cli.IntFlag{Name: "rank", Destination: &rank, Value: 0, Usage: "rank of this worker"},
			&cli.IntFlag{Name: "world-size", Destination: &worldSize, Value: 1, Usage: "number of workers in the group"},
		},
		Action: action,
	}
}

func buildRun(ctx context.Context, cfg trainer.RunConfig, backend, runID string, rank, worldSize int) (coord.Coordinator, trainer.TrainablePolicy, trainer.Policy, error) {
	switch backend {
	case "toy":
		if worldSize != 1 {
			return nil, nil, nil, fmt.Errorf("toy backend is single-process, got world-size %d", worldSize)
		}
		policy := toypolicy.New(cfg.LR, cfg.Seed)
		return coord.Solo{}, policy, policy.Clone(), nil
	case "redis":
		rdb, err := redisconn.Connect(ctx)
		if err != nil {
			return nil, nil, nil, err
		}
		var group coord.Coordinator = coord.Solo{}
		if worldSize > 1 {
			if runID == "" {
				return nil, nil, nil, fmt.Errorf("run-id is required when world-size > 1")
			}
			group, err = coord.NewRedisGroup(rdb, runID, rank, worldSize)
			if err != nil {
				return nil, nil, nil, err
			}
		}
		policy, err := modelrpc.Connect(ctx, rdb, modelrpc.JobPolicy, rank, modelrpc.InitRequest{
			ModelName: cfg.ModelName,
			LR:        cfg.LR,
			Trainable: true,
			Seed:      cfg.Seed,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		reference, err := modelrpc.Connect(ctx, rdb, modelrpc.JobReference, rank, modelrpc.InitRequest{
			ModelName: cfg.ModelName,
			Seed:      cfg.Seed,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return group, policy, reference, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown backend %q", backend)
	}
}

func createPromptsCli() *cli.Command {
	var (
		configPath string
		showFirst  int64
	)
	action := func(ctx context.Context, _ *cli.Command) error {
		logger := zerolog.Ctx(ctx)
		cfg, err := trainer.LoadRunConfig(configPath)
		if err != nil {
			return err
		}
		prompts, err := trainer.ReadPrompts(cfg.PromptsPath, cfg.Filter.Keep, cfg.MaxRows)
		if err != nil {
			return err
		}
		logger.Info().Msgf("%d prompts pass the filter", len(prompts))
		for i, p := range prompts {
			if int64(i) >= showFirst {
				break
			}
			fmt.Printf("q=%q a=%q terms=%d digits=%d\n", p.Question, p.Answer, p.NumTerms, p.NumDigits)
		}
		return nil
	}
	return &cli.Command{
		Name:  "prompts",
		Usage: "inspect the filtered prompt source",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Destination: &configPath, Required: true},
			&cli.IntFlag{Name: "show", Destination: &showFirst, Value: 5, Usage: "print the first N matching prompts"},
		},
		Action: action,
	}
}

func createWorkerCli() *cli.Command {
	var (
		region       string
		instanceType string
		sshKey       string
		job          string
		workerRank   int64
		modelName    string
		redisAddr    string
		instanceID   string
	)
	up := &cli.Command{
		Name:  "up",
		Usage: "launch a GPU host and start the model worker on it",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "region", Destination: &region, Required: true},
			&cli.StringFlag{Name: "instance-type", Destination: &instanceType, Required: true},
			&cli.StringFlag{Name: "ssh-key", Destination: &sshKey, Required: true},
			&cli.StringFlag{Name: "job", Destination: &job, Value: string(modelrpc.JobPolicy)},
			&cli.IntFlag{Name: "rank", Destination: &workerRank, Value: 0, Usage: "trainer rank this worker serves"},
			&cli.StringFlag{Name: "model", Destination: &modelName, Required: true},
			&cli.StringFlag{Name: "redis-addr", Destination: &redisAddr, Required: true},
		},
		Action: func(ctx context.Context, _ *cli.Command) error {
			logger := zerolog.Ctx(ctx)
			resp, err := lambda.LaunchInstances(lambda.LaunchRequest{
				RegionName:       region,
				InstanceTypeName: instanceType,
				SSHKeyNames:      []string{sshKey},
				Quantity:         1,
				Name:             fmt.Sprintf("tinygrpo-%s-%d", job, workerRank),
			})
			if err != nil {
				return err
			}
			if len(resp.Data.InstanceIDs) != 1 {
				return fmt.Errorf("expected one launched instance, got %d", len(resp.Data.InstanceIDs))
			}
			id := resp.Data.InstanceIDs[0]
			logger.Info().Msgf("launched instance %s", id)
			return lambda.StartWorkerOnInstance(ctx, id, 30, lambda.WorkerBootstrap{
				Job:       job,
				Rank:      int(workerRank),
				ModelName: modelName,
				RedisAddr: redisAddr,
			})
		},
	}
	down := &cli.Command{
		Name:  "down",
		Usage: "terminate a worker host",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "instance-id", Destination: &instanceID, Required: true},
		},
		Action: func(ctx context.Context, _ *cli.Command) error {
			resp, err := lambda.TerminateInstances(lambda.TerminateRequest{InstanceIDs: []string{instanceID}})
			if err != nil {
				return err
			}
			zerolog.Ctx(ctx).Info().Msgf("terminated %d instances", len(resp.Data.TerminatedInstances))
			return nil
		},
	}
	list := &cli.Command{
		Name:  "list",
		Usage: "list worker hosts",
		Action: func(_ context.Context, _ *cli.Command) error {
			resp, err := lambda.ListInstances()
			if err != nil {
				return err
			}
			for _, inst := range resp.Data {
				ip := "<none>"
				if inst.IP != nil {
					ip = *inst.IP
				}
				fmt.Printf("%s %s %s %s %s\n", inst.ID, inst.Name, inst.Status, inst.InstanceType.Name, ip)
			}
			return nil
		},
	}
	return &cli.Command{
		Name:     "worker",
		Usage:    "manage model worker hosts",
		Commands: []*cli.Command{up, down, list},
	}
}
