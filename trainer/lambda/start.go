package lambda

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/melbahja/goph"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// WorkerBootstrap describes the model worker to start on a host. The host is
// expected to have the worker checkout under ~/tinygrpo already (baked into
// the filesystem image).
type WorkerBootstrap struct {
	// Job is the queue prefix the worker serves ("policy-model" or
	// "reference-model").
	Job string
	// Rank is the trainer rank whose queues this worker serves.
	Rank int
	// ModelName is the HuggingFace model identifier to load.
	ModelName string
	// RedisAddr is host:port of the queue redis reachable from the worker.
	RedisAddr string
}

func (b WorkerBootstrap) command() string {
	return fmt.Sprintf("/home/ubuntu/tinygrpo/etc/start-model-worker.sh %s %d %s %s", b.Job, b.Rank, b.ModelName, b.RedisAddr)
}

// StartWorkerOnInstance starts the model worker on a launched instance,
// retrying while the instance is still booting and has no IP yet.
func StartWorkerOnInstance(ctx context.Context, instanceID string, numTries int, bootstrap WorkerBootstrap) error {
	logger := zerolog.Ctx(ctx)
	t := time.NewTicker(8 * time.Second)
	defer t.Stop()
	for i := 0; i < numTries; i++ {
		logger.Info().Msgf("attempt %v to start model worker on %s", i, instanceID)
		status, err := ListInstances()
		if err != nil {
			return err
		}

		for _, c := range status.Data {
			if c.ID != instanceID {
				continue
			}
			if c.IP == nil {
				logger.Debug().Msg("instance still has nil IP")
				continue
			}
			out, err := execOnInstance(*c.IP, bootstrap.command())
			if err != nil && i+1 == numTries {
				return err
			} else if err != nil {
				// dont kill because we will try again
				logger.Warn().Err(err).Msg("start attempt failed")
			} else {
				logger.Info().Msg(out)
				return nil
			}
		}
		<-t.C
	}
	return errors.New("failed to start model worker on instance")
}

// worker hosts are ephemeral; their host keys change on every launch
func verifyHost(_host string, _remote net.Addr, _key ssh.PublicKey) error {
	return nil
}

func execOnInstance(ip, command string) (string, error) {
	keyPath := os.Getenv("LAMBDA_KEY_PATH")
	auth, err := goph.Key(keyPath, "")
	if err != nil {
		return "", fmt.Errorf("failed to authenticate with key: %w", err)
	}

	client, err := goph.NewConn(&goph.Config{
		User:     "ubuntu",
		Addr:     ip,
		Port:     22,
		Auth:     auth,
		Timeout:  20 * time.Second,
		Callback: verifyHost,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create client %w", err)
	}
	defer client.Close()

	out, err := client.Run(command)
	if err != nil {
		return "", fmt.Errorf("failed to run command: %w", err)
	}
	return string(out), nil
}
