package docker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
)

// Pinger probes the daemon.
type Pinger interface {
	Ping(ctx context.Context) (types.Ping, error)
}

func readyBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = readyTimeout
	return b
}

// waitReady pings until the daemon answers. CI runners often start the
// daemon alongside the job, so refused connections are retried under
// policy; any other ping failure is returned at once.
func waitReady(ctx context.Context, p Pinger, policy backoff.BackOff) error {
	log := slog.With("component", "docker")
	attempts := 0
	ping := func() error {
		attempts++
		_, err := p.Ping(ctx)
		switch {
		case err == nil:
			return nil
		case client.IsErrConnectionFailed(err):
			if attempts == 1 {
				log.Info("Waiting for the docker daemon.")
			}
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	if err := backoff.Retry(ping, backoff.WithContext(policy, ctx)); err != nil {
		return fmt.Errorf("docker daemon not reachable after %d attempts: %w", attempts, err)
	}
	if attempts > 1 {
		log.Debug("Docker daemon reachable.", "attempts", attempts)
	}
	return nil
}
