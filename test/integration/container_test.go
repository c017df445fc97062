package integration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/ehr/checkin-billing/internal/platform/db"
)

const defaultPostgresImage = "postgres:16-alpine"

// postgresContainer is a throwaway Postgres started through the Docker CLI on
// a host port Docker picks.
type postgresContainer struct {
	id  string
	URL string
}

func startPostgres(ctx context.Context) (*postgresContainer, error) {
	image := os.Getenv("INTEGRATION_PG_IMAGE")
	if image == "" {
		image = defaultPostgresImage
	}

	out, err := docker(ctx, "run", "-d", "--rm",
		"-p", "127.0.0.1::5432",
		"-e", "POSTGRES_USER=checkin",
		"-e", "POSTGRES_PASSWORD=checkin",
		"-e", "POSTGRES_DB=checkin_billing_test",
		image,
	)
	if err != nil {
		return nil, err
	}
	c := &postgresContainer{id: out}

	hostPort, err := docker(ctx, "port", c.id, "5432/tcp")
	if err != nil {
		c.Stop()
		return nil, err
	}
	// "docker port" prints one line per address family.
	hostPort = strings.SplitN(hostPort, "\n", 2)[0]
	c.URL = fmt.Sprintf("postgres://checkin:checkin@%s/checkin_billing_test?sslmode=disable", hostPort)

	if err := c.waitReady(ctx, 45*time.Second); err != nil {
		c.Stop()
		return nil, err
	}
	return c, nil
}

// Stop stops the container; --rm removes it.
func (c *postgresContainer) Stop() {
	_, _ = docker(context.Background(), "stop", "-t", "1", c.id)
}

// waitReady polls until the server accepts a pooled connection.
func (c *postgresContainer) waitReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	for {
		attempt, stop := context.WithTimeout(ctx, 2*time.Second)
		pool, err := db.NewPool(attempt, c.URL, db.PoolOptions{MaxConns: 1})
		stop()
		if err == nil {
			pool.Close()
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return fmt.Errorf("postgres container %s not ready: %w", c.id, errors.Join(ctx.Err(), lastErr))
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func docker(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("docker %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}
