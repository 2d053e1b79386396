package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	pgOnce sync.Once
	pgDSN  string
	pgErr  error
)

// GetPostgresDSN returns a DSN for a shared PostgreSQL container.
func GetPostgresDSN(t *testing.T) string {
	t.Helper()
	skipContainers(t, "PostgreSQL")

	pgOnce.Do(func() {
		pgDSN, pgErr = startPostgresContainer()
	})
	skipOnError(t, "PostgreSQL", pgErr)

	return pgDSN
}

func startPostgresContainer() (string, error) {
	// Give generous timeout in CI environments
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	postgresC, err := testcontainers.Run(
		ctx, "postgres:16",
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForListeningPort("5432/tcp"),
				wait.ForLog("ready to accept connections"),
				// Actively verify SQL connectivity with the mapped host:port.
				wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
					return fmt.Sprintf("postgres://arcflow:arcflow@%s:%s/arcflow_test?sslmode=disable", host, port.Port())
				}).WithQuery("SELECT 1"),
			).WithDeadline(2*time.Minute),
		),
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     "arcflow",
			"POSTGRES_PASSWORD": "arcflow",
			"POSTGRES_DB":       "arcflow_test",
		}),
	)
	if err != nil {
		return "", err
	}

	endpoint, err := postgresC.Endpoint(ctx, "")
	if err != nil {
		_ = postgresC.Terminate(context.Background()) // best-effort cleanup
		return "", err
	}
	return fmt.Sprintf("postgres://arcflow:arcflow@%s/arcflow_test?sslmode=disable", endpoint), nil
}
