package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	mongoOnce sync.Once
	mongoURI  string
	mongoErr  error
)

// GetMongoURI returns the MongoDB URI of a shared Mongo container.
func GetMongoURI(t *testing.T) string {
	t.Helper()
	skipContainers(t, "Mongo")

	mongoOnce.Do(func() {
		mongoURI, mongoErr = startMongoContainer()
	})
	skipOnError(t, "Mongo", mongoErr)

	return mongoURI
}

func startMongoContainer() (string, error) {
	// Give generous timeout in CI environments
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	mongoC, err := testcontainers.Run(
		ctx, "mongo:7",
		testcontainers.WithExposedPorts("27017/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("27017/tcp"),
			wait.ForLog("Waiting for connections"),
		),
	)
	if err != nil {
		return "", err
	}

	endpoint, err := mongoC.Endpoint(ctx, "")
	if err != nil {
		_ = mongoC.Terminate(context.Background()) // best-effort cleanup
		return "", err
	}
	return fmt.Sprintf("mongodb://%s", endpoint), nil
}
