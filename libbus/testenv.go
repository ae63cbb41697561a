package libbus

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// SetupNatsInstance starts a disposable NATS container for integration tests
// and returns its client URL, the container handle, and a cleanup function.
func SetupNatsInstance(ctx context.Context) (string, testcontainers.Container, func(), error) {
	cleanup := func() {}

	req := testcontainers.ContainerRequest{
		Image:        "docker.io/nats:2.10-alpine",
		ExposedPorts: []string{"4222/tcp"},
		WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", nil, cleanup, err
	}

	cleanup = func() {
		timeout := time.Second
		_ = container.Stop(context.Background(), &timeout)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return "", container, cleanup, err
	}
	port, err := container.MappedPort(ctx, "4222/tcp")
	if err != nil {
		return "", container, cleanup, err
	}

	return fmt.Sprintf("nats://%s:%s", host, port.Port()), container, cleanup, nil
}

// NewTestPubSub spins up a NATS container and returns a Messenger connected
// to it. The returned cleanup stops the container.
func NewTestPubSub() (Messenger, func(), error) {
	ctx := context.Background()
	url, _, cleanup, err := SetupNatsInstance(ctx)
	if err != nil {
		return nil, cleanup, err
	}
	ps, err := NewPubSub(ctx, &Config{NATSURL: url})
	if err != nil {
		return nil, cleanup, err
	}
	combined := func() {
		_ = ps.Close()
		cleanup()
	}
	return ps, combined, nil
}
