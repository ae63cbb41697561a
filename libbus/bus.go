// Package libbus provides a thin pub/sub abstraction used for chat lifecycle
// notifications (message finalized) and the sweep trigger. The production
// implementation runs on NATS; InMem covers single-process deployments and
// tests.
package libbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

var ErrConnectionClosed = errors.New("libbus: connection closed")

// Subscription is a handle to an active Stream registration.
type Subscription interface {
	Unsubscribe() error
}

// Messenger is the transport-agnostic bus surface.
type Messenger interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Stream(ctx context.Context, subject string, ch chan<- []byte) (Subscription, error)
	Close() error
}

// Config holds NATS connection settings.
type Config struct {
	NATSURL      string
	NATSUser     string
	NATSPassword string
}

type natsMessenger struct {
	nc *nats.Conn
}

// NewPubSub connects to NATS and returns a Messenger bound to the connection.
func NewPubSub(ctx context.Context, cfg *Config) (Messenger, error) {
	opts := []nats.Option{
		nats.Name("chatwire"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}
	if cfg.NATSUser != "" {
		opts = append(opts, nats.UserInfo(cfg.NATSUser, cfg.NATSPassword))
	}
	nc, err := nats.Connect(cfg.NATSURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("libbus: nats connect failed: %w", err)
	}
	return &natsMessenger{nc: nc}, nil
}

func (m *natsMessenger) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.nc.IsClosed() {
		return ErrConnectionClosed
	}
	return m.nc.Publish(subject, data)
}

func (m *natsMessenger) Stream(ctx context.Context, subject string, ch chan<- []byte) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.nc.IsClosed() {
		return nil, ErrConnectionClosed
	}
	sub, err := m.nc.Subscribe(subject, func(msg *nats.Msg) {
		select {
		case ch <- msg.Data:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, fmt.Errorf("libbus: subscribe failed: %w", err)
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return sub, nil
}

func (m *natsMessenger) Close() error {
	m.nc.Close()
	return nil
}

var _ Messenger = (*natsMessenger)(nil)
