package libbus_test

import (
	"context"
	"testing"
	"time"

	libbus "github.com/chatwire/chatwire/libbus"
	"github.com/stretchr/testify/require"
)

func TestUnit_InMem_PublishReachesSubscriber(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ps := libbus.NewInMem()
	t.Cleanup(func() { require.NoError(t, ps.Close()) })

	streamCh := make(chan []byte, 1)
	sub, err := ps.Stream(ctx, "local.subject", streamCh)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, ps.Publish(ctx, "local.subject", []byte("payload")))

	select {
	case received := <-streamCh:
		require.Equal(t, []byte("payload"), received)
	case <-ctx.Done():
		t.Fatal("timed out waiting for message")
	}
}

func TestUnit_InMem_UnsubscribeStopsDelivery(t *testing.T) {
	ctx := context.Background()

	ps := libbus.NewInMem()
	t.Cleanup(func() { require.NoError(t, ps.Close()) })

	streamCh := make(chan []byte, 1)
	sub, err := ps.Stream(ctx, "local.subject", streamCh)
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())

	require.NoError(t, ps.Publish(ctx, "local.subject", []byte("payload")))

	select {
	case <-streamCh:
		t.Fatal("received message after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnit_InMem_ClosedMessenger(t *testing.T) {
	ctx := context.Background()

	ps := libbus.NewInMem()
	require.NoError(t, ps.Close())

	require.ErrorIs(t, ps.Publish(ctx, "local.subject", []byte("payload")), libbus.ErrConnectionClosed)
	_, err := ps.Stream(ctx, "local.subject", make(chan []byte, 1))
	require.ErrorIs(t, err, libbus.ErrConnectionClosed)
}
