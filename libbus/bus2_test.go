package libbus_test

import (
	"context"
	"testing"
	"time"

	libbus "github.com/chatwire/chatwire/libbus"
	"github.com/stretchr/testify/require"
)

func TestSystem_Publish_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Cancel immediately

	ps, cleanup, err := libbus.NewTestPubSub()
	require.NoError(t, err)
	defer cleanup()

	err = ps.Publish(ctx, "test.canceled", []byte("data"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestSystem_Stream_ContextCanceledBeforeCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ps, cleanup, err := libbus.NewTestPubSub()
	require.NoError(t, err)
	defer cleanup()

	ch := make(chan []byte, 1)
	_, err = ps.Stream(ctx, "test.canceled", ch)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSystem_Stream_ConnectionClosed(t *testing.T) {
	ps, cleanup, err := libbus.NewTestPubSub()
	require.NoError(t, err)
	require.NoError(t, ps.Close()) // Close connection
	cleanup()

	ch := make(chan []byte, 1)
	_, err = ps.Stream(context.Background(), "test.closed", ch)
	require.ErrorIs(t, err, libbus.ErrConnectionClosed)
}

func TestSystem_Stream_UnsubscribeStopsDelivery(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ps, cleanup, err := libbus.NewTestPubSub()
	require.NoError(t, err)
	defer cleanup()

	subject := "test.unsubscribe"
	streamCh := make(chan []byte, 1)

	sub, err := ps.Stream(ctx, subject, streamCh)
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())

	// Publish AFTER unsubscribe
	require.NoError(t, ps.Publish(ctx, subject, []byte("unsubscribed")))

	// Should NOT receive message
	select {
	case <-streamCh:
		t.Fatal("received message after unsubscribe")
	case <-time.After(100 * time.Millisecond):
		// Expected: no message
	}
}
