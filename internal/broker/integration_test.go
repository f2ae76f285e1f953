//go:build integration

package broker_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/turksat-oss/pns-dispatch/internal/broker"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClient_PublishConsume_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	container, err := rabbitmq.Run(ctx, "rabbitmq:3.13-management-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	url, err := container.AmqpURL(ctx)
	require.NoError(t, err)

	client, err := broker.New(ctx, broker.Config{URL: url, Heartbeat: 10 * time.Second}, newTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Publish(ctx, broker.RoutingPreProcess, []byte(`{"alert":"hi"}`)))

	received := make(chan []byte, 1)
	consumeCtx, consumeCancel := context.WithCancel(ctx)
	defer consumeCancel()
	go func() {
		_ = client.Consume(consumeCtx, broker.RoutingPreProcess, func(_ context.Context, body []byte) broker.Outcome {
			received <- body
			consumeCancel()
			return broker.Ack
		})
	}()

	select {
	case body := <-received:
		require.JSONEq(t, `{"alert":"hi"}`, string(body))
	case <-time.After(20 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}
