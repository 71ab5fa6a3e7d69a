package queue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startJetStream runs an embedded JetStream-enabled server for the duration
// of the test.
func startJetStream(t *testing.T) nats.JetStreamContext {
	t.Helper()
	srv, err := server.NewServer(&server.Options{
		ServerName: "annex-queue-test",
		Host:       "127.0.0.1",
		Port:       -1,
		JetStream:  true,
		StoreDir:   t.TempDir(),
		NoLog:      true,
		NoSigs:     true,
	})
	require.NoError(t, err)
	srv.Start()
	t.Cleanup(srv.Shutdown)
	require.True(t, srv.ReadyForConnections(10*time.Second))

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	js, err := nc.JetStream()
	require.NoError(t, err)
	return js
}

func TestConsumeAckDeletes(t *testing.T) {
	js := startJetStream(t)
	require.NoError(t, EnsureStream(js, "WORK", []string{"WORK.items"}))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	delivered := make(chan []byte, 4)
	cfg := ConsumerConfig{
		Subject: "WORK.items",
		Durable: "WorkConsumer",
		AckWait: 250 * time.Millisecond,
	}
	err := Consume(ctx, js, cfg, func(ctx context.Context, msg *nats.Msg) bool {
		delivered <- msg.Data
		return true
	})
	require.NoError(t, err)

	require.NoError(t, New(js).Publish(ctx, "WORK.items", map[string]string{"job_id": "job-1"}))

	select {
	case data := <-delivered:
		assert.Contains(t, string(data), "job-1")
	case <-time.After(5 * time.Second):
		t.Fatal("message was not delivered")
	}

	// Acking a work-queue message deletes it from the stream.
	assert.Eventually(t, func() bool {
		info, err := js.StreamInfo("WORK")
		return err == nil && info.State.Msgs == 0
	}, 5*time.Second, 50*time.Millisecond)

	// Well past the visibility timeout, an acked message stays gone.
	select {
	case <-delivered:
		t.Fatal("acked message was redelivered")
	case <-time.After(4 * cfg.AckWait):
	}
}

// A handler that returns false leaves the message on the queue; the next
// delivery of the same payload can then succeed.
func TestConsumeNakRedelivers(t *testing.T) {
	js := startJetStream(t)
	require.NoError(t, EnsureStream(js, "WORK", []string{"WORK.items"}))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	var deliveries int32
	done := make(chan []byte, 1)
	cfg := ConsumerConfig{
		Subject:    "WORK.items",
		Durable:    "WorkConsumer",
		AckWait:    2 * time.Second,
		MaxDeliver: 5,
	}
	err := Consume(ctx, js, cfg, func(ctx context.Context, msg *nats.Msg) bool {
		if atomic.AddInt32(&deliveries, 1) == 1 {
			return false
		}
		done <- msg.Data
		return true
	})
	require.NoError(t, err)

	require.NoError(t, New(js).Publish(ctx, "WORK.items", map[string]string{"job_id": "job-2"}))

	select {
	case data := <-done:
		assert.Contains(t, string(data), "job-2")
	case <-time.After(10 * time.Second):
		t.Fatal("nak'd message was not redelivered")
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&deliveries))

	assert.Eventually(t, func() bool {
		info, err := js.StreamInfo("WORK")
		return err == nil && info.State.Msgs == 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestEnsureStreamIdempotent(t *testing.T) {
	js := startJetStream(t)
	require.NoError(t, EnsureStream(js, "WORK", []string{"WORK.items"}))
	require.NoError(t, EnsureStream(js, "WORK", []string{"WORK.items"}))

	info, err := js.StreamInfo("WORK")
	require.NoError(t, err)
	assert.Equal(t, nats.WorkQueuePolicy, info.Config.Retention)
	assert.Equal(t, []string{"WORK.items"}, info.Config.Subjects)
}
