package natsclient

import (
	"context"
	"testing"

	"go.uber.org/zap/zaptest"
	"gotest.tools/v3/assert"
)

func TestNewPublisherUnreachable(t *testing.T) {
	_, err := NewPublisher("nats://127.0.0.1:1", "poolmgr-test", zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "connecting to nats")
}

func TestPublishWithoutConnection(t *testing.T) {
	p := &Publisher{logger: zaptest.NewLogger(t)}
	err := p.Publish(context.Background(), "poolmgr.lease.reserved", []byte("{}"))
	assert.ErrorContains(t, err, "not connected")
	p.Close()
}

func TestWatchUnreachable(t *testing.T) {
	err := Watch(context.Background(), "nats://127.0.0.1:1", "poolmgr.lease.>", func(string, []byte) {})
	assert.ErrorContains(t, err, "connecting to nats")
}
