package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

type published struct {
	subject string
	payload []byte
}

type fakePublisher struct {
	err  error
	sent []published
}

func (f *fakePublisher) Publish(_ context.Context, subject string, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{subject, payload})
	return nil
}

func TestPublisherEmitter(t *testing.T) {
	pub := &fakePublisher{}
	e := NewPublisherEmitter(pub, "poolmgr", zaptest.NewLogger(t))
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	e.Emit(context.Background(), Event{Type: LeaseExpired, LeaseID: "l1", Principal: "alice", Machine: "m1", At: at})

	assert.Assert(t, is.Len(pub.sent, 1))
	assert.Check(t, is.Equal(pub.sent[0].subject, "poolmgr.lease.expired"))
	var got Event
	assert.NilError(t, json.Unmarshal(pub.sent[0].payload, &got))
	assert.Check(t, is.Equal(got.Principal, "alice"))
	assert.Check(t, got.At.Equal(at))
}

func TestPublisherEmitterSwallowsErrors(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nats not connected")}
	e := NewPublisherEmitter(pub, "", zaptest.NewLogger(t))
	e.Emit(context.Background(), Event{Type: LeaseReserved})
	assert.Check(t, is.Equal(e.Subject(LeaseReserved), "lease.reserved"))
}
