package natsclient

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// Watch delivers every message on subject to fn until ctx is done.
// Wildcards are allowed, e.g. "poolmgr.lease.>".
func Watch(ctx context.Context, url, subject string, fn func(subject string, data []byte)) error {
	nc, err := nats.Connect(url, nats.Name("poolctl-watch"))
	if err != nil {
		return fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	defer nc.Close()

	msgs := make(chan *nats.Msg, 64)
	sub, err := nc.ChanSubscribe(subject, msgs)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-msgs:
			fn(m.Subject, m.Data)
		}
	}
}
