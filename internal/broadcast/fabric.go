// Package broadcast fans events out to named groups of subscribers.
package broadcast

import (
	"context"

	"github.com/pkg/errors"
)

var (
	ErrClosed       = errors.New("broadcast: fabric closed")
	ErrInvalidGroup = errors.New("broadcast: invalid group name")
)

// Subscriber receives payloads published to the groups it joined.
// Deliver is called from the fabric's delivery goroutine and must not block.
type Subscriber interface {
	Deliver(payload []byte)
}

// Fabric is a publish/subscribe mechanism keyed by group name. Delivery is
// at-most-once with no acknowledgment, FIFO per group per subscriber.
type Fabric interface {
	Join(ctx context.Context, group string, sub Subscriber) error
	Leave(ctx context.Context, group string, sub Subscriber) error
	Publish(ctx context.Context, group string, payload []byte) error
}

// Counter is implemented by fabrics that can report local group sizes.
type Counter interface {
	Members(ctx context.Context, group string) (int, error)
}
