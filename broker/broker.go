package broker

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a broker after Close.
var ErrClosed = errors.New("broker closed")

// Broker is the broadcast transport between callback producers and every
// server instance. Each subscriber group receives every message published to
// a topic after the group was first created; members of the same group share
// its messages. Delivery is at least once.
type Broker interface {
	// Publish appends data to topic and returns the transport-assigned id.
	// Messages published with the same key are delivered to each group in
	// publish order.
	Publish(ctx context.Context, topic, key string, data []byte) (eventID string, err error)

	// Subscribe consumes topic as a member of group, calling handler for each
	// message. A message is acknowledged once handler returns, whether or not
	// it returned an error, so failures are never redelivered. Subscribe
	// blocks until ctx is done or the broker fails.
	Subscribe(ctx context.Context, topic, group string, handler MessageHandler) error

	// Close releases transport resources.
	Close() error
}

// MessageEnvelope is one message as seen by a subscriber.
type MessageEnvelope struct {
	// ID is unique within the topic and increases with publish order.
	ID string `json:"id"`
	// Key is the ordering key supplied at publish time.
	Key string `json:"key"`
	// Data is the opaque message body.
	Data []byte `json:"data"`
}

// MessageHandler processes a single message. A returned error is logged by
// the broker and the message is still acknowledged.
type MessageHandler func(ctx context.Context, msg MessageEnvelope) error
