package upload

import "context"

// Publisher hands a composed work item to the message broker for the
// converter to pick up. Delivery is at-least-once; the gateway does not wait
// for broker-side acknowledgement beyond the publish call returning.
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
	Close() error
}
