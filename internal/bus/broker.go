// Package bus carries keepalives, notices, jobs and work ranges over a
// message broker and classifies what arrives.
package bus

import (
	"context"
	"errors"
)

// Exchange kinds
const (
	ExchangeDirect = "direct"
	ExchangeFanout = "fanout"
)

// DefaultExchange routes by queue name.
const DefaultExchange = ""

var (
	// ErrNotConnected is returned when an operation needs an open broker channel.
	ErrNotConnected = errors.New("bus: not connected")
	// ErrUnknownConsumer is returned when cancelling a tag the broker does not hold.
	ErrUnknownConsumer = errors.New("bus: unknown consumer tag")
)

// QueueOptions describes how a queue is declared
type QueueOptions struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
}

// Delivery is one message handed to a consumer. Exactly one of Ack or Nack
// must be called.
type Delivery interface {
	Body() []byte
	Ack() error
	Nack(requeue bool) error
}

// DeliveryHandler processes one delivery
type DeliveryHandler func(d Delivery)

// EventType classifies broker lifecycle events
type EventType string

const (
	EventConnect    EventType = "connect"
	EventDisconnect EventType = "disconnect"
	EventBlocked    EventType = "blocked"
	EventUnblocked  EventType = "unblocked"
)

// Event is a broker lifecycle notification
type Event struct {
	Type   EventType
	Reason string
}

// Broker is the driver seam between the bus client and a concrete broker.
// Implementations keep consumers alive across reconnects, and Connect after
// Close opens a fresh connection.
type Broker interface {
	Connect(ctx context.Context) error
	DeclareExchange(name, kind string) error
	DeclareQueue(name string, opts QueueOptions) (string, error)
	BindQueue(queue, routingKey, exchange string) error
	DeleteQueue(name string) error
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
	Consume(queue string, handler DeliveryHandler) (string, error)
	Cancel(consumerTag string) error
	NotifyLifecycle(fn func(Event))
	Close() error
}
