package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// AMQPConfig configures the RabbitMQ adapter
type AMQPConfig struct {
	URL            string
	Prefetch       int
	ReconnectDelay time.Duration
}

type binding struct {
	queue      string
	routingKey string
	exchange   string
}

type consumer struct {
	queue   string
	handler DeliveryHandler
}

// AMQPBroker implements Broker on RabbitMQ with one publish channel and one
// consume channel. Topology and consumers are recorded so they can be
// restored on the new connection after a drop.
type AMQPBroker struct {
	cfg AMQPConfig
	log *logrus.Entry

	mu      sync.RWMutex
	conn    *amqp.Connection
	pubCh   *amqp.Channel
	conCh   *amqp.Channel
	closed  bool
	done    chan struct{}
	onEvent func(Event)

	exchanges map[string]string
	queues    map[string]QueueOptions
	bindings  []binding
	consumers map[string]consumer
}

// NewAMQPBroker creates an unconnected RabbitMQ broker adapter
func NewAMQPBroker(cfg AMQPConfig, log *logrus.Entry) *AMQPBroker {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 10
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	return &AMQPBroker{
		cfg:       cfg,
		log:       log,
		done:      make(chan struct{}),
		exchanges: make(map[string]string),
		queues:    make(map[string]QueueOptions),
		consumers: make(map[string]consumer),
	}
}

// NotifyLifecycle registers the lifecycle callback
func (b *AMQPBroker) NotifyLifecycle(fn func(Event)) {
	b.mu.Lock()
	b.onEvent = fn
	b.mu.Unlock()
}

func (b *AMQPBroker) emit(e Event) {
	b.mu.RLock()
	fn := b.onEvent
	b.mu.RUnlock()
	if fn != nil {
		fn(e)
	}
}

// Connect dials the broker and opens the publish and consume channels.
func (b *AMQPBroker) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		// reopen after Close; watchers of the old connection hold the old done
		b.closed = false
		b.done = make(chan struct{})
	} else if b.conn != nil && !b.conn.IsClosed() {
		b.mu.Unlock()
		return nil
	}
	done := b.done
	b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.dial(done); err != nil {
		return err
	}
	b.emit(Event{Type: EventConnect})
	return nil
}

func (b *AMQPBroker) dial(done chan struct{}) error {
	conn, err := amqp.DialConfig(b.cfg.URL, amqp.Config{
		Heartbeat: 10 * time.Second,
		Properties: amqp.Table{
			"connection_name": "release-pipeline",
		},
	})
	if err != nil {
		return fmt.Errorf("rabbitmq: failed to connect: %w", err)
	}

	pubCh, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("rabbitmq: failed to open publish channel: %w", err)
	}

	conCh, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("rabbitmq: failed to open consume channel: %w", err)
	}

	if err := conCh.Qos(b.cfg.Prefetch, 0, false); err != nil {
		_ = conn.Close()
		return fmt.Errorf("rabbitmq: failed to set QoS: %w", err)
	}

	b.mu.Lock()
	b.conn = conn
	b.pubCh = pubCh
	b.conCh = conCh
	b.mu.Unlock()

	go b.watch(conn, pubCh, conCh, done)
	return nil
}

// watch follows one connection until it closes, then reconnects.
func (b *AMQPBroker) watch(conn *amqp.Connection, pubCh, conCh *amqp.Channel, done chan struct{}) {
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	blocked := conn.NotifyBlocked(make(chan amqp.Blocking, 1))
	pubClosed := pubCh.NotifyClose(make(chan *amqp.Error, 1))
	conClosed := conCh.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-done:
			return

		case blk, ok := <-blocked:
			if !ok {
				blocked = nil
				continue
			}
			if blk.Active {
				b.emit(Event{Type: EventBlocked, Reason: blk.Reason})
			} else {
				b.emit(Event{Type: EventUnblocked})
			}

		case chErr, ok := <-pubClosed:
			pubClosed = nil
			if ok && chErr != nil {
				b.log.WithError(chErr).Warn("Publish channel closed, recycling connection")
				_ = conn.Close()
			}

		case chErr, ok := <-conClosed:
			conClosed = nil
			if ok && chErr != nil {
				b.log.WithError(chErr).Warn("Consume channel closed, recycling connection")
				_ = conn.Close()
			}

		case connErr := <-connClosed:
			select {
			case <-done:
				return
			default:
			}
			b.mu.Lock()
			if b.conn == conn {
				b.pubCh = nil
				b.conCh = nil
			}
			b.mu.Unlock()

			reason := "connection closed"
			if connErr != nil {
				reason = connErr.Error()
			}
			b.emit(Event{Type: EventDisconnect, Reason: reason})
			b.reconnect(done)
			return
		}
	}
}

func (b *AMQPBroker) reconnect(done chan struct{}) {
	for attempt := 1; ; attempt++ {
		select {
		case <-done:
			return
		case <-time.After(b.cfg.ReconnectDelay):
		}

		if err := b.dial(done); err != nil {
			b.log.WithError(err).WithField("attempt", attempt).Warn("Reconnect failed")
			continue
		}
		if err := b.restore(); err != nil {
			b.log.WithError(err).Error("Failed to restore topology after reconnect")
			b.mu.RLock()
			conn := b.conn
			b.mu.RUnlock()
			// the watcher started by dial takes it from here
			_ = conn.Close()
			return
		}

		b.log.WithField("attempt", attempt).Info("Reconnected to broker")
		b.emit(Event{Type: EventConnect})
		return
	}
}

// restore re-declares recorded topology and re-registers consumers under
// their original tags.
func (b *AMQPBroker) restore() error {
	b.mu.RLock()
	ch := b.conCh
	exchanges := make(map[string]string, len(b.exchanges))
	for k, v := range b.exchanges {
		exchanges[k] = v
	}
	queues := make(map[string]QueueOptions, len(b.queues))
	for k, v := range b.queues {
		queues[k] = v
	}
	bindings := append([]binding(nil), b.bindings...)
	consumers := make(map[string]consumer, len(b.consumers))
	for k, v := range b.consumers {
		consumers[k] = v
	}
	b.mu.RUnlock()

	for name, kind := range exchanges {
		if err := declareExchange(ch, name, kind); err != nil {
			return err
		}
	}
	for name, opts := range queues {
		if _, err := declareQueue(ch, name, opts); err != nil {
			return err
		}
	}
	for _, bd := range bindings {
		if err := ch.QueueBind(bd.queue, bd.routingKey, bd.exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s: %w", bd.queue, err)
		}
	}
	for tag, c := range consumers {
		if err := startConsumer(ch, tag, c); err != nil {
			return err
		}
	}
	return nil
}

func (b *AMQPBroker) channel() (*amqp.Channel, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.conCh == nil || b.conn == nil || b.conn.IsClosed() {
		return nil, ErrNotConnected
	}
	return b.conCh, nil
}

// DeclareExchange declares a durable exchange of the given kind
func (b *AMQPBroker) DeclareExchange(name, kind string) error {
	ch, err := b.channel()
	if err != nil {
		return err
	}
	if err := declareExchange(ch, name, kind); err != nil {
		return err
	}
	b.mu.Lock()
	b.exchanges[name] = kind
	b.mu.Unlock()
	return nil
}

// DeclareQueue declares a queue and returns its name
func (b *AMQPBroker) DeclareQueue(name string, opts QueueOptions) (string, error) {
	ch, err := b.channel()
	if err != nil {
		return "", err
	}
	q, err := declareQueue(ch, name, opts)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	b.queues[q] = opts
	b.mu.Unlock()
	return q, nil
}

// BindQueue binds queue to exchange under routingKey
func (b *AMQPBroker) BindQueue(queue, routingKey, exchange string) error {
	ch, err := b.channel()
	if err != nil {
		return err
	}
	if err := ch.QueueBind(queue, routingKey, exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", queue, err)
	}
	b.mu.Lock()
	b.bindings = append(b.bindings, binding{queue: queue, routingKey: routingKey, exchange: exchange})
	b.mu.Unlock()
	return nil
}

// Publish sends a persistent JSON message. It fails rather than buffering
// while disconnected.
func (b *AMQPBroker) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	b.mu.RLock()
	ch := b.pubCh
	connected := b.conn != nil && !b.conn.IsClosed()
	b.mu.RUnlock()
	if ch == nil || !connected {
		return ErrNotConnected
	}

	err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Consume starts a manual-ack consumer on queue. Each delivery is handled
// on its own goroutine; the channel prefetch bounds how many run at once.
func (b *AMQPBroker) Consume(queue string, handler DeliveryHandler) (string, error) {
	ch, err := b.channel()
	if err != nil {
		return "", err
	}
	tag := "ctag-" + uuid.NewString()
	c := consumer{queue: queue, handler: handler}
	if err := startConsumer(ch, tag, c); err != nil {
		return "", err
	}
	b.mu.Lock()
	b.consumers[tag] = c
	b.mu.Unlock()
	return tag, nil
}

// Cancel stops the consumer registered under tag
func (b *AMQPBroker) Cancel(consumerTag string) error {
	b.mu.Lock()
	c, ok := b.consumers[consumerTag]
	delete(b.consumers, consumerTag)
	if ok {
		b.forgetQueueLocked(c.queue)
	}
	ch := b.conCh
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConsumer, consumerTag)
	}
	if ch == nil {
		// the consumer went with the channel and is no longer restored
		return nil
	}
	if err := ch.Cancel(consumerTag, false); err != nil {
		return fmt.Errorf("failed to cancel consumer %s: %w", consumerTag, err)
	}
	return nil
}

// forgetQueueLocked drops an auto-delete queue from the restore set once its
// last consumer is gone, since the broker deletes it too.
func (b *AMQPBroker) forgetQueueLocked(queue string) {
	opts, ok := b.queues[queue]
	if !ok || !opts.AutoDelete {
		return
	}
	for _, c := range b.consumers {
		if c.queue == queue {
			return
		}
	}
	delete(b.queues, queue)
	kept := b.bindings[:0]
	for _, bd := range b.bindings {
		if bd.queue != queue {
			kept = append(kept, bd)
		}
	}
	b.bindings = kept
}

// DeleteQueue deletes a queue and forgets it for restore
func (b *AMQPBroker) DeleteQueue(name string) error {
	ch, err := b.channel()
	if err != nil {
		return err
	}
	if _, err := ch.QueueDelete(name, false, false, false); err != nil {
		return fmt.Errorf("failed to delete queue %s: %w", name, err)
	}
	b.mu.Lock()
	delete(b.queues, name)
	kept := b.bindings[:0]
	for _, bd := range b.bindings {
		if bd.queue != name {
			kept = append(kept, bd)
		}
	}
	b.bindings = kept
	b.mu.Unlock()
	return nil
}

// Close stops reconnecting and closes the connection
func (b *AMQPBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	conn := b.conn
	b.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("failed to close RabbitMQ connection: %w", err)
	}
	return nil
}

func declareExchange(ch *amqp.Channel, name, kind string) error {
	err := ch.ExchangeDeclare(
		name,  // exchange name
		kind,  // exchange type
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", name, err)
	}
	return nil
}

func declareQueue(ch *amqp.Channel, name string, opts QueueOptions) (string, error) {
	q, err := ch.QueueDeclare(
		name,            // queue name
		opts.Durable,    // durable
		opts.AutoDelete, // delete when unused
		opts.Exclusive,  // exclusive
		false,           // no-wait
		nil,             // arguments
	)
	if err != nil {
		return "", fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	return q.Name, nil
}

func startConsumer(ch *amqp.Channel, tag string, c consumer) error {
	msgs, err := ch.Consume(
		c.queue, // queue
		tag,     // consumer
		false,   // auto-ack
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer on %s: %w", c.queue, err)
	}

	go func() {
		for d := range msgs {
			go c.handler(amqpDelivery{d: d})
		}
	}()
	return nil
}

type amqpDelivery struct {
	d amqp.Delivery
}

func (a amqpDelivery) Body() []byte            { return a.d.Body }
func (a amqpDelivery) Ack() error              { return a.d.Ack(false) }
func (a amqpDelivery) Nack(requeue bool) error { return a.d.Nack(false, requeue) }
