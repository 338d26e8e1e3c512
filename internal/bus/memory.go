package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Publication is a message observed by the in-memory broker
type Publication struct {
	Exchange   string
	RoutingKey string
	Body       []byte
}

type memConsumer struct {
	tag     string
	conn    *MemoryConn
	handler DeliveryHandler
}

type memQueue struct {
	name      string
	opts      QueueOptions
	consumers []*memConsumer
	next      int
	pending   [][]byte
}

type memBinding struct {
	queue      string
	routingKey string
}

// MemoryBroker is an in-process broker with exchange, binding and queue
// semantics close enough to RabbitMQ to run several bus clients (instances)
// against each other. Deliveries run synchronously on the publisher's
// goroutine, which keeps tests deterministic.
type MemoryBroker struct {
	mu        sync.Mutex
	exchanges map[string]string
	bindings  map[string][]memBinding
	queues    map[string]*memQueue
	published []Publication
	acked     int
	nacked    int
	requeued  int
}

// NewMemoryBroker creates an empty in-memory broker
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		exchanges: make(map[string]string),
		bindings:  make(map[string][]memBinding),
		queues:    make(map[string]*memQueue),
	}
}

// Dial returns a new connection handle, one per bus client.
func (m *MemoryBroker) Dial() *MemoryConn {
	return &MemoryConn{broker: m, tags: make(map[string]string)}
}

// Published returns every message published so far
func (m *MemoryBroker) Published() []Publication {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Publication(nil), m.published...)
}

// Acked returns the number of acknowledged deliveries
func (m *MemoryBroker) Acked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acked
}

// Nacked returns the number of negatively acknowledged deliveries
func (m *MemoryBroker) Nacked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nacked
}

// HasQueue reports whether a queue currently exists
func (m *MemoryBroker) HasQueue(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.queues[name]
	return ok
}

// Pending returns the bodies waiting in a queue with no consumer
func (m *MemoryBroker) Pending(queue string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[queue]
	if !ok {
		return nil
	}
	return append([][]byte(nil), q.pending...)
}

type dispatch struct {
	consumer *memConsumer
	body     []byte
}

func (m *MemoryBroker) route(exchange, routingKey string, body []byte) ([]dispatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.published = append(m.published, Publication{Exchange: exchange, RoutingKey: routingKey, Body: body})

	var targets []string
	if exchange == DefaultExchange {
		if _, ok := m.queues[routingKey]; ok {
			targets = append(targets, routingKey)
		}
	} else {
		kind, ok := m.exchanges[exchange]
		if !ok {
			return nil, fmt.Errorf("exchange %s not declared", exchange)
		}
		for _, bd := range m.bindings[exchange] {
			if kind == ExchangeFanout || bd.routingKey == routingKey {
				targets = append(targets, bd.queue)
			}
		}
	}

	var out []dispatch
	for _, name := range targets {
		q := m.queues[name]
		if q == nil {
			continue
		}
		if len(q.consumers) == 0 {
			q.pending = append(q.pending, body)
			continue
		}
		c := q.consumers[q.next%len(q.consumers)]
		q.next++
		out = append(out, dispatch{consumer: c, body: body})
	}
	return out, nil
}

func (m *MemoryBroker) settle(ack, requeue bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ack {
		m.acked++
		return
	}
	m.nacked++
	if requeue {
		m.requeued++
	}
}

// MemoryConn is one client's connection to a MemoryBroker
type MemoryConn struct {
	broker *MemoryBroker

	mu        sync.Mutex
	connected bool
	onEvent   func(Event)
	tags      map[string]string
}

// NotifyLifecycle registers the lifecycle callback
func (c *MemoryConn) NotifyLifecycle(fn func(Event)) {
	c.mu.Lock()
	c.onEvent = fn
	c.mu.Unlock()
}

func (c *MemoryConn) emit(e Event) {
	c.mu.Lock()
	fn := c.onEvent
	c.mu.Unlock()
	if fn != nil {
		fn(e)
	}
}

// Connect marks the connection open
func (c *MemoryConn) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.emit(Event{Type: EventConnect})
	return nil
}

// Drop simulates a broker-side disconnect; consumers stay registered.
func (c *MemoryConn) Drop(reason string) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.emit(Event{Type: EventDisconnect, Reason: reason})
}

func (c *MemoryConn) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// DeclareExchange declares an exchange
func (c *MemoryConn) DeclareExchange(name, kind string) error {
	if !c.isConnected() {
		return ErrNotConnected
	}
	m := c.broker
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.exchanges[name]; ok && existing != kind {
		return fmt.Errorf("exchange %s already declared as %s", name, existing)
	}
	m.exchanges[name] = kind
	return nil
}

// DeclareQueue declares a queue; redeclaring an existing queue is a no-op
func (c *MemoryConn) DeclareQueue(name string, opts QueueOptions) (string, error) {
	if !c.isConnected() {
		return "", ErrNotConnected
	}
	if name == "" {
		name = "amq.gen-" + uuid.NewString()
	}
	m := c.broker
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queues[name]; !ok {
		m.queues[name] = &memQueue{name: name, opts: opts}
	}
	return name, nil
}

// BindQueue binds a queue to an exchange
func (c *MemoryConn) BindQueue(queue, routingKey, exchange string) error {
	if !c.isConnected() {
		return ErrNotConnected
	}
	m := c.broker
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.exchanges[exchange]; !ok {
		return fmt.Errorf("exchange %s not declared", exchange)
	}
	if _, ok := m.queues[queue]; !ok {
		return fmt.Errorf("queue %s not declared", queue)
	}
	for _, bd := range m.bindings[exchange] {
		if bd.queue == queue && bd.routingKey == routingKey {
			return nil
		}
	}
	m.bindings[exchange] = append(m.bindings[exchange], memBinding{queue: queue, routingKey: routingKey})
	return nil
}

// Publish routes body to every matching queue and runs the consumers inline
func (c *MemoryConn) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.isConnected() {
		return ErrNotConnected
	}
	out, err := c.broker.route(exchange, routingKey, append([]byte(nil), body...))
	if err != nil {
		return err
	}
	for _, d := range out {
		d.consumer.handler(&memDelivery{broker: c.broker, body: d.body})
	}
	return nil
}

// Consume attaches handler to queue and drains anything already waiting
func (c *MemoryConn) Consume(queue string, handler DeliveryHandler) (string, error) {
	if !c.isConnected() {
		return "", ErrNotConnected
	}
	m := c.broker
	tag := "ctag-" + uuid.NewString()

	m.mu.Lock()
	q, ok := m.queues[queue]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("queue %s not declared", queue)
	}
	mc := &memConsumer{tag: tag, conn: c, handler: handler}
	q.consumers = append(q.consumers, mc)
	pending := q.pending
	q.pending = nil
	m.mu.Unlock()

	c.mu.Lock()
	c.tags[tag] = queue
	c.mu.Unlock()

	for _, body := range pending {
		handler(&memDelivery{broker: m, body: body})
	}
	return tag, nil
}

// Cancel detaches a consumer; an auto-delete queue goes away with its last consumer
func (c *MemoryConn) Cancel(consumerTag string) error {
	c.mu.Lock()
	queue, ok := c.tags[consumerTag]
	delete(c.tags, consumerTag)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConsumer, consumerTag)
	}

	m := c.broker
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[queue]
	if !ok {
		return nil
	}
	kept := q.consumers[:0]
	for _, mc := range q.consumers {
		if mc.tag != consumerTag {
			kept = append(kept, mc)
		}
	}
	q.consumers = kept
	if len(q.consumers) == 0 && q.opts.AutoDelete {
		delete(m.queues, queue)
		m.unbindLocked(queue)
	}
	return nil
}

func (m *MemoryBroker) unbindLocked(queue string) {
	for ex, bds := range m.bindings {
		kept := bds[:0]
		for _, bd := range bds {
			if bd.queue != queue {
				kept = append(kept, bd)
			}
		}
		m.bindings[ex] = kept
	}
}

// DeleteQueue removes a queue, its bindings and anything pending in it
func (c *MemoryConn) DeleteQueue(name string) error {
	if !c.isConnected() {
		return ErrNotConnected
	}
	m := c.broker
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queues, name)
	m.unbindLocked(name)
	return nil
}

// Close cancels this connection's consumers and disconnects
func (c *MemoryConn) Close() error {
	c.mu.Lock()
	tags := make([]string, 0, len(c.tags))
	for tag := range c.tags {
		tags = append(tags, tag)
	}
	c.mu.Unlock()

	for _, tag := range tags {
		_ = c.Cancel(tag)
	}

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}

type memDelivery struct {
	broker *MemoryBroker
	body   []byte

	mu      sync.Mutex
	settled bool
}

func (d *memDelivery) Body() []byte { return d.body }

func (d *memDelivery) Ack() error {
	return d.finish(true, false)
}

func (d *memDelivery) Nack(requeue bool) error {
	return d.finish(false, requeue)
}

func (d *memDelivery) finish(ack, requeue bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return fmt.Errorf("delivery already settled")
	}
	d.settled = true
	d.broker.settle(ack, requeue)
	return nil
}
