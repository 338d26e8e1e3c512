package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/makeasinger/pipeline/internal/model"
)

// SessionHandler services the notice-bearing message kinds on an instance
// that holds live connections.
type SessionHandler interface {
	Ping(userID, connectionID string)
	Send(userID string, notice model.Notice)
	SendToAll(notice model.Notice)
}

// StageHandler processes Job and WorkRange messages. A returned error
// negative-acks the message without requeue.
type StageHandler func(ctx context.Context, msg model.Message) error

// Config configures the bus client topology
type Config struct {
	UserExchange      string
	BroadcastExchange string
	Queues            []string
	InstanceID        string
}

// Client owns the broker connection and classifies every inbound message.
type Client struct {
	broker  Broker
	cfg     Config
	log     *logrus.Entry
	metrics *Metrics

	lifecycleMu sync.Mutex
	closer      singleflight.Group

	mu        sync.RWMutex
	connected bool
	brokerUp  bool
	stage     StageHandler
	sessions  SessionHandler
	tags      map[string]string
	declared  map[string]bool

	inflight sync.WaitGroup
	baseCtx  context.Context
	abort    context.CancelFunc
}

// NewClient creates a bus client over broker
func NewClient(broker Broker, cfg Config, log *logrus.Entry, metrics *Metrics) *Client {
	if cfg.UserExchange == "" {
		cfg.UserExchange = "user"
	}
	if cfg.BroadcastExchange == "" {
		cfg.BroadcastExchange = "global"
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		broker:   broker,
		cfg:      cfg,
		log:      log,
		metrics:  metrics,
		tags:     make(map[string]string),
		declared: make(map[string]bool),
		baseCtx:  ctx,
		abort:    cancel,
	}
	broker.NotifyLifecycle(c.onLifecycle)
	return c
}

// AttachSessions routes keepalives and notices to h. Call before Connect.
func (c *Client) AttachSessions(h SessionHandler) {
	c.mu.Lock()
	c.sessions = h
	c.mu.Unlock()
}

// Connected reports whether Connect has succeeded, Close has not run and
// the broker connection is currently up.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.brokerUp
}

// Connect opens the broker connection, declares the notice exchanges and
// starts consuming every configured input queue. Calling it again before
// Close is a no-op.
func (c *Client) Connect(ctx context.Context, stage StageHandler) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		c.log.Info("Bus already connected, reusing connection")
		return nil
	}
	c.stage = stage
	sessions := c.sessions
	if c.baseCtx.Err() != nil {
		c.baseCtx, c.abort = context.WithCancel(context.Background())
	}
	c.mu.Unlock()

	if err := c.broker.Connect(ctx); err != nil {
		return fmt.Errorf("bus connect: %w", err)
	}
	// consumers may deliver before declareTopology returns, and their
	// handlers must be able to publish
	c.mu.Lock()
	c.brokerUp = true
	c.connected = true
	c.mu.Unlock()

	if err := c.declareTopology(sessions); err != nil {
		c.rollback()
		return err
	}

	c.log.WithField("queues", c.cfg.Queues).Info("Bus connected")
	return nil
}

// declareTopology declares the notice exchanges and starts the consumers
func (c *Client) declareTopology(sessions SessionHandler) error {
	if err := c.broker.DeclareExchange(c.cfg.UserExchange, ExchangeDirect); err != nil {
		return err
	}

	if sessions != nil {
		if err := c.broker.DeclareExchange(c.cfg.BroadcastExchange, ExchangeFanout); err != nil {
			return err
		}
		q, err := c.broker.DeclareQueue("global."+c.cfg.InstanceID, QueueOptions{AutoDelete: true})
		if err != nil {
			return err
		}
		if err := c.broker.BindQueue(q, "", c.cfg.BroadcastExchange); err != nil {
			return err
		}
		if err := c.consume(q); err != nil {
			return err
		}
	}

	for _, queue := range c.cfg.Queues {
		if err := c.declareWorkQueue(queue); err != nil {
			return err
		}
		if err := c.consume(queue); err != nil {
			return err
		}
	}
	return nil
}

// rollback undoes a Connect that failed part way: consumers started so far
// are cancelled and the broker connection is closed.
func (c *Client) rollback() {
	c.mu.Lock()
	tags := c.tags
	c.tags = make(map[string]string)
	c.declared = make(map[string]bool)
	c.brokerUp = false
	c.connected = false
	c.mu.Unlock()

	for tag, queue := range tags {
		if err := c.broker.Cancel(tag); err != nil {
			c.log.WithError(err).WithFields(logrus.Fields{"queue": queue, "consumer_tag": tag}).Warn("Failed to cancel consumer")
		}
	}
	if err := c.broker.Close(); err != nil {
		c.log.WithError(err).Warn("Failed to close broker after connect failure")
	}
}

// declareWorkQueue declares a durable job queue once per connection so that
// messages routed to it before any worker consumes are kept.
func (c *Client) declareWorkQueue(queue string) error {
	c.mu.RLock()
	done := c.declared[queue]
	c.mu.RUnlock()
	if done {
		return nil
	}
	if _, err := c.broker.DeclareQueue(queue, QueueOptions{Durable: true}); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	c.mu.Lock()
	c.declared[queue] = true
	c.mu.Unlock()
	return nil
}

func (c *Client) consume(queue string) error {
	tag, err := c.broker.Consume(queue, c.onMessage)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.tags[tag] = queue
	c.mu.Unlock()
	c.log.WithFields(logrus.Fields{"queue": queue, "consumer_tag": tag}).Debug("Consuming queue")
	return nil
}

// Publish serializes msg and publishes it as a persistent message
func (c *Client) Publish(ctx context.Context, exchange, routingKey string, msg model.Message) error {
	body, err := model.Encode(msg)
	if err != nil {
		return err
	}
	if !c.Connected() {
		c.metrics.publishFailed(exchange)
		return ErrNotConnected
	}
	if err := c.broker.Publish(ctx, exchange, routingKey, body); err != nil {
		c.metrics.publishFailed(exchange)
		return err
	}
	return nil
}

// NotifyUser publishes a notice for every live connection of userID
func (c *Client) NotifyUser(ctx context.Context, userID string, notice model.Notice) error {
	return c.Publish(ctx, c.cfg.UserExchange, userID, model.UserNotice{UserID: userID, Notice: notice})
}

// Broadcast publishes a notice for every live connection on every instance
func (c *Client) Broadcast(ctx context.Context, notice model.Notice) error {
	return c.Publish(ctx, c.cfg.BroadcastExchange, "", model.GlobalNotice{Notice: notice})
}

// KeepAlive publishes a liveness ping that reaches whichever instance holds the connection
func (c *Client) KeepAlive(ctx context.Context, userID, connectionID string) error {
	return c.Publish(ctx, c.cfg.UserExchange, userID, model.KeepAlive{UserID: userID, ConnectionID: connectionID})
}

// Enqueue declares queue durable and publishes a pipeline job onto it
func (c *Client) Enqueue(ctx context.Context, queue string, job model.Job) error {
	return c.publishWork(ctx, queue, job)
}

// EnqueueRange declares queue durable and publishes a work range onto it
func (c *Client) EnqueueRange(ctx context.Context, queue string, wr model.WorkRange) error {
	return c.publishWork(ctx, queue, wr)
}

// publishWork routes through the default exchange, which drops messages for
// queues that do not exist yet.
func (c *Client) publishWork(ctx context.Context, queue string, msg model.Message) error {
	if !c.Connected() {
		c.metrics.publishFailed(DefaultExchange)
		return ErrNotConnected
	}
	if err := c.declareWorkQueue(queue); err != nil {
		c.metrics.publishFailed(DefaultExchange)
		return err
	}
	return c.Publish(ctx, DefaultExchange, queue, msg)
}

// SubscribeUser provisions this instance's queue for userID, binds it to the
// user exchange under the user id and consumes it. The consumer tag is
// returned for Unsubscribe.
func (c *Client) SubscribeUser(userID string) (string, error) {
	if !c.Connected() {
		return "", ErrNotConnected
	}
	name := fmt.Sprintf("user.%s.%s", userID, c.cfg.InstanceID)
	q, err := c.broker.DeclareQueue(name, QueueOptions{AutoDelete: true})
	if err != nil {
		return "", err
	}
	if err := c.broker.BindQueue(q, userID, c.cfg.UserExchange); err != nil {
		c.dropQueue(q)
		return "", err
	}
	tag, err := c.broker.Consume(q, c.onMessage)
	if err != nil {
		c.dropQueue(q)
		return "", err
	}
	c.mu.Lock()
	c.tags[tag] = q
	c.mu.Unlock()
	return tag, nil
}

// dropQueue deletes a user queue that never got a consumer. The broker only
// auto-deletes queues that had one.
func (c *Client) dropQueue(queue string) {
	if err := c.broker.DeleteQueue(queue); err != nil {
		c.log.WithError(err).WithField("queue", queue).Warn("Failed to delete orphan user queue")
	}
}

// Unsubscribe cancels a consumer created by SubscribeUser. The tag stays
// tracked when the cancel fails so a retry or Close can reach it.
func (c *Client) Unsubscribe(consumerTag string) error {
	if err := c.broker.Cancel(consumerTag); err != nil && !errors.Is(err, ErrUnknownConsumer) {
		return err
	}
	c.mu.Lock()
	delete(c.tags, consumerTag)
	c.mu.Unlock()
	return nil
}

// Close cancels every consumer, waits for in-flight handlers and closes the
// broker. Concurrent calls share one execution.
func (c *Client) Close(ctx context.Context) error {
	_, err, _ := c.closer.Do("close", func() (interface{}, error) {
		return nil, c.close(ctx)
	})
	return err
}

func (c *Client) close(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	tags := make(map[string]string, len(c.tags))
	for tag, queue := range c.tags {
		tags[tag] = queue
	}
	c.tags = make(map[string]string)
	c.declared = make(map[string]bool)
	abort := c.abort
	c.mu.Unlock()

	for tag, queue := range tags {
		if err := c.broker.Cancel(tag); err != nil {
			c.log.WithError(err).WithFields(logrus.Fields{"queue": queue, "consumer_tag": tag}).Warn("Failed to cancel consumer")
		}
	}

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.log.Warn("Shutdown deadline reached with handlers still running")
		abort()
	}

	err := c.broker.Close()
	c.mu.Lock()
	c.brokerUp = false
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("bus close: %w", err)
	}
	c.log.Info("Bus closed")
	return nil
}

func (c *Client) onLifecycle(e Event) {
	switch e.Type {
	case EventConnect:
		c.mu.Lock()
		c.brokerUp = true
		// declarations made before the drop may be gone with the broker
		c.declared = make(map[string]bool)
		c.mu.Unlock()
	case EventDisconnect:
		c.mu.Lock()
		c.brokerUp = false
		c.mu.Unlock()
	}
	c.metrics.event(e.Type)
	entry := c.log.WithField("event", e.Type)
	if e.Reason != "" {
		entry = entry.WithField("reason", e.Reason)
	}
	switch e.Type {
	case EventConnect, EventUnblocked:
		entry.Info("Broker lifecycle")
	default:
		entry.Warn("Broker lifecycle")
	}
}

// onMessage classifies one delivery and settles it exactly once.
func (c *Client) onMessage(d Delivery) {
	c.inflight.Add(1)
	defer c.inflight.Done()

	kind := "unknown"
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("kind", kind).Errorf("Handler panic: %v", r)
			c.nack(d, kind)
		}
	}()

	msg, err := model.Decode(d.Body())
	if err != nil {
		if errors.Is(err, model.ErrUnknownMessage) {
			c.log.WithError(err).Error("Unknown message type")
			c.ack(d, kind)
			return
		}
		c.log.WithError(err).Error("Malformed message")
		c.nack(d, "malformed")
		return
	}
	kind = string(msg.Kind())

	c.mu.RLock()
	sessions := c.sessions
	stage := c.stage
	baseCtx := c.baseCtx
	c.mu.RUnlock()

	switch m := msg.(type) {
	case model.KeepAlive:
		if sessions == nil {
			c.log.WithField("kind", kind).Error("No session handler for message")
			break
		}
		sessions.Ping(m.UserID, m.ConnectionID)

	case model.GlobalNotice:
		if sessions == nil {
			c.log.WithField("kind", kind).Error("No session handler for message")
			break
		}
		sessions.SendToAll(m.Notice)

	case model.UserNotice:
		if sessions == nil {
			c.log.WithField("kind", kind).Error("No session handler for message")
			break
		}
		sessions.Send(m.UserID, m.Notice)

	case model.Job, model.WorkRange:
		if stage == nil {
			c.log.WithField("kind", kind).Error("No stage handler for message")
			break
		}
		if err := stage(baseCtx, msg); err != nil {
			c.log.WithError(err).WithField("kind", kind).Error("Stage handler failed")
			c.nack(d, kind)
			return
		}
	}

	c.ack(d, kind)
}

func (c *Client) ack(d Delivery, kind string) {
	c.metrics.delivered(kind, "ack")
	if err := d.Ack(); err != nil {
		c.log.WithError(err).Warn("Failed to acknowledge message")
	}
}

func (c *Client) nack(d Delivery, kind string) {
	c.metrics.delivered(kind, "nack")
	if err := d.Nack(false); err != nil {
		c.log.WithError(err).Warn("Failed to reject message")
	}
}
