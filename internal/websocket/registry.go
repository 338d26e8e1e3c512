package websocket

import (
	"context"
	"encoding/json"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/makeasinger/pipeline/internal/model"
)

// DefaultSweepInterval is both the sweep period and the staleness threshold
const DefaultSweepInterval = 2 * time.Minute

// Sink is the write side of one live connection. Close must not block.
type Sink interface {
	Write(frame []byte) error
	Close() error
}

// UserSubscriber provisions and cancels the per-user queue consumer of this instance
type UserSubscriber interface {
	SubscribeUser(userID string) (string, error)
	Unsubscribe(consumerTag string) error
}

type connection struct {
	sink     Sink
	lastPing time.Time
}

type session struct {
	consumerTag string
	conns       map[string]*connection
}

// Registry maps users to their live connections on this instance
type Registry struct {
	// Sessions keyed by user ID
	sessions map[string]*session
	// User queue consumers whose cancel failed, keyed by user ID
	stale map[string]string
	mu    sync.RWMutex

	// Serializes changes that also touch the broker
	structMu sync.Mutex

	bus      UserSubscriber
	log      *logrus.Entry
	metrics  *Metrics
	interval time.Duration
	now      func() time.Time
}

// NewRegistry creates a registry that provisions user queues through bus
func NewRegistry(bus UserSubscriber, log *logrus.Entry, metrics *Metrics, interval time.Duration) *Registry {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Registry{
		sessions: make(map[string]*session),
		stale:    make(map[string]string),
		bus:      bus,
		log:      log,
		metrics:  metrics,
		interval: interval,
		now:      time.Now,
	}
}

// Add registers sink as connection connID of userID. An existing sink under
// the same pair is closed first. The user's queue is provisioned on the
// first connection.
func (r *Registry) Add(ctx context.Context, sink Sink, userID, connID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.structMu.Lock()
	defer r.structMu.Unlock()

	r.mu.Lock()
	s, ok := r.sessions[userID]
	if ok {
		if old, exists := s.conns[connID]; exists {
			delete(s.conns, connID)
			r.closeSink(old.sink, userID, connID)
		}
		s.conns[connID] = &connection{sink: sink, lastPing: r.now()}
		r.mu.Unlock()
		r.observe()
		r.log.WithFields(logrus.Fields{"user_id": userID, "connection_id": connID}).Debug("Connection added")
		return nil
	}
	r.mu.Unlock()

	r.retryStaleLocked(userID)
	tag, err := r.bus.SubscribeUser(userID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.sessions[userID] = &session{
		consumerTag: tag,
		conns: map[string]*connection{
			connID: {sink: sink, lastPing: r.now()},
		},
	}
	r.mu.Unlock()
	r.observe()

	r.log.WithFields(logrus.Fields{"user_id": userID, "connection_id": connID, "consumer_tag": tag}).Info("Session opened")
	return nil
}

// Ping refreshes a connection and answers with a pong frame. Pings for
// unknown users or connections are dropped; a ping for a user without a
// session also retries cancelling a user consumer left behind.
func (r *Registry) Ping(userID, connID string) {
	entry := r.log.WithFields(logrus.Fields{"user_id": userID, "connection_id": connID})

	r.mu.Lock()
	s, ok := r.sessions[userID]
	if !ok {
		r.mu.Unlock()
		entry.Debug("Ping for user without session")
		r.structMu.Lock()
		r.retryStaleLocked(userID)
		r.structMu.Unlock()
		return
	}
	c, ok := s.conns[connID]
	if !ok {
		r.mu.Unlock()
		entry.Debug("Ping for unknown connection")
		return
	}
	c.lastPing = r.now()
	sink := c.sink
	r.mu.Unlock()

	frame, err := encodeFrame(model.Notice{Type: model.NoticePong})
	if err != nil {
		entry.WithError(err).Error("Failed to encode pong")
		return
	}
	if err := sink.Write(frame); err != nil {
		entry.WithError(err).Warn("Failed to write pong")
	}
}

// Send writes notice to every live connection of userID
func (r *Registry) Send(userID string, notice model.Notice) {
	r.mu.RLock()
	var sinks []Sink
	if s, ok := r.sessions[userID]; ok {
		sinks = make([]Sink, 0, len(s.conns))
		for _, c := range s.conns {
			sinks = append(sinks, c.sink)
		}
	}
	r.mu.RUnlock()

	if len(sinks) == 0 {
		return
	}
	r.write(sinks, notice)
}

// SendToAll writes notice to every live connection on this instance
func (r *Registry) SendToAll(notice model.Notice) {
	r.mu.RLock()
	var sinks []Sink
	for _, s := range r.sessions {
		for _, c := range s.conns {
			sinks = append(sinks, c.sink)
		}
	}
	r.mu.RUnlock()

	r.write(sinks, notice)
}

func (r *Registry) write(sinks []Sink, notice model.Notice) {
	frame, err := encodeFrame(notice)
	if err != nil {
		r.log.WithError(err).WithField("notice", notice.Type).Error("Failed to encode notice")
		return
	}
	for _, sink := range sinks {
		if err := sink.Write(frame); err != nil {
			r.log.WithError(err).WithField("notice", notice.Type).Warn("Failed to write notice")
		}
	}
}

// Remove closes every connection of userID and cancels its queue consumer
func (r *Registry) Remove(userID string) {
	r.structMu.Lock()
	defer r.structMu.Unlock()

	r.mu.Lock()
	s, ok := r.sessions[userID]
	if ok {
		delete(r.sessions, userID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	for connID, c := range s.conns {
		r.closeSink(c.sink, userID, connID)
	}
	r.unsubscribe(userID, s.consumerTag)
	r.observe()
}

// Drop forgets a connection whose transport has gone away. It does nothing
// when connID has since been superseded by a different sink.
func (r *Registry) Drop(userID, connID string, sink Sink) {
	r.structMu.Lock()
	defer r.structMu.Unlock()

	r.mu.Lock()
	s, ok := r.sessions[userID]
	if !ok {
		r.mu.Unlock()
		return
	}
	c, ok := s.conns[connID]
	if !ok || c.sink != sink {
		r.mu.Unlock()
		return
	}
	delete(s.conns, connID)
	empty := len(s.conns) == 0
	if empty {
		delete(r.sessions, userID)
	}
	r.mu.Unlock()

	r.closeSink(sink, userID, connID)
	if empty {
		r.unsubscribe(userID, s.consumerTag)
	}
	r.observe()
}

// Sweep closes connections not pinged within the sweep interval. Sessions
// are visited one at a time, yielding the processor between them.
func (r *Registry) Sweep(ctx context.Context) int {
	r.mu.RLock()
	users := make([]string, 0, len(r.sessions))
	for userID := range r.sessions {
		users = append(users, userID)
	}
	r.mu.RUnlock()

	swept := 0
	for _, userID := range users {
		if ctx.Err() != nil {
			break
		}
		swept += r.sweepUser(userID)
		runtime.Gosched()
	}

	if swept > 0 {
		r.log.WithField("swept", swept).Info("Swept stale connections")
		r.observe()
	}
	return swept
}

func (r *Registry) sweepUser(userID string) int {
	r.structMu.Lock()
	defer r.structMu.Unlock()

	cutoff := r.now().Add(-r.interval)

	r.mu.Lock()
	s, ok := r.sessions[userID]
	if !ok {
		r.mu.Unlock()
		return 0
	}
	stale := make(map[string]Sink)
	for connID, c := range s.conns {
		if c.lastPing.Before(cutoff) {
			stale[connID] = c.sink
			delete(s.conns, connID)
		}
	}
	empty := len(s.conns) == 0
	if empty {
		delete(r.sessions, userID)
	}
	r.mu.Unlock()

	for connID, sink := range stale {
		r.closeSink(sink, userID, connID)
	}
	if empty {
		r.unsubscribe(userID, s.consumerTag)
	}
	return len(stale)
}

// Run sweeps on the configured interval until ctx is done
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Shutdown closes every connection and cancels every user queue consumer
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.RLock()
	users := make([]string, 0, len(r.sessions))
	for userID := range r.sessions {
		users = append(users, userID)
	}
	r.mu.RUnlock()

	for _, userID := range users {
		if ctx.Err() != nil {
			r.log.Warn("Shutdown deadline reached before all sessions closed")
			return
		}
		r.Remove(userID)
	}
}

// Has reports whether connID of userID is registered
func (r *Registry) Has(userID, connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[userID]
	if !ok {
		return false
	}
	_, ok = s.conns[connID]
	return ok
}

// Counts returns the number of sessions and connections
func (r *Registry) Counts() (sessions, connections int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		connections += len(s.conns)
	}
	return len(r.sessions), connections
}

func (r *Registry) observe() {
	if r.metrics == nil {
		return
	}
	r.metrics.set(r.Counts())
}

func (r *Registry) closeSink(sink Sink, userID, connID string) {
	if err := sink.Close(); err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{"user_id": userID, "connection_id": connID}).Debug("Failed to close sink")
	}
}

// unsubscribe cancels the user's queue consumer. A failed cancel is kept
// so a later ping or reconnect of that user can retry it.
func (r *Registry) unsubscribe(userID, tag string) {
	if tag == "" {
		return
	}
	if err := r.bus.Unsubscribe(tag); err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{"user_id": userID, "consumer_tag": tag}).Warn("Failed to cancel user consumer")
		r.mu.Lock()
		r.stale[userID] = tag
		r.mu.Unlock()
	}
}

// retryStaleLocked cancels a consumer left by a failed unsubscribe of
// userID. structMu must be held.
func (r *Registry) retryStaleLocked(userID string) {
	r.mu.Lock()
	tag, ok := r.stale[userID]
	if _, live := r.sessions[userID]; !ok || live {
		r.mu.Unlock()
		return
	}
	delete(r.stale, userID)
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{"user_id": userID, "consumer_tag": tag}).Info("Retrying cancel of stale user consumer")
	r.unsubscribe(userID, tag)
}

// Stale returns the number of user consumers awaiting a cancel retry
func (r *Registry) Stale() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.stale)
}

func encodeFrame(notice model.Notice) ([]byte, error) {
	return json.Marshal(model.WSFrame{Event: notice.Type, Data: notice.Payload})
}
