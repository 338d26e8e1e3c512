package bus

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/pipeline/internal/model"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type recordingSessions struct {
	mu     sync.Mutex
	pings  []string
	sends  map[string][]model.Notice
	global []model.Notice
}

func newRecordingSessions() *recordingSessions {
	return &recordingSessions{sends: make(map[string][]model.Notice)}
}

func (r *recordingSessions) Ping(userID, connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pings = append(r.pings, userID+"/"+connectionID)
}

func (r *recordingSessions) Send(userID string, notice model.Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends[userID] = append(r.sends[userID], notice)
}

func (r *recordingSessions) SendToAll(notice model.Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global = append(r.global, notice)
}

type recordingStage struct {
	mu   sync.Mutex
	msgs []model.Message
	err  error
}

func (s *recordingStage) handle(_ context.Context, msg model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return s.err
}

func (s *recordingStage) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func newTestClient(t *testing.T, mb *MemoryBroker, instanceID string, reg prometheus.Registerer) *Client {
	t.Helper()
	var metrics *Metrics
	if reg != nil {
		var err error
		metrics, err = NewMetrics(reg)
		require.NoError(t, err)
	}
	return NewClient(mb.Dial(), Config{
		UserExchange:      "user",
		BroadcastExchange: "global",
		Queues:            []string{"jobs"},
		InstanceID:        instanceID,
	}, testLogger(), metrics)
}

func rawPublisher(t *testing.T, mb *MemoryBroker) *MemoryConn {
	t.Helper()
	conn := mb.Dial()
	require.NoError(t, conn.Connect(context.Background()))
	return conn
}

func TestClient_ClassifiesEveryMessage(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		stageErr  error
		wantAck   bool
		wantPing  int
		wantSend  int
		wantAll   int
		wantStage int
	}{
		{
			name:     "keepalive pings session",
			body:     `{"type":"keepAlive","userId":"u1","connectionId":"c1"}`,
			wantAck:  true,
			wantPing: 1,
		},
		{
			name:    "global notice fans to all",
			body:    `{"type":"globalNotice","notice":{"type":"maintenance"}}`,
			wantAck: true,
			wantAll: 1,
		},
		{
			name:     "user notice sends to user",
			body:     `{"type":"userNotice","userId":"u1","notice":{"type":"trackStatus","payload":{"status":"stored"}}}`,
			wantAck:  true,
			wantSend: 1,
		},
		{
			name:      "job runs stage",
			body:      `{"type":"job","job":"encodeFLAC","releaseId":"r1","trackId":"t1","userId":"u1"}`,
			wantAck:   true,
			wantStage: 1,
		},
		{
			name:      "work range runs stage",
			body:      `{"type":"workRange","fromBlock":10,"toBlock":20}`,
			wantAck:   true,
			wantStage: 1,
		},
		{
			name:      "stage failure is rejected",
			body:      `{"type":"job","job":"encodeFLAC","releaseId":"r1","trackId":"t1","userId":"u1"}`,
			stageErr:  errors.New("boom"),
			wantAck:   false,
			wantStage: 1,
		},
		{
			name:    "unknown discriminant is acknowledged",
			body:    `{"type":"mystery"}`,
			wantAck: true,
		},
		{
			name:    "invalid json is rejected",
			body:    `{"type":`,
			wantAck: false,
		},
		{
			name:    "missing required field is rejected",
			body:    `{"type":"keepAlive","userId":"u1"}`,
			wantAck: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			mb := NewMemoryBroker()
			c := newTestClient(t, mb, "x", nil)
			sessions := newRecordingSessions()
			c.AttachSessions(sessions)
			stage := &recordingStage{err: tt.stageErr}
			require.NoError(t, c.Connect(ctx, stage.handle))

			pub := rawPublisher(t, mb)
			require.NoError(t, pub.Publish(ctx, DefaultExchange, "jobs", []byte(tt.body)))

			if tt.wantAck {
				assert.Equal(t, 1, mb.Acked())
				assert.Equal(t, 0, mb.Nacked())
			} else {
				assert.Equal(t, 0, mb.Acked())
				assert.Equal(t, 1, mb.Nacked())
			}
			assert.Len(t, sessions.pings, tt.wantPing)
			assert.Len(t, sessions.sends["u1"], tt.wantSend)
			assert.Len(t, sessions.global, tt.wantAll)
			assert.Equal(t, tt.wantStage, stage.count())
		})
	}
}

func TestClient_MissingHandlersStillSettle(t *testing.T) {
	ctx := context.Background()
	mb := NewMemoryBroker()
	c := newTestClient(t, mb, "x", nil)
	require.NoError(t, c.Connect(ctx, nil))

	pub := rawPublisher(t, mb)
	require.NoError(t, pub.Publish(ctx, DefaultExchange, "jobs",
		[]byte(`{"type":"keepAlive","userId":"u1","connectionId":"c1"}`)))
	require.NoError(t, pub.Publish(ctx, DefaultExchange, "jobs",
		[]byte(`{"type":"job","job":"encodeFLAC","releaseId":"r1","trackId":"t1","userId":"u1"}`)))

	assert.Equal(t, 2, mb.Acked())
	assert.Equal(t, 0, mb.Nacked())
}

func TestClient_StagePanicIsRejected(t *testing.T) {
	ctx := context.Background()
	mb := NewMemoryBroker()
	c := newTestClient(t, mb, "x", nil)
	require.NoError(t, c.Connect(ctx, func(context.Context, model.Message) error {
		panic("stage exploded")
	}))

	require.NoError(t, c.Enqueue(ctx, "jobs", model.Job{Job: "encodeFLAC", ReleaseID: "r1", TrackID: "t1", UserID: "u1"}))
	assert.Equal(t, 1, mb.Nacked())
}

func TestClient_ConnectIsIdempotent(t *testing.T) {
	ctx := context.Background()
	mb := NewMemoryBroker()
	c := newTestClient(t, mb, "x", nil)
	stage := &recordingStage{}

	require.NoError(t, c.Connect(ctx, stage.handle))
	require.NoError(t, c.Connect(ctx, stage.handle))

	require.NoError(t, c.Enqueue(ctx, "jobs", model.Job{Job: "encodeFLAC", ReleaseID: "r1", TrackID: "t1", UserID: "u1"}))
	require.NoError(t, c.Enqueue(ctx, "jobs", model.Job{Job: "encodeFLAC", ReleaseID: "r1", TrackID: "t2", UserID: "u1"}))

	assert.Equal(t, 2, stage.count())
	assert.Len(t, c.tags, 1)
}

func TestClient_PublishBeforeConnect(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := newTestClient(t, NewMemoryBroker(), "x", reg)

	err := c.NotifyUser(context.Background(), "u1", model.Notice{Type: model.NoticePong})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.publishErrors.WithLabelValues("user")))

	_, err = c.SubscribeUser("u1")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_CloseCancelsConsumers(t *testing.T) {
	ctx := context.Background()
	mb := NewMemoryBroker()
	c := newTestClient(t, mb, "x", nil)
	c.AttachSessions(newRecordingSessions())
	stage := &recordingStage{}
	require.NoError(t, c.Connect(ctx, stage.handle))

	_, err := c.SubscribeUser("u1")
	require.NoError(t, err)
	assert.True(t, mb.HasQueue("user.u1.x"))
	assert.True(t, mb.HasQueue("global.x"))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Close(ctx))
		}()
	}
	wg.Wait()

	assert.False(t, c.Connected())
	assert.False(t, mb.HasQueue("user.u1.x"))
	assert.False(t, mb.HasQueue("global.x"))
	assert.True(t, mb.HasQueue("jobs"))

	// durable queue parks work for the next consumer
	pub := rawPublisher(t, mb)
	require.NoError(t, pub.Publish(ctx, DefaultExchange, "jobs",
		[]byte(`{"type":"job","job":"encodeFLAC","releaseId":"r1","trackId":"t1","userId":"u1"}`)))
	assert.Equal(t, 0, stage.count())
	assert.Len(t, mb.Pending("jobs"), 1)

	assert.NoError(t, c.Close(ctx))
}

func TestClient_CloseWaitsForInflightHandler(t *testing.T) {
	ctx := context.Background()
	mb := NewMemoryBroker()
	c := newTestClient(t, mb, "x", nil)

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, c.Connect(ctx, func(context.Context, model.Message) error {
		close(started)
		<-release
		return nil
	}))

	go func() {
		_ = c.Enqueue(ctx, "jobs", model.Job{Job: "encodeFLAC", ReleaseID: "r1", TrackID: "t1", UserID: "u1"})
	}()
	<-started

	closed := make(chan error, 1)
	go func() { closed <- c.Close(ctx) }()

	select {
	case <-closed:
		t.Fatal("close returned while a handler was running")
	default:
	}
	close(release)
	require.NoError(t, <-closed)
	assert.Equal(t, 1, mb.Acked())
}

func TestClient_UserNoticeReachesOnlySubscribedInstance(t *testing.T) {
	ctx := context.Background()
	mb := NewMemoryBroker()

	x := newTestClient(t, mb, "x", nil)
	xs := newRecordingSessions()
	x.AttachSessions(xs)
	require.NoError(t, x.Connect(ctx, nil))

	y := newTestClient(t, mb, "y", nil)
	ys := newRecordingSessions()
	y.AttachSessions(ys)
	require.NoError(t, y.Connect(ctx, nil))

	_, err := x.SubscribeUser("u1")
	require.NoError(t, err)
	_, err = y.SubscribeUser("u2")
	require.NoError(t, err)

	require.NoError(t, y.NotifyUser(ctx, "u1", model.Notice{Type: model.NoticeTrackStatus}))
	require.NoError(t, x.Broadcast(ctx, model.Notice{Type: "maintenance"}))

	assert.Len(t, xs.sends["u1"], 1)
	assert.Empty(t, ys.sends["u1"])
	assert.Len(t, xs.global, 1)
	assert.Len(t, ys.global, 1)
}

func TestClient_LifecycleMetrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	mb := NewMemoryBroker()
	conn := mb.Dial()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)
	c := NewClient(conn, Config{InstanceID: "x"}, testLogger(), metrics)

	require.NoError(t, c.Connect(ctx, nil))
	conn.Drop("heartbeat missed")

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.lifecycle.WithLabelValues("connect")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.lifecycle.WithLabelValues("disconnect")))
}

func TestClient_ConnectedFollowsBrokerLiveness(t *testing.T) {
	ctx := context.Background()
	mb := NewMemoryBroker()
	conn := mb.Dial()
	c := NewClient(conn, Config{InstanceID: "x"}, testLogger(), nil)

	require.NoError(t, c.Connect(ctx, nil))
	assert.True(t, c.Connected())

	conn.Drop("heartbeat missed")
	assert.False(t, c.Connected())
	assert.ErrorIs(t, c.NotifyUser(ctx, "u1", model.Notice{Type: model.NoticeTrackStatus}), ErrNotConnected)

	require.NoError(t, conn.Connect(ctx))
	assert.True(t, c.Connected())
	assert.NoError(t, c.NotifyUser(ctx, "u1", model.Notice{Type: model.NoticeTrackStatus}))
}

func TestClient_EnqueueDeclaresTargetQueue(t *testing.T) {
	ctx := context.Background()
	mb := NewMemoryBroker()
	c := newTestClient(t, mb, "x", nil)
	require.NoError(t, c.Connect(ctx, (&recordingStage{}).handle))
	require.False(t, mb.HasQueue("transcodeAAC"))

	job := model.Job{Job: "transcodeAAC", ReleaseID: "r1", TrackID: "t1", UserID: "u1"}
	require.NoError(t, c.Enqueue(ctx, "transcodeAAC", job))
	require.NoError(t, c.Enqueue(ctx, "transcodeAAC", job))
	require.NoError(t, c.EnqueueRange(ctx, "workRange", model.WorkRange{FromBlock: 1, ToBlock: 2}))

	assert.Len(t, mb.Pending("transcodeAAC"), 2)
	assert.Len(t, mb.Pending("workRange"), 1)
}

// flakyConn fails Consume for the queues selected by failConsume
type flakyConn struct {
	*MemoryConn
	failConsume func(queue string) bool
}

func (f *flakyConn) Consume(queue string, handler DeliveryHandler) (string, error) {
	if f.failConsume != nil && f.failConsume(queue) {
		return "", errors.New("channel closed")
	}
	return f.MemoryConn.Consume(queue, handler)
}

func TestClient_FailedConnectRollsBack(t *testing.T) {
	ctx := context.Background()
	mb := NewMemoryBroker()
	conn := &flakyConn{MemoryConn: mb.Dial(), failConsume: func(q string) bool { return q == "jobs" }}
	c := NewClient(conn, Config{Queues: []string{"jobs"}, InstanceID: "x"}, testLogger(), nil)
	c.AttachSessions(newRecordingSessions())

	require.Error(t, c.Connect(ctx, nil))
	assert.False(t, c.Connected())
	assert.False(t, conn.isConnected())
	assert.False(t, mb.HasQueue("global.x"), "broadcast consumer started before the failure is cancelled")

	conn.failConsume = nil
	require.NoError(t, c.Connect(ctx, nil))
	assert.True(t, c.Connected())
	assert.True(t, mb.HasQueue("global.x"))

	conn.Drop("reset")
	assert.False(t, c.Connected())
}

func TestClient_SubscribeUserRemovesOrphanQueue(t *testing.T) {
	ctx := context.Background()
	mb := NewMemoryBroker()
	conn := &flakyConn{MemoryConn: mb.Dial()}
	c := NewClient(conn, Config{InstanceID: "x"}, testLogger(), nil)
	c.AttachSessions(newRecordingSessions())
	require.NoError(t, c.Connect(ctx, nil))

	conn.failConsume = func(q string) bool { return q == "user.u1.x" }
	_, err := c.SubscribeUser("u1")
	require.Error(t, err)
	assert.False(t, mb.HasQueue("user.u1.x"))

	conn.failConsume = nil
	_, err = c.SubscribeUser("u1")
	require.NoError(t, err)
	assert.True(t, mb.HasQueue("user.u1.x"))
}

func TestClient_ReconnectAfterAbortedClose(t *testing.T) {
	ctx := context.Background()
	mb := NewMemoryBroker()
	c := newTestClient(t, mb, "x", nil)

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, c.Connect(ctx, func(context.Context, model.Message) error {
		close(started)
		<-release
		return nil
	}))
	job := model.Job{Job: "encodeFLAC", ReleaseID: "r1", TrackID: "t1", UserID: "u1"}
	published := make(chan struct{})
	go func() {
		defer close(published)
		_ = c.Enqueue(ctx, "jobs", job)
	}()
	<-started

	expired, cancel := context.WithCancel(ctx)
	cancel()
	require.NoError(t, c.Close(expired))
	close(release)
	<-published

	var stageErr error
	require.NoError(t, c.Connect(ctx, func(stageCtx context.Context, _ model.Message) error {
		stageErr = stageCtx.Err()
		return nil
	}))
	require.NoError(t, c.Enqueue(ctx, "jobs", job))
	assert.NoError(t, stageErr)
}
