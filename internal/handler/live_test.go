package handler

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	fiberws "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/pipeline/internal/bus"
	"github.com/makeasinger/pipeline/internal/middleware"
	ws "github.com/makeasinger/pipeline/internal/websocket"
)

const testSecret = "handler-secret"

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type recordingBus struct {
	mu         sync.Mutex
	keepAlives []string
	err        error
	connected  bool
}

func (b *recordingBus) KeepAlive(_ context.Context, userID, connectionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.keepAlives = append(b.keepAlives, userID+"/"+connectionID)
	return nil
}

func (b *recordingBus) sent() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.keepAlives...)
}

func (b *recordingBus) Connected() bool { return b.connected }

type nopRegistry struct{}

func (nopRegistry) Add(context.Context, ws.Sink, string, string) error { return nil }
func (nopRegistry) Drop(string, string, ws.Sink)                       {}
func (nopRegistry) Counts() (int, int)                                 { return 2, 3 }

func newLiveApp(t *testing.T, b *recordingBus) (*fiber.App, string) {
	t.Helper()
	auth := middleware.NewAuthMiddleware(testSecret)
	token, err := auth.GenerateToken("u1")
	require.NoError(t, err)

	h := NewLiveHandler(nopRegistry{}, b, validator.New(), testLogger())
	app := fiber.New()
	app.Post("/live/ping", auth.Authenticate(), h.Ping)
	app.Get("/live", auth.Authenticate(), h.Upgrade)
	return app, token
}

func TestLivePing(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		busErr   error
		wantCode int
		wantPing []string
	}{
		{name: "published", query: "?connectionId=c1", wantCode: 202, wantPing: []string{"u1/c1"}},
		{name: "missing connection", query: "", wantCode: 400},
		{name: "bus down", query: "?connectionId=c1", busErr: bus.ErrNotConnected, wantCode: 503},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &recordingBus{err: tt.busErr}
			app, token := newLiveApp(t, b)

			req := httptest.NewRequest("POST", "/live/ping"+tt.query, nil)
			req.Header.Set("Authorization", "Bearer "+token)
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantCode, resp.StatusCode)
			assert.Equal(t, tt.wantPing, b.keepAlives)
		})
	}
}

func TestLiveUpgradeRequired(t *testing.T) {
	app, token := newLiveApp(t, &recordingBus{})

	resp, err := app.Test(httptest.NewRequest("GET", "/live?token="+token, nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}

func TestLiveHandleFrame(t *testing.T) {
	b := &recordingBus{}
	h := NewLiveHandler(nopRegistry{}, b, validator.New(), testLogger())
	ctx := context.Background()

	h.handleFrame(ctx, testLogger(), "u1", "c1", []byte(`{"type":"ping"}`))
	h.handleFrame(ctx, testLogger(), "u1", "c1", []byte(`{"type":"hello"}`))
	h.handleFrame(ctx, testLogger(), "u1", "c1", []byte(`not json`))

	assert.Equal(t, []string{"u1/c1"}, b.keepAlives)

	b.err = errors.New("blocked")
	assert.NotPanics(t, func() { h.handleFrame(ctx, testLogger(), "u1", "c1", []byte(`{"type":"ping"}`)) })
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := ws.NewMetrics(reg)
	require.NoError(t, err)

	b := &recordingBus{connected: true}
	app := fiber.New()
	app.Get("/health", NewHealthHandler(b, nopRegistry{}, "api-1").Health)
	app.Get("/metrics", Metrics(reg))

	resp, err := app.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"status":"ok","instanceId":"api-1","bus":true,"sessions":2,"connections":3}`, string(body))

	b.connected = false
	resp, err = app.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, 503, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/metrics", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	body, _ = io.ReadAll(resp.Body)
	assert.True(t, strings.Contains(string(body), "pipeline_sessions_active"))
}

func TestHealthReportsBrokerOutage(t *testing.T) {
	ctx := context.Background()
	conn := bus.NewMemoryBroker().Dial()
	client := bus.NewClient(conn, bus.Config{InstanceID: "api-1"}, testLogger(), nil)
	require.NoError(t, client.Connect(ctx, nil))
	defer client.Close(ctx)

	app := fiber.New()
	app.Get("/health", NewHealthHandler(client, nil, "api-1").Health)

	resp, err := app.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	conn.Drop("heartbeat missed")
	resp, err = app.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, 503, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `"degraded"`)

	require.NoError(t, conn.Connect(ctx))
	resp, err = app.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

// scriptedConn feeds client frames to the read loop and fails the pending
// read once a deadline in the past is set.
type scriptedConn struct {
	frames chan []byte
	cutoff chan struct{}
	once   sync.Once
}

func newScriptedConn() *scriptedConn {
	return &scriptedConn{frames: make(chan []byte, 4), cutoff: make(chan struct{})}
}

func (c *scriptedConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.frames:
		return fiberws.TextMessage, f, nil
	case <-c.cutoff:
		return 0, nil, errors.New("i/o timeout")
	}
}

func (c *scriptedConn) WriteMessage(int, []byte) error { return nil }

func (c *scriptedConn) SetReadDeadline(t time.Time) error {
	if !t.After(time.Now()) {
		c.once.Do(func() { close(c.cutoff) })
	}
	return nil
}

func TestLiveServe_SweepEndsReadLoop(t *testing.T) {
	ctx := context.Background()
	client := bus.NewClient(bus.NewMemoryBroker().Dial(), bus.Config{InstanceID: "api-1"}, testLogger(), nil)
	registry := ws.NewRegistry(client, testLogger(), nil, time.Millisecond)
	client.AttachSessions(registry)
	require.NoError(t, client.Connect(ctx, nil))
	defer client.Close(ctx)

	keepAlives := &recordingBus{connected: true}
	h := NewLiveHandler(registry, keepAlives, validator.New(), testLogger())
	conn := newScriptedConn()

	served := make(chan struct{})
	go func() {
		defer close(served)
		h.serve(conn, "u1", "c1")
	}()
	require.Eventually(t, func() bool { return registry.Has("u1", "c1") }, time.Second, 5*time.Millisecond)

	conn.frames <- []byte(`{"type":"ping"}`)
	require.Eventually(t, func() bool { return len(keepAlives.sent()) == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(5 * time.Millisecond)
	registry.Sweep(ctx)

	select {
	case <-served:
	case <-time.After(time.Second):
		t.Fatal("read loop still running after the sweep closed the connection")
	}
	assert.False(t, registry.Has("u1", "c1"))
	assert.Equal(t, []string{"u1/c1"}, keepAlives.sent())
}
