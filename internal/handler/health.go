package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/makeasinger/pipeline/pkg/response"
)

// BusStatus reports broker connectivity
type BusStatus interface {
	Connected() bool
}

// SessionCounter reports live session totals
type SessionCounter interface {
	Counts() (sessions, connections int)
}

type HealthHandler struct {
	bus        BusStatus
	sessions   SessionCounter
	instanceID string
}

// NewHealthHandler creates a health handler. sessions may be nil on
// instances that hold no live connections.
func NewHealthHandler(bus BusStatus, sessions SessionCounter, instanceID string) *HealthHandler {
	return &HealthHandler{bus: bus, sessions: sessions, instanceID: instanceID}
}

// Health handles GET /health. It answers 503 while the bus is down.
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	var sessions, conns int
	if h.sessions != nil {
		sessions, conns = h.sessions.Counts()
	}
	body := fiber.Map{
		"status":      "ok",
		"instanceId":  h.instanceID,
		"bus":         h.bus.Connected(),
		"sessions":    sessions,
		"connections": conns,
	}
	if !h.bus.Connected() {
		body["status"] = "degraded"
		return c.Status(fiber.StatusServiceUnavailable).JSON(body)
	}
	return response.OK(c, body)
}

// Metrics serves the prometheus registry
func Metrics(g prometheus.Gatherer) fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}
