package handler

import (
	"context"
	"encoding/json"

	"github.com/go-playground/validator/v10"
	fiberws "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/makeasinger/pipeline/internal/middleware"
	"github.com/makeasinger/pipeline/internal/model"
	ws "github.com/makeasinger/pipeline/internal/websocket"
	"github.com/makeasinger/pipeline/pkg/response"
)

// LiveRegistry is the part of the session registry the transport drives
type LiveRegistry interface {
	Add(ctx context.Context, sink ws.Sink, userID, connID string) error
	Drop(userID, connID string, sink ws.Sink)
}

// KeepAliver publishes keepalives for live connections
type KeepAliver interface {
	KeepAlive(ctx context.Context, userID, connectionID string) error
}

type LiveHandler struct {
	registry  LiveRegistry
	bus       KeepAliver
	validator *validator.Validate
	log       *logrus.Entry
}

func NewLiveHandler(registry LiveRegistry, bus KeepAliver, v *validator.Validate, log *logrus.Entry) *LiveHandler {
	return &LiveHandler{
		registry:  registry,
		bus:       bus,
		validator: v,
		log:       log,
	}
}

// Upgrade rejects plain HTTP on the live route and fixes the connection id
func (h *LiveHandler) Upgrade(c *fiber.Ctx) error {
	if !fiberws.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	connID := c.Query("connectionId")
	if connID == "" {
		connID = uuid.New().String()
	}
	c.Locals("connectionId", connID)
	return c.Next()
}

// liveConn is the part of the upgraded connection Serve uses
type liveConn interface {
	ws.FrameConn
	ReadMessage() (messageType int, p []byte, err error)
}

// Serve handles GET /live after the upgrade
func (h *LiveHandler) Serve(conn *fiberws.Conn) {
	userID, _ := conn.Locals("userId").(string)
	connID, _ := conn.Locals("connectionId").(string)
	h.serve(conn, userID, connID)
}

// serve registers the connection and reads client frames until the peer
// goes away or the registry closes the sink.
func (h *LiveHandler) serve(conn liveConn, userID, connID string) {
	entry := h.log.WithFields(logrus.Fields{"user_id": userID, "connection_id": connID})

	sink := ws.NewConnSink(conn)
	defer sink.Wait()

	ctx := context.Background()
	if err := h.registry.Add(ctx, sink, userID, connID); err != nil {
		entry.WithError(err).Error("Failed to register live connection")
		sink.Close()
		return
	}
	defer h.registry.Drop(userID, connID, sink)
	entry.Info("Live connection opened")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			entry.WithError(err).Debug("Live connection read ended")
			break
		}
		select {
		case <-sink.Done():
			// closed by the registry; the peer is no longer tracked
			entry.Info("Live connection closed by registry")
			return
		default:
		}
		h.handleFrame(ctx, entry, userID, connID, data)
	}
	sink.Close()
	entry.Info("Live connection closed")
}

func (h *LiveHandler) handleFrame(ctx context.Context, entry *logrus.Entry, userID, connID string, data []byte) {
	var msg model.WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		entry.WithError(err).Debug("Ignoring malformed client frame")
		return
	}
	if msg.Type != model.WSMessageTypePing {
		entry.WithField("type", msg.Type).Debug("Ignoring client frame")
		return
	}
	if err := h.bus.KeepAlive(ctx, userID, connID); err != nil {
		entry.WithError(err).Warn("Failed to publish keepalive")
	}
}

// Ping handles POST /live/ping
func (h *LiveHandler) Ping(c *fiber.Ctx) error {
	var req model.LivePingRequest
	if err := c.QueryParser(&req); err != nil {
		return response.ValidationError(c, "Invalid query", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	userID := middleware.GetUserID(c)
	if err := h.bus.KeepAlive(c.UserContext(), userID, req.ConnectionID); err != nil {
		h.log.WithError(err).WithField("user_id", userID).Warn("Keepalive not published")
		return response.Unavailable(c, "Message bus unavailable")
	}

	return response.Accepted(c, fiber.Map{"connectionId": req.ConnectionID})
}

func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
