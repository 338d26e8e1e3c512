package main

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	fiberws "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/cobra"

	"github.com/makeasinger/pipeline/internal/handler"
	"github.com/makeasinger/pipeline/internal/logging"
	"github.com/makeasinger/pipeline/internal/middleware"
	ws "github.com/makeasinger/pipeline/internal/websocket"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve live connections and relay bus notices to them",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			return a.serve()
		},
	}
}

func (a *app) serve() error {
	ctx, stop := signalContext()
	defer stop()
	log := a.log.WithField("instance_id", a.cfg.Server.InstanceID)

	busClient, err := a.newBus(nil)
	if err != nil {
		return err
	}
	sessionMetrics, err := ws.NewMetrics(a.registry)
	if err != nil {
		return err
	}
	registry := ws.NewRegistry(busClient, logging.Component(a.log, "sessions"), sessionMetrics, a.cfg.Session.SweepInterval)
	busClient.AttachSessions(registry)

	if err := busClient.Connect(ctx, nil); err != nil {
		return fmt.Errorf("failed to connect bus: %w", err)
	}
	go registry.Run(ctx)

	rdb := a.newRedis(ctx)
	defer rdb.Close()

	authenticate := middleware.NewAuthMiddleware(a.cfg.JWT.Secret).Authenticate()
	if a.cfg.Gateway.Enabled {
		log.Info("Gateway mode enabled, using header-based auth")
		authenticate = middleware.GatewayAuthMiddleware()
	}
	rateLimiter := middleware.NewRateLimiter(rdb, logging.Component(a.log, "ratelimit"))
	liveHandler := handler.NewLiveHandler(registry, busClient, validator.New(), logging.Component(a.log, "live"))
	healthHandler := handler.NewHealthHandler(busClient, registry, a.cfg.Server.InstanceID)

	server := fiber.New(fiber.Config{
		ErrorHandler:          customErrorHandler,
		DisableStartupMessage: true,
	})
	server.Use(recover.New())
	server.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	server.Get("/health", healthHandler.Health)
	server.Get("/metrics", handler.Metrics(a.registry))

	server.Post("/live/ping", authenticate, liveHandler.Ping)
	server.Get("/live",
		authenticate,
		rateLimiter.LiveLimit(a.cfg.RateLimit.LivePerMin),
		liveHandler.Upgrade,
		fiberws.New(liveHandler.Serve),
	)

	go func() {
		<-ctx.Done()
		log.Info("Shutting down server...")
		if err := server.ShutdownWithTimeout(shutdownTimeout); err != nil {
			log.WithError(err).Error("Server shutdown error")
		}
	}()

	addr := ":" + a.cfg.Server.Port
	log.WithField("addr", addr).Info("Server starting")
	listenErr := server.Listen(addr)
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	registry.Shutdown(shutdownCtx)
	a.closeBus(busClient)

	if listenErr != nil {
		return fmt.Errorf("server error: %w", listenErr)
	}
	return nil
}
