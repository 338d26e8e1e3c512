package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"

	"github.com/makeasinger/pipeline/internal/client"
	"github.com/makeasinger/pipeline/internal/config"
	"github.com/makeasinger/pipeline/internal/handler"
	"github.com/makeasinger/pipeline/internal/logging"
	"github.com/makeasinger/pipeline/internal/scheduler"
	"github.com/makeasinger/pipeline/internal/service"
	"github.com/makeasinger/pipeline/internal/worker"
)

func newWorkerCommand() *cobra.Command {
	var queues string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run pipeline stages for the configured job queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			if queues != "" {
				a.cfg.AMQP.Queues = config.SplitList(queues)
			}
			return a.work()
		},
	}

	cmd.Flags().StringVarP(&queues, "queues", "q", "", "comma separated queues to consume (overrides QUEUES)")
	return cmd
}

func (a *app) work() error {
	if len(a.cfg.AMQP.Queues) == 0 {
		return errors.New("no queues configured, set QUEUES or --queues")
	}
	ctx, stop := signalContext()
	defer stop()
	log := a.log.WithField("instance_id", a.cfg.Server.InstanceID)

	mongoClient, err := client.NewMongoClient(ctx, &a.cfg.Mongo)
	if err != nil {
		return err
	}
	defer func() {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			log.WithError(err).Warn("MongoDB disconnect failed")
		}
	}()
	releases := service.NewReleaseService(mongoClient.Database(a.cfg.Mongo.Database).Collection(a.cfg.Mongo.Collection))

	objects, err := client.NewR2Client(&a.cfg.R2)
	if err != nil {
		return fmt.Errorf("failed to initialize R2 client: %w", err)
	}

	busClient, err := a.newBus(a.cfg.AMQP.Queues)
	if err != nil {
		return err
	}

	rdb := a.newRedis(ctx)
	defer rdb.Close()

	stageMetrics, err := worker.NewMetrics(a.registry)
	if err != nil {
		return err
	}
	ranges := worker.NewRangeWorker(nil, busClient, scheduler.NewRedisCursor(rdb, a.cfg.Scheduler.StartBlock), logging.Component(a.log, "ranges"))
	pipeline := worker.NewPipeline(worker.Deps{
		Store:    releases,
		Objects:  objects,
		Codec:    client.NewFFmpegClient(&a.cfg.Codec),
		Notifier: busClient,
		Ranges:   ranges,
		Log:      logging.Component(a.log, "pipeline"),
		Metrics:  stageMetrics,
	}, worker.Options{
		Buckets:    a.cfg.Buckets,
		ScratchDir: a.cfg.Codec.ScratchDir,
	})

	if err := busClient.Connect(ctx, pipeline.Handle); err != nil {
		return fmt.Errorf("failed to connect bus: %w", err)
	}
	defer a.closeBus(busClient)

	return a.serveOps(ctx, handler.NewHealthHandler(busClient, nil, a.cfg.Server.InstanceID))
}

// serveOps exposes health and metrics until ctx is done
func (a *app) serveOps(ctx context.Context, health *handler.HealthHandler) error {
	ops := fiber.New(fiber.Config{DisableStartupMessage: true, ErrorHandler: customErrorHandler})
	ops.Get("/health", health.Health)
	ops.Get("/metrics", handler.Metrics(a.registry))

	go func() {
		<-ctx.Done()
		_ = ops.ShutdownWithTimeout(shutdownTimeout)
	}()

	addr := ":" + a.cfg.Server.Port
	a.log.WithField("addr", addr).Info("Ops endpoint starting")
	if err := ops.Listen(addr); err != nil {
		return fmt.Errorf("ops server error: %w", err)
	}
	return nil
}
