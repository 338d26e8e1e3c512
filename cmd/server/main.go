package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/makeasinger/pipeline/internal/bus"
	"github.com/makeasinger/pipeline/internal/config"
	"github.com/makeasinger/pipeline/internal/logging"
	"github.com/makeasinger/pipeline/pkg/response"
)

const shutdownTimeout = 15 * time.Second

func main() {
	root := &cobra.Command{
		Use:           "pipeline",
		Short:         "Release pipeline and live notice fabric",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCommand(),
		newWorkerCommand(),
		newSchedulerCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app is what every command starts from
type app struct {
	cfg      *config.Config
	log      *logrus.Logger
	registry *prometheus.Registry
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &app{
		cfg:      cfg,
		log:      logging.New(cfg.Server.LogLevel, cfg.Server.Env),
		registry: reg,
	}, nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// newBus builds a bus client over RabbitMQ consuming queues
func (a *app) newBus(queues []string) (*bus.Client, error) {
	metrics, err := bus.NewMetrics(a.registry)
	if err != nil {
		return nil, err
	}
	broker := bus.NewAMQPBroker(bus.AMQPConfig{
		URL:            a.cfg.AMQP.URL,
		Prefetch:       a.cfg.AMQP.Prefetch,
		ReconnectDelay: a.cfg.AMQP.ReconnectDelay,
	}, logging.Component(a.log, "amqp"))

	return bus.NewClient(broker, bus.Config{
		UserExchange:      a.cfg.AMQP.UserExchange,
		BroadcastExchange: a.cfg.AMQP.BroadcastExchange,
		Queues:            queues,
		InstanceID:        a.cfg.Server.InstanceID,
	}, logging.Component(a.log, "bus"), metrics), nil
}

func (a *app) newRedis(ctx context.Context) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		a.log.WithError(err).Warn("Redis not available")
	}
	return rdb
}

// closeBus drains the bus within the shutdown timeout
func (a *app) closeBus(c *bus.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		a.log.WithError(err).Warn("Bus close incomplete")
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	return response.FromError(c, err)
}
