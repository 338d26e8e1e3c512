// Package scheduler turns a periodic asynq tick into WorkRange messages.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/makeasinger/pipeline/internal/model"
)

// Task types and the asynq queue ticks run on
const (
	TaskRangeTick = "range:tick"
	TickQueue     = "ranges"
)

// RangeReserver hands out block ranges
type RangeReserver interface {
	Reserve(ctx context.Context, kind string, size uint64) (from, to uint64, err error)
	Requeue(ctx context.Context, kind string, from, to uint64) error
}

// RangePublisher puts a WorkRange on the bus
type RangePublisher interface {
	EnqueueRange(ctx context.Context, queue string, wr model.WorkRange) error
}

// Options configure the tick
type Options struct {
	Interval   time.Duration
	BatchSize  uint64
	RangeQueue string
	Kind       string
	LogLevel   string
}

// Scheduler registers the periodic tick and serves it
type Scheduler struct {
	redisOpt  asynq.RedisConnOpt
	cursor    RangeReserver
	publisher RangePublisher
	opts      Options
	log       *logrus.Entry
}

// New creates a scheduler
func New(redisOpt asynq.RedisConnOpt, cursor RangeReserver, publisher RangePublisher, opts Options, log *logrus.Entry) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = 100
	}
	return &Scheduler{
		redisOpt:  redisOpt,
		cursor:    cursor,
		publisher: publisher,
		opts:      opts,
		log:       log,
	}
}

// HandleTick reserves the next range and publishes it. A range that cannot
// be published is parked for the next tick.
func (s *Scheduler) HandleTick(ctx context.Context, _ *asynq.Task) error {
	from, to, err := s.cursor.Reserve(ctx, s.opts.Kind, s.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to reserve range: %w", err)
	}

	entry := s.log.WithFields(logrus.Fields{"from_block": from, "to_block": to, "kind": s.opts.Kind})
	wr := model.WorkRange{FromBlock: from, ToBlock: to, RangeKind: s.opts.Kind}
	if err := s.publisher.EnqueueRange(ctx, s.opts.RangeQueue, wr); err != nil {
		if rerr := s.cursor.Requeue(context.WithoutCancel(ctx), s.opts.Kind, from, to); rerr != nil {
			entry.WithError(rerr).Error("Failed to park unpublished range, it will be skipped")
		}
		return fmt.Errorf("failed to publish range %d-%d: %w", from, to, err)
	}

	entry.Info("Range published")
	return nil
}

// Run registers the tick, serves it and blocks until ctx is done
func (s *Scheduler) Run(ctx context.Context) error {
	level := AsynqLogLevel(s.opts.LogLevel)

	sched := asynq.NewScheduler(s.redisOpt, &asynq.SchedulerOpts{
		Logger:   s.log.WithField("component", "asynq-scheduler"),
		LogLevel: level,
		Location: time.UTC,
	})
	spec := fmt.Sprintf("@every %s", s.opts.Interval)
	if _, err := sched.Register(spec, asynq.NewTask(TaskRangeTick, nil), asynq.Queue(TickQueue), asynq.MaxRetry(3)); err != nil {
		return fmt.Errorf("failed to register %s: %w", TaskRangeTick, err)
	}

	srv := asynq.NewServer(s.redisOpt, asynq.Config{
		Concurrency: 1,
		Queues:      map[string]int{TickQueue: 1},
		Logger:      s.log.WithField("component", "asynq-server"),
		LogLevel:    level,
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskRangeTick, s.HandleTick)

	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("failed to start tick server: %w", err)
	}
	if err := sched.Start(); err != nil {
		srv.Shutdown()
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	s.log.WithFields(logrus.Fields{"every": s.opts.Interval.String(), "queue": s.opts.RangeQueue}).Info("Range scheduler started")

	<-ctx.Done()
	sched.Shutdown()
	srv.Shutdown()
	s.log.Info("Range scheduler stopped")
	return nil
}

// AsynqLogLevel maps a config log level onto asynq's
func AsynqLogLevel(level string) asynq.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return asynq.DebugLevel
	case "warn", "warning":
		return asynq.WarnLevel
	case "error":
		return asynq.ErrorLevel
	default:
		return asynq.InfoLevel
	}
}
