package main

import (
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/makeasinger/pipeline/internal/logging"
	"github.com/makeasinger/pipeline/internal/scheduler"
)

func newSchedulerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Publish work ranges on a fixed interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			return a.schedule()
		},
	}
}

func (a *app) schedule() error {
	ctx, stop := signalContext()
	defer stop()

	busClient, err := a.newBus(nil)
	if err != nil {
		return err
	}
	if err := busClient.Connect(ctx, nil); err != nil {
		return fmt.Errorf("failed to connect bus: %w", err)
	}
	defer a.closeBus(busClient)

	rdb := a.newRedis(ctx)
	defer rdb.Close()

	sched := scheduler.New(asynq.RedisClientOpt{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	}, scheduler.NewRedisCursor(rdb, a.cfg.Scheduler.StartBlock), busClient, scheduler.Options{
		Interval:   a.cfg.Scheduler.Interval,
		BatchSize:  a.cfg.Scheduler.BatchSize,
		RangeQueue: a.cfg.Scheduler.RangeQueue,
		Kind:       a.cfg.Scheduler.Kind,
		LogLevel:   a.cfg.Server.LogLevel,
	}, logging.Component(a.log, "scheduler"))

	return sched.Run(ctx)
}
