package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/peterbourgon/ff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/zombor/billify/internal/aggregation"
	"github.com/zombor/billify/internal/database"
	"github.com/zombor/billify/internal/intake"
	"github.com/zombor/billify/internal/metrics"
	"github.com/zombor/billify/internal/queue"
)

const memoryQueueSize = 1024

func newRootCommand() *ff.Command {
	rootFS := ff.NewFlagSet("billify")
	root := newRootFlags(rootFS)
	rootFS.BoolLong("version", "Show version information")
	rootFS.StringLong("config", "", "Config file with one 'flag value' pair per line")

	serveFS := ff.NewFlagSet("serve").SetParent(rootFS)
	serve := newServeFlags(serveFS)

	workerFS := ff.NewFlagSet("worker").SetParent(rootFS)
	worker := newWorkerFlags(workerFS)
	workerMetrics := newMetricsFlag(workerFS)

	schedulerFS := ff.NewFlagSet("scheduler").SetParent(rootFS)
	schedule := newScheduleFlags(schedulerFS)
	schedulerMetrics := newMetricsFlag(schedulerFS)

	aggregateFS := ff.NewFlagSet("aggregate").SetParent(rootFS)
	purgeFS := ff.NewFlagSet("purge").SetParent(rootFS)

	runFS := ff.NewFlagSet("run").SetParent(rootFS)
	runServer := newServeFlags(runFS)
	runWorkers := newWorkerFlags(runFS)
	runSchedules := newScheduleFlags(runFS)

	migrateFS := ff.NewFlagSet("migrate").SetParent(rootFS)
	rollback := migrateFS.IntLong("rollback", 0, "Roll back this many migrations instead of applying them")

	return &ff.Command{
		Name:      "billify",
		Usage:     "billify [FLAGS] <SUBCOMMAND>",
		ShortHelp: "invoice intake, extraction and monthly reporting",
		Flags:     rootFS,
		Subcommands: []*ff.Command{
			{
				Name:      "serve",
				ShortHelp: "run the intake HTTP server",
				Flags:     serveFS,
				Exec: func(ctx context.Context, args []string) error {
					return execServe(ctx, root, serve)
				},
			},
			{
				Name:      "worker",
				ShortHelp: "consume jobs and create bills",
				Flags:     workerFS,
				Exec: func(ctx context.Context, args []string) error {
					return execWorker(ctx, root, worker, *workerMetrics)
				},
			},
			{
				Name:      "scheduler",
				ShortHelp: "run the monthly report and expiry sweep on their schedules",
				Flags:     schedulerFS,
				Exec: func(ctx context.Context, args []string) error {
					return execScheduler(ctx, root, schedule, *schedulerMetrics)
				},
			},
			{
				Name:      "aggregate",
				ShortHelp: "send the monthly report once and exit",
				Flags:     aggregateFS,
				Exec: func(ctx context.Context, args []string) error {
					return execAggregate(ctx, root)
				},
			},
			{
				Name:      "purge",
				ShortHelp: "delete expired bills once and exit",
				Flags:     purgeFS,
				Exec: func(ctx context.Context, args []string) error {
					return execPurge(ctx, root)
				},
			},
			{
				Name:      "run",
				ShortHelp: "run intake, worker and scheduler in one process",
				Flags:     runFS,
				Exec: func(ctx context.Context, args []string) error {
					return execRun(ctx, root, runServer, runWorkers, runSchedules)
				},
			},
			{
				Name:      "migrate",
				ShortHelp: "apply the PostgreSQL schema migrations",
				Flags:     migrateFS,
				Exec: func(ctx context.Context, args []string) error {
					return execMigrate(root, *rollback)
				},
			},
		},
	}
}

func newScheduler(rt *runtime, sf *scheduleFlags) (*aggregation.Scheduler, error) {
	agg := aggregation.NewAggregator(rt.bills, rt.gateway, *rt.flags.scanPageSize, rt.location)
	return aggregation.NewScheduler(agg, rt.bills, aggregation.SchedulerConfig{
		Schedule:      *sf.schedule,
		PurgeSchedule: *sf.purgeSchedule,
		Location:      rt.location,
		PurgeEnabled:  *rt.flags.billRetention > 0,
	})
}

func serveMetrics(ctx context.Context, g *errgroup.Group, addr string) {
	if addr == "" {
		return
	}
	g.Go(func() error {
		return metrics.Serve(ctx, addr)
	})
}

func execServe(ctx context.Context, flags *rootFlags, sf *serveFlags) error {
	rt, err := newRuntime(ctx, flags)
	if err != nil {
		return err
	}
	defer rt.Close()

	docs, err := rt.documents(ctx)
	if err != nil {
		return err
	}
	mq, err := rt.broker()
	if err != nil {
		return err
	}
	if mq == nil {
		return errors.New("serve requires --amqp-url; use run for a single process setup")
	}
	publisher, err := queue.NewPublisher(mq, *flags.queueName)
	if err != nil {
		return err
	}
	defer publisher.Close()

	server := intake.NewServer(intake.NewService(docs, publisher, rt.gateway), rt.identities)
	return server.Start(ctx, *sf.addr)
}

func execWorker(ctx context.Context, flags *rootFlags, wf *workerFlags, metricsAddr string) error {
	rt, err := newRuntime(ctx, flags)
	if err != nil {
		return err
	}
	defer rt.Close()

	docs, err := rt.documents(ctx)
	if err != nil {
		return err
	}
	worker, err := rt.worker(ctx, docs, wf)
	if err != nil {
		return err
	}
	mq, err := rt.broker()
	if err != nil {
		return err
	}
	if mq == nil {
		return errors.New("worker requires --amqp-url")
	}
	consumer, err := queue.NewConsumer(mq, *flags.queueName, "billify-worker", *wf.batchSize**wf.concurrency)
	if err != nil {
		return err
	}
	defer consumer.Close()

	g, ctx := errgroup.WithContext(ctx)
	serveMetrics(ctx, g, metricsAddr)
	g.Go(func() error {
		return worker.Run(ctx, consumer)
	})
	return g.Wait()
}

func execScheduler(ctx context.Context, flags *rootFlags, sf *scheduleFlags, metricsAddr string) error {
	rt, err := newRuntime(ctx, flags)
	if err != nil {
		return err
	}
	defer rt.Close()

	scheduler, err := newScheduler(rt, sf)
	if err != nil {
		return err
	}
	for _, next := range scheduler.Next() {
		slog.Info("Next scheduled run", "at", next)
	}

	g, ctx := errgroup.WithContext(ctx)
	serveMetrics(ctx, g, metricsAddr)
	g.Go(func() error {
		return scheduler.Run(ctx)
	})
	return g.Wait()
}

func execAggregate(ctx context.Context, flags *rootFlags) error {
	rt, err := newRuntime(ctx, flags)
	if err != nil {
		return err
	}
	defer rt.Close()

	agg := aggregation.NewAggregator(rt.bills, rt.gateway, *flags.scanPageSize, rt.location)
	summary, err := agg.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d bills, %d recipients, %d delivered, %d verification requested, %d failed\n",
		summary.Month, summary.Bills, summary.Recipients, summary.Delivered, summary.VerificationRequested, summary.Failed)
	return nil
}

func execPurge(ctx context.Context, flags *rootFlags) error {
	rt, err := newRuntime(ctx, flags)
	if err != nil {
		return err
	}
	defer rt.Close()

	purged, err := rt.bills.PurgeExpired(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("purging expired bills: %w", err)
	}
	slog.Info("Purged expired bills", "count", purged)
	return nil
}

// execRun shares one bill store handle between the three components, which the
// bbolt file lock requires. Without --amqp-url jobs travel through an in-process queue.
func execRun(ctx context.Context, flags *rootFlags, sf *serveFlags, wf *workerFlags, schedf *scheduleFlags) error {
	rt, err := newRuntime(ctx, flags)
	if err != nil {
		return err
	}
	defer rt.Close()

	docs, err := rt.documents(ctx)
	if err != nil {
		return err
	}
	worker, err := rt.worker(ctx, docs, wf)
	if err != nil {
		return err
	}
	scheduler, err := newScheduler(rt, schedf)
	if err != nil {
		return err
	}

	var (
		publisher queue.Publisher
		source    queue.Source
	)
	mq, err := rt.broker()
	if err != nil {
		return err
	}
	if mq != nil {
		p, err := queue.NewPublisher(mq, *flags.queueName)
		if err != nil {
			return err
		}
		defer p.Close()
		c, err := queue.NewConsumer(mq, *flags.queueName, "billify-run", *wf.batchSize**wf.concurrency)
		if err != nil {
			return err
		}
		defer c.Close()
		publisher, source = p, c
	} else {
		slog.Warn("No AMQP URL configured, using an in-process queue; queued jobs are lost on exit")
		mem := queue.NewMemoryQueue(memoryQueueSize)
		publisher, source = mem, mem
	}

	server := intake.NewServer(intake.NewService(docs, publisher, rt.gateway), rt.identities)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(ctx, *sf.addr)
	})
	g.Go(func() error {
		return worker.Run(ctx, source)
	})
	g.Go(func() error {
		return scheduler.Run(ctx)
	})
	return g.Wait()
}

func execMigrate(flags *rootFlags, rollback int) error {
	if err := configureLogging(*flags.logLevel, *flags.logFormat); err != nil {
		return err
	}
	if *flags.databaseURL == "" {
		return errors.New("migrate requires --database-url")
	}
	if rollback > 0 {
		return database.RollbackMigrations(*flags.databaseURL, rollback)
	}
	return database.RunMigrations(*flags.databaseURL)
}
