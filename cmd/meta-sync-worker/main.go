// Command meta-sync-worker is the long-running consumer of the Meta sync
// queue. It also owns the cron that enqueues incremental refreshes and
// requeues jobs whose lease ran out.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"storepulse/internal/app"
	"storepulse/internal/metasync"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := app.Load(ctx, "meta-sync-worker")
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	svc, err := env.MetaSync()
	if err != nil {
		env.Log.WithError(err).Fatal("build meta sync")
	}
	if svc == nil {
		env.Log.Fatal("META_APP_ID and META_APP_SECRET are required")
	}

	sched, err := svc.NewScheduler(ctx, metasync.Schedule{
		Incremental:    env.Cfg.IncrementalSchedule,
		RecoverStalled: env.Cfg.RecoverStallSchedule,
	})
	if err != nil {
		env.Log.WithError(err).Fatal("schedule")
	}
	// jobs leased by a previous process that died are due again
	if _, err := svc.Queue.RecoverStalled(ctx); err != nil {
		env.Log.WithError(err).Warn("initial stalled recovery failed")
	}
	sched.Start()

	env.Log.WithField("concurrency", env.Cfg.QueueConcurrency).Info("meta sync worker started")
	err = env.Worker(svc).Run(ctx)
	<-sched.Stop().Done()
	if err != nil && ctx.Err() == nil {
		env.Log.WithError(err).Fatal("worker stopped")
	}
	env.Log.Info("meta sync worker stopped")
}
