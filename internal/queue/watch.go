package queue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// DefaultSchedule drains the jar every night at 02:00.
const DefaultSchedule = "0 2 * * *"

// Watcher runs the queue on a cron schedule until its context ends.
type Watcher struct {
	Runner   *Runner
	Options  Options
	Schedule string
	// RunNow triggers one run immediately on start.
	RunNow bool
	// MetricsAddr, when set, serves Metrics on /metrics.
	MetricsAddr string
	Metrics     http.Handler
	Log         logr.Logger
}

// Watch blocks until ctx is cancelled. Overlapping runs are skipped.
func (w *Watcher) Watch(ctx context.Context) error {
	schedule := w.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}

	c := cron.New(cron.WithLogger(w.Log), cron.WithChain(
		cron.Recover(w.Log),
		cron.SkipIfStillRunning(w.Log),
	))
	job := cron.FuncJob(func() { w.runOnce(ctx) })
	id, err := c.AddJob(schedule, job)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if w.MetricsAddr != "" && w.Metrics != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", w.Metrics)
		srv := &http.Server{Addr: w.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	c.Start()
	w.Log.Info("queue watch started", "schedule", schedule, "next", c.Entry(id).Next)
	if w.RunNow {
		c.Entry(id).WrappedJob.Run()
	}

	g.Go(func() error {
		<-gctx.Done()
		<-c.Stop().Done()
		return nil
	})

	err = g.Wait()
	w.Log.Info("queue watch stopped")
	return err
}

func (w *Watcher) runOnce(ctx context.Context) {
	sum, err := w.Runner.Run(ctx, w.Options)
	if err != nil {
		w.Log.Error(err, "queue run failed")
		return
	}
	w.Log.Info("queue run finished", "completed", sum.Completed, "failed", sum.Failed, "skipped", sum.Skipped)
}
