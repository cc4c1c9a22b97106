package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/callflow/internal/engine"
	"github.com/rendis/callflow/internal/httpapi"
	"github.com/rendis/callflow/internal/queue"
	"github.com/rendis/callflow/internal/scheduler"
	"github.com/rendis/callflow/internal/state"
	"github.com/rendis/callflow/pkg/schema"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Consume call records and serve the HTTP API",
	Long: `Starts the long-running service: the Redis Streams consumer (when the queue
is enabled), the run dispatcher, the HTTP API with /metrics, and the
retention purge of stored runs.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig(cmd, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.HTTP.Addr = addr
		}
		ctx := cmd.Context()

		a, err := newApp(ctx, cfg, logger, appOptions{publish: true})
		if err != nil {
			return err
		}
		defer a.Close()

		dispatcher := engine.NewDispatcher(a.executor, cfg.Dispatcher.Size)
		defer dispatcher.Shutdown()

		g, gctx := errgroup.WithContext(ctx)

		api := []httpapi.Option{
			httpapi.WithMetrics(a.metrics.Handler()),
			httpapi.WithLogger(logger),
			httpapi.WithRunTimeout(cfg.HTTP.RunTimeout),
			httpapi.WithGraph(a.graph, schema.StepDetermineRepeatedCall),
		}
		if a.store != nil {
			api = append(api, httpapi.WithStore(a.store))
		}
		srv := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           httpapi.NewServer(a.executor, api...).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("http listening", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})

		if cfg.Queue.Enabled {
			consumer, err := queue.NewConsumer(a.redis, queue.ConsumerConfig{
				Stream:     cfg.Queue.Stream,
				Group:      cfg.Queue.Group,
				Consumer:   cfg.Queue.Consumer,
				DeadLetter: cfg.Queue.DeadLetter,
				Count:      cfg.Queue.Count,
				Block:      cfg.Queue.Block,

				ReclaimIdle:   cfg.Queue.ReclaimIdle,
				MaxDeliveries: int64(cfg.Queue.MaxDeliveries),
			}, dispatchHandler(dispatcher), logger)
			if err != nil {
				return err
			}
			g.Go(func() error { return consumer.Run(gctx) })
		}

		if a.store != nil && cfg.Retention.Schedule != "" {
			retention, err := scheduler.NewRetention(a.store, cfg.Retention.Schedule, cfg.Retention.MaxAge, logger)
			if err != nil {
				return err
			}
			if err := retention.Start(gctx); err != nil {
				return err
			}
			g.Go(func() error {
				<-gctx.Done()
				retention.Stop()
				return nil
			})
		}

		logger.Info("callflow serving",
			slog.String("version", version),
			slog.Bool("queue", cfg.Queue.Enabled),
			slog.Bool("store", a.store != nil),
			slog.Int("dispatcher_size", cfg.Dispatcher.Size))

		err = g.Wait()
		dispatcher.Wait()
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		logger.Info("callflow stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "HTTP listen address (overrides http.addr)")
}

// dispatchHandler runs each inbound record on the dispatcher and waits for
// the outcome, so a failed run leaves its message pending for redelivery.
func dispatchHandler(d *engine.Dispatcher) queue.Handler {
	return func(ctx context.Context, _ string, rec state.Record) error {
		st, err := state.New(rec)
		if err != nil {
			return err
		}
		done := make(chan *engine.RunResult, 1)
		req := engine.RunRequest{Entry: schema.StepDetermineRepeatedCall, Event: schema.EventStart, State: st}
		if _, err := d.Submit(ctx, req, func(res *engine.RunResult) { done <- res }); err != nil {
			return err
		}
		select {
		case res := <-done:
			return res.Err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
