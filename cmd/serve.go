package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/supplier-backfill/internal/api"
	"github.com/sells-group/supplier-backfill/internal/monitoring"
)

var (
	servePort      int
	serveSweepLoop bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the search and backfill admin HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		if p, err := env.Bulk.Restore(ctx); err != nil {
			zap.L().Warn("could not restore bulk job", zap.Error(err))
		} else if p.JobID != "" {
			zap.L().Info("bulk job restored; resume it from the admin API",
				zap.String("job_id", p.JobID),
				zap.String("state", string(p.State)),
				zap.Int("remaining", p.Remaining),
			)
		}

		collector := env.Collector()
		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			go checker.Run(ctx)
		}
		if serveSweepLoop {
			go env.Sweeper.Run(ctx, time.Duration(cfg.Sweep.IntervalMins)*time.Minute)
		}

		server := api.NewServer(api.Deps{
			Coverage: env.Coverage,
			Listings: env.Store,
			Bulk:     env.Bulk,
			Sweep:    env.Sweeper,
			Metrics:  collector,
		}, api.Options{
			DefaultPageSize:    cfg.Backfill.DefaultPageSize,
			FullCategoryTarget: cfg.Backfill.FullCategoryTarget,
			MaxPage:            cfg.Backfill.MaxPage,
			DefaultConcurrency: cfg.Bulk.Concurrency,
			SearchTimeout:      time.Duration(cfg.Server.SearchTimeoutSecs) * time.Second,
			CORSOrigins:        cfg.Server.CORSOrigins,
			AdminToken:         cfg.Server.AdminToken,
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           server.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := env.Bulk.Shutdown(drainCtx); err != nil {
			zap.L().Warn("bulk job did not drain before shutdown", zap.Error(err))
		}
		if err := env.Coverage.Wait(drainCtx); err != nil {
			zap.L().Warn("background backfills did not finish before shutdown", zap.Error(err))
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveSweepLoop, "sweep-loop", false, "run the sweep on sweep.interval_mins in the background")
	rootCmd.AddCommand(serveCmd)
}
