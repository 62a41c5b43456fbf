package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/mixsignal/internal/config"
	"github.com/sells-group/mixsignal/internal/monitoring"
	"github.com/sells-group/mixsignal/internal/service"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long:  "Serves run triggers, model results, decisions and the optimizer over HTTP, streams run events and optionally schedules runs.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		startNotifier(ctx, env.Pipeline.Broker())
		startScheduler(ctx, env.Service, cfg.Pipeline.ScheduleIntervalMins)
		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(
				monitoring.NewCollector(env.Store, env.Pipeline),
				monitoring.NewAlerter(cfg.Monitoring),
				cfg.Monitoring,
			)
			go checker.Run(ctx)
		}

		handler := buildRouter(env.Service, routerOptions{
			APIKey:      cfg.Server.APIKey,
			CORSOrigins: cfg.Server.CORSOrigins,
			TriggerRate: perMinute(cfg.Server.TriggerRatePerMinute),
			Registry:    env.Registry,
		})

		port := resolvePort(servePort, cfg)
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// resolvePort prefers the --port flag over config.
func resolvePort(flagPort int, c *config.Config) int {
	if flagPort != 0 {
		return flagPort
	}
	if c != nil && c.Server.Port != 0 {
		return c.Server.Port
	}
	return 8080
}

// perMinute converts a per-minute trigger budget to a limiter rate. Zero
// disables limiting.
func perMinute(n int) rate.Limit {
	if n <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(n) / 60)
}

// startScheduler triggers a trailing-window run every interval minutes
// until ctx is done. Zero disables scheduling.
func startScheduler(ctx context.Context, svc *service.Service, intervalMins int) {
	if intervalMins <= 0 {
		return
	}
	interval := time.Duration(intervalMins) * time.Minute
	zap.L().Info("scheduler started", zap.Duration("interval", interval))

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				scheduledRun(ctx, svc)
			}
		}
	}()
}

func scheduledRun(ctx context.Context, svc *service.Service) {
	rc, err := svc.Run(ctx, service.RunRequest{})
	if err != nil {
		zap.L().Warn("scheduler: trigger skipped", zap.Error(err))
		return
	}
	zap.L().Info("scheduler: run triggered", zap.String("run_id", rc.RunID))
}
