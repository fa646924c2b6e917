package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/coaching-scheduler/internal/application"
	httptransport "github.com/example/coaching-scheduler/internal/http"
	"github.com/example/coaching-scheduler/internal/observability"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var (
		fakeProviders bool
		noWorker      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background sweeps",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx, appOptions{fakeProviders: fakeProviders, migrate: true})
			if err != nil {
				return err
			}
			defer func() {
				if cerr := a.Close(); cerr != nil {
					a.logger.Error("failed to close resources", "error", cerr)
				}
			}()
			return serve(ctx, a, !noWorker)
		},
	}
	cmd.Flags().BoolVar(&fakeProviders, "fake-providers", false, "use the in-memory calendar provider where no credentials are configured")
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "do not run periodic sync and notification sweeps")
	return cmd
}

func serve(ctx context.Context, a *app, runWorker bool) error {
	logger := a.logger

	shutdownTracing, err := observability.SetupTracing(observability.TracingConfig{Exporter: a.cfg.Tracing}, logger)
	if err != nil {
		return err
	}
	observability.InitMetrics()

	handler := newHandler(a)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	w := a.newWorker()
	if runWorker {
		if err := w.Start(ctx); err != nil {
			return err
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("scheduler API listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error("server encountered error", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("failed to shutdown server", "error", err)
	}
	if err := w.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop worker", "error", err)
	}
	a.sync.Wait()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("failed to flush traces", "error", err)
	}
	logger.Info("scheduler stopped")

	if err, ok := <-serveErr; ok && err != nil {
		return err
	}
	return nil
}

func newHandler(a *app) http.Handler {
	return httptransport.NewRouter(httptransport.RouterConfig{
		Sessions:      httptransport.NewSessionHandler(a.sessions, a.logger),
		Notifications: httptransport.NewNotificationHandler(a.notifications, a.logger),
		Stats:         httptransport.NewStatsHandler(a.stats, a.logger),
		Calendar:      httptransport.NewCalendarHandler(a.calendar, a.sync, a.logger),
		Metrics:       observability.MetricsHandler(),
		Logger:        a.logger,
		Middleware:    []func(http.Handler) http.Handler{httptransport.RequestLogger(a.logger)},
	})
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd.Context(), appOptions{migrate: true, out: cmd.ErrOrStderr()})
			if err != nil {
				return err
			}
			defer a.Close()
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newSyncCmd() *cobra.Command {
	var (
		integrationID string
		direction     string
		fakeProviders bool
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one calendar sync for an integration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if integrationID == "" {
				return errors.New("--integration is required")
			}
			a, err := loadApp(cmd.Context(), appOptions{fakeProviders: fakeProviders, out: cmd.ErrOrStderr()})
			if err != nil {
				return err
			}
			defer a.Close()

			log, err := a.sync.Sync(cmd.Context(), application.SystemPrincipal, application.SyncRequest{
				IntegrationID: integrationID,
				Direction:     direction,
				Type:          application.SyncTypeManual,
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "sync %s: %s processed=%d created=%d updated=%d deleted=%d errors=%d\n",
				log.IntegrationID, log.Status, log.EventsProcessed, log.EventsCreated, log.EventsUpdated, log.EventsDeleted, len(log.Errors))
			if log.Status == application.SyncStatusFailed {
				return fmt.Errorf("sync %s failed", log.IntegrationID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&integrationID, "integration", "", "integration id")
	cmd.Flags().StringVar(&direction, "direction", "bidirectional", "pull|push|bidirectional")
	cmd.Flags().BoolVar(&fakeProviders, "fake-providers", false, "use the in-memory calendar provider where no credentials are configured")
	return cmd
}

func newNotificationsCmd() *cobra.Command {
	var (
		kind      string
		lookAhead int
	)
	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "Deliver pending notifications of one type",
		RunE: func(cmd *cobra.Command, _ []string) error {
			notificationType, err := application.ParseNotificationType(kind)
			if err != nil {
				return err
			}
			a, err := loadApp(cmd.Context(), appOptions{out: cmd.ErrOrStderr()})
			if err != nil {
				return err
			}
			defer a.Close()

			sent, err := a.newWorker().SendKind(cmd.Context(), notificationType, lookAhead)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s notifications sent: %d\n", notificationType, sent)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "type", "", "confirmation|reminder|cancellation")
	cmd.Flags().IntVar(&lookAhead, "look-ahead", 0, "reminder look-ahead in hours")
	return cmd
}
