package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"secshare.io/engine/internal/api"
	"secshare.io/engine/internal/auth"
	"secshare.io/engine/internal/store"
	"secshare.io/engine/internal/sweeper"
)

func newServeCmd(c *cli) *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply database migrations before starting")
	return cmd
}

func (c *cli) serve(ctx context.Context, migrate bool) error {
	cfg, log := c.cfg, c.log

	if migrate && cfg.Store.Type == "postgres" {
		version, err := store.Migrate(cfg.Store.Postgres.URL)
		if err != nil {
			return err
		}
		log.WithField("version", version).Info("Database schema up to date")
	}

	a, err := buildApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	authn, err := auth.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return err
	}

	var sched *sweeper.Scheduler
	if cfg.Sweeper.Enabled {
		sched, err = sweeper.New(a.engine, cfg.Sweeper.Schedule, log)
		if err != nil {
			return err
		}
		sched.Start()
	}

	router := api.SetupRouter(ctx, a.engine, authn, cfg, log)

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.RequestTimeout,
		WriteTimeout:      cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"addr":     cfg.Addr(),
			"base_url": cfg.Server.BaseURL,
			"store":    cfg.Store.Type,
		}).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("HTTP shutdown did not complete")
	}
	if sched != nil {
		if err := sched.Stop(shutdownCtx); err != nil {
			log.WithError(err).Error("Sweeper did not stop in time")
		}
	}
	return nil
}
