package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ghyeongl/filemirror/mirror"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the storage API and run background jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}

		daemon := mirror.NewDaemon(a.syncer, a.migrator, mirror.DaemonConfig{
			WatchUploads:    cfg.WatchUploads,
			SyncInterval:    cfg.SyncInterval,
			SyncConcurrency: cfg.SyncConcurrency,
		})
		handlers := mirror.NewHandlers(mirror.HandlersConfig{
			Fs:          a.fs,
			Meta:        a.meta,
			Remote:      a.remote,
			Syncer:      a.syncer,
			Migrator:    a.migrator,
			Events:      a.events,
			Daemon:      daemon,
			StorageDir:  cfg.StorageDir,
			Concurrency: cfg.SyncConcurrency,
		})

		srv := &http.Server{
			Addr:              cfg.Address,
			Handler:           mirror.NewRouter(handlers, mirror.RouterOptions{JWTSecret: cfg.JWTSecret}),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
			// No WriteTimeout: downloads, exports and event streams are long-lived.
		}

		go daemon.Run(ctx)

		errCh := make(chan error, 1)
		go func() {
			slog.Info("listening", "addr", cfg.Address, "storage", cfg.StorageDir, "remote", cfg.ServerURL != "")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("graceful shutdown failed", "err", err)
		}
		slog.Info("server stopped")
		return nil
	},
}

func init() {
	f := serveCmd.Flags()
	f.String("address", ":8080", "listen address")
	f.String("jwt-secret", "", "HS256 secret; enables bearer auth on /storage")
	f.Bool("watch-uploads", false, "migrate files as they appear in the uploads directory")
	f.Duration("sync-interval", 0, "run a sync pass on this interval (0 disables)")
	f.String("post-sync-hook", "", "command run after each sync pass")
	rootCmd.AddCommand(serveCmd)
}
