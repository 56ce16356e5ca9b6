// Package cmd implements the filemirror command line.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/ghyeongl/filemirror/mirror"
)

var (
	cfgFile string
	cfg     Config
)

var rootCmd = &cobra.Command{
	Use:   "filemirror",
	Short: "Keep a local mirror of an NGINX-backed file server",
	Long: `filemirror downloads the files published on an NGINX file server into a
local storage directory, keeps a JSON index of what it holds with SHA-256
digests, and folds a legacy uploads directory into the same index.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := bindFlags(v, cmd.Flags()); err != nil {
			return err
		}
		loaded, err := loadConfig(v, cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
		mirror.InitLogger(cfg.LogDir, cfg.LogLevel)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "config file (default ./filemirror.yaml or ~/.config/filemirror/filemirror.yaml)")
	pf.String("server-url", "", "file server directory URL (env FILE_SERVER_URL)")
	pf.String("storage-dir", "./storage", "local storage directory")
	pf.String("metadata-path", "", "metadata document (default <storage-dir>/metadata.json)")
	pf.String("uploads-dir", "./uploads", "legacy uploads directory")
	pf.String("log-dir", "", "directory for rotating log files")
	pf.String("log-level", "info", "debug, info, warn or error")
	pf.Int("sync-concurrency", 3, "downloads per batch")
	pf.String("redis-url", "", "redis URL for a shared sync lock")
}

// app is the set of components every command works with.
type app struct {
	fs       afero.Fs
	meta     *mirror.MetadataStore
	remote   *mirror.RemoteClient
	syncer   *mirror.Syncer
	migrator *mirror.Migrator
	events   *mirror.EventBus
}

func newApp(ctx context.Context, c Config) (*app, error) {
	fs := afero.NewOsFs()
	if err := fs.MkdirAll(c.StorageDir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	remote, err := mirror.NewRemoteClient(fs, mirror.RemoteConfig{
		BaseURL:      c.ServerURL,
		ListEndpoint: c.ListEndpoint,
		FallbackDirs: []string{c.UploadsDir, c.StorageDir},
		Private:      []string{c.MetadataPath},
		MaxDownloads: c.MaxDownloads,
		ListCacheTTL: c.ListCacheTTL,
	})
	if err != nil {
		return nil, err
	}

	locker := mirror.NewLocalLocker()
	if c.RedisURL != "" {
		if locker, err = mirror.NewRedisLocker(ctx, c.RedisURL, "filemirror:sync:"+c.StorageDir); err != nil {
			return nil, err
		}
	}

	events := mirror.NewEventBus()
	meta := mirror.NewMetadataStore(fs, c.MetadataPath)
	return &app{
		fs:     fs,
		meta:   meta,
		remote: remote,
		syncer: mirror.NewSyncer(fs, remote, meta, mirror.SyncerConfig{
			StorageDir:   c.StorageDir,
			PostSyncHook: c.PostSyncHook,
			Locker:       locker,
			Events:       events,
		}),
		migrator: mirror.NewMigrator(fs, meta, c.UploadsDir, c.StorageDir, events),
		events:   events,
	}, nil
}
