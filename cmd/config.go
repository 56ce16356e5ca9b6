package cmd

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the effective configuration after flags, env and file are merged.
type Config struct {
	Address         string        `mapstructure:"address" yaml:"address"`
	ServerURL       string        `mapstructure:"server_url" yaml:"server_url"`
	StorageDir      string        `mapstructure:"storage_dir" yaml:"storage_dir"`
	MetadataPath    string        `mapstructure:"metadata_path" yaml:"metadata_path"`
	UploadsDir      string        `mapstructure:"uploads_dir" yaml:"uploads_dir"`
	ListEndpoint    string        `mapstructure:"list_endpoint" yaml:"list_endpoint"`
	ListCacheTTL    time.Duration `mapstructure:"list_cache_ttl" yaml:"list_cache_ttl"`
	MaxDownloads    int           `mapstructure:"max_downloads" yaml:"max_downloads"`
	SyncConcurrency int           `mapstructure:"sync_concurrency" yaml:"sync_concurrency"`
	SyncInterval    time.Duration `mapstructure:"sync_interval" yaml:"sync_interval"`
	WatchUploads    bool          `mapstructure:"watch_uploads" yaml:"watch_uploads"`
	PostSyncHook    string        `mapstructure:"post_sync_hook" yaml:"post_sync_hook"`
	JWTSecret       string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	RedisURL        string        `mapstructure:"redis_url" yaml:"redis_url"`
	LogDir          string        `mapstructure:"log_dir" yaml:"log_dir"`
	LogLevel        string        `mapstructure:"log_level" yaml:"log_level"`
}

var v = viper.New()

func setDefaults(v *viper.Viper) {
	v.SetDefault("address", ":8080")
	v.SetDefault("server_url", "")
	v.SetDefault("storage_dir", "./storage")
	v.SetDefault("metadata_path", "")
	v.SetDefault("uploads_dir", "./uploads")
	v.SetDefault("list_endpoint", "/files")
	v.SetDefault("list_cache_ttl", 30*time.Second)
	v.SetDefault("max_downloads", 8)
	v.SetDefault("sync_concurrency", 3)
	v.SetDefault("sync_interval", time.Duration(0))
	v.SetDefault("watch_uploads", false)
	v.SetDefault("post_sync_hook", "")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("log_dir", "")
	v.SetDefault("log_level", "info")
}

// bindFlags binds every flag to the viper key of the same name with
// dashes turned into underscores.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var errs []error
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		errs = append(errs, v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f))
	})
	return errors.Join(errs...)
}

// loadConfig merges defaults, config file, FILEMIRROR_* env and flags.
// FILE_SERVER_URL is honoured for the server URL as well.
func loadConfig(v *viper.Viper, cfgFile string) (Config, error) {
	setDefaults(v)
	v.SetEnvPrefix("FILEMIRROR")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("server_url", "FILEMIRROR_SERVER_URL", "FILE_SERVER_URL"); err != nil {
		return Config{}, err
	}

	if cfgFile != "" {
		path, err := homedir.Expand(cfgFile)
		if err != nil {
			return Config{}, fmt.Errorf("config path: %w", err)
		}
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("filemirror")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "filemirror"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg.normalize()
}

func (c Config) normalize() (Config, error) {
	for _, p := range []*string{&c.StorageDir, &c.MetadataPath, &c.UploadsDir, &c.LogDir} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return Config{}, fmt.Errorf("expand %q: %w", *p, err)
		}
		*p = expanded
	}

	abs, err := filepath.Abs(c.StorageDir)
	if err != nil {
		return Config{}, err
	}
	c.StorageDir = abs
	if c.MetadataPath == "" {
		c.MetadataPath = filepath.Join(c.StorageDir, "metadata.json")
	}
	if c.UploadsDir != "" {
		if c.UploadsDir, err = filepath.Abs(c.UploadsDir); err != nil {
			return Config{}, err
		}
	}
	c.ServerURL = strings.TrimSpace(c.ServerURL)
	if c.SyncConcurrency <= 0 {
		c.SyncConcurrency = 3
	}
	return c, nil
}

// redacted masks secrets for display.
func (c Config) redacted() Config {
	if c.JWTSecret != "" {
		c.JWTSecret = "********"
	}
	if c.RedisURL != "" {
		c.RedisURL = redactURL(c.RedisURL)
	}
	return c
}

func redactURL(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}
	if _, host, ok := strings.Cut(rest, "@"); ok {
		return scheme + "://****@" + host
	}
	return raw
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, _ []string) error {
		out, err := yaml.Marshal(cfg.redacted())
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
