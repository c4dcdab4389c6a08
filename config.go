/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Seednode/songline/store"
)

type Config struct {
	bind           string
	dbDriver       string
	dbDSN          string
	envFile        string
	feedBurst      int
	feedRate       float64
	logFormat      string
	port           int
	prefix         string
	profile        bool
	sessionTimeout time.Duration
	tlsCert        string
	tlsKey         string
	verbose        bool
	version        bool
	winThreshold   int
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.logFormat != "console" && c.logFormat != "json" {
		return fmt.Errorf("invalid log format (must be console or json): %q", c.logFormat)
	}
	if c.dbDriver != "memory" {
		if _, err := store.DialectFor(c.dbDriver); err != nil {
			return err
		}
		if c.dbDSN == "" {
			return fmt.Errorf("--db-dsn is required for driver %q", c.dbDriver)
		}
	}
	if c.winThreshold < 1 {
		return fmt.Errorf("invalid win threshold (must be at least 1): %d", c.winThreshold)
	}
	if c.feedRate <= 0 || c.feedBurst < 1 {
		return errors.New("--feed-rate must be positive and --feed-burst at least 1")
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

// loadEnvFile reads an explicit env file, or a .env in the working
// directory if one exists.
func loadEnvFile(path string) error {
	if path != "" {
		return godotenv.Load(path)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	return nil
}

// applyEnv copies SONGLINE_* values into every flag not set on the command
// line.
func applyEnv(v *viper.Viper, flags *pflag.FlagSet) {
	flags.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = flags.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("SONGLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return v
}

func normalizeFlags(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

func newCmd(cfg *Config) *cobra.Command {
	v := newViper()

	cmd := &cobra.Command{
		Use:           "songline",
		Short:         "Realtime rooms for a music-timeline party game.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			envFile := cfg.envFile
			if envFile == "" {
				envFile = v.GetString("env-file")
			}
			if err := loadEnvFile(envFile); err != nil {
				return fmt.Errorf("load env file: %w", err)
			}

			applyEnv(v, cmd.Flags())

			return setupLogging(cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg, args)
		},
	}

	flags := cmd.Flags()
	flags.SetNormalizeFunc(normalizeFlags)

	pfs := cmd.PersistentFlags()
	pfs.SetNormalizeFunc(normalizeFlags)

	pfs.StringVar(&cfg.envFile, "env-file", "", "path to a dotenv file to load before reading the environment (env: SONGLINE_ENV_FILE)")
	pfs.StringVar(&cfg.logFormat, "log-format", "console", "log output format, console or json (env: SONGLINE_LOG_FORMAT)")
	pfs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: SONGLINE_VERBOSE)")

	flags.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: SONGLINE_BIND)")
	flags.StringVar(&cfg.dbDriver, "db-driver", "memory", "record store: memory, sqlite, postgres or mysql (env: SONGLINE_DB_DRIVER)")
	flags.StringVar(&cfg.dbDSN, "db-dsn", "", "data source name for the record store (env: SONGLINE_DB_DSN)")
	flags.IntVar(&cfg.feedBurst, "feed-burst", 10, "broadcasts a feed connection may send in a burst (env: SONGLINE_FEED_BURST)")
	flags.Float64Var(&cfg.feedRate, "feed-rate", 5, "broadcasts per second a feed connection may sustain (env: SONGLINE_FEED_RATE)")
	flags.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: SONGLINE_PORT)")
	flags.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: SONGLINE_PREFIX)")
	flags.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: SONGLINE_PROFILE)")
	flags.DurationVar(&cfg.sessionTimeout, "session-timeout", 60*time.Minute, "time before idle rooms are deleted, 0 to keep them (env: SONGLINE_SESSION_TIMEOUT)")
	flags.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: SONGLINE_TLS_CERT)")
	flags.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: SONGLINE_TLS_KEY)")
	flags.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: SONGLINE_VERSION)")
	flags.IntVar(&cfg.winThreshold, "win-threshold", 10, "cards needed to win, for rooms that do not set their own (env: SONGLINE_WIN_THRESHOLD)")

	cmd.AddCommand(newWatchCmd())

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("songline v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
