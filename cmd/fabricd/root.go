package main

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"fabricd/internal/config"
)

type rootFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	rf := &rootFlags{}
	root := &cobra.Command{
		Use:           "fabricd",
		Short:         "Remote inference worker with hot-swappable models",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&rf.configPath, "config", "c", envStr("FABRICD_CONFIG", ""), "Config file (.yaml, .json or .toml)")
	root.PersistentFlags().StringVar(&rf.logLevel, "log-level", "", "Log level: debug|info|warn|error (overrides config)")
	root.PersistentFlags().StringVar(&rf.logFormat, "log-format", "", "Log format: console|json (overrides config)")

	root.AddCommand(
		newServeCmd(rf),
		newGenerateCmd(rf),
		newStatusCmd(),
		newModelsCmd(rf),
		newMkrefCmd(),
	)
	return root
}

// loadConfig reads the config file when one was given and applies the
// logging overrides. Defaults are not applied yet so command flags can
// still fill unset fields.
func (rf *rootFlags) loadConfig() (config.Config, error) {
	var cfg config.Config
	if rf.configPath != "" {
		c, err := config.Load(rf.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = c
	}
	if rf.logLevel != "" {
		cfg.Log.Level = rf.logLevel
	}
	if rf.logFormat != "" {
		cfg.Log.Format = rf.logFormat
	}
	return cfg, nil
}

// newLogger builds the process logger from the log section.
func newLogger(lc config.LogConfig, out io.Writer) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(lc.Level))
	if err != nil || lc.Level == "" {
		lvl = zerolog.InfoLevel
	}
	var w io.Writer = out
	if lc.Format != "json" {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// splitCSV splits a comma-separated list, trimming blanks.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
