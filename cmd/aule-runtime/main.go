package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/manthysbr/aulerun/internal/config"
	"github.com/manthysbr/aulerun/internal/logging"
)

var (
	configPath  string
	dbPath      string
	logLevel    string
	logFormat   string
	securityLog string
	journal     bool
)

var rootCmd = &cobra.Command{
	Use:   "aule-runtime",
	Short: "Autonomous agent runtime",
	Long: `aule-runtime schedules agent jobs, runs their reasoning loops and
mediates every tool call through sandboxes, the egress proxy and the
safety filter.

Environment:
  AULE_CONFIG, AULE_DB_PATH, AULE_PLUGIN_DIR, AULE_ADDR
  AULE_SECRET_KEY / AULE_SECRET_KEY_PATH  secret encryption key
  AULE_SECRET_<NAME>                      imported into the secret store`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Runtime config file (default $AULE_CONFIG or aule.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "DuckDB database path (default $AULE_DB_PATH or aule.db)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "Log format: json or text")
	rootCmd.PersistentFlags().StringVar(&securityLog, "security-log", "", "Also write security events to this file (default $AULE_AUDIT_LOG)")
	rootCmd.PersistentFlags().BoolVar(&journal, "journal", false, "Also log to the systemd journal when running under systemd")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(failuresCmd)
	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(secretsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// env returns the process environment with persistent flags applied.
func env() config.Env {
	e := config.EnvFromOS()
	if configPath != "" {
		e.ConfigPath = configPath
	}
	if dbPath != "" {
		e.DBPath = dbPath
	}
	if securityLog != "" {
		e.AuditLog = securityLog
	}
	return e
}

func newLogger(out io.Writer, e config.Env) (*slog.Logger, io.Closer, error) {
	level, err := logging.ParseLevel(logLevel)
	if err != nil {
		return nil, nil, err
	}
	logger, closer, err := logging.New(logging.Options{
		Level:       level,
		Format:      logFormat,
		Output:      out,
		SecurityLog: e.AuditLog,
		Journal:     journal,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init logging: %w", err)
	}
	return logger, closer, nil
}
