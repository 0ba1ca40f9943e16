package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/manthysbr/aulerun/internal/adapters/duckdb"
	"github.com/manthysbr/aulerun/internal/config"
	"github.com/manthysbr/aulerun/internal/core/domain"
	"github.com/manthysbr/aulerun/internal/core/ports"
	"github.com/manthysbr/aulerun/internal/core/services"
)

var (
	failureThreshold int
	repairFailed     bool
	repairResult     string

	auditJobID    string
	auditTool     string
	auditSecurity bool
	auditSince    time.Duration
	auditLimit    int
)

var failuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "List tools whose error count reached the threshold",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(cmd, func(ctx context.Context, logger *slog.Logger, repo *duckdb.Repository) error {
			recs, err := services.NewFailureTracker(logger, repo).BrokenTools(ctx, failureThreshold)
			if err != nil {
				return err
			}
			return printFailures(cmd.OutOrStdout(), recs)
		})
	},
}

var repairCmd = &cobra.Command{
	Use:   "repair <tool>",
	Short: "Record a repair of a broken tool",
	Long: `Marks a tool as repaired, resetting its error count. With --failed the
attempt is only counted and the build output is kept for the next try.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, logger *slog.Logger, repo *duckdb.Repository) error {
			tracker := services.NewFailureTracker(logger, repo)
			var err error
			if repairFailed {
				err = tracker.RecordRepairAttempt(ctx, args[0], repairResult)
			} else {
				err = tracker.MarkRepaired(ctx, args[0])
			}
			if err != nil {
				return err
			}
			rec, err := tracker.Get(ctx, args[0])
			if err != nil {
				return err
			}
			return printFailures(cmd.OutOrStdout(), []domain.ToolFailureRecord{rec})
		})
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Print audit log entries as JSON lines",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(cmd, func(ctx context.Context, logger *slog.Logger, repo *duckdb.Repository) error {
			filter := ports.AuditFilter{
				JobID:        domain.JobID(auditJobID),
				ToolName:     auditTool,
				SecurityOnly: auditSecurity,
				Limit:        auditLimit,
			}
			if auditSince > 0 {
				filter.Since = time.Now().Add(-auditSince)
			}
			entries, err := services.NewAuditLog(logger, repo).Query(ctx, filter)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, e := range entries {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Manage encrypted deployment secrets",
}

var secretsSetCmd = &cobra.Command{
	Use:   "set <name> [value]",
	Short: "Store a secret; the value is read from stdin when omitted",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		value := ""
		if len(args) == 2 {
			value = args[1]
		} else {
			raw, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 64<<10))
			if err != nil {
				return fmt.Errorf("read secret: %w", err)
			}
			value = strings.TrimRight(string(raw), "\r\n")
		}
		if value == "" {
			return fmt.Errorf("secret %s: empty value", args[0])
		}
		return withSecrets(cmd, func(ctx context.Context, store *config.SecretStore) error {
			return store.Put(ctx, args[0], value)
		})
	},
}

var secretsDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Remove a secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSecrets(cmd, func(ctx context.Context, store *config.SecretStore) error {
			return store.Delete(ctx, args[0])
		})
	},
}

var secretsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List secret names with masked values",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSecrets(cmd, func(_ context.Context, store *config.SecretStore) error {
			masked := store.Masked()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, name := range store.Names() {
				fmt.Fprintf(tw, "%s\t%s\n", name, masked[name])
			}
			return tw.Flush()
		})
	},
}

func init() {
	failuresCmd.Flags().IntVar(&failureThreshold, "threshold", 3, "Minimum error count")

	repairCmd.Flags().BoolVar(&repairFailed, "failed", false, "The repair attempt did not fix the tool")
	repairCmd.Flags().StringVar(&repairResult, "build-result", "", "Build output of the attempt")

	auditCmd.Flags().StringVar(&auditJobID, "job", "", "Only entries of this job")
	auditCmd.Flags().StringVar(&auditTool, "tool", "", "Only entries of this tool")
	auditCmd.Flags().BoolVar(&auditSecurity, "security", false, "Only security events")
	auditCmd.Flags().DurationVar(&auditSince, "since", 0, "Only entries newer than this, e.g. 24h")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 100, "Maximum entries")

	secretsCmd.AddCommand(secretsSetCmd)
	secretsCmd.AddCommand(secretsDeleteCmd)
	secretsCmd.AddCommand(secretsListCmd)
}

// withStore opens the database for one admin command. Logs go to stderr
// so stdout stays machine readable.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, logger *slog.Logger, repo *duckdb.Repository) error) error {
	e := env()
	logger, closer, err := newLogger(cmd.ErrOrStderr(), e)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	repo, err := duckdb.NewRepository(ctx, e.DBPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", e.DBPath, err)
	}
	defer repo.Close()
	return fn(ctx, logger, repo)
}

func withSecrets(cmd *cobra.Command, fn func(ctx context.Context, store *config.SecretStore) error) error {
	return withStore(cmd, func(ctx context.Context, logger *slog.Logger, repo *duckdb.Repository) error {
		key, err := config.NewSecretKey(env().KeyPath)
		if err != nil {
			return err
		}
		store, err := config.NewSecretStore(ctx, logger, repo, key)
		if err != nil {
			return err
		}
		return fn(ctx, store)
	})
}

func printFailures(w io.Writer, recs []domain.ToolFailureRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tERRORS\tREPAIRS\tLAST FAILURE\tLAST ERROR")
	for _, r := range recs {
		last := "-"
		if !r.LastFailure.IsZero() {
			last = r.LastFailure.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", r.ToolName, r.ErrorCount, r.RepairAttempts, last, oneLine(r.ErrorMessage, 60))
	}
	return tw.Flush()
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
