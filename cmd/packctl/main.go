// packctl is the command-line administrative tool for the coordinator. It
// talks to the same Postgres Run Store and Redis Budget Engine the
// processes use, for read-mostly operational tasks: inspecting a run,
// checking a tenant's balance, and listing runs that need audit attention.
//
// Usage:
//   packctl balance get --tenant-id tenant_1
//   packctl runs get --run-id run_abc123
//   packctl runs list --tenant-id tenant_1
//   packctl audit list
//   packctl reservation inspect --tenant-id tenant_1 --run-id run_abc123
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/packrun/coordinator/internal/budget"
	"github.com/packrun/coordinator/internal/config"
	"github.com/packrun/coordinator/internal/runstore"
)

var (
	Version = "dev"

	redisAddr   string
	postgresURL string
	verbose     bool

	store  *runstore.PostgresStore
	engine *budget.RedisEngine
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	rootCmd := &cobra.Command{
		Use:           "packctl",
		Short:         "packctl - administrative CLI for the coordinator",
		Long:          "packctl provides read-mostly operational tooling for runs, balances, and audit review.",
		Version:       Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			}

			if cmd.Name() == "version" || cmd.Name() == "help" {
				return nil
			}

			var err error
			store, err = runstore.NewPostgresStore(postgresURL, log.Logger)
			if err != nil {
				return fmt.Errorf("failed to connect to postgres: %w", err)
			}
			engine, err = budget.NewRedisEngine(redisAddr, "", log.Logger, budget.NoopAuditWriter{}, 0)
			if err != nil {
				return fmt.Errorf("failed to connect to redis: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if store != nil {
				_ = store.Close()
			}
			if engine != nil {
				_ = engine.Close()
			}
		},
	}

	defaultCfg := config.Load()
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis-addr", defaultCfg.RedisAddr, "Redis address")
	rootCmd.PersistentFlags().StringVar(&postgresURL, "postgres-url", defaultCfg.PostgresURL, "PostgreSQL connection URL")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(balanceCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(reservationCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func balanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Balance operations",
	}

	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Get a tenant's current balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, _ := cmd.Flags().GetString("tenant-id")

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			balance, err := engine.Balance(ctx, tenantID)
			if err != nil {
				return fmt.Errorf("failed to get balance: %w", err)
			}

			printJSON(map[string]interface{}{
				"tenant_id": tenantID,
				"balance":   balance.String(),
			})
			return nil
		},
	}
	getCmd.Flags().String("tenant-id", "", "Tenant ID (required)")
	getCmd.MarkFlagRequired("tenant-id")

	cmd.AddCommand(getCmd)
	return cmd
}

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Run inspection",
	}

	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Show a single run",
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, _ := cmd.Flags().GetString("run-id")

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			run, err := store.Load(ctx, runID)
			if err != nil {
				return fmt.Errorf("failed to load run: %w", err)
			}

			printJSON(runToMap(*run))
			return nil
		},
	}
	getCmd.Flags().String("run-id", "", "Run ID (required)")
	getCmd.MarkFlagRequired("run-id")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List runs for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, _ := cmd.Flags().GetString("tenant-id")
			limit, _ := cmd.Flags().GetInt("limit")

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			rows, err := store.DB().QueryContext(ctx, `
				SELECT run_id, status, money_state, finalize_stage, reservation_max_cost_micros, actual_cost_micros, created_at
				FROM runs
				WHERE tenant_id = $1
				ORDER BY created_at DESC
				LIMIT $2
			`, tenantID, limit)
			if err != nil {
				return fmt.Errorf("query failed: %w", err)
			}
			defer rows.Close()

			var out []map[string]interface{}
			for rows.Next() {
				var runID, status, moneyState, finalizeStage string
				var reservedMicros int64
				var actualMicros *int64
				var createdAt time.Time
				if err := rows.Scan(&runID, &status, &moneyState, &finalizeStage, &reservedMicros, &actualMicros, &createdAt); err != nil {
					continue
				}
				entry := map[string]interface{}{
					"run_id":                runID,
					"status":                status,
					"money_state":           moneyState,
					"finalize_stage":        finalizeStage,
					"reservation_max_cost":  fmt.Sprintf("%.4f", float64(reservedMicros)/1_000_000),
					"created_at":            createdAt.Format(time.RFC3339),
				}
				if actualMicros != nil {
					entry["actual_cost"] = fmt.Sprintf("%.4f", float64(*actualMicros)/1_000_000)
				}
				out = append(out, entry)
			}

			printJSON(out)
			return nil
		},
	}
	listCmd.Flags().String("tenant-id", "", "Tenant ID (required)")
	listCmd.Flags().Int("limit", 20, "Maximum number of runs to return")
	listCmd.MarkFlagRequired("tenant-id")

	cmd.AddCommand(getCmd, listCmd)
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit queue inspection",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List runs currently in AUDIT_REQUIRED",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			rows, err := store.DB().QueryContext(ctx, `
				SELECT run_id, tenant_id, status, actual_cost_micros, reservation_max_cost_micros, updated_at
				FROM runs
				WHERE money_state = 'AUDIT_REQUIRED'
				ORDER BY updated_at ASC
				LIMIT $1
			`, limit)
			if err != nil {
				return fmt.Errorf("query failed: %w", err)
			}
			defer rows.Close()

			var out []map[string]interface{}
			for rows.Next() {
				var runID, tenantID, status string
				var actualMicros *int64
				var reservedMicros int64
				var updatedAt time.Time
				if err := rows.Scan(&runID, &tenantID, &status, &actualMicros, &reservedMicros, &updatedAt); err != nil {
					continue
				}
				entry := map[string]interface{}{
					"run_id":               runID,
					"tenant_id":            tenantID,
					"status":               status,
					"reservation_max_cost": fmt.Sprintf("%.4f", float64(reservedMicros)/1_000_000),
					"updated_at":           updatedAt.Format(time.RFC3339),
				}
				if actualMicros != nil {
					entry["actual_cost"] = fmt.Sprintf("%.4f", float64(*actualMicros)/1_000_000)
				}
				out = append(out, entry)
			}

			printJSON(out)
			return nil
		},
	}
	listCmd.Flags().Int("limit", 50, "Maximum number of runs to return")

	cmd.AddCommand(listCmd)
	return cmd
}

func reservationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reservation",
		Short: "Budget Engine reservation inspection",
	}

	inspectCmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show the live reservation for (tenant, run), if any",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, _ := cmd.Flags().GetString("tenant-id")
			runID, _ := cmd.Flags().GetString("run-id")

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			reservation, err := engine.GetReservation(ctx, tenantID, runID)
			if err != nil {
				return fmt.Errorf("failed to get reservation: %w", err)
			}
			if reservation == nil {
				printJSON(map[string]interface{}{"tenant_id": tenantID, "run_id": runID, "reservation": nil})
				return nil
			}

			printJSON(map[string]interface{}{
				"tenant_id": reservation.TenantID,
				"run_id":    reservation.RunID,
				"amount":    reservation.Amount.String(),
				"created_at": reservation.CreatedAt.Format(time.RFC3339),
			})
			return nil
		},
	}
	inspectCmd.Flags().String("tenant-id", "", "Tenant ID (required)")
	inspectCmd.Flags().String("run-id", "", "Run ID (required)")
	inspectCmd.MarkFlagRequired("tenant-id")
	inspectCmd.MarkFlagRequired("run-id")

	cmd.AddCommand(inspectCmd)
	return cmd
}

func runToMap(run runstore.Run) map[string]interface{} {
	out := map[string]interface{}{
		"run_id":                run.RunID,
		"tenant_id":             run.TenantID,
		"status":                string(run.Status),
		"money_state":           string(run.MoneyState),
		"finalize_stage":        string(run.FinalizeStage),
		"reservation_max_cost":  run.ReservationMaxCost.String(),
		"result_key":            run.ResultKey,
		"created_at":            run.CreatedAt.Format(time.RFC3339),
		"updated_at":            run.UpdatedAt.Format(time.RFC3339),
	}
	if run.ActualCost != nil {
		out["actual_cost"] = run.ActualCost.String()
	}
	return out
}

func printJSON(v interface{}) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		return
	}
	fmt.Println(string(b))
}
