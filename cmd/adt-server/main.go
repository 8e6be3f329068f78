package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/adt/internal/config"
	"github.com/ehr/adt/internal/domain/reconcile"
	"github.com/ehr/adt/internal/platform/db"
	"github.com/ehr/adt/migrations"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "adt-server",
		Short:        "Ward, bed and admission lifecycle server",
		Version:      version,
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), migrateCmd(), tenantCmd(), reconcileCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the ADT API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: out}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "adt-server").Logger()
}

// connect loads config and opens the pool for one-shot commands.
func connect(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

// migrationFiles prefers an on-disk directory over the embedded set.
func migrationFiles(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := cmd.Context()
			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Running migrations on schema: %s\n", schema)
			count, err := db.NewMigrator(pool, migrationFiles(dir)).Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(out, "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := cmd.Context()
			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationFiles(dir)).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.Modified {
						status = "modified"
					}
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}

	for _, c := range []*cobra.Command{upCmd, statusCmd} {
		c.Flags().String("schema", "tenant_default", "Target schema for migrations")
		c.Flags().String("dir", "", "Migrations directory (defaults to the embedded set)")
		cmd.AddCommand(c)
	}
	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create <id>",
		Short: "Create a tenant schema and apply all migrations to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if !db.ValidTenantID(id) {
				return fmt.Errorf("invalid tenant identifier %q: use letters, digits and underscores", id)
			}

			ctx := cmd.Context()
			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := db.CreateTenantSchema(ctx, pool, id, migrations.FS); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Tenant %s created (schema tenant_%s).\n", id, id)
			return nil
		},
	})
	return cmd
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Sweep ward and admission data for consistency violations",
		Long: "Runs the reconciliation sweep once and prints every violation. The sweep only " +
			"reports; resolve findings with the /api/v1/reconciliation endpoints.",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			xlsxPath, _ := cmd.Flags().GetString("xlsx")
			if xlsxPath != "" && tenant == "" {
				return fmt.Errorf("--xlsx needs --tenant")
			}

			ctx := cmd.Context()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			logger := newLogger(cfg, cmd.ErrOrStderr())
			app, err := buildApp(ctx, cfg, pool, logger, nil)
			if err != nil {
				return err
			}
			defer app.Close()
			runner := reconcile.NewRunner(pool, app.sweeper, 0, logger)

			var reports []*reconcile.Report
			if tenant != "" {
				rep, err := runner.RunTenant(ctx, tenant)
				if err != nil {
					return err
				}
				reports = append(reports, rep)
			} else if reports, err = runner.RunAll(ctx); err != nil {
				logger.Error().Err(err).Msg("some tenants could not be swept")
			}

			out := cmd.OutOrStdout()
			for _, rep := range reports {
				printReport(out, rep)
			}

			if xlsxPath != "" && len(reports) == 1 {
				f, err := os.Create(xlsxPath)
				if err != nil {
					return err
				}
				if err := reconcile.WriteXLSX(f, reports[0]); err != nil {
					f.Close()
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
				fmt.Fprintf(out, "Report written to %s\n", xlsxPath)
			}
			return err
		},
	}
	cmd.Flags().String("tenant", "", "Sweep a single tenant (default: every tenant)")
	cmd.Flags().String("xlsx", "", "Also write the report to this XLSX file (requires --tenant)")
	return cmd
}

func printReport(w io.Writer, rep *reconcile.Report) {
	fmt.Fprintf(w, "tenant %s: %d ward(s), %d admitted record(s), %d violation(s)\n",
		rep.TenantID, rep.Wards, rep.Admissions, len(rep.Violations))
	for _, v := range rep.Violations {
		fmt.Fprintf(w, "  [%s] %-28s ward=%s bed=%s patient=%s admission=%s %s\n",
			v.Severity, v.Kind, v.WardNumber, v.BedNumber, v.PatientID, v.AdmissionID, v.Message)
	}
}
