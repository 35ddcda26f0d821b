package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"text/tabwriter"

	"PerpAMM/internal/observability"
	"PerpAMM/internal/persistence"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

var (
	dsn           string
	migrationsDir string
)

var rootCmd = &cobra.Command{
	Use:          "migrate",
	Short:        "Applies and rolls back the PerpAMM schema migrations",
	SilenceUsage: true,
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withMigrator(cmd.Context(), func(m *persistence.Migrator) error {
			n, err := m.Up(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("applied %d migration(s)\n", n)
			return nil
		})
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the last applied migration",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withMigrator(cmd.Context(), func(m *persistence.Migrator) error {
			rolledBack, err := m.Down(cmd.Context())
			if err != nil {
				return err
			}
			if !rolledBack {
				fmt.Println("nothing to roll back")
				return nil
			}
			fmt.Println("rolled back the last migration")
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List migrations and when they were applied",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withMigrator(cmd.Context(), func(m *persistence.Migrator) error {
			statuses, err := m.Status(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tFILE\tAPPLIED")
			for _, st := range statuses {
				applied := "pending"
				if st.AppliedAt != nil {
					applied = st.AppliedAt.Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", st.Version, st.Filename, applied)
			}
			return w.Flush()
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", envOrDefault("PERPAMM_POSTGRES_DSN", "postgres://localhost:5432/perpamm?sslmode=disable"), "Postgres connection string")
	rootCmd.PersistentFlags().StringVar(&migrationsDir, "dir", envOrDefault("PERPAMM_MIGRATIONS_DIR", "migrations"), "migrations directory")
	rootCmd.AddCommand(upCmd, downCmd, statusCmd)
}

func withMigrator(ctx context.Context, fn func(*persistence.Migrator) error) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}
	return fn(persistence.NewMigrator(db, migrationsDir, observability.NewLogger("migrate")))
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
