package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-extras/cobraflags"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"clinicdash.org/internal/config"
	"clinicdash.org/internal/migrate"
	"clinicdash.org/internal/obs"
)

const (
	configFlag     = "config"
	dsnFlag        = "dsn"
	migrationsFlag = "migrations"
	seedsFlag      = "seeds"
)

var flags = map[string]cobraflags.Flag{
	configFlag: &cobraflags.StringFlag{
		Name:  configFlag,
		Value: "",
		Usage: "Path to the configuration file (defaults to ./clinicdash.yaml)",
	},
	dsnFlag: &cobraflags.StringFlag{
		Name:  dsnFlag,
		Value: "",
		Usage: "PostgreSQL DSN (overrides database.dsn)",
	},
	migrationsFlag: &cobraflags.StringFlag{
		Name:  migrationsFlag,
		Value: "",
		Usage: "Directory of *.up.sql/*.down.sql files (defaults to the embedded set)",
	},
	seedsFlag: &cobraflags.StringFlag{
		Name:  seedsFlag,
		Value: "",
		Usage: "Directory of seed *.sql files (defaults to the embedded set)",
	},
}

func main() {
	root := &cobra.Command{
		Use:          "clinicdash-migrate",
		Short:        "Apply clinicdash schema migrations and seeds",
		SilenceUsage: true,
	}
	root.AddCommand(
		command("up", "Apply pending migrations", func(ctx context.Context, m *migrate.Manager) error {
			applied, err := m.Up(ctx)
			for _, name := range applied {
				fmt.Println("applied", name)
			}
			if err == nil && len(applied) == 0 {
				fmt.Println("schema is up to date")
			}
			return err
		}),
		command("down", "Roll back the most recent migration", func(ctx context.Context, m *migrate.Manager) error {
			name, err := m.Down(ctx)
			if err == nil {
				fmt.Println("rolled back", name)
			}
			return err
		}),
		command("status", "List applied migrations", func(ctx context.Context, m *migrate.Manager) error {
			history, err := m.Status(ctx)
			for _, name := range history {
				fmt.Println(name)
			}
			return err
		}),
		command("seed", "Apply pending seed files", func(ctx context.Context, m *migrate.Manager) error {
			applied, err := m.Seed(ctx)
			for _, name := range applied {
				fmt.Println("seeded", name)
			}
			return err
		}),
	)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func command(use, short string, fn func(context.Context, *migrate.Manager) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			m, closeDB, err := manager()
			if err != nil {
				return err
			}
			defer closeDB()
			if err := fn(ctx, m); err != nil {
				return fmt.Errorf("migrate %s: %w", use, err)
			}
			return nil
		},
	}
	cobraflags.RegisterMap(cmd, flags)
	return cmd
}

func manager() (*migrate.Manager, func(), error) {
	cfg, err := config.Load(flags[configFlag].GetString())
	if err != nil {
		return nil, nil, err
	}
	obs.SetLevel(cfg.Log.Level)

	dsn := flags[dsnFlag].GetString()
	if dsn == "" {
		dsn = cfg.Database.DSN
	}
	if dsn == "" {
		return nil, nil, errors.New("missing DSN: provide --dsn or CLINICDASH_DATABASE_DSN")
	}

	migrations, seeds := migrate.Migrations(), migrate.Seeds()
	if dir := flags[migrationsFlag].GetString(); dir != "" {
		migrations = os.DirFS(dir)
	}
	if dir := flags[seedsFlag].GetString(); dir != "" {
		seeds = os.DirFS(dir)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open db: %w", err)
	}
	return migrate.NewManager(db, migrations, seeds), func() { _ = db.Close() }, nil
}
