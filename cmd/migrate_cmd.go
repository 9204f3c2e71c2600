package cmd

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/memlens/internal/store/sqlite"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the record store schema",
		Long: `The server and every command apply pending migrations when they open the
database. These subcommands exist for inspection and for rolling back.`,
	}
	cmd.AddCommand(migrateUpCmd())
	cmd.AddCommand(migrateDownCmd())
	cmd.AddCommand(migrateVersionCmd())
	return cmd
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, done := mustLoadConfig()
			defer done()

			v, err := sqlite.MigrateUp(cfg.DatabasePath())
			if err != nil {
				exitErr(err)
			}
			fmt.Printf("%s schema at version %d\n", okStyle.Render("✓"), v)
		},
	}
}

func migrateDownCmd() *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Run: func(cmd *cobra.Command, args []string) {
			if steps <= 0 {
				exitErr(fmt.Errorf("--steps must be positive"))
			}
			cfg, done := mustLoadConfig()
			defer done()

			m, err := sqlite.NewMigrator(cfg.DatabasePath())
			if err != nil {
				exitErr(err)
			}
			defer m.Close()
			if err := m.Steps(-steps); err != nil {
				exitErr(err)
			}
			v, _, err := m.Version()
			if errors.Is(err, migrate.ErrNilVersion) {
				fmt.Printf("%s all migrations rolled back\n", warnStyle.Render("!"))
				return
			}
			if err != nil {
				exitErr(err)
			}
			fmt.Printf("%s schema at version %d\n", okStyle.Render("✓"), v)
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")
	return cmd
}

func migrateVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, done := mustLoadConfig()
			defer done()

			m, err := sqlite.NewMigrator(cfg.DatabasePath())
			if err != nil {
				exitErr(err)
			}
			defer m.Close()
			v, dirty, err := m.Version()
			if errors.Is(err, migrate.ErrNilVersion) {
				fmt.Println("no migrations applied")
				return
			}
			if err != nil {
				exitErr(err)
			}
			if jsonOut {
				printJSON(map[string]any{"version": v, "dirty": dirty})
				return
			}
			fmt.Printf("version %d", v)
			if dirty {
				fmt.Print(errStyle.Render(" (dirty)"))
			}
			fmt.Println()
		},
	}
}
