package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/memlens/internal/cron"
	"github.com/nextlevelbuilder/memlens/internal/store"
)

// registerMaintenanceJobs binds the built-in jobs to a's indexer and store.
// Schedules come from the maintenance config section; an empty expression
// leaves the job runnable by hand only.
func registerMaintenanceJobs(cs *cron.Service, a *app) error {
	m := a.cfg.MaintenanceSettings()

	if err := cs.Register(cron.JobBackfill, m.BackfillCron, func(ctx context.Context) (string, error) {
		rep, err := a.indexer.Backfill(ctx)
		if errors.Is(err, store.ErrEmbeddingDisabled) {
			return "embedding disabled", nil
		}
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("attempted=%d embedded=%d failed=%d", rep.Attempted, rep.Embedded, rep.Failed), nil
	}); err != nil {
		return err
	}

	if err := cs.Register(cron.JobCheck, m.CheckCron, func(ctx context.Context) (string, error) {
		rep, err := a.indexer.Check(ctx, true)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("text=%d vectors=%d orphans=%d/%d pending=%d repaired=%t",
			rep.TextEntries, rep.VectorEntries, len(rep.TextOrphans), len(rep.VectorOrphans), rep.Pending, rep.Repaired), nil
	}); err != nil {
		return err
	}

	return cs.Register(cron.JobRetention, m.RetentionCron, func(ctx context.Context) (string, error) {
		days := a.cfg.MaintenanceSettings().RetentionDays
		if days <= 0 {
			return "retention_days not set", nil
		}
		st, err := a.db.DeleteOlderThan(ctx, time.Now().AddDate(0, 0, -days), false)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("removed=%d cutoff=%s", st.Records, st.Cutoff.Format(time.DateTime)), nil
	})
}

func maintenanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maintenance",
		Short: "Inspect and run scheduled maintenance jobs",
	}
	cmd.AddCommand(maintenanceListCmd())
	cmd.AddCommand(maintenanceRunCmd())
	return cmd
}

func maintenanceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List maintenance jobs and their last run",
		Run: func(cmd *cobra.Command, args []string) {
			a, done := mustApp(cmd.Context())
			defer done()

			cs := cron.NewService(a.cronStatePath())
			if err := registerMaintenanceJobs(cs, a); err != nil {
				exitErr(err)
			}
			printJobs(cs.ListJobs())
		},
	}
}

func maintenanceRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "run [backfill|check|retention]",
		Short:     "Run a maintenance job now",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{cron.JobBackfill, cron.JobCheck, cron.JobRetention},
		Run: func(cmd *cobra.Command, args []string) {
			a, done := mustApp(cmd.Context())
			defer done()

			cs := cron.NewService(a.cronStatePath())
			if err := registerMaintenanceJobs(cs, a); err != nil {
				exitErr(err)
			}
			_, summary, err := cs.RunJob(cmd.Context(), args[0], true)
			if err != nil {
				exitErr(err)
			}
			fmt.Printf("%s %s: %s\n", okStyle.Render("✓"), args[0], summary)
		},
	}
}

func printJobs(jobs []cron.Job) {
	if jsonOut {
		printJSON(jobs)
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "NAME\tSCHEDULE\tLAST RUN\tSTATUS\tNEXT RUN\tRUNS\n")
	for _, j := range jobs {
		schedule := j.Expr
		if schedule == "" {
			schedule = "manual"
		}
		lastRun, next := "never", "-"
		if j.State.LastRunAtMS != nil {
			lastRun = time.UnixMilli(*j.State.LastRunAtMS).Format(time.DateTime)
		}
		if j.State.NextRunAtMS != nil {
			next = time.UnixMilli(*j.State.NextRunAtMS).Format(time.DateTime)
		}
		status := j.State.LastStatus
		if j.State.LastError != "" {
			status += ": " + truncate(j.State.LastError, 40)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n", j.Name, schedule, lastRun, status, next, j.State.Runs)
	}
	tw.Flush()
}
