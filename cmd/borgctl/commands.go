package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"backup-orchestrator/internal/executor"
	"backup-orchestrator/internal/scheduler"
)

var repository string

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create a backup archive",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd, s.cfg.BackupTimeout)
		defer cancel()
		return report(cmd, s.exec.RunBackup(ctx, repository, ""))
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List archives in a repository",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd, s.cfg.CommandTimeout)
		defer cancel()
		res := s.exec.ListArchives(ctx, repository)
		if asJSON || !res.Success {
			return report(cmd, res)
		}
		archives, err := executor.ParseArchives(res.Stdout)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tTIME\tHOST")
		for _, a := range archives {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", a.Name, a.Time, a.Hostname)
		}
		return tw.Flush()
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify repository consistency",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd, s.cfg.CommandTimeout)
		defer cancel()
		return report(cmd, s.exec.CheckRepository(ctx, repository))
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Reclaim space in a repository",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd, s.cfg.CommandTimeout)
		defer cancel()
		return report(cmd, s.exec.CompactRepository(ctx, repository))
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of every configured repository",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd, s.cfg.CommandTimeout)
		defer cancel()
		rep, err := s.exec.GetRepositoryStatus(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tSTATUS\tARCHIVES\tLAST BACKUP\tSIZE")
		for _, r := range rep.Repositories {
			last := "-"
			if r.LastBackup != nil {
				last = *r.LastBackup
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", r.Name, r.Status, r.ArchiveCount, last, r.TotalSize)
		}
		return tw.Flush()
	},
}

var nextCount int

var cronCmd = &cobra.Command{
	Use:   "cron EXPRESSION",
	Short: "Describe a 5-field cron expression and print its next run times",
	Example: `  borgctl cron "0 2 * * *"
  borgctl cron -n 3 "*/15 * * * *"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runs, err := scheduler.NextRuns(args[0], time.Now(), nextCount)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, scheduler.Describe(args[0]))
		for _, t := range runs {
			fmt.Fprintln(out, t.Format(time.RFC3339))
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "borgctl %s (%s)\n", BuildVersion, BuildCommit)
	},
}

func init() {
	backupCmd.Flags().StringVarP(&repository, "repository", "r", "", "repository path (default: the configured repositories)")
	for _, c := range []*cobra.Command{listCmd, checkCmd, compactCmd} {
		c.Flags().StringVarP(&repository, "repository", "r", "", "repository path")
		_ = c.MarkFlagRequired("repository")
	}
	cronCmd.Flags().IntVarP(&nextCount, "count", "n", 5, "number of upcoming runs to print")
	rootCmd.AddCommand(backupCmd, listCmd, checkCmd, compactCmd, statusCmd, cronCmd, versionCmd)
}
