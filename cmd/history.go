package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/VoxDroid/relkit/internal/db"
	"github.com/VoxDroid/relkit/internal/history"
)

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "Show recorded release runs",
	Long:  "List recent release runs, or show every track of one run given an id prefix.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dbConn, err := db.InitDB()
		if err != nil {
			return err
		}
		r := history.NewRepository(dbConn)
		defer func() { _ = r.Close() }()

		out := cmd.OutOrStdout()
		if len(args) == 1 {
			run, err := r.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s\t%s\t%s\t%s\tcommit %s\n", run.ID, run.Project, orDash(run.Version), outcome(run.Success), orDash(run.SourceCommit))
			for _, tr := range run.Tracks {
				fmt.Fprintf(out, "  %s\t%s\t%s\t%s\t%s\n", tr.Name, tr.Status, orDash(tr.Kind), orDash(tr.Artifact), tr.Duration.Round(time.Millisecond))
			}
			return nil
		}

		n, _ := cmd.Flags().GetInt("limit")
		runs, err := r.ListRuns(cmd.Context(), n)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(out, "no runs recorded")
			return nil
		}
		for _, run := range runs {
			fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%s\n",
				run.ID, run.StartedAt.Local().Format(time.DateTime), run.Project, orDash(run.Version), outcome(run.Success))
		}
		return nil
	},
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 20, "Number of runs to show (0 for all)")
	rootCmd.AddCommand(historyCmd)
}
