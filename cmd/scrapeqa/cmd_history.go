package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var historyLimit int

// historyCmd lists recorded runs, or the attempt log of one run
var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "Show recent runs or the attempts of one run",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of runs to list")
}

func runHistory(cmd *cobra.Command, args []string) error {
	if !cfg.Store.Enabled {
		return fmt.Errorf("run history is disabled (store.enabled: false)")
	}
	a, err := newApp(cmd.Context(), cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		run, err := a.store.GetRun(ctx, args[0])
		if err != nil {
			return err
		}
		attempts, err := a.store.GetAttempts(ctx, run.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Run %s: %s (%s)\n", run.ID, run.Status, run.Phase)
		fmt.Fprintf(out, "Question: %s\n", oneLine(run.Question, 100))
		if run.Message != "" {
			fmt.Fprintf(out, "Message: %s\n", run.Message)
		}
		if len(run.Answer) > 0 {
			fmt.Fprintf(out, "Answer: %s\n", oneLine(string(run.Answer), 200))
		}
		for _, at := range attempts {
			verdict := "fail"
			if at.Passed {
				verdict = "pass"
			}
			fmt.Fprintf(out, "\n[%s #%d] %s exit=%d killed=%v %dms\n", at.Phase, at.Index, verdict, at.ExitCode, at.Killed, at.DurationMs)
			for _, d := range at.Diagnostics {
				fmt.Fprintf(out, "  - %s\n", d)
			}
		}
		return nil
	}

	runs, err := a.store.ListRuns(ctx, historyLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPHASE\tATTEMPTS\tCREATED\tQUESTION")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			r.ID, r.Status, r.Phase, r.Attempts, r.CreatedAt.Local().Format(time.DateTime), oneLine(r.Question, 60))
	}
	return tw.Flush()
}

// oneLine collapses whitespace and truncates s to n runes.
func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) > n {
		return string(r[:n-3]) + "..."
	}
	return s
}
