package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"issuebot/internal/queue"
)

var showFailed bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pending, completed and failed task counts",
	Long:  `Read the queue directories and print how many tasks each store holds.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		q, err := queue.NewFileQueue(cfg)
		if err != nil {
			return err
		}
		st := q.Status(ctx)

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "\n%s\n\n", cyan("=== issuebot queue ==="))
		fmt.Fprintf(out, "  Mode:      %s\n", cfg.SystemMode)
		fmt.Fprintf(out, "  Queue dir: %s\n\n", gray(cfg.QueueDir))
		fmt.Fprintf(out, "  %s %d\n", yellow("Pending:  "), st.PendingTasks)
		fmt.Fprintf(out, "  %s %d\n", green("Completed:"), st.CompletedTasks)
		fmt.Fprintf(out, "  %s %d\n", red("Failed:   "), st.FailedTasks)

		if showFailed && st.FailedTasks > 0 {
			failed, err := q.ListFailed(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\n%s\n", yellow("Failed tasks:"))
			for _, f := range failed {
				fmt.Fprintf(out, "  %s %s\n", red("✗"), f.TaskID)
				fmt.Fprintf(out, "    %s (%s)\n", f.Error, gray(f.Timestamp.Format("2006-01-02 15:04:05")))
			}
		}
		fmt.Fprintln(out)
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&showFailed, "failed", false, "list failed tasks with their errors")
	rootCmd.AddCommand(statusCmd)
}
