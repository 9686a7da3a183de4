package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"issuebot/internal/queue"
)

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Move every failed task back to pending",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := queue.NewFileQueue(cfg)
		if err != nil {
			return err
		}
		n := q.RetryAllFailed(cmd.Context())
		if n == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), color.New(color.FgHiBlack).Sprint("No failed tasks to retry"))
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %d task(s) returned to pending\n", color.New(color.FgGreen).Sprint("✓"), n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(retryCmd)
}
