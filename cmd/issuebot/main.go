package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"issuebot/internal/config"
	"issuebot/internal/logging"
)

var cfg config.Config

var rootCmd = &cobra.Command{
	Use:   "issuebot",
	Short: "Answer newly opened GitHub issues with LLM-generated comments",
	Long: `issuebot ingests "issue opened" events by webhook or by polling,
queues them on disk, and posts an answer from the search service as a
comment on each issue.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
		slog.SetDefault(logging.NewLogger(cfg.LogLevel, cfg.LogFormat, "issuebot"))
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
