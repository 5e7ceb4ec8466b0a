package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wan2gp/gpuctl/internal/config"
)

const defaultLogRetention = 48 * time.Hour

var cleanupLogsCmd = &cobra.Command{
	Use:   "cleanup-logs",
	Short: "Delete log records past the retention window",
	Long: `cleanup-logs calls the store's cleanup_old_logs RPC to delete
system_logs rows older than the retention window (default 48 hours).
Intended to be invoked out-of-band (e.g. a periodic job), never from the
per-cycle hot path.`,
	RunE: runCleanupLogs,
}

func init() {
	cleanupLogsCmd.Flags().Duration("older-than", defaultLogRetention, "Delete log records older than this duration")
}

func runCleanupLogs(cmd *cobra.Command, args []string) error {
	olderThan, _ := cmd.Flags().GetDuration("older-than")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	comps, err := buildComponents(cfg, "./orchestrator-logsink.db")
	if err != nil {
		return fmt.Errorf("build components: %w", err)
	}
	defer comps.sink.Close()

	deleted, err := comps.store.CleanupOldLogs(context.Background(), olderThan)
	if err != nil {
		return fmt.Errorf("cleanup old logs: %w", err)
	}

	fmt.Printf("cleanup-logs: deleted %d log records older than %s\n", deleted, olderThan)
	return nil
}
