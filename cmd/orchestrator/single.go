package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wan2gp/gpuctl/internal/config"
)

var singleCmd = &cobra.Command{
	Use:   "single",
	Short: "Run exactly one control-loop cycle and exit",
	Long: `single samples task demand, advances every worker's lifecycle state,
evaluates the scaling plan, and executes at most one round of spawns or
drains, then prints the cycle summary as JSON and exits.

Exit code 0 on a completed cycle (even one that decided to do nothing),
non-zero on a fatal initialisation failure (bad config, log sink that
could not start with DB_LOGGING_REQUIRED set).`,
	RunE: runSingle,
}

func runSingle(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	comps, err := buildComponents(cfg, "./orchestrator-logsink.db")
	if err != nil {
		return fmt.Errorf("build components: %w", err)
	}
	defer comps.sink.Close()

	ctx := context.Background()
	if cfg.EnableDBLogging {
		if err := comps.sink.Start(ctx); err != nil {
			if cfg.DBLoggingRequired {
				return fmt.Errorf("start log sink: %w", err)
			}
			fmt.Fprintf(os.Stderr, "warning: log sink failed to start: %v\n", err)
		}
	}
	comps.broker.Start()
	defer comps.broker.Stop()

	record, err := comps.driver.RunSingle(ctx)
	if err != nil {
		return fmt.Errorf("cycle failed: %w", err)
	}

	if cfg.EnableDBLogging {
		comps.sink.Stop(cfg.GracefulShutdownTimeout())
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(record)
}
