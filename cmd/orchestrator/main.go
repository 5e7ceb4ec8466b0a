// Command orchestrator runs the GPU worker auto-scaling control plane: it
// samples task demand, drives the worker lifecycle state machine, and
// spawns or terminates GPU pods against the configured cloud provider.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wan2gp/gpuctl/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "GPU worker auto-scaling control plane",
	Long: `orchestrator samples queued and in-progress tasks, decides how many
GPU workers should exist, and drives a cloud provider's pod API to spawn,
health-check, drain, and terminate them.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"orchestrator version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error, critical)")
	rootCmd.PersistentFlags().Bool("log-json", true, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(singleCmd)
	rootCmd.AddCommand(continuousCmd)
	rootCmd.AddCommand(reconcilePodsCmd)
	rootCmd.AddCommand(cleanupLogsCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
