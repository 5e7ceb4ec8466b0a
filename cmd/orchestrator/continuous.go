package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wan2gp/gpuctl/internal/config"
	"github.com/wan2gp/gpuctl/pkg/log"
	"github.com/wan2gp/gpuctl/pkg/statusserver"
)

var continuousCmd = &cobra.Command{
	Use:   "continuous",
	Short: "Run the control loop forever, one cycle per poll interval",
	Long: `continuous loops the control cycle every ORCHESTRATOR_POLL_SEC until
interrupted. A cycle failure is logged and the loop continues at the next
tick; cycles never overlap.

Exit code 0 on SIGINT/SIGTERM after the log sink has been given a chance to
drain its queue, non-zero on a fatal initialisation failure.`,
	RunE: runContinuous,
}

func init() {
	continuousCmd.Flags().String("status-addr", "127.0.0.1:9090", "Address for the status/metrics HTTP server")
}

func runContinuous(cmd *cobra.Command, args []string) error {
	statusAddr, _ := cmd.Flags().GetString("status-addr")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	comps, err := buildComponents(cfg, "./orchestrator-logsink.db")
	if err != nil {
		return fmt.Errorf("build components: %w", err)
	}
	defer comps.sink.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.EnableDBLogging {
		if err := comps.sink.Start(ctx); err != nil {
			if cfg.DBLoggingRequired {
				return fmt.Errorf("start log sink: %w", err)
			}
			log.Logger.Warn().Err(err).Msg("log sink failed to start, continuing without it")
		}
	}
	comps.broker.Start()
	defer comps.broker.Stop()

	srv := statusserver.New(statusAddr, comps.driver, log.WithComponent("statusserver"))
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Logger.Error().Err(err).Msg("status server exited")
		}
	}()

	err = comps.driver.RunContinuous(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulShutdownTimeout())
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if cfg.EnableDBLogging {
		comps.sink.Stop(cfg.GracefulShutdownTimeout())
	}

	if err != nil && err != context.Canceled {
		return fmt.Errorf("control loop exited: %w", err)
	}
	return nil
}
