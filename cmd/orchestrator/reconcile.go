package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wan2gp/gpuctl/internal/config"
	"github.com/wan2gp/gpuctl/pkg/log"
)

var reconcilePodsCmd = &cobra.Command{
	Use:   "reconcile-pods",
	Short: "Cross-check cloud pods against tracked worker rows",
	Long: `reconcile-pods lists every pod the cloud provider reports and every
worker row the store tracks, and logs (never deletes) pods with no
matching worker row and worker rows with no matching pod.

This is an operator-triggered diagnostic outside the per-cycle hot path;
it never mutates cloud or store state on its own.`,
	RunE: runReconcilePods,
}

func runReconcilePods(cmd *cobra.Command, args []string) error {
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
	logger := log.WithComponent("reconcile-pods")

	pods, err := comps.cloud.ListPods(ctx)
	if err != nil {
		return fmt.Errorf("list pods: %w", err)
	}
	workers, err := comps.store.ListWorkers(ctx)
	if err != nil {
		return fmt.Errorf("list workers: %w", err)
	}

	podByID := make(map[string]bool, len(pods))
	for _, p := range pods {
		podByID[p.ID] = true
	}
	workerByPodID := make(map[string]string, len(workers))
	for _, w := range workers {
		if w.Metadata.RunpodID != "" {
			workerByPodID[w.Metadata.RunpodID] = w.ID
		}
	}

	orphanPods := 0
	for _, p := range pods {
		if _, tracked := workerByPodID[p.ID]; !tracked {
			logger.Warn().Str("pod_id", p.ID).Str("pod_state", string(p.State)).Msg("cloud pod has no matching worker row")
			orphanPods++
		}
	}

	danglingWorkers := 0
	for _, w := range workers {
		if w.Metadata.RunpodID == "" {
			continue
		}
		if !podByID[w.Metadata.RunpodID] {
			logger.Warn().Str("worker_id", w.ID).Str("pod_id", w.Metadata.RunpodID).Str("status", string(w.Status)).Msg("worker row has no matching cloud pod")
			danglingWorkers++
		}
	}

	fmt.Printf("reconcile-pods: %d pods, %d workers, %d pods with no worker, %d workers with no pod\n",
		len(pods), len(workers), orphanPods, danglingWorkers)
	return nil
}
