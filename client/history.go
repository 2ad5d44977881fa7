package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/gammadia/towerlaunch/client/ui"
	"github.com/gammadia/towerlaunch/flags"
	"github.com/gammadia/towerlaunch/log"
	"github.com/gammadia/towerlaunch/state"
	"github.com/gammadia/towerlaunch/tower"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var historyCmd = &cobra.Command{
	Use:   "history [BATCH]",
	Short: "List past batches, or the runs of one batch",
	Args:  cobra.MaximumNArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := state.Open(viper.GetString(flags.StateDb))
		if err != nil {
			return err
		}
		defer store.Close()

		if len(args) == 0 {
			return printBatches(cmd.Context(), store, lo.Must(cmd.Flags().GetInt("max")), cmd.OutOrStdout())
		}

		b, err := store.FindBatch(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if lo.Must(cmd.Flags().GetBool("refresh")) {
			c, err := connect(cmd)
			if err != nil {
				return err
			}
			if err := refreshRuns(cmd.Context(), store, c, b.ID); err != nil {
				return err
			}
		}

		return printBatch(cmd.Context(), store, b, cmd.OutOrStdout())
	},
}

func init() {
	historyCmd.Flags().Int("max", 20, "maximum number of batches to list")
	historyCmd.Flags().BoolP("refresh", "r", false, "update the status of runs not done yet from Tower")
}

func printBatches(ctx context.Context, store *state.Store, limit int, w io.Writer) error {
	batches, err := store.ListBatches(ctx, limit)
	if err != nil {
		return err
	}

	for _, b := range batches {
		runs, err := store.ListRuns(ctx, b.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s  %s  %-24s  %-20s  %s\n",
			b.CreatedAt.Local().Format(time.DateTime), b.ID[:8], color.HiCyanString(b.Name), strings.Join(b.Stages, ","), runCounts(runs))
	}
	return nil
}

func printBatch(ctx context.Context, store *state.Store, b *state.Batch, w io.Writer) error {
	runs, err := store.ListRuns(ctx, b.ID)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%-12s %s (%s)\n", "Batch:", color.HiCyanString(b.Name), b.ID)
	fmt.Fprintf(w, "%-12s %s\n", "Datasets:", b.DatasetsFile)
	fmt.Fprintf(w, "%-12s %s\n", "Stages:", strings.Join(b.Stages, " → "))
	fmt.Fprintf(w, "%-12s %s\n", "Created:", b.CreatedAt.Local().Format(time.DateTime))
	fmt.Fprintln(w)
	for _, run := range runs {
		fmt.Fprintf(w, "%-20s  %-10s  %-14s  %-30s  %s\n", run.Dataset, run.Stage, run.RunID, run.RunName, ui.StatusString(run.Status))
	}
	return nil
}

// runCounts summarizes runs by status, e.g. "3 SUCCEEDED, 1 FAILED".
func runCounts(runs []state.Run) string {
	if len(runs) == 0 {
		return "no runs"
	}
	counts := map[tower.Status]int{}
	for _, run := range runs {
		counts[run.Status]++
	}
	var parts []string
	for _, status := range tower.Statuses {
		if counts[status] > 0 {
			parts = append(parts, ui.StatusColor(status).Sprintf("%d %s", counts[status], status))
		}
	}
	return strings.Join(parts, ", ")
}

type statusChecker interface {
	GetWorkflowStatus(ctx context.Context, id string) (tower.Status, bool, error)
}

// refreshRuns records the current status of the runs of a batch that were not done yet.
func refreshRuns(ctx context.Context, store *state.Store, c statusChecker, batchID string) error {
	runs, err := store.ListRuns(ctx, batchID)
	if err != nil {
		return err
	}

	for _, run := range runs {
		if run.Status.IsDone() {
			continue
		}
		status, _, err := c.GetWorkflowStatus(ctx, run.RunID)
		if err != nil {
			log.Warn("Failed to refresh run status", "run", run.RunID, "error", err)
			continue
		}
		if err := store.RecordStatus(ctx, run.RunID, status); err != nil {
			return err
		}
	}
	return nil
}
