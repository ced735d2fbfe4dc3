package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/nlgeodata/harvest-cli/internal/checkpoint"
	"github.com/nlgeodata/harvest-cli/internal/model"
	"github.com/nlgeodata/harvest-cli/internal/runlog"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show checkpoint progress and the last recorded run",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		h := cfg.Harvest

		state, err := checkpoint.NewManager(h.CheckpointPath).Load()
		if err != nil {
			return eris.Wrap(err, "load checkpoint")
		}

		// The file's presence is the resume signal, not the key count: an
		// interrupted run can leave a saved state with zero completed items.
		_, statErr := os.Stat(h.CheckpointPath)
		formatCheckpoint(os.Stdout, h.CheckpointPath, statErr == nil, state, h.FlushSize)

		runs, err := initRunlog(ctx, cfg.Runlog)
		if err != nil || runs == nil {
			return err
		}
		defer runs.Close() //nolint:errcheck

		last, err := runs.Last(ctx, h.Dataset)
		if err != nil {
			return eris.Wrap(err, "read run log")
		}
		if last == nil {
			fmt.Fprintf(os.Stdout, "\nNo recorded runs for %s.\n", h.Dataset)
			return nil
		}
		fmt.Fprintln(os.Stdout)
		formatRun(os.Stdout, *last)
		return nil
	},
}

func formatCheckpoint(out io.Writer, path string, exists bool, state *model.CheckpointState, flushSize int) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if !exists {
		_, _ = fmt.Fprintf(w, "Checkpoint:\tnone (next run starts fresh)\n")
	} else {
		_, _ = fmt.Fprintf(w, "Checkpoint:\t%s\n", path)
		_, _ = fmt.Fprintf(w, "Completed items:\t%d\n", len(state.CompletedKeys))
		_, _ = fmt.Fprintf(w, "  Succeeded:\t%d\n", state.TotalSuccess)
		_, _ = fmt.Fprintf(w, "  Failed:\t%d\n", state.TotalFailed)
		_, _ = fmt.Fprintf(w, "  Not found:\t%d\n", state.TotalNotFound)
		_, _ = fmt.Fprintf(w, "Last saved:\t%s\n", state.UpdatedAt.Format(time.RFC3339))
	}
	_, _ = fmt.Fprintf(w, "Loss window:\tat most %d items\n", flushSize)
	_ = w.Flush()
}

func formatRun(out io.Writer, e runlog.Entry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Last run:\t%s\n", truncateID(e.ID))
	_, _ = fmt.Fprintf(w, "Dataset:\t%s\n", e.Dataset)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", e.Status)
	_, _ = fmt.Fprintf(w, "Started:\t%s\n", e.StartedAt.Format("2006-01-02 15:04"))
	if e.CompletedAt != nil {
		dur := e.CompletedAt.Sub(e.StartedAt).Round(time.Second)
		_, _ = fmt.Fprintf(w, "Finished:\t%s (%s)\n", e.CompletedAt.Format("2006-01-02 15:04"), dur)
	}
	_, _ = fmt.Fprintf(w, "Succeeded:\t%d\n", e.ItemsSucceeded)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", e.ItemsFailed)
	if e.Error != "" {
		_, _ = fmt.Fprintf(w, "Error:\t%s\n", e.Error)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
