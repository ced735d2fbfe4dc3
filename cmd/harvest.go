package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nlgeodata/harvest-cli/internal/checkpoint"
	"github.com/nlgeodata/harvest-cli/internal/fetcher"
	"github.com/nlgeodata/harvest-cli/internal/harvest"
	"github.com/nlgeodata/harvest-cli/internal/partition"
	"github.com/nlgeodata/harvest-cli/internal/progress"
	"github.com/nlgeodata/harvest-cli/internal/resilience"
	"github.com/nlgeodata/harvest-cli/internal/worklist"
)

var (
	harvestWorklist string
	harvestFresh    bool
)

var harvestCmd = &cobra.Command{
	Use:   "harvest",
	Short: "Run a harvest job over a work list",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if harvestWorklist != "" {
			cfg.Harvest.Worklist = harvestWorklist
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		h := cfg.Harvest

		items, err := worklist.Load(h.Worklist)
		if err != nil {
			return eris.Wrap(err, "load work list")
		}

		f, err := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
			URLTemplate: h.URLTemplate,
			UserAgent:   h.UserAgent,
			Timeout:     h.Timeout(),
		})
		if err != nil {
			return err
		}

		store, err := partition.NewParquetStore(h.PartitionDir)
		if err != nil {
			return err
		}
		merger := partition.NewMerger(store, partition.MergerOptions{Dedup: h.Dedup})

		ckpt := checkpoint.NewManager(h.CheckpointPath)
		if harvestFresh || !h.Resume {
			if err := ckpt.Remove(); err != nil {
				return eris.Wrap(err, "discard checkpoint")
			}
		}

		runs, err := initRunlog(ctx, cfg.Runlog)
		if err != nil {
			return eris.Wrap(err, "open run log")
		}
		if runs != nil {
			defer runs.Close() //nolint:errcheck
		}

		var metrics *progress.Metrics
		if cfg.Metrics.Enabled {
			metrics = progress.NewMetrics()
			go func() {
				if err := metrics.Serve(ctx, cfg.Metrics.Port); err != nil {
					zap.L().Warn("metrics listener stopped", zap.Error(err))
				}
			}()
		}

		limiter := resilience.NewLimiter(resilience.LimiterConfig{
			RPS:          h.RPS,
			Burst:        h.Burst,
			CooldownBase: h.CooldownBase(),
			CooldownMax:  h.CooldownMax(),
		})

		engine := harvest.New(harvest.Config{
			Dataset:    h.Dataset,
			FlushSize:  h.FlushSize,
			MaxRetries: h.MaxRetries,
			RetryDelay: h.RetryDelay(),
			MaxRequeue: h.MaxRequeue,
			Workers:    h.Workers,
		}, f, limiter, merger, ckpt, runs, metrics, h.ReportEvery)

		summary, err := engine.Run(ctx, items)
		if err != nil {
			return eris.Wrap(err, "harvest run")
		}

		// A finished run leaves no checkpoint behind; the partitions are the
		// durable output.
		if err := ckpt.Remove(); err != nil {
			zap.L().Warn("failed to remove checkpoint", zap.Error(err))
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	},
}

func init() {
	harvestCmd.Flags().StringVar(&harvestWorklist, "worklist", "", "work list path (CSV or YAML manifest); overrides config")
	harvestCmd.Flags().BoolVar(&harvestFresh, "fresh", false, "discard any existing checkpoint and start over")
	rootCmd.AddCommand(harvestCmd)
}
