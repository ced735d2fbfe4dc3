package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/nlgeodata/harvest-cli/internal/partition"
)

var partitionsCmd = &cobra.Command{
	Use:   "partitions",
	Short: "List partitions and their record counts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		store, err := partition.NewParquetStore(cfg.Harvest.PartitionDir)
		if err != nil {
			return err
		}

		keys, err := store.ListPartitions(ctx)
		if err != nil {
			return eris.Wrap(err, "list partitions")
		}
		if len(keys) == 0 {
			fmt.Fprintln(os.Stderr, "No partitions found.")
			return nil
		}
		sort.Strings(keys)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "PARTITION\tRECORDS")
		_, _ = fmt.Fprintln(w, "---------\t-------")
		total := 0
		for _, key := range keys {
			records, err := store.ReadPartition(ctx, key)
			if err != nil {
				return eris.Wrapf(err, "read partition %s", key)
			}
			total += len(records)
			_, _ = fmt.Fprintf(w, "%s\t%d\n", key, len(records))
		}
		_, _ = fmt.Fprintf(w, "total\t%d\n", total)
		_ = w.Flush()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(partitionsCmd)
}
