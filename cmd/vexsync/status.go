package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vexsync/vexsync/pkg/checkpoint"
	"github.com/vexsync/vexsync/pkg/logging"
)

func statusCmd(ctx context.Context, v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show open runs and their per-line progress",
		RunE: func(c *cobra.Command, args []string) error {
			if err := v.BindPFlags(c.Flags()); err != nil {
				return err
			}
			return runStatus(ctx, v)
		},
	}

	cmd.Flags().String("collection", "", "Limit the report to one collection")

	return cmd
}

func runStatus(ctx context.Context, v *viper.Viper) error {
	ctx, err := logging.Init(ctx,
		logging.WithLogLevel(v.GetString("log-level")),
		logging.WithLogFormat(v.GetString("log-format")),
		logging.WithOutputPaths(v.GetStringSlice("log-output")),
	)
	if err != nil {
		return err
	}

	store, err := checkpoint.NewStore(ctx, v.GetString("checkpoint-db"))
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(ctx, v.GetString("collection"))
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("no open runs")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tCOLLECTION\tSTATUS\tSTARTED\tSUCCESS\tFAILED\tSKIPPED\tPENDING")
	for _, run := range runs {
		counts, err := store.Counts(ctx, run.RunID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
			run.RunID,
			run.Collection,
			run.Status,
			run.StartedAt.Format("2006-01-02 15:04:05"),
			counts.Success,
			counts.Failed,
			counts.Skipped,
			counts.Pending,
		)
	}
	return w.Flush()
}
