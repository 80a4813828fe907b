package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vexsync/vexsync/pkg/checkpoint"
	"github.com/vexsync/vexsync/pkg/logging"
)

func resetCmd(ctx context.Context, v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Discard checkpoint state for a collection",
		Long: `Reset discards all runs and line records for a collection, so the next
sync starts from the beginning of the stream instead of resuming.`,
		RunE: func(c *cobra.Command, args []string) error {
			if err := v.BindPFlags(c.Flags()); err != nil {
				return err
			}
			return runReset(ctx, v)
		},
	}

	cmd.Flags().String("collection", "", "Collection to reset (required)")
	_ = cmd.MarkFlagRequired("collection")

	return cmd
}

func runReset(ctx context.Context, v *viper.Viper) error {
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

	collection := v.GetString("collection")
	if err := store.Reset(ctx, collection); err != nil {
		return err
	}

	fmt.Printf("checkpoint state for %q cleared\n", collection)
	return nil
}
