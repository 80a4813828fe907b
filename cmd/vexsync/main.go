package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "dev"

func main() {
	ctx := context.Background()

	cmd := &cobra.Command{
		Use:     "vexsync",
		Short:   "vexsync synchronizes file-change streams into a vector store collection",
		Version: version,
	}

	cmd.PersistentFlags().String("checkpoint-db", "vexsync-checkpoint.db", "Path to the checkpoint database")
	cmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", "json", "Log format (json, console)")
	cmd.PersistentFlags().StringSlice("log-output", []string{"stderr"}, "Log output paths")

	v := viper.New()
	v.SetEnvPrefix("vexsync")
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.PersistentFlags()); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	cmd.AddCommand(syncCmd(ctx, v))
	cmd.AddCommand(statusCmd(ctx, v))
	cmd.AddCommand(resetCmd(ctx, v))

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
