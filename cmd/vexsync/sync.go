package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/vexsync/vexsync/pkg/checkpoint"
	"github.com/vexsync/vexsync/pkg/connpool"
	"github.com/vexsync/vexsync/pkg/embedding"
	"github.com/vexsync/vexsync/pkg/logging"
	"github.com/vexsync/vexsync/pkg/metrics"
	"github.com/vexsync/vexsync/pkg/resolver"
	"github.com/vexsync/vexsync/pkg/retry"
	vsync "github.com/vexsync/vexsync/pkg/sync"
	"github.com/vexsync/vexsync/pkg/vectorstore"
)

func syncCmd(ctx context.Context, v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize a change stream into a collection",
		RunE: func(c *cobra.Command, args []string) error {
			if err := v.BindPFlags(c.Flags()); err != nil {
				return err
			}
			return runSync(ctx, v)
		},
	}

	cmd.Flags().String("collection", "", "Target collection name (required)")
	cmd.Flags().String("input", "-", "Change stream input path, or - for stdin")
	cmd.Flags().String("store-url", "http://localhost:8080", "Vector store base URL")
	cmd.Flags().String("embedding-url", "http://localhost:8081", "Embedding service base URL")
	cmd.Flags().Int("embedding-rps", 0, "Embedding requests per second (0 = unlimited)")
	cmd.Flags().Int("embedding-cache", 8192, "Embedding cache capacity (entries)")
	cmd.Flags().Int("batch-size", 64, "Items per batch")
	cmd.Flags().Int("workers", 4, "Worker count per batch")
	cmd.Flags().Int("pool-max-conns", 8, "Max pooled connections")
	cmd.Flags().Int("pool-max-conns-per-host", 4, "Max connections per remote endpoint")
	cmd.Flags().Duration("pool-borrow-timeout", 30*time.Second, "How long to wait for a pooled connection")
	cmd.Flags().Duration("request-timeout", 60*time.Second, "Per-request network timeout")
	cmd.Flags().Int64("max-content-size", 10*1024*1024, "Max bytes read for reference-tier content")
	cmd.Flags().Uint("retry-attempts", 0, "In-pass retries for transient per-item failures")
	cmd.Flags().Bool("dry-run", false, "Resolve and report without writing anything")
	cmd.Flags().Bool("metrics", false, "Dump collected metrics at run completion")

	_ = cmd.MarkFlagRequired("collection")

	return cmd
}

func runSync(ctx context.Context, v *viper.Viper) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, err := logging.Init(ctx,
		logging.WithLogLevel(v.GetString("log-level")),
		logging.WithLogFormat(v.GetString("log-format")),
		logging.WithOutputPaths(v.GetStringSlice("log-output")),
	)
	if err != nil {
		return err
	}

	input, cleanup, err := openInput(v.GetString("input"))
	if err != nil {
		return err
	}
	defer cleanup()

	store, err := checkpoint.NewStore(ctx, v.GetString("checkpoint-db"))
	if err != nil {
		return err
	}
	defer store.Close()

	pool := connpool.New(ctx, connpool.Config{
		MaxTotal:        v.GetInt("pool-max-conns"),
		MaxConnsPerHost: v.GetInt("pool-max-conns-per-host"),
		BorrowTimeout:   v.GetDuration("pool-borrow-timeout"),
		RequestTimeout:  v.GetDuration("request-timeout"),
	})
	defer pool.Close(ctx)

	target, err := vectorstore.NewClient(v.GetString("store-url"), pool)
	if err != nil {
		return err
	}

	embedClient, err := embedding.NewClient(v.GetString("embedding-url"), pool,
		embedding.WithRequestsPerSecond(v.GetInt("embedding-rps")))
	if err != nil {
		return err
	}
	embedder, err := embedding.NewCachingEmbedder(embedClient, v.GetInt("embedding-cache"))
	if err != nil {
		return err
	}
	defer embedder.Close()

	handler := metrics.NewNoopHandler()
	var reader *sdkmetric.ManualReader
	if v.GetBool("metrics") {
		reader = sdkmetric.NewManualReader()
		provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
		handler = metrics.NewOtelHandler(ctx, provider, "vexsync")
	}

	syncer := vsync.NewSyncer(
		store,
		target,
		embedder,
		resolver.New(resolver.WithMaxContentSize(v.GetInt64("max-content-size"))),
		pool,
		v.GetString("collection"),
		vsync.WithBatchSize(v.GetInt("batch-size")),
		vsync.WithWorkerCount(v.GetInt("workers")),
		vsync.WithDryRun(v.GetBool("dry-run")),
		vsync.WithRetryConfig(retry.Config{MaxAttempts: v.GetUint("retry-attempts")}),
		vsync.WithMetricsHandler(handler),
		vsync.WithProgressWriter(os.Stdout),
	)

	summary, err := syncer.Sync(ctx, input)
	if err != nil {
		return err
	}

	if reader != nil {
		if err := dumpMetrics(ctx, reader); err != nil {
			fmt.Fprintln(os.Stderr, "metrics export:", err.Error())
		}
	}

	if summary.Failed > 0 {
		return fmt.Errorf("%d items failed; re-run to retry them", summary.Failed)
	}
	return nil
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

func dumpMetrics(ctx context.Context, reader *sdkmetric.ManualReader) error {
	exporter, err := stdoutmetric.New(stdoutmetric.WithPrettyPrint())
	if err != nil {
		return err
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		return err
	}
	return exporter.Export(ctx, &rm)
}
