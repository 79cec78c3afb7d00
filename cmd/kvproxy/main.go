package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/eigerco/kvclient/pkg/db"
	"github.com/eigerco/kvclient/pkg/db/pebble"
	"github.com/eigerco/kvclient/pkg/devproxy"
	"github.com/eigerco/kvclient/pkg/log"
	"github.com/eigerco/kvclient/pkg/transport"
)

type flags struct {
	listen      string
	dataDir     string
	tables      string
	storeName   string
	batchSize   uint32
	metricsAddr string
	logLevel    string
	logFormat   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:           "kvproxy",
		Short:         "Development proxy serving the key-value wire protocol from a local store",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVar(&f.listen, "listen", "unix:///tmp/kvproxy.sock", "address to serve on (unix://, tcp:// or quic://)")
	cmd.Flags().StringVar(&f.dataDir, "data-dir", "", "pebble directory; the store is kept in memory when empty")
	cmd.Flags().StringVar(&f.tables, "tables", "", "YAML file declaring the tables")
	cmd.Flags().StringVar(&f.storeName, "store", "", "store name expected on verify, overrides the tables file")
	cmd.Flags().Uint32Var(&f.batchSize, "batch-size", 0, "rows per iterator page, overrides the tables file")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address when set")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "info", "log level")
	cmd.Flags().StringVar(&f.logFormat, "log-format", "console", "log format (console or json)")
	return cmd
}

func run(ctx context.Context, f *flags) error {
	level, err := log.ParseLogLevel(f.logLevel)
	if err != nil {
		return err
	}
	format, err := log.ParseLoggerType(f.logFormat)
	if err != nil {
		return err
	}
	log.Init(log.Options{LogLevel: level, Type: format})

	cfg := devproxy.Config{StoreName: "kvstore", BatchSize: 100}
	if f.tables != "" {
		if cfg, err = devproxy.LoadConfig(f.tables); err != nil {
			return err
		}
	}
	if f.storeName != "" {
		cfg.StoreName = f.storeName
	}
	if f.batchSize > 0 {
		cfg.BatchSize = f.batchSize
	}

	store, err := openStore(f.dataDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Root.Error().Err(err).Msg("error closing database")
		}
	}()

	srv, err := devproxy.New(store, cfg)
	if err != nil {
		return err
	}
	l, err := transport.Listen(f.listen, transport.Options{})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if f.metricsAddr != "" {
		metrics := newMetricsServer(f.metricsAddr)
		go func() {
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Root.Error().Err(err).Msg("metrics server failed")
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metrics.Shutdown(sctx)
		}()
	}

	return srv.Serve(ctx, l)
}

func openStore(dir string) (db.KVStore, error) {
	if dir == "" {
		return pebble.NewKVStore()
	}
	return pebble.Open(dir)
}

func newMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
