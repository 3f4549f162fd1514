// Command aof-server runs an in-memory key/value store fronted by a
// RESP-like textual protocol, backed by the append-only persistence
// subsystem in github.com/epokhe/aofkit/aof.
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/epokhe/aofkit/aof"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "aof-server",
		Short: "In-memory key/value store with append-only-file persistence",
		RunE:  run,
	}

	flags := cmd.Flags()
	flags.String("dir", "appendonlydir", "append-only persistence directory")
	flags.String("addr", ":6380", "RESP listen address")
	flags.String("admin-addr", ":6381", "admin RPC listen address")
	flags.String("metrics-addr", ":9100", "Prometheus metrics listen address")
	flags.String("fsync", "everysec", "fsync policy: always|everysec|no")
	flags.Bool("allow-truncated-load", false, "tolerate a truncated tail segment at startup")
	flags.Bool("no-fsync-on-rewrite", false, "skip fsync while a background rewrite is running, even under always")
	flags.Int("rewrite-growth-percent", 100, "trigger an automatic rewrite once the AOF has grown this percent since the last one")
	flags.Int64("rewrite-min-size-mb", 64, "floor, in MB, below which automatic rewrite never triggers")
	flags.String("rewrite-schedule", "@every 1m", "cron schedule for the automatic-rewrite threshold check")
	flags.String("log-file", "", "log file path (empty logs to stderr)")

	_ = viper.BindPFlags(flags)
	viper.SetEnvPrefix("AOFSERVER")
	viper.AutomaticEnv()

	return cmd
}

func run(cmd *cobra.Command, _ []string) error {
	logger := buildLogger(viper.GetString("log-file"))
	defer logger.Sync() // nolint:errcheck

	a, err := aof.Open(viper.GetString("dir"),
		aof.WithFsyncPolicy(parseFsyncPolicy(viper.GetString("fsync"))),
		aof.WithAllowTruncatedLoad(viper.GetBool("allow-truncated-load")),
		aof.WithNoFsyncOnRewrite(viper.GetBool("no-fsync-on-rewrite")),
		aof.WithRewriteGrowthPercent(viper.GetInt("rewrite-growth-percent")),
		aof.WithRewriteMinSize(viper.GetInt64("rewrite-min-size-mb")*1024*1024),
		aof.WithLogger(logger),
		aof.WithMetricsRegisterer(prometheus.DefaultRegisterer),
	)
	if err != nil {
		return fmt.Errorf("open aof: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close aof", zap.Error(err))
		}
	}()

	store := aof.NewMemStore()
	loadResult, err := a.Load(store)
	if err != nil {
		return fmt.Errorf("load aof: %w", err)
	}
	logger.Info("aof loaded", zap.String("result", loadResult.String()))

	metricsSrv := startMetricsServer(viper.GetString("metrics-addr"), logger)
	defer metricsSrv.Close() // nolint:errcheck

	adminCloser, err := startAdminRPC(a, store, viper.GetString("admin-addr"), logger)
	if err != nil {
		return fmt.Errorf("start admin rpc: %w", err)
	}
	defer adminCloser() // nolint:errcheck

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(viper.GetString("rewrite-schedule"), func() {
		triggered, err := a.MaybeAutoRewrite(store.Snapshot())
		if err != nil {
			logger.Warn("automatic rewrite failed", zap.Error(err))
			return
		}
		if triggered {
			logger.Info("automatic rewrite triggered")
		}
	}); err != nil {
		return fmt.Errorf("schedule automatic rewrite: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	listener, err := net.Listen("tcp", viper.GetString("addr"))
	if err != nil {
		return fmt.Errorf("listen %s: %w", viper.GetString("addr"), err)
	}
	defer listener.Close() // nolint:errcheck
	logger.Info("aof-server listening", zap.String("addr", viper.GetString("addr")))

	srv := &respServer{aof: a, store: store, logger: logger}
	go srv.acceptLoop(listener)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))

	return nil
}

func buildLogger(path string) *zap.Logger {
	if path == "" {
		l, _ := zap.NewProduction()
		return l
	}
	writer := zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // MB
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	})
	core := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), writer, zap.InfoLevel)
	return zap.New(core)
}

func startMetricsServer(addr string, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	return srv
}

func parseFsyncPolicy(s string) aof.FsyncPolicy {
	switch s {
	case "always":
		return aof.FsyncAlways
	case "no":
		return aof.FsyncNever
	default:
		return aof.FsyncEverySec
	}
}
