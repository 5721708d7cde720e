// Command rfs lists, copies and manages files on FTP servers and S3 object
// stores.
//
// Usage:
//
//	rfs [global flags] <command> [flags] <url> [args]
//
// Commands are ls, get, put, rm, mkdir, mv, url and tz. Global flags default
// to the RFS_* environment variables.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/dustin/go-humanize"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/gonzalop/remotefs/internal/config"
	"github.com/gonzalop/remotefs/internal/logging"
	"github.com/gonzalop/remotefs/internal/metrics"
)

var logLevel = flag.String("log-level", "info", "log level: debug, info, warn or error")
var logFormat = flag.String("log-format", "console", "log format: console or json")
var metricsAddr = flag.String("metrics-addr", "", "serve Prometheus metrics on this address")
var endpoint = flag.String("endpoint", "", "endpoint URL of an S3 compatible store")
var region = flag.String("region", "us-east-1", "S3 region")
var pathStyle = flag.Bool("path-style", false, "use path style S3 addressing")
var threshold = flag.String("multipart-threshold", "100MiB", "uploads from this size are split into parts")
var partSize = flag.String("part-size", "5MiB", "minimum size of an upload part")
var concurrency = flag.Int("concurrency", config.DefaultConcurrency, "number of parts uploaded at once")
var bandwidth = flag.String("bandwidth", "0", "transfer limit per second, 0 disables it")
var connectMode = flag.String("connect-mode", "default", "FTP data connections: default, passive or active")
var noFallback = flag.Bool("no-fallback", false, "do not retry FTP data connections in the other mode")
var timeout = flag.Duration("timeout", 30*time.Second, "FTP control channel timeout")
var dataTimeout = flag.Duration("data-timeout", 30*time.Second, "FTP data connection timeout")
var proxyURL = flag.String("proxy", "", "SOCKS5 proxy for FTP connections, e.g. socks5://host:1080")
var encoding = flag.String("encoding", "", "FTP control channel charset")
var timezone = flag.String("timezone", "", "FTP server timezone, inferred when empty")
var showProgress = flag.Bool("progress", false, "print transfer progress to stderr")

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: rfs [global flags] <command> [flags] <url> [args]

Commands:
  ls [-l] [-R] <url>         list a directory
  get [--resume] <url> [dst] download a file
  put [--resume] <src> <url> upload a file
  rm <url>...                delete files, placeholders or buckets
  mkdir <url>                create a directory or bucket
  mv <url> <path>            rename a file or directory
  url [--expires d] <url>    print a presigned download URL
  tz <url>                   guess the timezone of an FTP server

Global flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.CommandLine.SetInterspersed(false)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := cli(ctx, flag.Args(), os.Stdout)
	if errors.Is(err, errUsage) {
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var errUsage = errors.New("usage")

func cli(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := applyFlags(flag.CommandLine, cfg); err != nil {
		return err
	}

	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer func() { _ = logging.Sync() }()
	logger := logging.L()

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, logger)
	}

	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command %q: %w", args[0], errUsage)
	}
	return cmd(ctx, &env{cfg: cfg, logger: logger, stdout: stdout}, args[1:])
}

func serveMetrics(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	logger.Info("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", zap.Error(err))
	}
}

// applyFlags overrides cfg with the global flags given on the command line.
func applyFlags(fs *flag.FlagSet, cfg *config.Config) error {
	sizes := []struct {
		name   string
		value  string
		target *uint64
	}{
		{"multipart-threshold", *threshold, &cfg.MultipartThreshold},
		{"part-size", *partSize, &cfg.PartSize},
		{"bandwidth", *bandwidth, &cfg.Bandwidth},
	}
	for _, s := range sizes {
		if !fs.Changed(s.name) {
			continue
		}
		n, err := humanize.ParseBytes(s.value)
		if err != nil {
			return fmt.Errorf("failed to parse --%s: %w", s.name, err)
		}
		*s.target = n
	}
	if cfg.PartSize < config.DefaultPartSize {
		return fmt.Errorf("--part-size must be at least %s", humanize.IBytes(config.DefaultPartSize))
	}

	if fs.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}
	if fs.Changed("log-format") {
		cfg.LogFormat = *logFormat
	}
	if fs.Changed("metrics-addr") {
		cfg.MetricsAddr = *metricsAddr
	}
	if fs.Changed("endpoint") {
		cfg.S3Endpoint = *endpoint
	}
	if fs.Changed("region") {
		cfg.S3Region = *region
	}
	if fs.Changed("path-style") {
		cfg.S3PathStyle = *pathStyle
	}
	if fs.Changed("concurrency") {
		if *concurrency < 1 {
			return fmt.Errorf("--concurrency must be positive")
		}
		cfg.Concurrency = *concurrency
	}
	if fs.Changed("connect-mode") {
		cfg.FTPConnectMode = *connectMode
	}
	if fs.Changed("no-fallback") {
		cfg.FTPFallback = !*noFallback
	}
	if fs.Changed("timeout") {
		cfg.Timeout = *timeout
	}
	if fs.Changed("data-timeout") {
		cfg.DataTimeout = *dataTimeout
	}
	if fs.Changed("proxy") {
		cfg.Proxy = *proxyURL
	}
	if fs.Changed("encoding") {
		cfg.Encoding = *encoding
	}
	if fs.Changed("timezone") {
		cfg.Timezone = *timezone
	}
	return nil
}
