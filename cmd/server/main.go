//go:build linux

package main

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/oklog/run"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/andy6609/selfpipe-server/internal/chat"
	"github.com/andy6609/selfpipe-server/internal/config"
	"github.com/andy6609/selfpipe-server/internal/logger"
	"github.com/andy6609/selfpipe-server/internal/server"
)

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

type options struct {
	configPath  string
	logLevel    string
	logFile     string
	metricsAddr string
}

// execute runs the command and maps its outcome to an exit status.
func execute(args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdout)
	cmd.SetArgs(args)
	// Usage printed for a bad invocation goes to stderr; --help goes to stdout.
	cmd.SetOut(stderr)
	cmd.SetErr(stderr)
	help := cmd.HelpFunc()
	cmd.SetHelpFunc(func(c *cobra.Command, a []string) {
		c.SetOut(stdout)
		help(c, a)
	})
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "server <ip_address> <port_number>",
		Short: "TCP server with a self-pipe signal loop",
		Long: "Accepts TCP connections on a single epoll loop and shuts down cleanly\n" +
			"on SIGINT or SIGTERM. SIGHUP and SIGCHLD are logged and ignored.",
		Args: validateArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Arguments are valid past this point; later errors are not usage errors.
			cmd.SilenceUsage = true
			port, _ := parsePort(args[1])
			return serve(cmd, opts, args[0], port, stdout)
		},
	}

	cmd.Flags().StringVar(&opts.configPath, "config", "", "path to a TOML config file")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	cmd.Flags().StringVar(&opts.logFile, "log-file", "", "write logs to a rotating file instead of stdout")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

func validateArgs(cmd *cobra.Command, args []string) error {
	if err := cobra.ExactArgs(2)(cmd, args); err != nil {
		return err
	}
	if net.ParseIP(args[0]) == nil {
		return errors.Errorf("invalid ip address %q", args[0])
	}
	_, err := parsePort(args[1])
	return err
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 0 || port > 65535 {
		return 0, errors.Errorf("invalid port number %q", s)
	}
	return port, nil
}

func loadConfig(cmd *cobra.Command, opts options) (config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return cfg, err
		}
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = opts.logLevel
	}
	if cmd.Flags().Changed("log-file") {
		cfg.Log.File = opts.logFile
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.Metrics.Addr = opts.metricsAddr
	}
	return cfg, nil
}

func serve(cmd *cobra.Command, opts options, ip string, port int, stdout io.Writer) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}

	log, logCloser, err := logger.New(logger.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Stdout:     stdout,
	})
	if err != nil {
		return err
	}
	defer logCloser.Close()

	var metricsLn net.Listener
	if cfg.Metrics.Addr != "" {
		if metricsLn, err = net.Listen("tcp", cfg.Metrics.Addr); err != nil {
			log.Error("failed to start metrics listener", "error", err)
			return errors.Wrap(err, "metrics listen")
		}
	}

	srv, err := server.New(server.Config{
		IP:        ip,
		Port:      port,
		Backlog:   cfg.Backlog,
		MaxEvents: cfg.MaxEvents,
		Handler:   chat.NewHub(log, nil),
		Logger:    log,
	})
	if err != nil {
		if metricsLn != nil {
			metricsLn.Close()
		}
		log.Error("failed to start server", "error", err)
		return err
	}

	var g run.Group
	g.Add(srv.Run, func(error) { srv.Stop() })
	if metricsLn != nil {
		addMetricsActor(&g, metricsLn, log)
	}
	return g.Run()
}

func addMetricsActor(g *run.Group, ln net.Listener, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	hs := &http.Server{Handler: mux}

	g.Add(func() error {
		log.Info("metrics listening", "addr", ln.Addr().String())
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "metrics server")
		}
		return nil
	}, func(error) {
		hs.Close()
	})
}
