// Package cmd wires flags, logging, and signals around the engine.
package cmd

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fieldpoll/fieldpoll/config"
	"github.com/fieldpoll/fieldpoll/engine"
	"github.com/fieldpoll/fieldpoll/protocol"
	"github.com/fieldpoll/fieldpoll/ui"
)

// Version is set at build time via ldflags.
var Version = "0.3.0"

// Config holds CLI configuration.
type Config struct {
	ConfigPath string
	Monitor    bool
	TestDevice string
	Discover   string
	Debug      bool
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `fieldpoll v%s — industrial data-acquisition daemon

Usage:
  fieldpoll [OPTIONS]

Modes:
  (default)           Headless daemon: poll devices, stream to the TSDB
  -monitor            Fullscreen fleet monitor TUI on top of the daemon
  -test-device ID     One-shot connectivity test for a configured device
  -discover HOST:PORT Scan scale protocol templates against an endpoint
  -version            Print version and exit

Options:
  -config PATH        Configuration file (default: fieldpoll.yaml)
  -debug              Verbose logging

Exit codes:
  0  clean shutdown / test succeeded
  1  runtime failure / test failed
  2  invalid configuration

Examples:
  fieldpoll -config /etc/fieldpoll/fieldpoll.yaml
  fieldpoll -config fieldpoll.yaml -monitor
  fieldpoll -config fieldpoll.yaml -test-device line1-counter
  fieldpoll -discover 192.168.1.80:4001
`, Version)
}

// Run parses flags and starts the selected mode.
func Run() error {
	var cfg Config
	var showVersion bool

	flag.StringVar(&cfg.ConfigPath, "config", "fieldpoll.yaml", "Configuration file path")
	flag.BoolVar(&cfg.Monitor, "monitor", false, "Run the fleet monitor TUI")
	flag.StringVar(&cfg.TestDevice, "test-device", "", "Test connectivity of one configured device and exit")
	flag.StringVar(&cfg.Discover, "discover", "", "Discover the scale protocol at HOST:PORT and exit")
	flag.BoolVar(&cfg.Debug, "debug", false, "Verbose logging")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")

	flag.Usage = printUsage
	flag.Parse()

	if showVersion {
		fmt.Printf("fieldpoll v%s\n", Version)
		return nil
	}

	if cfg.Discover != "" {
		return runDiscover(cfg)
	}

	fileCfg, err := config.Load(cfg.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitCodeError{Code: 2}
	}

	if cfg.TestDevice != "" {
		return runTestDevice(cfg, fileCfg)
	}
	if cfg.Monitor {
		return runMonitor(cfg, fileCfg)
	}
	return runDaemon(cfg, fileCfg)
}

// ExitCodeError signals a non-zero exit code without calling os.Exit directly.
type ExitCodeError struct{ Code int }

func (e ExitCodeError) Error() string { return fmt.Sprintf("exit %d", e.Code) }

func newLogger(debug, quiet bool) (*zap.Logger, error) {
	if quiet {
		// The TUI owns the terminal; logs would tear the screen.
		return zap.NewNop(), nil
	}
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// runDaemon runs headless until SIGINT/SIGTERM.
func runDaemon(cfg Config, fileCfg config.Config) error {
	log, err := newLogger(cfg.Debug, false)
	if err != nil {
		return err
	}
	defer log.Sync()

	eng := engine.New(fileCfg, engine.Options{Logger: log})
	if err := eng.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitCodeError{Code: 2}
	}

	var metricsSrv *http.Server
	if fileCfg.Metrics.Enabled {
		metricsSrv = serveMetrics(fileCfg.Metrics.Addr, eng, log)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info("shutting down", zap.String("signal", s.String()))

	if metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = metricsSrv.Shutdown(ctx)
		cancel()
	}
	if err := eng.Stop(0); err != nil {
		log.Warn("engine stop reported an error", zap.Error(err))
		return ExitCodeError{Code: 1}
	}
	return nil
}

func serveMetrics(addr string, eng *engine.Engine, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		eng.Metrics().Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if eng.Healthy(r.Context()) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, "ok")
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintln(w, "unhealthy")
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	log.Info("metrics server listening", zap.String("addr", addr))
	return srv
}

// runMonitor starts the engine and the fleet TUI on top of it.
func runMonitor(cfg Config, fileCfg config.Config) error {
	log, err := newLogger(cfg.Debug, true)
	if err != nil {
		return err
	}

	eng := engine.New(fileCfg, engine.Options{Logger: log})
	if err := eng.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitCodeError{Code: 2}
	}
	uiErr := ui.Run(eng)
	if err := eng.Stop(0); err != nil && uiErr == nil {
		uiErr = err
	}
	return uiErr
}

// runTestDevice probes one configured device and prints the result.
func runTestDevice(cfg Config, fileCfg config.Config) error {
	var device *config.DeviceConfig
	for i := range fileCfg.Devices {
		if fileCfg.Devices[i].DeviceID == cfg.TestDevice {
			device = &fileCfg.Devices[i]
			break
		}
	}
	if device == nil {
		fmt.Fprintf(os.Stderr, "Error: device %q not in %s\n", cfg.TestDevice, cfg.ConfigPath)
		return ExitCodeError{Code: 2}
	}

	log, err := newLogger(cfg.Debug, !cfg.Debug)
	if err != nil {
		return err
	}
	eng := engine.New(fileCfg, engine.Options{Logger: log})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res := eng.TestConnectivity(ctx, *device)

	fmt.Printf("device:   %s (%s at %s)\n", device.DeviceID, device.Kind, device.Addr())
	fmt.Printf("duration: %s\n", res.Duration.Truncate(time.Millisecond))
	if res.WorkingProtocol != "" {
		fmt.Printf("protocol: %s\n", res.WorkingProtocol)
	}
	for _, d := range res.Diagnostics {
		fmt.Printf("  - %s\n", d)
	}
	for _, o := range res.SampleObservations {
		rate := ""
		if o.Unit != "" {
			rate = " " + o.Unit
		}
		fmt.Printf("  channel %d: %.3f%s (%s)\n", o.ChannelNumber, o.Value, rate, o.Quality)
	}
	if !res.Success {
		fmt.Println("result:   FAILED")
		return ExitCodeError{Code: 1}
	}
	fmt.Println("result:   OK")
	return nil
}

// runDiscover scans the template catalog against a raw endpoint.
func runDiscover(cfg Config) error {
	host, portStr, err := net.SplitHostPort(cfg.Discover)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: -discover wants HOST:PORT, got %q\n", cfg.Discover)
		return ExitCodeError{Code: 2}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		fmt.Fprintf(os.Stderr, "Error: bad port %q\n", portStr)
		return ExitCodeError{Code: 2}
	}

	log, err := newLogger(cfg.Debug, !cfg.Debug)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	d := protocol.NewDiscoverer(protocol.NewCatalog(), log)
	fmt.Printf("scanning %s ...\n", cfg.Discover)
	tpl, err := d.Discover(ctx, host, port)
	if err != nil {
		fmt.Printf("no protocol matched: %v\n", err)
		return ExitCodeError{Code: 1}
	}

	fmt.Printf("matched template: %s\n", tpl.ID)
	cmds := make([]string, 0, len(tpl.Commands))
	for _, c := range tpl.Commands {
		cmds = append(cmds, strconv.Quote(string(c)))
	}
	fmt.Printf("  commands: %s\n", strings.Join(cmds, ", "))
	if tpl.Unit != "" {
		fmt.Printf("  default unit: %s\n", tpl.Unit)
	}
	return nil
}
