// tinypand — PAN User client daemon.
//
// Runs the TinyPAN polling pump against a radio and serves Prometheus
// metrics. The in-tree radio is the simulated pair (a scriptable
// access-point emulator behind a loopback L2CAP channel); real
// Bluetooth ports plug in behind the same HAL contract.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	tinypan "github.com/Akhil-Chaturvedi/TinyPAN"
	"github.com/Akhil-Chaturvedi/TinyPAN/internal/bnep"
	"github.com/Akhil-Chaturvedi/TinyPAN/internal/config"
	"github.com/Akhil-Chaturvedi/TinyPAN/internal/hal"
	"github.com/Akhil-Chaturvedi/TinyPAN/internal/hal/simhal"
	panmetrics "github.com/Akhil-Chaturvedi/TinyPAN/internal/metrics"
	"github.com/Akhil-Chaturvedi/TinyPAN/internal/pbuf"
	"github.com/Akhil-Chaturvedi/TinyPAN/internal/simnet"
	appversion "github.com/Akhil-Chaturvedi/TinyPAN/internal/version"
)

// shutdownTimeout bounds the metrics server drain on exit.
const shutdownTimeout = 5 * time.Second

// maxSleep bounds one pump sleep so shutdown stays responsive even
// when the client reports no pending timer.
const maxSleep = 500 * time.Millisecond

// localSimAddr is the simulated adapter's device address.
var localSimAddr = hal.BDAddr{0x00, 0x1A, 0x7D, 0xDA, 0x71, 0x13}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// rootCmd builds the tinypand command tree.
func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "tinypand",
		Short: "PAN User client daemon",
		Long: "tinypand attaches to a Bluetooth access point over BNEP/L2CAP,\n" +
			"bridges the link into an IP stack, and exposes Prometheus metrics.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(configPath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "tinypand.yaml",
		"path to configuration file (YAML)")
	cmd.AddCommand(versionCmd())
	return cmd
}

// versionCmd prints build information.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print tinypand build information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(appversion.Full("tinypand"))
		},
	}
}

// run is the daemon body: config, logger, metrics, pump.
func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("tinypand starting",
		slog.String("version", appversion.Version),
		slog.String("remote", cfg.PAN.Remote),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	if cfg.PAN.Mode != "bnep" {
		return fmt.Errorf("mode %q is not supported by the simulated radio", cfg.PAN.Mode)
	}

	remote, err := cfg.PAN.RemoteAddr()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	collector := panmetrics.NewCollector(reg)

	client, radio, err := buildSimClient(cfg, remote, collector, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	metricsSrv := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           metricsMux(cfg.Metrics.Path, reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path))
		return listenAndServe(gCtx, metricsSrv)
	})

	g.Go(func() error {
		return pump(gCtx, client, radio, logger)
	})

	g.Go(func() error {
		<-gCtx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return metricsSrv.Shutdown(shCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("tinypand stopped")
	return nil
}

// buildSimClient assembles the simulated deployment: radio + emulated
// access point + reference stack + client.
func buildSimClient(cfg *config.Config, remote hal.BDAddr, collector *panmetrics.Collector, logger *slog.Logger) (*tinypan.Client, *simhal.Radio, error) {
	radio := simhal.NewRadio(localSimAddr, simhal.Options{Logger: logger})
	radio.AttachPeer(simhal.NewNAP(simhal.NAPConfig{
		Addr:   remote,
		Logger: logger,
	}))

	clientMAC := bnep.EtherAddrFromBD(localSimAddr)
	out := &lateBoundOutput{}
	stack := simnet.New(net.HardwareAddr(clientMAC[:]), out, pbuf.NewPool(0), logger)

	clientCfg := tinypan.DefaultConfig()
	clientCfg.RemoteAddr = remote
	clientCfg.ReconnectIntervalMS = uint16(cfg.PAN.ReconnectInterval.Milliseconds())
	clientCfg.ReconnectMaxMS = uint16(cfg.PAN.ReconnectMax.Milliseconds())
	clientCfg.MaxReconnectAttempts = cfg.PAN.MaxReconnectAttempts
	clientCfg.HeartbeatIntervalMS = uint16(cfg.PAN.HeartbeatInterval.Milliseconds())
	clientCfg.HeartbeatRetries = cfg.PAN.HeartbeatRetries
	clientCfg.ForceUncompressedTX = cfg.PAN.ForceUncompressedTX

	client, err := tinypan.NewClient(clientCfg, radio, stack,
		tinypan.WithLogger(logger), tinypan.WithMetrics(collector))
	if err != nil {
		return nil, nil, fmt.Errorf("init client: %w", err)
	}
	out.target = client

	client.SetEventCallback(func(ev tinypan.Event) {
		logger.Info("pan event",
			slog.String("type", ev.Type.String()),
			slog.String("state", ev.State.String()))
	})
	return client, radio, nil
}

// lateBoundOutput breaks the stack/client construction cycle: the
// stack needs a link output before the client that provides it
// exists.
type lateBoundOutput struct {
	target *tinypan.Client
}

func (o *lateBoundOutput) LinkOutput(p *pbuf.Buf) error {
	return o.target.LinkOutput(p)
}

// pump is the single thread of control: poll the radio, advance the
// client, sleep for the oracle's verdict.
func pump(ctx context.Context, client *tinypan.Client, radio *simhal.Radio, logger *slog.Logger) error {
	if err := client.Start(); err != nil {
		return fmt.Errorf("start client: %w", err)
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			client.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		radio.Poll()
		client.Process()

		sleep := time.Duration(client.NextTimeout()) * time.Millisecond
		if sleep > maxSleep {
			sleep = maxSleep
		}
		timer.Reset(sleep)
	}
}

// metricsMux serves the Prometheus registry on the configured path.
func metricsMux(path string, reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

// listenAndServe runs an HTTP server until it is shut down.
func listenAndServe(ctx context.Context, srv *http.Server) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	}
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// newLogger builds the daemon logger from configuration.
func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
