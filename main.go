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
	"github.com/urfave/cli/v3"
	"gopkg.in/ini.v1"

	"trunkphone/call"
	"trunkphone/session"
	"trunkphone/sipua"
	"trunkphone/voicefx"
)

// newSIPEngine creates the SIP user agent. The Contact host is the public
// address from settings, else the detected host address.
func newSIPEngine(cfg *Settings) *sipua.Engine {
	host := cfg.PublicAddress()
	if host == "" {
		ip, err := detectHostIP()
		if err != nil {
			coreLog.Warnf("host address detection failed, using loopback: %v", err)
			ip = "127.0.0.1"
		}
		host = ip
	}
	coreLog.Infof("SIP contact host %s", host)
	return sipua.New(cfg.SIPConfig(host), sipLog)
}

// startMetrics serves /metrics on addr. It returns nil when addr is empty.
func startMetrics(addr string, m *call.Metrics) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		coreLog.Infof("metrics listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			coreLog.Errorf("metrics server: %v", err)
		}
	}()
	return srv
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := ini.LooseLoad(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	settings, err := LoadSettings(cfg)
	if err != nil {
		return fmt.Errorf("failed to parse settings: %w", err)
	}
	if p := cmd.String("state-file"); p != "" {
		settings.SetStateFile(p)
	}

	initLogging(cfg, settings.SIPMessages())
	defer closeLogging()
	coreLog.Info("settings loaded")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := session.NewStore(session.NewFilePersister(settings.StateFile()), coreLog)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	defer store.Close()

	metrics := call.NewMetrics(nil)
	metricsSrv := startMetrics(settings.MetricsListen(), metrics)

	callCfg := settings.CallConfig()
	callCfg.AudioLog = audioLog
	ctrl := call.New(
		callCfg,
		newSIPEngine(settings),
		newHostPlatform(audioLog),
		store,
		voicefx.NewGateway(settings.VoiceConfig(), voicefxLog),
		metrics,
		coreLog,
	)

	errc := make(chan error, 1)
	go func() { errc <- ctrl.Run(ctx) }()
	go watchNetwork(ctx, 5*time.Second, detectHostIP, ctrl.NetworkChanged)

	con := newConsole(ctrl, store, os.Stdout)
	go con.watch(ctx)
	go func() {
		if err := con.Run(ctx, os.Stdin); err != nil {
			coreLog.Warnf("console: %v", err)
		}
		stop()
	}()

	err = <-errc
	coreLog.Info("performing a graceful shutdown...")
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return err
}

func main() {
	cmd := &cli.Command{
		Name:  "trunkphone",
		Usage: "IP trunk softphone",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "settings file",
				Value:   "settings.ini",
				Sources: cli.EnvVars("TRUNKPHONE_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "state-file",
				Usage:   "persisted session file, overrides call.state_file",
				Sources: cli.EnvVars("TRUNKPHONE_STATE_FILE"),
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
