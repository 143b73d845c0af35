// Command quictun is a bidirectional TCP-over-QUIC tunnel: run it in
// server mode to dial an upstream TCP service per incoming stream, or in
// client mode to accept local TCP connections and forward each over its
// own QUIC stream to a quictun server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dominicbreuker/quictun/internal/admin"
	"github.com/dominicbreuker/quictun/internal/applog"
	"github.com/dominicbreuker/quictun/internal/buildinfo"
	"github.com/dominicbreuker/quictun/internal/config"
	"github.com/dominicbreuker/quictun/internal/tunnel"
)

const configFlag = "config"

func main() {
	app := &cli.Command{
		Name:        "quictun",
		Description: "bidirectional TCP-over-QUIC tunnel",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     configFlag,
				Aliases:  []string{"c"},
				Usage:    "path to the TOML configuration file",
				Required: true,
			},
		},
		Action: func(cCtx *cli.Context) error {
			return run(cCtx, cCtx.String(configFlag))
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "quictun: %s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config.Load: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "quictun: config error: %s\n", e)
		}
		return fmt.Errorf("invalid configuration")
	}

	log := applog.New(cfg)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	setupSignalHandling(cancel)

	var stats admin.StatsWriter
	var shutdown admin.Shutdowner
	runErrCh := make(chan error, 1)

	if cfg.App.ServerMode {
		srv, err := tunnel.NewServer(cfg, *log)
		if err != nil {
			return fmt.Errorf("tunnel.NewServer: %w", err)
		}
		defer srv.Close()
		stats, shutdown = srv, srv
		go func() { <-runCtx.Done(); runErrCh <- nil }()
	} else {
		engine := tunnel.NewClientEngine(cfg, *log)
		bindAddr := fmt.Sprintf("%s:%d", cfg.App.BindIP, cfg.App.BindPort)
		stats, shutdown = engine, engine
		go func() { runErrCh <- engine.Run(runCtx, bindAddr) }()
	}

	adminSrv := admin.New(cfg, stats, shutdown, *log)
	adminErrCh := make(chan error, 1)
	go func() { adminErrCh <- adminSrv.Run(runCtx) }()

	log.Info().Str("version", buildinfo.Version).Bool("server_mode", cfg.App.ServerMode).Msg("quictun starting")

	select {
	case <-adminSrv.Quit():
		cancel()
	case <-runCtx.Done():
	}

	if err := <-runErrCh; err != nil {
		return fmt.Errorf("tunnel engine: %w", err)
	}
	if err := <-adminErrCh; err != nil {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

// setupSignalHandling requests a graceful shutdown on the first Interrupt
// or SIGTERM-class signal, and forces an immediate exit on a second one or
// if cleanup hasn't finished within the grace period. SIGPIPE is ignored
// rather than intercepted.
func setupSignalHandling(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 2)
	sigs := []os.Signal{os.Interrupt}
	if runtime.GOOS != "windows" {
		sigs = append(sigs, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)
		signal.Ignore(syscall.SIGPIPE)
	}
	signal.Notify(sigCh, sigs...)

	go func() {
		s := <-sigCh
		cancel()

		select {
		case <-sigCh:
			if ss, ok := s.(syscall.Signal); ok {
				os.Exit(128 + int(ss))
			}
			os.Exit(1)
		case <-time.After(5 * time.Second):
			os.Exit(0)
		}
	}()
}
