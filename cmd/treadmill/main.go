// Command treadmill runs the self-paced treadmill controller against a
// Bertec server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/teslashibe/go-treadmill/internal/config"
	"github.com/teslashibe/go-treadmill/internal/log"
	"github.com/teslashibe/go-treadmill/pkg/bertec"
	"github.com/teslashibe/go-treadmill/pkg/control"
	"github.com/teslashibe/go-treadmill/pkg/estimator"
	"github.com/teslashibe/go-treadmill/pkg/loop"
	"github.com/teslashibe/go-treadmill/pkg/web"
)

func main() {
	configPath := flag.String("config", "", "YAML config file")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	autostart := flag.Bool("autostart", false, "Start the control loop once connected")
	webAddr := flag.String("web", "", "Operator API address, e.g. :8080 (overrides config; \"off\" disables)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	switch *webAddr {
	case "":
	case "off":
		cfg.Web.Addr = ""
	default:
		cfg.Web.Addr = *webAddr
	}
	if err := log.Init(cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "log: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *autostart, log.L()); err != nil {
		log.L().Error("treadmill controller failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, autostart bool, logger *slog.Logger) error {
	client, err := bertec.New(cfg.Bertec, nil, logger)
	if err != nil {
		return err
	}

	est, err := estimator.New(cfg.Estimator, logger)
	if err != nil {
		return err
	}
	ctrl, err := control.New(cfg.Control, client, logger)
	if err != nil {
		return err
	}

	logger.Info("connecting to treadmill",
		"host", cfg.Bertec.ServerHost,
		"command_port", cfg.Bertec.CommandPort,
		"data_port", cfg.Bertec.DataPort)
	if _, err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Disconnect()
	logger.Info("connected to treadmill")

	observers := []loop.Observer{loop.NewLogObserver(logger)}

	var server *web.Server
	if cfg.Web.Addr != "" {
		server, err = web.NewServer(cfg.Web, client, ctrl, logger)
		if err != nil {
			return err
		}
		observers = append(observers, server)
	}

	orch, err := loop.New(client, est, ctrl, cfg.Loop, logger, observers...)
	if err != nil {
		return err
	}

	webErr := make(chan error, 1)
	if server != nil {
		server.AttachLoop(orch)
		go func() { webErr <- server.Run(ctx) }()
	}

	if autostart {
		orch.Start()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-webErr:
		if err != nil {
			logger.Error("operator API stopped", "error", err)
		}
	}

	// Worst case: one iteration's command with a redial, then the stop.
	stopCtx, cancel := context.WithTimeout(context.Background(), 3*cfg.Bertec.Timeout+cfg.Loop.StopTimeout)
	defer cancel()
	if err := orch.Stop(stopCtx); err != nil {
		return fmt.Errorf("stop treadmill: %w", err)
	}
	return nil
}
