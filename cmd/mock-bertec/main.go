// Command mock-bertec serves the Bertec command and data channels with a
// synthetic gait, for running the controller without a treadmill.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/teslashibe/go-treadmill/internal/log"
	"github.com/teslashibe/go-treadmill/pkg/bertec/mockserver"
)

func main() {
	rpc := flag.String("rpc", "tcp://127.0.0.1:5555", "Command endpoint")
	data := flag.String("data", "tcp://127.0.0.1:5556", "Data endpoint")
	rate := flag.Duration("rate", 5*time.Millisecond, "Sample publish period")
	stepHz := flag.Float64("hz", 1.8, "Steps per second")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	if err := log.Init(*logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "log: %v\n", err)
		os.Exit(1)
	}
	logger := log.L()
	if *rate <= 0 || *stepHz <= 0 {
		logger.Error("rate and hz must be positive", "rate", *rate, "hz", *stepHz)
		os.Exit(1)
	}

	srv, err := mockserver.Start(*rpc, *data, logger)
	if err != nil {
		logger.Error("mock server failed to start", "error", err)
		os.Exit(1)
	}
	defer srv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gait := mockserver.DefaultGait()
	gait.Rate = *rate
	gait.StepTime = time.Duration(float64(time.Second) / *stepHz)

	logger.Info("mock treadmill serving",
		"command_port", srv.CommandPort(),
		"data_port", srv.DataPort(),
		"step_time", gait.StepTime)
	srv.Stream(ctx, gait)

	b := srv.Belt()
	logger.Info("mock treadmill stopped", "left_vel", b.LeftVel, "right_vel", b.RightVel, "requests", len(srv.Requests()))
}
