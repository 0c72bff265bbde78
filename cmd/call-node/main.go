package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"p2p-call/internal/appdata"
	"p2p-call/internal/callnode"
	"p2p-call/internal/telemetry"
)

func main() {
	dataDir := flag.String("data", appdata.Dir(), "data directory")
	confFile := flag.String("config", "", "config file (default <data>/config.json)")
	name := flag.String("name", "", "override the stored user name")
	bind := flag.String("bind", "", "listen address, e.g. :10001")
	pass := flag.String("passphrase", os.Getenv("P2P_CALL_PASSPHRASE"), "database passphrase (or P2P_CALL_PASSPHRASE)")
	debug := flag.Bool("debug", false, "verbose logging")
	flag.Parse()

	if err := os.MkdirAll(*dataDir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "data dir: %v\n", err)
		os.Exit(1)
	}

	logger := telemetry.New("info", os.Stderr)
	out := callnode.NewStdPrinter(os.Stdout)
	out.SetPrompt("> ")

	app, err := callnode.New(callnode.Config{
		DataDir:    *dataDir,
		ConfigFile: *confFile,
		Passphrase: *pass,
		Name:       *name,
		Bind:       *bind,
		Debug:      *debug,
	}, out, logger)
	if err != nil {
		logger.WithError(err).Fatal("create node")
	}

	if err := app.Start(); err != nil {
		app.StopAll()
		logger.WithError(err).Fatal("start node")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		logger.WithError(err).Error("run")
	}
	app.StopAll()
}
