package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"

	"patchbay/config"
	"patchbay/transport"
)

var (
	configPath = flag.String("config", "", "Path to configuration file")
	nodeID     = flag.String("id", "", "Node ID")
	color      = flag.Int("color", -1, "Output jack hue in degrees")
	inputs     = flag.Int("inputs", -1, "Number of input jacks")
	outputs    = flag.Int("outputs", -1, "Number of output jacks")
	backend    = flag.String("transport", "", "Transport backend (native or local)")
	strategy   = flag.String("strategy", "", "Coordination strategy (election or ping)")
	peers      = flag.Int("peers", 0, "Extra in-process peer nodes (local transport only)")
	logLevel   = flag.String("log-level", "", "Log level")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		cfg = config.GetDefaultConfig()
		log.Printf("Using default configuration: %v", err)
	}

	// Override config with command line flags
	if *nodeID != "" {
		cfg.Node.ID = *nodeID
	}
	if *color >= 0 {
		cfg.Node.Color = uint16(*color)
	}
	if *inputs >= 0 {
		cfg.Node.Inputs = *inputs
	}
	if *outputs >= 0 {
		cfg.Node.Outputs = *outputs
	}
	if *backend != "" {
		cfg.Network.Transport = *backend
	}
	if *strategy != "" {
		cfg.Coordination.Strategy = *strategy
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "patchbay",
		Level:      hclog.LevelFromString(cfg.Logging.Level),
		JSONFormat: cfg.Logging.Format == "json",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	bus := transport.NewBus()
	if *peers > 0 && cfg.Network.Transport != "local" {
		logger.Error("peer simulation requires the local transport")
		os.Exit(1)
	}
	for i := 1; i <= *peers; i++ {
		peerCfg := *cfg
		peerCfg.Node.ID = fmt.Sprintf("%s-peer%d", cfg.Node.ID, i)
		peerLog := logger.Named(fmt.Sprintf("peer%d", i))
		peer, err := buildNode(&peerCfg, bus, peerLog)
		if err != nil {
			logger.Error("failed to build peer", "peer", i, "error", err)
			os.Exit(1)
		}
		go func() {
			if err := peer.run(ctx, nil); err != nil {
				peerLog.Error("peer stopped", "error", err)
			}
		}()
	}

	n, err := buildNode(cfg, bus, logger)
	if err != nil {
		logger.Error("failed to build node", "error", err)
		os.Exit(1)
	}

	logger.Info("starting node",
		"id", cfg.Node.ID,
		"transport", cfg.Network.Transport,
		"strategy", cfg.Coordination.Strategy,
		"inputs", cfg.Node.Inputs,
		"outputs", cfg.Node.Outputs)

	cmds := readCommands(ctx)
	if err := n.run(ctx, cmds); err != nil {
		logger.Error("node stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("node stopped")
}
