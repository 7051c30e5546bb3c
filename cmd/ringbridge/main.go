// Ringbridge - PLC bridge for a ring-stiffness test machine.
//
// Connects to the machine's S7 controller, polls its data blocks at a fixed
// rate, and exposes the machine over HTTP/websocket while mirroring live
// state to MQTT and Valkey and completed tests to Kafka.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ringbridge/api"
	"ringbridge/bridge"
	"ringbridge/config"
	"ringbridge/kafka"
	"ringbridge/logging"
	"ringbridge/mqtt"
	"ringbridge/s7"
	"ringbridge/valkey"
)

// Version is set at build time via -ldflags
var Version = "dev"

func main() {
	configPath := flag.String("config", config.DefaultPath(), "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ringbridge %s\n", Version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	var logger *logging.FileLogger
	if cfg.LogFile != "" {
		logger, err = logging.NewFileLogger(cfg.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			os.Exit(1)
		}
		defer logger.Close()
	}
	if cfg.DebugLog != "" {
		if err := logging.InitDebugLogger(cfg.DebugLog); err != nil {
			fmt.Fprintf(os.Stderr, "Error opening debug log: %v\n", err)
			os.Exit(1)
		}
		defer logging.CloseDebugLogger()
	}

	client := s7.NewClient(cfg.PLC.Address,
		s7.WithRackSlot(cfg.PLC.Rack, cfg.PLC.Slot),
		s7.WithTimeout(cfg.PLC.Timeout),
	)

	br := bridge.New(cfg, client, logger)

	// Publishers. All best-effort: a dead broker never stops the bridge.
	var mqttPubs []*mqtt.Publisher
	for i := range cfg.MQTT {
		if !cfg.MQTT[i].Enabled {
			continue
		}
		p := mqtt.NewPublisher(&cfg.MQTT[i], cfg.Namespace)
		if err := p.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: mqtt %s: %v\n", cfg.MQTT[i].Name, err)
		}
		mqttPubs = append(mqttPubs, p)
		defer p.Stop()
	}

	var valkeyPubs []*valkey.Publisher
	for i := range cfg.Valkey {
		if !cfg.Valkey[i].Enabled {
			continue
		}
		p := valkey.NewPublisher(&cfg.Valkey[i], cfg.Namespace)
		if err := p.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: valkey %s: %v\n", cfg.Valkey[i].Name, err)
		}
		valkeyPubs = append(valkeyPubs, p)
		defer p.Stop()
	}

	var kafkaProds []*kafka.Producer
	for i := range cfg.Kafka {
		if !cfg.Kafka[i].Enabled {
			continue
		}
		p := kafka.NewProducer(&cfg.Kafka[i], cfg.Namespace)
		if err := p.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: kafka %s: %v\n", cfg.Kafka[i].Name, err)
		}
		kafkaProds = append(kafkaProds, p)
		defer p.Stop()
	}

	// Completed tests fan out to every record sink from a fresh goroutine
	// so Kafka acks never block the poll loop.
	br.TestCompleted = func(snap *bridge.Snapshot) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			for _, p := range kafkaProds {
				p.PublishTestRecord(ctx, snap)
			}
			for _, p := range valkeyPubs {
				p.PublishTestRecord(snap)
			}
			for _, p := range mqttPubs {
				p.PublishTestRecord(snap)
			}
		}()
	}

	br.Start()
	defer br.Stop()

	// Mirror every snapshot to the live-state publishers. The hub drops
	// intermediates if this consumer falls behind.
	if len(mqttPubs) > 0 || len(valkeyPubs) > 0 {
		sub := br.Hub().Subscribe()
		defer br.Hub().Unsubscribe(sub)
		go func() {
			for snap := range sub {
				for _, p := range mqttPubs {
					p.PublishSnapshot(snap)
				}
				for _, p := range valkeyPubs {
					p.PublishSnapshot(snap)
				}
			}
		}()
	}

	if cfg.Web.Enabled {
		server := api.NewServer(br, &cfg.Web)
		if err := server.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting API server: %v\n", err)
			os.Exit(1)
		}
		defer server.Stop()
		if logger != nil {
			logger.Log("API server listening on %s", server.Address())
		}
	}

	if logger != nil {
		logger.Log("ringbridge %s started, PLC %s at %s", Version, cfg.PLC.Name, cfg.PLC.Address)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	if logger != nil {
		logger.Log("shutting down")
	}
}
