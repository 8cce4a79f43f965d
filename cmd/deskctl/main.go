package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mlsorensen/godesk"
	"github.com/mlsorensen/godesk/cmd/deskctl/interactive"
	"github.com/mlsorensen/godesk/server"

	// registers every desk implementation, including the "MOCK" simulator
	_ "github.com/mlsorensen/godesk/pkg/desks/all"
)

var (
	configFile  = flag.String("config", "", "Configuration file path (YAML)")
	address     = flag.String("address", "", "Desk address, overrides the config file")
	listen      = flag.String("listen", "", "HTTP bridge listen address, overrides the config file")
	logLevel    = flag.String("log-level", "", "Log level: debug, info, warn, error")
	useMock     = flag.Bool("mock", false, "Drive the simulated desk instead of scanning")
	scanTimeout = flag.Duration("scan-timeout", 30*time.Second, "How long to scan for the desk")
	noShell     = flag.Bool("no-shell", false, "Run without the interactive prompt")
)

func main() {
	flag.Parse()

	cfg := godesk.DefaultConfig()
	if *configFile != "" {
		var err error
		if cfg, err = godesk.LoadConfig(*configFile); err != nil {
			log.Fatalf("Fatal: %v", err)
		}
	}
	if *address != "" {
		cfg.Address = *address
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	setupLogging(cfg.LogLevel)

	device, err := findDevice(cfg)
	if err != nil {
		log.Fatalf("Fatal: %v", err)
	}
	log.Printf("Using device %s (%s)", device.Name, device.ID)

	desk, err := godesk.NewDeskForDevice(device, cfg)
	if err != nil {
		log.Fatalf("Fatal: Could not create desk instance: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sigchan:
			log.Println("Shutdown signal received. Disconnecting...")
			cancel()
		case <-ctx.Done():
		}
	}()

	// a failed first attempt keeps retrying in the background
	if err := desk.Connect(ctx); err != nil {
		log.Warnf("Initial connection failed, retrying every %s: %v", cfg.ReconnectInterval, err)
	}

	if cfg.Listen != "" {
		srv := server.New(desk, cfg)
		go func() {
			if err := srv.Run(ctx, cfg.Listen); err != nil {
				log.Errorf("HTTP bridge stopped: %v", err)
				cancel()
			}
		}()
	}

	if *noShell {
		<-ctx.Done()
	} else {
		shell, err := interactive.New(desk, cfg)
		if err != nil {
			log.Fatalf("Fatal: %v", err)
		}
		log.SetOutput(shell.Stdout())
		shell.Run(ctx, cancel)
	}

	if err := desk.Disconnect(); err != nil {
		log.Printf("Error disconnecting: %v", err)
	}
	log.Println("Goodbye!")
}

func setupLogging(level string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.Warnf("Unknown log level %q, using info", level)
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
}

func findDevice(cfg godesk.Config) (*godesk.FoundDevice, error) {
	if *useMock {
		return &godesk.FoundDevice{Name: "MOCK-Desk", ID: "00:00:00:00:00:00"}, nil
	}
	if cfg.Address != "" {
		log.Printf("Scanning for desk %s for up to %s...", cfg.Address, *scanTimeout)
		return godesk.ScanForAddress(*scanTimeout, cfg.Address, cfg.NamePrefix)
	}
	log.Printf("Scanning for a %q desk for up to %s...", cfg.NamePrefix, *scanTimeout)
	return godesk.ScanForOne(*scanTimeout, cfg.NamePrefix)
}
