package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/groovelink/groovelink/internal/logging"
	"github.com/groovelink/groovelink/internal/relay"
)

func main() {
	configPath := flag.String("config", "", "path to groovectl config.toml")
	flag.Parse()

	logging.ConfigureRuntime()

	cfg := relay.DefaultConfig()
	if *configPath != "" {
		loaded, err := loadRelayConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "groovectl: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := relay.NewService(cfg)
	if err := svc.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "groovectl: %v\n", err)
		os.Exit(1)
	}
}
