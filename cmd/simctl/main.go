// simctl runs a simulated controlled peer: a SimHost behind the real
// agent, dialing out to a groovectl relay. Useful for exercising the full
// bridge without the host application.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/groovelink/groovelink/internal/controller"
	"github.com/groovelink/groovelink/internal/logging"
	"github.com/groovelink/groovelink/internal/sched"
)

func main() {
	configPath := flag.String("config", "", "path to simctl config.toml")
	flag.Parse()

	logging.ConfigureRuntime()

	cfg := controller.DefaultAgentConfig()
	if *configPath != "" {
		loaded, err := loadAgentConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "simctl: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loop := sched.NewLoop()
	defer loop.Close()

	agent := controller.NewAgent(cfg, controller.NewSimHost(), loop, nil)
	agent.Start()
	defer agent.Close()

	<-ctx.Done()
}
