// mcpctl exposes the bridge as an MCP stdio server so agent tooling can
// inspect and mutate the controlled application through named tools.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/groovelink/groovelink/internal/client"
	"github.com/groovelink/groovelink/internal/logging"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8418", "bridge client address")
	timeout := flag.Duration("timeout", 90*time.Second, "per-call timeout")
	flag.Parse()

	logging.ConfigureRuntime()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bridge := &bridgeTools{cfg: client.Config{Addr: *addr, Timeout: *timeout}}

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "groovelink",
		Version: "0.3.0",
	}, nil)
	bridge.register(server)

	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil {
		fmt.Fprintf(os.Stderr, "mcpctl: %v\n", err)
		os.Exit(1)
	}
}
