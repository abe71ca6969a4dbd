// callctl performs one bridge call from the command line and prints the
// raw JSON result.
//
// Usage:
//
//	callctl -addr 127.0.0.1:8418 info.get
//	callctl transport.setTempo '{"bpm":128}'
//	callctl track.create '{"name":"Lead","type":"instrument","devices":[{"type":"file","path":"/a.preset"}]}'
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/groovelink/groovelink/internal/client"
	"github.com/groovelink/groovelink/internal/logging"
	"github.com/groovelink/groovelink/internal/protocol/rpc"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8418", "bridge client address")
	timeout := flag.Duration("timeout", 90*time.Second, "call timeout")
	quiet := flag.Bool("quiet", false, "suppress progress lines for deferred calls")
	flag.Parse()

	logging.ConfigureRuntime()

	args := flag.Args()
	if len(args) < 1 || len(args) > 2 {
		fmt.Fprintln(os.Stderr, "usage: callctl [flags] <method> [params-json]")
		flag.PrintDefaults()
		os.Exit(2)
	}
	method := args[0]

	var params any
	if len(args) == 2 {
		var raw json.RawMessage
		if err := json.Unmarshal([]byte(args[1]), &raw); err != nil {
			fmt.Fprintf(os.Stderr, "callctl: params is not valid JSON: %v\n", err)
			os.Exit(2)
		}
		params = raw
	}

	c, err := client.Dial(client.Config{Addr: *addr, Timeout: *timeout})
	if err != nil {
		fmt.Fprintf(os.Stderr, "callctl: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	var onProgress client.ProgressFunc
	if rpc.Classify(method) == rpc.ClassDeferred && !*quiet {
		onProgress = func(p rpc.ProgressParams) {
			fmt.Fprintf(os.Stderr, "[%d/%d] %s\n", p.Step, p.Total, p.Message)
		}
	}

	var result json.RawMessage
	if onProgress != nil {
		err = c.CallDeferred(method, params, &result, onProgress)
	} else {
		err = c.Call(method, params, &result)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "callctl: %v\n", err)
		os.Exit(1)
	}

	pretty, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Println(string(result))
		return
	}
	fmt.Println(string(pretty))
}
