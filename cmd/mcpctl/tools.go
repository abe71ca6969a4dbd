package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/groovelink/groovelink/internal/client"
	"github.com/groovelink/groovelink/internal/protocol/rpc"
)

// bridgeTools adapts bridge RPC methods to MCP tools. Each invocation
// opens a fresh synchronous connection; the bridge is local and the tool
// call rate is human-scale.
type bridgeTools struct {
	cfg client.Config
}

func (b *bridgeTools) register(server *mcp.Server) {
	emptySchema := &jsonschema.Schema{Type: "object"}

	server.AddTool(&mcp.Tool{
		Name:        "bitwig_info",
		Description: "Describe the connected application: name, version, API level, open project.",
		InputSchema: emptySchema,
	}, b.passthrough(rpc.MethodInfoGet))

	server.AddTool(&mcp.Tool{
		Name:        "bitwig_status",
		Description: "Report whether the bridge currently has a live control connection.",
		InputSchema: emptySchema,
	}, b.status)

	server.AddTool(&mcp.Tool{
		Name:        "bitwig_list_tracks",
		Description: "List the tracks of the open project.",
		InputSchema: emptySchema,
	}, b.passthrough(rpc.MethodListTracks))

	server.AddTool(&mcp.Tool{
		Name:        "bitwig_list_scenes",
		Description: "List the scenes of the open project.",
		InputSchema: emptySchema,
	}, b.passthrough(rpc.MethodListScenes))

	server.AddTool(&mcp.Tool{
		Name:        "bitwig_set_tempo",
		Description: "Set the transport tempo in beats per minute (20-666).",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"bpm": {Type: "number", Description: "Tempo in beats per minute."},
			},
			Required: []string{"bpm"},
		},
	}, b.passthrough(rpc.MethodTransportSetTempo))

	server.AddTool(&mcp.Tool{
		Name:        "bitwig_create_track",
		Description: "Create a track and load devices onto it. Runs stepwise; returns the final device count.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"name": {Type: "string", Description: "Track name."},
				"type": {Type: "string", Enum: []any{"instrument", "audio", "effect"}},
				"devices": {
					Type: "array",
					Items: &jsonschema.Schema{
						Type: "object",
						Properties: map[string]*jsonschema.Schema{
							"type": {Type: "string"},
							"path": {Type: "string"},
							"id":   {Type: "string"},
						},
						Required: []string{"type"},
					},
				},
			},
			Required: []string{"name", "type"},
		},
	}, b.createTrack)
}

// passthrough forwards the tool arguments verbatim as RPC params.
func (b *bridgeTools) passthrough(method string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var params any
		if req != nil && req.Params != nil && len(req.Params.Arguments) > 0 {
			params = json.RawMessage(req.Params.Arguments)
		}

		c, err := client.Dial(b.cfg)
		if err != nil {
			return errorResult(err.Error()), nil
		}
		defer c.Close()

		var result json.RawMessage
		if err := c.Call(method, params, &result); err != nil {
			return errorResult(err.Error()), nil
		}
		return textResult(string(result)), nil
	}
}

func (b *bridgeTools) status(ctx context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, err := client.Dial(b.cfg)
	if err != nil {
		return textResult(`{"bridge":"unreachable"}`), nil
	}
	defer c.Close()

	if err := c.Call(rpc.MethodInfoGet, nil, nil); err != nil {
		var rpcErr *rpc.Error
		if errors.As(err, &rpcErr) && rpcErr.Code == rpc.CodeNotConnected {
			return textResult(`{"bridge":"up","control":"disconnected"}`), nil
		}
		return errorResult(err.Error()), nil
	}
	return textResult(`{"bridge":"up","control":"connected"}`), nil
}

func (b *bridgeTools) createTrack(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params rpc.CreateTrackParams
	if req != nil && req.Params != nil && len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &params); err != nil {
			return errorResult(fmt.Sprintf("bad arguments: %v", err)), nil
		}
	}
	if err := params.Validate(); err != nil {
		return errorResult(err.Error()), nil
	}

	c, err := client.Dial(b.cfg)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	defer c.Close()

	var steps []rpc.ProgressParams
	var result rpc.CreateTrackResult
	err = c.CallDeferred(rpc.MethodTrackCreate, params, &result, func(p rpc.ProgressParams) {
		steps = append(steps, p)
	})
	if err != nil {
		return errorResult(err.Error()), nil
	}

	summary, err := json.Marshal(map[string]any{
		"result":   result,
		"progress": steps,
	})
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return textResult(string(summary)), nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func errorResult(message string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: message}},
		IsError: true,
	}
}
