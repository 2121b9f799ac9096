// Package tool provides the tool interface and the built-in tool kinds that
// plugin manifests can instantiate.
package tool

import (
	"context"
	"fmt"
)

// Tool represents an external capability that workflow nodes or LLMs can
// invoke by name.
//
// Tools wrap HTTP endpoints, text templates or anything else behind a
// uniform map-in, map-out call. The plugin registry constructs tools from
// manifests and looks them up by Name.
//
// Implementations must be safe for concurrent use.
//
// Example:
//
//	type WeatherTool struct{}
//
//	func (w *WeatherTool) Name() string        { return "get_weather" }
//	func (w *WeatherTool) Description() string { return "Current weather for a city" }
//
//	func (w *WeatherTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
//	    location, _ := input["location"].(string)
//	    return map[string]interface{}{"temperature": 72, "location": location}, nil
//	}
type Tool interface {
	// Name returns the unique identifier for this tool.
	Name() string

	// Description tells users and LLMs what the tool does.
	Description() string

	// Call executes the tool with the given input parameters.
	Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}

// EchoToolName is the name of the built-in echo tool.
const EchoToolName = "echo_tool"

// EchoTool returns its "text" input prefixed with "Echo: ". It is always
// registered so the registry is never empty.
type EchoTool struct{}

// NewEchoTool creates the built-in echo tool.
func NewEchoTool() *EchoTool { return &EchoTool{} }

// Name implements Tool.
func (*EchoTool) Name() string { return EchoToolName }

// Description implements Tool.
func (*EchoTool) Description() string { return "Echoes the text back to the user." }

// Call implements Tool.
func (*EchoTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text, ok := input["text"].(string)
	if !ok {
		return nil, fmt.Errorf("%s: text parameter required (string)", EchoToolName)
	}
	return map[string]interface{}{"output": "Echo: " + text}, nil
}
