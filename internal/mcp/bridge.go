package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nugget/wayfinder/internal/tools"
)

// Filter selects which engine tools are bridged. A non-empty Include
// wins over Exclude.
type Filter struct {
	Include []string
	Exclude []string
}

func (f Filter) allows(name string) bool {
	if len(f.Include) > 0 {
		return contains(f.Include, name)
	}
	return !contains(f.Exclude, name)
}

// BridgeTools registers the engine's tools in registry under their own
// names, tagged with the engine name. It returns how many were
// registered.
func BridgeTools(ctx context.Context, client *Client, registry *tools.Registry, filter Filter, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	defs, err := client.ListTools(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tools from %s: %w", client.Name(), err)
	}

	count := 0
	for _, td := range defs {
		if !filter.allows(td.Name) {
			continue
		}
		if existing := registry.Get(td.Name); existing != nil && existing.Engine != client.Name() {
			logger.Warn("tool name already registered by another engine, skipping",
				"tool", td.Name,
				"engine", client.Name(),
				"registered_by", existing.Engine,
			)
			continue
		}
		registry.Register(bridgeTool(client, td))
		count++
		logger.Debug("bridged tool", "tool", td.Name, "engine", client.Name())
	}
	return count, nil
}

func bridgeTool(client *Client, td ToolDefinition) *tools.Tool {
	engine := client.Name()
	name := td.Name
	return &tools.Tool{
		Spec: tools.Spec{
			Name:        name,
			Description: td.Description,
			Schema:      td.InputSchema,
		},
		Engine: engine,
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			text, err := client.CallTool(ctx, name, args)
			if err != nil {
				if errors.Is(err, ErrUnreachable) {
					return nil, &tools.EngineOfflineError{Engine: engine, Tool: name, Err: err}
				}
				return nil, err
			}
			return tools.TextResult(text), nil
		},
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
