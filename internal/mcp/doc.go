// Package mcp connects to remote tool engines that speak MCP (JSON-RPC
// 2.0 over streamable HTTP). Each engine's tools are discovered with
// tools/list and registered in the tool registry under their own names,
// with the engine recorded so the registry can refuse calls while the
// engine is down.
package mcp
