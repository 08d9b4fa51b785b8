package orchestrator

import "context"

// ToolResult is injected into the next LLM turn as a synthetic
// assistant/system message pair once a tool call completes.
type ToolResult struct {
	Name   string
	Output string
	Err    string
}

// CommandTool executes the read-only shell commands the LLM may issue
// via <edward_command>: cat, ls, find, head, tail, grep, wc.
type CommandTool interface {
	RunCommand(ctx context.Context, sandboxID, command string, args []string) (ToolResult, error)
}

// WebSearchTool executes <edward_web_search> calls.
type WebSearchTool interface {
	Search(ctx context.Context, query string, maxResults int) (ToolResult, error)
}

var allowedCommands = map[string]bool{
	"cat": true, "ls": true, "find": true, "head": true, "tail": true, "grep": true, "wc": true,
}

// IsAllowedCommand reports whether name is one of the read-only tools
// the LLM is permitted to invoke via <edward_command>.
func IsAllowedCommand(name string) bool {
	return allowedCommands[name]
}
