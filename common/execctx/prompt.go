package execctx

import (
	"github.com/kkkqkx123/graph-agent-go/common/errs"
)

// Role identifies the author of a prompt history entry.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"

	// RoleOutput is a transient role for model output that has not yet been
	// folded back into the conversation; ConvertOutputToInput rewrites it to
	// RoleAssistant before the next inference call.
	RoleOutput Role = "output"
)

// ToolCall describes a tool invocation requested by the model.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// PromptEntry is one message in a thread's prompt history. Indices are
// dense and start at 0.
type PromptEntry struct {
	Index      int                    `json:"index"`
	Role       Role                   `json:"role"`
	Content    string                 `json:"content"`
	ToolCalls  []ToolCall             `json:"tool_calls,omitempty"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// PromptHistory returns a copy of the prompt history.
func (c *Context) PromptHistory() []PromptEntry {
	return copyPrompt(c.prompt)
}

// NextIndex returns the index the next prompt entry will receive.
func (c *Context) NextIndex() int {
	return c.nextIndex
}

// AddSystemPrompt appends a system message.
func (c *Context) AddSystemPrompt(content string) *Context {
	return c.appendPrompt(PromptEntry{Role: RoleSystem, Content: content})
}

// AddUserInput appends a user message.
func (c *Context) AddUserInput(content string) *Context {
	return c.appendPrompt(PromptEntry{Role: RoleUser, Content: content})
}

// AddAssistantOutput appends an assistant message, optionally carrying
// tool calls.
func (c *Context) AddAssistantOutput(content string, toolCalls []ToolCall) *Context {
	return c.appendPrompt(PromptEntry{Role: RoleAssistant, Content: content, ToolCalls: copyToolCalls(toolCalls)})
}

// AddOutput appends a transient output message.
func (c *Context) AddOutput(content string) *Context {
	return c.appendPrompt(PromptEntry{Role: RoleOutput, Content: content})
}

// AddToolResult appends a tool message. The tool call id is required.
func (c *Context) AddToolResult(toolCallID, content string) (*Context, error) {
	if toolCallID == "" {
		return nil, errs.Validation("tool result requires a tool_call_id")
	}
	return c.appendPrompt(PromptEntry{Role: RoleTool, Content: content, ToolCallID: toolCallID}), nil
}

// AddPromptEntry appends an arbitrary entry; the index is assigned here.
func (c *Context) AddPromptEntry(entry PromptEntry) (*Context, error) {
	switch entry.Role {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool, RoleOutput:
	default:
		return nil, errs.Validation("unknown prompt role %q", entry.Role)
	}
	if entry.Role == RoleTool && entry.ToolCallID == "" {
		return nil, errs.Validation("tool result requires a tool_call_id")
	}
	return c.appendPrompt(entry), nil
}

// ConvertOutputToInput rewrites all transient output entries to assistant
// entries without changing indices.
func (c *Context) ConvertOutputToInput() *Context {
	next := c.shallow()
	next.prompt = copyPrompt(c.prompt)
	for i := range next.prompt {
		if next.prompt[i].Role == RoleOutput {
			next.prompt[i].Role = RoleAssistant
		}
	}
	return next
}

// TrimToIndex drops all entries with index >= k and sets the next index
// to k. Trimming past the current next index is a conflict.
func (c *Context) TrimToIndex(k int) (*Context, error) {
	if k < 0 || k > c.nextIndex {
		return nil, errs.Conflict("cannot trim prompt history to index %d (next index is %d)", k, c.nextIndex)
	}
	next := c.shallow()
	next.prompt = copyPrompt(c.prompt[:k])
	next.nextIndex = k
	return next, nil
}

func (c *Context) appendPrompt(entry PromptEntry) *Context {
	next := c.shallow()
	entry.Index = c.nextIndex
	next.prompt = make([]PromptEntry, len(c.prompt), len(c.prompt)+1)
	copy(next.prompt, c.prompt)
	next.prompt = append(next.prompt, entry)
	next.nextIndex = c.nextIndex + 1
	return next
}

func copyPrompt(src []PromptEntry) []PromptEntry {
	if src == nil {
		return nil
	}
	out := make([]PromptEntry, len(src))
	copy(out, src)
	return out
}

func copyToolCalls(src []ToolCall) []ToolCall {
	if src == nil {
		return nil
	}
	out := make([]ToolCall, len(src))
	copy(out, src)
	return out
}
