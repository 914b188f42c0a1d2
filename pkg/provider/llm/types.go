package llm

import "time"

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// StopReason is the normalized reason a completion ended, independent of the
// vendor's finish/stop vocabulary.
type StopReason string

const (
	// StopEndTurn means the model finished its answer naturally.
	StopEndTurn StopReason = "end_turn"

	// StopToolUse means the model is requesting tool execution; the caller must
	// run the requested tools and feed results back before the turn is complete.
	StopToolUse StopReason = "tool_use"

	// StopMaxTokens means generation was truncated at the output token cap.
	StopMaxTokens StopReason = "max_tokens"
)

// Message is a single entry in a conversation history.
//
// The history is an append-only ordered sequence within one agent run. Every
// assistant message that carries ToolCalls must be followed, before the next
// user-authored turn, by exactly one RoleTool message per call in call order.
// Provider adapters depend on this pairing and do not repair violations.
type Message struct {
	// Role is the message author: user, assistant, or tool.
	Role Role

	// Text is the natural-language content. May be empty for an assistant
	// message that carries only tool calls.
	Text string

	// ToolCalls lists the tool invocations requested by an assistant message.
	ToolCalls []ToolCall

	// ToolCallID links a RoleTool message to the assistant call it answers.
	ToolCallID string

	// IsError marks a RoleTool message as carrying an error diagnostic instead
	// of a successful tool result.
	IsError bool
}

// UserMessage returns a RoleUser message with the given text.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Text: text}
}

// AssistantMessage returns a RoleAssistant message with the given text and calls.
func AssistantMessage(text string, calls []ToolCall) Message {
	return Message{Role: RoleAssistant, Text: text, ToolCalls: calls}
}

// ToolResultMessage returns a RoleTool message answering the call with id.
func ToolResultMessage(id, content string, isError bool) Message {
	return Message{Role: RoleTool, ToolCallID: id, Text: content, IsError: isError}
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	// ID is the provider-assigned call identifier. Adapters for vendors that do
	// not assign ids synthesize stable ones so result pairing still works.
	ID string

	// Name is the tool name; must match a registered ToolDefinition.
	Name string

	// Arguments holds the decoded call arguments.
	Arguments map[string]any
}

// ToolParameter describes one parameter of a tool's contract.
type ToolParameter struct {
	// Name is the parameter name as it appears in the JSON schema.
	Name string

	// Type is the JSON-schema type ("string", "number", "integer", "boolean",
	// "array", "object").
	Type string

	// Description is included in the schema sent to the model.
	Description string

	// Required marks the parameter as mandatory.
	Required bool

	// Enum restricts string parameters to a closed value set. May be nil.
	Enum []string

	// Items describes array element schemas for "array" parameters. May be nil.
	Items map[string]any
}

// ToolDefinition is the public contract of a callable capability. It is
// compiled to each vendor's schema format on demand via Schema.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  []ToolParameter
}

// Schema compiles the parameter list into a JSON-schema object of the shape
// every supported vendor accepts: {"type":"object","properties":{...},
// "required":[...]}.
func (d ToolDefinition) Schema() map[string]any {
	properties := make(map[string]any, len(d.Parameters))
	var required []string
	for _, p := range d.Parameters {
		prop := map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if len(p.Enum) > 0 {
			enum := make([]any, len(p.Enum))
			for i, v := range p.Enum {
				enum[i] = v
			}
			prop["enum"] = enum
		}
		if p.Items != nil {
			prop["items"] = p.Items
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Reply is the single normalized output of any provider for a completion
// request, plain or tool-calling.
type Reply struct {
	// Text is the assistant's natural-language content. A reply may carry both
	// Text and ToolCalls; callers must surface the text and still execute the
	// calls before the turn is finished.
	Text string

	// ToolCalls lists requested tool invocations in the order the model
	// emitted them.
	ToolCalls []ToolCall

	// StopReason is the normalized stop reason.
	StopReason StopReason

	// InputTokens and OutputTokens are the vendor-reported token counts.
	// Zero when the vendor does not report usage.
	InputTokens  int
	OutputTokens int

	// Latency is the wall-clock duration of the vendor call.
	Latency time.Duration
}
