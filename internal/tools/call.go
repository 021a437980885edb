package tools

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

type CallState string

const (
	CallRequested CallState = "requested"
	CallExecuting CallState = "executing"
	CallCompleted CallState = "completed"
	CallFailed    CallState = "failed"
)

// SourceKind tells where a call request came from.
type SourceKind string

const (
	// SourceStructured is a tool call delivered in the provider's native tool_calls field.
	SourceStructured SourceKind = "structured"
	// SourceEmbeddedMarkup is a <tool_call>{...}</tool_call> block inside assistant text.
	SourceEmbeddedMarkup SourceKind = "embedded_markup"
)

// Call is one requested capability invocation within a model response.
type Call struct {
	ID           string
	Name         string
	RawArguments string
	Arguments    map[string]any
	State        CallState
	Source       SourceKind
}

// StructuredCall wraps a native tool call. A missing ID is generated.
func StructuredCall(id, name, rawArguments string) Call {
	if strings.TrimSpace(id) == "" {
		id = "call_" + uuid.NewString()
	}
	return Call{
		ID:           id,
		Name:         strings.TrimSpace(name),
		RawArguments: rawArguments,
		State:        CallRequested,
		Source:       SourceStructured,
	}
}

var embeddedCallPattern = regexp.MustCompile(`(?s)<tool_call>(.*?)</tool_call>`)

// ParseEmbeddedCalls extracts <tool_call> blocks from assistant text. It returns the
// calls in order and the text with the blocks removed. A block whose body is not
// valid JSON still yields a call so the failure can be reported back to the model.
func ParseEmbeddedCalls(content string) ([]Call, string) {
	matches := embeddedCallPattern.FindAllStringSubmatchIndex(content, -1)
	if len(matches) == 0 {
		return nil, content
	}

	calls := make([]Call, 0, len(matches))
	var rest strings.Builder
	prev := 0
	for _, m := range matches {
		rest.WriteString(content[prev:m[0]])
		prev = m[1]
		calls = append(calls, parseEmbeddedBody(content[m[2]:m[3]]))
	}
	rest.WriteString(content[prev:])
	return calls, strings.TrimSpace(rest.String())
}

func parseEmbeddedBody(body string) Call {
	call := Call{
		ID:           "call_" + uuid.NewString(),
		RawArguments: strings.TrimSpace(body),
		State:        CallRequested,
		Source:       SourceEmbeddedMarkup,
	}

	var payload struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(call.RawArguments), &payload); err != nil {
		return call
	}
	call.Name = strings.TrimSpace(payload.Name)
	call.RawArguments = ""

	args := strings.TrimSpace(string(payload.Arguments))
	if args == "" || args == "null" {
		return call
	}
	// Arguments may arrive as an object or as a JSON-encoded string of one.
	var encoded string
	if err := json.Unmarshal(payload.Arguments, &encoded); err == nil {
		call.RawArguments = encoded
		return call
	}
	call.RawArguments = args
	return call
}
