package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// MockClient provides deterministic local replies when no model endpoint is configured.
// It looks up a booking when the caller says something that looks like a UK registration.
type MockClient struct{}

func NewMockClient() *MockClient { return &MockClient{} }

var mockRegistrationPattern = regexp.MustCompile(`(?i)\b([a-z]{2}[0-9]{2}\s?[a-z]{3})\b`)

func (c *MockClient) Complete(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}

	if len(req.Messages) == 0 {
		return c.say("How can I help you with your booking today?", onDelta)
	}
	last := req.Messages[len(req.Messages)-1]

	switch last.Role {
	case RoleTool:
		return c.say(mockToolReply(last.Content), onDelta)
	case RoleUser:
		if m := mockRegistrationPattern.FindStringSubmatch(last.Content); m != nil && hasTool(req.Tools, "findBooking") {
			args, _ := json.Marshal(map[string]string{"registration": strings.ToUpper(m[1])})
			return Response{
				ToolCalls:    []ToolCall{{ID: "call_" + uuid.NewString(), Name: "findBooking", Arguments: string(args)}},
				FinishReason: "tool_calls",
			}, nil
		}
		text := strings.TrimSpace(last.Content)
		if text == "" {
			text = "nothing"
		}
		return c.say(fmt.Sprintf("I heard you say %s • Could you tell me your car registration?", text), onDelta)
	default:
		return c.say("How can I help you with your booking today?", onDelta)
	}
}

func (c *MockClient) say(text string, onDelta DeltaHandler) (Response, error) {
	if onDelta != nil {
		words := strings.SplitAfter(text, " ")
		for _, w := range words {
			if w == "" {
				continue
			}
			if err := onDelta(w); err != nil {
				return Response{}, err
			}
		}
	}
	return Response{Text: text, FinishReason: "stop"}, nil
}

func mockToolReply(content string) string {
	var payload map[string]any
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return "All done • Is there anything else I can help with?"
	}
	if msg, ok := payload["error"].(string); ok && msg != "" {
		return "Sorry, I couldn't find that • Could you repeat the registration for me?"
	}
	if name, ok := payload["customerName"].(string); ok && name != "" {
		return fmt.Sprintf("Thanks %s, I've found your booking • When do you expect to arrive?", name)
	}
	return "All done • Is there anything else I can help with?"
}

func hasTool(tools []Tool, name string) bool {
	for _, t := range tools {
		if t.Name == name {
			return true
		}
	}
	return false
}
