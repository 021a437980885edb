package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type scriptedClient struct {
	deltas []string
	err    error
	calls  int
}

func (c *scriptedClient) Complete(_ context.Context, _ Request, onDelta DeltaHandler) (Response, error) {
	c.calls++
	for _, d := range c.deltas {
		if onDelta != nil {
			if err := onDelta(d); err != nil {
				return Response{}, err
			}
		}
	}
	if c.err != nil {
		return Response{}, c.err
	}
	return Response{Text: strings.Join(c.deltas, "")}, nil
}

func TestNewClientModes(t *testing.T) {
	c, err := NewClient(Config{Provider: "auto"})
	if err != nil {
		t.Fatalf("NewClient(auto) error = %v", err)
	}
	if _, ok := c.(*MockClient); !ok {
		t.Fatalf("auto without key = %T, want *MockClient", c)
	}

	c, err = NewClient(Config{Provider: "groq", APIKey: "k"})
	if err != nil {
		t.Fatalf("NewClient(groq) error = %v", err)
	}
	oc, ok := c.(*OpenAIClient)
	if !ok {
		t.Fatalf("groq = %T, want *OpenAIClient", c)
	}
	if oc.cfg.BaseURL != GroqBaseURL || oc.cfg.Model != DefaultModel {
		t.Fatalf("groq cfg = %+v", oc.cfg)
	}

	c, err = NewClient(Config{Provider: "openai", APIKey: "k", Model: "gpt-4o", FallbackModel: "llama"})
	if err != nil {
		t.Fatalf("NewClient(openai+fallback) error = %v", err)
	}
	if _, ok := c.(*FallbackClient); !ok {
		t.Fatalf("with fallback model = %T, want *FallbackClient", c)
	}

	if _, err := NewClient(Config{Provider: "groq"}); err == nil {
		t.Fatalf("NewClient(groq) without key should fail")
	}
	if _, err := NewClient(Config{Provider: "carrier-pigeon"}); err == nil {
		t.Fatalf("NewClient(unknown) should fail")
	}
}

func TestFallbackClientUsesSecondaryBeforeAnyDelta(t *testing.T) {
	primary := &scriptedClient{err: errors.New("upstream down")}
	secondary := &scriptedClient{deltas: []string{"hello"}}
	c := NewFallbackClient(primary, secondary)

	resp, err := c.Complete(context.Background(), Request{}, nil)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Text != "hello" || secondary.calls != 1 {
		t.Fatalf("resp=%q secondary.calls=%d", resp.Text, secondary.calls)
	}
}

func TestFallbackClientKeepsPrimaryErrorAfterStreaming(t *testing.T) {
	primary := &scriptedClient{deltas: []string{"partial"}, err: errors.New("stream cut")}
	secondary := &scriptedClient{deltas: []string{"hello"}}
	c := NewFallbackClient(primary, secondary)

	if _, err := c.Complete(context.Background(), Request{}, nil); err == nil {
		t.Fatalf("Complete() expected primary error")
	}
	if secondary.calls != 0 {
		t.Fatalf("secondary.calls = %d, want 0", secondary.calls)
	}
}

func TestFallbackClientSkipsSecondaryOnCancel(t *testing.T) {
	primary := &scriptedClient{err: context.Canceled}
	secondary := &scriptedClient{deltas: []string{"hello"}}
	c := NewFallbackClient(primary, secondary)

	_, err := c.Complete(context.Background(), Request{}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if secondary.calls != 0 {
		t.Fatalf("secondary.calls = %d, want 0", secondary.calls)
	}
}

func TestMockClientRequestsBookingLookup(t *testing.T) {
	c := NewMockClient()
	resp, err := c.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "it's ab12 cde"}},
		Tools:    []Tool{{Name: "findBooking"}},
	}, nil)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "findBooking" {
		t.Fatalf("ToolCalls = %+v, want one findBooking", resp.ToolCalls)
	}
	if !strings.Contains(resp.ToolCalls[0].Arguments, "AB12 CDE") {
		t.Fatalf("Arguments = %q, want upper-cased registration", resp.ToolCalls[0].Arguments)
	}

	var streamed strings.Builder
	resp, err = c.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleTool, Content: `{"customerName":"Sam"}`}},
	}, func(d string) error {
		streamed.WriteString(d)
		return nil
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if streamed.String() != resp.Text || !strings.Contains(resp.Text, "Sam") {
		t.Fatalf("streamed=%q text=%q", streamed.String(), resp.Text)
	}
}
