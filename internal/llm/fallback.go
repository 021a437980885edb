package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// FallbackClient tries a primary client first and falls back on error, as long as
// the primary has not streamed anything to the caller yet.
type FallbackClient struct {
	primary  Client
	fallback Client
}

func NewFallbackClient(primary, fallback Client) *FallbackClient {
	return &FallbackClient{primary: primary, fallback: fallback}
}

func (c *FallbackClient) Primary() Client {
	if c == nil {
		return nil
	}
	return c.primary
}

func (c *FallbackClient) Secondary() Client {
	if c == nil {
		return nil
	}
	return c.fallback
}

func (c *FallbackClient) Complete(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	if c == nil || c.primary == nil {
		if c != nil && c.fallback != nil {
			return c.fallback.Complete(ctx, req, onDelta)
		}
		return Response{}, errors.New("fallback client misconfigured")
	}

	streamed := false
	resp, err := c.primary.Complete(ctx, req, func(delta string) error {
		if strings.TrimSpace(delta) != "" {
			streamed = true
		}
		if onDelta == nil {
			return nil
		}
		return onDelta(delta)
	})
	if err == nil {
		return resp, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Response{}, err
	}
	if c.fallback == nil || streamed {
		return Response{}, err
	}

	fallbackResp, fallbackErr := c.fallback.Complete(ctx, req, onDelta)
	if fallbackErr != nil {
		return Response{}, fmt.Errorf("primary client error: %w; fallback client error: %v", err, fallbackErr)
	}
	return fallbackResp, nil
}
