package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrUnknownCapability  = errors.New("unknown capability")
	ErrMalformedArguments = errors.New("malformed arguments")
	ErrCapabilityFailed   = errors.New("capability execution failed")
	ErrPolicyBlocked      = errors.New("capability blocked by policy")
)

// Capability is the implementation behind a declared capability. A non-string
// result is JSON-serialized before it reaches the conversation history.
type Capability func(ctx context.Context, args map[string]any) (any, error)

// Guard decides whether a capability call may run. The decision is
// "allow", "block" or "require_approval"; anything but "allow" stops the call.
type Guard interface {
	Evaluate(ctx context.Context, input any) (decision string, reason string, err error)
}

// InvokeMeta carries per-call context a Guard may need.
type InvokeMeta struct {
	CallSID          string
	PriorInvocations int
}

// Result is the outcome of one invocation. Content is always set and is what
// the model sees; Err classifies failures for logs and metrics.
type Result struct {
	Content string
	Err     error
	// Invoked reports whether the capability itself ran.
	Invoked bool
}

type Option func(*Registry)

func WithGuard(g Guard) Option { return func(r *Registry) { r.guard = g } }

func WithTracer(t trace.Tracer) Option { return func(r *Registry) { r.tracer = t } }

func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.logger = l } }

// Registry maps declared capability names to implementations. It is built once at
// startup and shared by every call; it holds no per-call state.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	defs   map[string]Definition
	impls  map[string]Capability
	guard  Guard
	tracer trace.Tracer
	logger *slog.Logger
}

func NewRegistry(defs []Definition, opts ...Option) *Registry {
	r := &Registry{
		defs:   make(map[string]Definition, len(defs)),
		impls:  make(map[string]Capability, len(defs)),
		tracer: otel.Tracer("github.com/ent0n29/callagent/internal/tools"),
		logger: slog.Default(),
	}
	for _, d := range defs {
		if _, ok := r.defs[d.Name]; !ok {
			r.order = append(r.order, d.Name)
		}
		r.defs[d.Name] = d
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds an implementation to a declared name.
func (r *Registry) Register(name string, fn Capability) error {
	if fn == nil {
		return fmt.Errorf("capability %q: nil implementation", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[name]; !ok {
		return fmt.Errorf("%w: %q is not declared", ErrUnknownCapability, name)
	}
	r.impls[name] = fn
	return nil
}

// Resolve returns the implementation for name.
func (r *Registry) Resolve(name string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.impls[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCapability, name)
	}
	return fn, nil
}

func (r *Registry) Definition(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	return d, ok
}

// Definitions lists bound capabilities in manifest order.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.impls))
	for _, name := range r.order {
		if _, ok := r.impls[name]; ok {
			out = append(out, r.defs[name])
		}
	}
	return out
}

func (r *Registry) Names() []string {
	defs := r.Definitions()
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	return names
}

// Invoke runs a capability and folds every failure into a structured payload.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any, meta InvokeMeta) Result {
	ctx, span := r.tracer.Start(ctx, "capability.invoke", trace.WithAttributes(
		attribute.String("capability.name", name),
		attribute.String("call.sid", meta.CallSID),
	))
	defer span.End()

	res := r.invoke(ctx, name, args, meta)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
		r.logger.Warn("capability failed", "capability", name, "call_sid", meta.CallSID, "error", res.Err)
	}
	span.SetAttributes(attribute.Bool("capability.invoked", res.Invoked))
	return res
}

func (r *Registry) invoke(ctx context.Context, name string, args map[string]any, meta InvokeMeta) Result {
	fn, err := r.Resolve(name)
	if err != nil {
		return Failure(err)
	}
	def, _ := r.Definition(name)
	if args == nil {
		args = map[string]any{}
	}
	if err := Validate(def, args); err != nil {
		return Failure(err)
	}

	if r.guard != nil {
		decision, reason, err := r.guard.Evaluate(ctx, map[string]any{
			"capability":        name,
			"args":              args,
			"call_sid":          meta.CallSID,
			"prior_invocations": meta.PriorInvocations,
		})
		if err != nil {
			return Failure(fmt.Errorf("%w: policy evaluation: %v", ErrPolicyBlocked, err))
		}
		if decision != "allow" {
			if reason == "" {
				reason = decision
			}
			return Failure(fmt.Errorf("%w: %s", ErrPolicyBlocked, reason))
		}
	}

	out, err := call(ctx, fn, args)
	if err != nil {
		res := Failure(fmt.Errorf("%w: %s: %w", ErrCapabilityFailed, name, err))
		res.Invoked = true
		return res
	}
	content, err := stringify(out)
	if err != nil {
		res := Failure(fmt.Errorf("%w: %s: encode result: %w", ErrCapabilityFailed, name, err))
		res.Invoked = true
		return res
	}
	return Result{Content: content, Invoked: true}
}

func call(ctx context.Context, fn Capability, args map[string]any) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx, args)
}

func stringify(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Failure renders err as the {"error", "details"} payload the model receives.
func Failure(err error) Result {
	payload := map[string]string{
		"error":   failureSummary(err),
		"details": err.Error(),
	}
	b, _ := json.Marshal(payload)
	return Result{Content: string(b), Err: err}
}

func failureSummary(err error) string {
	switch {
	case errors.Is(err, ErrUnknownCapability):
		return "Unknown capability."
	case errors.Is(err, ErrMalformedArguments):
		return "Invalid arguments."
	case errors.Is(err, ErrPolicyBlocked):
		return "This action is not allowed right now."
	default:
		return "The action failed."
	}
}
