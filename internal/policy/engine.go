package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

// Engine evaluates capability calls against a rego policy. It satisfies tools.Guard.
type Engine struct {
	query rego.PreparedEvalQuery
}

func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.capability_policy.decision"),
		rego.Module("capability_policy.rego", policyContent),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare capability policy: %w", err)
	}
	return &Engine{query: query}, nil
}

// LoadEngine reads the policy from path, or uses DefaultPolicy when path is empty.
func LoadEngine(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return NewEngine(ctx, string(b))
}

// Evaluate returns allow, block or require_approval and an optional reason.
// Input keys: capability, args, call_sid, prior_invocations.
func (e *Engine) Evaluate(ctx context.Context, input any) (string, string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", "", fmt.Errorf("evaluate capability policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return "allow", "no decision", nil
	}

	switch v := results[0].Expressions[0].Value.(type) {
	case string:
		return v, "", nil
	case map[string]any:
		decision, _ := v["decision"].(string)
		reason, _ := v["reason"].(string)
		if decision == "" {
			return "", "", fmt.Errorf("capability policy returned object without decision")
		}
		return decision, reason, nil
	default:
		return "", "", fmt.Errorf("capability policy returned %T", v)
	}
}

// DefaultPolicy allows every capability except a second manager notification on
// the same call and transfers that target a different call.
const DefaultPolicy = `
package capability_policy

default decision = {"decision": "allow"}

decision = {"decision": "block", "reason": "manager already notified on this call"} {
	input.capability == "whatsappMessage"
	input.prior_invocations >= 1
}

decision = {"decision": "block", "reason": "transfer is limited to the current call"} {
	input.capability == "transferCall"
	input.call_sid != ""
	input.args.callSid != input.call_sid
}
`
