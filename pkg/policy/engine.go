package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"
)

// Engine evaluates device admission policies. Every enabled policy's deny
// set is evaluated; violations of a blocking severity reject the device.
type Engine struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	policies map[string]*prepared
}

// prepared is a policy with its deny query ready to evaluate.
type prepared struct {
	policy Policy
	query  rego.PreparedEvalQuery
}

// NewEngine returns an engine holding the built-in policies.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{logger: logger.With().Str("component", "policy-engine").Logger()}
	if err := e.ReloadPolicies(context.Background()); err != nil {
		return nil, err
	}
	return e, nil
}

// prepare compiles p and prepares "data.<package>.deny".
func prepare(ctx context.Context, p Policy) (*prepared, error) {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return nil, err
	}
	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	if p.LoadedAt.IsZero() {
		p.LoadedAt = time.Now()
	}
	return &prepared{policy: p, query: query}, nil
}

// prepareAll compiles every policy or none.
func prepareAll(ctx context.Context, policies []Policy) (map[string]*prepared, error) {
	out := make(map[string]*prepared, len(policies))
	for _, p := range policies {
		pp, err := prepare(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		out[p.Name] = pp
	}
	return out, nil
}

// EvaluateDevice runs the enabled policies against input in name order. A
// policy that fails to evaluate becomes a warning, never a rejection.
func (e *Engine) EvaluateDevice(ctx context.Context, input *Input) (*Result, error) {
	if input == nil || input.Device == nil {
		return nil, errors.New("policy input requires a device")
	}
	if input.Context == nil {
		input.Context = &Context{Operation: "device_add", Timestamp: time.Now()}
	}

	start := time.Now()
	result := &Result{Allowed: true}

	for _, pp := range e.enabled() {
		name := pp.policy.Name
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		rs, err := pp.query.Eval(ctx, rego.EvalInput(input))
		if err != nil {
			e.logger.Error().Err(err).Str("policy", name).Str("device", input.Device.Name).
				Msg("Policy evaluation failed")
			result.Warnings = append(result.Warnings, Violation{
				Policy:   name,
				Device:   input.Device.Name,
				Message:  fmt.Sprintf("evaluation failed: %v", err),
				Severity: SeverityWarning,
			})
			continue
		}

		for _, v := range violations(&pp.policy, rs, input.Device.Name) {
			if v.Severity.Blocking() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}
	result.Duration = time.Since(start)

	e.logger.Debug().
		Str("device", input.Device.Name).
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Device policies evaluated")
	return result, nil
}

// enabled snapshots the enabled policies sorted by name.
func (e *Engine) enabled() []*prepared {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []*prepared
	for _, name := range e.sortedNames() {
		pp := e.policies[name]
		if pp.policy.Enabled {
			out = append(out, pp)
		}
	}
	return out
}

// violations turns the members of a deny set into violations. A member is
// either a message string or an object with message, severity and device
// fields.
func violations(p *Policy, rs rego.ResultSet, device string) []Violation {
	var out []Violation
	for _, r := range rs {
		if len(r.Expressions) == 0 {
			continue
		}
		deny, ok := r.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range deny {
			v := Violation{Policy: p.Name, Device: device, Severity: p.Severity}
			switch d := d.(type) {
			case string:
				v.Message = d
			case map[string]interface{}:
				if s, ok := d["message"].(string); ok {
					v.Message = s
				}
				if s, ok := d["severity"].(string); ok {
					v.Severity = Severity(s)
				}
				if s, ok := d["device"].(string); ok {
					v.Device = s
				}
			default:
				v.Message = fmt.Sprint(d)
			}
			out = append(out, v)
		}
	}
	return out
}

// LoadPolicies reads policy files from paths and adds them.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	return e.AddPolicies(ctx, policies)
}

// AddPolicies compiles policies and adds them, replacing any with the same
// name. If one fails to compile nothing is added.
func (e *Engine) AddPolicies(ctx context.Context, policies []Policy) error {
	staged, err := prepareAll(ctx, policies)
	if err != nil {
		e.logger.Error().Err(err).Msg("Rejected policy batch")
		return err
	}

	e.mu.Lock()
	for name, pp := range staged {
		e.policies[name] = pp
	}
	e.mu.Unlock()

	e.logger.Info().Int("count", len(staged)).Msg("Policies added")
	return nil
}

// ReplacePolicies swaps every non-builtin policy for policies in one step.
// It is the reload callback used with Loader.Watch.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	staged, err := prepareAll(ctx, policies)
	if err != nil {
		e.logger.Error().Err(err).Msg("Rejected policy batch")
		return err
	}

	e.mu.Lock()
	for name, pp := range e.policies {
		if pp.policy.Builtin {
			if _, shadowed := staged[name]; !shadowed {
				staged[name] = pp
			}
		}
	}
	e.policies = staged
	e.mu.Unlock()

	e.logger.Info().Int("count", len(policies)).Msg("Policies replaced")
	return nil
}

// ReloadPolicies drops every policy and recompiles the built-in ones.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	builtins, err := prepareAll(ctx, GetBuiltinPolicies())
	if err != nil {
		return fmt.Errorf("built-in policies: %w", err)
	}

	e.mu.Lock()
	e.policies = builtins
	e.mu.Unlock()

	e.logger.Debug().Int("count", len(builtins)).Msg("Built-in policies loaded")
	return nil
}

// GetPolicy returns a copy of the named policy.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	pp, ok := e.policies[name]
	if !ok {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := pp.policy
	return &p, nil
}

// ListPolicies returns every policy sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		out = append(out, e.policies[name].policy)
	}
	return out
}

func (e *Engine) EnablePolicy(name string) error  { return e.setEnabled(name, true) }
func (e *Engine) DisablePolicy(name string) error { return e.setEnabled(name, false) }

// setEnabled swaps in a copy so snapshots taken by EvaluateDevice are not
// mutated underneath it.
func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	pp, ok := e.policies[name]
	if !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	next := *pp
	next.policy.Enabled = enabled
	e.policies[name] = &next

	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")
	return nil
}

// sortedNames returns policy names in order. Callers hold e.mu.
func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
