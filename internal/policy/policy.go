// Package policy decides permission requests with CEL rules loaded from a
// YAML file. The first rule whose condition is true decides; requests that
// no rule matches go to the fallback decision.
//
// A rules file looks like:
//
//	default: ask
//	rules:
//	  - name: no-force-push
//	    when: tool.name == "Bash" && has(input.command) && input.command.contains("push --force")
//	    action: deny
//	    reason: force pushes are not allowed
//	  - name: reads
//	    when: tool.kind == "read"
//	    action: allow
//
// Conditions see three variables: tool (a map with name, kind and id),
// session_id (a string) and input (the tool call's raw input, decoded from
// JSON).
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/inercia/conduit"
	"github.com/inercia/conduit/internal/logging"
)

// Action is what a matching rule does.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
	// ActionAsk hands the request to the fallback DecideFunc.
	ActionAsk Action = "ask"
)

// Rule is one entry of a rules file.
type Rule struct {
	Name   string `yaml:"name"`
	When   string `yaml:"when"`
	Action Action `yaml:"action"`
	Reason string `yaml:"reason,omitempty"`
}

// RuleSet is the content of a rules file.
type RuleSet struct {
	Default Action `yaml:"default"`
	Rules   []Rule `yaml:"rules"`
}

type compiledRule struct {
	Rule
	program cel.Program
}

type compiled struct {
	def   Action
	rules []compiledRule
}

// Policy evaluates a RuleSet. It is safe for concurrent use; Reload swaps
// the rules atomically.
type Policy struct {
	mu    sync.RWMutex
	rules *compiled

	path     string
	env      *cel.Env
	fallback conduit.DecideFunc
	debounce time.Duration
	logger   *slog.Logger
}

// Option configures a Policy.
type Option func(*Policy)

// WithFallback sets the DecideFunc used for "ask" and for requests no rule
// matches when the default is "ask". Without one those requests are allowed.
func WithFallback(fn conduit.DecideFunc) Option {
	return func(p *Policy) { p.fallback = fn }
}

// WithLogger sets the policy logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Policy) { p.logger = logger }
}

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("tool", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("session_id", cel.StringType),
		cel.Variable("input", cel.DynType),
	)
}

func newPolicy(opts []Option) (*Policy, error) {
	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	p := &Policy{env: env, debounce: DebounceDelay}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = logging.Policy()
	}
	return p, nil
}

// New compiles rs into a Policy.
func New(rs RuleSet, opts ...Option) (*Policy, error) {
	p, err := newPolicy(opts)
	if err != nil {
		return nil, err
	}
	c, err := p.compile(rs)
	if err != nil {
		return nil, err
	}
	p.rules = c
	return p, nil
}

// Load reads and compiles the rules file at path. The Policy remembers the
// path for Reload and Watch.
func Load(path string, opts ...Option) (*Policy, error) {
	p, err := newPolicy(opts)
	if err != nil {
		return nil, err
	}
	p.path = path
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Parse decodes a rules file.
func Parse(data []byte) (RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return RuleSet{}, fmt.Errorf("failed to parse rules: %w", err)
	}
	return rs, nil
}

// Reload re-reads the rules file. On error the current rules stay active.
func (p *Policy) Reload() error {
	if p.path == "" {
		return fmt.Errorf("policy has no rules file")
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("failed to read rules file: %w", err)
	}
	rs, err := Parse(data)
	if err != nil {
		return fmt.Errorf("%s: %w", p.path, err)
	}
	c, err := p.compile(rs)
	if err != nil {
		return fmt.Errorf("%s: %w", p.path, err)
	}

	p.mu.Lock()
	p.rules = c
	p.mu.Unlock()

	p.logger.Info("Permission rules loaded",
		"path", p.path,
		"rules", len(c.rules),
		"default", c.def,
	)
	return nil
}

func (p *Policy) compile(rs RuleSet) (*compiled, error) {
	c := &compiled{def: rs.Default}
	if c.def == "" {
		c.def = ActionAsk
	}
	if !validAction(c.def) {
		return nil, fmt.Errorf("invalid default action %q", c.def)
	}

	for i, r := range rs.Rules {
		if r.Name == "" {
			r.Name = fmt.Sprintf("rule-%d", i+1)
		}
		if !validAction(r.Action) {
			return nil, fmt.Errorf("rule %s: invalid action %q", r.Name, r.Action)
		}
		ast, iss := p.env.Compile(r.When)
		if iss != nil && iss.Err() != nil {
			return nil, fmt.Errorf("rule %s: %w", r.Name, iss.Err())
		}
		if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
			return nil, fmt.Errorf("rule %s: condition must be a bool, got %s", r.Name, ast.OutputType())
		}
		prg, err := p.env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.Name, err)
		}
		c.rules = append(c.rules, compiledRule{Rule: r, program: prg})
	}
	return c, nil
}

func validAction(a Action) bool {
	switch a {
	case ActionAllow, ActionDeny, ActionAsk:
		return true
	}
	return false
}

// Decide implements conduit.DecideFunc.
func (p *Policy) Decide(ctx context.Context, req conduit.PermissionRequest) (conduit.Decision, error) {
	p.mu.RLock()
	c := p.rules
	p.mu.RUnlock()

	action, rule := c.def, Rule{Name: "default"}
	vars := activation(req)
	for _, r := range c.rules {
		out, _, err := r.program.Eval(vars)
		if err != nil {
			// Missing input keys and similar are a non-match.
			p.logger.Debug("Rule evaluation failed",
				"rule", r.Name,
				"error", err,
			)
			continue
		}
		if matched, ok := out.Value().(bool); ok && matched {
			action, rule = r.Action, r.Rule
			break
		}
	}

	p.logger.Debug("Permission rule decided",
		"session_id", req.SessionID,
		"tool", req.ToolName,
		"rule", rule.Name,
		"action", action,
	)

	switch action {
	case ActionAllow:
		return conduit.Allow{}, nil
	case ActionDeny:
		reason := rule.Reason
		if reason == "" {
			reason = "denied by rule " + rule.Name
		}
		return conduit.Deny{Reason: reason}, nil
	}
	if p.fallback != nil {
		return p.fallback(ctx, req)
	}
	return conduit.Allow{}, nil
}

// Rules returns the number of active rules.
func (p *Policy) Rules() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.rules.rules)
}

func activation(req conduit.PermissionRequest) map[string]any {
	var input any = map[string]any{}
	if len(req.RawInput) > 0 {
		var v any
		if err := json.Unmarshal(req.RawInput, &v); err == nil && v != nil {
			input = v
		}
	}
	return map[string]any{
		"tool": map[string]string{
			"name": req.ToolName,
			"kind": req.Kind,
			"id":   req.ToolUseID,
		},
		"session_id": req.SessionID,
		"input":      input,
	}
}
