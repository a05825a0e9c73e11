package gate

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
)

// WindowRule is one deployment-window constraint, expressed as a CEL boolean
// over {env, apps, hour, minute, weekday, risk_level}. Every rule must
// evaluate true for the deployment to proceed.
type WindowRule struct {
	Name       string `yaml:"name" json:"name"`
	Expression string `yaml:"expression" json:"expression"`
}

// DefaultWindowRules is the stock policy: no production deploys on weekends
// or outside business-adjacent hours.
func DefaultWindowRules() []WindowRule {
	return []WindowRule{
		{
			Name:       "no-weekend-production",
			Expression: `env != "production" || (weekday >= 1 && weekday <= 5)`,
		},
		{
			Name:       "production-daytime-only",
			Expression: `env != "production" || (hour >= 7 && hour < 19)`,
		},
	}
}

// WindowPolicy evaluates window rules. Programs are compiled once and cached.
type WindowPolicy struct {
	env   *cel.Env
	rules []WindowRule

	mu       sync.Mutex
	programs map[string]cel.Program
}

// NewWindowPolicy compiles the rule environment.
func NewWindowPolicy(rules []WindowRule) (*WindowPolicy, error) {
	env, err := cel.NewEnv(
		cel.Variable("env", cel.StringType),
		cel.Variable("apps", cel.ListType(cel.StringType)),
		cel.Variable("hour", cel.IntType),
		cel.Variable("minute", cel.IntType),
		cel.Variable("weekday", cel.IntType),
		cel.Variable("risk_level", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create window rule environment: %w", err)
	}
	return &WindowPolicy{
		env:      env,
		rules:    rules,
		programs: make(map[string]cel.Program),
	}, nil
}

func (p *WindowPolicy) program(rule WindowRule) (cel.Program, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if prg, ok := p.programs[rule.Name]; ok {
		return prg, nil
	}
	ast, issues := p.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile window rule %q: %w", rule.Name, issues.Err())
	}
	prg, err := p.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build window rule %q: %w", rule.Name, err)
	}
	p.programs[rule.Name] = prg
	return prg, nil
}

// Evaluate checks every rule at the given time. Returns the name of the first
// failing rule, empty if all pass.
func (p *WindowPolicy) Evaluate(env string, apps []string, riskLevel string, now time.Time) (string, error) {
	input := map[string]any{
		"env":        env,
		"apps":       apps,
		"hour":       int64(now.Hour()),
		"minute":     int64(now.Minute()),
		"weekday":    int64(now.Weekday()),
		"risk_level": riskLevel,
	}
	for _, rule := range p.rules {
		prg, err := p.program(rule)
		if err != nil {
			return rule.Name, err
		}
		out, _, err := prg.Eval(input)
		if err != nil {
			return rule.Name, fmt.Errorf("evaluate window rule %q: %w", rule.Name, err)
		}
		allowed, ok := out.Value().(bool)
		if !ok {
			return rule.Name, fmt.Errorf("window rule %q is not boolean", rule.Name)
		}
		if !allowed {
			return rule.Name, nil
		}
	}
	return "", nil
}
