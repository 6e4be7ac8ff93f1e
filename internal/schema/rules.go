package schema

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
)

type compiledRule struct {
	rule    Rule
	program cel.Program
}

// ruleEnv declares the variables visible to row rules.
func ruleEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("row", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("row_number", cel.IntType),
	)
}

// compileRules type-checks every rule of s. Rules must produce a bool.
func compileRules(s Schema) ([]compiledRule, error) {
	if len(s.Rules) == 0 {
		return nil, nil
	}

	env, err := ruleEnv()
	if err != nil {
		return nil, fmt.Errorf("create cel env: %w", err)
	}

	out := make([]compiledRule, 0, len(s.Rules))
	for _, r := range s.Rules {
		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("rule %s: compile: %w", r.Name, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("rule %s: must return bool, got %s", r.Name, ast.OutputType())
		}
		prog, err := env.Program(ast, cel.EvalOptions(cel.OptOptimize))
		if err != nil {
			return nil, fmt.Errorf("rule %s: program: %w", r.Name, err)
		}
		out = append(out, compiledRule{rule: r, program: prog})
	}
	return out, nil
}

// eval returns a non-empty message when the rule rejects the row.
// Evaluation errors (missing keys, type mismatches) count as rejections.
func (c compiledRule) eval(values map[string]any, rowNumber int) string {
	out, _, err := c.program.Eval(map[string]any{
		"row":        values,
		"row_number": int64(rowNumber),
	})
	if err != nil {
		return fmt.Sprintf("%s: %v", c.message(), err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool || !ok {
		return c.message()
	}
	return ""
}

func (c compiledRule) message() string {
	if c.rule.Message != "" {
		return c.rule.Message
	}
	return "rule " + c.rule.Name + " failed"
}

// ruleField names the field a rule error is attributed to.
func (c compiledRule) field() string {
	return strings.TrimSpace(c.rule.Name)
}
