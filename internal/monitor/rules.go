package monitor

import (
	"encoding/json"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/aegis-fin/aegis/pkg/models"
)

// Rule is a WatchRule with its threshold predicate compiled to an expr
// program. Compilation happens once at load time; a rule that fails to
// compile is rejected before the monitor ever sees it.
type Rule struct {
	models.WatchRule
	program *vm.Program
}

// CompileRule validates the rule and compiles its predicate. The predicate
// is evaluated against an environment holding the invocation output under
// "output" (alias "observed"); when the output is a JSON object its
// top-level fields are also exposed directly, so "change > 0.5" and
// "output.change > 0.5" both work.
func CompileRule(wr models.WatchRule) (*Rule, error) {
	if wr.ID == "" {
		return nil, fmt.Errorf("watch rule has no id")
	}
	if wr.Capability == "" {
		return nil, fmt.Errorf("watch rule %q has no capability", wr.ID)
	}
	if wr.Predicate == "" {
		return nil, fmt.Errorf("watch rule %q has no predicate", wr.ID)
	}
	if wr.Severity == "" {
		wr.Severity = models.SeverityWarning
	}

	program, err := expr.Compile(wr.Predicate,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("watch rule %q: compile predicate: %w", wr.ID, err)
	}
	return &Rule{WatchRule: wr, program: program}, nil
}

// Crossed evaluates the predicate against an observed invocation output.
// Evaluation is pure: same output, same answer.
func (r *Rule) Crossed(output json.RawMessage) (bool, error) {
	env := map[string]any{"output": nil, "observed": nil}
	if len(output) > 0 {
		var decoded any
		if err := json.Unmarshal(output, &decoded); err != nil {
			return false, fmt.Errorf("rule %q: decode observed output: %w", r.ID, err)
		}
		env["output"] = decoded
		env["observed"] = decoded
		if fields, ok := decoded.(map[string]any); ok {
			for k, v := range fields {
				if k != "output" && k != "observed" {
					env[k] = v
				}
			}
		}
	}

	v, err := expr.Run(r.program, env)
	if err != nil {
		return false, fmt.Errorf("rule %q: evaluate predicate: %w", r.ID, err)
	}
	crossed, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("rule %q: predicate returned %T, want bool", r.ID, v)
	}
	return crossed, nil
}
