package gateway

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aegis-fin/aegis/pkg/models"
)

// ErrInvalidPlan marks a plan whose dependency graph is malformed or
// cyclic. Nothing is dispatched for an invalid plan.
var ErrInvalidPlan = errors.New("invalid plan")

// validatePlan checks the plan's dependency graph up front: step names must
// be unique, every dependency must name an existing step, and the graph
// must be acyclic. Cycle detection is Kahn's algorithm; on failure the
// error names the steps left inside the cycle.
func validatePlan(plan *models.Plan) error {
	if len(plan.Steps) == 0 {
		return fmt.Errorf("%w: plan has no steps", ErrInvalidPlan)
	}

	byName := make(map[string]*models.PlanStep, len(plan.Steps))
	for i := range plan.Steps {
		step := &plan.Steps[i]
		if step.Name == "" {
			return fmt.Errorf("%w: step %d has no name", ErrInvalidPlan, i)
		}
		if step.Capability == "" {
			return fmt.Errorf("%w: step %q has no capability", ErrInvalidPlan, step.Name)
		}
		if _, dup := byName[step.Name]; dup {
			return fmt.Errorf("%w: duplicate step name %q", ErrInvalidPlan, step.Name)
		}
		byName[step.Name] = step
	}

	indegree := make(map[string]int, len(plan.Steps))
	dependents := make(map[string][]string, len(plan.Steps))
	for _, step := range plan.Steps {
		indegree[step.Name] += 0
		for _, dep := range step.DependsOn {
			if dep == step.Name {
				return fmt.Errorf("%w: step %q depends on itself", ErrInvalidPlan, step.Name)
			}
			if _, ok := byName[dep]; !ok {
				return fmt.Errorf("%w: step %q depends on unknown step %q", ErrInvalidPlan, step.Name, dep)
			}
			indegree[step.Name]++
			dependents[dep] = append(dependents[dep], step.Name)
		}
	}

	var queue []string
	for name, deg := range indegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}

	visited := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[name] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(plan.Steps) {
		var stuck []string
		for name, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		return fmt.Errorf("%w: dependency cycle involving %s", ErrInvalidPlan, strings.Join(stuck, ", "))
	}
	return nil
}
