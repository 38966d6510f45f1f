// Package runner schedules a plan's tasks in dependency order with
// bounded concurrency, retry escalation and cost admission.
package runner

import (
	"fmt"
	"strings"

	"github.com/haivemind/haivemind/internal/common/errors"
	v1 "github.com/haivemind/haivemind/pkg/api/v1"
)

// ValidatePlan checks that every dependency references a known task and
// that the graph is acyclic. Returns a CYCLIC_PLAN error otherwise.
func ValidatePlan(plan *v1.Plan) error {
	byID := make(map[string]*v1.Task, len(plan.Tasks))
	for _, t := range plan.Tasks {
		if _, dup := byID[t.ID]; dup {
			return errors.CyclicPlan(fmt.Sprintf("duplicate task id %q", t.ID))
		}
		byID[t.ID] = t
	}
	for _, t := range plan.Tasks {
		for _, dep := range t.Dependencies {
			if _, ok := byID[dep]; !ok {
				return errors.CyclicPlan(fmt.Sprintf("task %q depends on unknown task %q", t.ID, dep))
			}
		}
	}

	const (
		white = 0 // unvisited
		grey  = 1 // on the current DFS path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(plan.Tasks))
	var path []string

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = grey
		path = append(path, id)
		for _, dep := range byID[id].Dependencies {
			switch color[dep] {
			case grey:
				cycle := append(path, dep)
				return errors.CyclicPlan("cycle: " + strings.Join(cycle, " -> "))
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return nil
	}

	for _, t := range plan.Tasks {
		if color[t.ID] == white {
			if err := visit(t.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Descendants returns the transitive dependents of a task, in plan
// order.
func Descendants(plan *v1.Plan, taskID string) []string {
	dependents := make(map[string][]string)
	for _, t := range plan.Tasks {
		for _, dep := range t.Dependencies {
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	reach := make(map[string]bool)
	var walk func(id string)
	walk = func(id string) {
		for _, next := range dependents[id] {
			if !reach[next] {
				reach[next] = true
				walk(next)
			}
		}
	}
	walk(taskID)

	out := make([]string, 0, len(reach))
	for _, t := range plan.Tasks {
		if reach[t.ID] {
			out = append(out, t.ID)
		}
	}
	return out
}
