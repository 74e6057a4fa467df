package registry

import (
	"fmt"

	"github.com/stepflow-io/stepflow/internal/domain"
)

// Operator is the comparison applied by a conditional rule.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "notEquals"
	OpGreaterThan Operator = "greaterThan"
	OpLessThan    Operator = "lessThan"
	OpContains    Operator = "contains"
)

// Conditional gates a step on a field of the entity snapshot.
type Conditional struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// StepDefinition is the static configuration for one unit of work within a
// workflow. Definitions are immutable after registry construction.
type StepDefinition struct {
	StepKey          string
	StepName         string
	StepOrder        int
	AssignedRole     string
	Timer            domain.TimerConfig
	DependsOn        []string
	CanRunInParallel bool
	IsOptional       bool
	Conditional      *Conditional
	Metadata         map[string]any
}

// WorkflowDefinition is an ordered, dependency-linked list of step
// definitions applied to one entity type.
type WorkflowDefinition struct {
	Code        string
	Name        string
	EntityType  string
	Description string
	Steps       []StepDefinition
}

// Registry is the process-wide immutable catalog of workflow definitions.
// It is constructed once at startup and has no mutation API.
type Registry struct {
	byCode map[string]*WorkflowDefinition
}

// New validates the given definitions and builds a registry. Validation
// rejects duplicate step keys, dependencies on unknown keys, and cyclic
// dependency graphs, so a loaded registry is always safe to cascade over.
func New(defs ...WorkflowDefinition) (*Registry, error) {
	r := &Registry{byCode: make(map[string]*WorkflowDefinition, len(defs))}
	for i := range defs {
		def := defs[i]
		if def.Code == "" {
			return nil, fmt.Errorf("workflow definition %d has no code", i)
		}
		if _, dup := r.byCode[def.Code]; dup {
			return nil, fmt.Errorf("duplicate workflow code %s", def.Code)
		}
		if err := validateSteps(&def); err != nil {
			return nil, fmt.Errorf("workflow %s: %w", def.Code, err)
		}
		r.byCode[def.Code] = &def
	}
	return r, nil
}

// MustNew is New for static catalogs wired at startup.
func MustNew(defs ...WorkflowDefinition) *Registry {
	r, err := New(defs...)
	if err != nil {
		panic(err)
	}
	return r
}

// Get returns the workflow definition for code, or nil when unknown.
func (r *Registry) Get(code string) *WorkflowDefinition {
	return r.byCode[code]
}

// StepDefinition returns the step definition for (code, stepKey), or nil.
func (r *Registry) StepDefinition(code string, stepKey string) *StepDefinition {
	def := r.byCode[code]
	if def == nil {
		return nil
	}
	for i := range def.Steps {
		if def.Steps[i].StepKey == stepKey {
			return &def.Steps[i]
		}
	}
	return nil
}

// Codes lists the registered workflow codes.
func (r *Registry) Codes() []string {
	codes := make([]string, 0, len(r.byCode))
	for code := range r.byCode {
		codes = append(codes, code)
	}
	return codes
}

func validateSteps(def *WorkflowDefinition) error {
	keys := make(map[string]bool, len(def.Steps))
	for _, step := range def.Steps {
		if step.StepKey == "" {
			return fmt.Errorf("step with empty key")
		}
		if keys[step.StepKey] {
			return fmt.Errorf("duplicate step key %s", step.StepKey)
		}
		if step.Timer == nil {
			return fmt.Errorf("step %s has no timer config", step.StepKey)
		}
		keys[step.StepKey] = true
	}
	for _, step := range def.Steps {
		for _, dep := range step.DependsOn {
			if !keys[dep] {
				return fmt.Errorf("step %s depends on unknown step %s", step.StepKey, dep)
			}
		}
	}
	return checkAcyclic(def)
}

// checkAcyclic runs a colored DFS over dependsOn edges. Cascades would
// still terminate on a cycle (each step starts at most once) but a cyclic
// graph can never fully complete, so it is rejected at load time.
func checkAcyclic(def *WorkflowDefinition) error {
	deps := make(map[string][]string, len(def.Steps))
	for _, step := range def.Steps {
		deps[step.StepKey] = step.DependsOn
	}

	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(deps))

	var visit func(key string) error
	visit = func(key string) error {
		switch color[key] {
		case grey:
			return fmt.Errorf("dependency cycle through step %s", key)
		case black:
			return nil
		}
		color[key] = grey
		for _, dep := range deps[key] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[key] = black
		return nil
	}

	for _, step := range def.Steps {
		if err := visit(step.StepKey); err != nil {
			return err
		}
	}
	return nil
}
