package workflow

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidDefinition = errors.New("invalid workflow definition")
	ErrInvalidAction     = errors.New("invalid action template")
)

// Definition is an ordered list of phases. It is supplied as data and is
// immutable once a run has started.
type Definition struct {
	Name   string     `yaml:"name" json:"name"`
	Phases []PhaseDef `yaml:"phases" json:"phases"`
}

type PhaseDef struct {
	Name             string           `yaml:"name" json:"name"`
	ParallelismCap   int              `yaml:"parallelism_cap" json:"parallelism_cap"`
	RequiredApproval bool             `yaml:"required_approval" json:"required_approval"`
	FailOpenApproval bool             `yaml:"fail_open_approval" json:"fail_open_approval"`
	Actions          []ActionTemplate `yaml:"actions" json:"actions"`
}

// ActionTemplate describes one task to generate for a phase. Dependencies
// reference other action IDs within the same phase.
type ActionTemplate struct {
	ID             string        `yaml:"id" json:"id"`
	Tool           string        `yaml:"tool" json:"tool"`
	Args           []string      `yaml:"args" json:"args,omitempty"`
	Target         string        `yaml:"target" json:"target,omitempty"`
	Priority       int           `yaml:"priority" json:"priority,omitempty"`
	DependsOn      []string      `yaml:"depends_on" json:"depends_on,omitempty"`
	BestEffort     bool          `yaml:"best_effort" json:"best_effort,omitempty"`
	MaxRetries     int           `yaml:"max_retries" json:"max_retries,omitempty"`
	HighRisk       bool          `yaml:"high_risk" json:"high_risk,omitempty"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout,omitempty"`
	IdempotencyKey string        `yaml:"idempotency_key" json:"idempotency_key,omitempty"`
}

// UnmarshalYAML accepts human-friendly timeout strings ("90s", "5m");
// yaml.v3 only decodes integer nanoseconds into time.Duration on its own.
func (a *ActionTemplate) UnmarshalYAML(value *yaml.Node) error {
	var aux struct {
		ID             string   `yaml:"id"`
		Tool           string   `yaml:"tool"`
		Args           []string `yaml:"args"`
		Target         string   `yaml:"target"`
		Priority       int      `yaml:"priority"`
		DependsOn      []string `yaml:"depends_on"`
		BestEffort     bool     `yaml:"best_effort"`
		MaxRetries     int      `yaml:"max_retries"`
		HighRisk       bool     `yaml:"high_risk"`
		Timeout        string   `yaml:"timeout"`
		IdempotencyKey string   `yaml:"idempotency_key"`
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	*a = ActionTemplate{
		ID:             aux.ID,
		Tool:           aux.Tool,
		Args:           aux.Args,
		Target:         aux.Target,
		Priority:       aux.Priority,
		DependsOn:      aux.DependsOn,
		BestEffort:     aux.BestEffort,
		MaxRetries:     aux.MaxRetries,
		HighRisk:       aux.HighRisk,
		IdempotencyKey: aux.IdempotencyKey,
	}
	if strings.TrimSpace(aux.Timeout) != "" {
		timeout, err := time.ParseDuration(aux.Timeout)
		if err != nil {
			return fmt.Errorf("action %s: invalid timeout %q", aux.ID, aux.Timeout)
		}
		a.Timeout = timeout
	}
	return nil
}

func ReadDefinition(path string) (Definition, error) {
	if strings.TrimSpace(path) == "" {
		return Definition{}, fmt.Errorf("definition path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("read workflow definition: %w", err)
	}
	return ParseDefinition(data)
}

func ParseDefinition(data []byte) (Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if err := ValidateDefinition(def); err != nil {
		return Definition{}, err
	}
	return def, nil
}

func ValidateDefinition(def Definition) error {
	if strings.TrimSpace(def.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	if len(def.Phases) == 0 {
		return fmt.Errorf("%w: phases is required", ErrInvalidDefinition)
	}
	names := map[string]struct{}{}
	for i, phase := range def.Phases {
		if err := validatePhase(phase); err != nil {
			return fmt.Errorf("%w: phase[%d]: %v", ErrInvalidDefinition, i, err)
		}
		if _, seen := names[phase.Name]; seen {
			return fmt.Errorf("%w: duplicate phase name %q", ErrInvalidDefinition, phase.Name)
		}
		names[phase.Name] = struct{}{}
	}
	return nil
}

func validatePhase(phase PhaseDef) error {
	if strings.TrimSpace(phase.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if phase.ParallelismCap < 0 {
		return fmt.Errorf("parallelism_cap must be >= 0")
	}
	if len(phase.Actions) == 0 {
		return fmt.Errorf("actions is required")
	}
	ids := map[string]struct{}{}
	for i, action := range phase.Actions {
		if err := ValidateActionTemplate(action); err != nil {
			return fmt.Errorf("action[%d]: %v", i, err)
		}
		if _, seen := ids[action.ID]; seen {
			return fmt.Errorf("duplicate action id %q", action.ID)
		}
		ids[action.ID] = struct{}{}
	}
	for _, action := range phase.Actions {
		for _, dep := range action.DependsOn {
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("action %s depends on unknown action %s", action.ID, dep)
			}
		}
	}
	return validateAcyclic(phase.Actions)
}

func ValidateActionTemplate(action ActionTemplate) error {
	if strings.TrimSpace(action.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidAction)
	}
	if strings.TrimSpace(action.Tool) == "" {
		return fmt.Errorf("%w: tool is required", ErrInvalidAction)
	}
	if action.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must be >= 0", ErrInvalidAction)
	}
	if action.Timeout < 0 {
		return fmt.Errorf("%w: timeout must be >= 0", ErrInvalidAction)
	}
	for _, dep := range action.DependsOn {
		if dep == action.ID {
			return fmt.Errorf("%w: action %s depends on itself", ErrInvalidAction, action.ID)
		}
	}
	return nil
}

func validateAcyclic(actions []ActionTemplate) error {
	deps := make(map[string][]string, len(actions))
	for _, action := range actions {
		deps[action.ID] = action.DependsOn
	}
	visiting := map[string]bool{}
	visited := map[string]bool{}
	var dfs func(string) error
	dfs = func(id string) error {
		if visited[id] {
			return nil
		}
		if visiting[id] {
			return fmt.Errorf("dependency cycle detected at action %s", id)
		}
		visiting[id] = true
		for _, dep := range deps[id] {
			if err := dfs(dep); err != nil {
				return err
			}
		}
		visiting[id] = false
		visited[id] = true
		return nil
	}
	for id := range deps {
		if err := dfs(id); err != nil {
			return err
		}
	}
	return nil
}
