package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDefinition() Definition {
	return Definition{
		Name: "web-assessment",
		Phases: []PhaseDef{
			{
				Name:           "recon",
				ParallelismCap: 2,
				Actions: []ActionTemplate{
					{ID: "dns", Tool: "dig", Target: "example.com"},
					{ID: "ports", Tool: "nmap", Target: "10.0.0.5", DependsOn: []string{"dns"}},
				},
			},
			{
				Name:             "scan",
				RequiredApproval: true,
				Actions: []ActionTemplate{
					{ID: "web", Tool: "nikto", Target: "10.0.0.5", MaxRetries: 2},
				},
			},
		},
	}
}

func TestParseDefinitionYAML(t *testing.T) {
	t.Parallel()
	data := []byte(`
name: web-assessment
phases:
  - name: recon
    parallelism_cap: 2
    actions:
      - id: dns
        tool: dig
        target: example.com
      - id: ports
        tool: nmap
        target: 10.0.0.5
        priority: 5
        depends_on: [dns]
        timeout: 90s
  - name: scan
    required_approval: true
    actions:
      - id: web
        tool: nikto
        target: 10.0.0.5
        max_retries: 2
        best_effort: true
`)
	def, err := ParseDefinition(data)
	require.NoError(t, err)
	assert.Equal(t, "web-assessment", def.Name)
	require.Len(t, def.Phases, 2)
	assert.Equal(t, 2, def.Phases[0].ParallelismCap)
	assert.True(t, def.Phases[1].RequiredApproval)
	require.Len(t, def.Phases[0].Actions, 2)
	assert.Equal(t, []string{"dns"}, def.Phases[0].Actions[1].DependsOn)
	assert.Equal(t, 90*time.Second, def.Phases[0].Actions[1].Timeout)
	assert.True(t, def.Phases[1].Actions[0].BestEffort)
}

func TestValidateDefinition(t *testing.T) {
	t.Parallel()
	assert.NoError(t, ValidateDefinition(validDefinition()))

	t.Run("missing name", func(t *testing.T) {
		def := validDefinition()
		def.Name = " "
		assert.ErrorIs(t, ValidateDefinition(def), ErrInvalidDefinition)
	})
	t.Run("no phases", func(t *testing.T) {
		def := validDefinition()
		def.Phases = nil
		assert.ErrorIs(t, ValidateDefinition(def), ErrInvalidDefinition)
	})
	t.Run("duplicate phase name", func(t *testing.T) {
		def := validDefinition()
		def.Phases[1].Name = def.Phases[0].Name
		assert.ErrorIs(t, ValidateDefinition(def), ErrInvalidDefinition)
	})
	t.Run("duplicate action id", func(t *testing.T) {
		def := validDefinition()
		def.Phases[0].Actions[1].ID = "dns"
		assert.ErrorIs(t, ValidateDefinition(def), ErrInvalidDefinition)
	})
	t.Run("unknown dependency", func(t *testing.T) {
		def := validDefinition()
		def.Phases[0].Actions[1].DependsOn = []string{"nope"}
		assert.ErrorIs(t, ValidateDefinition(def), ErrInvalidDefinition)
	})
	t.Run("self dependency", func(t *testing.T) {
		def := validDefinition()
		def.Phases[0].Actions[0].DependsOn = []string{"dns"}
		assert.ErrorIs(t, ValidateDefinition(def), ErrInvalidDefinition)
	})
	t.Run("dependency cycle", func(t *testing.T) {
		def := validDefinition()
		def.Phases[0].Actions[0].DependsOn = []string{"ports"}
		err := ValidateDefinition(def)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cycle")
	})
	t.Run("missing tool", func(t *testing.T) {
		def := validDefinition()
		def.Phases[0].Actions[0].Tool = ""
		assert.ErrorIs(t, ValidateDefinition(def), ErrInvalidDefinition)
	})
	t.Run("negative retries", func(t *testing.T) {
		def := validDefinition()
		def.Phases[1].Actions[0].MaxRetries = -1
		assert.ErrorIs(t, ValidateDefinition(def), ErrInvalidDefinition)
	})
}

func TestExpandPhase(t *testing.T) {
	t.Parallel()
	phase := validDefinition().Phases[0]
	tasks := ExpandPhase("run-1", phase)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, "run-1", task.RunID)
		assert.Equal(t, "recon", task.Phase)
		assert.Equal(t, TaskQueued, task.Status)
		assert.Equal(t, 1, task.Attempt)
	}
	assert.Equal(t, []string{"dns"}, tasks[1].DependsOn)

	// Expansion copies slices; mutating the task must not touch the template.
	tasks[1].DependsOn[0] = "mutated"
	assert.Equal(t, []string{"dns"}, phase.Actions[1].DependsOn)
}
