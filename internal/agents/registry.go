package agents

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// manifestEntry is one agent_type's row in the registry manifest.
type manifestEntry struct {
	Kind        string   `yaml:"kind"` // "mock" | "command"
	Command     string   `yaml:"command,omitempty"`
	Args        []string `yaml:"args,omitempty"`
	TimeoutSecs int      `yaml:"timeout_seconds,omitempty"`
}

// Manifest is the top-level YAML document: agent_type -> entry.
type Manifest struct {
	Agents map[string]manifestEntry `yaml:"agents"`
}

// Registry maps agent_type strings to Agent implementations (Design Notes
// §9), populated once at process start from a Manifest rather than
// discovered dynamically.
type Registry struct {
	agents map[string]Agent
}

// LoadManifest reads and parses a YAML manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("agents: read manifest %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("agents: parse manifest %s: %w", path, err)
	}
	return &m, nil
}

// NewRegistry builds a Registry from m, defaulting every unconfigured
// agent_type in defaultStepNames to a MockAgent so a manifest can be partial
// (override a few steps, mock the rest) during development.
func NewRegistry(m *Manifest, defaultStepNames []string, defaultTimeout time.Duration) (*Registry, error) {
	r := &Registry{agents: make(map[string]Agent)}

	for _, step := range defaultStepNames {
		r.agents[step] = &MockAgent{StepName: step}
	}

	if m == nil {
		return r, nil
	}
	for agentType, entry := range m.Agents {
		switch entry.Kind {
		case "", "mock":
			r.agents[agentType] = &MockAgent{StepName: agentType}
		case "command":
			if entry.Command == "" {
				return nil, fmt.Errorf("agents: manifest entry %q: kind=command requires command", agentType)
			}
			timeout := defaultTimeout
			if entry.TimeoutSecs > 0 {
				timeout = time.Duration(entry.TimeoutSecs) * time.Second
			}
			r.agents[agentType] = &CommandAgent{Path: entry.Command, Args: entry.Args, Timeout: timeout}
		default:
			return nil, fmt.Errorf("agents: manifest entry %q: unknown kind %q", agentType, entry.Kind)
		}
	}
	return r, nil
}

// Get returns the Agent registered for agentType.
func (r *Registry) Get(agentType string) (Agent, error) {
	a, ok := r.agents[agentType]
	if !ok {
		return nil, fmt.Errorf("agents: no agent registered for type %q", agentType)
	}
	return a, nil
}
