package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const fileName = "foundry.yml"

// Config models foundry.yml.
type Config struct {
	Version int `yaml:"version"`
	Project struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"project"`
	Queue struct {
		MaxAttempts int `yaml:"max_attempts"`
	} `yaml:"queue"`
	Dispatcher struct {
		Concurrency       int `yaml:"concurrency"`
		PollIntervalMS    int `yaml:"poll_interval_ms"`
		MaxPollIntervalMS int `yaml:"max_poll_interval_ms"`
	} `yaml:"dispatcher"`
	Pipeline struct {
		MaxDevCycles int `yaml:"max_dev_cycles"`
	} `yaml:"pipeline"`
	Budget struct {
		AgentRunUSD    float64 `yaml:"agent_run_usd"`
		ProjectDayUSD  float64 `yaml:"project_day_usd"`
		GlobalDayUSD   float64 `yaml:"global_day_usd"`
		GlobalMonthUSD float64 `yaml:"global_month_usd"`
	} `yaml:"budget"`
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	Agents   []Agent   `yaml:"agents"`
	Webhooks []Webhook `yaml:"webhooks,omitempty"`
}

// Agent describes one executor identity in the roster.
type Agent struct {
	ID               string   `yaml:"id"`
	Name             string   `yaml:"name"`
	Type             string   `yaml:"type"`
	Model            string   `yaml:"model"`
	Command          string   `yaml:"command,omitempty"`
	Args             []string `yaml:"args,omitempty"`
	TimeoutSeconds   int      `yaml:"timeout_seconds"`
	MaxConcurrency   int      `yaml:"max_concurrency"`
	EstimatedCostUSD float64  `yaml:"estimated_cost_usd"`
}

// Webhook is an outbound event subscription. An empty events list means
// every event type.
type Webhook struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Active reports whether the hook should receive deliveries.
func (w Webhook) Active() bool {
	return w.URL != "" && (w.Enabled == nil || *w.Enabled)
}

var agentTypes = map[string]bool{
	"clarifier": true,
	"developer": true,
	"builder":   true,
	"tester":    true,
}

// Default returns the seed config for a new workspace.
func Default(projectID string) *Config {
	c := &Config{}
	c.Version = 1
	c.Project.ID = projectID
	c.Project.Name = projectID
	c.Queue.MaxAttempts = 3
	c.Dispatcher.Concurrency = 4
	c.Dispatcher.PollIntervalMS = 500
	c.Dispatcher.MaxPollIntervalMS = 5000
	c.Pipeline.MaxDevCycles = 3
	c.Budget.AgentRunUSD = 2
	c.Budget.ProjectDayUSD = 20
	c.Budget.GlobalDayUSD = 50
	c.Budget.GlobalMonthUSD = 500
	c.Server.Addr = "127.0.0.1:8700"
	// The seeded commands assume a wrapper that prints the result envelope
	// on stdout; operators point them at their own scripts.
	c.Agents = []Agent{
		{ID: "clarifier", Name: "Clarifier", Type: "clarifier", Model: "sonnet", Command: "claude", Args: []string{"--print"}, TimeoutSeconds: 120, MaxConcurrency: 2, EstimatedCostUSD: 0.10},
		{ID: "developer", Name: "Developer", Type: "developer", Model: "opus", Command: "claude", Args: []string{"--print"}, TimeoutSeconds: 600, MaxConcurrency: 1, EstimatedCostUSD: 1.00},
		{ID: "builder", Name: "Builder", Type: "builder", Model: "haiku", Command: "claude", Args: []string{"--print"}, TimeoutSeconds: 300, MaxConcurrency: 2, EstimatedCostUSD: 0.05},
		{ID: "tester", Name: "Tester", Type: "tester", Model: "sonnet", Command: "claude", Args: []string{"--print"}, TimeoutSeconds: 300, MaxConcurrency: 2, EstimatedCostUSD: 0.15},
	}
	return c
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, fileName)
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run foundry init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates raw config bytes.
func FromYAML(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Save writes the config to the workspace.
func (c *Config) Save(workspace string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(Path(workspace), data, 0o644)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("config.queue.max_attempts must be >= 1")
	}
	if c.Dispatcher.Concurrency < 1 {
		return fmt.Errorf("config.dispatcher.concurrency must be >= 1")
	}
	if c.Dispatcher.PollIntervalMS < 1 {
		return fmt.Errorf("config.dispatcher.poll_interval_ms must be >= 1")
	}
	if c.Dispatcher.MaxPollIntervalMS < c.Dispatcher.PollIntervalMS {
		return fmt.Errorf("config.dispatcher.max_poll_interval_ms must be >= poll_interval_ms")
	}
	if c.Pipeline.MaxDevCycles < 1 {
		return fmt.Errorf("config.pipeline.max_dev_cycles must be >= 1")
	}
	for _, v := range []struct {
		name  string
		value float64
	}{
		{"agent_run_usd", c.Budget.AgentRunUSD},
		{"project_day_usd", c.Budget.ProjectDayUSD},
		{"global_day_usd", c.Budget.GlobalDayUSD},
		{"global_month_usd", c.Budget.GlobalMonthUSD},
	} {
		if v.value < 0 {
			return fmt.Errorf("config.budget.%s must be >= 0", v.name)
		}
	}
	if len(c.Agents) == 0 {
		return fmt.Errorf("config.agents must define at least one agent")
	}
	seen := map[string]bool{}
	for _, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("config.agents contains an agent without id")
		}
		if seen[a.ID] {
			return fmt.Errorf("config.agents has duplicate agent id %s", a.ID)
		}
		seen[a.ID] = true
		if !agentTypes[a.Type] {
			return fmt.Errorf("agent %s has unknown type %q", a.ID, a.Type)
		}
		if a.Model == "" {
			return fmt.Errorf("agent %s has no model", a.ID)
		}
		if a.TimeoutSeconds < 1 {
			return fmt.Errorf("agent %s timeout_seconds must be >= 1", a.ID)
		}
		if a.MaxConcurrency < 1 {
			return fmt.Errorf("agent %s max_concurrency must be >= 1", a.ID)
		}
		if a.EstimatedCostUSD < 0 {
			return fmt.Errorf("agent %s estimated_cost_usd must be >= 0", a.ID)
		}
	}
	for i, w := range c.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("config.webhooks[%d] has no url", i)
		}
		if w.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d] timeout_seconds must be >= 0", i)
		}
	}
	return nil
}

// Agent returns the roster entry with the given id.
func (c *Config) Agent(id string) (Agent, bool) {
	for _, a := range c.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return Agent{}, false
}

// AgentByType returns the first roster entry of the given type.
func (c *Config) AgentByType(typ string) (Agent, bool) {
	for _, a := range c.Agents {
		if a.Type == typ {
			return a, true
		}
	}
	return Agent{}, false
}

// PollInterval returns the dispatcher base poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Dispatcher.PollIntervalMS) * time.Millisecond
}

// MaxPollInterval returns the dispatcher backoff ceiling for an empty queue.
func (c *Config) MaxPollInterval() time.Duration {
	return time.Duration(c.Dispatcher.MaxPollIntervalMS) * time.Millisecond
}
