package config_test

import (
	"strings"
	"testing"
	"time"

	"foundry/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	c := config.Default("proj-1")
	if err := c.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if c.Project.ID != "proj-1" || c.Project.Name != "proj-1" {
		t.Fatalf("project %+v", c.Project)
	}
	if c.Queue.MaxAttempts != 3 || c.Pipeline.MaxDevCycles != 3 {
		t.Fatalf("retry defaults: %+v %+v", c.Queue, c.Pipeline)
	}
	if len(c.Agents) != 4 {
		t.Fatalf("agents %d, want 4", len(c.Agents))
	}
	dev, ok := c.AgentByType("developer")
	if !ok || dev.Model != "opus" || dev.MaxConcurrency != 1 {
		t.Fatalf("developer %+v ok=%v", dev, ok)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c := config.Default("proj-1")
	c.Server.Addr = "127.0.0.1:9999"
	c.Budget.ProjectDayUSD = 7.5
	if err := c.Save(dir); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Server.Addr != "127.0.0.1:9999" || got.Budget.ProjectDayUSD != 7.5 {
		t.Fatalf("round trip lost fields: %+v %+v", got.Server, got.Budget)
	}
	if len(got.Agents) != 4 || got.Agents[0].Args[0] != "--print" {
		t.Fatalf("agents after round trip: %+v", got.Agents)
	}
}

func TestLoadMissingFileSuggestsInit(t *testing.T) {
	_, err := config.Load(t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "foundry init") {
		t.Fatalf("err = %v", err)
	}
}

func TestFromYAMLRejectsBadSyntax(t *testing.T) {
	_, err := config.FromYAML([]byte("agents: [unterminated"))
	if err == nil || !strings.Contains(err.Error(), "parse config") {
		t.Fatalf("err = %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *config.Config)
		want   string
	}{
		{"missing project id", func(c *config.Config) { c.Project.ID = "" }, "project.id"},
		{"zero attempts", func(c *config.Config) { c.Queue.MaxAttempts = 0 }, "max_attempts"},
		{"zero concurrency", func(c *config.Config) { c.Dispatcher.Concurrency = 0 }, "concurrency"},
		{"zero poll", func(c *config.Config) { c.Dispatcher.PollIntervalMS = 0 }, "poll_interval_ms"},
		{"max poll below poll", func(c *config.Config) { c.Dispatcher.MaxPollIntervalMS = 100 }, "max_poll_interval_ms"},
		{"zero dev cycles", func(c *config.Config) { c.Pipeline.MaxDevCycles = 0 }, "max_dev_cycles"},
		{"negative budget", func(c *config.Config) { c.Budget.GlobalDayUSD = -1 }, "global_day_usd"},
		{"no agents", func(c *config.Config) { c.Agents = nil }, "at least one agent"},
		{"agent without id", func(c *config.Config) { c.Agents[0].ID = "" }, "without id"},
		{"duplicate agent id", func(c *config.Config) { c.Agents[1].ID = c.Agents[0].ID }, "duplicate agent id"},
		{"unknown agent type", func(c *config.Config) { c.Agents[0].Type = "poet" }, "unknown type"},
		{"agent without model", func(c *config.Config) { c.Agents[0].Model = "" }, "no model"},
		{"zero timeout", func(c *config.Config) { c.Agents[0].TimeoutSeconds = 0 }, "timeout_seconds"},
		{"zero agent concurrency", func(c *config.Config) { c.Agents[0].MaxConcurrency = 0 }, "max_concurrency"},
		{"negative estimate", func(c *config.Config) { c.Agents[0].EstimatedCostUSD = -0.5 }, "estimated_cost_usd"},
		{"webhook without url", func(c *config.Config) { c.Webhooks = []config.Webhook{{}} }, "webhooks[0] has no url"},
		{"negative webhook timeout", func(c *config.Config) {
			c.Webhooks = []config.Webhook{{URL: "http://127.0.0.1:1", TimeoutSeconds: -1}}
		}, "webhooks[0] timeout_seconds"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := config.Default("proj-1")
			tc.mutate(c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want substring %q", err, tc.want)
			}
		})
	}
}

func TestAgentLookups(t *testing.T) {
	c := config.Default("proj-1")
	if _, ok := c.Agent("builder"); !ok {
		t.Fatalf("builder not found")
	}
	if _, ok := c.Agent("nobody"); ok {
		t.Fatalf("found agent that does not exist")
	}
	// first match wins when two roster entries share a type
	c.Agents = append(c.Agents, config.Agent{
		ID: "tester-2", Name: "Tester 2", Type: "tester", Model: "haiku",
		TimeoutSeconds: 60, MaxConcurrency: 1,
	})
	got, ok := c.AgentByType("tester")
	if !ok || got.ID != "tester" {
		t.Fatalf("AgentByType = %+v ok=%v", got, ok)
	}
	if _, ok := c.AgentByType("poet"); ok {
		t.Fatalf("found type that does not exist")
	}
}

func TestPollIntervals(t *testing.T) {
	c := config.Default("proj-1")
	if c.PollInterval() != 500*time.Millisecond {
		t.Fatalf("poll interval %s", c.PollInterval())
	}
	if c.MaxPollInterval() != 5*time.Second {
		t.Fatalf("max poll interval %s", c.MaxPollInterval())
	}
}
