package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"foundry/internal/domain"
)

// CommandExecutor spawns an external agent process (claude, codex, a shell
// wrapper) per job. The job payload goes to stdin; the process must print a
// JSON result envelope on stdout:
//
//	{"result": {...}, "tokens_input": 1200, "tokens_output": 640, "cost_usd": 0.04}
//
// Timeout and cancellation arrive through ctx; exec.CommandContext kills the
// process when the context ends.
type CommandExecutor struct {
	Command string
	Args    []string
	Dir     string
}

type resultEnvelope struct {
	Result       json.RawMessage `json:"result"`
	TokensInput  int             `json:"tokens_input"`
	TokensOutput int             `json:"tokens_output"`
	CostUSD      float64         `json:"cost_usd"`
}

func (e CommandExecutor) Execute(ctx context.Context, job domain.Job) (Result, error) {
	cmd := exec.CommandContext(ctx, e.Command, e.Args...)
	cmd.Dir = e.Dir
	cmd.Stdin = strings.NewReader(job.Payload)
	cmd.Env = append(os.Environ(),
		"FOUNDRY_JOB_ID="+job.ID,
		"FOUNDRY_JOB_TYPE="+job.Type,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return Result{}, fmt.Errorf("%s: %s", e.Command, msg)
		}
		return Result{}, fmt.Errorf("%s: %w", e.Command, err)
	}
	var env resultEnvelope
	if err := json.Unmarshal(stdout.Bytes(), &env); err != nil {
		return Result{}, fmt.Errorf("parse %s output: %w", e.Command, err)
	}
	res := Result{TokensInput: env.TokensInput, TokensOutput: env.TokensOutput, CostUSD: env.CostUSD}
	if len(env.Result) > 0 {
		res.Output = string(env.Result)
	} else {
		res.Output = "{}"
	}
	return res, nil
}

// Available reports whether the configured command resolves in PATH. The CLI
// checks this at worker startup so misconfiguration surfaces before the first
// claim.
func (e CommandExecutor) Available() bool {
	_, err := exec.LookPath(e.Command)
	return err == nil
}
