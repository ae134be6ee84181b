// Package agent runs typed executors against claimed jobs and records each
// run as an immutable AgentRun with its usage.
package agent

import (
	"context"

	"foundry/internal/domain"
)

// Result is what an executor reports back. Output must be a JSON document;
// the pipeline's outcome handlers parse it by job type. CostUSD may be zero
// when the executor only reports tokens, in which case the runtime prices the
// run from the model table.
type Result struct {
	Output       string
	TokensInput  int
	TokensOutput int
	CostUSD      float64
}

// Executor performs one job attempt. Implementations must honor ctx
// cancellation: the dispatcher cancels the context on timeout and on job
// cancellation.
type Executor interface {
	Execute(ctx context.Context, job domain.Job) (Result, error)
}

// Func adapts a function to Executor; tests use it for fakes.
type Func func(ctx context.Context, job domain.Job) (Result, error)

func (f Func) Execute(ctx context.Context, job domain.Job) (Result, error) {
	return f(ctx, job)
}
