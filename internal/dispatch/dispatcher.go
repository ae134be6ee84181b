// Package dispatch runs the worker loop: it claims due jobs from the queue,
// resolves each to a registered executor, checks the budget, invokes the
// agent runtime, and settles the result back through the engine.
package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"foundry/internal/agent"
	"foundry/internal/budget"
	"foundry/internal/config"
	"foundry/internal/domain"
	"foundry/internal/engine"
	"foundry/internal/events"
	"foundry/internal/queue"
	"foundry/internal/repo"
)

// Dispatcher drains the job queue. One instance per process; all claimed
// work is executed in-process on a bounded pool of goroutines.
type Dispatcher struct {
	Queue    queue.Queue
	Engine   engine.Engine
	Runtime  agent.Runtime
	Registry *agent.Registry
	Repo     repo.Repo
	Config   *config.Config
	Log      zerolog.Logger

	sem       chan struct{}            // global concurrency slots
	agentSems map[string]chan struct{} // per-agent slots, keyed by agent id
	wg        sync.WaitGroup
}

// New wires a dispatcher over the shared database handle. The registry must
// already hold an executor for every job type the queue can carry.
func New(db *sql.DB, cfg *config.Config, reg *agent.Registry, rt agent.Runtime, log zerolog.Logger) *Dispatcher {
	agentSems := make(map[string]chan struct{}, len(cfg.Agents))
	for _, a := range cfg.Agents {
		agentSems[a.ID] = make(chan struct{}, a.MaxConcurrency)
	}
	return &Dispatcher{
		Queue:     queue.New(db, events.Writer{DB: db}),
		Engine:    engine.New(db, cfg),
		Runtime:   rt,
		Registry:  reg,
		Repo:      repo.Repo{DB: db},
		Config:    cfg,
		Log:       log,
		sem:       make(chan struct{}, cfg.Dispatcher.Concurrency),
		agentSems: agentSems,
	}
}

// Run polls the queue until ctx is cancelled, then waits for in-flight jobs
// to settle before returning. The poll interval doubles while the queue is
// empty, up to the configured ceiling, and resets as soon as work appears.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.Log.Info().
		Int("concurrency", cap(d.sem)).
		Dur("poll_interval", d.Config.PollInterval()).
		Msg("dispatcher started")

	interval := d.Config.PollInterval()
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			d.drain()
			d.Log.Info().Msg("dispatcher stopped")
			return nil
		case <-timer.C:
		}

		claimed, err := d.cycle(ctx)
		if err != nil {
			d.Log.Error().Err(err).Msg("dispatch cycle failed")
		}
		if claimed > 0 {
			interval = d.Config.PollInterval()
		} else if interval < d.Config.MaxPollInterval() {
			interval *= 2
			if interval > d.Config.MaxPollInterval() {
				interval = d.Config.MaxPollInterval()
			}
		}
		timer.Reset(interval)
	}
}

// cycle claims up to the number of free slots and starts each job. It
// returns how many jobs it claimed so Run can adjust its poll backoff.
func (d *Dispatcher) cycle(ctx context.Context) (int, error) {
	free := cap(d.sem) - len(d.sem)
	if free == 0 {
		return 0, nil
	}
	jobs, err := d.Queue.Claim(ctx, free)
	if err != nil {
		return 0, fmt.Errorf("claim jobs: %w", err)
	}
	for i, job := range jobs {
		if ctx.Err() != nil {
			d.releaseBatch(ctx, jobs[i:])
			return len(jobs), nil
		}
		d.start(ctx, job)
	}
	return len(jobs), nil
}

// start resolves the executor and agent slot for one claimed job. Jobs that
// cannot run right now go back to pending; jobs that can never run fail
// permanently.
func (d *Dispatcher) start(ctx context.Context, job domain.Job) {
	binding, ok := d.Registry.Lookup(job.Type)
	if !ok {
		d.Log.Error().Str("job_id", job.ID).Str("job_type", job.Type).Msg("no executor registered")
		if err := d.Engine.FailJobPermanently(ctx, job, "no executor registered for job type "+job.Type); err != nil {
			d.Log.Error().Err(err).Str("job_id", job.ID).Msg("fail job")
		}
		return
	}

	agentSem, ok := d.agentSems[binding.AgentID]
	if !ok {
		// Registered against an agent missing from the roster.
		agentSem = make(chan struct{}, 1)
		d.agentSems[binding.AgentID] = agentSem
	}
	select {
	case agentSem <- struct{}{}:
	default:
		// Agent is saturated. Put the job back without burning an attempt;
		// its scheduled_at is untouched so it stays next in line.
		d.Log.Debug().Str("job_id", job.ID).Str("agent_id", binding.AgentID).Msg("agent saturated, releasing job")
		if err := d.Queue.Release(ctx, job.ID); err != nil {
			d.Log.Error().Err(err).Str("job_id", job.ID).Msg("release job")
		}
		return
	}

	d.sem <- struct{}{}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() { <-d.sem }()
		defer func() { <-agentSem }()
		d.execute(ctx, job, binding)
	}()
}

// execute runs one job end to end: budget check, timeout-bounded invocation
// with a cancellation watcher, then settlement through the engine.
func (d *Dispatcher) execute(ctx context.Context, job domain.Job, binding agent.Binding) {
	log := d.Log.With().Str("job_id", job.ID).Str("job_type", job.Type).Str("agent_id", binding.AgentID).Logger()

	ag, err := d.Repo.GetAgent(ctx, binding.AgentID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			log.Error().Msg("agent not in roster")
			if ferr := d.Engine.FailJobPermanently(ctx, job, "agent "+binding.AgentID+" not configured"); ferr != nil {
				log.Error().Err(ferr).Msg("fail job")
			}
			return
		}
		log.Error().Err(err).Msg("load agent")
		d.failJob(ctx, job, "load agent: "+err.Error(), log)
		return
	}

	var ref domain.JobRef
	// A payload without refs authorizes against the global windows only.
	_ = json.Unmarshal([]byte(job.Payload), &ref)

	scope := budget.Scope{ProjectID: ref.ProjectID, AgentID: ag.ID}
	if err := d.Runtime.Budget.Authorize(ctx, scope, ag.EstimatedCostUSD); err != nil {
		var denial *budget.Denial
		if errors.As(err, &denial) {
			log.Warn().Str("scope", denial.Scope).Float64("limit_usd", denial.LimitUSD).Float64("spent_usd", denial.SpentUSD).Msg("budget denied")
			if derr := d.Engine.DenyJob(ctx, job, ag.ID, denial); derr != nil {
				log.Error().Err(derr).Msg("deny job")
			}
			return
		}
		log.Error().Err(err).Msg("budget check")
		d.failJob(ctx, job, "budget check: "+err.Error(), log)
		return
	}

	timeout := time.Duration(ag.TimeoutSeconds) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	go d.watchCancellation(runCtx, cancel, job.ID)

	_, res, execErr := d.Runtime.Invoke(runCtx, ag, job, binding.Executor)
	d.settle(ctx, job, res, execErr, "agent:"+ag.ID, timeout, log)
}

// watchCancellation polls the job's status while it runs and cancels the
// invocation when an operator cancels the job. Running jobs hold no lease,
// so this poll is the only way a cancel reaches the executor.
func (d *Dispatcher) watchCancellation(ctx context.Context, cancel context.CancelFunc, jobID string) {
	ticker := time.NewTicker(d.Config.PollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status, err := d.Queue.Status(ctx, jobID)
			if err != nil {
				continue
			}
			if status == domain.JobCancelled {
				cancel()
				return
			}
		}
	}
}

// settle writes the job's terminal (or retry) state based on how the
// invocation ended. The run row itself was already closed by the runtime.
func (d *Dispatcher) settle(ctx context.Context, job domain.Job, res agent.Result, execErr error, actor string, timeout time.Duration, log zerolog.Logger) {
	switch {
	case execErr == nil:
		err := d.Engine.ApplyJobOutcome(ctx, job, res.Output, actor)
		if err == nil {
			log.Info().Msg("job completed")
			return
		}
		var oerr *engine.OutcomeError
		if errors.As(err, &oerr) {
			// The agent exited cleanly but produced garbage. Retryable.
			d.failJob(ctx, job, "invalid outcome: "+oerr.Err.Error(), log)
			return
		}
		log.Error().Err(err).Msg("apply outcome")

	case errors.Is(execErr, context.Canceled):
		// Either the job was cancelled (watcher fired, queue row is already
		// terminal) or the dispatcher is shutting down (row still running).
		// Release is a no-op in the first case and requeues in the second.
		releaseCtx := context.WithoutCancel(ctx)
		if err := d.Queue.Release(releaseCtx, job.ID); err != nil {
			log.Error().Err(err).Msg("release job after cancel")
			return
		}
		log.Info().Msg("job interrupted")

	case errors.Is(execErr, context.DeadlineExceeded):
		d.failJob(ctx, job, fmt.Sprintf("timed out after %s", timeout), log)

	default:
		d.failJob(ctx, job, execErr.Error(), log)
	}
}

// failJob records a retryable failure and logs the resulting status.
func (d *Dispatcher) failJob(ctx context.Context, job domain.Job, cause string, log zerolog.Logger) {
	status, err := d.Engine.FailJob(ctx, job, cause)
	if err != nil {
		log.Error().Err(err).Msg("fail job")
		return
	}
	switch status {
	case domain.JobPending:
		log.Warn().Str("cause", cause).Msg("job failed, retrying")
	case domain.JobFailed:
		log.Error().Str("cause", cause).Msg("job failed permanently")
	default:
		log.Warn().Str("cause", cause).Str("status", status).Msg("job failed after leaving running")
	}
}

// releaseBatch puts claimed-but-unstarted jobs back to pending, used when
// shutdown lands in the middle of a claim batch.
func (d *Dispatcher) releaseBatch(ctx context.Context, jobs []domain.Job) {
	releaseCtx := context.WithoutCancel(ctx)
	for _, job := range jobs {
		if err := d.Queue.Release(releaseCtx, job.ID); err != nil {
			d.Log.Error().Err(err).Str("job_id", job.ID).Msg("release job at shutdown")
		}
	}
}

func (d *Dispatcher) drain() {
	d.Log.Info().Msg("waiting for in-flight jobs")
	d.wg.Wait()
}
