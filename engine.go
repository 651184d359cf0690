package dirigent

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// EngineConfig bounds and tunes one engine.
type EngineConfig struct {
	// OrchestratorModel handles planning, evaluation, advice, synthesis.
	OrchestratorModel string
	// WorkerModel handles tool-calling task execution.
	WorkerModel string
	// Temperature applies to every model call when non-nil.
	Temperature *float64
	// MaxRounds bounds the outer plan/execute/evaluate attempts (default 3).
	MaxRounds int
	// MaxIterations bounds the rounds of a nested per-agent sub-plan
	// (default 3). Only consulted when UseAgentPlanner is set.
	MaxIterations int
	// UseAgentPlanner enables the nested planner/executor pair per task.
	UseAgentPlanner bool
}

func (c *EngineConfig) defaults() {
	if c.MaxRounds < 1 {
		c.MaxRounds = 3
	}
	if c.MaxIterations < 1 {
		c.MaxIterations = 3
	}
}

// Engine is the orchestration loop: plan a request into rounds of agent
// tasks, execute them against the platform, evaluate, retry under bounded
// budgets, synthesize. One Engine serves many sessions; per-request state
// lives on the stack of Run.
type Engine struct {
	orchestrator Completer
	workerLLM    Completer
	dir          *AgentDirectory
	invoke       InvokeFunc
	cfg          EngineConfig
	tracer       Tracer
	logger       *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine's structured logger. If not set, a no-op
// logger is used (no output).
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithTracer sets the tracer. When set, the engine emits spans for
// planning, rounds, tasks, evaluation, and synthesis. Use
// observer.NewTracer() for an OTEL-backed implementation.
func WithTracer(t Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// NewEngine creates an engine. orchestrator and workerLLM may be the same
// Completer; invoke is the tool-invocation path, normally a session's
// LoginCoordinator.Invoke.
func NewEngine(orchestrator, workerLLM Completer, dir *AgentDirectory, invoke InvokeFunc, cfg EngineConfig, opts ...EngineOption) *Engine {
	cfg.defaults()
	e := &Engine{
		orchestrator: orchestrator,
		workerLLM:    workerLLM,
		dir:          dir,
		invoke:       invoke,
		cfg:          cfg,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = nopLogger
	}
	return e
}

// usageTracker wraps a Completer and accumulates token usage across
// concurrent calls of one run.
type usageTracker struct {
	inner Completer
	mu    sync.Mutex
	usage Usage
}

func (t *usageTracker) Name() string { return t.inner.Name() }

func (t *usageTracker) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	resp, err := t.inner.Complete(ctx, req)
	t.mu.Lock()
	t.usage.Add(resp.Usage)
	t.mu.Unlock()
	return resp, err
}

// runState is the per-run component set, bound to usage trackers so one
// Reply can report the run's full token spend.
type runState struct {
	engine   *Engine
	invoke   InvokeFunc
	orch     *usageTracker
	work     *usageTracker
	planner  *planner
	worker   *worker
	taskEval *taskEvaluator
	overall  *overallEvaluator
	advisor  *advisor
	synth    *synthesizer
}

func (e *Engine) newRun(invoke InvokeFunc) *runState {
	orch := &usageTracker{inner: e.orchestrator}
	work := &usageTracker{inner: e.workerLLM}
	return &runState{
		engine:   e,
		invoke:   invoke,
		orch:     orch,
		work:     work,
		planner:  &planner{completer: orch, model: e.cfg.OrchestratorModel, temperature: e.cfg.Temperature, dir: e.dir, logger: e.logger},
		worker:   &worker{completer: work, model: e.cfg.WorkerModel, temperature: e.cfg.Temperature, invoke: invoke, logger: e.logger},
		taskEval: &taskEvaluator{completer: orch, model: e.cfg.OrchestratorModel, logger: e.logger},
		overall:  &overallEvaluator{completer: orch, model: e.cfg.OrchestratorModel, logger: e.logger},
		advisor:  &advisor{completer: orch, model: e.cfg.OrchestratorModel, logger: e.logger},
		synth:    &synthesizer{completer: orch, model: e.cfg.OrchestratorModel, logger: e.logger},
	}
}

func (r *runState) usage() Usage {
	u := r.orch.usage
	u.Add(r.work.usage)
	return u
}

// Run answers one request for a session. The returned Reply either
// carries final Content or a FollowUp question the caller must relay to
// the user. Only connectivity failures and unrecoverable planner schema
// failures return an error; everything else is absorbed into the trace.
//
// When sess has a LoginCoordinator attached, its Invoke path replaces the
// engine's default so container authorizations stay session-scoped.
func (e *Engine) Run(ctx context.Context, request string, sess *Session) (Reply, error) {
	var span Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "engine.run", StringAttr("session", sess.ID))
		defer span.End()
	}

	invoke := e.invoke
	if auth := sess.Coordinator(); auth != nil {
		invoke = auth.Invoke
	}
	run := e.newRun(invoke)
	history := sess.History()

	var all []AgentResult
	current := request
	for attempt := 1; attempt <= e.cfg.MaxRounds; attempt++ {
		e.logger.Info("planning", "session", sess.ID, "attempt", attempt)
		plan, err := run.planner.plan(ctx, current, history)
		if err != nil {
			if span != nil {
				span.Error(err)
			}
			return Reply{Usage: run.usage()}, err
		}
		if plan.NeedsFollowUp {
			e.logger.Info("plan requests follow-up", "session", sess.ID)
			sess.Append(UserMessage(request), AssistantMessage(plan.FollowUp))
			return Reply{FollowUp: plan.FollowUp, Results: all, Usage: run.usage()}, nil
		}

		results := runRounds(ctx, plan.Tasks, all, dependencyContext, run.executeTask, e.logger)
		all = append(all, results...)

		verdict := run.overall.evaluate(ctx, request, results)
		e.logger.Info("execution evaluated", "session", sess.ID, "attempt", attempt, "verdict", verdict)
		if verdict == VerdictFinished || attempt == e.cfg.MaxRounds {
			break
		}

		advice := run.advisor.advise(ctx, request, all)
		if advice.NeedsFollowUp {
			sess.Append(UserMessage(request), AssistantMessage(advice.FollowUpQuestion))
			return Reply{FollowUp: advice.FollowUpQuestion, Results: all, Usage: run.usage()}, nil
		}
		if !advice.ShouldRetry {
			e.logger.Info("advisor vetoed retry", "session", sess.ID, "attempt", attempt)
			break
		}
		current = retryRequest(request, advice)
	}

	content := run.synth.synthesize(ctx, request, all)
	sess.Append(UserMessage(request), AssistantMessage(content))
	return Reply{Content: content, Results: all, Usage: run.usage()}, nil
}

// executeTask runs one planned task: general-agent fast path, otherwise
// direct worker execution or a nested per-agent sub-plan, then per-task
// evaluation with at most one retry.
func (r *runState) executeTask(ctx context.Context, t AgentTask, contextText string) AgentResult {
	task := t.Task + contextText
	if t.Agent == GeneralAgentName {
		return capabilitiesResult(t.Task, r.engine.dir)
	}

	tools := r.engine.dir.Tools(t.Agent)
	summary := r.engine.dir.Summary(t.Agent)

	var res AgentResult
	if r.engine.cfg.UseAgentPlanner {
		res = r.executeNested(ctx, t.Agent, summary, task, tools)
	} else {
		res = r.worker.executeTask(ctx, t.Agent, summary, task, tools)
	}
	res.Task = t.Task

	// Per-task retry happens at most once, independent of the outer
	// MaxRounds budget.
	if r.taskEval.evaluate(ctx, task, res) == VerdictReiterate {
		r.engine.logger.Info("task reiterated", "agent", t.Agent)
		retry := r.worker.executeTask(ctx, t.Agent, summary, retryTaskText(task, res), tools)
		retry.Task = t.Task
		retry.Usage.Add(res.Usage)
		return retry
	}
	return res
}

// executeNested decomposes one task into the agent's own sub-plan and
// reuses the round executor recursively. MaxIterations bounds how many
// sub-rounds run; a sub-plan failure falls back to direct execution.
func (r *runState) executeNested(ctx context.Context, agent, summary, task string, tools []ToolDefinition) AgentResult {
	plan, err := r.planner.planForAgent(ctx, agent, task, tools)
	if err != nil || len(plan.Tasks) == 0 {
		if err != nil {
			r.engine.logger.Warn("nested planning failed, executing directly", "agent", agent, "error", err)
		}
		return r.worker.executeTask(ctx, agent, summary, task, tools)
	}

	// Cap the sub-plan at MaxIterations rounds.
	rounds := plan.Rounds()
	if len(rounds) > r.engine.cfg.MaxIterations {
		cutoff := rounds[r.engine.cfg.MaxIterations-1]
		var kept []AgentTask
		for _, st := range plan.Tasks {
			if st.Round <= cutoff {
				kept = append(kept, st)
			}
		}
		plan.Tasks = kept
	}

	exec := func(ctx context.Context, st AgentTask, contextText string) AgentResult {
		return r.worker.executeTask(ctx, agent, summary, st.Task+contextText, tools)
	}
	subResults := runRounds(ctx, plan.Tasks, nil, allPriorContext, exec, r.engine.logger)
	return mergeResults(agent, task, subResults)
}

// mergeResults folds a sub-plan's results into the single AgentResult the
// outer round expects.
func mergeResults(agent, task string, results []AgentResult) AgentResult {
	merged := AgentResult{Agent: agent, Task: task}
	var outputs []string
	for _, r := range results {
		outputs = append(outputs, r.Output)
		merged.Calls = append(merged.Calls, r.Calls...)
		merged.Results = append(merged.Results, r.Results...)
		merged.Usage.Add(r.Usage)
	}
	var kept []string
	for _, o := range outputs {
		if o != "" {
			kept = append(kept, o)
		}
	}
	merged.Output = strings.Join(kept, "\n\n")
	return merged
}
