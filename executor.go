package dirigent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// maxParallelTasks caps the goroutines a single round may spawn.
const maxParallelTasks = 10

// contextFunc renders the context injected into a task's text from the
// results produced so far. The top-level executor injects dependency
// results; the nested per-agent executor injects everything from earlier
// sub-rounds.
type contextFunc func(t AgentTask, done []AgentResult) string

// taskFunc executes a single task, with contextText already rendered.
type taskFunc func(ctx context.Context, t AgentTask, contextText string) AgentResult

// runRounds is the round/dependency executor, used both at the top level
// and recursively inside a single agent's sub-plan. It partitions tasks by
// round number, processes rounds in ascending order, and runs every task
// of a round concurrently through a bounded pool. A round fully completes
// before the next round starts, because later rounds' tasks may consume
// earlier rounds' textual output as injected context. No ordering is
// guaranteed between sibling tasks of the same round.
//
// seed carries results from earlier attempts so dependency context can
// reach across the outer retry loop. The returned slice holds only the
// results produced by this call, in round order and task order within a
// round.
func runRounds(ctx context.Context, tasks []AgentTask, seed []AgentResult, contextFor contextFunc, exec taskFunc, logger *slog.Logger) []AgentResult {
	byRound := map[int][]AgentTask{}
	var rounds []int
	for _, t := range tasks {
		if t.Round < 1 {
			t.Round = 1
		}
		if _, ok := byRound[t.Round]; !ok {
			rounds = append(rounds, t.Round)
		}
		byRound[t.Round] = append(byRound[t.Round], t)
	}
	sort.Ints(rounds)

	done := append([]AgentResult(nil), seed...)
	var out []AgentResult
	for _, round := range rounds {
		batch := byRound[round]
		logger.Debug("executing round", "round", round, "tasks", len(batch))
		results := runBatch(ctx, batch, done, contextFor, exec)
		done = append(done, results...)
		out = append(out, results...)
	}
	return out
}

// runBatch executes one round's tasks concurrently and returns results in
// task order.
func runBatch(ctx context.Context, batch []AgentTask, done []AgentResult, contextFor contextFunc, exec taskFunc) []AgentResult {
	if len(batch) == 1 {
		return []AgentResult{exec(ctx, batch[0], contextFor(batch[0], done))}
	}

	type indexed struct {
		idx int
		res AgentResult
	}
	type workItem struct {
		idx int
		t   AgentTask
	}

	workCh := make(chan workItem, len(batch))
	for i, t := range batch {
		workCh <- workItem{idx: i, t: t}
	}
	close(workCh)

	resultCh := make(chan indexed, len(batch))
	numWorkers := min(len(batch), maxParallelTasks)
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			defer wg.Done()
			for w := range workCh {
				if ctx.Err() != nil {
					resultCh <- indexed{w.idx, AgentResult{Agent: w.t.Agent, Task: w.t.Task, Output: "error: " + ctx.Err().Error()}}
					continue
				}
				resultCh <- indexed{w.idx, exec(ctx, w.t, contextFor(w.t, done))}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	results := make([]AgentResult, len(batch))
	for range batch {
		r := <-resultCh
		results[r.idx] = r.res
	}
	return results
}

// dependencyContext renders the declared dependencies of a task from
// completed results. Dependencies are referenced by agent name; the most
// recent result per named agent wins. Unmatched names are skipped — the
// executor enforces temporal ordering via rounds, not semantic validity
// of model-authored dependency lists.
func dependencyContext(t AgentTask, done []AgentResult) string {
	if len(t.DependsOn) == 0 {
		return ""
	}
	var parts []string
	for _, dep := range t.DependsOn {
		for i := len(done) - 1; i >= 0; i-- {
			if strings.EqualFold(done[i].Agent, dep) {
				parts = append(parts, done[i].ContextText())
				break
			}
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return "\n\nResults from tasks this one depends on:\n" + strings.Join(parts, "\n---\n")
}

// allPriorContext renders every completed result, used by the nested
// per-agent executor where sub-tasks have no explicit dependency lists.
func allPriorContext(_ AgentTask, done []AgentResult) string {
	if len(done) == 0 {
		return ""
	}
	var parts []string
	for _, r := range done {
		parts = append(parts, r.ContextText())
	}
	return "\n\nResults from earlier steps:\n" + strings.Join(parts, "\n---\n")
}

// retryTaskText rebuilds a task after its per-task evaluation said
// REITERATE: the previous attempt's trace plus an instruction to close the
// specific gap.
func retryTaskText(task string, prev AgentResult) string {
	return fmt.Sprintf(
		"%s\n\nA previous attempt at this task was insufficient. Its trace:\n%s\n\n"+
			"Identify what went wrong or is still missing and complete the task properly.",
		task, prev.Output)
}
