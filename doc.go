// Package dirigent is a task-orchestration engine for fleets of remote
// action agents. A natural-language request is planned into rounds of
// agent tasks, executed concurrently against an action platform (with
// credential-gated containers locked, logged into, and logged out again),
// evaluated, and retried under bounded budgets. Session state survives
// across requests and process restarts.
//
// The root package holds the engine and its contracts. Subpackages
// provide the concrete edges: platform (the action platform REST client),
// llm/openaichat (an OpenAI-compatible completion client), store/sqlite
// and store/postgres (durable session backends), and observer (OTEL
// instrumentation).
package dirigent
