// Command dirigent runs the orchestration engine as an interactive CLI:
// it connects to the action platform, restores persisted sessions, and
// answers queries read from stdin.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dirigentlabs/dirigent"
	"github.com/dirigentlabs/dirigent/internal/config"
	"github.com/dirigentlabs/dirigent/llm/openaichat"
	"github.com/dirigentlabs/dirigent/observer"
	"github.com/dirigentlabs/dirigent/platform"
	"github.com/dirigentlabs/dirigent/store/postgres"
	"github.com/dirigentlabs/dirigent/store/sqlite"
)

func main() {
	cfg := config.Load(os.Getenv("DIRIGENT_CONFIG"))
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Observability (optional)
	var inst *observer.Instruments
	var engineOpts []dirigent.EngineOption
	if cfg.Observer.Enabled {
		if cfg.Observer.Endpoint != "" {
			os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Observer.Endpoint)
		}
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx)
		if err != nil {
			log.Fatalf("observer init: %v", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				logger.Warn("observer shutdown", "error", err)
			}
		}()
		engineOpts = append(engineOpts, dirigent.WithTracer(observer.NewTracer()))
	}
	engineOpts = append(engineOpts, dirigent.WithLogger(logger))

	// Session backend: Postgres when configured, SQLite otherwise.
	var backend dirigent.Backend
	if cfg.Session.PostgresURL != "" {
		pg, err := postgres.New(ctx, cfg.Session.PostgresURL, postgres.WithLogger(logger))
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		if err := pg.Init(ctx); err != nil {
			log.Fatalf("postgres init: %v", err)
		}
		backend = pg
	} else {
		sq := sqlite.New(cfg.Session.DBPath, sqlite.WithLogger(logger))
		if err := sq.Init(ctx); err != nil {
			log.Fatalf("sqlite init: %v", err)
		}
		backend = sq
	}
	defer backend.Close()

	// Platform connection
	client := platform.New(platform.WithLogger(logger))
	if err := client.Connect(ctx, cfg.Platform.URL, cfg.Platform.Username, cfg.Platform.Password); err != nil {
		log.Fatalf("platform connect: %v", err)
	}
	agents, err := client.Actions(ctx)
	if err != nil {
		log.Fatalf("platform actions: %v", err)
	}
	dir := platform.Directory(agents)

	// Models, retried and (optionally) observed
	orchestrator := buildCompleter(cfg.Orchestrator, logger, inst)
	workerLLM := buildCompleter(cfg.Worker, logger, inst)

	// Container credentials come from config; a deployment that prompts
	// the user would swap in its own CredentialSource.
	creds := dirigent.CredentialFunc(func(ctx context.Context, containerID, displayName string) (dirigent.Credentials, error) {
		return dirigent.Credentials{Username: cfg.Platform.Username, Password: cfg.Platform.Password}, nil
	})

	// Fallback invocation path for sessions without their own coordinator.
	fallback := dirigent.NewLoginCoordinator(client, creds,
		dirigent.LogoutAfter(time.Duration(cfg.Login.LogoutAfterMinutes)*time.Minute),
		dirigent.CoordinatorLogger(logger))
	var invoke dirigent.InvokeFunc = fallback.Invoke
	if inst != nil {
		invoke = observer.Invoke(invoke, inst)
	}

	engine := dirigent.NewEngine(orchestrator, workerLLM, dir, invoke,
		dirigent.EngineConfig{
			OrchestratorModel: cfg.Orchestrator.Model,
			WorkerModel:       cfg.Worker.Model,
			Temperature:       &cfg.Engine.Temperature,
			MaxRounds:         cfg.Engine.MaxRounds,
			MaxIterations:     cfg.Engine.MaxIterations,
			UseAgentPlanner:   cfg.Engine.UseAgentPlanner,
		}, engineOpts...)

	// Session store and deferred-work recovery
	store := dirigent.NewSessionStore(backend, time.Duration(cfg.Session.TTLHours)*time.Hour,
		dirigent.StoreLogger(logger), dirigent.StoreArtifactDir(cfg.Session.ArtifactDir))

	runQuery := func(ctx context.Context, sess *dirigent.Session, query string) {
		reply, err := engine.Run(ctx, query, sess)
		if err != nil {
			logger.Error("scheduled query failed", "session", sess.ID, "error", err)
			return
		}
		fmt.Printf("\n[scheduled, session %s] %s\n> ", sess.ID, reply.Content)
	}
	scheduler := dirigent.NewCallbackScheduler(store, runQuery, dirigent.SchedulerLogger(logger))

	attach := func(s *dirigent.Session) {
		s.AttachCoordinator(dirigent.NewLoginCoordinator(client, creds,
			dirigent.LogoutAfter(time.Duration(cfg.Login.LogoutAfterMinutes)*time.Minute),
			dirigent.CoordinatorLogger(logger)))
	}
	if err := store.RestoreAll(ctx, attach); err != nil {
		log.Fatalf("restore sessions: %v", err)
	}
	scheduler.RearmAll(ctx)

	go store.Run(ctx, time.Duration(cfg.Session.SweepMinutes)*time.Minute)

	// One CLI session for the whole process lifetime.
	sess, err := store.CreateOrRefresh(ctx, "")
	if err != nil {
		log.Fatalf("create session: %v", err)
	}
	attach(sess)

	fmt.Printf("connected to %s (%d agents). Type a query, or 'quit'.\n", cfg.Platform.URL, len(agents))
	repl(ctx, engine, store, sess)

	store.FlushAll(context.Background())
}

// buildCompleter builds a retried (and, when inst is set, observed)
// chat-completions client for one model endpoint.
func buildCompleter(c config.LLMConfig, logger *slog.Logger, inst *observer.Instruments) dirigent.Completer {
	var llm dirigent.Completer = openaichat.New(c.BaseURL, c.APIKey, openaichat.WithLogger(logger))
	llm = dirigent.WithRetry(llm, dirigent.RetryLogger(logger))
	if inst != nil {
		llm = observer.Completer(llm, inst)
	}
	return llm
}

// repl reads queries from stdin until EOF, ctx cancellation, or "quit".
func repl(ctx context.Context, engine *dirigent.Engine, store *dirigent.SessionStore, sess *dirigent.Session) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		query := strings.TrimSpace(scanner.Text())
		switch query {
		case "":
			fmt.Print("> ")
			continue
		case "quit", "exit":
			return
		}

		reply, err := engine.Run(ctx, query, sess)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		} else if reply.FollowUp != "" {
			fmt.Println(reply.FollowUp)
		} else {
			fmt.Println(reply.Content)
		}
		if err := store.Save(ctx, sess); err != nil {
			fmt.Fprintf(os.Stderr, "warning: session not saved: %v\n", err)
		}
		fmt.Print("> ")
	}
}
