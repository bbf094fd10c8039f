package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/webpilot/webpilot/internal/agent"
	"github.com/webpilot/webpilot/internal/browser"
	"github.com/webpilot/webpilot/internal/governance"
	"github.com/webpilot/webpilot/internal/knowledge"
	"github.com/webpilot/webpilot/internal/observability"
	"github.com/webpilot/webpilot/internal/queue"
	"github.com/webpilot/webpilot/internal/store"
	"github.com/webpilot/webpilot/internal/task"
	"github.com/webpilot/webpilot/internal/verify"
	"github.com/webpilot/webpilot/pkg/config"
)

func main() {
	configPath := flag.String("config", "config.json", "path to config file")
	taskText := flag.String("task", "", "ad-hoc task to run (in addition to config tasks)")
	appName := flag.String("app", "", "application name for the ad-hoc task")
	appURL := flag.String("url", "", "application URL for the ad-hoc task")
	corrections := flag.String("corrections", "", "JSON file with a user-corrected plan to ingest")
	flag.Parse()

	observability.PrintBanner()
	observability.InitializeTerminal()

	// Route all log output through the terminal mutex so it never
	// interrupts the dashboard's cursor save/restore sequence.
	log.SetOutput(observability.NewTermWriter())

	cfg := config.LoadConfig(*configPath)
	logger := observability.NewLogger()

	tasks := cfg.Tasks
	if *taskText != "" {
		tasks = append(tasks, config.TaskSpec{Task: *taskText, AppName: *appName, AppURL: *appURL})
	}
	if len(tasks) == 0 {
		log.Fatal("No tasks: provide -task/-url or a tasks list in the config")
	}

	// Knowledge store (optional)
	var knowStore *knowledge.Store
	if cfg.Knowledge.Enabled && cfg.Knowledge.Path != "" {
		var err error
		knowStore, err = knowledge.Open(cfg.Knowledge.Path)
		if err != nil {
			log.Fatalf("failed to open knowledge store: %v", err)
		}
		defer knowStore.Close()
		if cfg.Knowledge.SeedQuirks != "" {
			if err := knowStore.SeedQuirks(cfg.Knowledge.SeedQuirks); err != nil {
				log.Printf("Warning: failed to seed quirks: %v", err)
			}
		}
		if *corrections != "" {
			if err := ingestCorrections(knowStore, *corrections); err != nil {
				log.Printf("Warning: failed to ingest corrections: %v", err)
			}
		}
	}

	// Run archive (optional)
	var archive *store.RunStore
	if cfg.App.Workspace != "" {
		var err error
		archive, err = store.NewRunStore(filepath.Join(cfg.App.Workspace, "runs.db"))
		if err != nil {
			log.Fatalf("failed to open run archive: %v", err)
		}
		defer archive.Close()
	}

	// Decision model (using default enabled provider)
	pName, pCfg := cfg.GetDefaultProvider()
	if pName == "" {
		log.Fatal("No enabled provider found in config")
	}

	var llm llms.Model
	var err error
	switch pName {
	case "openai", "openrouter":
		opts := []openai.Option{
			openai.WithToken(pCfg.APIKey),
			openai.WithModel(pCfg.Model),
		}
		if pCfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(pCfg.BaseURL))
		}
		llm, err = openai.New(opts...)
	default:
		log.Fatalf("Provider %s not yet implemented in main", pName)
	}
	if err != nil {
		log.Fatal(err)
	}

	prompts := agent.NewPromptManager(cfg.App.PromptDir)
	planner := agent.NewLLMPlanner(llm, prompts, logger)

	policy := governance.NewDefaultPolicyEngine()
	for _, k := range cfg.Policy.DeniedKinds {
		if kind, ok := task.ParseActionKind(k); ok {
			policy.DenyKind(kind)
		}
	}
	for _, p := range cfg.Policy.DeniedURLs {
		if err := policy.DenyURL(p); err != nil {
			log.Fatalf("invalid denied_urls pattern %q: %v", p, err)
		}
	}
	for _, p := range cfg.Policy.DeniedText {
		if err := policy.DenyText(p); err != nil {
			log.Fatalf("invalid denied_text pattern %q: %v", p, err)
		}
	}

	engineCfg := mergeEngineConfig(cfg.Engine)
	browserOpts := cfg.BrowserOptions()
	verifier := verify.NewWithRubric(cfg.Verifier)

	capacity := cfg.Queue.Capacity
	if capacity <= 0 {
		capacity = queue.DefaultCapacity
	}
	q := queue.New(capacity)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var ids []string
	for _, spec := range tasks {
		spec := spec
		id := q.Submit("", func(runCtx context.Context) (any, error) {
			return executeTask(runCtx, spec, browserOpts, cfg.Auth, llm, prompts, planner, policy, knowStore, verifier, logger, engineCfg)
		})
		logger.LogQueueTransition(id, "queued")
		log.Printf("Submitted task %s: %s", id[:8], spec.Task)
		ids = append(ids, id)
	}

	// Live dashboard (1-second updates)
	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := q.Stats()
				mode := observability.ModeIdle
				if stats.Running > 0 {
					mode = observability.ModeRunning
				} else if stats.Queued > 0 {
					mode = observability.ModeDraining
				}
				observability.SetStatus(mode, stats.Running, stats.Queued, currentTask(q, ids))
				observability.PrintLiveStatus()
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				observability.Heartbeat()
				logger.LogHeartbeat()
			}
		}
	}()

	waitForDrain(ctx, q)

	observability.CleanupTerminal()

	for _, id := range ids {
		qt, ok := q.Status(id)
		if !ok {
			continue
		}
		fmt.Printf("=== task %s: %s ===\n", id[:8], qt.Status)
		if run, ok := qt.Result.(*task.Run); ok && run != nil {
			if doc, err := run.Document(); err == nil {
				fmt.Println(string(doc))
			}
			if archive != nil {
				if err := archive.SaveRun(run); err != nil {
					log.Printf("Warning: failed to archive run %s: %v", run.ID, err)
				}
			}
		}
		if qt.Error != "" {
			fmt.Printf("error: %s\n", qt.Error)
		}
	}

	if knowStore != nil {
		logger.LogLearning("", knowStore.GlobalCounters())
	}

	time.Sleep(100 * time.Millisecond)
	log.Println("All tasks drained, shutting down.")
}

// executeTask is the unit the queue schedules: one browser, one plan,
// one engine run.
func executeTask(
	ctx context.Context,
	spec config.TaskSpec,
	browserOpts browser.Options,
	creds browser.Credentials,
	llm llms.Model,
	prompts *agent.PromptManager,
	planner agent.Planner,
	policy governance.PolicyEngine,
	knowStore *knowledge.Store,
	verifier *verify.Verifier,
	logger *observability.Logger,
	engineCfg agent.EngineConfig,
) (any, error) {
	chrome := browser.NewChrome(browserOpts)
	defer chrome.Close()

	plan, err := planner.Plan(ctx, spec.Task, spec.AppName, spec.AppURL)
	if err != nil {
		return nil, fmt.Errorf("planning: %w", err)
	}

	engine := agent.NewEngine(agent.NewLLMOracle(llm, prompts, logger), chrome)
	engine.Auth = browser.NewAuthenticator(chrome, creds)
	engine.Policy = policy
	if knowStore != nil {
		engine.Knowledge = knowStore
	}
	engine.Verifier = verifier
	engine.Logger = logger
	engine.Config = engineCfg

	return engine.Run(ctx, plan)
}

// ingestCorrections feeds a user-corrected plan into the knowledge store.
func ingestCorrections(knowStore *knowledge.Store, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var payload struct {
		Domain    string          `json:"domain"`
		Generated []task.PlanStep `json:"generated"`
		Corrected []task.PlanStep `json:"corrected"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	if payload.Domain == "" {
		return fmt.Errorf("corrections file missing domain")
	}
	knowStore.IngestCorrection(payload.Domain, payload.Generated, payload.Corrected)
	return nil
}

func mergeEngineConfig(c config.EngineConfig) agent.EngineConfig {
	out := agent.DefaultEngineConfig()
	if c.MaxAdaptiveCycles > 0 {
		out.MaxAdaptiveCycles = c.MaxAdaptiveCycles
	}
	if c.MaxConsecutiveErrors > 0 {
		out.MaxConsecutiveErrors = c.MaxConsecutiveErrors
	}
	if c.MaxStuckEscalations > 0 {
		out.MaxStuckEscalations = c.MaxStuckEscalations
	}
	if c.InactivityTimeoutSeconds > 0 {
		out.InactivityTimeout = time.Duration(c.InactivityTimeoutSeconds) * time.Second
	}
	if c.NavigateAttempts > 0 {
		out.NavigateAttempts = c.NavigateAttempts
	}
	return out
}

func currentTask(q *queue.Queue, ids []string) string {
	for _, id := range ids {
		if qt, ok := q.Status(id); ok && qt.Status == queue.StatusRunning {
			return qt.ID[:8]
		}
	}
	return ""
}

func waitForDrain(ctx context.Context, q *queue.Queue) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := q.Stats()
			if stats.Queued == 0 && stats.Running == 0 {
				return
			}
		}
	}
}
