// Command batond wires the run orchestration core into a runnable daemon:
// event log (in-memory or Mongo), broadcast hub, tool registry, executor,
// approval manager, model client and optional Pulse relay. With -demo it
// drives one scripted conversation through the stack, auto-approving gated
// tool calls, and prints the resulting run snapshot.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/log"

	mongolog "goa.design/baton/features/eventlog/mongo"
	clientsmongo "goa.design/baton/features/eventlog/mongo/clients/mongo"
	"goa.design/baton/features/model/anthropic"
	"goa.design/baton/features/model/openai"
	batonpulse "goa.design/baton/features/stream/pulse"
	clientspulse "goa.design/baton/features/stream/pulse/clients/pulse"
	"goa.design/baton/runtime/approval"
	"goa.design/baton/runtime/eventlog"
	"goa.design/baton/runtime/eventlog/inmem"
	"goa.design/baton/runtime/hub"
	"goa.design/baton/runtime/model"
	"goa.design/baton/runtime/orchestrator"
	"goa.design/baton/runtime/project"
	"goa.design/baton/runtime/run"
	"goa.design/baton/runtime/stream"
	"goa.design/baton/runtime/telemetry"
	"goa.design/baton/runtime/tools"
	"goa.design/baton/runtime/tools/executor"
)

func main() {
	var (
		backendF     = flag.String("backend", "inmem", "Event log backend (inmem or mongo)")
		mongoURIF    = flag.String("mongo-uri", "mongodb://localhost:27017", "MongoDB connection URI (backend=mongo)")
		mongoDBF     = flag.String("mongo-db", "baton", "MongoDB database name (backend=mongo)")
		toolsF       = flag.String("tools", "", "Tool registry YAML file (empty registers the demo tools)")
		modelF       = flag.String("model", "scripted", "Model provider (scripted, anthropic or openai)")
		modelNameF   = flag.String("model-name", "", "Provider model identifier")
		redisF       = flag.String("redis-addr", "", "Redis address; enables the Pulse relay when set")
		approvalTTLF = flag.Duration("approval-ttl", 0, "Deadline for pending approvals (0 means none)")
		tenantF      = flag.String("tenant", "demo-tenant", "Tenant the demo run belongs to")
		demoF        = flag.Bool("demo", false, "Run one scripted conversation and exit")
		dbgF         = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	logger := telemetry.NewClueLogger()

	// The store notifies the hub after each durable append; the closure
	// breaks the construction cycle between the two.
	var h *hub.Hub
	notify := eventlog.NotifierFunc(func(ctx context.Context, rec eventlog.Record) {
		if h != nil {
			h.EventAppended(ctx, rec)
		}
	})

	var store eventlog.Store
	switch *backendF {
	case "inmem":
		store = inmem.New(inmem.WithNotifier(notify))
	case "mongo":
		mc, err := mongo.Connect(ctx, mongooptions.Client().ApplyURI(*mongoURIF))
		if err != nil {
			log.Fatalf(ctx, err, "connect mongo")
		}
		defer mc.Disconnect(ctx) //nolint:errcheck
		client, err := clientsmongo.New(clientsmongo.Options{Client: mc, Database: *mongoDBF})
		if err != nil {
			log.Fatalf(ctx, err, "build mongo client")
		}
		store, err = mongolog.NewStore(client, mongolog.WithNotifier(notify))
		if err != nil {
			log.Fatalf(ctx, err, "build mongo store")
		}
	default:
		log.Fatalf(ctx, fmt.Errorf("unknown backend %q", *backendF), "parse flags")
	}
	h = hub.New(store, hub.WithLogger(logger))

	registry := tools.NewRegistry()
	if *toolsF != "" {
		defs, err := tools.LoadFile(*toolsF)
		if err != nil {
			log.Fatalf(ctx, err, "load tool registry")
		}
		for _, def := range defs {
			if err := registry.Register(def, unimplementedTool(def.Name)); err != nil {
				log.Fatalf(ctx, err, "register tool")
			}
		}
		log.Print(ctx, log.KV{K: "tools", V: len(defs)}, log.KV{K: "source", V: *toolsF})
	} else {
		registerDemoTools(ctx, registry)
	}

	proj := project.New(store, project.WithLogger(logger))
	approvalOpts := []approval.Option{approval.WithLogger(logger)}
	if *approvalTTLF > 0 {
		approvalOpts = append(approvalOpts, approval.WithTTL(*approvalTTLF))
	}
	approvals := approval.New(store, approvalOpts...)
	exec := executor.New(registry, store, proj, approvals,
		executor.WithLogger(logger), executor.WithTracer(telemetry.NewClueTracer()))

	client, modelName, err := buildModelClient(*modelF, *modelNameF)
	if err != nil {
		log.Fatalf(ctx, err, "build model client")
	}
	recorder := model.NewTurnRecorder(client, store, model.WithLogger(logger))

	orch, err := orchestrator.New(orchestrator.Config{
		Log:       store,
		Projector: proj,
		Executor:  exec,
		Approvals: approvals,
		Turner:    recorder,
		Catalog:   registry,
		Hub:       h,
	},
		orchestrator.WithLogger(logger),
		orchestrator.WithModel(modelName),
		orchestrator.WithSystemPrompt("You are a careful operations assistant."),
	)
	if err != nil {
		log.Fatalf(ctx, err, "build orchestrator")
	}

	var relay *stream.Relay
	if *redisF != "" {
		rdb := redis.NewClient(&redis.Options{Addr: *redisF})
		pc, err := clientspulse.New(clientspulse.Options{Redis: rdb, OperationTimeout: 5 * time.Second})
		if err != nil {
			log.Fatalf(ctx, err, "build pulse client")
		}
		if err := pc.Ping(ctx); err != nil {
			log.Fatalf(ctx, err, "ping redis")
		}
		sink, err := batonpulse.NewSink(batonpulse.Options{Client: pc})
		if err != nil {
			log.Fatalf(ctx, err, "build pulse sink")
		}
		defer sink.Close(ctx) //nolint:errcheck
		relay = stream.NewRelay(h, sink, stream.WithLogger(logger))
		log.Print(ctx, log.KV{K: "pulse-relay", V: *redisF})
	}

	if *demoF {
		if err := runDemo(ctx, orch, h, relay, *tenantF); err != nil {
			log.Fatalf(ctx, err, "demo run")
		}
		return
	}

	log.Print(ctx, log.KV{K: "msg", V: "batond ready"}, log.KV{K: "backend", V: *backendF}, log.KV{K: "model", V: *modelF})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Print(ctx, log.KV{K: "msg", V: "shutting down"})
}

// buildModelClient selects the provider. The scripted client needs no
// credentials and exercises the full turn loop offline.
func buildModelClient(provider, name string) (model.Client, string, error) {
	switch provider {
	case "scripted":
		return &scriptedModel{}, "scripted-v1", nil
	case "anthropic":
		if name == "" {
			name = "claude-sonnet-4-5"
		}
		c, err := anthropic.NewFromAPIKey(os.Getenv("ANTHROPIC_API_KEY"), name)
		return c, name, err
	case "openai":
		if name == "" {
			name = "gpt-4o"
		}
		c, err := openai.NewFromAPIKey(os.Getenv("OPENAI_API_KEY"), name)
		return c, name, err
	default:
		return nil, "", fmt.Errorf("unknown model provider %q", provider)
	}
}

// registerDemoTools installs the built-in tools the scripted demo calls:
// a low-risk clock and a high-risk deploy that exercises the approval gate.
func registerDemoTools(ctx context.Context, registry *tools.Registry) {
	clock := tools.Definition{
		Name:        "current_time",
		Description: "Report the current UTC time.",
		RiskTier:    run.RiskLow,
	}
	deploy := tools.Definition{
		Name:        "deploy_service",
		Description: "Deploy a service to an environment.",
		RiskTier:    run.RiskHigh,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"service": {"type": "string"},
				"environment": {"type": "string"}
			},
			"required": ["service", "environment"]
		}`),
	}
	must := func(err error) {
		if err != nil {
			log.Fatalf(ctx, err, "register demo tool")
		}
	}
	must(registry.Register(clock, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(map[string]string{"time": time.Now().UTC().Format(time.RFC3339)})
	}))
	must(registry.Register(deploy, func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		var req struct {
			Service     string `json:"service"`
			Environment string `json:"environment"`
		}
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"status": "deployed", "service": req.Service, "environment": req.Environment})
	}))
}

// unimplementedTool stands in for tools loaded from a registry file; batond
// has no real implementations for them.
func unimplementedTool(name string) tools.Handler {
	return func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, fmt.Errorf("tool %q has no handler in batond", name)
	}
}

// runDemo drives one conversation through the stack: a user message, a
// model turn that calls the gated deploy tool, an automatic approval and
// the final reply. Every event is also printed from a live subscription so
// the broadcast path is visible.
func runDemo(ctx context.Context, orch *orchestrator.Orchestrator, h *hub.Hub, relay *stream.Relay, tenant string) error {
	scope := run.Scope{TenantID: tenant, UserID: "demo-user"}

	runID, err := orch.StartRun(ctx, scope, "deploy demo", map[string]any{"source": "batond -demo"})
	if err != nil {
		return err
	}
	log.Print(ctx, log.KV{K: "run_id", V: runID})

	sub, err := orch.WatchRun(ctx, scope, runID, 0)
	if err != nil {
		return err
	}
	defer sub.Close()
	go func() {
		for rec := range sub.Events() {
			log.Print(ctx, log.KV{K: "sequence", V: rec.Sequence}, log.KV{K: "event", V: string(rec.Event.Type())})
		}
	}()

	if relay != nil {
		go func() {
			if err := relay.Run(ctx, scope, runID, 0); err != nil {
				log.Errorf(ctx, err, "pulse relay stopped")
			}
		}()
	}

	if _, err := orch.SubmitUserMessage(ctx, scope, runID, "Please deploy checkout to staging, then tell me the time."); err != nil {
		return err
	}

	// Approve gated calls as they appear so the scripted turn can finish.
	approveCtx, stopApprover := context.WithCancel(ctx)
	defer stopApprover()
	go autoApprove(approveCtx, orch, scope, runID)

	result, err := orch.RunTurn(ctx, scope, runID)
	if err != nil {
		return err
	}
	log.Print(ctx, log.KV{K: "reply", V: result.Reply}, log.KV{K: "turns", V: len(result.TurnIDs)}, log.KV{K: "tool_calls", V: len(result.Outcomes)})

	if err := orch.CompleteRun(ctx, scope, runID, "demo finished"); err != nil {
		return err
	}

	snap, err := orch.Snapshot(ctx, scope, runID)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// autoApprove polls for pending approvals and approves them, standing in
// for the human reviewer a real deployment would have.
func autoApprove(ctx context.Context, orch *orchestrator.Orchestrator, scope run.Scope, runID string) {
	reviewer := run.Scope{TenantID: scope.TenantID, UserID: "demo-reviewer"}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending, err := orch.PendingApprovals(ctx, scope, runID)
			if err != nil {
				continue
			}
			for _, p := range pending {
				if err := orch.ResolveApproval(ctx, reviewer, p.ApprovalID, run.DecisionApprove, nil); err != nil {
					log.Errorf(ctx, err, "auto approve")
					continue
				}
				log.Print(ctx, log.KV{K: "approved", V: p.ApprovalID}, log.KV{K: "tool", V: p.ToolName})
			}
		}
	}
}

// scriptedModel is the offline provider: it asks for the deploy tool on the
// first turn, the clock on the second and answers in text on the third.
type scriptedModel struct{}

func (m *scriptedModel) Complete(_ context.Context, req model.Request) (model.Response, error) {
	var toolResults int
	for _, msg := range req.Messages {
		if msg.Role == model.RoleTool {
			toolResults++
		}
	}
	switch toolResults {
	case 0:
		return model.Response{
			ToolCalls: []model.ToolCall{{
				ID:   "scripted_deploy",
				Name: "deploy_service",
				Args: json.RawMessage(`{"service":"checkout","environment":"staging"}`),
			}},
			StopReason: "tool_use",
			Usage:      run.TokenUsage{InputTokens: 42, OutputTokens: 12},
		}, nil
	case 1:
		return model.Response{
			ToolCalls: []model.ToolCall{{
				ID:   "scripted_clock",
				Name: "current_time",
				Args: json.RawMessage(`{}`),
			}},
			StopReason: "tool_use",
			Usage:      run.TokenUsage{InputTokens: 55, OutputTokens: 9},
		}, nil
	default:
		return model.Response{
			Content:    "Deployed checkout to staging and fetched the time for you.",
			StopReason: "end_turn",
			Usage:      run.TokenUsage{InputTokens: 70, OutputTokens: 18},
		}, nil
	}
}

func (m *scriptedModel) Stream(context.Context, model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}
