package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	openaisdk "github.com/openai/openai-go"
	"goa.design/clue/log"

	"github.com/swarmforge/orchestrator/domain"
	"github.com/swarmforge/orchestrator/mission"
	"github.com/swarmforge/orchestrator/runtime/adversarial"
	"github.com/swarmforge/orchestrator/runtime/bus"
	"github.com/swarmforge/orchestrator/runtime/darwin"
	"github.com/swarmforge/orchestrator/runtime/executor"
	"github.com/swarmforge/orchestrator/runtime/memory"
	"github.com/swarmforge/orchestrator/runtime/model"
	"github.com/swarmforge/orchestrator/runtime/model/middleware"
	anthropicprovider "github.com/swarmforge/orchestrator/runtime/model/providers/anthropic"
	openaiprovider "github.com/swarmforge/orchestrator/runtime/model/providers/openai"
	"github.com/swarmforge/orchestrator/runtime/pattern"
	"github.com/swarmforge/orchestrator/runtime/policy/basic"
	"github.com/swarmforge/orchestrator/runtime/session"
	"github.com/swarmforge/orchestrator/runtime/store/memstore"
	"github.com/swarmforge/orchestrator/runtime/telemetry"
	"github.com/swarmforge/orchestrator/runtime/tools"
)

func main() {
	var (
		configF = flag.String("config", "missiond.yaml", "Definitions file (projects, agents, patterns, workflows, models)")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
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

	opts := mission.FromEnv(os.Getenv)

	cfg, err := mission.LoadConfigFile(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "load definitions %q", *configF)
	}
	reg := mission.NewRegistry()
	if err := cfg.Apply(reg); err != nil {
		log.Fatalf(ctx, err, "apply definitions")
	}
	// Patterns that declare no timeout inherit the process-wide default.
	for _, pc := range cfg.Patterns {
		if pc.Timeout != "" {
			continue
		}
		def, err := reg.Pattern(pc.ID)
		if err != nil {
			continue
		}
		def.Timeout = opts.PatternTimeout
		reg.RegisterPattern(def)
	}

	db := memstore.New()
	msgBus := bus.New(2000)
	mem := memory.New()

	toolReg := tools.NewRegistry()
	registerBuiltinTools(ctx, toolReg)

	limiter := middleware.New(opts.RateLimitRPM, opts.TokenWindow, 0)
	limit := limiter.Middleware()

	catalog := mission.NewModelCatalog()
	byCategory := make(map[domain.LLMCategory][]model.Binding)
	var l1Client model.Client
	for _, mc := range cfg.Models {
		client, err := buildModelClient(mc)
		if err != nil {
			log.Errorf(ctx, err, "model candidate %q skipped", mc.ID)
			continue
		}
		limited := limit(client)
		category := domain.LLMCategory(mc.Category)
		catalog.RegisterCandidate(category, mc.ID, mission.ModelBinding{
			Provider: mc.Provider,
			Model:    mc.Model,
			Client:   limited,
		})
		byCategory[category] = append(byCategory[category], model.Binding{Name: mc.ID, Client: limited})
		if l1Client == nil {
			l1Client = limited
		}
	}
	// Each category also gets a static fallback Router over its candidates
	// in declaration order, so a call still lands somewhere when Darwin has
	// no usable sample.
	for category, bindings := range byCategory {
		catalog.SetFallback(category, model.NewRouter(bindings, opts.ProviderCooldown))
	}

	l1Enabled := opts.AdversarialL1 && l1Client != nil
	if opts.AdversarialL1 && l1Client == nil {
		log.Printf(ctx, "no model candidates configured, semantic adversarial review disabled")
	}

	sel := darwin.New(darwin.Config{
		WarmupRuns: opts.DarwinWarmupRuns,
		ABDelta:    opts.DarwinABDelta,
		ABRandomP:  opts.DarwinABRandomP,
	})

	orch := mission.New(
		mission.Config{AdmissionConcurrency: opts.AdmissionConcurrency},
		mission.Deps{
			Registry: reg,
			Store:    db,
			Bus:      msgBus,
			Memory:   mem,
			Sessions: session.New(db, mem, l1Client),
			Tools:    toolReg,
			Guard:    adversarial.New(adversarial.Config{L1Enabled: l1Enabled}, l1Client),
			Darwin:   sel,
			Catalog:  catalog,
			Patterns: pattern.New(),
			Executor: executor.New(opts.ExecutorMaxRounds, mem, toolReg, basic.New(basic.Options{Label: "missiond"})),
			Logger:   telemetry.NewClueLogger(),
		},
	)
	if err := orch.Start(ctx); err != nil {
		log.Fatalf(ctx, err, "start orchestrator")
	}
	log.Print(ctx, log.KV{K: "msg", V: "missiond started"},
		log.KV{K: "config", V: *configF},
		log.KV{K: "admission_concurrency", V: opts.AdmissionConcurrency})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Print(ctx, log.KV{K: "msg", V: "shutting down"}, log.KV{K: "signal", V: s.String()})
	_ = orch.Close()
	_ = msgBus.Close()
}

// buildModelClient turns one models entry into a provider-backed client.
// Credentials follow each SDK's own environment conventions. Bedrock
// candidates are not constructible here because the adapter takes an
// injected bedrockruntime client; embed the library and wire one directly
// when running on AWS.
func buildModelClient(mc mission.ModelConfig) (model.Client, error) {
	switch mc.Provider {
	case "anthropic":
		ac := anthropicsdk.NewClient()
		return anthropicprovider.New(&ac.Messages, anthropicprovider.Options{DefaultModel: mc.Model})
	case "openai":
		oc := openaisdk.NewClient()
		return openaiprovider.New(&oc.Chat.Completions, openaiprovider.Options{DefaultModel: mc.Model})
	case "bedrock":
		return nil, fmt.Errorf("bedrock requires an injected runtime client, see runtime/model/providers/bedrock")
	default:
		return nil, fmt.Errorf("unknown provider %q", mc.Provider)
	}
}

// registerBuiltinTools installs the filesystem tools every deployment gets.
// Project-specific builders (npm, gradle, platform tools) are registered by
// embedding processes with the Stack field set, plus a generic "build" spec
// whose RedirectsByStack maps each project stack to its builder; the
// dispatcher then routes generic build calls to the right tool and refuses
// direct cross-stack calls.
func registerBuiltinTools(ctx context.Context, reg *tools.Registry) {
	specs := []*tools.Spec{
		{
			Name:        "read_file",
			Description: "Read a file from the project working tree.",
			InputSchema: tools.MustCompileSchema(`{
				"type": "object",
				"required": ["path"],
				"properties": {"path": {"type": "string"}},
				"additionalProperties": false
			}`),
			SideEffect: tools.SideEffectFilesystem,
			Idempotent: true,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				path, _ := args["path"].(string)
				data, err := os.ReadFile(path)
				if err != nil {
					return nil, err
				}
				return string(data), nil
			},
		},
		{
			Name:        "list_dir",
			Description: "List the entries of a directory in the project working tree.",
			InputSchema: tools.MustCompileSchema(`{
				"type": "object",
				"required": ["path"],
				"properties": {"path": {"type": "string"}},
				"additionalProperties": false
			}`),
			SideEffect: tools.SideEffectFilesystem,
			Idempotent: true,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				path, _ := args["path"].(string)
				entries, err := os.ReadDir(path)
				if err != nil {
					return nil, err
				}
				names := make([]string, 0, len(entries))
				for _, e := range entries {
					names = append(names, e.Name())
				}
				return names, nil
			},
		},
		{
			Name:        "write_file",
			Description: "Write a file in the project working tree.",
			InputSchema: tools.MustCompileSchema(`{
				"type": "object",
				"required": ["path", "content"],
				"properties": {
					"path": {"type": "string"},
					"content": {"type": "string"}
				},
				"additionalProperties": false
			}`),
			SideEffect: tools.SideEffectFilesystem,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				path, _ := args["path"].(string)
				content, _ := args["content"].(string)
				if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
					return nil, err
				}
				return map[string]any{"written": len(content)}, nil
			},
		},
	}
	for _, s := range specs {
		if err := reg.Register(s); err != nil {
			log.Errorf(ctx, err, "register tool %q", s.Name)
		}
	}
}
