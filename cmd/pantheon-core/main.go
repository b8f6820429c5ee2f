// Command pantheon-core is the process entrypoint: it wires config,
// logging, the database pool, the Redis counter store, model-gateway
// providers, and the turn coordinator into a minimal HTTP surface, then
// serves until an OS signal requests graceful shutdown. Grounded on the
// teacher's main.go wiring order (config -> logger -> Redis -> providers
// -> router -> server -> signal handling).
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pantheon-labs/pantheon-core/config"
	gwcontext "github.com/pantheon-labs/pantheon-core/context"
	"github.com/pantheon-labs/pantheon-core/dbpool"
	"github.com/pantheon-labs/pantheon-core/gwcore"
	"github.com/pantheon-labs/pantheon-core/logging"
	"github.com/pantheon-labs/pantheon-core/pricing"
	"github.com/pantheon-labs/pantheon-core/ratelimit"
	"github.com/pantheon-labs/pantheon-core/rediscounter"
	"github.com/pantheon-labs/pantheon-core/routingmgr"
	"github.com/pantheon-labs/pantheon-core/store"
	"github.com/pantheon-labs/pantheon-core/summary"
	"github.com/pantheon-labs/pantheon-core/toolset"
	"github.com/pantheon-labs/pantheon-core/turn"
	"github.com/pantheon-labs/pantheon-core/usage"
	"github.com/pantheon-labs/pantheon-core/wallet"
)

// defaultCatalog is the static model_alias -> (provider, provider_model_id)
// table (spec.md §6). Only the two provider families the corpus actually
// carries SDKs for are wired: Anthropic and OpenAI-compatible.
func defaultCatalog() gwcore.Catalog {
	return gwcore.Catalog{
		"claude-sonnet": {Provider: "anthropic", ProviderModelID: "claude-sonnet-4-5"},
		"claude-haiku":  {Provider: "anthropic", ProviderModelID: "claude-haiku-4-5"},
		"gpt-4o":        {Provider: "openai", ProviderModelID: "gpt-4o"},
		"gpt-4o-mini":   {Provider: "openai", ProviderModelID: "gpt-4o-mini"},
	}
}

func main() {
	cfg := config.Load()
	dyn := config.NewDynamic()
	log := logging.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("pantheon-core starting")

	ctx := context.Background()

	pool, err := dbpool.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("database pool init failed")
	}
	if err := dbpool.Ping(pool); err != nil {
		log.Fatal().Err(err).Msg("database ping failed")
	}
	log.Info().Msg("database connected")
	dataStore := store.NewPostgresStore(pool)

	var counter *rediscounter.Store
	var counterStore ratelimit.CounterStore // left nil (bypass) unless Redis is reachable
	if rc, err := rediscounter.New(cfg); err != nil {
		log.Warn().Err(err).Msg("redis init failed — rate gate will bypass")
	} else if err := rc.Ping(); err != nil {
		log.Warn().Err(err).Msg("redis ping failed — rate gate will bypass")
	} else {
		counter = rc
		counterStore = rc
		log.Info().Msg("redis connected")
	}
	gate := ratelimit.NewGate(counterStore, cfg.RateLimitPerMinute, cfg.RateLimitPerHour)

	providers := map[string]gwcore.Provider{}
	if cfg.AnthropicAPIKey != "" {
		providers["anthropic"] = gwcore.NewAnthropicProvider(cfg.AnthropicAPIKey, "")
		log.Info().Msg("registered anthropic provider")
	}
	if cfg.OpenAIAPIKey != "" {
		providers["openai"] = gwcore.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)
		log.Info().Msg("registered openai provider")
	}
	defaultProvider := "anthropic"
	if _, ok := providers[defaultProvider]; !ok {
		defaultProvider = "openai"
	}
	gateway := gwcore.NewGateway(defaultCatalog(), providers, defaultProvider)

	pricingCache, err := pricing.NewCache(dataStore)
	if err != nil {
		log.Warn().Err(err).Msg("pricing cache initial load failed — all aliases default to 1.0x")
	}

	var search toolset.SearchProvider
	if cfg.SearchAPIKey != "" {
		search = toolset.NewTavilySearchTool(cfg.SearchAPIKey, cfg.SearchBaseURL)
	}

	planner := gwcontext.NewPlanner(dyn.MaxOutputTokens(), dyn.SummaryTriggerRatio(), dyn.PruneTriggerRatio(), dyn.MandatorySummaryTurn(), dyn.RecentTurnsToKeep())
	summarizer := summary.NewPipeline(gateway)
	routingMgr := routingmgr.NewManager(gateway)
	ledger := wallet.NewLedger()
	meter := usage.NewMeter()

	lowBalance, err := decimal.NewFromString(dyn.LowBalanceThreshold())
	if err != nil {
		lowBalance = decimal.NewFromInt(5)
	}

	coordCfg := turn.Config{
		ModelContextLimit:     200_000,
		MaxOutputTokens:       dyn.MaxOutputTokens(),
		SummaryTriggerRatio:   dyn.SummaryTriggerRatio(),
		PruneTriggerRatio:     dyn.PruneTriggerRatio(),
		MandatorySummaryTurn:  dyn.MandatorySummaryTurn(),
		RecentTurnsToKeep:     dyn.RecentTurnsToKeep(),
		AgentPrivateTurnsKeep: 4,
		SummaryModelAlias:     dyn.SummaryModelAlias(),
		Orchestrator: turn.OrchestratorConfig{
			ManagerModelAlias:        dyn.OrchestratorModelAlias(),
			MaxDepth:                 dyn.OrchestratorMaxDepth(),
			MaxSpecialistInvocations: dyn.OrchestratorMaxCalls(),
		},
		LowBalanceThreshold: lowBalance,
		PricingVersionLabel: dyn.PricingVersionLabel(),
	}
	coordinator := turn.NewCoordinator(dataStore, ledger, meter, pricingCache, planner, summarizer, routingMgr, gateway, search, coordCfg)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("POST /v1/turns", turnHandler(coordinator, gate))

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("pantheon-core listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("pantheon-core stopped gracefully")
	}
	if counter != nil {
		_ = counter.Close()
	}
	pool.Close()
}

type turnRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	UserInput string `json:"user_input"`
}

type turnResponse struct {
	TurnID           string `json:"turn_id"`
	SessionID        string `json:"session_id"`
	TurnIndex        int    `json:"turn_index"`
	Mode             string `json:"mode"`
	UserInput        string `json:"user_input"`
	AssistantOutput  string `json:"assistant_output"`
	Status           string `json:"status"`
	ModelAliasUsed   string `json:"model_alias_used"`
	SummaryTriggered bool   `json:"summary_triggered"`
	PruneTriggered   bool   `json:"prune_triggered"`
	LowBalance       bool   `json:"low_balance,omitempty"`
}

// turnHandler wraps Coordinator.Execute with the RateGate and the
// structured-error mapping spec.md §7 describes. Wire shapes here are an
// implementation choice (spec.md §6 deliberately leaves HTTP framing
// unspecified): a thin JSON envelope is enough to exercise the pipeline.
func turnHandler(coordinator *turn.Coordinator, gate *ratelimit.Gate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req turnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid_request"}`, http.StatusBadRequest)
			return
		}

		decision := gate.Allow(r.Context(), req.UserID)
		if !decision.Allowed {
			w.Header().Set("Retry-After", decision.RetryAfter.Round(time.Second).String())
			http.Error(w, `{"error":"rate_limit_exceeded"}`, http.StatusTooManyRequests)
			return
		}

		result, err := coordinator.Execute(r.Context(), turn.ExecuteInput{
			UserID:    req.UserID,
			SessionID: req.SessionID,
			UserInput: req.UserInput,
		})
		if err != nil {
			writeCoordinatorError(w, err)
			return
		}

		resp := turnResponse{
			TurnID: result.TurnID, SessionID: result.SessionID, TurnIndex: result.TurnIndex,
			Mode: result.Mode, UserInput: result.UserInput, AssistantOutput: result.AssistantOutput,
			Status: result.Status, ModelAliasUsed: result.ModelAliasUsed,
			SummaryTriggered: result.SummaryTriggered, PruneTriggered: result.PruneTriggered,
			LowBalance: result.LowBalance,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func writeCoordinatorError(w http.ResponseWriter, err error) {
	var budgetErr *gwcontext.BudgetExceededError
	switch {
	case err == store.ErrNotFound:
		http.Error(w, `{"error":"not_found"}`, http.StatusNotFound)
	case err == store.ErrConcurrencyConflict:
		http.Error(w, `{"error":"conflict","retryable":true}`, http.StatusConflict)
	case err == turn.ErrNoValidTaggedAgents || err == turn.ErrNoRoomAgents:
		http.Error(w, `{"error":"invalid_turn_request","message":"`+err.Error()+`"}`, http.StatusUnprocessableEntity)
	case asBudgetExceeded(err, &budgetErr):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":               "context_budget_exceeded",
			"input_budget":        budgetErr.InputBudget,
			"estimated_tokens":    budgetErr.EstimatedTokens,
			"model_context_limit": budgetErr.ModelContextLimit,
		})
	default:
		http.Error(w, `{"error":"internal_error"}`, http.StatusInternalServerError)
	}
}

func asBudgetExceeded(err error, target **gwcontext.BudgetExceededError) bool {
	if be, ok := err.(*gwcontext.BudgetExceededError); ok {
		*target = be
		return true
	}
	return false
}
