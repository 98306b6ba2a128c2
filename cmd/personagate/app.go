package main

import (
	"context"
	"fmt"

	"github.com/roelfdiedericks/personagate/internal/chat"
	"github.com/roelfdiedericks/personagate/internal/config"
	"github.com/roelfdiedericks/personagate/internal/greeting"
	"github.com/roelfdiedericks/personagate/internal/llm"
	. "github.com/roelfdiedericks/personagate/internal/logging"
	"github.com/roelfdiedericks/personagate/internal/quota"
	"github.com/roelfdiedericks/personagate/internal/store"
)

// app is the wired pipeline shared by serve and send.
type app struct {
	cfg   *config.Config
	store store.Store
	orch  *chat.Orchestrator
}

// loadConfig reads the config and initializes logging from it.
func loadConfig(g *Globals) (*config.Config, error) {
	cfg, err := config.Load(g.Config, g.Env)
	if err != nil {
		return nil, err
	}
	logCfg := cfg.LoggingConfig()
	if g.Debug {
		logCfg.Level = LevelDebug
	}
	Init(logCfg)
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	st, err := store.Open(ctx, store.Options{Type: cfg.Store.Type, DSN: cfg.Store.DSN})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

func newApp(ctx context.Context, g *Globals) (*app, error) {
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	gen, err := llm.NewFromConfig(cfg.Providers, cfg.Retry, cfg.Chat.ApologyText)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("providers: %w", err)
	}

	greetings := greeting.NewCache(st)
	greetings.SetTimeout(cfg.Chat.TotalBudget())

	orch, err := chat.NewOrchestrator(st, gen, quota.NewLimiter(st, cfg.Tiers), greetings, chat.Options{
		HistoryLimit:       cfg.Chat.HistoryLimit,
		HistoryTokenBudget: cfg.Chat.HistoryTokenBudget,
		MaxMessageChars:    cfg.Chat.MaxMessageChars,
		TotalBudget:        cfg.Chat.TotalBudget(),
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	L_debug("app: pipeline ready", "store", cfg.Store.Type, "primary", cfg.Providers.Primary.Driver,
		"secondary", cfg.Providers.Secondary.Driver)
	return &app{cfg: cfg, store: st, orch: orch}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		L_warn("app: store close failed", "error", err)
	}
}
