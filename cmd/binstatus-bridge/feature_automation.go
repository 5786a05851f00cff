//go:build !no_automation

package main

import (
	"log/slog"

	"binstatus-bridge/internal/automation"
	"binstatus-bridge/internal/coordinator"
	"binstatus-bridge/internal/web"
)

type autoStopper struct {
	engine *automation.Engine
}

func (a *autoStopper) Stop() {
	if a.engine != nil {
		a.engine.Stop()
	}
}

func initAutomation(coord *coordinator.Coordinator, cfg *Config, logger *slog.Logger) (*autoStopper, []web.ServerOption) {
	scriptMgr, err := automation.NewManager(cfg.ScriptsDir, logger)
	if err != nil {
		logger.Error("create script manager", "err", err)
		return &autoStopper{}, nil
	}

	engine := automation.NewEngine(coord, scriptMgr, automation.Config{
		Interval: cfg.automationInterval,
		Location: cfg.location,
	}, logger)
	engine.Start(coord.Context())

	opts := []web.ServerOption{
		web.WithAutomation(engine, scriptMgr),
	}
	return &autoStopper{engine: engine}, opts
}
