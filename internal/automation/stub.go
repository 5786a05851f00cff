//go:build no_automation

package automation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"binstatus-bridge/internal/timecodec"
)

var ErrScriptNotFound = errors.New("script not found")

// ScriptMeta holds user-editable metadata for a script.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is a collection schedule stored on disk.
type Script struct {
	ID       string     `json:"id"`
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}

// Sender delivers schedule results.
type Sender interface {
	Encode(schemaName string, value timecodec.LogicalValue) (timecodec.WireValue, []byte, error)
	Send(ctx context.Context, device, schemaName string, value timecodec.LogicalValue) (timecodec.WireValue, error)
}

// Config is accepted and ignored.
type Config struct {
	Interval time.Duration
	Location *time.Location
}

// Plan is one command produced by a script.
type Plan struct {
	Device  string                 `json:"device"`
	Command string                 `json:"command"`
	Values  timecodec.LogicalValue `json:"values"`
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Plans    []Plan   `json:"plans"`
	Duration string   `json:"duration"`
}

// Manager is a no-op stub when automation is disabled.
type Manager struct{}

// NewManager returns nil manager when automation is disabled.
func NewManager(_ string, _ *slog.Logger) (*Manager, error) { return nil, nil }

// List returns nil.
func (m *Manager) List() ([]*Script, error) { return nil, nil }

// Get always fails.
func (m *Manager) Get(_ string) (*Script, error) { return nil, ErrScriptNotFound }

// Save returns the script unchanged.
func (m *Manager) Save(s *Script) (*Script, error) { return s, nil }

// Delete is a no-op.
func (m *Manager) Delete(_ string) error { return nil }

// Engine is a no-op stub when automation is disabled.
type Engine struct{}

// NewEngine returns a no-op engine when automation is disabled.
func NewEngine(_ Sender, _ *Manager, _ Config, _ *slog.Logger) *Engine {
	return &Engine{}
}

// Start is a no-op.
func (e *Engine) Start(_ context.Context) {}

// Stop is a no-op.
func (e *Engine) Stop() {}

// Evaluate is a no-op.
func (e *Engine) Evaluate(_ context.Context) {}

// ReloadScript is a no-op.
func (e *Engine) ReloadScript(_ string) error { return nil }

// StopScript is a no-op.
func (e *Engine) StopScript(_ string) {}

// RunScript returns a stub result.
func (e *Engine) RunScript(_ string) *RunResult {
	return &RunResult{OK: false, Error: "automation disabled"}
}

// RunLuaCode returns a stub result.
func (e *Engine) RunLuaCode(_ string) *RunResult {
	return &RunResult{OK: false, Error: "automation disabled"}
}
