//go:build !no_automation

package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"binstatus-bridge/internal/timecodec"

	lua "github.com/yuin/gopher-lua"
)

const runTimeout = 5 * time.Second

// Sender delivers schedule results. *coordinator.Coordinator implements it.
type Sender interface {
	Encode(schemaName string, value timecodec.LogicalValue) (timecodec.WireValue, []byte, error)
	Send(ctx context.Context, device, schemaName string, value timecodec.LogicalValue) (timecodec.WireValue, error)
}

// Config controls how often schedules are evaluated and in which zone the
// bins helpers interpret wall-clock times.
type Config struct {
	Interval time.Duration
	Location *time.Location
}

// Plan is one command produced by a script's schedule function.
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

// Engine periodically runs every enabled script's schedule(now) and sends
// the resulting display times. A command is only resent when its encoded
// payload changes.
type Engine struct {
	sender  Sender
	manager *Manager
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	lastSent map[string]string // script\x00device\x00command -> payload
	kick     chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewEngine creates a new automation engine.
func NewEngine(sender Sender, mgr *Manager, cfg Config, logger *slog.Logger) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Engine{
		sender:   sender,
		manager:  mgr,
		cfg:      cfg,
		logger:   logger.With("component", "automation"),
		now:      time.Now,
		lastSent: make(map[string]string),
		kick:     make(chan struct{}, 1),
	}
}

// Start evaluates all scripts once and then every configured interval
// until ctx is cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.done = make(chan struct{})
	done := e.done
	e.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(e.cfg.Interval)
		defer ticker.Stop()

		e.Evaluate(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-e.kick:
			}
			e.Evaluate(ctx)
		}
	}()

	e.logger.Info("automation engine started", "interval", e.cfg.Interval, "zone", e.cfg.Location.String())
}

// Stop ends the evaluation loop and waits for a running pass to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel = nil
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	e.logger.Info("automation engine stopped")
}

// Evaluate runs every enabled script once and dispatches its plans.
func (e *Engine) Evaluate(ctx context.Context) {
	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}

	now := e.now()
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		plans, _, err := e.execute(ctx, s.LuaCode, now)
		if err != nil {
			e.logger.Warn("script failed", "id", s.ID, "err", err)
			continue
		}
		for _, p := range plans {
			e.dispatch(ctx, s.ID, p)
		}
	}
}

// ReloadScript forgets what the script last sent and schedules an
// immediate evaluation.
func (e *Engine) ReloadScript(id string) error {
	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	e.forget(s.ID)
	select {
	case e.kick <- struct{}{}:
	default:
	}
	return nil
}

// StopScript forgets the script's send history. The script itself is no
// longer run once it is disabled or deleted on disk.
func (e *Engine) StopScript(id string) {
	e.forget(id)
}

// RunScript executes a stored script once without sending anything.
func (e *Engine) RunScript(id string) *RunResult {
	start := time.Now()

	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{OK: false, Error: "script not found: " + err.Error(), Duration: time.Since(start).String()}
	}
	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode executes arbitrary Lua code once without sending anything and
// reports the plans schedule(now) returned.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()

	plans, logs, err := e.execute(context.Background(), code, e.now())
	dur := time.Since(start)
	if err != nil {
		e.logger.Warn("script run failed", "err", err)
		return &RunResult{OK: false, Error: err.Error(), Logs: logs, Duration: dur.String()}
	}
	e.logger.Info("script run complete", "plans", len(plans), "logs", len(logs), "duration", dur)
	return &RunResult{OK: true, Logs: logs, Plans: plans, Duration: dur.String()}
}

func (e *Engine) dispatch(ctx context.Context, scriptID string, p Plan) {
	_, payload, err := e.sender.Encode(p.Command, p.Values)
	if err != nil {
		e.logger.Warn("schedule rejected", "id", scriptID, "device", p.Device, "command", p.Command, "err", err)
		return
	}

	key := scriptID + "\x00" + p.Device + "\x00" + p.Command
	e.mu.Lock()
	unchanged := e.lastSent[key] == string(payload)
	e.mu.Unlock()
	if unchanged {
		return
	}

	if _, err := e.sender.Send(ctx, p.Device, p.Command, p.Values); err != nil {
		e.logger.Warn("schedule send failed", "id", scriptID, "device", p.Device, "command", p.Command, "err", err)
		return
	}

	e.mu.Lock()
	e.lastSent[key] = string(payload)
	e.mu.Unlock()
}

func (e *Engine) forget(scriptID string) {
	prefix := scriptID + "\x00"
	e.mu.Lock()
	defer e.mu.Unlock()
	for k := range e.lastSent {
		if strings.HasPrefix(k, prefix) {
			delete(e.lastSent, k)
		}
	}
}

// execute runs code in a fresh sandboxed VM and calls schedule(now).
func (e *Engine) execute(ctx context.Context, code string, now time.Time) ([]Plan, []string, error) {
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	L := newSandbox()
	defer L.Close()
	L.SetContext(ctx)

	var logs []string
	registerBinsModule(L, e.cfg.Location, func(msg string) {
		logs = append(logs, msg)
		e.logger.Info("script log", "msg", msg)
	})

	if err := L.DoString(code); err != nil {
		return nil, logs, luaError(err)
	}

	fn, ok := L.GetGlobal("schedule").(*lua.LFunction)
	if !ok {
		return nil, logs, errors.New("script does not define schedule(now)")
	}
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, lua.LNumber(now.Unix())); err != nil {
		return nil, logs, luaError(err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	plans, err := parsePlans(ret)
	return plans, logs, err
}

// newSandbox returns a Lua state without filesystem, process or module
// loading access.
func newSandbox() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	L.SetGlobal("os", lua.LNil)
	L.SetGlobal("io", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("debug", lua.LNil)
	L.SetGlobal("package", lua.LNil)
	return L
}

func luaError(err error) error {
	if strings.Contains(err.Error(), "context deadline exceeded") {
		return fmt.Errorf("timeout (%s)", runTimeout)
	}
	return err
}

// parsePlans converts the value returned by schedule(now). nil means
// nothing to send.
func parsePlans(v lua.LValue) ([]Plan, error) {
	if v == lua.LNil {
		return nil, nil
	}
	tbl, ok := v.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("schedule returned %s, want a list of tables", v.Type())
	}

	n := tbl.Len()
	plans := make([]Plan, 0, n)
	for i := 1; i <= n; i++ {
		entry, ok := tbl.RawGetInt(i).(*lua.LTable)
		if !ok {
			return nil, fmt.Errorf("schedule entry %d: not a table", i)
		}
		p, err := parsePlan(entry)
		if err != nil {
			return nil, fmt.Errorf("schedule entry %d: %w", i, err)
		}
		plans = append(plans, p)
	}
	return plans, nil
}

func parsePlan(entry *lua.LTable) (Plan, error) {
	device, ok := entry.RawGetString("device").(lua.LString)
	if !ok || device == "" {
		return Plan{}, errors.New("missing device")
	}
	command, ok := entry.RawGetString("command").(lua.LString)
	if !ok || command == "" {
		return Plan{}, errors.New("missing command")
	}

	p := Plan{Device: string(device), Command: string(command), Values: timecodec.LogicalValue{}}
	switch values := entry.RawGetString("values").(type) {
	case *lua.LNilType:
	case *lua.LTable:
		var err error
		values.ForEach(func(k, v lua.LValue) {
			if err != nil {
				return
			}
			field, ok := k.(lua.LString)
			if !ok {
				err = fmt.Errorf("values: non-string key %s", k.String())
				return
			}
			ts, convErr := luaTimestamp(v)
			if convErr != nil {
				err = fmt.Errorf("values.%s: %w", field, convErr)
				return
			}
			p.Values[string(field)] = ts
		})
		if err != nil {
			return Plan{}, err
		}
	default:
		return Plan{}, fmt.Errorf("values: got %s, want a table", values.Type())
	}
	return p, nil
}

// luaTimestamp maps a number of Unix seconds to a timestamp. false means
// unset.
func luaTimestamp(v lua.LValue) (timecodec.Timestamp, error) {
	switch val := v.(type) {
	case lua.LBool:
		if !bool(val) {
			return timecodec.Timestamp{}, nil
		}
	case lua.LNumber:
		f := float64(val)
		if f != math.Trunc(f) || math.IsInf(f, 0) {
			return timecodec.Timestamp{}, fmt.Errorf("%v is not a whole number of seconds", f)
		}
		// int64(f) is undefined outside [-2^63, 2^63).
		if f >= 1<<63 || f < -(1<<63) {
			return timecodec.Timestamp{}, fmt.Errorf("%v seconds is out of range", f)
		}
		return timecodec.At(int64(f)), nil
	}
	return timecodec.Timestamp{}, fmt.Errorf("got %s, want seconds or false", v.Type())
}
