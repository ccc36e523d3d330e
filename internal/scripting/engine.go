package scripting

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/l1jgo/replication/internal/core/ecs"
	"github.com/l1jgo/replication/internal/window"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

const (
	fnPriority   = "calc_priority"
	fnSendBudget = "send_budget"
)

// Engine wraps a single gopher-lua VM holding the replication policy scripts.
// Single-goroutine access only; use a Pool to share scripts across workers.
type Engine struct {
	vm  *lua.LState
	log *zap.Logger

	// 每次呼叫重複使用的參數表，腳本不可保留參照
	prioCtx   *lua.LTable
	budgetCtx *lua.LTable
}

// NewEngine creates a Lua engine and loads every script under scriptsDir.
// An empty scriptsDir yields an engine with no policy functions defined.
func NewEngine(scriptsDir string, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	vm := lua.NewState(lua.Options{
		SkipOpenLibs: false,
	})
	vm.SetGlobal("API_VERSION", lua.LNumber(1))

	e := &Engine{
		vm:        vm,
		log:       log,
		prioCtx:   vm.NewTable(),
		budgetCtx: vm.NewTable(),
	}
	e.registerHelpers()

	if scriptsDir == "" {
		return e, nil
	}
	// 先載入共用函式，再載入策略腳本
	for _, sub := range []string{"lib", "priority", "policy"} {
		if err := e.loadDir(filepath.Join(scriptsDir, sub)); err != nil {
			vm.Close()
			return nil, fmt.Errorf("load %s scripts: %w", sub, err)
		}
	}
	return e, nil
}

// loadDir loads all .lua files in a directory.
func (e *Engine) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // skip missing dirs
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lua" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := e.vm.DoFile(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		e.log.Debug("loaded lua script", zap.String("file", path))
	}
	return nil
}

// LoadString runs an inline chunk, e.g. an override from the command line.
func (e *Engine) LoadString(name, src string) error {
	fn, err := e.vm.LoadString(src)
	if err != nil {
		return fmt.Errorf("compile %s: %w", name, err)
	}
	e.vm.Push(fn)
	if err := e.vm.PCall(0, lua.MultRet, nil); err != nil {
		return fmt.Errorf("run %s: %w", name, err)
	}
	return nil
}

// registerHelpers exposes small math helpers scripts tend to need.
func (e *Engine) registerHelpers() {
	e.vm.SetGlobal("clamp", e.vm.NewFunction(func(L *lua.LState) int {
		v := float64(L.CheckNumber(1))
		lo := float64(L.CheckNumber(2))
		hi := float64(L.CheckNumber(3))
		L.Push(lua.LNumber(min(max(v, lo), hi)))
		return 1
	}))
}

func (e *Engine) HasPriority() bool   { return e.vm.GetGlobal(fnPriority).Type() == lua.LTFunction }
func (e *Engine) HasSendBudget() bool { return e.vm.GetGlobal(fnSendBudget).Type() == lua.LTFunction }

// PriorityContext holds pre-packed data for one priority evaluation.
type PriorityContext struct {
	Entity     ecs.EntityID
	Kind       string
	Base       float32 // priority the entity store assigns before scripting
	Distance   float32 // to the connection's viewpoint
	Controlled bool
}

// ScriptError is returned (or panicked, from PriorityFunc) when a policy
// function fails.
type ScriptError struct {
	Func string
	Err  error
}

func (e *ScriptError) Error() string { return fmt.Sprintf("lua %s: %v", e.Func, e.Err) }
func (e *ScriptError) Unwrap() error { return e.Err }

// CalcPriority calls the Lua calc_priority function.
func (e *Engine) CalcPriority(ctx PriorityContext) (float32, error) {
	fn := e.vm.GetGlobal(fnPriority)
	if fn.Type() != lua.LTFunction {
		return 0, &ScriptError{Func: fnPriority, Err: fmt.Errorf("function not defined")}
	}

	t := e.prioCtx
	t.RawSetString("entity", lua.LNumber(ctx.Entity.Index()))
	t.RawSetString("generation", lua.LNumber(ctx.Entity.Generation()))
	t.RawSetString("kind", lua.LString(ctx.Kind))
	t.RawSetString("base", lua.LNumber(ctx.Base))
	t.RawSetString("distance", lua.LNumber(ctx.Distance))
	t.RawSetString("controlled", lua.LBool(ctx.Controlled))

	if err := e.vm.CallByParam(lua.P{
		Fn:      fn,
		NRet:    1,
		Protect: true,
	}, t); err != nil {
		return 0, &ScriptError{Func: fnPriority, Err: err}
	}

	result := e.vm.Get(-1)
	e.vm.Pop(1)

	n, ok := result.(lua.LNumber)
	if !ok {
		return 0, &ScriptError{Func: fnPriority, Err: fmt.Errorf("returned %s, want number", result.Type())}
	}
	return float32(n), nil
}

// PriorityFunc adapts calc_priority to the window's callback. describe packs
// the per-entity context. A script failure panics with a *ScriptError, which
// UpdateWindow propagates to its caller unchanged.
func (e *Engine) PriorityFunc(describe func(id ecs.EntityID) PriorityContext) window.PriorityFunc {
	return func(id ecs.EntityID) float32 {
		p, err := e.CalcPriority(describe(id))
		if err != nil {
			panic(err)
		}
		return p
	}
}

// BudgetContext is the connection snapshot handed to send_budget.
type BudgetContext struct {
	ConnID        uint64
	MaxSendCount  int // current window capacity
	BaseSendCount int // configured capacity
	WindowLen     int
	Poor          bool
	LossRatio     float64
	RoundTripMs   float32
}

// CalcSendBudget calls the Lua send_budget function and returns the capacity the
// window should use next tick. Failures are logged and keep the current value.
func (e *Engine) CalcSendBudget(ctx BudgetContext) int {
	fn := e.vm.GetGlobal(fnSendBudget)
	if fn.Type() != lua.LTFunction {
		return ctx.MaxSendCount
	}

	t := e.budgetCtx
	t.RawSetString("conn", lua.LNumber(ctx.ConnID))
	t.RawSetString("max_send", lua.LNumber(ctx.MaxSendCount))
	t.RawSetString("base_send", lua.LNumber(ctx.BaseSendCount))
	t.RawSetString("window_len", lua.LNumber(ctx.WindowLen))
	t.RawSetString("poor", lua.LBool(ctx.Poor))
	t.RawSetString("loss_ratio", lua.LNumber(ctx.LossRatio))
	t.RawSetString("rtt_ms", lua.LNumber(ctx.RoundTripMs))

	if err := e.vm.CallByParam(lua.P{
		Fn:      fn,
		NRet:    1,
		Protect: true,
	}, t); err != nil {
		e.log.Error("lua send_budget error", zap.Uint64("conn", ctx.ConnID), zap.Error(err))
		return ctx.MaxSendCount
	}

	result := e.vm.Get(-1)
	e.vm.Pop(1)

	n, ok := result.(lua.LNumber)
	if !ok {
		e.log.Error("lua send_budget returned non-number", zap.String("type", result.Type().String()))
		return ctx.MaxSendCount
	}
	return max(int(n), 0)
}

// Close shuts down the Lua VM.
func (e *Engine) Close() {
	e.vm.Close()
}
