package scripting

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/l1jgo/replication/internal/core/ecs"
	"github.com/l1jgo/replication/internal/window"
	"go.uber.org/zap/zaptest"
)

func newTestEngine(t *testing.T, src string) *Engine {
	t.Helper()
	e, err := NewEngine("", zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(e.Close)
	if src != "" {
		if err := e.LoadString("inline", src); err != nil {
			t.Fatalf("LoadString: %v", err)
		}
	}
	return e
}

func TestEngineWithoutScripts(t *testing.T) {
	e := newTestEngine(t, "")
	if e.HasPriority() || e.HasSendBudget() {
		t.Fatal("expected no policy functions")
	}
	_, err := e.CalcPriority(PriorityContext{Entity: ecs.NewEntityID(1, 0)})
	var se *ScriptError
	if !errors.As(err, &se) || se.Func != "calc_priority" {
		t.Fatalf("expected ScriptError for calc_priority, got %v", err)
	}
	if got := e.CalcSendBudget(BudgetContext{MaxSendCount: 40}); got != 40 {
		t.Fatalf("expected budget unchanged at 40, got %d", got)
	}
}

func TestCalcPriorityReadsContext(t *testing.T) {
	e := newTestEngine(t, `
function calc_priority(ctx)
    if ctx.controlled then return 100 end
    if ctx.kind == "prop" then return 0 end
    return ctx.base * 2 - ctx.distance
end`)

	cases := []struct {
		ctx  PriorityContext
		want float32
	}{
		{PriorityContext{Kind: "npc", Base: 1.5, Distance: 0.5}, 2.5},
		{PriorityContext{Kind: "prop", Base: 9}, 0},
		{PriorityContext{Kind: "npc", Base: 1, Controlled: true}, 100},
	}
	for _, c := range cases {
		got, err := e.CalcPriority(c.ctx)
		if err != nil {
			t.Fatalf("CalcPriority(%+v): %v", c.ctx, err)
		}
		if got != c.want {
			t.Fatalf("CalcPriority(%+v): expected %v, got %v", c.ctx, c.want, got)
		}
	}
}

func TestCalcPriorityRejectsNonNumber(t *testing.T) {
	e := newTestEngine(t, `function calc_priority(ctx) return "high" end`)
	if _, err := e.CalcPriority(PriorityContext{}); err == nil {
		t.Fatal("expected error for string result")
	}
}

func TestPriorityFuncPanicPropagatesThroughWindow(t *testing.T) {
	e := newTestEngine(t, `
function calc_priority(ctx)
    if ctx.entity == 3 then error("bad entity") end
    return ctx.entity
end`)
	w := window.New(window.DefaultConfig())
	ids := []ecs.EntityID{ecs.NewEntityID(1, 0), ecs.NewEntityID(2, 0), ecs.NewEntityID(3, 0)}
	prio := e.PriorityFunc(func(id ecs.EntityID) PriorityContext { return PriorityContext{Entity: id} })

	defer func() {
		r := recover()
		err, ok := r.(error)
		var se *ScriptError
		if !ok || !errors.As(err, &se) {
			t.Fatalf("expected *ScriptError panic, got %v", r)
		}
	}()
	w.UpdateWindow(slices.Values(ids), prio, window.ConnectionStats{})
	t.Fatal("expected panic")
}

func TestPriorityFuncRanksWindow(t *testing.T) {
	e := newTestEngine(t, `function calc_priority(ctx) return 10 - ctx.distance end`)
	cfg := window.DefaultConfig()
	cfg.MaxSendCount = 2
	w := window.New(cfg)

	dist := map[ecs.EntityID]float32{
		ecs.NewEntityID(1, 0): 9,
		ecs.NewEntityID(2, 0): 1,
		ecs.NewEntityID(3, 0): 4,
	}
	prio := e.PriorityFunc(func(id ecs.EntityID) PriorityContext {
		return PriorityContext{Entity: id, Distance: dist[id]}
	})
	ids := []ecs.EntityID{ecs.NewEntityID(1, 0), ecs.NewEntityID(2, 0), ecs.NewEntityID(3, 0)}
	set := w.UpdateWindow(slices.Values(ids), prio, window.ConnectionStats{})

	if len(set) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(set))
	}
	if _, ok := set[ecs.NewEntityID(1, 0)]; ok {
		t.Fatal("expected farthest entity to be dropped")
	}
}

func TestSendBudget(t *testing.T) {
	e := newTestEngine(t, `
function send_budget(s)
    if s.poor then return math.floor(s.max_send / 2) end
    if s.conn == 9 then error("boom") end
    if s.conn == 8 then return -5 end
    return s.base_send
end`)

	if got := e.CalcSendBudget(BudgetContext{MaxSendCount: 64, BaseSendCount: 128, Poor: true}); got != 32 {
		t.Fatalf("expected 32, got %d", got)
	}
	if got := e.CalcSendBudget(BudgetContext{MaxSendCount: 32, BaseSendCount: 128}); got != 128 {
		t.Fatalf("expected 128, got %d", got)
	}
	if got := e.CalcSendBudget(BudgetContext{ConnID: 9, MaxSendCount: 50, BaseSendCount: 128}); got != 50 {
		t.Fatalf("expected script error to keep 50, got %d", got)
	}
	if got := e.CalcSendBudget(BudgetContext{ConnID: 8, MaxSendCount: 50}); got != 0 {
		t.Fatalf("expected negative budget clamped to 0, got %d", got)
	}
}

func TestClampHelper(t *testing.T) {
	e := newTestEngine(t, `function calc_priority(ctx) return clamp(ctx.base, 0, 5) end`)
	got, err := e.CalcPriority(PriorityContext{Base: 12})
	if err != nil {
		t.Fatalf("CalcPriority: %v", err)
	}
	if got != 5 {
		t.Fatalf("expected clamp to 5, got %v", got)
	}
}

func TestNewEngineLoadsDirectories(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, filepath.Join(dir, "lib", "base.lua"), `SCALE = 3`)
	writeScript(t, filepath.Join(dir, "priority", "p.lua"), `function calc_priority(ctx) return ctx.base * SCALE end`)
	writeScript(t, filepath.Join(dir, "priority", "notes.txt"), `not lua`)

	e, err := NewEngine(dir, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer e.Close()

	got, err := e.CalcPriority(PriorityContext{Base: 2})
	if err != nil {
		t.Fatalf("CalcPriority: %v", err)
	}
	if got != 6 {
		t.Fatalf("expected 6, got %v", got)
	}
	if e.HasSendBudget() {
		t.Fatal("expected no send_budget without policy dir")
	}
}

func TestNewEngineSyntaxError(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, filepath.Join(dir, "policy", "bad.lua"), `function send_budget(`)
	if _, err := NewEngine(dir, zaptest.NewLogger(t)); err == nil {
		t.Fatal("expected load error")
	}
}

func TestBundledScripts(t *testing.T) {
	e, err := NewEngine(filepath.Join("..", "..", "scripts"), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer e.Close()

	near, _ := e.CalcPriority(PriorityContext{Kind: "npc", Base: 1, Distance: 0})
	far, _ := e.CalcPriority(PriorityContext{Kind: "npc", Base: 1, Distance: 200})
	self, _ := e.CalcPriority(PriorityContext{Kind: "player", Base: 1, Distance: 0, Controlled: true})
	if !(self > near && near > far) {
		t.Fatalf("expected controlled > near > far, got %v %v %v", self, near, far)
	}

	if got := e.CalcSendBudget(BudgetContext{MaxSendCount: 128, BaseSendCount: 128, Poor: true}); got != 96 {
		t.Fatalf("expected poor connection budget 96, got %d", got)
	}
	if got := e.CalcSendBudget(BudgetContext{MaxSendCount: 16, BaseSendCount: 128, Poor: true}); got != 16 {
		t.Fatalf("expected floor 16, got %d", got)
	}
	if got := e.CalcSendBudget(BudgetContext{MaxSendCount: 96, BaseSendCount: 128}); got != 104 {
		t.Fatalf("expected recovery to 104, got %d", got)
	}
	if got := e.CalcSendBudget(BudgetContext{MaxSendCount: 124, BaseSendCount: 128}); got != 128 {
		t.Fatalf("expected recovery capped at 128, got %d", got)
	}
}

func TestPoolAcquireRelease(t *testing.T) {
	p, err := NewPool(2, "", zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer p.Close()

	if err := p.Each(func(e *Engine) error {
		return e.LoadString("inline", `function calc_priority(ctx) return 7 end`)
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}

	ctx := context.Background()
	a, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	b, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if a == b {
		t.Fatal("expected distinct engines")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := p.Acquire(cancelled); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled on exhausted pool, got %v", err)
	}

	p.Release(a)
	c, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	if got, _ := c.CalcPriority(PriorityContext{}); got != 7 {
		t.Fatalf("expected 7, got %v", got)
	}
	p.Release(b)
	p.Release(c)
}

func writeScript(t *testing.T, path, src string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
}
