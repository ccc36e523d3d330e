package scripting

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Pool holds one Engine per replication worker. Every engine loads the same
// scripts; Acquire hands out exclusive use of one VM.
type Pool struct {
	all  []*Engine
	free chan *Engine
}

func NewPool(size int, scriptsDir string, log *zap.Logger) (*Pool, error) {
	if log == nil {
		log = zap.NewNop()
	}
	size = max(size, 1)
	p := &Pool{
		all:  make([]*Engine, 0, size),
		free: make(chan *Engine, size),
	}
	for i := range size {
		e, err := NewEngine(scriptsDir, log.With(zap.Int("vm", i)))
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("lua vm %d: %w", i, err)
		}
		p.all = append(p.all, e)
		p.free <- e
	}
	return p, nil
}

// Acquire blocks until an engine is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (*Engine, error) {
	select {
	case e := <-p.free:
		return e, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) Release(e *Engine) { p.free <- e }

func (p *Pool) Size() int { return len(p.all) }

// Each runs fn on every engine; only valid while no engine is acquired.
func (p *Pool) Each(fn func(*Engine) error) error {
	for i, e := range p.all {
		if err := fn(e); err != nil {
			return fmt.Errorf("lua vm %d: %w", i, err)
		}
	}
	return nil
}

func (p *Pool) Close() {
	for _, e := range p.all {
		e.Close()
	}
	p.all = nil
}
