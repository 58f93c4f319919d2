// Package enginetest provides a scriptable in-process engine for tests.
package enginetest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"deepagent/internal/engine"
)

// Behavior runs one invocation. stop is closed when the process is
// interrupted (unless the engine ignores interrupts) or killed.
type Behavior func(inv engine.Invocation, stop <-chan struct{}) engine.Result

// Engine plays Script in order, one behavior per Start; the last behavior
// repeats once the script is exhausted.
type Engine struct {
	Script []Behavior
	// IgnoreInterrupt makes processes wait for Kill.
	IgnoreInterrupt bool
	// StartErr fails every Start.
	StartErr error

	mu          sync.Mutex
	invocations []engine.Invocation

	interrupts atomic.Int32
	kills      atomic.Int32
}

func New(script ...Behavior) *Engine {
	return &Engine{Script: script}
}

func (e *Engine) Name() string { return "fake" }

func (e *Engine) Start(ctx context.Context, inv engine.Invocation) (engine.Process, error) {
	if e.StartErr != nil {
		return nil, e.StartErr
	}
	e.mu.Lock()
	n := len(e.invocations)
	e.invocations = append(e.invocations, inv)
	var b Behavior
	switch {
	case len(e.Script) == 0:
		b = Succeed("done", nil)
	case n < len(e.Script):
		b = e.Script[n]
	default:
		b = e.Script[len(e.Script)-1]
	}
	e.mu.Unlock()

	p := &process{engine: e, stop: make(chan struct{}), done: make(chan struct{})}
	go func() {
		res := b(inv, p.stop)
		p.mu.Lock()
		p.res = res
		p.mu.Unlock()
		close(p.done)
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = p.Kill()
		case <-p.done:
		}
	}()
	return p, nil
}

// Invocations returns every invocation started so far.
func (e *Engine) Invocations() []engine.Invocation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.Invocation(nil), e.invocations...)
}

func (e *Engine) Interrupts() int { return int(e.interrupts.Load()) }
func (e *Engine) Kills() int      { return int(e.kills.Load()) }

type process struct {
	engine   *Engine
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu  sync.Mutex
	res engine.Result
}

func (p *process) Done() <-chan struct{} { return p.done }

func (p *process) Result() engine.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.res
}

func (p *process) Interrupt() error {
	p.engine.interrupts.Add(1)
	if !p.engine.IgnoreInterrupt {
		p.stopOnce.Do(func() { close(p.stop) })
	}
	return nil
}

func (p *process) Kill() error {
	p.engine.kills.Add(1)
	p.stopOnce.Do(func() { close(p.stop) })
	return nil
}

// WriteFiles creates files relative to the invocation's work dir.
func WriteFiles(inv engine.Invocation, files map[string]string) error {
	for name, body := range files {
		path := filepath.Join(inv.WorkDir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// Succeed writes files and exits cleanly.
func Succeed(output string, files map[string]string) Behavior {
	return func(inv engine.Invocation, _ <-chan struct{}) engine.Result {
		if err := WriteFiles(inv, files); err != nil {
			return engine.Result{Err: err, ExitCode: 1}
		}
		return engine.Result{Output: output, Turns: 1}
	}
}

// Fail exits non-zero without writing anything.
func Fail(msg string) Behavior {
	return func(engine.Invocation, <-chan struct{}) engine.Result {
		return engine.Result{Err: errors.New(msg), ExitCode: 1}
	}
}

// TurnLimit writes files and reports an exhausted turn budget.
func TurnLimit(files map[string]string) Behavior {
	return func(inv engine.Invocation, _ <-chan struct{}) engine.Result {
		_ = WriteFiles(inv, files)
		return engine.Result{Err: errors.New("error_max_turns"), ExitCode: 1, TurnLimitReached: true, Turns: inv.MaxTurns}
	}
}

// Hang writes files, then blocks until stopped.
func Hang(files map[string]string) Behavior {
	return func(inv engine.Invocation, stop <-chan struct{}) engine.Result {
		_ = WriteFiles(inv, files)
		<-stop
		return engine.Result{Err: errors.New("terminated"), ExitCode: -1}
	}
}

// Sequence returns Fail(msg) n times followed by then.
func Sequence(n int, msg string, then Behavior) []Behavior {
	script := make([]Behavior, 0, n+1)
	for i := 0; i < n; i++ {
		script = append(script, Fail(msg))
	}
	return append(script, then)
}
