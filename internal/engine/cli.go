package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"
)

// PipeWaitDelay is how long Wait keeps reading output after the agent
// exits or is killed while its children still hold stdout or stderr.
const PipeWaitDelay = 2 * time.Second

// CLI runs the claude command line agent in non-interactive JSON mode.
type CLI struct {
	Binary    string
	ExtraArgs []string
	// Env entries (KEY=VALUE) appended to the inherited environment.
	Env []string
	// UnsetEnv names variables stripped from the inherited environment.
	UnsetEnv []string
}

func NewCLI(binary string, extraArgs, env, unsetEnv []string) *CLI {
	if binary == "" {
		binary = "claude"
	}
	return &CLI{Binary: binary, ExtraArgs: extraArgs, Env: env, UnsetEnv: unsetEnv}
}

func (c *CLI) Name() string { return "cli" }

func (c *CLI) Args(inv Invocation) []string {
	args := []string{
		"--print",
		"--output-format", "json",
		"--dangerously-skip-permissions",
	}
	if inv.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(inv.MaxTurns))
	}
	if len(inv.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(inv.AllowedTools, ","))
	}
	return append(args, c.ExtraArgs...)
}

func (c *CLI) environ() []string {
	raw := os.Environ()
	env := make([]string, 0, len(raw)+len(c.Env))
	for _, e := range raw {
		keep := true
		for _, name := range c.UnsetEnv {
			if strings.HasPrefix(e, name+"=") {
				keep = false
				break
			}
		}
		if keep {
			env = append(env, e)
		}
	}
	return append(env, c.Env...)
}

func (c *CLI) Start(ctx context.Context, inv Invocation) (Process, error) {
	cmd := exec.Command(c.Binary, c.Args(inv)...)
	cmd.Dir = inv.WorkDir
	cmd.Env = c.environ()
	// prompt on stdin keeps long prompts clear of ARG_MAX
	cmd.Stdin = strings.NewReader(inv.Prompt)

	p := &cliProcess{cmd: cmd, done: make(chan struct{})}
	cmd.Stdout = &p.stdout
	cmd.Stderr = &p.stderr
	setProcessGroup(cmd)
	// a tool left running in the background must not hold Wait open
	cmd.WaitDelay = PipeWaitDelay

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.Binary, err)
	}

	go func() {
		waitErr := cmd.Wait()
		// nothing started by this attempt outlives it
		_ = signalGroup(cmd, syscall.SIGKILL)
		if errors.Is(waitErr, exec.ErrWaitDelay) {
			waitErr = nil
		}
		res := parseCLIOutput(p.stdout.Bytes(), p.stderr.Bytes(), cmd.ProcessState.ExitCode())
		res.Duration = time.Since(start)
		if res.Err == nil && waitErr != nil {
			res.Err = waitErr
		}
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

type cliProcess struct {
	cmd    *exec.Cmd
	stdout bytes.Buffer
	stderr bytes.Buffer
	done   chan struct{}

	mu  sync.Mutex
	res Result
}

func (p *cliProcess) Done() <-chan struct{} { return p.done }

func (p *cliProcess) Result() Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.res
}

func (p *cliProcess) Interrupt() error { return p.signal(syscall.SIGTERM) }

func (p *cliProcess) Kill() error { return p.signal(syscall.SIGKILL) }

func (p *cliProcess) signal(sig syscall.Signal) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return signalGroup(p.cmd, sig)
}

// cliOutput is the single JSON object printed by --output-format json.
type cliOutput struct {
	Type       string  `json:"type"`
	Subtype    string  `json:"subtype"`
	Result     string  `json:"result"`
	IsError    bool    `json:"is_error"`
	NumTurns   int     `json:"num_turns"`
	DurationMs int64   `json:"duration_ms"`
	CostUSD    float64 `json:"total_cost_usd"`
	SessionID  string  `json:"session_id"`
}

func parseCLIOutput(stdout, stderr []byte, exitCode int) Result {
	res := Result{ExitCode: exitCode, Stderr: truncate(string(stderr), 2000)}

	var out cliOutput
	if err := json.Unmarshal(bytes.TrimSpace(stdout), &out); err == nil && out.Type != "" {
		res.Output = out.Result
		res.Turns = out.NumTurns
		res.TurnLimitReached = out.Subtype == "error_max_turns"
		if out.IsError {
			detail := out.Subtype
			if out.Result != "" {
				detail = fmt.Sprintf("%s: %s", out.Subtype, truncate(out.Result, 500))
			}
			res.Err = fmt.Errorf("agent reported error: %s", detail)
		} else if exitCode != 0 {
			res.Err = fmt.Errorf("agent exited with code %d", exitCode)
		}
		return res
	}

	// not JSON: keep the raw text
	res.Output = string(stdout)
	if exitCode != 0 {
		msg := strings.TrimSpace(string(stderr))
		if msg == "" {
			msg = fmt.Sprintf("agent exited with code %d", exitCode)
		}
		res.Err = errors.New(truncate(msg, 500))
	}
	return res
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
