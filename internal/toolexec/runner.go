// Package toolexec runs external assessment tools as subprocesses. It is the
// production Adapter implementation: the core stays tool-agnostic and this
// package owns binary resolution, invocation, and failure classification.
package toolexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Jawbreaker1/StrikeFlow/internal/executor"
	"github.com/Jawbreaker1/StrikeFlow/internal/scopeguard"
	"github.com/Jawbreaker1/StrikeFlow/internal/workflow"
)

const maxCapturedOutput = 1 << 20

// Runner executes tasks by invoking binaries from an explicit allowlist.
// Tools not in the allowlist never run, whatever a definition asks for.
type Runner struct {
	binaries map[string]string
	env      []string
	scope    *scopeguard.Policy
	logger   zerolog.Logger
}

// NewRunner builds a Runner from a tool-name to binary-path allowlist. A
// value may be a bare command name, resolved through PATH at invocation time.
func NewRunner(binaries map[string]string, logger zerolog.Logger) (*Runner, error) {
	if len(binaries) == 0 {
		return nil, fmt.Errorf("tool allowlist is empty")
	}
	owned := make(map[string]string, len(binaries))
	for tool, bin := range binaries {
		tool = strings.TrimSpace(tool)
		bin = strings.TrimSpace(bin)
		if tool == "" || bin == "" {
			return nil, fmt.Errorf("tool allowlist entries must be non-empty")
		}
		owned[tool] = bin
	}
	return &Runner{binaries: owned, logger: logger}, nil
}

// SetEnv appends KEY=VALUE pairs to every tool invocation's environment.
func (r *Runner) SetEnv(env []string) { r.env = append([]string(nil), env...) }

// SetScope installs the engagement scope policy. Out-of-scope targets fail
// before the binary is resolved.
func (r *Runner) SetScope(policy *scopeguard.Policy) { r.scope = policy }

// Tools lists the allowlisted tool names, sorted.
func (r *Runner) Tools() []string {
	names := make([]string, 0, len(r.binaries))
	for name := range r.binaries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Runner) Execute(ctx context.Context, task workflow.Task) (executor.Result, error) {
	binary, ok := r.binaries[task.Tool]
	if !ok {
		return executor.Result{}, fmt.Errorf("tool %q is not allowlisted", task.Tool)
	}
	if err := r.scope.ValidateTarget(task.Target); err != nil {
		return executor.Result{}, err
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return executor.Result{}, fmt.Errorf("resolve tool %q: %w", task.Tool, err)
	}

	args := append([]string(nil), task.Args...)
	if task.Target != "" {
		args = append(args, task.Target)
	}

	cmd := exec.CommandContext(ctx, path, args...)
	if len(r.env) > 0 {
		cmd.Env = append(cmd.Environ(), r.env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug().Str("tool", task.Tool).Str("task_id", task.ID).Strs("args", args).Msg("invoking tool")
	runErr := cmd.Run()

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	payload, _ := json.Marshal(map[string]any{
		"tool":      task.Tool,
		"args":      args,
		"exit_code": exitCode,
		"stdout":    truncate(stdout.String()),
		"stderr":    truncate(stderr.String()),
	})

	if runErr != nil {
		return executor.Result{Payload: payload, Transient: classify(ctx, runErr)},
			fmt.Errorf("tool %s: %w", task.Tool, describeFailure(ctx, runErr, stderr.String()))
	}
	return executor.Result{Payload: payload, Summary: summarize(stdout.String())}, nil
}

// classify decides whether a failure is worth retrying. Timeouts and kills
// are transient; a clean non-zero exit is the tool's verdict and is not.
func classify(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return !exitErr.Exited()
	}
	return false
}

func describeFailure(ctx context.Context, err error, stderr string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("timed out")
	}
	line := firstLine(stderr)
	if line != "" {
		return fmt.Errorf("%w: %s", err, line)
	}
	return err
}

func summarize(stdout string) string {
	lines := 0
	for _, line := range strings.Split(stdout, "\n") {
		if strings.TrimSpace(line) != "" {
			lines++
		}
	}
	return fmt.Sprintf("%d output lines", lines)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func truncate(s string) string {
	if len(s) <= maxCapturedOutput {
		return s
	}
	return s[:maxCapturedOutput] + "\n[truncated]"
}
