package terraform

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"log/slog"
)

// ExecRunner shells out to a local terraform binary.
type ExecRunner struct {
	bin    string
	logger *slog.Logger
}

// NewExecRunner returns a Runner backed by the given binary path.
func NewExecRunner(bin string, logger *slog.Logger) *ExecRunner {
	if bin == "" {
		bin = "terraform"
	}
	return &ExecRunner{bin: bin, logger: logger.With("component", "terraform")}
}

// Plan runs init and plan in dir and parses the change summary.
func (r *ExecRunner) Plan(ctx context.Context, dir string, env map[string]string) (PlanResult, error) {
	if err := r.run(ctx, dir, env, "init", "-input=false", "-no-color"); err != nil {
		return PlanResult{Errors: []string{err.Error()}}, nil
	}
	output, err := r.capture(ctx, dir, env, "plan", "-input=false", "-no-color")
	if err != nil {
		errs := collectErrorLines(output)
		if len(errs) == 0 {
			errs = []string{err.Error()}
		}
		return PlanResult{Errors: errs}, nil
	}
	adds, changes, destroys, ok := parsePlanOutput(output)
	if !ok {
		return PlanResult{Errors: []string{"plan output missing change summary"}}, nil
	}
	return PlanResult{AddCount: adds, ChangeCount: changes, DestroyCount: destroys}, nil
}

// Apply runs apply in dir. Engine errors land in the result, not in the
// returned error, so callers surface them verbatim to the operator.
func (r *ExecRunner) Apply(ctx context.Context, dir string, env map[string]string) (ApplyResult, error) {
	output, err := r.capture(ctx, dir, env, "apply", "-input=false", "-no-color", "-auto-approve")
	if err != nil {
		errs := collectErrorLines(output)
		if len(errs) == 0 {
			errs = []string{err.Error()}
		}
		return ApplyResult{Success: false, Errors: errs}, nil
	}
	return ApplyResult{Success: true}, nil
}

func (r *ExecRunner) run(ctx context.Context, dir string, env map[string]string, args ...string) error {
	output, err := r.capture(ctx, dir, env, args...)
	if err != nil {
		return fmt.Errorf("terraform %s failed: %w: %s", args[0], err, firstLine(output))
	}
	return nil
}

func (r *ExecRunner) capture(ctx context.Context, dir string, env map[string]string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, r.bin, args...)
	cmd.Dir = dir
	// Prevent the engine from prompting interactively.
	cmd.Env = append(os.Environ(), "TF_IN_AUTOMATION=1")
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	output, err := cmd.CombinedOutput()
	if err != nil {
		r.logger.Warn("terraform invocation failed", "args", args, "error", err)
	}
	return string(output), err
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
