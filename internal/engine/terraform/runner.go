// Package terraform invokes the external infrastructure-as-code engine as a
// black box. Plan is a dry run, apply performs the real change; the engine's
// own state files are opaque to this process.
package terraform

import (
	"context"
	"regexp"
	"strconv"
	"strings"
)

// PlanResult summarizes a dry run.
type PlanResult struct {
	Errors       []string
	AddCount     int
	ChangeCount  int
	DestroyCount int
}

// ApplyResult reports the outcome of a real apply.
type ApplyResult struct {
	Success bool
	Errors  []string
}

// Runner executes engine operations in a working directory. Credentials are
// passed as environment variables for the duration of the call only.
type Runner interface {
	Plan(ctx context.Context, dir string, env map[string]string) (PlanResult, error)
	Apply(ctx context.Context, dir string, env map[string]string) (ApplyResult, error)
}

// Plan: 2 to add, 1 to change, 0 to destroy.
var planSummary = regexp.MustCompile(`Plan:\s+(\d+)\s+to add,\s+(\d+)\s+to change,\s+(\d+)\s+to destroy`)

func parsePlanOutput(output string) (adds, changes, destroys int, ok bool) {
	match := planSummary.FindStringSubmatch(output)
	if match == nil {
		if strings.Contains(output, "No changes.") {
			return 0, 0, 0, true
		}
		return 0, 0, 0, false
	}
	adds, _ = strconv.Atoi(match[1])
	changes, _ = strconv.Atoi(match[2])
	destroys, _ = strconv.Atoi(match[3])
	return adds, changes, destroys, true
}

func collectErrorLines(output string) []string {
	var errs []string
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "Error:") || strings.HasPrefix(trimmed, "Error ") {
			errs = append(errs, trimmed)
		}
	}
	return errs
}
