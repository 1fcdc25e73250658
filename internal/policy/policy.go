// Package policy evaluates commands against a Mangle denylist before the
// executor spawns them. The command line is decomposed into facts, the
// embedded rules derive violations, and any violation blocks execution.
package policy

import (
	"context"
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"tinker/internal/logging"
)

//go:embed command_safety.mg
var commandSafetyPolicy string

// Violation is one matched denylist rule.
type Violation struct {
	Kind    string `json:"kind"`
	Command string `json:"command"`
	Detail  string `json:"detail"`
}

// Report is the outcome of checking one command line.
type Report struct {
	Allowed    bool        `json:"allowed"`
	Violations []Violation `json:"violations,omitempty"`
}

// Summary renders the violations as a single line for error messages.
func (r *Report) Summary() string {
	if r.Allowed {
		return "allowed"
	}
	parts := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		parts[i] = fmt.Sprintf("%s (%s)", v.Detail, v.Command)
	}
	return strings.Join(parts, "; ")
}

var kindMessages = map[string]string{
	"superuser_elevation": "superuser elevation is not permitted",
	"recursive_delete":    "recursive delete is not permitted",
	"filesystem_wipe":     "filesystem destruction is not permitted",
	"device_write":        "writing to raw devices is not permitted",
	"policy_error":        "safety policy could not be evaluated",
}

// CommandPolicy checks command lines against the embedded safety rules.
type CommandPolicy struct {
	policy string
	log    *zap.Logger
}

// NewCommandPolicy compiles the embedded policy once to surface schema
// errors at startup instead of on the first blocked command.
func NewCommandPolicy() (*CommandPolicy, error) {
	if _, err := newEngine(commandSafetyPolicy); err != nil {
		return nil, fmt.Errorf("load command safety policy: %w", err)
	}
	return &CommandPolicy{
		policy: commandSafetyPolicy,
		log:    logging.Named("policy"),
	}, nil
}

// Check evaluates one command line. A policy engine failure denies the
// command rather than waving it through.
func (p *CommandPolicy) Check(command string) *Report {
	report := &Report{Allowed: true}
	if strings.TrimSpace(command) == "" {
		return report
	}

	engine, err := newEngine(p.policy)
	if err != nil {
		return p.deny(report, "policy_error", command, err)
	}

	for _, fact := range analyzeCommand(command) {
		if err := engine.add(fact.predicate, fact.args...); err != nil {
			return p.deny(report, "policy_error", command, err)
		}
	}
	if err := engine.eval(); err != nil {
		return p.deny(report, "policy_error", command, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	rows, err := engine.query(ctx, "violation(Kind, Cmd)")
	if err != nil {
		return p.deny(report, "policy_error", command, err)
	}
	if len(rows) == 0 {
		return report
	}

	report.Allowed = false
	for _, row := range rows {
		kind := strings.TrimPrefix(fmt.Sprintf("%v", row["Kind"]), "/")
		cmd := fmt.Sprintf("%v", row["Cmd"])
		report.Violations = append(report.Violations, Violation{
			Kind:    kind,
			Command: cmd,
			Detail:  kindMessages[kind],
		})
	}
	sort.Slice(report.Violations, func(i, j int) bool {
		if report.Violations[i].Kind != report.Violations[j].Kind {
			return report.Violations[i].Kind < report.Violations[j].Kind
		}
		return report.Violations[i].Command < report.Violations[j].Command
	})

	p.log.Debug("command denied",
		zap.String("command", command),
		zap.String("violations", report.Summary()))
	return report
}

func (p *CommandPolicy) deny(report *Report, kind, command string, err error) *Report {
	p.log.Warn("policy evaluation failed", zap.Error(err))
	report.Allowed = false
	report.Violations = append(report.Violations, Violation{
		Kind:    kind,
		Command: command,
		Detail:  fmt.Sprintf("%s: %v", kindMessages[kind], err),
	})
	return report
}
