// Package autofix is the bounded repair state machine for a failing
// replica: Testing -> Repairing -> Testing -> ... -> Done. Each repair asks
// the candidate source for a whole-file replacement and re-validates it
// with the build runner. Exhausting the budget is a normal terminal
// outcome, not an error.
package autofix

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/anjupathak03/cpp-unit-test-generator/internal/buildrunner"
	"github.com/anjupathak03/cpp-unit-test-generator/internal/gateway"
	"github.com/anjupathak03/cpp-unit-test-generator/internal/logging"
)

// State of the repair loop.
type State string

const (
	StateTesting   State = "testing"
	StateRepairing State = "repairing"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Transition records one state change, kept for debugging.
type Transition struct {
	From State
	To   State
	At   time.Time
	Note string
}

// Builder abstracts the build runner.
type Builder interface {
	Build(ctx context.Context, t buildrunner.Target) (buildrunner.Result, error)
}

// Repairer abstracts the repair side of the candidate source.
type Repairer interface {
	Repair(ctx context.Context, req gateway.RepairRequest) (string, error)
}

// Result reports how the loop ended. Build holds the successful validation
// result so the caller can commit without rebuilding.
type Result struct {
	Success  bool
	Attempts int
	Build    buildrunner.Result
}

// Loop repairs one replica in place. The repaired content lives only in
// the replica until a Testing transition confirms it builds and runs; the
// caller owns promotion to the canonical artifact.
type Loop struct {
	builder     Builder
	repairer    Repairer
	maxAttempts int

	state       State
	attempts    int
	diagnostics string
	history     []Transition
}

// New creates a loop with the given retry budget.
func New(builder Builder, repairer Repairer, maxAttempts int) *Loop {
	return &Loop{
		builder:     builder,
		repairer:    repairer,
		maxAttempts: maxAttempts,
		state:       StateTesting,
	}
}

// SeedDiagnostics starts the loop in Repairing with diagnostics from a
// validation the caller already ran, avoiding a redundant rebuild of
// content that is known to fail.
func (l *Loop) SeedDiagnostics(diag string) {
	l.diagnostics = diag
	l.state = StateRepairing
}

// Attempts returns how many repair attempts were consumed.
func (l *Loop) Attempts() int { return l.attempts }

// History returns the recorded state transitions.
func (l *Loop) History() []Transition {
	return append([]Transition{}, l.history...)
}

func (l *Loop) transition(to State, note string) {
	l.history = append(l.history, Transition{From: l.state, To: to, At: time.Now(), Note: note})
	l.state = to
}

// Run drives the loop to a terminal state. replicaPath is repaired in
// place; sourcePath and companion describe the build target. Only
// transport-level failures of the filesystem abort; gateway errors and
// build failures consume attempts.
func (l *Loop) Run(ctx context.Context, replicaPath, sourcePath, companion string) (Result, error) {
	log := logging.Get(logging.CategoryFix)

	for {
		if err := ctx.Err(); err != nil {
			return Result{Success: false, Attempts: l.attempts}, err
		}

		switch l.state {
		case StateTesting:
			result, err := l.builder.Build(ctx, buildrunner.Target{
				TestFile:   replicaPath,
				SourceFile: companion,
			})
			if err != nil {
				// Tool invocation trouble is retried like any other
				// failure while budget remains.
				log.Warnw("build invocation failed", "error", err)
				l.diagnostics = err.Error()
				if l.attempts >= l.maxAttempts {
					l.transition(StateFailed, "invocation error, budget exhausted")
					return Result{Success: false, Attempts: l.attempts}, nil
				}
				l.transition(StateRepairing, "invocation error")
				continue
			}
			if result.Success {
				l.transition(StateSucceeded, "build passed")
				log.Infow("repair validated", "attempts", l.attempts)
				return Result{Success: true, Attempts: l.attempts, Build: result}, nil
			}
			l.diagnostics = result.Diagnostics
			if l.attempts >= l.maxAttempts {
				l.transition(StateFailed, "build failed, budget exhausted")
				log.Infow("repair budget exhausted", "attempts", l.attempts)
				return Result{Success: false, Attempts: l.attempts}, nil
			}
			l.transition(StateRepairing, "build failed")

		case StateRepairing:
			l.attempts++

			current, err := os.ReadFile(replicaPath)
			if err != nil {
				return Result{Success: false, Attempts: l.attempts}, fmt.Errorf("read replica: %w", err)
			}
			source, err := os.ReadFile(sourcePath)
			if err != nil {
				return Result{Success: false, Attempts: l.attempts}, fmt.Errorf("read source: %w", err)
			}

			repaired, err := l.repairer.Repair(ctx, gateway.RepairRequest{
				SourceText:  string(source),
				TestText:    string(current),
				Diagnostics: l.diagnostics,
			})
			if err != nil {
				log.Warnw("repair request failed", "attempt", l.attempts, "error", err)
				if l.attempts >= l.maxAttempts {
					l.transition(StateFailed, "gateway error, budget exhausted")
					return Result{Success: false, Attempts: l.attempts}, nil
				}
				continue // stay in Repairing; the attempt is spent
			}

			// Non-progress is not free: an empty or byte-identical reply
			// consumes the attempt without a pointless rebuild.
			if repaired == "" || repaired == string(current) {
				log.Warnw("repair made no progress", "attempt", l.attempts)
				if l.attempts >= l.maxAttempts {
					l.transition(StateFailed, "no progress, budget exhausted")
					return Result{Success: false, Attempts: l.attempts}, nil
				}
				continue
			}

			if err := os.WriteFile(replicaPath, []byte(repaired), 0o644); err != nil {
				return Result{Success: false, Attempts: l.attempts}, fmt.Errorf("write replica: %w", err)
			}
			l.transition(StateTesting, fmt.Sprintf("repair attempt %d applied", l.attempts))

		default:
			return Result{Success: l.state == StateSucceeded, Attempts: l.attempts}, nil
		}
	}
}
