// Package session drives one test-generation session: resolve the
// companion artifact, poll the candidate source, apply each candidate
// sequentially (escalating to the auto-fix loop on failure), track
// coverage per batch, and either let the committed state stand or roll
// both files back to their pre-session bytes.
package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/anjupathak03/cpp-unit-test-generator/internal/applier"
	"github.com/anjupathak03/cpp-unit-test-generator/internal/artifact"
	"github.com/anjupathak03/cpp-unit-test-generator/internal/autofix"
	"github.com/anjupathak03/cpp-unit-test-generator/internal/buildrunner"
	"github.com/anjupathak03/cpp-unit-test-generator/internal/config"
	"github.com/anjupathak03/cpp-unit-test-generator/internal/coverage"
	"github.com/anjupathak03/cpp-unit-test-generator/internal/gateway"
	"github.com/anjupathak03/cpp-unit-test-generator/internal/logging"
)

// Outcome is the terminal result of a session.
type Outcome string

const (
	OutcomeCommitted  Outcome = "committed"
	OutcomeRolledBack Outcome = "rolled_back"
	OutcomeNoChange   Outcome = "no_change" // nothing committed, nothing to undo
)

// CandidateSource is the external collaborator producing candidates and
// whole-file repairs. *gateway.Generator satisfies it.
type CandidateSource interface {
	Candidates(ctx context.Context, req gateway.GenerationRequest) ([]gateway.Candidate, error)
	Repair(ctx context.Context, req gateway.RepairRequest) (string, error)
}

// Builder abstracts the build runner for the fix loop and the initial
// coverage measurement.
type Builder interface {
	Build(ctx context.Context, t buildrunner.Target) (buildrunner.Result, error)
}

// Prober abstracts the coverage probe.
type Prober interface {
	Ingest(runDir string) error
	Measure(ctx context.Context, binary, sourcePath string) (coverage.Snapshot, error)
}

// Report is the aggregated verdict for one candidate.
type Report struct {
	Candidate string
	Verdict   applier.Verdict
	Attempts  int // repair attempts consumed, 0 when no fix loop ran
}

// Summary describes the finished session.
type Summary struct {
	SessionID    string
	Outcome      Outcome
	ArtifactPath string
	Reports      []Report
	Initial      coverage.Snapshot
	Final        coverage.Snapshot
	Iterations   int
}

// Orchestrator wires the collaborators for one source unit. All external
// operations are awaited strictly in sequence; candidates are never applied
// concurrently against the same artifact.
type Orchestrator struct {
	cfg      config.SessionConfig
	source   CandidateSource
	applier  *applier.Applier
	builder  Builder
	probe    Prober
	resolver Resolver
	sink     Sink

	sourcePath string
	// explicitArtifact overrides the resolver when the caller named a
	// test file on the command line.
	explicitArtifact string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSink installs a progress event sink.
func WithSink(s Sink) Option { return func(o *Orchestrator) { o.sink = s } }

// WithResolver replaces the convention-based artifact resolver.
func WithResolver(r Resolver) Option { return func(o *Orchestrator) { o.resolver = r } }

// WithArtifactPath pins the artifact path, bypassing resolution.
func WithArtifactPath(p string) Option { return func(o *Orchestrator) { o.explicitArtifact = p } }

// New builds an Orchestrator for one source unit.
func New(cfg config.SessionConfig, source CandidateSource, app *applier.Applier, builder Builder, probe Prober, sourcePath string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg,
		source:     source,
		applier:    app,
		builder:    builder,
		probe:      probe,
		resolver:   ConventionResolver{},
		sourcePath: sourcePath,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes the session to completion. The returned error indicates the
// session aborted with the artifact at its last committed state; rollback
// is a normal outcome reported in the Summary, not an error.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	log := logging.Get(logging.CategorySession)

	artifactPath, artifactExisted, err := o.resolveArtifact()
	if err != nil {
		return nil, err
	}

	sourceBefore, err := os.ReadFile(o.sourcePath)
	if err != nil {
		return nil, fmt.Errorf("read source unit: %w", err)
	}
	artifactBefore, err := artifact.ReadOrEmpty(artifactPath)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}

	summary := &Summary{
		SessionID:    uuid.NewString(),
		ArtifactPath: artifactPath,
	}
	log.Infow("session started", "id", summary.SessionID,
		"source", o.sourcePath, "artifact", artifactPath, "exists", artifactExisted)
	o.emit(Event{Kind: EventSessionStart, Message: summary.SessionID})

	initial := o.initialCoverage(ctx, artifactPath, artifactExisted)
	summary.Initial = initial
	current := initial

	verdicts := make(map[string]applier.Verdict)
	committed := 0

	for iter := 1; iter <= o.cfg.MaxIterations; iter++ {
		summary.Iterations = iter

		testText, err := artifact.ReadOrEmpty(artifactPath)
		if err != nil {
			return summary, err
		}
		cands, err := o.source.Candidates(ctx, gateway.GenerationRequest{
			SourcePath:  o.sourcePath,
			SourceText:  string(sourceBefore),
			TestText:    testText,
			MissedLines: current.MissedLines,
		})
		if err != nil {
			// Transport failure outside the fix loop aborts the session;
			// the artifact stays at its last committed state.
			return summary, err
		}
		o.emit(Event{Kind: EventCandidatesPolled, Count: len(cands)})
		if len(cands) == 0 {
			log.Infow("candidate source returned nothing", "iteration", iter)
			break
		}

		for _, cand := range cands {
			report, snap, err := o.applyOne(ctx, cand, artifactPath, current, verdicts)
			if err != nil {
				return summary, err
			}
			current = snap
			verdicts[cand.Name] = report.Verdict
			if report.Verdict != applier.VerdictFail {
				committed++
			}
			summary.Reports = append(summary.Reports, report)
			o.emit(Event{
				Kind: EventCandidateApplied, Candidate: cand.Name,
				Verdict: report.Verdict, Attempts: report.Attempts, Coverage: current,
			})
		}

		o.emit(Event{Kind: EventIterationDone, Count: iter, Coverage: current})
		if o.cfg.TargetCoverage <= 0 || current.FilePct >= o.cfg.TargetCoverage {
			break
		}
	}

	summary.Final = current
	summary.Outcome = o.settle(summary, sourceBefore, artifactBefore, artifactPath, artifactExisted, committed)
	log.Infow("session finished", "id", summary.SessionID, "outcome", summary.Outcome,
		"filePct", current.FilePct, "candidates", len(summary.Reports))
	o.emit(Event{Kind: EventSessionEnd, Message: string(summary.Outcome), Coverage: current})
	return summary, nil
}

// applyOne applies a single candidate, escalating to the fix loop when
// enabled. It returns the report and the coverage snapshot to carry forward.
func (o *Orchestrator) applyOne(ctx context.Context, cand gateway.Candidate, artifactPath string, current coverage.Snapshot, verdicts map[string]applier.Verdict) (Report, coverage.Snapshot, error) {
	out, err := o.applier.Apply(ctx, cand, artifactPath, current, applier.Options{
		Bypass:               o.cfg.Bypass,
		KeepReplicaOnFailure: o.cfg.AutoFix,
	})
	if err != nil {
		return Report{}, current, err
	}

	if out.Duplicate {
		// Idempotent no-op: report whatever this name earned before.
		prior, ok := verdicts[cand.Name]
		if !ok {
			prior = applier.VerdictNoCov
		}
		return Report{Candidate: cand.Name, Verdict: prior}, current, nil
	}

	if out.Verdict != applier.VerdictFail {
		return Report{Candidate: cand.Name, Verdict: out.Verdict}, out.Coverage, nil
	}

	if !o.cfg.AutoFix || out.ReplicaPath == "" {
		return Report{Candidate: cand.Name, Verdict: applier.VerdictFail}, current, nil
	}

	o.emit(Event{Kind: EventFixStarted, Candidate: cand.Name})
	loop := autofix.New(o.builder, o.source, o.cfg.MaxFixAttempts)
	loop.SeedDiagnostics(out.Diagnostics)
	fixRes, err := loop.Run(ctx, out.ReplicaPath, o.sourcePath, out.Companion)
	if err != nil {
		os.Remove(out.ReplicaPath)
		return Report{}, current, err
	}
	o.emit(Event{Kind: EventFixFinished, Candidate: cand.Name, Attempts: fixRes.Attempts})

	if !fixRes.Success {
		os.Remove(out.ReplicaPath)
		return Report{Candidate: cand.Name, Verdict: applier.VerdictFail, Attempts: fixRes.Attempts}, current, nil
	}

	commitOut, err := o.applier.Commit(ctx, out.ReplicaPath, artifactPath, fixRes.Build, current)
	if err != nil {
		return Report{}, current, err
	}
	return Report{Candidate: cand.Name, Verdict: commitOut.Verdict, Attempts: fixRes.Attempts}, commitOut.Coverage, nil
}

// settle decides commit vs rollback. Bypass sessions skip the coverage gate
// entirely: they are the trusted fast path. Otherwise a net coverage gain
// of zero or less rolls both files back to their pre-session bytes.
func (o *Orchestrator) settle(summary *Summary, sourceBefore []byte, artifactBefore string, artifactPath string, artifactExisted bool, committed int) Outcome {
	if committed == 0 {
		return OutcomeNoChange
	}
	if o.cfg.Bypass {
		return OutcomeCommitted
	}
	if summary.Final.FileGain(summary.Initial) > 0 || summary.Final.ProjectGain(summary.Initial) > 0 {
		return OutcomeCommitted
	}

	log := logging.Get(logging.CategorySession)
	log.Infow("no net coverage gain, rolling back",
		"initial", summary.Initial.FilePct, "final", summary.Final.FilePct)

	if err := artifact.WriteAtomic(o.sourcePath, sourceBefore); err != nil {
		log.Errorw("source rollback failed", "error", err)
	}
	if artifactExisted {
		if err := artifact.WriteAtomic(artifactPath, []byte(artifactBefore)); err != nil {
			log.Errorw("artifact rollback failed", "error", err)
		}
	} else if err := os.Remove(artifactPath); err != nil && !os.IsNotExist(err) {
		log.Errorw("artifact removal failed", "error", err)
	}
	return OutcomeRolledBack
}

// resolveArtifact picks the artifact path. A resolver proposal for a new
// file is double-checked against the filesystem so an unrelated file at
// the conventional path is never silently overwritten.
func (o *Orchestrator) resolveArtifact() (string, bool, error) {
	if o.explicitArtifact != "" {
		_, err := os.Stat(o.explicitArtifact)
		if err == nil {
			return o.explicitArtifact, true, nil
		}
		if os.IsNotExist(err) {
			return o.explicitArtifact, false, nil
		}
		return "", false, err
	}

	path, exists, err := o.resolver.Resolve(o.sourcePath)
	if err != nil {
		return "", false, err
	}
	if !exists {
		if _, statErr := os.Stat(path); statErr == nil {
			return "", false, fmt.Errorf("resolver proposed %s but a file already exists there; refusing to overwrite", path)
		}
	}
	return path, exists, nil
}

// initialCoverage measures the pre-session baseline. With no artifact, no
// validation mode, or broken tooling the baseline is an empty snapshot;
// the session then keeps any commit that raises coverage above zero.
func (o *Orchestrator) initialCoverage(ctx context.Context, artifactPath string, artifactExisted bool) coverage.Snapshot {
	if !artifactExisted || o.cfg.Bypass {
		return coverage.Snapshot{}
	}
	log := logging.Get(logging.CategorySession)

	content, err := artifact.ReadOrEmpty(artifactPath)
	if err != nil {
		log.Warnw("baseline read failed", "error", err)
		return coverage.Snapshot{}
	}
	companion := ""
	if !includesSource(content, o.sourcePath) {
		companion = o.sourcePath
	}
	result, err := o.builder.Build(ctx, buildrunner.Target{TestFile: artifactPath, SourceFile: companion})
	if err != nil || !result.Success {
		log.Warnw("baseline build failed; starting from zero coverage", "error", err)
		return coverage.Snapshot{}
	}
	// The baseline run belongs to the committed state, so its profiles seed
	// the merged pool.
	if err := o.probe.Ingest(result.Profiles); err != nil {
		log.Warnw("baseline profile promotion failed", "error", err)
		return coverage.Snapshot{}
	}
	snap, err := o.probe.Measure(ctx, result.Binary, o.sourcePath)
	if err != nil {
		log.Warnw("baseline coverage failed; starting from zero", "error", err)
		return coverage.Snapshot{}
	}
	return snap
}

func includesSource(content, sourcePath string) bool {
	base := filepath.Base(sourcePath)
	for _, inc := range artifact.Includes(content) {
		if strings.Contains(inc, base) {
			return true
		}
	}
	return false
}
