// Package applier merges one candidate test into a disposable replica of
// the test artifact, validates the replica with the build runner, and
// either commits it atomically over the canonical file or discards it. The
// canonical artifact is never observable in a partially-written state.
package applier

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/anjupathak03/cpp-unit-test-generator/internal/artifact"
	"github.com/anjupathak03/cpp-unit-test-generator/internal/buildrunner"
	"github.com/anjupathak03/cpp-unit-test-generator/internal/coverage"
	"github.com/anjupathak03/cpp-unit-test-generator/internal/gateway"
	"github.com/anjupathak03/cpp-unit-test-generator/internal/logging"
)

// Verdict labels one candidate-application attempt.
type Verdict string

const (
	VerdictPass       Verdict = "pass"       // file coverage increased
	VerdictFail       Verdict = "fail"       // replica did not build or run
	VerdictNoCov      Verdict = "noCov"      // committed, no coverage change
	VerdictOverallInc Verdict = "overallInc" // committed, only project coverage rose
)

// Builder abstracts the build runner so tests can substitute a double.
type Builder interface {
	Build(ctx context.Context, t buildrunner.Target) (buildrunner.Result, error)
}

// Prober abstracts the coverage probe.
type Prober interface {
	Ingest(runDir string) error
	Measure(ctx context.Context, binary, sourcePath string) (coverage.Snapshot, error)
}

// Options tune one Apply call.
type Options struct {
	// Bypass commits the replica without validation and reports pass.
	Bypass bool
	// KeepReplicaOnFailure leaves the failing replica on disk so the
	// auto-fix loop can repair it in place. The caller owns its removal.
	KeepReplicaOnFailure bool
}

// Outcome reports what happened to one candidate.
type Outcome struct {
	Verdict     Verdict
	Committed   bool
	Duplicate   bool   // candidate name already present, nothing to do
	Diagnostics string // populated on fail
	ReplicaPath string // populated on fail when KeepReplicaOnFailure
	Companion   string // source file the build compiles alongside the replica
	Coverage    coverage.Snapshot
}

// Applier applies candidates for one source unit. Candidates for the same
// artifact must be applied strictly sequentially; each validation observes
// the cumulative effect of previously committed candidates.
type Applier struct {
	builder    Builder
	probe      Prober
	sourcePath string
}

// New creates an Applier for one source unit.
func New(builder Builder, probe Prober, sourcePath string) *Applier {
	return &Applier{builder: builder, probe: probe, sourcePath: sourcePath}
}

// Apply runs the full apply/validate/commit sequence for one candidate
// against the artifact at artifactPath. before is the coverage snapshot of
// the committed state, used to classify the verdict after a commit.
func (a *Applier) Apply(ctx context.Context, cand gateway.Candidate, artifactPath string, before coverage.Snapshot, opts Options) (Outcome, error) {
	log := logging.Get(logging.CategoryApply)

	content, err := artifact.ReadOrEmpty(artifactPath)
	if err != nil {
		return Outcome{}, fmt.Errorf("read artifact: %w", err)
	}
	fresh := strings.TrimSpace(content) == ""

	replica := content
	if fresh {
		replica = a.seedArtifact(artifactPath)
	}
	replica = artifact.MergeIncludes(replica, cand.Includes)

	if artifact.HasBlock(replica, cand.Name) {
		if replica == content {
			log.Infow("duplicate candidate, no-op", "name", cand.Name)
			return Outcome{Duplicate: true, Coverage: before}, nil
		}
		// Block exists but new includes arrived; validate the include-only
		// change like any other mutation.
	} else {
		replica = artifact.AppendBlock(replica, cand.Name, cand.Code)
	}
	if fresh {
		replica = artifact.EnsureHarness(replica)
	}

	if opts.Bypass {
		if err := artifact.WriteAtomic(artifactPath, []byte(replica)); err != nil {
			return Outcome{}, err
		}
		log.Infow("candidate committed (bypass)", "name", cand.Name)
		return Outcome{Verdict: VerdictPass, Committed: true, Coverage: before}, nil
	}

	replicaPath, err := a.writeReplica(artifactPath, replica)
	if err != nil {
		return Outcome{}, err
	}

	companion := a.companionFor(replica)
	result, err := a.builder.Build(ctx, buildrunner.Target{
		TestFile:   replicaPath,
		SourceFile: companion,
	})
	if err != nil {
		os.Remove(replicaPath)
		return Outcome{}, err
	}

	if !result.Success {
		out := Outcome{Verdict: VerdictFail, Diagnostics: result.Diagnostics, Companion: companion, Coverage: before}
		if opts.KeepReplicaOnFailure {
			out.ReplicaPath = replicaPath
		} else {
			os.Remove(replicaPath)
		}
		log.Infow("candidate rejected", "name", cand.Name)
		return out, nil
	}

	out, err := a.Commit(ctx, replicaPath, artifactPath, result, before)
	if err != nil {
		return out, err
	}
	log.Infow("candidate committed", "name", cand.Name, "verdict", out.Verdict,
		"filePct", out.Coverage.FilePct)
	return out, nil
}

// Commit promotes a validated replica to the canonical artifact and
// classifies the verdict from the post-commit coverage delta. build is the
// successful validation build; its profiles join the merged pool only here,
// so runs of rejected candidates never count toward committed coverage.
func (a *Applier) Commit(ctx context.Context, replicaPath, artifactPath string, build buildrunner.Result, before coverage.Snapshot) (Outcome, error) {
	data, err := os.ReadFile(replicaPath)
	if err != nil {
		return Outcome{}, fmt.Errorf("read replica: %w", err)
	}
	if err := artifact.WriteAtomic(artifactPath, data); err != nil {
		return Outcome{}, err
	}
	os.Remove(replicaPath)

	if err := a.probe.Ingest(build.Profiles); err != nil {
		logging.Get(logging.CategoryApply).Warnw("profile promotion failed", "error", err)
	}
	after, err := a.probe.Measure(ctx, build.Binary, a.sourcePath)
	if err != nil {
		// The commit already stands; a broken exporter downgrades the
		// verdict rather than failing the candidate.
		logging.Get(logging.CategoryApply).Warnw("coverage probe failed after commit", "error", err)
		return Outcome{Verdict: VerdictNoCov, Committed: true, Coverage: before}, nil
	}

	verdict := VerdictNoCov
	switch {
	case after.FileGain(before) > 0:
		verdict = VerdictPass
	case after.ProjectGain(before) > 0:
		verdict = VerdictOverallInc
	}
	return Outcome{Verdict: verdict, Committed: true, Coverage: after}, nil
}

// writeReplica snapshots the replica content next to the canonical file so
// relative includes keep resolving. The .cpp suffix matters to the compiler.
func (a *Applier) writeReplica(artifactPath, content string) (string, error) {
	dir := filepath.Dir(artifactPath)
	base := strings.TrimSuffix(filepath.Base(artifactPath), filepath.Ext(artifactPath))
	replicaPath := filepath.Join(dir, fmt.Sprintf("%s-replica-%s.cpp", base, uuid.NewString()[:8]))
	if err := os.WriteFile(replicaPath, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write replica: %w", err)
	}
	return replicaPath, nil
}

// seedArtifact returns the include section for a brand-new artifact: the
// gtest header plus a local include of the source unit, matching the layout
// the tool's committed artifacts use.
func (a *Applier) seedArtifact(artifactPath string) string {
	rel := filepath.Base(a.sourcePath)
	if d, err := filepath.Rel(filepath.Dir(artifactPath), filepath.Dir(a.sourcePath)); err == nil && d != "." {
		rel = filepath.Join(d, rel)
	}
	return fmt.Sprintf("#include <gtest/gtest.h>\n#include %q\n", rel)
}

// companionFor returns the source unit path for the compile line, or empty
// when the test content already includes the source unit directly.
func (a *Applier) companionFor(content string) string {
	base := filepath.Base(a.sourcePath)
	for _, inc := range artifact.Includes(content) {
		if strings.Contains(inc, base) {
			return ""
		}
	}
	return a.sourcePath
}
