package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/anjupathak03/cpp-unit-test-generator/internal/applier"
	"github.com/anjupathak03/cpp-unit-test-generator/internal/artifact"
	"github.com/anjupathak03/cpp-unit-test-generator/internal/buildrunner"
	"github.com/anjupathak03/cpp-unit-test-generator/internal/config"
	"github.com/anjupathak03/cpp-unit-test-generator/internal/coverage"
	"github.com/anjupathak03/cpp-unit-test-generator/internal/gateway"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSource struct {
	batches     [][]gateway.Candidate
	repairs     []string
	err         error
	polls       int
	repairCalls int
}

func (f *fakeSource) Candidates(ctx context.Context, req gateway.GenerationRequest) ([]gateway.Candidate, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.polls >= len(f.batches) {
		f.polls++
		return nil, nil
	}
	b := f.batches[f.polls]
	f.polls++
	return b, nil
}

func (f *fakeSource) Repair(ctx context.Context, req gateway.RepairRequest) (string, error) {
	i := f.repairCalls
	f.repairCalls++
	if i < len(f.repairs) {
		return f.repairs[i], nil
	}
	return "", nil
}

type fakeBuilder struct {
	failIfContains string
	builds         int
}

func (f *fakeBuilder) Build(ctx context.Context, t buildrunner.Target) (buildrunner.Result, error) {
	f.builds++
	data, err := os.ReadFile(t.TestFile)
	if err != nil {
		return buildrunner.Result{}, err
	}
	if f.failIfContains != "" && strings.Contains(string(data), f.failIfContains) {
		return buildrunner.Result{Success: false, Diagnostics: "error: expected ';'"}, nil
	}
	return buildrunner.Result{
		Success:  true,
		Binary:   "/fake/testbin",
		Profiles: fmt.Sprintf("/fake/prof/run-%d", f.builds),
	}, nil
}

type fakeProbe struct {
	snaps   []coverage.Snapshot
	i       int
	ingests []string
}

func (f *fakeProbe) Ingest(runDir string) error {
	if runDir != "" {
		f.ingests = append(f.ingests, runDir)
	}
	return nil
}

func (f *fakeProbe) Measure(ctx context.Context, binary, sourcePath string) (coverage.Snapshot, error) {
	if len(f.snaps) == 0 {
		return coverage.Snapshot{}, nil
	}
	s := f.snaps[f.i]
	if f.i < len(f.snaps)-1 {
		f.i++
	}
	return s, nil
}

func sessionFixture(t *testing.T) (dir, source string) {
	t.Helper()
	dir = t.TempDir()
	source = filepath.Join(dir, "sample.cpp")
	content := "int add(int a, int b) { return a + b; }\nint sub(int a, int b) { return a - b; }\n"
	require.NoError(t, os.WriteFile(source, []byte(content), 0o644))
	return dir, source
}

func cand(i int) gateway.Candidate {
	return gateway.Candidate{
		Name: fmt.Sprintf("ArithTest.Case%d", i),
		Code: fmt.Sprintf("TEST(ArithTest, Case%d) { EXPECT_EQ(add(%d, 0), %d); }", i, i, i),
	}
}

func TestRunBypassCommitsWholeBatch(t *testing.T) {
	dir, source := sessionFixture(t)
	artPath := filepath.Join(dir, "sample.test.cpp")

	src := &fakeSource{batches: [][]gateway.Candidate{
		{cand(1), cand(2), cand(3), cand(4), cand(5)},
	}}
	builder := &fakeBuilder{}
	probe := &fakeProbe{}
	app := applier.New(builder, probe, source)

	var events []Event
	orch := New(
		config.SessionConfig{MaxIterations: 1, Bypass: true},
		src, app, builder, probe, source,
		WithArtifactPath(artPath),
		WithSink(func(e Event) { events = append(events, e) }),
	)

	summary, err := orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, summary.Outcome)
	require.Len(t, summary.Reports, 5)
	for _, r := range summary.Reports {
		assert.Equal(t, applier.VerdictPass, r.Verdict, r.Candidate)
	}
	assert.Equal(t, 0, builder.builds, "bypass never touches the toolchain")

	content, err := artifact.ReadOrEmpty(artPath)
	require.NoError(t, err)
	assert.Len(t, artifact.BlockNames(content), 5)

	require.NotEmpty(t, events)
	assert.Equal(t, EventSessionStart, events[0].Kind)
	assert.Equal(t, EventSessionEnd, events[len(events)-1].Kind)
}

func TestRunSyntaxErrorIsolatedFromBatch(t *testing.T) {
	dir, source := sessionFixture(t)
	artPath := filepath.Join(dir, "sample.test.cpp")

	broken := cand(2)
	broken.Code += " // SYNTAX_ERROR"

	src := &fakeSource{batches: [][]gateway.Candidate{{cand(1), broken, cand(3)}}}
	builder := &fakeBuilder{failIfContains: "SYNTAX_ERROR"}
	probe := &fakeProbe{snaps: []coverage.Snapshot{{FilePct: 30}, {FilePct: 60}}}
	app := applier.New(builder, probe, source)

	orch := New(
		config.SessionConfig{MaxIterations: 1},
		src, app, builder, probe, source,
		WithArtifactPath(artPath),
	)

	summary, err := orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, summary.Outcome)
	require.Len(t, summary.Reports, 3)
	assert.Equal(t, applier.VerdictPass, summary.Reports[0].Verdict)
	assert.Equal(t, applier.VerdictFail, summary.Reports[1].Verdict)
	assert.Equal(t, applier.VerdictPass, summary.Reports[2].Verdict)

	content, err := artifact.ReadOrEmpty(artPath)
	require.NoError(t, err)
	assert.True(t, artifact.HasBlock(content, "ArithTest.Case1"))
	assert.False(t, artifact.HasBlock(content, "ArithTest.Case2"))
	assert.True(t, artifact.HasBlock(content, "ArithTest.Case3"))

	// Only the two committed candidates promote run profiles.
	assert.Len(t, probe.ingests, 2)
}

func TestRunRollsBackToExactBytes(t *testing.T) {
	dir, source := sessionFixture(t)
	artPath := filepath.Join(dir, "sample.test.cpp")
	sourceBefore, err := os.ReadFile(source)
	require.NoError(t, err)

	src := &fakeSource{batches: [][]gateway.Candidate{{cand(1)}}}
	builder := &fakeBuilder{}
	// Candidate builds and commits but moves no coverage number.
	probe := &fakeProbe{snaps: []coverage.Snapshot{{FilePct: 0, ProjectPct: 0}}}
	app := applier.New(builder, probe, source)

	orch := New(
		config.SessionConfig{MaxIterations: 1},
		src, app, builder, probe, source,
		WithArtifactPath(artPath),
	)

	summary, err := orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeRolledBack, summary.Outcome)

	sourceAfter, err := os.ReadFile(source)
	require.NoError(t, err)
	assert.Equal(t, string(sourceBefore), string(sourceAfter), "source bytes restored")

	_, statErr := os.Stat(artPath)
	assert.True(t, os.IsNotExist(statErr), "artifact created by the session is removed on rollback")
}

func TestRunRollbackRestoresPreexistingArtifact(t *testing.T) {
	dir, source := sessionFixture(t)
	artPath := filepath.Join(dir, "sample.test.cpp")
	original := "#include <gtest/gtest.h>\n#include \"sample.cpp\"\n\nTEST(ArithTest, Old) { EXPECT_EQ(add(1, 1), 2); }\n\n" + artifact.Harness
	require.NoError(t, os.WriteFile(artPath, []byte(original), 0o644))

	src := &fakeSource{batches: [][]gateway.Candidate{{cand(9)}}}
	builder := &fakeBuilder{}
	// Baseline and post-commit snapshots are identical: no gain.
	probe := &fakeProbe{snaps: []coverage.Snapshot{{FilePct: 50}, {FilePct: 50}}}
	app := applier.New(builder, probe, source)

	orch := New(
		config.SessionConfig{MaxIterations: 1},
		src, app, builder, probe, source,
		WithArtifactPath(artPath),
	)

	summary, err := orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeRolledBack, summary.Outcome)

	after, err := os.ReadFile(artPath)
	require.NoError(t, err)
	assert.Equal(t, original, string(after), "pre-existing artifact restored byte for byte")
}

func TestRunAutoFixRepairsFailingCandidate(t *testing.T) {
	dir, source := sessionFixture(t)
	artPath := filepath.Join(dir, "sample.test.cpp")

	broken := cand(1)
	broken.Code += " // SYNTAX_ERROR"

	repaired := "#include <gtest/gtest.h>\n#include \"sample.cpp\"\n\nTEST(ArithTest, Case1) { EXPECT_EQ(add(1, 0), 1); }\n\n" + artifact.Harness
	src := &fakeSource{
		batches: [][]gateway.Candidate{{broken}},
		repairs: []string{repaired},
	}
	builder := &fakeBuilder{failIfContains: "SYNTAX_ERROR"}
	probe := &fakeProbe{snaps: []coverage.Snapshot{{FilePct: 40}}}
	app := applier.New(builder, probe, source)

	orch := New(
		config.SessionConfig{MaxIterations: 1, AutoFix: true, MaxFixAttempts: 2},
		src, app, builder, probe, source,
		WithArtifactPath(artPath),
	)

	summary, err := orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, summary.Outcome)
	require.Len(t, summary.Reports, 1)
	assert.Equal(t, applier.VerdictPass, summary.Reports[0].Verdict)
	assert.Equal(t, 1, summary.Reports[0].Attempts)

	content, err := artifact.ReadOrEmpty(artPath)
	require.NoError(t, err)
	assert.Equal(t, repaired, content, "the repaired replica is what gets committed")

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), "replica", "no replica survives the session")
	}
}

func TestRunGatewayErrorAbortsSession(t *testing.T) {
	dir, source := sessionFixture(t)
	artPath := filepath.Join(dir, "sample.test.cpp")

	transport := &gateway.GatewayError{Op: "generate", Err: fmt.Errorf("connection refused")}
	src := &fakeSource{err: transport}
	builder := &fakeBuilder{}
	probe := &fakeProbe{}
	app := applier.New(builder, probe, source)

	orch := New(
		config.SessionConfig{MaxIterations: 1},
		src, app, builder, probe, source,
		WithArtifactPath(artPath),
	)

	_, err := orch.Run(context.Background())
	require.Error(t, err)
	var gerr *gateway.GatewayError
	assert.ErrorAs(t, err, &gerr)

	_, statErr := os.Stat(artPath)
	assert.True(t, os.IsNotExist(statErr), "aborted session leaves no artifact behind")
}

func TestRunNoCandidatesIsNoChange(t *testing.T) {
	dir, source := sessionFixture(t)
	artPath := filepath.Join(dir, "sample.test.cpp")

	src := &fakeSource{}
	builder := &fakeBuilder{}
	probe := &fakeProbe{}
	app := applier.New(builder, probe, source)

	orch := New(
		config.SessionConfig{MaxIterations: 3},
		src, app, builder, probe, source,
		WithArtifactPath(artPath),
	)

	summary, err := orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoChange, summary.Outcome)
	assert.Empty(t, summary.Reports)
	assert.Equal(t, 1, summary.Iterations, "an empty poll ends the loop")
}

func TestRunRepollsUntilTargetCoverage(t *testing.T) {
	dir, source := sessionFixture(t)
	artPath := filepath.Join(dir, "sample.test.cpp")

	src := &fakeSource{batches: [][]gateway.Candidate{
		{cand(1)},
		{cand(2)},
	}}
	builder := &fakeBuilder{}
	probe := &fakeProbe{snaps: []coverage.Snapshot{{FilePct: 40}, {FilePct: 90}}}
	app := applier.New(builder, probe, source)

	orch := New(
		config.SessionConfig{MaxIterations: 5, TargetCoverage: 80},
		src, app, builder, probe, source,
		WithArtifactPath(artPath),
	)

	summary, err := orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, summary.Outcome)
	assert.Equal(t, 2, summary.Iterations)
	assert.Equal(t, 2, src.polls)
	assert.InDelta(t, 90, summary.Final.FilePct, 0.01)
}

func TestResolverGuardRefusesUnexpectedFile(t *testing.T) {
	dir, source := sessionFixture(t)
	squatter := filepath.Join(dir, "proposed.cpp")
	require.NoError(t, os.WriteFile(squatter, []byte("// unrelated\n"), 0o644))

	src := &fakeSource{}
	builder := &fakeBuilder{}
	probe := &fakeProbe{}
	app := applier.New(builder, probe, source)

	orch := New(
		config.SessionConfig{MaxIterations: 1},
		src, app, builder, probe, source,
		WithResolver(resolverFunc(func(string) (string, bool, error) {
			return squatter, false, nil
		})),
	)

	_, err := orch.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refusing to overwrite")
}

type resolverFunc func(sourcePath string) (string, bool, error)

func (f resolverFunc) Resolve(sourcePath string) (string, bool, error) { return f(sourcePath) }
