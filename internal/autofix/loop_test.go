package autofix

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anjupathak03/cpp-unit-test-generator/internal/buildrunner"
	"github.com/anjupathak03/cpp-unit-test-generator/internal/gateway"
)

type scriptedBuilder struct {
	// passIfContains marks content the builder accepts.
	passIfContains string
	builds         int
}

func (b *scriptedBuilder) Build(ctx context.Context, t buildrunner.Target) (buildrunner.Result, error) {
	b.builds++
	data, err := os.ReadFile(t.TestFile)
	if err != nil {
		return buildrunner.Result{}, err
	}
	if b.passIfContains != "" && strings.Contains(string(data), b.passIfContains) {
		return buildrunner.Result{Success: true, Binary: "/fake/testbin"}, nil
	}
	return buildrunner.Result{Success: false, Diagnostics: "error: use of undeclared identifier 'x'"}, nil
}

type scriptedRepairer struct {
	replies []string
	errs    []error
	calls   int
	reqs    []gateway.RepairRequest
}

func (r *scriptedRepairer) Repair(ctx context.Context, req gateway.RepairRequest) (string, error) {
	r.reqs = append(r.reqs, req)
	i := r.calls
	r.calls++
	var err error
	if i < len(r.errs) {
		err = r.errs[i]
	}
	if err != nil {
		return "", err
	}
	if i < len(r.replies) {
		return r.replies[i], nil
	}
	return "", nil
}

func writeReplica(t *testing.T, content string) (replica, source string) {
	t.Helper()
	dir := t.TempDir()
	replica = filepath.Join(dir, "sample.test-replica-deadbeef.cpp")
	source = filepath.Join(dir, "sample.cpp")
	require.NoError(t, os.WriteFile(replica, []byte(content), 0o644))
	require.NoError(t, os.WriteFile(source, []byte("int add(int a, int b) { return a + b; }\n"), 0o644))
	return replica, source
}

func TestRunRepairsAndSucceeds(t *testing.T) {
	replica, source := writeReplica(t, "TEST(A, B) { broken }")
	builder := &scriptedBuilder{passIfContains: "FIXED"}
	repairer := &scriptedRepairer{replies: []string{"TEST(A, B) { EXPECT_EQ(add(1, 1), 2); } // FIXED"}}

	loop := New(builder, repairer, 3)
	loop.SeedDiagnostics("error: expected ';'")

	res, err := loop.Run(context.Background(), replica, source, "")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "/fake/testbin", res.Build.Binary)
	assert.Equal(t, 1, builder.builds, "seeded diagnostics skip the initial build")

	// The repair request carries the caller's diagnostics, not a rebuild's.
	require.Len(t, repairer.reqs, 1)
	assert.Equal(t, "error: expected ';'", repairer.reqs[0].Diagnostics)
	assert.Contains(t, repairer.reqs[0].SourceText, "int add")

	data, err := os.ReadFile(replica)
	require.NoError(t, err)
	assert.Contains(t, string(data), "FIXED", "repaired content lands in the replica")
}

func TestRunBoundedByBudget(t *testing.T) {
	replica, source := writeReplica(t, "still broken v0")

	builder := &scriptedBuilder{} // never passes
	repairer := &scriptedRepairer{replies: []string{
		"still broken v1", "still broken v2", "still broken v3", "still broken v4",
	}}

	loop := New(builder, repairer, 3)
	loop.SeedDiagnostics("error: something")

	res, err := loop.Run(context.Background(), replica, source, "")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
	assert.LessOrEqual(t, builder.builds, 3, "at most one validation build per attempt when seeded")
	assert.Equal(t, 3, repairer.calls)
}

func TestRunNonProgressConsumesAttemptWithoutRebuild(t *testing.T) {
	const content = "TEST(A, B) { broken }"
	replica, source := writeReplica(t, content)

	builder := &scriptedBuilder{}
	// First reply is byte-identical, second is empty, third makes progress
	// but still fails to build.
	repairer := &scriptedRepairer{replies: []string{content, "", "TEST(A, B) { broken v2 }"}}

	loop := New(builder, repairer, 3)
	loop.SeedDiagnostics("error: something")

	res, err := loop.Run(context.Background(), replica, source, "")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 1, builder.builds, "only the progressing reply triggers a build")
}

func TestRunGatewayErrorSpendsAttempt(t *testing.T) {
	replica, source := writeReplica(t, "broken")

	builder := &scriptedBuilder{passIfContains: "FIXED"}
	repairer := &scriptedRepairer{
		errs:    []error{&gateway.GatewayError{Op: "repair", Err: fmt.Errorf("connection refused")}, nil},
		replies: []string{"", "fixed now // FIXED"},
	}

	loop := New(builder, repairer, 3)
	loop.SeedDiagnostics("error: something")

	res, err := loop.Run(context.Background(), replica, source, "")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Attempts, "the failed request spends an attempt")
}

func TestRunStartsWithBuildWhenNotSeeded(t *testing.T) {
	replica, source := writeReplica(t, "already good // FIXED")
	builder := &scriptedBuilder{passIfContains: "FIXED"}
	repairer := &scriptedRepairer{}

	loop := New(builder, repairer, 3)
	res, err := loop.Run(context.Background(), replica, source, "")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.Attempts)
	assert.Equal(t, 0, repairer.calls)
}

func TestRunContextCancellation(t *testing.T) {
	replica, source := writeReplica(t, "broken")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	loop := New(&scriptedBuilder{}, &scriptedRepairer{}, 3)
	_, err := loop.Run(ctx, replica, source, "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHistoryRecordsTransitions(t *testing.T) {
	replica, source := writeReplica(t, "broken")
	builder := &scriptedBuilder{passIfContains: "FIXED"}
	repairer := &scriptedRepairer{replies: []string{"fixed // FIXED"}}

	loop := New(builder, repairer, 3)
	loop.SeedDiagnostics("error: something")
	_, err := loop.Run(context.Background(), replica, source, "")
	require.NoError(t, err)

	hist := loop.History()
	require.NotEmpty(t, hist)
	assert.Equal(t, StateRepairing, hist[0].From)
	assert.Equal(t, StateSucceeded, hist[len(hist)-1].To)
}
