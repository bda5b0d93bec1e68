// Package buildrunner invokes the native C++ build/test toolchain and
// reports exit status plus full diagnostic text. Two modes: project mode
// (configured build command for a named test target, then the resulting
// binary under the test runner) and isolated mode (compile one test file
// plus its companion source straight to a throwaway binary, then run it).
package buildrunner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/anjupathak03/cpp-unit-test-generator/internal/config"
	"github.com/anjupathak03/cpp-unit-test-generator/internal/logging"
)

// Result is the outcome of one build+run cycle. A failed build or a failed
// run leaves Success false with the combined diagnostics; Result carries the
// entire status contract with the toolchain.
type Result struct {
	Success     bool
	Diagnostics string // combined stdout+stderr of the failing step(s)
	Stdout      string // stdout of the run step on success
	Binary      string // path of the produced test binary
	Profiles    string // private dir holding this run's .profraw files, empty on failure
}

// Target names what to build. In isolated mode TestFile is required and
// SourceFile optionally adds the companion implementation unit to the
// compile line (left empty when the test file includes it directly). In
// project mode both are ignored in favor of the configured target.
type Target struct {
	TestFile   string
	SourceFile string
}

// InvocationError means a subprocess could not be started or was killed,
// as opposed to exiting nonzero.
type InvocationError struct {
	Cmd string
	Err error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invoking %s: %v", e.Cmd, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// Runner executes the toolchain. The shared build output directory in
// project mode has exactly one build in flight at a time; the gate is
// context-aware so cancellation interrupts waiters too.
//
// Each run collects its .profraw files in a private dir under profileDir so
// a failing run's profiles never leak into the merged pool; the caller
// promotes Result.Profiles only when the run's outcome is kept.
type Runner struct {
	cfg        config.BuildConfig
	profileDir string
	gate       *semaphore.Weighted

	mu   sync.Mutex
	kept []string
}

// New creates a Runner. profileDir receives .profraw files from executed
// test binaries; empty disables profile collection.
func New(cfg config.BuildConfig, profileDir string) *Runner {
	return &Runner{
		cfg:        cfg,
		profileDir: profileDir,
		gate:       semaphore.NewWeighted(1),
	}
}

// Build compiles and executes the target. Both the build step and the run
// step must exit zero for Success. Standard output and standard error of
// both steps are captured in full; on cancellation the running subprocess
// is killed and the context error is returned.
func (r *Runner) Build(ctx context.Context, t Target) (Result, error) {
	if err := r.gate.Acquire(ctx, 1); err != nil {
		return Result{}, err
	}
	defer r.gate.Release(1)

	switch r.cfg.Mode {
	case "project":
		return r.buildProject(ctx)
	default:
		return r.buildIsolated(ctx, t)
	}
}

func (r *Runner) buildIsolated(ctx context.Context, t Target) (Result, error) {
	log := logging.Get(logging.CategoryBuild)
	if t.TestFile == "" {
		return Result{}, fmt.Errorf("isolated build requires a test file")
	}

	binDir, err := os.MkdirTemp("", "testgen-bin-*")
	if err != nil {
		return Result{}, fmt.Errorf("create binary dir: %w", err)
	}
	defer os.RemoveAll(binDir)
	binary := filepath.Join(binDir, "testbin")

	args := append([]string{}, r.cfg.CompilerFlags...)
	args = append(args, t.TestFile)
	if t.SourceFile != "" {
		args = append(args, t.SourceFile)
	}
	args = append(args, r.cfg.LinkFlags...)
	args = append(args, "-o", binary)

	log.Debugw("compiling", "test", t.TestFile, "source", t.SourceFile)
	compileOut, err := r.runStep(ctx, filepath.Dir(t.TestFile), nil, r.cfg.Compiler, args...)
	if err != nil {
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			log.Infow("compile failed", "test", t.TestFile, "exit", exit.ExitCode())
			return Result{Success: false, Diagnostics: compileOut}, nil
		}
		return Result{}, err
	}

	env, profDir, err := r.profileEnv()
	if err != nil {
		return Result{}, err
	}
	runOut, err := r.runStep(ctx, filepath.Dir(t.TestFile), env, binary)
	if err != nil {
		// A failing run's profiles must never reach the merged pool.
		r.discardProfiles(profDir)
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			log.Infow("test run failed", "test", t.TestFile, "exit", exit.ExitCode())
			return Result{Success: false, Diagnostics: runOut}, nil
		}
		return Result{}, err
	}

	// The binary dir is removed on return; copy the instrumented binary out
	// so the coverage exporter can still read its mapping.
	kept, err := r.keepBinary(binary)
	if err != nil {
		r.discardProfiles(profDir)
		return Result{}, err
	}
	return Result{Success: true, Stdout: runOut, Binary: kept, Profiles: profDir}, nil
}

func (r *Runner) buildProject(ctx context.Context) (Result, error) {
	log := logging.Get(logging.CategoryBuild)

	buildArgs := append([]string{}, r.cfg.BuildCommand[1:]...)
	if r.cfg.TestTarget != "" {
		buildArgs = append(buildArgs, r.cfg.TestTarget)
	}
	buildOut, err := r.runStep(ctx, r.cfg.WorkDir, nil, r.cfg.BuildCommand[0], buildArgs...)
	if err != nil {
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			log.Infow("project build failed", "target", r.cfg.TestTarget, "exit", exit.ExitCode())
			return Result{Success: false, Diagnostics: buildOut}, nil
		}
		return Result{}, err
	}

	runCmd := r.cfg.RunCommand
	if len(runCmd) == 0 {
		runCmd = []string{filepath.Join(r.cfg.WorkDir, r.cfg.TestTarget)}
	}
	env, profDir, err := r.profileEnv()
	if err != nil {
		return Result{}, err
	}
	runOut, err := r.runStep(ctx, r.cfg.WorkDir, env, runCmd[0], runCmd[1:]...)
	if err != nil {
		r.discardProfiles(profDir)
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			log.Infow("project tests failed", "target", r.cfg.TestTarget, "exit", exit.ExitCode())
			return Result{Success: false, Diagnostics: buildOut + "\n" + runOut}, nil
		}
		return Result{}, err
	}

	return Result{
		Success:  true,
		Stdout:   runOut,
		Binary:   filepath.Join(r.cfg.WorkDir, r.cfg.TestTarget),
		Profiles: profDir,
	}, nil
}

// profileEnv creates a private profile dir for one run and returns the env
// pointing LLVM_PROFILE_FILE into it. Collection disabled returns nil env.
func (r *Runner) profileEnv() ([]string, string, error) {
	if r.profileDir == "" {
		return nil, "", nil
	}
	if err := os.MkdirAll(r.profileDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create profile dir: %w", err)
	}
	profDir, err := os.MkdirTemp(r.profileDir, "run-*")
	if err != nil {
		return nil, "", fmt.Errorf("create run profile dir: %w", err)
	}
	return []string{"LLVM_PROFILE_FILE=" + filepath.Join(profDir, "testgen-%p.profraw")}, profDir, nil
}

func (r *Runner) discardProfiles(profDir string) {
	if profDir != "" {
		os.RemoveAll(profDir)
	}
}

// runStep runs one subprocess and returns its combined output. A nonzero
// exit comes back as *exec.ExitError with the output still populated; a
// spawn failure comes back as *InvocationError.
func (r *Runner) runStep(ctx context.Context, dir string, extraEnv []string, name string, args ...string) (string, error) {
	timeout := r.cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(stepCtx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), extraEnv...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logging.Get(logging.CategoryBuild).Debugw("exec",
		"cmd", name, "args", strings.Join(args, " "), "dir", dir)

	err := cmd.Run()
	output := r.truncate(combineOutput(stdout.String(), stderr.String()))

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return output, ctxErr
		}
		if stepCtx.Err() == context.DeadlineExceeded {
			return output, &InvocationError{Cmd: name, Err: fmt.Errorf("timed out after %s", timeout)}
		}
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			return output, err
		}
		return output, &InvocationError{Cmd: name, Err: err}
	}
	return output, nil
}

func (r *Runner) keepBinary(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read test binary: %w", err)
	}
	out, err := os.CreateTemp("", "testgen-keep-*")
	if err != nil {
		return "", err
	}
	if _, err := out.Write(data); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return "", err
	}
	if err := os.Chmod(out.Name(), 0o755); err != nil {
		os.Remove(out.Name())
		return "", err
	}
	r.mu.Lock()
	r.kept = append(r.kept, out.Name())
	r.mu.Unlock()
	return out.Name(), nil
}

// Close removes the instrumented binaries kept for coverage export. Called
// once per session at teardown; Build must not be called after Close.
func (r *Runner) Close() {
	r.mu.Lock()
	kept := r.kept
	r.kept = nil
	r.mu.Unlock()
	for _, path := range kept {
		os.Remove(path)
	}
}

func (r *Runner) truncate(s string) string {
	limit := r.cfg.MaxDiagnosticBytes
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit] + "\n...[truncated]"
}

func combineOutput(stdout, stderr string) string {
	if stderr == "" {
		return stdout
	}
	if stdout == "" {
		return stderr
	}
	return stdout + "\n--- stderr ---\n" + stderr
}
