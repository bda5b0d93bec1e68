// testgen generates GoogleTest unit tests for a C++ source unit with an
// LLM, validating every candidate against the real toolchain before it is
// committed.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/anjupathak03/cpp-unit-test-generator/internal/applier"
	"github.com/anjupathak03/cpp-unit-test-generator/internal/artifact"
	"github.com/anjupathak03/cpp-unit-test-generator/internal/autofix"
	"github.com/anjupathak03/cpp-unit-test-generator/internal/buildrunner"
	"github.com/anjupathak03/cpp-unit-test-generator/internal/config"
	"github.com/anjupathak03/cpp-unit-test-generator/internal/coverage"
	"github.com/anjupathak03/cpp-unit-test-generator/internal/gateway"
	"github.com/anjupathak03/cpp-unit-test-generator/internal/logging"
	"github.com/anjupathak03/cpp-unit-test-generator/internal/session"
)

var (
	cfgPath   string
	verbose   bool
	workspace string

	sourcePath  string
	testPath    string
	bypass      bool
	autoFix     bool
	maxAttempts int
	targetCov   float64
	maxIter     int

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "testgen",
	Short: "LLM-backed unit test generator for C++ source files",
	Long: `testgen asks a language model for GoogleTest candidates, compiles and
runs each one against the real toolchain, and commits only candidates
that build cleanly. Failing candidates can be auto-repaired in a bounded
retry loop; sessions that produce no coverage gain are rolled back.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		if workspace != "" {
			cfg.Build.WorkDir = workspace
		}
		logging.Initialize(logging.Options{
			Level:      cfg.Logging.Level,
			File:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
		})
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full generate/validate/commit pipeline",
	RunE:  runPipeline,
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Invoke only the build step for a source/test pair",
	RunE:  runBuild,
}

var fixCmd = &cobra.Command{
	Use:   "fix",
	Short: "Invoke only the repair loop on a failing test file",
	RunE:  runFix,
}

var promptCmd = &cobra.Command{
	Use:   "prompt",
	Short: "Print the candidate-generation request without sending it",
	RunE:  runPrompt,
}

var replyCmd = &cobra.Command{
	Use:   "reply",
	Short: "Fetch and print one raw model reply",
	RunE:  runReply,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "testgen.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&workspace, "workspace", "", "project-mode work dir (overrides build.work_dir)")

	for _, c := range []*cobra.Command{runCmd, buildCmd, fixCmd, promptCmd, replyCmd} {
		c.Flags().StringVar(&sourcePath, "source", "", "C++ source unit (required)")
		_ = c.MarkFlagRequired("source")
		c.Flags().StringVar(&testPath, "test", "", "explicit test artifact path")
	}

	runCmd.Flags().BoolVar(&bypass, "bypass", false, "commit candidates without validation")
	runCmd.Flags().BoolVar(&autoFix, "autofix", false, "repair failing candidates")
	runCmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "repair attempt budget (0 = config)")
	runCmd.Flags().Float64Var(&targetCov, "target-coverage", 0, "re-poll until file coverage reaches this percent")
	runCmd.Flags().IntVar(&maxIter, "max-iterations", 0, "batch iteration budget (0 = config)")

	fixCmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "repair attempt budget (0 = config)")
	_ = fixCmd.MarkFlagRequired("test")
	_ = buildCmd.MarkFlagRequired("test")

	rootCmd.AddCommand(runCmd, buildCmd, fixCmd, promptCmd, replyCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// collaborators builds the runner, probe and gateway from config. The
// profile directory is per-invocation scratch.
func collaborators() (*buildrunner.Runner, *coverage.Probe, *gateway.Generator, func(), error) {
	profileDir, err := os.MkdirTemp("", "testgen-prof-*")
	if err != nil {
		return nil, nil, nil, nil, err
	}

	covCfg := cfg.Coverage
	if covCfg.ProfileDir == "" {
		covCfg.ProfileDir = profileDir
	}
	runner := buildrunner.New(cfg.Build, covCfg.ProfileDir)
	probe := coverage.New(covCfg, covCfg.ProfileDir)
	cleanup := func() {
		runner.Close()
		os.RemoveAll(profileDir)
	}

	client, err := gateway.NewOpenAIClient(cfg.LLM)
	if err != nil {
		cleanup()
		return nil, nil, nil, nil, err
	}
	return runner, probe, gateway.NewGenerator(client), cleanup, nil
}

func sessionConfig() config.SessionConfig {
	sc := cfg.Session
	if bypass {
		sc.Bypass = true
	}
	if autoFix {
		sc.AutoFix = true
	}
	if maxAttempts > 0 {
		sc.MaxFixAttempts = maxAttempts
	}
	if targetCov > 0 {
		sc.TargetCoverage = targetCov
	}
	if maxIter > 0 {
		sc.MaxIterations = maxIter
	}
	return sc
}

func runPipeline(cmd *cobra.Command, args []string) error {
	runner, probe, gen, cleanup, err := collaborators()
	if err != nil {
		return err
	}
	defer cleanup()

	app := applier.New(runner, probe, sourcePath)
	opts := []session.Option{
		session.WithSink(printEvent),
	}
	if testPath != "" {
		opts = append(opts, session.WithArtifactPath(testPath))
	}
	orch := session.New(sessionConfig(), gen, app, runner, probe, sourcePath, opts...)

	summary, err := orch.Run(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("\nsession %s: %s\n", summary.SessionID, summary.Outcome)
	fmt.Printf("artifact: %s\n", summary.ArtifactPath)
	fmt.Printf("coverage: %.1f%% -> %.1f%% (project %.1f%% -> %.1f%%)\n",
		summary.Initial.FilePct, summary.Final.FilePct,
		summary.Initial.ProjectPct, summary.Final.ProjectPct)
	for _, r := range summary.Reports {
		if r.Attempts > 0 {
			fmt.Printf("  %-40s %s (repairs: %d)\n", r.Candidate, r.Verdict, r.Attempts)
		} else {
			fmt.Printf("  %-40s %s\n", r.Candidate, r.Verdict)
		}
	}
	return nil
}

func printEvent(ev session.Event) {
	switch ev.Kind {
	case session.EventCandidateApplied:
		fmt.Printf("  [%s] %s\n", ev.Verdict, ev.Candidate)
	case session.EventFixStarted:
		fmt.Printf("  repairing %s ...\n", ev.Candidate)
	case session.EventIterationDone:
		fmt.Printf("iteration %d done, file coverage %.1f%%\n", ev.Count, ev.Coverage.FilePct)
	}
}

func runBuild(cmd *cobra.Command, args []string) error {
	runner, _, _, cleanup, err := collaboratorsNoGateway()
	if err != nil {
		return err
	}
	defer cleanup()

	content, err := artifact.ReadOrEmpty(testPath)
	if err != nil {
		return err
	}
	target := buildrunner.Target{TestFile: testPath, SourceFile: sourcePath}
	for _, inc := range artifact.Includes(content) {
		if containsSourceBase(inc, sourcePath) {
			target.SourceFile = ""
			break
		}
	}

	result, err := runner.Build(cmd.Context(), target)
	if err != nil {
		return err
	}
	if !result.Success {
		fmt.Println("BUILD FAILED")
		fmt.Println(result.Diagnostics)
		return fmt.Errorf("build failed")
	}
	fmt.Println("BUILD OK")
	fmt.Print(result.Stdout)
	return nil
}

func runFix(cmd *cobra.Command, args []string) error {
	runner, probe, gen, cleanup, err := collaborators()
	if err != nil {
		return err
	}
	defer cleanup()

	// The loop repairs a scratch copy; the canonical file is replaced only
	// after a validated repair.
	content, err := os.ReadFile(testPath)
	if err != nil {
		return err
	}
	replica := testPath + ".repair.cpp"
	if err := os.WriteFile(replica, content, 0o644); err != nil {
		return err
	}
	defer os.Remove(replica)

	sc := sessionConfig()
	loop := autofix.New(runner, gen, sc.MaxFixAttempts)
	result, err := loop.Run(cmd.Context(), replica, sourcePath, "")
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("repair failed after %d attempts", result.Attempts)
	}

	app := applier.New(runner, probe, sourcePath)
	if _, err := app.Commit(cmd.Context(), replica, testPath, result.Build, coverage.Snapshot{}); err != nil {
		return err
	}
	fmt.Printf("repaired in %d attempts: %s\n", result.Attempts, testPath)
	return nil
}

func runPrompt(cmd *cobra.Command, args []string) error {
	req, err := generationRequest()
	if err != nil {
		return err
	}
	fmt.Print(gateway.BuildGenerationPrompt(req))
	return nil
}

func runReply(cmd *cobra.Command, args []string) error {
	_, _, gen, cleanup, err := collaborators()
	if err != nil {
		return err
	}
	defer cleanup()

	req, err := generationRequest()
	if err != nil {
		return err
	}
	reply, err := gen.RawReply(cmd.Context(), req)
	if err != nil {
		return err
	}
	fmt.Println(reply)
	return nil
}

func generationRequest() (gateway.GenerationRequest, error) {
	source, err := os.ReadFile(sourcePath)
	if err != nil {
		return gateway.GenerationRequest{}, err
	}
	testText := ""
	if testPath != "" {
		testText, err = artifact.ReadOrEmpty(testPath)
		if err != nil {
			return gateway.GenerationRequest{}, err
		}
	}
	return gateway.GenerationRequest{
		SourcePath: sourcePath,
		SourceText: string(source),
		TestText:   testText,
	}, nil
}

// collaboratorsNoGateway is collaborators() without the LLM client, for
// commands that never talk to the model.
func collaboratorsNoGateway() (*buildrunner.Runner, *coverage.Probe, *gateway.Generator, func(), error) {
	profileDir, err := os.MkdirTemp("", "testgen-prof-*")
	if err != nil {
		return nil, nil, nil, nil, err
	}

	covCfg := cfg.Coverage
	if covCfg.ProfileDir == "" {
		covCfg.ProfileDir = profileDir
	}
	runner := buildrunner.New(cfg.Build, covCfg.ProfileDir)
	cleanup := func() {
		runner.Close()
		os.RemoveAll(profileDir)
	}
	return runner, coverage.New(covCfg, covCfg.ProfileDir), nil, cleanup, nil
}

func containsSourceBase(include, src string) bool {
	return src != "" && strings.Contains(include, filepath.Base(src))
}
