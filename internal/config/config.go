// Package config holds the tool configuration: LLM gateway settings, build
// toolchain settings, coverage tooling, and session policy. Config is loaded
// from a YAML file with environment variable overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	LLM      LLMConfig      `yaml:"llm"`
	Build    BuildConfig    `yaml:"build"`
	Coverage CoverageConfig `yaml:"coverage"`
	Session  SessionConfig  `yaml:"session"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// LLMConfig configures the candidate/repair gateway.
type LLMConfig struct {
	Provider string        `yaml:"provider"`
	APIKey   string        `yaml:"api_key"`
	Model    string        `yaml:"model"`
	BaseURL  string        `yaml:"base_url"`
	Timeout  time.Duration `yaml:"timeout"`
}

// BuildConfig configures the native build/test toolchain.
type BuildConfig struct {
	// Mode is "isolated" or "project". An explicit test-file path on the
	// command line selects isolated mode unless project mode is configured.
	Mode string `yaml:"mode"`

	// Project mode.
	WorkDir      string   `yaml:"work_dir"`
	BuildCommand []string `yaml:"build_command"` // e.g. [make, -C, build]
	TestTarget   string   `yaml:"test_target"`   // named target; the produced binary is run after the build
	RunCommand   []string `yaml:"run_command"`   // optional runner wrapper, e.g. [ctest, --output-on-failure]

	// Isolated mode.
	Compiler      string   `yaml:"compiler"`
	CompilerFlags []string `yaml:"compiler_flags"`
	LinkFlags     []string `yaml:"link_flags"`

	Timeout time.Duration `yaml:"timeout"`

	// Diagnostics fed back into repair prompts are capped at this size.
	MaxDiagnosticBytes int `yaml:"max_diagnostic_bytes"`
}

// CoverageConfig configures the LLVM coverage pipeline.
type CoverageConfig struct {
	ProfdataTool string `yaml:"profdata_tool"`
	CovTool      string `yaml:"cov_tool"`
	ProfileDir   string `yaml:"profile_dir"` // where .profraw files land
}

// SessionConfig is the accept/retry policy for one generation session.
type SessionConfig struct {
	TargetCoverage float64 `yaml:"target_coverage"` // percent; 0 disables the re-poll loop
	MaxIterations  int     `yaml:"max_iterations"`
	MaxFixAttempts int     `yaml:"max_fix_attempts"`
	AutoFix        bool    `yaml:"auto_fix"`
	Bypass         bool    `yaml:"bypass"`
}

// LoggingConfig configures the category logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider: "openai",
			Model:    "gpt-4o-mini",
			Timeout:  2 * time.Minute,
		},
		Build: BuildConfig{
			Mode:     "isolated",
			Compiler: "clang++",
			CompilerFlags: []string{
				"-std=c++17",
				"-fprofile-instr-generate",
				"-fcoverage-mapping",
			},
			LinkFlags:          []string{"-lgtest", "-pthread"},
			Timeout:            5 * time.Minute,
			MaxDiagnosticBytes: 50000,
		},
		Coverage: CoverageConfig{
			ProfdataTool: "llvm-profdata",
			CovTool:      "llvm-cov",
		},
		Session: SessionConfig{
			MaxIterations:  1,
			MaxFixAttempts: 3,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads a YAML config file over the defaults, then applies environment
// overrides. A missing file returns defaults with env overrides only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies environment overrides. API keys are expected in the
// environment, not the YAML file.
func (c *Config) applyEnv() {
	if v := os.Getenv("TESTGEN_API_KEY"); v != "" {
		c.LLM.APIKey = v
	} else if v := os.Getenv("OPENAI_API_KEY"); v != "" && c.LLM.APIKey == "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("TESTGEN_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("TESTGEN_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.Build.Mode {
	case "isolated", "project":
	default:
		return fmt.Errorf("build.mode must be %q or %q, got %q", "isolated", "project", c.Build.Mode)
	}
	if c.Build.Mode == "project" && len(c.Build.BuildCommand) == 0 {
		return fmt.Errorf("build.build_command is required in project mode")
	}
	if c.Session.MaxFixAttempts < 0 {
		return fmt.Errorf("session.max_fix_attempts must be >= 0")
	}
	if c.Session.TargetCoverage < 0 || c.Session.TargetCoverage > 100 {
		return fmt.Errorf("session.target_coverage must be within [0,100]")
	}
	if c.Session.MaxIterations < 1 {
		c.Session.MaxIterations = 1
	}
	return nil
}
