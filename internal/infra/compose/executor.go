package compose

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/meanpipe/meanpipe/internal/infra/process"
)

// =============================================================================
// Error Definitions
// =============================================================================

var (
	// ErrComposeFileMissing is returned when the base descriptor doesn't exist.
	ErrComposeFileMissing = errors.New("compose file not found")

	// ErrInvalidConfig is returned when the executor Config is invalid.
	ErrInvalidConfig = errors.New("invalid compose configuration")

	// ErrInvalidEnvVar is returned when an environment variable key is
	// malformed. This prevents config injection through env var names.
	ErrInvalidEnvVar = errors.New("invalid environment variable")

	// ErrDescriptorInvalid is returned when static validation rejects the
	// service-graph descriptor.
	ErrDescriptorInvalid = errors.New("descriptor validation failed")
)

// envVarKeyRegex validates environment variable key names: a leading letter
// or underscore followed by alphanumerics/underscores.
var envVarKeyRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// =============================================================================
// Interface Definition
// =============================================================================

// Executor manages compose operations for the application service graph.
//
// # Description
//
// Executor abstracts the `docker compose` CLI so the compose validator and
// integration harness are testable against a mock runtime. It handles file
// layering (base plus optional override), environment injection with key
// validation, and destructive teardown including volumes.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Operations that mutate
// container state (Up, Down) are serialized.
type Executor interface {
	// Up starts the service graph detached (`up -d`), injecting the given
	// environment. The environment is passed through opaque; the executor
	// validates key shape only, never values.
	Up(ctx context.Context, opts UpOptions) (*Result, error)

	// Down stops and removes the service graph. RemoveVolumes adds `-v`,
	// which is irreversible. Containers already stopped are not an error.
	Down(ctx context.Context, opts DownOptions) (*Result, error)

	// Validate statically checks the descriptor (`config --quiet`) without
	// creating containers. A malformed descriptor returns an error wrapping
	// ErrDescriptorInvalid. Validation is idempotent: no state is written.
	Validate(ctx context.Context) (*Result, error)

	// Logs streams service logs to w until ctx is cancelled.
	Logs(ctx context.Context, opts LogsOptions, w io.Writer) error

	// Files returns the ordered descriptor files the executor will pass
	// via -f flags.
	Files() []string
}

// =============================================================================
// Supporting Types
// =============================================================================

// Config provides configuration for compose operations.
type Config struct {
	// ProjectDir is the directory containing the descriptor files.
	ProjectDir string

	// ProjectName is the compose project name. Default: "meanpipe".
	ProjectName string

	// BaseFile is the primary descriptor name. Default: "docker-compose.yml".
	BaseFile string

	// OverrideFile is the optional override, included only when present.
	// Default: "docker-compose.override.yml".
	OverrideFile string

	// DefaultTimeout bounds each compose invocation. Default: 5 minutes.
	DefaultTimeout time.Duration
}

// UpOptions configures the Up operation.
type UpOptions struct {
	// Env contains environment variables to inject (db credentials,
	// connection URI, service port). Passed through uninterpreted.
	Env map[string]string

	// Build rebuilds images before starting. The pipeline never sets this;
	// images are built by the build producer beforehand.
	Build bool

	// Timeout overrides Config.DefaultTimeout when non-zero.
	Timeout time.Duration
}

// DownOptions configures the Down operation.
type DownOptions struct {
	// RemoveVolumes removes named volumes (`-v`). Destructive.
	RemoveVolumes bool

	// RemoveOrphans removes containers for services not in the descriptor.
	RemoveOrphans bool

	// Timeout overrides Config.DefaultTimeout when non-zero.
	Timeout time.Duration
}

// LogsOptions configures log streaming.
type LogsOptions struct {
	// Follow streams continuously until ctx cancellation.
	Follow bool

	// Services limits output; empty means all services.
	Services []string

	// Tail limits output to the last N lines per container. Zero means all.
	Tail int
}

// Result contains the outcome of one compose invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration

	// Command is the rendered command line, for logging.
	Command string
}

// =============================================================================
// Default Implementation
// =============================================================================

// DefaultExecutor implements Executor using the `docker compose` CLI.
type DefaultExecutor struct {
	config Config
	proc   process.Manager
	mu     sync.Mutex
}

var _ Executor = (*DefaultExecutor)(nil)

// NewDefaultExecutor creates an Executor for the given configuration.
// ProjectDir is required; other fields receive defaults.
func NewDefaultExecutor(cfg Config, proc process.Manager) (*DefaultExecutor, error) {
	if cfg.ProjectDir == "" {
		return nil, fmt.Errorf("%w: ProjectDir is required", ErrInvalidConfig)
	}
	if cfg.ProjectName == "" {
		cfg.ProjectName = "meanpipe"
	}
	if cfg.BaseFile == "" {
		cfg.BaseFile = "docker-compose.yml"
	}
	if cfg.OverrideFile == "" {
		cfg.OverrideFile = "docker-compose.override.yml"
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	return &DefaultExecutor{config: cfg, proc: proc}, nil
}

// BasePath returns the absolute path of the base descriptor.
func (e *DefaultExecutor) BasePath() string {
	return filepath.Join(e.config.ProjectDir, e.config.BaseFile)
}

// Up starts the service graph detached.
func (e *DefaultExecutor) Up(ctx context.Context, opts UpOptions) (*Result, error) {
	if err := validateEnvKeys(opts.Env); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	args := e.fileArgs()
	args = append(args, "up", "-d")
	if opts.Build {
		args = append(args, "--build")
	}
	return e.runCompose(ctx, args, opts.Env, e.resolveTimeout(opts.Timeout))
}

// Down stops and removes the service graph.
func (e *DefaultExecutor) Down(ctx context.Context, opts DownOptions) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	args := e.fileArgs()
	args = append(args, "down")
	if opts.RemoveVolumes {
		args = append(args, "-v")
	}
	if opts.RemoveOrphans {
		args = append(args, "--remove-orphans")
	}
	return e.runCompose(ctx, args, nil, e.resolveTimeout(opts.Timeout))
}

// Validate statically checks the descriptor without creating containers.
func (e *DefaultExecutor) Validate(ctx context.Context) (*Result, error) {
	if _, err := os.Stat(e.BasePath()); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrComposeFileMissing, e.BasePath())
	}

	args := e.fileArgs()
	args = append(args, "config", "--quiet")

	result, err := e.runCompose(ctx, args, nil, e.resolveTimeout(0))
	if err != nil {
		return result, fmt.Errorf("%w: %s", ErrDescriptorInvalid, strings.TrimSpace(result.Stderr))
	}
	return result, nil
}

// Logs streams service logs to w.
func (e *DefaultExecutor) Logs(ctx context.Context, opts LogsOptions, w io.Writer) error {
	args := e.fileArgs()
	args = append(args, "logs")
	if opts.Follow {
		args = append(args, "-f")
	}
	if opts.Tail > 0 {
		args = append(args, "--tail", fmt.Sprintf("%d", opts.Tail))
	}
	args = append(args, opts.Services...)

	return e.proc.RunStreaming(ctx, e.config.ProjectDir, w, "docker", append([]string{"compose"}, args...)...)
}

// Files returns the ordered descriptor files passed via -f.
func (e *DefaultExecutor) Files() []string {
	files := []string{e.BasePath()}

	overridePath := filepath.Join(e.config.ProjectDir, e.config.OverrideFile)
	if _, err := os.Stat(overridePath); err == nil {
		files = append(files, overridePath)
	}
	return files
}

// =============================================================================
// Private Helpers
// =============================================================================

func (e *DefaultExecutor) fileArgs() []string {
	args := []string{"-p", e.config.ProjectName}
	for _, f := range e.Files() {
		args = append(args, "-f", f)
	}
	return args
}

func (e *DefaultExecutor) resolveTimeout(override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return e.config.DefaultTimeout
}

func (e *DefaultExecutor) runCompose(ctx context.Context, args []string, env map[string]string, timeout time.Duration) (*Result, error) {
	start := time.Now()
	full := append([]string{"compose"}, args...)
	cmdStr := "docker " + strings.Join(full, " ")

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout, stderr, exitCode, err := e.proc.RunInDir(execCtx, e.config.ProjectDir, env, "docker", full...)

	result := &Result{
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
		Duration: time.Since(start),
		Command:  cmdStr,
	}

	if err != nil {
		return result, fmt.Errorf("compose command failed: %w", err)
	}
	if exitCode != 0 {
		return result, fmt.Errorf("compose command exited with code %d: %s", exitCode, strings.TrimSpace(stderr))
	}
	return result, nil
}

func validateEnvKeys(env map[string]string) error {
	for k := range env {
		if !envVarKeyRegex.MatchString(k) {
			return fmt.Errorf("%w: %q", ErrInvalidEnvVar, k)
		}
	}
	return nil
}
