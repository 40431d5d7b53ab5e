package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"cuelang.org/go/cue/token"
	"github.com/spf13/cobra"

	"github.com/roach88/rowsync/internal/compiler"
	"github.com/roach88/rowsync/internal/engine"
	"github.com/roach88/rowsync/internal/rules"
	"github.com/roach88/rowsync/internal/store"
)

// DefaultConfigFile is loaded when --config is not given and it exists in
// the working directory.
const DefaultConfigFile = "rowsync.cue"

// Error code constants - unified across all CLI commands.
// Config validation codes (E2xx) come from the compiler package.
const (
	ErrCodeGeneric      = "E001" // Generic/unknown error
	ErrCodeInvalidInput = "E002" // Unreadable or malformed mutation input
	ErrCodeLoadFailed   = "E004" // CUE load failed
	ErrCodeNotFound     = "E005" // Path not found
	ErrCodeCompile      = "E006" // CUE value does not match the deployment schema
	ErrCodeStore        = "E007" // Database could not be opened or queried
)

// LoadError represents an error that occurred while loading the deployment.
type LoadError struct {
	Code     string
	Message  string
	Pos      token.Pos                  // CUE position if available
	Problems []compiler.ValidationError // set when validation failed
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Deployment is a loaded, validated configuration and its rule registry.
type Deployment struct {
	Path     string // config source, empty for the built-in defaults
	Config   *compiler.Config
	Registry *rules.Registry
	Warnings []rules.CycleWarning
}

// LoadDeployment resolves the config source, compiles it, applies flag
// overrides and builds the rule registry.
func LoadDeployment(opts *RootOptions) (*Deployment, error) {
	path := opts.Config
	if path == "" {
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			path = DefaultConfigFile
		}
	}

	cfg := compiler.Default()
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("config not found: %s", path)}
		}
		loaded, err := compiler.Load(path)
		if err != nil {
			return nil, convertCompileError(err)
		}
		cfg = loaded
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}

	reg, warnings, problems := compiler.Build(cfg)
	if len(problems) > 0 {
		return nil, &LoadError{
			Code:     problems[0].Code,
			Message:  fmt.Sprintf("invalid configuration: %d problem(s)", len(problems)),
			Problems: problems,
		}
	}
	return &Deployment{Path: path, Config: cfg, Registry: reg, Warnings: warnings}, nil
}

// convertCompileError converts a compiler error to a LoadError with position info.
func convertCompileError(err error) *LoadError {
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		return &LoadError{
			Code:    ErrCodeCompile,
			Message: fmt.Sprintf("%s: %s", compileErr.Field, compileErr.Message),
			Pos:     compileErr.Pos,
		}
	}
	return &LoadError{Code: ErrCodeLoadFailed, Message: err.Error()}
}

// session is an opened deployment: config, store, engine and logger.
type session struct {
	dep    *Deployment
	store  *store.Store
	engine *engine.Engine
	logger *slog.Logger
}

func (s *session) Close() {
	if err := s.store.Close(); err != nil {
		s.logger.Error("error closing database", "event", "store_close_error", "error", err)
	}
}

// openSession loads the deployment and opens its database. Load failures
// are reported through the formatter and returned as command errors.
func openSession(opts *RootOptions, cmd *cobra.Command, formatter *OutputFormatter, engineOpts ...engine.EngineOption) (*session, error) {
	dep, err := LoadDeployment(opts)
	if err != nil {
		return nil, reportLoadError(formatter, err)
	}

	logger := newLogger(cmd.ErrOrStderr(), opts, dep.Config.LogLevel)
	for _, w := range dep.Warnings {
		logger.Warn("rule cycle", "event", "cycle_warning", "path", w.Path, "message", w.Message)
	}

	logger.Debug("opening database", "event", "store_open", "path", dep.Config.Database)
	st, err := store.Open(dep.Config.Database)
	if err != nil {
		_ = formatter.Error(ErrCodeStore, fmt.Sprintf("failed to open database: %v", err), nil)
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	if err := st.IndexRelationships(commandContext(cmd), dep.Registry.Schema().Relationships()); err != nil {
		st.Close()
		_ = formatter.Error(ErrCodeStore, fmt.Sprintf("failed to index database: %v", err), nil)
		return nil, WrapExitError(ExitCommandError, "failed to index database", err)
	}

	all := append([]engine.EngineOption{
		engine.WithMaxRounds(dep.Config.MaxRounds),
		engine.WithLogger(logger),
	}, engineOpts...)
	eng := engine.New(st, dep.Registry, all...)

	return &session{dep: dep, store: st, engine: eng, logger: logger}, nil
}

// reportLoadError prints a deployment load failure and returns the
// matching exit error.
func reportLoadError(formatter *OutputFormatter, err error) error {
	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	var details any
	if len(loadErr.Problems) > 0 {
		details = loadErr.Problems
	}
	_ = formatter.Error(loadErr.Code, loadErr.Message, details)
	if formatter.Format != "json" {
		for _, p := range loadErr.Problems {
			fmt.Fprintf(formatter.Writer, "  %s: %s (%s)\n", p.Code, p.Message, p.Field)
		}
	}
	return WrapExitError(ExitCommandError, "failed to load configuration", err)
}

// commandContext returns the command's context, or Background when the
// command runs outside Execute (unit tests calling RunE directly).
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
