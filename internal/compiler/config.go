package compiler

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/rowsync/internal/domain"
	"github.com/roach88/rowsync/internal/schema"
)

//go:embed schema.cue
var schemaCUE string

// Config is a compiled deployment file.
type Config struct {
	Database       string                   `json:"database"`
	LogLevel       string                   `json:"log_level"`
	MaxRounds      int                      `json:"max_rounds"`
	BalanceFilter  domain.BalanceFilter     `json:"balance_filter"`
	DeletePolicies map[string]schema.Policy `json:"delete_policies,omitempty"`
}

// Default returns the configuration used when no deployment file is given.
func Default() *Config {
	return &Config{
		Database:      "rowsync.db",
		LogLevel:      "info",
		MaxRounds:     64,
		BalanceFilter: domain.BalanceUnpaid,
	}
}

// Options converts the config into domain registry options.
func (c *Config) Options() domain.Options {
	return domain.Options{
		BalanceFilter:  c.BalanceFilter,
		DeletePolicies: c.DeletePolicies,
	}
}

// file mirrors #Config for decoding.
type file struct {
	Database string `json:"database"`
	LogLevel string `json:"log_level"`
	Engine   struct {
		MaxRounds     int    `json:"max_rounds"`
		BalanceFilter string `json:"balance_filter"`
	} `json:"engine"`
	Relationships map[string]struct {
		OnDelete string `json:"on_delete"`
	} `json:"relationships"`
}

// Compile unifies v with the #Config schema and decodes it.
// Uses CUE SDK's Go API directly (not CLI subprocess).
func Compile(v cue.Value) (*Config, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	def := v.Context().CompileString(schemaCUE, cue.Filename("schema.cue")).
		LookupPath(cue.ParsePath("#Config"))
	if err := def.Err(); err != nil {
		return nil, fmt.Errorf("config schema: %w", err)
	}

	unified := def.Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	var f file
	if err := unified.Decode(&f); err != nil {
		return nil, formatCUEError(err)
	}

	cfg := &Config{
		Database:      f.Database,
		LogLevel:      f.LogLevel,
		MaxRounds:     f.Engine.MaxRounds,
		BalanceFilter: domain.BalanceFilter(f.Engine.BalanceFilter),
	}
	if len(f.Relationships) > 0 {
		cfg.DeletePolicies = make(map[string]schema.Policy, len(f.Relationships))
		for name, r := range f.Relationships {
			cfg.DeletePolicies[name] = schema.Policy(r.OnDelete)
		}
	}
	return cfg, nil
}

// CompileString compiles deployment source held in memory.
// filename is used in error positions only.
func CompileString(filename, src string) (*Config, error) {
	v := cuecontext.New().CompileString(src, cue.Filename(filename))
	return Compile(v)
}

// Load compiles a deployment from a .cue file, or from every .cue file of
// a directory loaded as one CUE instance.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	if !info.IsDir() {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		return CompileString(filepath.Base(path), string(src))
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: path})
	if len(instances) == 0 {
		return nil, fmt.Errorf("config %s: no CUE instances loaded", path)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, fmt.Errorf("loading CUE files: %w", inst.Err)
	}
	return Compile(cuecontext.New().BuildInstance(inst))
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// Return first error with position info
	firstErr := errs[0]
	field := "cue"
	if path := firstErr.Path(); len(path) > 0 {
		field = cue.MakePath(selectors(path)...).String()
	}
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   field,
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return &CompileError{Field: field, Message: firstErr.Error()}
}

func selectors(path []string) []cue.Selector {
	sels := make([]cue.Selector, 0, len(path))
	for _, p := range path {
		sels = append(sels, cue.Str(p))
	}
	return sels
}
