package launchconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ctagard/clrdbg-mcp/pkg/types"
)

// ResolvedConfiguration is a configuration with every variable substituted.
type ResolvedConfiguration struct {
	*DebugConfiguration

	// WorkspaceFolder anchors relative program and cwd paths.
	WorkspaceFolder string
}

// ResolveConfiguration resolves all variables in a configuration.
func ResolveConfiguration(cfg *DebugConfiguration, ctx *ResolutionContext) (*ResolvedConfiguration, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is nil")
	}
	if ctx == nil {
		ctx = &ResolutionContext{}
	}

	if missing := ValidateInputsProvided(cfg, ctx.InputValues); len(missing) > 0 {
		return nil, &MissingInputsError{Inputs: missing}
	}

	resolved := cfg.Clone()
	var err error

	if resolved.Program, err = ResolveStringField(cfg.Program, ctx); err != nil {
		return nil, fmt.Errorf("failed to resolve program: %w", err)
	}
	if resolved.Cwd, err = ResolveStringField(cfg.Cwd, ctx); err != nil {
		return nil, fmt.Errorf("failed to resolve cwd: %w", err)
	}
	if resolved.Args, err = ResolveStringSlice(cfg.Args, ctx); err != nil {
		return nil, fmt.Errorf("failed to resolve args: %w", err)
	}
	if resolved.Env, err = ResolveStringMap(cfg.Env, ctx); err != nil {
		return nil, fmt.Errorf("failed to resolve env: %w", err)
	}
	if resolved.SourceFileMap, err = ResolveStringMap(cfg.SourceFileMap, ctx); err != nil {
		return nil, fmt.Errorf("failed to resolve sourceFileMap: %w", err)
	}
	if s, ok := cfg.ProcessID.(string); ok {
		pid, err := ResolveVariables(s, ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve processId: %w", err)
		}
		resolved.ProcessID = pid
	}
	if cfg.SymbolOptions != nil {
		opts := *cfg.SymbolOptions
		if opts.SearchPaths, err = ResolveStringSlice(cfg.SymbolOptions.SearchPaths, ctx); err != nil {
			return nil, fmt.Errorf("failed to resolve symbolOptions.searchPaths: %w", err)
		}
		if opts.CachePath, err = ResolveStringField(cfg.SymbolOptions.CachePath, ctx); err != nil {
			return nil, fmt.Errorf("failed to resolve symbolOptions.cachePath: %w", err)
		}
		resolved.SymbolOptions = &opts
	}
	if len(cfg.Extra) > 0 {
		if resolved.Extra, err = resolveExtraFields(cfg.Extra, ctx); err != nil {
			return nil, err
		}
	}

	return &ResolvedConfiguration{
		DebugConfiguration: resolved,
		WorkspaceFolder:    ctx.WorkspaceFolder,
	}, nil
}

// resolveExtraFields recursively resolves variables in extra fields.
func resolveExtraFields(extra map[string]interface{}, ctx *ResolutionContext) (map[string]interface{}, error) {
	result := make(map[string]interface{}, len(extra))
	for k, v := range extra {
		resolved, err := resolveValue(v, ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve extra[%s]: %w", k, err)
		}
		result[k] = resolved
	}
	return result, nil
}

// resolveValue resolves variables in a value of any type.
func resolveValue(v interface{}, ctx *ResolutionContext) (interface{}, error) {
	switch val := v.(type) {
	case string:
		return ResolveVariables(val, ctx)
	case []interface{}:
		result := make([]interface{}, len(val))
		for i, item := range val {
			resolved, err := resolveValue(item, ctx)
			if err != nil {
				return nil, err
			}
			result[i] = resolved
		}
		return result, nil
	case map[string]interface{}:
		result := make(map[string]interface{}, len(val))
		for k, item := range val {
			resolved, err := resolveValue(item, ctx)
			if err != nil {
				return nil, err
			}
			result[k] = resolved
		}
		return result, nil
	default:
		return v, nil
	}
}

// MissingInputsError is returned when required ${input:} values are not provided.
type MissingInputsError struct {
	Inputs []string
}

func (e *MissingInputsError) Error() string {
	return fmt.Sprintf("missing input values: %v", e.Inputs)
}

// IsMissingInputsError checks if an error is a MissingInputsError.
func IsMissingInputsError(err error) (*MissingInputsError, bool) {
	var e *MissingInputsError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// ToLaunchRequest converts a resolved launch configuration into an engine
// launch request. Relative paths are taken from the workspace folder.
func (r *ResolvedConfiguration) ToLaunchRequest(timeout time.Duration) (types.LaunchRequest, error) {
	if !r.IsLaunchRequest() {
		return types.LaunchRequest{}, fmt.Errorf("configuration %q is an %s configuration", r.Name, r.Request)
	}
	if r.Program == "" {
		return types.LaunchRequest{}, fmt.Errorf("configuration %q has no program", r.Name)
	}
	return types.LaunchRequest{
		Program:           r.absolute(r.Program),
		Args:              r.Args,
		Cwd:               r.absolute(r.Cwd),
		Env:               r.Env,
		StopAtEntry:       r.StopAtEntry,
		SymbolSearchPaths: r.symbolSearchPaths(),
		Timeout:           timeout,
	}, nil
}

// symbolSearchPaths lists the symbolOptions search paths followed by its
// cache path, made absolute against the workspace.
func (r *ResolvedConfiguration) symbolSearchPaths() []string {
	opts := r.SymbolOptions
	if opts == nil {
		return nil
	}
	var paths []string
	for _, p := range append(append([]string(nil), opts.SearchPaths...), opts.CachePath) {
		if p != "" {
			paths = append(paths, r.absolute(p))
		}
	}
	return paths
}

// AttachPID returns the process id of a resolved attach configuration.
func (r *ResolvedConfiguration) AttachPID() (int, error) {
	if !r.IsAttachRequest() {
		return 0, fmt.Errorf("configuration %q is a %s configuration", r.Name, r.Request)
	}
	return r.PID()
}

func (r *ResolvedConfiguration) absolute(path string) string {
	if path == "" || filepath.IsAbs(path) || r.WorkspaceFolder == "" {
		return path
	}
	return filepath.Join(r.WorkspaceFolder, path)
}

// Clone creates a deep copy of the configuration.
func (cfg *DebugConfiguration) Clone() *DebugConfiguration {
	// Use JSON round-trip for deep copy
	data, _ := json.Marshal(cfg)
	var clone DebugConfiguration
	_ = json.Unmarshal(data, &clone) // Error ignored: unmarshal of our own marshaled data should not fail
	return &clone
}

// MergeOverrides applies override values to a configuration.
// This allows tool arguments to override values from launch.json.
func MergeOverrides(cfg *DebugConfiguration, overrides map[string]interface{}) *DebugConfiguration {
	if len(overrides) == 0 {
		return cfg
	}

	result := cfg.Clone()
	for k, v := range overrides {
		switch k {
		case "program":
			if s, ok := v.(string); ok {
				result.Program = s
			}
		case "args":
			if arr, ok := v.([]interface{}); ok {
				args := make([]string, 0, len(arr))
				for _, item := range arr {
					if s, ok := item.(string); ok {
						args = append(args, s)
					}
				}
				result.Args = args
			} else if arr, ok := v.([]string); ok {
				result.Args = arr
			}
		case "cwd":
			if s, ok := v.(string); ok {
				result.Cwd = s
			}
		case "env":
			if m, ok := v.(map[string]string); ok {
				result.Env = m
			} else if m, ok := v.(map[string]interface{}); ok {
				env := make(map[string]string, len(m))
				for k, v := range m {
					if s, ok := v.(string); ok {
						env[k] = s
					}
				}
				result.Env = env
			}
		case "stopAtEntry":
			if b, ok := v.(bool); ok {
				result.StopAtEntry = b
			}
		case "processId":
			result.ProcessID = v
		}
	}
	return result
}
