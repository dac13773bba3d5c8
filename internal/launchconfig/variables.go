package launchconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Variable pattern matches ${...} expressions
var variablePattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ResolveVariables replaces all ${...} variables in the given text.
func ResolveVariables(text string, ctx *ResolutionContext) (string, error) {
	if ctx == nil {
		ctx = &ResolutionContext{}
	}

	var lastErr error
	result := variablePattern.ReplaceAllStringFunc(text, func(match string) string {
		expr := match[2 : len(match)-1]
		resolved, err := resolveVariable(expr, ctx)
		if err != nil {
			lastErr = err
			return match
		}
		return resolved
	})
	return result, lastErr
}

func resolveVariable(expr string, ctx *ResolutionContext) (string, error) {
	switch {
	case expr == "workspaceFolder" || expr == "workspaceRoot":
		return ctx.WorkspaceFolder, nil

	case expr == "workspaceFolderBasename":
		return filepath.Base(ctx.WorkspaceFolder), nil

	case expr == "file":
		return ctx.CurrentFile, nil

	case expr == "fileBasename":
		return filepath.Base(ctx.CurrentFile), nil

	case expr == "fileDirname":
		return filepath.Dir(ctx.CurrentFile), nil

	case expr == "fileBasenameNoExtension":
		base := filepath.Base(ctx.CurrentFile)
		return strings.TrimSuffix(base, filepath.Ext(base)), nil

	case expr == "relativeFile":
		if ctx.WorkspaceFolder != "" && ctx.CurrentFile != "" {
			if rel, err := filepath.Rel(ctx.WorkspaceFolder, ctx.CurrentFile); err == nil {
				return rel, nil
			}
		}
		return ctx.CurrentFile, nil

	case expr == "userHome":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get user home: %w", err)
		}
		return home, nil

	case expr == "cwd":
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to get cwd: %w", err)
		}
		return cwd, nil

	case expr == "pathSeparator" || expr == "/":
		return string(os.PathSeparator), nil

	case strings.HasPrefix(expr, "env:"):
		name := strings.TrimPrefix(expr, "env:")
		if val, ok := ctx.EnvOverrides[name]; ok {
			return val, nil
		}
		return os.Getenv(name), nil

	case strings.HasPrefix(expr, "config:"):
		return resolveConfigVariable(strings.TrimPrefix(expr, "config:"), ctx.WorkspaceFolder)

	case strings.HasPrefix(expr, "input:"):
		id := strings.TrimPrefix(expr, "input:")
		if val, ok := ctx.InputValues[id]; ok {
			return val, nil
		}
		return "", fmt.Errorf("missing input value for ${input:%s}", id)

	case strings.HasPrefix(expr, "command:"):
		// pickProcess and friends need an editor UI
		return "", fmt.Errorf("${%s} is interactive; pass the value explicitly", expr)

	default:
		return "", fmt.Errorf("unknown variable: ${%s}", expr)
	}
}

// resolveConfigVariable reads a setting from .vscode/settings.json.
func resolveConfigVariable(settingID, workspaceFolder string) (string, error) {
	if workspaceFolder == "" {
		return "", fmt.Errorf("workspaceFolder required for ${config:} variables")
	}

	data, err := os.ReadFile(filepath.Join(workspaceFolder, VSCodeDirName, "settings.json"))
	if err != nil {
		// VS Code would fall back to the default
		return "", nil
	}

	var settings map[string]interface{}
	if err := json.Unmarshal(StripJSONC(data), &settings); err != nil {
		return "", fmt.Errorf("failed to parse settings.json: %w", err)
	}

	// settings.json keys are usually flat ("dotnet.server.path") but may be nested
	if v, ok := settings[settingID]; ok {
		return settingString(v), nil
	}
	var current interface{} = settings
	for _, part := range strings.Split(settingID, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return "", nil
		}
		current = m[part]
	}
	return settingString(current), nil
}

func settingString(v interface{}) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		data, _ := json.Marshal(v)
		return string(data)
	}
}

// ResolveStringField resolves variables in a single string field.
func ResolveStringField(value string, ctx *ResolutionContext) (string, error) {
	if value == "" {
		return "", nil
	}
	return ResolveVariables(value, ctx)
}

// ResolveStringSlice resolves variables in all strings in a slice.
func ResolveStringSlice(values []string, ctx *ResolutionContext) ([]string, error) {
	if values == nil {
		return nil, nil
	}
	result := make([]string, len(values))
	for i, v := range values {
		resolved, err := ResolveVariables(v, ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve element %d: %w", i, err)
		}
		result[i] = resolved
	}
	return result, nil
}

// ResolveStringMap resolves variables in all values (not keys) of a string map.
func ResolveStringMap(values map[string]string, ctx *ResolutionContext) (map[string]string, error) {
	if values == nil {
		return nil, nil
	}
	result := make(map[string]string, len(values))
	for k, v := range values {
		resolved, err := ResolveVariables(v, ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve value for key %q: %w", k, err)
		}
		result[k] = resolved
	}
	return result, nil
}

// FindRequiredInputs scans a text for ${input:...} variables and returns their IDs.
func FindRequiredInputs(text string) []string {
	var inputs []string
	seen := make(map[string]bool)
	for _, match := range variablePattern.FindAllStringSubmatch(text, -1) {
		if id := strings.TrimPrefix(match[1], "input:"); id != match[1] && !seen[id] {
			seen[id] = true
			inputs = append(inputs, id)
		}
	}
	return inputs
}

// FindAllRequiredInputsInConfig scans all string fields in a configuration for ${input:} variables.
func FindAllRequiredInputsInConfig(cfg *DebugConfiguration) []string {
	var inputs []string
	seen := make(map[string]bool)
	addInputs := func(text string) {
		for _, id := range FindRequiredInputs(text) {
			if !seen[id] {
				seen[id] = true
				inputs = append(inputs, id)
			}
		}
	}

	addInputs(cfg.Program)
	addInputs(cfg.Cwd)
	if s, ok := cfg.ProcessID.(string); ok {
		addInputs(s)
	}
	for _, arg := range cfg.Args {
		addInputs(arg)
	}
	for _, v := range cfg.Env {
		addInputs(v)
	}
	return inputs
}

// ValidateInputsProvided checks if all required inputs are provided.
func ValidateInputsProvided(cfg *DebugConfiguration, inputValues map[string]string) []string {
	var missing []string
	for _, id := range FindAllRequiredInputsInConfig(cfg) {
		if _, ok := inputValues[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}
