package launchconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// LaunchJSONFileName is the standard name for VS Code launch configuration file.
	LaunchJSONFileName = "launch.json"
	// VSCodeDirName is the VS Code configuration directory name.
	VSCodeDirName = ".vscode"
)

// Parse decodes launch.json content, accepting comments and trailing commas.
func Parse(data []byte) (*LaunchJSON, error) {
	var lj LaunchJSON
	if err := json.Unmarshal(StripJSONC(data), &lj); err != nil {
		return nil, fmt.Errorf("failed to parse launch.json: %w", err)
	}
	return &lj, nil
}

// LoadFromPath loads a launch.json file from an explicit path.
func LoadFromPath(path string) (*LaunchJSON, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read launch.json: %w", err)
	}
	return Parse(data)
}

// Discover searches for a .vscode/launch.json file starting from the given path
// and walking up the directory tree until found or reaching the root.
func Discover(startPath string) (string, error) {
	if startPath == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to get current directory: %w", err)
		}
		startPath = cwd
	}

	absPath, err := filepath.Abs(startPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	// If startPath is a file, start from its directory
	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("failed to stat path: %w", err)
	}
	if !info.IsDir() {
		absPath = filepath.Dir(absPath)
	}

	current := absPath
	for {
		launchPath := filepath.Join(current, VSCodeDirName, LaunchJSONFileName)
		if _, err := os.Stat(launchPath); err == nil {
			return launchPath, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}

	return "", fmt.Errorf("no %s/%s found in %s or parent directories", VSCodeDirName, LaunchJSONFileName, startPath)
}

// LoadAndDiscover combines discovery and loading: finds a launch.json from the start path
// and loads it.
func LoadAndDiscover(startPath string) (*LaunchJSON, string, error) {
	path, err := Discover(startPath)
	if err != nil {
		return nil, "", err
	}
	lj, err := LoadFromPath(path)
	if err != nil {
		return nil, "", err
	}
	return lj, path, nil
}

// FindConfiguration finds a configuration by name in the LaunchJSON.
func FindConfiguration(lj *LaunchJSON, name string) (*DebugConfiguration, error) {
	for i := range lj.Configurations {
		if lj.Configurations[i].Name == name {
			return &lj.Configurations[i], nil
		}
	}
	return nil, fmt.Errorf("configuration %q not found", name)
}

// ListConfigurationNames returns the names of the .NET configurations.
func ListConfigurationNames(lj *LaunchJSON) []string {
	var names []string
	for _, cfg := range lj.Configurations {
		if cfg.IsDotNet() {
			names = append(names, cfg.Name)
		}
	}
	return names
}

// ConfigurationInfo provides summary information about a configuration.
type ConfigurationInfo struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Request   string `json:"request"`
	Program   string `json:"program,omitempty"`
	Supported bool   `json:"supported"`
}

// ListConfigurations returns summary information about all configurations.
// Configurations for other debuggers are listed as unsupported.
func ListConfigurations(lj *LaunchJSON) []ConfigurationInfo {
	infos := make([]ConfigurationInfo, len(lj.Configurations))
	for i, cfg := range lj.Configurations {
		infos[i] = ConfigurationInfo{
			Name:      cfg.Name,
			Type:      cfg.Type,
			Request:   cfg.Request,
			Program:   cfg.Program,
			Supported: cfg.IsDotNet(),
		}
	}
	return infos
}

// FindInput finds an input configuration by ID.
func FindInput(lj *LaunchJSON, id string) (*InputConfig, error) {
	for i := range lj.Inputs {
		if lj.Inputs[i].ID == id {
			return &lj.Inputs[i], nil
		}
	}
	return nil, fmt.Errorf("input %q not found", id)
}

// InputDefaults returns the default value of every input that declares one.
func InputDefaults(lj *LaunchJSON) map[string]string {
	defaults := make(map[string]string)
	for _, in := range lj.Inputs {
		if in.Default != "" {
			defaults[in.ID] = in.Default
		}
	}
	return defaults
}

// GetWorkspaceFolder derives the workspace folder from the launch.json path.
// The workspace folder is the parent of the .vscode directory.
// Returns POSIX-style paths (forward slashes) for cross-platform consistency.
func GetWorkspaceFolder(launchJSONPath string) string {
	vscodeDir := filepath.Dir(launchJSONPath)
	workspace := filepath.Dir(vscodeDir)
	return filepath.ToSlash(workspace)
}

// ValidateConfiguration performs basic validation on a configuration.
func ValidateConfiguration(cfg *DebugConfiguration) error {
	if cfg.Name == "" {
		return fmt.Errorf("configuration name is required")
	}
	if cfg.Type == "" {
		return fmt.Errorf("configuration type is required")
	}
	if !cfg.IsDotNet() {
		return fmt.Errorf("configuration type %q is not a .NET debugger (use \"coreclr\")", cfg.Type)
	}
	switch cfg.Request {
	case "launch":
		if cfg.Program == "" {
			return fmt.Errorf("launch configuration requires program")
		}
	case "attach":
		if cfg.ProcessID == nil {
			return fmt.Errorf("attach configuration requires processId")
		}
	case "":
		return fmt.Errorf("configuration request is required")
	default:
		return fmt.Errorf("configuration request must be 'launch' or 'attach', got %q", cfg.Request)
	}
	return nil
}

// ValidateLaunchJSON validates every .NET configuration. Configurations for
// other debuggers are ignored.
func ValidateLaunchJSON(lj *LaunchJSON) []error {
	var errs []error
	seen := make(map[string]bool)
	for i := range lj.Configurations {
		cfg := &lj.Configurations[i]
		if !cfg.IsDotNet() {
			continue
		}
		if err := ValidateConfiguration(cfg); err != nil {
			errs = append(errs, fmt.Errorf("configuration[%d]: %w", i, err))
		}
		if seen[cfg.Name] {
			errs = append(errs, fmt.Errorf("configuration[%d]: duplicate name %q", i, cfg.Name))
		}
		seen[cfg.Name] = true
	}
	return errs
}
