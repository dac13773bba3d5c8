// Package launchconfig reads .NET debug configurations from VS Code
// launch.json files and turns them into launch or attach requests.
package launchconfig

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// LaunchJSON represents a VS Code launch.json file structure.
type LaunchJSON struct {
	Version        string               `json:"version"`
	Configurations []DebugConfiguration `json:"configurations"`
	Inputs         []InputConfig        `json:"inputs,omitempty"`
}

// DebugConfiguration is one entry of launch.json. Only the fields the
// coreclr debugger understands are typed; everything else is kept in Extra.
type DebugConfiguration struct {
	// Required fields
	Type    string `json:"type"`    // "coreclr" or "dotnet"
	Request string `json:"request"` // "launch" or "attach"
	Name    string `json:"name"`    // Human-readable name

	// Launch fields
	Program     string            `json:"program,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Cwd         string            `json:"cwd,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	StopAtEntry bool              `json:"stopAtEntry,omitempty"`
	Console     string            `json:"console,omitempty"`

	// Attach fields. processId is a number or a string such as
	// "${input:pid}" or "${command:pickProcess}".
	ProcessID interface{} `json:"processId,omitempty"`

	// Debugger behavior
	JustMyCode    *bool             `json:"justMyCode,omitempty"`
	SourceFileMap map[string]string `json:"sourceFileMap,omitempty"`
	SymbolOptions *SymbolOptions    `json:"symbolOptions,omitempty"`

	// Task integration
	PreLaunchTask string `json:"preLaunchTask,omitempty"`

	// All other properties not explicitly defined
	Extra map[string]interface{} `json:"-"`
}

// SymbolOptions mirrors the symbolOptions block of the C# extension.
type SymbolOptions struct {
	SearchPaths                 []string `json:"searchPaths,omitempty"`
	SearchMicrosoftSymbolServer bool     `json:"searchMicrosoftSymbolServer,omitempty"`
	SearchNuGetOrgSymbolServer  bool     `json:"searchNuGetOrgSymbolServer,omitempty"`
	CachePath                   string   `json:"cachePath,omitempty"`
}

// InputConfig represents a user input variable definition.
type InputConfig struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"` // "promptString", "pickString", "command"
	Description string   `json:"description,omitempty"`
	Default     string   `json:"default,omitempty"`
	Options     []string `json:"options,omitempty"`
}

// ResolutionContext provides context for variable resolution.
type ResolutionContext struct {
	WorkspaceFolder string            // Root folder of the workspace
	CurrentFile     string            // Currently active file (for ${file} variables)
	InputValues     map[string]string // Pre-provided values for ${input:} variables
	EnvOverrides    map[string]string // Override environment variables
}

var knownFields = map[string]bool{
	"type": true, "request": true, "name": true,
	"program": true, "args": true, "cwd": true, "env": true,
	"stopAtEntry": true, "console": true, "processId": true,
	"justMyCode": true, "sourceFileMap": true, "symbolOptions": true,
	"preLaunchTask": true,
}

// UnmarshalJSON implements custom unmarshaling to capture unknown fields.
func (c *DebugConfiguration) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	type Alias DebugConfiguration
	var alias Alias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*c = DebugConfiguration(alias)

	c.Extra = make(map[string]interface{})
	for key, value := range raw {
		if knownFields[key] {
			continue
		}
		var v interface{}
		if err := json.Unmarshal(value, &v); err != nil {
			return err
		}
		c.Extra[key] = v
	}
	return nil
}

// MarshalJSON implements custom marshaling to include Extra fields.
func (c DebugConfiguration) MarshalJSON() ([]byte, error) {
	type Alias DebugConfiguration
	data, err := json.Marshal(Alias(c))
	if err != nil {
		return nil, err
	}
	if len(c.Extra) == 0 {
		return data, nil
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	for k, v := range c.Extra {
		if _, ok := m[k]; !ok {
			m[k] = v
		}
	}
	return json.Marshal(m)
}

// DotNetTypes are the launch.json debugger types served by this server.
var DotNetTypes = map[string]bool{
	"coreclr": true,
	"dotnet":  true,
	"clr":     true,
}

// IsDotNet returns true if the configuration targets the .NET debugger.
func (c *DebugConfiguration) IsDotNet() bool {
	return DotNetTypes[c.Type]
}

// IsLaunchRequest returns true if this is a launch configuration (not attach).
func (c *DebugConfiguration) IsLaunchRequest() bool {
	return c.Request == "launch"
}

// IsAttachRequest returns true if this is an attach configuration.
func (c *DebugConfiguration) IsAttachRequest() bool {
	return c.Request == "attach"
}

// PID returns the process id of an attach configuration after variable
// resolution.
func (c *DebugConfiguration) PID() (int, error) {
	switch v := c.ProcessID.(type) {
	case nil:
		return 0, fmt.Errorf("processId is required for attach")
	case float64:
		return int(v), nil
	case int:
		return v, nil
	case string:
		pid, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("processId %q is not a number", v)
		}
		return pid, nil
	}
	return 0, fmt.Errorf("processId has unsupported type %T", c.ProcessID)
}
