// Package config provides configuration management for the clrdbg-mcp server.
//
// Configuration controls:
//   - Capability mode (readonly vs full): determines which tools are available
//   - Permission flags: control attach, launch, terminate and evaluate operations
//   - The netcoredbg debugger backend path and arguments
//   - Engine timeouts and limits (condition evaluation, async stack depth)
//   - Symbol resolution: cache directory, symbol servers, download limits
//
// Configuration is layered: defaults, then an optional JSON or YAML file,
// then environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// CapabilityMode defines the level of debugging capabilities exposed
type CapabilityMode string

const (
	ModeReadOnly CapabilityMode = "readonly" // Inspection tools only
	ModeFull     CapabilityMode = "full"     // All tools enabled
)

// Environment variables that override file configuration.
const (
	EnvSymbolCache    = "CLRDBG_SYMBOL_CACHE"
	EnvSymbolServers  = "CLRDBG_SYMBOL_SERVERS"
	EnvSymbolsEnabled = "CLRDBG_SYMBOLS_ENABLED"
	EnvSymbolTimeout  = "CLRDBG_SYMBOL_TIMEOUT"
	EnvSymbolMaxSize  = "CLRDBG_SYMBOL_MAX_SIZE"
	EnvNetcoredbg     = "CLRDBG_NETCOREDBG"
)

// DefaultSymbolServers are queried in order when no server list is configured.
var DefaultSymbolServers = []string{
	"https://msdl.microsoft.com/download/symbols",
	"https://symbols.nuget.org/download/symbols",
}

// Duration is a time.Duration that decodes from "30s"-style strings in both
// JSON and YAML as well as from plain nanosecond numbers.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return d.set(v)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var v interface{}
	if err := unmarshal(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v interface{}) error {
	switch x := v.(type) {
	case string:
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(x))
	case int:
		*d = Duration(time.Duration(x))
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// Config holds the server configuration
type Config struct {
	// Capability levels
	Mode           CapabilityMode `json:"mode" yaml:"mode"`
	AllowAttach    bool           `json:"allowAttach" yaml:"allowAttach"`
	AllowLaunch    bool           `json:"allowLaunch" yaml:"allowLaunch"`
	AllowTerminate bool           `json:"allowTerminate" yaml:"allowTerminate"`
	AllowEvaluate  bool           `json:"allowEvaluate" yaml:"allowEvaluate"`

	Debugger DebuggerConfig `json:"debugger" yaml:"debugger"`
	Engine   EngineConfig   `json:"engine" yaml:"engine"`
	Symbols  SymbolConfig   `json:"symbols" yaml:"symbols"`
}

// DebuggerConfig holds settings for the netcoredbg backend
type DebuggerConfig struct {
	NetcoredbgPath string   `json:"netcoredbgPath" yaml:"netcoredbgPath"`
	ExtraArgs      []string `json:"extraArgs" yaml:"extraArgs"`
	// Address connects to a netcoredbg already listening with --server
	// instead of spawning one per session.
	Address        string   `json:"address" yaml:"address"`
	RequestTimeout Duration `json:"requestTimeout" yaml:"requestTimeout"`
}

// EngineConfig holds session engine timeouts and limits
type EngineConfig struct {
	AttachTimeout     Duration `json:"attachTimeout" yaml:"attachTimeout"`
	LaunchTimeout     Duration `json:"launchTimeout" yaml:"launchTimeout"`
	ConditionTimeout  Duration `json:"conditionTimeout" yaml:"conditionTimeout"`
	LogMessageTimeout Duration `json:"logMessageTimeout" yaml:"logMessageTimeout"`
	AsyncStackDepth   int      `json:"asyncStackDepth" yaml:"asyncStackDepth"`
	NotificationQueue int      `json:"notificationQueue" yaml:"notificationQueue"`
}

// SymbolConfig holds symbol resolution settings
type SymbolConfig struct {
	Enabled                bool     `json:"enabled" yaml:"enabled"`
	CacheDir               string   `json:"cacheDir" yaml:"cacheDir"`
	Servers                []string `json:"servers" yaml:"servers"`
	Timeout                Duration `json:"timeout" yaml:"timeout"`
	MaxFileSize            int64    `json:"maxFileSize" yaml:"maxFileSize"`
	MaxConcurrentDownloads int      `json:"maxConcurrentDownloads" yaml:"maxConcurrentDownloads"`
	DebugInfoCacheSize     int      `json:"debugInfoCacheSize" yaml:"debugInfoCacheSize"`
}

// findNetcoredbg searches for netcoredbg in PATH and common install locations
func findNetcoredbg() string {
	if path, err := exec.LookPath("netcoredbg"); err == nil {
		return path
	}

	locations := []string{
		"/usr/local/bin/netcoredbg",
		"/usr/local/netcoredbg/netcoredbg",
		"/opt/netcoredbg/netcoredbg",
		"/usr/share/netcoredbg/netcoredbg",
	}
	if home, err := os.UserHomeDir(); err == nil {
		locations = append(locations, filepath.Join(home, ".local", "share", "netcoredbg", "netcoredbg"))
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	// Fall back to the bare name; exec will produce a clear error
	return "netcoredbg"
}

// DefaultSymbolCacheDir returns the per-user symbol cache directory
func DefaultSymbolCacheDir() string {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "clrdbg-mcp", "symbols")
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Mode:           ModeFull,
		AllowAttach:    true,
		AllowLaunch:    true,
		AllowTerminate: true,
		AllowEvaluate:  true,
		Debugger: DebuggerConfig{
			NetcoredbgPath: findNetcoredbg(),
			RequestTimeout: Duration(10 * time.Second),
		},
		Engine: EngineConfig{
			AttachTimeout:     Duration(30 * time.Second),
			LaunchTimeout:     Duration(30 * time.Second),
			ConditionTimeout:  Duration(5 * time.Second),
			LogMessageTimeout: Duration(1 * time.Second),
			AsyncStackDepth:   50,
			NotificationQueue: 1024,
		},
		Symbols: SymbolConfig{
			Enabled:                true,
			CacheDir:               DefaultSymbolCacheDir(),
			Servers:                append([]string(nil), DefaultSymbolServers...),
			Timeout:                Duration(30 * time.Second),
			MaxFileSize:            512 << 20,
			MaxConcurrentDownloads: 4,
			DebugInfoCacheSize:     256,
		},
	}
}

// LoadConfig loads configuration from a JSON or YAML file and applies
// environment overrides. An empty path yields defaults plus environment.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, cfg)
		default:
			err = json.Unmarshal(data, cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvSymbolCache); ok && v != "" {
		c.Symbols.CacheDir = v
	}
	if v, ok := lookup(EnvSymbolServers); ok {
		c.Symbols.Servers = splitList(v)
	}
	if v, ok := lookup(EnvSymbolsEnabled); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvSymbolsEnabled, err)
		}
		c.Symbols.Enabled = b
	}
	if v, ok := lookup(EnvSymbolTimeout); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvSymbolTimeout, err)
		}
		c.Symbols.Timeout = Duration(d)
	}
	if v, ok := lookup(EnvSymbolMaxSize); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvSymbolMaxSize, err)
		}
		c.Symbols.MaxFileSize = n
	}
	if v, ok := lookup(EnvNetcoredbg); ok && v != "" {
		c.Debugger.NetcoredbgPath = v
	}
	return nil
}

func splitList(v string) []string {
	fields := strings.FieldsFunc(v, func(r rune) bool { return r == ';' || r == ',' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, strings.TrimRight(f, "/"))
		}
	}
	return out
}

// CanUseControlTools returns true if control tools are enabled
func (c *Config) CanUseControlTools() bool {
	return c.Mode == ModeFull
}

// CanAttach returns true if attaching to processes is allowed
func (c *Config) CanAttach() bool {
	return c.AllowAttach
}

// CanLaunch returns true if launching programs is allowed
func (c *Config) CanLaunch() bool {
	return c.Mode == ModeFull && c.AllowLaunch
}

// CanTerminate returns true if killing the debuggee is allowed
func (c *Config) CanTerminate() bool {
	return c.Mode == ModeFull && c.AllowTerminate
}

// CanEvaluate returns true if expression evaluation is allowed
func (c *Config) CanEvaluate() bool {
	return c.AllowEvaluate
}
