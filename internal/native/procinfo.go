package native

import (
	"path/filepath"
	"regexp"
	"strings"
)

var managedModuleNames = map[string]bool{
	"libcoreclr.so":    true,
	"libcoreclr.dylib": true,
	"coreclr.dll":      true,
	"clr.dll":          true,
}

var runtimeVersionRe = regexp.MustCompile(`^\d+\.\d+\.\d+([-.+][0-9A-Za-z.-]+)?$`)

// IsManagedModule reports whether a loaded module path belongs to a .NET runtime.
func IsManagedModule(path string) bool {
	return managedModuleNames[strings.ToLower(baseName(path))]
}

// RuntimesFromModules derives runtime instances from the module list of pid.
// The version is taken from the runtime's install directory
// (.../Microsoft.NETCore.App/<version>/libcoreclr.so) when it has that shape.
func RuntimesFromModules(pid int, modules []string) []RuntimeInstance {
	var out []RuntimeInstance
	seen := make(map[string]bool)
	for _, m := range modules {
		if !IsManagedModule(m) || seen[m] {
			continue
		}
		seen[m] = true
		rt := RuntimeInstance{PID: pid, Path: m}
		if v := baseName(dirName(m)); runtimeVersionRe.MatchString(v) {
			rt.Version = v
		}
		out = append(out, rt)
	}
	return out
}

// baseName and dirName accept both separators so module paths reported by a
// Windows target are handled on any host.
func baseName(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	return filepath.Base(filepath.FromSlash(p))
}

func dirName(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[:i]
	}
	return ""
}
