package asyncstack

import (
	"regexp"
	"strings"
)

var (
	// MyApp.Service+<LoadAsync>d__12 or MyApp.Service.<LoadAsync>d__12`1
	stateMachineRE = regexp.MustCompile("^(?:(.*?)[.+/])?<([^<>]+)>d__\\d+(?:`\\d+)?(?:<.*>|\\[.*\\])?$")
	hoistedLocalRE = regexp.MustCompile(`^<([^<>]+)>\d+__\d+$`)
	internalRE     = regexp.MustCompile(`^<>\w__(.+)$`)
)

// ParseStateMachineType extracts the original method name from a compiler
// generated async state machine type name.
func ParseStateMachineType(name string) (method, owner string, ok bool) {
	m := stateMachineRE.FindStringSubmatch(strings.TrimSpace(name))
	if m == nil {
		return "", "", false
	}
	return m[2], m[1], true
}

// ParseAsyncFrame recognizes the MoveNext frame of a state machine, as in
// "MyApp.Program.<Main>d__0.MoveNext()".
func ParseAsyncFrame(function string) (method, owner string, ok bool) {
	f := strings.TrimSpace(function)
	if i := strings.IndexByte(f, '('); i >= 0 {
		f = f[:i]
	}
	if !strings.HasSuffix(f, ".MoveNext") {
		return "", "", false
	}
	return ParseStateMachineType(strings.TrimSuffix(f, ".MoveNext"))
}

// CleanFieldName makes hoisted field names readable: "<name>5__2" becomes
// "name" and "<>1__state" becomes "__state". Other names are returned as is.
// Display only.
func CleanFieldName(name string) string {
	if m := hoistedLocalRE.FindStringSubmatch(name); m != nil {
		return m[1]
	}
	if m := internalRE.FindStringSubmatch(name); m != nil {
		return "__" + m[1]
	}
	return name
}

func qualified(owner, method string) string {
	if owner == "" {
		return method
	}
	return owner + "." + method
}
