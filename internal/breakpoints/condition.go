package breakpoints

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Op is a comparison operator.
type Op int

const (
	OpEq Op = iota
	OpNe
	OpGt
	OpGe
	OpLt
	OpLe
)

var opNames = map[string]Op{
	"==": OpEq,
	"!=": OpNe,
	">":  OpGt,
	">=": OpGe,
	"<":  OpLt,
	"<=": OpLe,
}

func (o Op) String() string {
	for s, op := range opNames {
		if op == o {
			return s
		}
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// LiteralKind tags the value held by a Literal.
type LiteralKind int

const (
	LitNull LiteralKind = iota
	LitBool
	LitString
	LitInt
	LitDouble
)

// Literal is the right-hand side of a condition.
type Literal struct {
	Kind   LiteralKind
	Bool   bool
	Str    string
	Int    int64
	Double float64
}

func (l Literal) numeric() (float64, bool) {
	switch l.Kind {
	case LitInt:
		return float64(l.Int), true
	case LitDouble:
		return l.Double, true
	}
	return 0, false
}

// Condition is a parsed "<lhs> <op> <literal>" expression.
type Condition struct {
	LHS   string
	Op    Op
	Value Literal
}

// lhs is an identifier or dotted path, optionally ending in one
// argument-less method call.
var conditionRE = regexp.MustCompile(`^\s*([A-Za-z_$][\w$]*(?:\.[A-Za-z_]\w*)*(?:\(\))?)\s*(==|!=|>=|<=|>|<)\s*(.+?)\s*$`)

var (
	intRE    = regexp.MustCompile(`^[-+]?\d+$`)
	doubleRE = regexp.MustCompile(`^[-+]?(?:\d+\.\d*|\.\d+|\d+)(?:[eE][-+]?\d+)?[dDfFmM]?$`)
)

// ParseCondition parses text. Anything outside the grammar is rejected.
func ParseCondition(text string) (*Condition, error) {
	m := conditionRE.FindStringSubmatch(text)
	if m == nil {
		return nil, fmt.Errorf("unsupported condition %q", text)
	}
	lit, err := parseLiteral(m[3])
	if err != nil {
		return nil, err
	}
	return &Condition{LHS: m[1], Op: opNames[m[2]], Value: lit}, nil
}

func parseLiteral(s string) (Literal, error) {
	switch s {
	case "null":
		return Literal{Kind: LitNull}, nil
	case "true":
		return Literal{Kind: LitBool, Bool: true}, nil
	case "false":
		return Literal{Kind: LitBool, Bool: false}, nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		str, err := strconv.Unquote(s)
		if err != nil {
			return Literal{}, fmt.Errorf("bad string literal %s: %w", s, err)
		}
		return Literal{Kind: LitString, Str: str}, nil
	}
	if intRE.MatchString(s) {
		n, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			return Literal{Kind: LitInt, Int: n}, nil
		}
	}
	if doubleRE.MatchString(s) {
		f, err := strconv.ParseFloat(strings.TrimRight(s, "dDfFmM"), 64)
		if err == nil {
			return Literal{Kind: LitDouble, Double: f}, nil
		}
	}
	return Literal{}, fmt.Errorf("unsupported literal %q", s)
}

// value is a debuggee value converted for comparison.
type value struct {
	null   bool
	isBool bool
	b      bool
	isNum  bool
	num    float64
	isStr  bool
	str    string
}

// parseValue interprets a display string returned by the debugger.
func parseValue(display, typ string) value {
	s := strings.TrimSpace(display)
	switch {
	case s == "null":
		return value{null: true}
	case s == "true" || s == "false":
		return value{isBool: true, b: s == "true"}
	case len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"':
		if str, err := strconv.Unquote(s); err == nil {
			return value{isStr: true, str: str}
		}
		return value{isStr: true, str: s[1 : len(s)-1]}
	}
	// chars display as "97 'a'"
	if i := strings.IndexByte(s, ' '); i > 0 && strings.HasSuffix(s, "'") {
		s = s[:i]
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return value{isNum: true, num: f}
	}
	if strings.EqualFold(typ, "string") {
		return value{isStr: true, str: display}
	}
	return value{}
}

var errUnsupportedComparison = errors.New("unsupported comparison")

// compare applies op to a debuggee value and a literal.
func compare(v value, op Op, lit Literal) (bool, error) {
	if lit.Kind == LitNull || v.null {
		bothNull := lit.Kind == LitNull && v.null
		switch op {
		case OpEq:
			return bothNull, nil
		case OpNe:
			return !bothNull, nil
		}
		return false, errUnsupportedComparison
	}

	if n, ok := lit.numeric(); ok && v.isNum {
		return ordered(compareFloat(v.num, n), op), nil
	}
	if lit.Kind == LitString && v.isStr {
		return ordered(strings.Compare(v.str, lit.Str), op), nil
	}
	if lit.Kind == LitBool && v.isBool {
		switch op {
		case OpEq:
			return v.b == lit.Bool, nil
		case OpNe:
			return v.b != lit.Bool, nil
		}
	}
	return false, errUnsupportedComparison
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func ordered(c int, op Op) bool {
	switch op {
	case OpEq:
		return c == 0
	case OpNe:
		return c != 0
	case OpGt:
		return c > 0
	case OpGe:
		return c >= 0
	case OpLt:
		return c < 0
	case OpLe:
		return c <= 0
	}
	return false
}
