package breakpoints

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ctagard/clrdbg-mcp/internal/logflags"
	"github.com/ctagard/clrdbg-mcp/internal/native"
)

// Reader evaluates an expression in the paused frame of a thread.
// native.Target satisfies it.
type Reader interface {
	Evaluate(ctx context.Context, threadID int, expr string) (native.EvalResult, error)
}

// Hit describes the physical hit being judged.
type Hit struct {
	HitCount int
	ThreadID int
}

// Evaluator decides conditions and renders log messages. Conditions that
// need the debuggee go through Reader with a bounded timeout. Any error or
// timeout counts as satisfied.
type Evaluator struct {
	Reader            Reader
	ConditionTimeout  time.Duration
	LogMessageTimeout time.Duration
	Log               *logrus.Entry
}

// NewEvaluator returns an Evaluator with default timeouts.
func NewEvaluator(r Reader) *Evaluator {
	return &Evaluator{
		Reader:            r,
		ConditionTimeout:  5 * time.Second,
		LogMessageTimeout: time.Second,
		Log:               logflags.BreakpointsLogger(),
	}
}

func (e *Evaluator) log() *logrus.Entry {
	if e.Log == nil {
		return logflags.Discard()
	}
	return e.Log
}

func isHitCountIdent(s string) bool {
	switch s {
	case "hitCount", "$hitCount", "HitCount":
		return true
	}
	return false
}

// evalSimple handles boolean literals and hit-count predicates without the
// debuggee.
func evalSimple(text string, hit Hit) (bool, bool) {
	switch strings.TrimSpace(text) {
	case "true":
		return true, true
	case "false":
		return false, true
	}
	c, err := ParseCondition(text)
	if err != nil || !isHitCountIdent(c.LHS) {
		return false, false
	}
	ok, err := compare(value{isNum: true, num: float64(hit.HitCount)}, c.Op, c.Value)
	if err != nil {
		return false, false
	}
	return ok, true
}

// Condition reports whether condition holds for this hit. An empty
// condition always holds.
func (e *Evaluator) Condition(ctx context.Context, condition string, hit Hit) bool {
	if strings.TrimSpace(condition) == "" {
		return true
	}
	if ok, handled := evalSimple(condition, hit); handled {
		return ok
	}
	if e.Reader == nil {
		e.log().Warnf("condition %q needs the debuggee but no reader is attached; treating as true", condition)
		return true
	}

	if e.ConditionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.ConditionTimeout)
		defer cancel()
	}

	c, err := ParseCondition(condition)
	if err != nil {
		return e.evalWhole(ctx, condition, hit)
	}

	res, err := e.evaluate(ctx, hit.ThreadID, c.LHS)
	if err != nil {
		e.log().Warnf("evaluating %q failed, treating condition as true: %v", c.LHS, err)
		return true
	}
	ok, err := compare(parseValue(res.Value, res.Type), c.Op, c.Value)
	if err != nil {
		e.log().Warnf("condition %q: %v (value %q); treating as true", condition, err, res.Value)
		return true
	}
	return ok
}

// evalWhole hands an expression outside the grammar to the debugger and
// expects a boolean back.
func (e *Evaluator) evalWhole(ctx context.Context, condition string, hit Hit) bool {
	res, err := e.evaluate(ctx, hit.ThreadID, condition)
	if err != nil {
		e.log().Warnf("evaluating %q failed, treating condition as true: %v", condition, err)
		return true
	}
	v := parseValue(res.Value, res.Type)
	if !v.isBool {
		e.log().Warnf("condition %q produced non-boolean %q; treating as true", condition, res.Value)
		return true
	}
	return v.b
}

// evaluate calls Reader but returns as soon as ctx ends, even if the
// reader does not honor ctx.
func (e *Evaluator) evaluate(ctx context.Context, threadID int, expr string) (native.EvalResult, error) {
	type result struct {
		res native.EvalResult
		err error
	}
	ch := make(chan result, 1)
	go func() {
		res, err := e.Reader.Evaluate(ctx, threadID, expr)
		ch <- result{res, err}
	}()
	select {
	case r := <-ch:
		return r.res, r.err
	case <-ctx.Done():
		return native.EvalResult{}, ctx.Err()
	}
}

type segment struct {
	text   string
	expr   string
	isExpr bool
}

// parseTemplate splits a log message into literal text and {expression}
// placeholders. "{{" and "}}" are literal braces. An unterminated "{" is
// kept as text.
func parseTemplate(tmpl string) []segment {
	var segs []segment
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			segs = append(segs, segment{text: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		switch {
		case c == '{' && i+1 < len(tmpl) && tmpl[i+1] == '{':
			lit.WriteByte('{')
			i++
		case c == '}' && i+1 < len(tmpl) && tmpl[i+1] == '}':
			lit.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(tmpl[i+1:], '}')
			if end < 0 {
				lit.WriteString(tmpl[i:])
				i = len(tmpl)
				continue
			}
			flush()
			segs = append(segs, segment{expr: strings.TrimSpace(tmpl[i+1 : i+1+end]), isExpr: true})
			i += end + 1
		default:
			lit.WriteByte(c)
		}
	}
	flush()
	return segs
}

// LogMessage renders tmpl. Each distinct expression is evaluated once;
// failures render inline as <error: ...>.
func (e *Evaluator) LogMessage(ctx context.Context, tmpl string, hit Hit) string {
	segs := parseTemplate(tmpl)
	values := make(map[string]string)

	var sb strings.Builder
	for _, s := range segs {
		if !s.isExpr {
			sb.WriteString(s.text)
			continue
		}
		v, ok := values[s.expr]
		if !ok {
			v = e.placeholder(ctx, s.expr, hit)
			values[s.expr] = v
		}
		sb.WriteString(v)
	}
	return sb.String()
}

func (e *Evaluator) placeholder(ctx context.Context, expr string, hit Hit) string {
	switch expr {
	case "":
		return "<error: empty expression>"
	case "$hitCount":
		return strconv.Itoa(hit.HitCount)
	case "$threadId":
		return strconv.Itoa(hit.ThreadID)
	}
	if e.Reader == nil {
		return "<error: no debuggee>"
	}
	if e.LogMessageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.LogMessageTimeout)
		defer cancel()
	}
	res, err := e.evaluate(ctx, hit.ThreadID, expr)
	if err != nil {
		return "<error: " + err.Error() + ">"
	}
	return res.Value
}
