// Package asyncstack appends the logical callers of an async method to a
// physical call stack.
//
// Awaiting callers are not on the stack; they hang off the running task
// as a chain of continuations. The walker follows that chain using only
// field and type-name reads.
package asyncstack

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ctagard/clrdbg-mcp/internal/logflags"
	"github.com/ctagard/clrdbg-mcp/internal/native"
	"github.com/ctagard/clrdbg-mcp/pkg/types"
)

// DefaultMaxDepth bounds the continuation chain.
const DefaultMaxDepth = 50

const (
	fieldBuilder      = "<>t__builder"
	fieldTask         = "m_task"
	fieldInnerBuilder = "m_builder"
	fieldContinuation = "m_continuationObject"
	fieldAction       = "m_action"
	fieldTarget       = "_target"
	// .NET Core boxes the state machine into the task itself
	fieldBoxedMachine = "StateMachine"
)

var errNoAction = errors.New("continuation has no action")

// FieldReader reads live values. native.Target satisfies it.
type FieldReader interface {
	ReadField(ctx context.Context, v native.Value, name string) (native.Value, error)
	TypeName(ctx context.Context, v native.Value) (string, error)
	FrameThis(ctx context.Context, frameID int) (native.Value, error)
}

// FieldLister is implemented by readers that can enumerate a value's
// fields. When available, logical frames show the awaiting method's
// hoisted locals and parameters as arguments.
type FieldLister interface {
	Fields(ctx context.Context, v native.Value) ([]native.Field, error)
}

// Walker reconstructs async call chains.
type Walker struct {
	Reader   FieldReader
	MaxDepth int
	Log      *logrus.Entry
}

// NewWalker returns a Walker with the default depth cap.
func NewWalker(r FieldReader) *Walker {
	return &Walker{Reader: r, MaxDepth: DefaultMaxDepth, Log: logflags.AsyncStackLogger()}
}

func (w *Walker) log() *logrus.Entry {
	if w.Log == nil {
		return logflags.Discard()
	}
	return w.Log
}

// Convert maps physical frames to stack frames without walking.
func Convert(frames []native.Frame) []types.StackFrame {
	out := make([]types.StackFrame, 0, len(frames))
	for i, f := range frames {
		sf := types.StackFrame{
			Index:      i,
			Function:   f.Function,
			Module:     f.Module,
			IsExternal: f.External,
			Arguments:  f.Arguments,
			Kind:       types.FrameSync,
		}
		if f.Location != nil && f.Location.File != "" {
			sf.Location = &types.SourceLocation{File: f.Location.File, Line: f.Location.Line, Column: f.Location.Column}
		}
		if method, _, ok := ParseAsyncFrame(f.Function); ok || f.AsyncStateMachine {
			sf.Kind = types.FrameAsync
			sf.LogicalFunction = method
		}
		out = append(out, sf)
	}
	return out
}

// Extend converts frames and appends logical async_continuation frames for
// the callers awaiting the top-most async frame.
func (w *Walker) Extend(ctx context.Context, frames []native.Frame) []types.StackFrame {
	out := Convert(frames)
	if w.Reader == nil {
		return out
	}

	top := -1
	for i, sf := range out {
		if sf.Kind == types.FrameAsync {
			top = i
			break
		}
	}
	if top < 0 {
		return out
	}

	sm, err := w.Reader.FrameThis(ctx, frames[top].ID)
	if err != nil || sm.Null {
		w.log().Debugf("no state machine for frame %q: %v", frames[top].Function, err)
		return out
	}
	task, ok := w.taskOf(ctx, sm)
	if !ok {
		return out
	}

	for _, lf := range w.Continuations(ctx, task) {
		lf.Index = len(out)
		out = append(out, lf)
	}
	return out
}

// Continuations follows the continuation chain starting at task and
// returns one logical frame per awaiting async method. Frame indexes are
// relative to the chain.
func (w *Walker) Continuations(ctx context.Context, task native.Value) []types.StackFrame {
	limit := w.MaxDepth
	if limit <= 0 {
		limit = DefaultMaxDepth
	}

	var out []types.StackFrame
	visited := make(map[int]bool)
	for depth := 0; ; depth++ {
		if depth >= limit {
			w.log().Warnf("async continuation chain truncated at depth %d", limit)
			return out
		}
		if ctx.Err() != nil {
			return out
		}

		cont, err := w.Reader.ReadField(ctx, task, fieldContinuation)
		if err != nil || cont.Null {
			return out
		}
		sm, ok := w.resolveStateMachine(ctx, cont)
		if !ok {
			return out
		}
		if sm.Ref != 0 {
			if visited[sm.Ref] {
				w.log().Debugf("async continuation chain revisits value #%d", sm.Ref)
				return out
			}
			visited[sm.Ref] = true
		}
		typ, err := w.Reader.TypeName(ctx, sm)
		if err != nil {
			return out
		}
		method, owner, ok := ParseStateMachineType(typ)
		if !ok {
			w.log().Debugf("continuation target %q is not an async state machine", typ)
			return out
		}

		out = append(out, types.StackFrame{
			Index:           len(out),
			Function:        qualified(owner, method),
			Kind:            types.FrameAsyncContinuation,
			IsAwaiting:      true,
			LogicalFunction: method,
			Arguments:       w.locals(ctx, sm),
		})

		next, ok := w.taskOf(ctx, sm)
		if !ok {
			return out
		}
		task = next
	}
}

// resolveStateMachine maps a continuation object to the state machine it
// will resume.
func (w *Walker) resolveStateMachine(ctx context.Context, cont native.Value) (native.Value, bool) {
	typ, _ := w.Reader.TypeName(ctx, cont)

	var target native.Value
	var err error
	switch {
	case isDelegate(typ):
		target, err = w.Reader.ReadField(ctx, cont, fieldTarget)
	case isTaskWrapper(typ):
		var action native.Value
		action, err = w.Reader.ReadField(ctx, cont, fieldAction)
		if err == nil && !action.Null {
			target, err = w.Reader.ReadField(ctx, action, fieldTarget)
		} else {
			err = errNoAction
		}
	default:
		err = errNoAction
	}
	if err != nil || target.Null {
		target, err = w.Reader.ReadField(ctx, cont, fieldTarget)
	}
	if err != nil || target.Null {
		target, err = w.Reader.ReadField(ctx, cont, fieldBoxedMachine)
	}
	if err != nil || target.Null {
		return native.Value{}, false
	}
	return target, true
}

// locals renders the hoisted locals and parameters of a state machine.
// Compiler bookkeeping such as the state and builder is left out.
func (w *Walker) locals(ctx context.Context, sm native.Value) []string {
	lister, ok := w.Reader.(FieldLister)
	if !ok {
		return nil
	}
	fields, err := lister.Fields(ctx, sm)
	if err != nil {
		w.log().Debugf("listing fields of %s: %v", sm.Type, err)
	}
	var out []string
	for _, f := range fields {
		name := CleanFieldName(f.Name)
		if strings.HasPrefix(name, "__") || strings.HasPrefix(name, "<") {
			continue
		}
		out = append(out, name+" = "+f.Value)
	}
	return out
}

func (w *Walker) taskOf(ctx context.Context, sm native.Value) (native.Value, bool) {
	builder, err := w.Reader.ReadField(ctx, sm, fieldBuilder)
	if err != nil || builder.Null {
		return native.Value{}, false
	}
	task, err := w.Reader.ReadField(ctx, builder, fieldTask)
	if err == nil && !task.Null {
		return task, true
	}
	// AsyncTaskMethodBuilder wraps the generic builder
	inner, err := w.Reader.ReadField(ctx, builder, fieldInnerBuilder)
	if err != nil || inner.Null {
		return native.Value{}, false
	}
	task, err = w.Reader.ReadField(ctx, inner, fieldTask)
	if err != nil || task.Null {
		return native.Value{}, false
	}
	return task, true
}

func isDelegate(typ string) bool {
	return strings.Contains(typ, "Action") || strings.Contains(typ, "Delegate") || strings.HasPrefix(typ, "System.Func")
}

func isTaskWrapper(typ string) bool {
	return strings.Contains(typ, "Continuation") || strings.Contains(typ, "Task")
}
