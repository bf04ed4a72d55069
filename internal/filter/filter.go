package filter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/file"
	"github.com/expr-lang/expr/vm"

	"github.com/tinytelemetry/tracepush/internal/model"
)

// Env is the environment a filter expression is evaluated against.
type Env struct {
	Provider   string         `expr:"provider"`
	ID         int            `expr:"id"`
	Level      int            `expr:"level"`
	Opcode     int            `expr:"opcode"`
	Keywords   uint64         `expr:"keywords"`
	Task       string         `expr:"task"`
	OpcodeName string         `expr:"opcodeName"`
	PID        int            `expr:"pid"`
	TID        int            `expr:"tid"`
	Payload    map[string]any `expr:"payload"`
}

// Predicate reports whether a record is retained.
type Predicate func(*model.TraceRecord) bool

// AcceptAll retains every record.
func AcceptAll(*model.TraceRecord) bool { return true }

var hasKeyword = expr.Function(
	"hasKeyword",
	func(params ...any) (any, error) {
		kw, ok1 := toUint64(params[0])
		mask, ok2 := toUint64(params[1])
		if !ok1 || !ok2 {
			return false, errors.New("hasKeyword expects integer arguments")
		}
		return kw&mask != 0, nil
	},
	new(func(uint64, int) bool),
	new(func(uint64, uint64) bool),
)

// Compile compiles source into a predicate. An empty source retains every
// record. On failure the predicate is nil and the diagnostics say why.
func Compile(source string) (Predicate, []model.Diagnostic) {
	if strings.TrimSpace(source) == "" {
		return AcceptAll, nil
	}
	program, err := expr.Compile(source, expr.Env(Env{}), expr.AsBool(), hasKeyword)
	if err != nil {
		return nil, diagnostics(err)
	}
	return predicate(program), nil
}

// Test compiles source and returns its diagnostics without keeping it.
func Test(source string) []model.Diagnostic {
	_, diags := Compile(source)
	return diags
}

func predicate(program *vm.Program) Predicate {
	return func(r *model.TraceRecord) bool {
		out, err := expr.Run(program, envFor(r))
		if err != nil {
			return false
		}
		keep, _ := out.(bool)
		return keep
	}
}

func envFor(r *model.TraceRecord) Env {
	return Env{
		Provider:   r.Provider,
		ID:         int(r.EventID),
		Level:      int(r.Level),
		Opcode:     int(r.Opcode),
		Keywords:   r.Keywords,
		Task:       r.TaskName,
		OpcodeName: r.OpcodeName,
		PID:        int(r.ProcessID),
		TID:        int(r.ThreadID),
		Payload:    r.Payload.Map(),
	}
}

func diagnostics(err error) []model.Diagnostic {
	var fe *file.Error
	if errors.As(err, &fe) {
		return []model.Diagnostic{{
			ID:       "FILTER001",
			Severity: "Error",
			Message:  fe.Message,
			Line:     fe.Line,
			Column:   fe.Column + 1,
		}}
	}
	return []model.Diagnostic{{
		ID:       "FILTER000",
		Severity: "Error",
		Message:  fmt.Sprint(err),
	}}
}

func toUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case int:
		return uint64(n), true
	case int64:
		return uint64(n), true
	case uint64:
		return n, true
	case uint:
		return uint64(n), true
	case float64:
		return uint64(n), true
	}
	return 0, false
}
