package restapi

import (
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"
)

// Filter evaluates a CEL expression against one record (a task or an object
// rendered as a map). Admin list endpoints accept these as ?filter= so
// operators can slice large worlds server-side, e.g.
// `record.state == "suspended" && record.attempt > 1`.
type Filter struct {
	Expression string
	program    cel.Program
}

// NewFilter compiles a CEL boolean expression over the variable "record".
func NewFilter(expression string) (*Filter, error) {
	if expression == "" {
		return nil, fmt.Errorf("expression can't be empty string")
	}
	env, err := cel.NewEnv(
		cel.Variable("record", cel.MapType(cel.StringType, cel.AnyType)),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating CEL environment: %v", err)
	}
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("error compiling CEL expression: %v", issues.Err())
	}
	p, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("error creating Program: %v", err)
	}
	return &Filter{Expression: expression, program: p}, nil
}

// Matches evaluates the filter against one record.
func (f *Filter) Matches(record map[string]any) (bool, error) {
	out, _, err := f.program.Eval(map[string]any{"record": record})
	if err != nil {
		return false, fmt.Errorf("error evaluating CEL expression: %v", err)
	}
	nv, err := out.ConvertToNative(reflect.TypeOf(false))
	if err != nil {
		return false, fmt.Errorf("error ConvertToNative, got err: %v", err)
	}
	b, ok := nv.(bool)
	if !ok {
		return false, fmt.Errorf("filter result is not a bool: %v", nv)
	}
	return b, nil
}
