package logic

import (
	"context"
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"
)

// CELLogic evaluates a CEL expression compiled once at construction. The
// expression sees two variables, `input` and `features`, and must produce a
// map so the result can be validated against the output schema.
type CELLogic struct {
	program cel.Program
	source  string
}

// NewCELLogic compiles a CEL expression. Compilation errors surface here,
// at registration time, never during execution.
func NewCELLogic(source string) (*CELLogic, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("features", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("logic: cel environment: %w", err)
	}

	ast, iss := env.Compile(source)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("logic: cel compile: %w", iss.Err())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("logic: cel program: %w", err)
	}

	return &CELLogic{program: program, source: source}, nil
}

func (l *CELLogic) Execute(ctx context.Context, input map[string]any, ec Context) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	features := ec.Features
	if features == nil {
		features = map[string]any{}
	}

	val, _, err := l.program.Eval(map[string]any{
		"input":    input,
		"features": features,
	})
	if err != nil {
		return nil, fmt.Errorf("logic: cel eval: %w", err)
	}

	native, err := val.ConvertToNative(reflect.TypeOf(map[string]any{}))
	if err != nil {
		return nil, fmt.Errorf("logic: cel result must be a map: %w", err)
	}
	return native.(map[string]any), nil
}
