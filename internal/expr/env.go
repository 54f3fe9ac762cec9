package expr

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// Environment compiles route conditions. Conditions see two variables:
// url (scheme, host, path, query, origin) and request (method, navigate,
// sameOrigin, headers), plus the lookup and ext helpers.
type Environment struct {
	env *cel.Env
}

func NewEnvironment() (*Environment, error) {
	env, err := cel.NewEnv(
		cel.Variable("url", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
		cel.Function("lookup",
			cel.Overload("lookup_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.DynType,
				cel.BinaryBinding(lookupMapValue),
			),
		),
		cel.Function("ext",
			cel.Overload("ext_string",
				[]*cel.Type{cel.StringType},
				cel.StringType,
				cel.UnaryBinding(pathExtension),
			),
		),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: build environment: %w", err)
	}
	return &Environment{env: env}, nil
}

// Condition is a compiled boolean route condition. Safe for concurrent use.
type Condition struct {
	source  string
	program cel.Program
}

// Condition compiles expression and rejects anything that cannot yield a bool.
func (e *Environment) Condition(expression string) (Condition, error) {
	source := strings.TrimSpace(expression)
	if source == "" {
		return Condition{}, errors.New("expr: expression required")
	}
	ast, issues := e.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return Condition{}, fmt.Errorf("expr: compile %q: %w", source, issues.Err())
	}
	if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
		return Condition{}, fmt.Errorf("expr: %q must return bool, got %s", source, cel.FormatCELType(t))
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return Condition{}, fmt.Errorf("expr: program %q: %w", source, err)
	}
	return Condition{source: source, program: program}, nil
}

// Match evaluates the condition against vars, normally built by RouteActivation.
func (c Condition) Match(vars map[string]any) (bool, error) {
	if c.program == nil {
		return false, errors.New("expr: condition not compiled")
	}
	val, _, err := c.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("expr: eval %q: %w", c.source, err)
	}
	if b, ok := val.(types.Bool); ok {
		return bool(b), nil
	}
	return false, fmt.Errorf("expr: %q yielded %s, want bool", c.source, val.Type().TypeName())
}

func (c Condition) Source() string { return c.source }

func lookupMapValue(mapVal ref.Val, key ref.Val) ref.Val {
	mapper, ok := mapVal.(traits.Mapper)
	if !ok {
		return types.NewErr("expr: lookup only supports string-key maps")
	}
	value, found := mapper.Find(key)
	if !found || value == nil {
		return types.NullValue
	}
	return value
}

// pathExtension returns the lowercased extension of a URL path without the dot.
func pathExtension(value ref.Val) ref.Val {
	p, ok := value.Value().(string)
	if !ok {
		return types.NewErr("expr: ext expects a string")
	}
	return types.String(strings.TrimPrefix(strings.ToLower(path.Ext(p)), "."))
}
