package toolexecutor

import (
	"context"
	"fmt"

	"github.com/harun/agentloop/pkg/completion"
	"github.com/xeipuuv/gojsonschema"
)

// Outcome is the eventual result of an asynchronous tool.
type Outcome struct {
	Value any
	Err   error
}

// boundCall is a tool invocation whose arguments have already been coerced.
type boundCall func(ctx context.Context) (any, error)

// Tool is an explicit registration record: name, description, argument
// schema and an invoker that binds validated arguments to the callable.
type Tool struct {
	Name        string
	Description string
	// Parameters is the JSON Schema object describing the arguments.
	Parameters map[string]any

	schema *gojsonschema.Schema
	bind   func(args map[string]any) (boundCall, error)
	err    error
}

// Schema returns the catalogue entry offered to the model.
func (t *Tool) Schema() completion.ToolSchema {
	return completion.ToolSchema{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  t.Parameters,
	}
}

// NoArgs registers a tool that takes no parameters. Any arguments sent by the
// model are ignored.
func NoArgs(name, description string, fn func(ctx context.Context) (any, error)) *Tool {
	return &Tool{
		Name:        name,
		Description: description,
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		bind: func(map[string]any) (boundCall, error) {
			return fn, nil
		},
		err: nilHandler(fn == nil),
	}
}

// Typed registers a tool whose arguments decode into A. The schema offered to
// the model is derived from A's JSON shape.
func Typed[A any](name, description string, fn func(ctx context.Context, args A) (any, error)) *Tool {
	tool := &Tool{
		Name:        name,
		Description: description,
		bind: func(raw map[string]any) (boundCall, error) {
			args, err := coerce[A](raw)
			if err != nil {
				return nil, err
			}
			return func(ctx context.Context) (any, error) {
				return fn(ctx, args)
			}, nil
		},
		err: nilHandler(fn == nil),
	}

	schema, err := schemaFor[A]()
	if err != nil {
		tool.err = err
		return tool
	}
	tool.Parameters = schema
	return tool
}

// Raw registers a tool that receives the argument mapping unchanged. When
// params is non-nil the mapping is checked against the declared parameters.
func Raw(name, description string, params []ToolParameter, fn func(ctx context.Context, args map[string]any) (any, error)) *Tool {
	tool := &Tool{
		Name:        name,
		Description: description,
		bind: func(raw map[string]any) (boundCall, error) {
			return func(ctx context.Context) (any, error) {
				return fn(ctx, raw)
			}, nil
		},
		err: nilHandler(fn == nil),
	}

	schema, err := schemaFromParameters(params)
	if err != nil {
		tool.err = err
		return tool
	}
	tool.Parameters = schema
	return tool
}

// AsyncNoArgs registers a parameterless tool that reports its result on a channel.
func AsyncNoArgs(name, description string, fn func(ctx context.Context) <-chan Outcome) *Tool {
	if fn == nil {
		return NoArgs(name, description, nil)
	}
	return NoArgs(name, description, func(ctx context.Context) (any, error) {
		return await(ctx, fn(ctx))
	})
}

// AsyncTyped registers a typed tool that reports its result on a channel.
func AsyncTyped[A any](name, description string, fn func(ctx context.Context, args A) <-chan Outcome) *Tool {
	if fn == nil {
		return Typed[A](name, description, nil)
	}
	return Typed(name, description, func(ctx context.Context, args A) (any, error) {
		return await(ctx, fn(ctx, args))
	})
}

func await(ctx context.Context, ch <-chan Outcome) (any, error) {
	if ch == nil {
		return nil, fmt.Errorf("async tool returned no result channel")
	}
	select {
	case out, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("async tool closed its result channel without a result")
		}
		return out.Value, out.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func nilHandler(isNil bool) error {
	if isNil {
		return fmt.Errorf("tool handler cannot be nil")
	}
	return nil
}

// validate checks a tool before it enters a registry
func (t *Tool) validate() error {
	if t == nil {
		return fmt.Errorf("tool cannot be nil")
	}
	if t.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if t.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if t.err != nil {
		return t.err
	}
	return nil
}
