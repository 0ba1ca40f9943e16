package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/manthysbr/aulerun/internal/core/domain"
)

// SchemaValidator validates tool arguments and outputs against the JSON
// schemas declared in manifests. Compiled schemas are cached per tool.
type SchemaValidator struct {
	mu     sync.RWMutex
	input  map[string]*openapi3.Schema
	output map[string]*openapi3.Schema
}

func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{
		input:  make(map[string]*openapi3.Schema),
		output: make(map[string]*openapi3.Schema),
	}
}

// Compile parses and checks both schemas of m. Loaders call it at
// registration time so a broken manifest is rejected before any job sees it.
func (v *SchemaValidator) Compile(ctx context.Context, m domain.ToolManifest) error {
	in, err := compileSchema(ctx, m.InputSchema)
	if err != nil {
		return fmt.Errorf("tool %s: input schema: %w", m.Name, err)
	}
	out, err := compileSchema(ctx, m.OutputSchema)
	if err != nil {
		return fmt.Errorf("tool %s: output schema: %w", m.Name, err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.input[m.Name] = in
	v.output[m.Name] = out
	return nil
}

// ValidateArguments checks args against the manifest's input schema. A
// manifest without a schema accepts any object.
func (v *SchemaValidator) ValidateArguments(ctx context.Context, m domain.ToolManifest, args map[string]any) error {
	schema, err := v.schemaFor(ctx, m, true)
	if err != nil {
		return domain.NewError(domain.KindInvalidArguments, "tool schema unavailable", err)
	}
	if schema == nil {
		return nil
	}
	value, err := jsonValue(args)
	if err != nil {
		return domain.NewError(domain.KindInvalidArguments, "arguments are not JSON", err)
	}
	if value == nil {
		value = map[string]any{}
	}
	if err := schema.VisitJSON(value); err != nil {
		return domain.NewError(domain.KindInvalidArguments, describeSchemaError(err), err)
	}
	return nil
}

// ValidateOutput checks JSON output against the manifest's output schema.
// Non-JSON output is only checked when a schema exists.
func (v *SchemaValidator) ValidateOutput(ctx context.Context, m domain.ToolManifest, output []byte) error {
	schema, err := v.schemaFor(ctx, m, false)
	if err != nil || schema == nil {
		return err
	}
	var value any
	if err := json.Unmarshal(output, &value); err != nil {
		return fmt.Errorf("output is not JSON: %w", err)
	}
	if err := schema.VisitJSON(value); err != nil {
		return errors.New(describeSchemaError(err))
	}
	return nil
}

func (v *SchemaValidator) schemaFor(ctx context.Context, m domain.ToolManifest, input bool) (*openapi3.Schema, error) {
	cache := v.output
	raw := m.OutputSchema
	if input {
		cache = v.input
		raw = m.InputSchema
	}
	v.mu.RLock()
	s, ok := cache[m.Name]
	v.mu.RUnlock()
	if ok {
		return s, nil
	}
	s, err := compileSchema(ctx, raw)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	cache[m.Name] = s
	v.mu.Unlock()
	return s, nil
}

func compileSchema(ctx context.Context, raw json.RawMessage) (*openapi3.Schema, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, nil
	}
	schema := openapi3.NewSchema()
	if err := json.Unmarshal(raw, schema); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := schema.Validate(ctx); err != nil {
		return nil, fmt.Errorf("invalid: %w", err)
	}
	return schema, nil
}

// jsonValue round-trips v so numbers and nested values have the shapes the
// schema visitor expects.
func jsonValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// describeSchemaError keeps the reason and field path and drops the schema
// dump kin-openapi appends to its messages.
func describeSchemaError(err error) string {
	var se *openapi3.SchemaError
	if errors.As(err, &se) {
		if path := se.JSONPointer(); len(path) > 0 {
			return fmt.Sprintf("%s: %s", strings.Join(path, "."), se.Reason)
		}
		return se.Reason
	}
	msg := err.Error()
	if i := strings.Index(msg, "\nSchema:"); i > 0 {
		msg = msg[:i]
	}
	return msg
}
