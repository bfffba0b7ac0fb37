package mcpserve

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// FieldType enumerates the parameter types a handler signature may declare.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInteger FieldType = "integer"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeArray   FieldType = "array"
	TypeObject  FieldType = "object"
)

// Field is one entry of the structured descriptor list a handler is
// registered with. JSON Schemas are derived from these descriptors once, at
// registration time.
type Field struct {
	Name        string
	Type        FieldType
	Description string
	Required    bool
	Enum        []string // non-empty turns a string field into an enum
	Default     any
	Items       *Field  // element type for arrays
	Properties  []Field // nested object fields
	Ref         string  // name of a $defs entry, for recursive records
}

// SchemaError reports a descriptor the schema builder cannot express.
type SchemaError struct {
	Param  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("unsupported parameter %q: %s", e.Param, e.Reason)
}

// BuildObjectSchema derives a JSON Schema object from a field descriptor
// list. defs, when non-nil, is emitted under $defs for Ref fields.
func BuildObjectSchema(fields []Field, defs map[string][]Field) (map[string]any, error) {
	schema := map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
	props := schema["properties"].(map[string]any)
	var required []string

	for _, f := range fields {
		prop, err := fieldSchema(f, defs)
		if err != nil {
			return nil, err
		}
		props[f.Name] = prop
		if f.Required {
			required = append(required, f.Name)
		}
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	if len(defs) > 0 {
		defSchemas := map[string]any{}
		for name, defFields := range defs {
			ds, err := BuildObjectSchema(defFields, nil)
			if err != nil {
				return nil, err
			}
			defSchemas[name] = ds
		}
		schema["$defs"] = defSchemas
	}
	return schema, nil
}

func fieldSchema(f Field, defs map[string][]Field) (map[string]any, error) {
	if f.Ref != "" {
		if _, ok := defs[f.Ref]; !ok {
			return nil, &SchemaError{Param: f.Name, Reason: fmt.Sprintf("unknown $defs reference %q", f.Ref)}
		}
		return map[string]any{"$ref": "#/$defs/" + f.Ref}, nil
	}

	prop := map[string]any{}
	switch f.Type {
	case TypeString, TypeInteger, TypeNumber, TypeBoolean:
		prop["type"] = string(f.Type)
	case TypeArray:
		prop["type"] = "array"
		if f.Items != nil {
			items, err := fieldSchema(*f.Items, defs)
			if err != nil {
				return nil, err
			}
			prop["items"] = items
		}
	case TypeObject:
		if len(f.Properties) > 0 {
			nested, err := BuildObjectSchema(f.Properties, nil)
			if err != nil {
				return nil, err
			}
			return withFieldMeta(nested, f), nil
		}
		prop["type"] = "object"
	default:
		return nil, &SchemaError{Param: f.Name, Reason: fmt.Sprintf("unknown type %q", f.Type)}
	}
	if len(f.Enum) > 0 {
		if f.Type != TypeString {
			return nil, &SchemaError{Param: f.Name, Reason: "enum is only supported on string fields"}
		}
		enum := make([]any, len(f.Enum))
		for i, v := range f.Enum {
			enum[i] = v
		}
		prop["enum"] = enum
	}
	return withFieldMeta(prop, f), nil
}

func withFieldMeta(prop map[string]any, f Field) map[string]any {
	if f.Description != "" {
		prop["description"] = f.Description
	}
	if f.Default != nil {
		prop["default"] = f.Default
	}
	return prop
}

// compileSchema compiles a generated schema so tools/call arguments can be
// validated against it. Compilation happens once at registration.
func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	url := "mcp:///schemas/" + name + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// coerceArguments validates args against the descriptor list and coerces
// JSON-decoded values into the declared types (e.g. float64 into integer).
// Missing required parameters are reported with their schema fragment so
// clients can self-correct.
func coerceArguments(args map[string]any, fields []Field, defs map[string][]Field) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	for _, f := range fields {
		v, present := out[f.Name]
		if !present {
			if f.Required {
				frag, _ := fieldSchema(f, defs)
				return nil, NewRPCErrorWithData(
					CodeInvalidParams,
					fmt.Sprintf("missing required parameter %q", f.Name),
					map[string]any{"parameter": f.Name, "schema": frag},
				)
			}
			if f.Default != nil {
				out[f.Name] = f.Default
			}
			continue
		}
		coerced, err := coerceValue(f, v)
		if err != nil {
			return nil, err
		}
		out[f.Name] = coerced
	}
	return out, nil
}

func coerceValue(f Field, v any) (any, error) {
	switch f.Type {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, &ParameterValidationError{Param: f.Name, Expected: "string", Actual: v}
		}
		if len(f.Enum) > 0 {
			for _, e := range f.Enum {
				if s == e {
					return s, nil
				}
			}
			return nil, &ParameterValidationError{Param: f.Name, Expected: fmt.Sprintf("one of %v", f.Enum), Actual: v}
		}
		return s, nil
	case TypeInteger:
		switch n := v.(type) {
		case float64:
			if n != math.Trunc(n) {
				return nil, &ParameterValidationError{Param: f.Name, Expected: "integer", Actual: v}
			}
			return int64(n), nil
		case int, int64:
			return n, nil
		case string:
			if i, err := strconv.ParseInt(n, 10, 64); err == nil {
				return i, nil
			}
		}
		return nil, &ParameterValidationError{Param: f.Name, Expected: "integer", Actual: v}
	case TypeNumber:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case string:
			if fl, err := strconv.ParseFloat(n, 64); err == nil {
				return fl, nil
			}
		}
		return nil, &ParameterValidationError{Param: f.Name, Expected: "number", Actual: v}
	case TypeBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			if parsed, err := strconv.ParseBool(b); err == nil {
				return parsed, nil
			}
		}
		return nil, &ParameterValidationError{Param: f.Name, Expected: "boolean", Actual: v}
	case TypeArray:
		arr, ok := v.([]any)
		if !ok {
			return nil, &ParameterValidationError{Param: f.Name, Expected: "array", Actual: v}
		}
		if f.Items == nil {
			return arr, nil
		}
		out := make([]any, len(arr))
		for i, elem := range arr {
			item := *f.Items
			if item.Name == "" {
				item.Name = fmt.Sprintf("%s[%d]", f.Name, i)
			}
			coerced, err := coerceValue(item, elem)
			if err != nil {
				return nil, err
			}
			out[i] = coerced
		}
		return out, nil
	case TypeObject:
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, &ParameterValidationError{Param: f.Name, Expected: "object", Actual: v}
		}
		if len(f.Properties) == 0 {
			return obj, nil
		}
		return coerceArguments(obj, f.Properties, nil)
	default:
		return v, nil
	}
}

