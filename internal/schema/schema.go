package schema

import (
	"fmt"
	"strings"
)

// Type names the JSON value kinds a field may declare.
type Type string

const (
	TypeString Type = "string"
	TypeNumber Type = "number"
	TypeBool   Type = "bool"
	TypeObject Type = "object"
	TypeArray  Type = "array"
	TypeAny    Type = "any"
)

// Field is one declared argument slot in an object schema. Aliases name
// alternate wire spellings that mean the same canonical field.
type Field struct {
	Name     string   `json:"name"`
	Type     Type     `json:"type"`
	Required bool     `json:"required"`
	Aliases  []string `json:"aliases,omitempty"`
}

// Schema declares the shape of a capability input or output. An empty Kind
// (or TypeObject) means an object described by Fields; any other Kind is a
// scalar/array declaration and Fields is ignored.
type Schema struct {
	Kind   Type    `json:"kind,omitempty"`
	Fields []Field `json:"fields,omitempty"`
}

type ValidationError struct {
	FieldName string
	Reason    string
}

func (e ValidationError) Error() string {
	if e.FieldName == "" {
		return fmt.Sprintf("schema: %s", e.Reason)
	}
	return fmt.Sprintf("schema: field=%q: %s", e.FieldName, e.Reason)
}

// Object builds an object schema from fields.
func Object(fields ...Field) Schema {
	return Schema{Kind: TypeObject, Fields: fields}
}

// Scalar builds a non-object schema of the given kind.
func Scalar(kind Type) Schema {
	return Schema{Kind: kind}
}

func Req(name string, t Type, aliases ...string) Field {
	return Field{Name: name, Type: t, Required: true, Aliases: aliases}
}

func Opt(name string, t Type, aliases ...string) Field {
	return Field{Name: name, Type: t, Aliases: aliases}
}

func (s Schema) IsObject() bool {
	return s.Kind == "" || s.Kind == TypeObject
}

func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Validate enforces required fields and declared field types over decoded
// JSON args. Unknown fields are ignored by design.
func (s Schema) Validate(args map[string]any) error {
	if !s.IsObject() {
		return ValidationError{Reason: fmt.Sprintf("schema kind %q does not accept named args", s.Kind)}
	}
	for _, f := range s.Fields {
		v, ok := args[f.Name]
		if !ok {
			if f.Required {
				return ValidationError{FieldName: f.Name, Reason: "missing required field"}
			}
			continue
		}
		if !matchesType(v, f.Type) {
			return ValidationError{
				FieldName: f.Name,
				Reason:    fmt.Sprintf("type mismatch: want %s got %T", f.Type, v),
			}
		}
	}
	return nil
}

// ValidateValue checks an arbitrary decoded JSON value against the schema,
// including scalar declarations. Used for handler return values.
func (s Schema) ValidateValue(v any) error {
	if s.IsObject() {
		obj, ok := v.(map[string]any)
		if !ok {
			return ValidationError{Reason: fmt.Sprintf("want object got %T", v)}
		}
		return s.Validate(obj)
	}
	if !matchesType(v, s.Kind) {
		return ValidationError{Reason: fmt.Sprintf("want %s got %T", s.Kind, v)}
	}
	return nil
}

func matchesType(v any, t Type) bool {
	switch t {
	case TypeAny, "":
		return true
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeBool:
		_, ok := v.(bool)
		return ok
	case TypeNumber:
		switch v.(type) {
		case float64, float32, int, int32, int64, uint, uint32, uint64:
			return true
		}
		return false
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	case TypeArray:
		_, ok := v.([]any)
		return ok
	default:
		return false
	}
}

// Equal reports whether two schemas declare the same shape. Alias lists and
// field order do not participate.
func Equal(a, b Schema) bool {
	if a.IsObject() != b.IsObject() {
		return false
	}
	if !a.IsObject() {
		return a.Kind == b.Kind
	}
	if len(a.Fields) != len(b.Fields) {
		return false
	}
	for _, f := range a.Fields {
		g, ok := b.Field(f.Name)
		if !ok || g.Type != f.Type || g.Required != f.Required {
			return false
		}
	}
	return true
}

// Similarity scores two schemas in [0,1] as Jaccard overlap of name:type
// pairs. Scalar schemas score 1 on kind equality, 0 otherwise.
func Similarity(a, b Schema) float64 {
	if !a.IsObject() || !b.IsObject() {
		if a.Kind == b.Kind {
			return 1
		}
		return 0
	}
	if len(a.Fields) == 0 && len(b.Fields) == 0 {
		return 1
	}
	keys := make(map[string]int)
	for _, f := range a.Fields {
		keys[fieldKey(f)] |= 1
	}
	for _, f := range b.Fields {
		keys[fieldKey(f)] |= 2
	}
	var both, either int
	for _, mask := range keys {
		either++
		if mask == 3 {
			both++
		}
	}
	if either == 0 {
		return 0
	}
	return float64(both) / float64(either)
}

func fieldKey(f Field) string {
	return f.Name + ":" + string(f.Type)
}

// Infer derives an object schema from concrete args, used to score schema
// similarity for a caller that never declared one.
func Infer(args map[string]any) Schema {
	fields := make([]Field, 0, len(args))
	for k, v := range args {
		fields = append(fields, Field{Name: k, Type: inferType(v), Required: true})
	}
	return Schema{Kind: TypeObject, Fields: fields}
}

func inferType(v any) Type {
	switch v.(type) {
	case string:
		return TypeString
	case bool:
		return TypeBool
	case float64, float32, int, int32, int64, uint, uint32, uint64:
		return TypeNumber
	case map[string]any:
		return TypeObject
	case []any:
		return TypeArray
	default:
		return TypeAny
	}
}

// Translate deterministically projects caller args onto a target schema using
// field names and declared aliases, with numeric widening as the only
// coercion. The bool result is false when any required target field cannot be
// satisfied; no partial guess is returned in that case.
func Translate(args map[string]any, to Schema) (map[string]any, bool) {
	if !to.IsObject() {
		return nil, false
	}
	out := make(map[string]any, len(to.Fields))
	for _, f := range to.Fields {
		v, ok := lookupArg(args, f)
		if !ok {
			if f.Required {
				return nil, false
			}
			continue
		}
		cv, ok := coerce(v, f.Type)
		if !ok {
			return nil, false
		}
		out[f.Name] = cv
	}
	return out, true
}

func lookupArg(args map[string]any, f Field) (any, bool) {
	if v, ok := args[f.Name]; ok {
		return v, true
	}
	for _, alias := range f.Aliases {
		if v, ok := args[alias]; ok {
			return v, true
		}
	}
	// Case-insensitive last resort keeps translation deterministic: first
	// match in sorted key order wins.
	lower := strings.ToLower(f.Name)
	var hitKey string
	for k := range args {
		if strings.ToLower(k) == lower {
			if hitKey == "" || k < hitKey {
				hitKey = k
			}
		}
	}
	if hitKey != "" {
		return args[hitKey], true
	}
	return nil, false
}

func coerce(v any, t Type) (any, bool) {
	if matchesType(v, t) {
		return v, true
	}
	if t == TypeNumber {
		switch n := v.(type) {
		case int:
			return float64(n), true
		case int64:
			return float64(n), true
		}
	}
	return nil, false
}
