// Package elicitation builds the restricted flat object schemas used by
// elicitation/create requests and decodes the client's reply back into Go
// values. The schema surface is deliberately small: string, number, boolean,
// and string-enum properties, no nesting.
package elicitation

import (
	"fmt"
	"sort"

	"github.com/leehack/mcp-go/mcp"
)

// Builder assembles an mcp.ElicitationSchema property by property.
type Builder struct {
	props    map[string]mcp.PrimitiveSchemaDefinition
	required map[string]bool
	order    []string
}

// NewBuilder returns an empty schema builder.
func NewBuilder() *Builder {
	return &Builder{
		props:    map[string]mcp.PrimitiveSchemaDefinition{},
		required: map[string]bool{},
	}
}

// PropOption configures one property.
type PropOption func(b *Builder, name string, def *mcp.PrimitiveSchemaDefinition)

// Required marks the property as mandatory in the reply.
func Required() PropOption {
	return func(b *Builder, name string, def *mcp.PrimitiveSchemaDefinition) {
		b.required[name] = true
	}
}

// Description attaches a human-readable description.
func Description(text string) PropOption {
	return func(b *Builder, name string, def *mcp.PrimitiveSchemaDefinition) {
		def.Description = text
	}
}

// Minimum sets the lower bound for a number property.
func Minimum(v float64) PropOption {
	return func(b *Builder, name string, def *mcp.PrimitiveSchemaDefinition) {
		def.Minimum = v
	}
}

// Maximum sets the upper bound for a number property.
func Maximum(v float64) PropOption {
	return func(b *Builder, name string, def *mcp.PrimitiveSchemaDefinition) {
		def.Maximum = v
	}
}

func (b *Builder) add(name, ptype string, opts ...PropOption) *Builder {
	if name == "" {
		panic("elicitation: empty property name")
	}
	if _, exists := b.props[name]; !exists {
		b.order = append(b.order, name)
	}
	def := mcp.PrimitiveSchemaDefinition{Type: ptype}
	for _, opt := range opts {
		opt(b, name, &def)
	}
	b.props[name] = def
	return b
}

// String adds a string property.
func (b *Builder) String(name string, opts ...PropOption) *Builder {
	return b.add(name, "string", opts...)
}

// Number adds a number property.
func (b *Builder) Number(name string, opts ...PropOption) *Builder {
	return b.add(name, "number", opts...)
}

// Boolean adds a boolean property.
func (b *Builder) Boolean(name string, opts ...PropOption) *Builder {
	return b.add(name, "boolean", opts...)
}

// Enum adds a string property constrained to the given values.
func (b *Builder) Enum(name string, values []string, opts ...PropOption) *Builder {
	b.add(name, "string", opts...)
	def := b.props[name]
	def.Enum = make([]any, len(values))
	for i, v := range values {
		def.Enum[i] = v
	}
	b.props[name] = def
	return b
}

// Schema produces the wire schema.
func (b *Builder) Schema() mcp.ElicitationSchema {
	required := make([]string, 0, len(b.required))
	for name := range b.required {
		required = append(required, name)
	}
	sort.Strings(required)
	props := make(map[string]mcp.PrimitiveSchemaDefinition, len(b.props))
	for name, def := range b.props {
		props[name] = def
	}
	return mcp.ElicitationSchema{Type: "object", Properties: props, Required: required}
}

// Decode checks an accepted elicitation reply against the schema and copies
// the values into dst, a map from property name to one of *string, *float64,
// or *bool. Missing optional properties leave the destination untouched.
func (b *Builder) Decode(content map[string]any, dst map[string]any) error {
	for name := range b.required {
		if _, ok := content[name]; !ok {
			return fmt.Errorf("missing required property %q", name)
		}
	}
	for name, raw := range content {
		def, ok := b.props[name]
		if !ok {
			return fmt.Errorf("unexpected property %q", name)
		}
		target, wanted := dst[name]
		if !wanted {
			continue
		}
		switch def.Type {
		case "string":
			s, ok := raw.(string)
			if !ok {
				return fmt.Errorf("property %q: expected string, got %T", name, raw)
			}
			if len(def.Enum) > 0 && !enumContains(def.Enum, s) {
				return fmt.Errorf("property %q: %q is not one of the allowed values", name, s)
			}
			p, ok := target.(*string)
			if !ok {
				return fmt.Errorf("property %q: destination must be *string", name)
			}
			*p = s
		case "number":
			f, ok := raw.(float64)
			if !ok {
				return fmt.Errorf("property %q: expected number, got %T", name, raw)
			}
			p, ok := target.(*float64)
			if !ok {
				return fmt.Errorf("property %q: destination must be *float64", name)
			}
			*p = f
		case "boolean":
			v, ok := raw.(bool)
			if !ok {
				return fmt.Errorf("property %q: expected boolean, got %T", name, raw)
			}
			p, ok := target.(*bool)
			if !ok {
				return fmt.Errorf("property %q: destination must be *bool", name)
			}
			*p = v
		default:
			return fmt.Errorf("property %q: unsupported type %q", name, def.Type)
		}
	}
	return nil
}

func enumContains(values []any, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}
