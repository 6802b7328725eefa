// Package jsonschema implements the subset of JSON Schema used to police
// tool, resource, and prompt payloads: type constraints, string/number/
// array/object keywords, enum/const, and the allOf/anyOf/oneOf/not
// composition operators.
//
// A Schema is compiled once with Parse (or derived from a Go struct with
// For) and is immutable afterwards, so a single tree can be shared by
// reference across any number of concurrent validations.
package jsonschema

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// Schema is one compiled node of a schema tree. Fields are nil when the
// corresponding keyword is absent.
type Schema struct {
	// Boolean schemas: "true" accepts everything, "false" accepts nothing.
	boolean *bool

	// Type holds the allowed JSON type names ("string", "number",
	// "integer", "boolean", "object", "array", "null"). Empty means any.
	Types []string

	// String constraints. Lengths count Unicode code points.
	MinLength *int
	MaxLength *int
	Pattern   *regexp.Regexp
	// Format is recorded for interest but not enforced.
	Format string

	// Number constraints, inclusive bounds.
	Minimum    *float64
	Maximum    *float64
	MultipleOf *float64

	// Array constraints. Items applies to every element.
	MinItems *int
	MaxItems *int
	Items    *Schema

	// Object constraints. AdditionalBool is the boolean form of
	// additionalProperties; AdditionalSchema the schema form. At most one
	// of the two is set.
	Properties       map[string]*Schema
	Required         []string
	AdditionalBool   *bool
	AdditionalSchema *Schema

	// Value constraints.
	Enum  []any
	Const any
	// hasConst distinguishes "const": null from an absent const keyword.
	hasConst bool

	// Composition.
	AllOf []*Schema
	AnyOf []*Schema
	OneOf []*Schema
	Not   *Schema
}

// Parse compiles a JSON Schema document into an immutable Schema tree.
// Unknown keywords are ignored for forward compatibility; malformed keyword
// values return a *ParseError.
func Parse(data []byte) (*Schema, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ParseError{Message: "not valid JSON: " + err.Error()}
	}
	return parseNode(raw, "")
}

// MustParse is Parse for schemas known valid at compile time, panicking on
// error. Intended for package-level schema variables.
func MustParse(data []byte) *Schema {
	s, err := Parse(data)
	if err != nil {
		panic(err)
	}
	return s
}

func parseNode(raw any, path string) (*Schema, error) {
	switch v := raw.(type) {
	case bool:
		b := v
		return &Schema{boolean: &b}, nil
	case map[string]any:
		return parseObject(v, path)
	default:
		return nil, &ParseError{Path: path, Message: fmt.Sprintf("schema must be an object or boolean, got %T", raw)}
	}
}

func parseObject(obj map[string]any, path string) (*Schema, error) {
	s := &Schema{}

	if t, ok := obj["type"]; ok {
		switch tv := t.(type) {
		case string:
			if !validTypeName(tv) {
				return nil, &ParseError{Path: path + "/type", Message: "unknown type " + tv}
			}
			s.Types = []string{tv}
		case []any:
			for _, el := range tv {
				name, ok := el.(string)
				if !ok || !validTypeName(name) {
					return nil, &ParseError{Path: path + "/type", Message: "type entries must be type names"}
				}
				s.Types = append(s.Types, name)
			}
		default:
			return nil, &ParseError{Path: path + "/type", Message: "type must be a string or array of strings"}
		}
	}

	var err error
	if s.MinLength, err = intKeyword(obj, "minLength", path); err != nil {
		return nil, err
	}
	if s.MaxLength, err = intKeyword(obj, "maxLength", path); err != nil {
		return nil, err
	}
	if p, ok := obj["pattern"]; ok {
		str, ok := p.(string)
		if !ok {
			return nil, &ParseError{Path: path + "/pattern", Message: "pattern must be a string"}
		}
		re, rerr := regexp.Compile(str)
		if rerr != nil {
			return nil, &ParseError{Path: path + "/pattern", Message: "invalid pattern: " + rerr.Error()}
		}
		s.Pattern = re
	}
	if f, ok := obj["format"]; ok {
		str, ok := f.(string)
		if !ok {
			return nil, &ParseError{Path: path + "/format", Message: "format must be a string"}
		}
		s.Format = str
	}

	if s.Minimum, err = numberKeyword(obj, "minimum", path); err != nil {
		return nil, err
	}
	if s.Maximum, err = numberKeyword(obj, "maximum", path); err != nil {
		return nil, err
	}
	if s.MultipleOf, err = numberKeyword(obj, "multipleOf", path); err != nil {
		return nil, err
	}
	if s.MultipleOf != nil && *s.MultipleOf <= 0 {
		return nil, &ParseError{Path: path + "/multipleOf", Message: "multipleOf must be positive"}
	}

	if s.MinItems, err = intKeyword(obj, "minItems", path); err != nil {
		return nil, err
	}
	if s.MaxItems, err = intKeyword(obj, "maxItems", path); err != nil {
		return nil, err
	}
	if items, ok := obj["items"]; ok {
		s.Items, err = parseNode(items, path+"/items")
		if err != nil {
			return nil, err
		}
	}

	if props, ok := obj["properties"]; ok {
		m, ok := props.(map[string]any)
		if !ok {
			return nil, &ParseError{Path: path + "/properties", Message: "properties must be an object"}
		}
		s.Properties = make(map[string]*Schema, len(m))
		for name, sub := range m {
			node, perr := parseNode(sub, path+"/properties/"+name)
			if perr != nil {
				return nil, perr
			}
			s.Properties[name] = node
		}
	}
	if req, ok := obj["required"]; ok {
		list, ok := req.([]any)
		if !ok {
			return nil, &ParseError{Path: path + "/required", Message: "required must be an array"}
		}
		for _, el := range list {
			name, ok := el.(string)
			if !ok {
				return nil, &ParseError{Path: path + "/required", Message: "required entries must be strings"}
			}
			s.Required = append(s.Required, name)
		}
	}
	if ap, ok := obj["additionalProperties"]; ok {
		switch av := ap.(type) {
		case bool:
			b := av
			s.AdditionalBool = &b
		default:
			s.AdditionalSchema, err = parseNode(av, path+"/additionalProperties")
			if err != nil {
				return nil, err
			}
		}
	}

	if enum, ok := obj["enum"]; ok {
		list, ok := enum.([]any)
		if !ok {
			return nil, &ParseError{Path: path + "/enum", Message: "enum must be an array"}
		}
		s.Enum = list
	}
	if c, ok := obj["const"]; ok {
		s.Const = c
		s.hasConst = true
	}

	if s.AllOf, err = schemaList(obj, "allOf", path); err != nil {
		return nil, err
	}
	if s.AnyOf, err = schemaList(obj, "anyOf", path); err != nil {
		return nil, err
	}
	if s.OneOf, err = schemaList(obj, "oneOf", path); err != nil {
		return nil, err
	}
	if not, ok := obj["not"]; ok {
		s.Not, err = parseNode(not, path+"/not")
		if err != nil {
			return nil, err
		}
	}

	return s, nil
}

func schemaList(obj map[string]any, keyword, path string) ([]*Schema, error) {
	raw, ok := obj[keyword]
	if !ok {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok || len(list) == 0 {
		return nil, &ParseError{Path: path + "/" + keyword, Message: keyword + " must be a non-empty array"}
	}
	out := make([]*Schema, 0, len(list))
	for i, el := range list {
		node, err := parseNode(el, fmt.Sprintf("%s/%s/%d", path, keyword, i))
		if err != nil {
			return nil, err
		}
		out = append(out, node)
	}
	return out, nil
}

func intKeyword(obj map[string]any, keyword, path string) (*int, error) {
	raw, ok := obj[keyword]
	if !ok {
		return nil, nil
	}
	num, ok := raw.(float64)
	if !ok || num != float64(int(num)) || num < 0 {
		return nil, &ParseError{Path: path + "/" + keyword, Message: keyword + " must be a non-negative integer"}
	}
	n := int(num)
	return &n, nil
}

func numberKeyword(obj map[string]any, keyword, path string) (*float64, error) {
	raw, ok := obj[keyword]
	if !ok {
		return nil, nil
	}
	num, ok := raw.(float64)
	if !ok {
		return nil, &ParseError{Path: path + "/" + keyword, Message: keyword + " must be a number"}
	}
	return &num, nil
}

func validTypeName(name string) bool {
	switch name {
	case "string", "number", "integer", "boolean", "object", "array", "null":
		return true
	default:
		return false
	}
}
