package jsonschema

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"unicode/utf8"
)

// Validate checks a decoded JSON value (the result of json.Unmarshal into
// any) against the schema. It returns nil on success or a *ValidationError
// describing the first violated constraint. Evaluation is fail-fast per
// schema node, but composition operators evaluate every branch before
// reporting so oneOf can tell zero matches from multiple.
func (s *Schema) Validate(value any) error {
	return s.validate(value, "")
}

// ValidateJSON decodes raw JSON and validates the result. Empty input is
// treated as an empty object, matching how tool calls with omitted
// arguments are interpreted.
func (s *Schema) ValidateJSON(raw []byte) error {
	if len(raw) == 0 {
		return s.validate(map[string]any{}, "")
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return &ValidationError{Keyword: "syntax", Message: "not valid JSON: " + err.Error()}
	}
	return s.validate(value, "")
}

func (s *Schema) validate(value any, path string) error {
	if s.boolean != nil {
		if *s.boolean {
			return nil
		}
		return &ValidationError{Keyword: "false", Path: path, Message: "schema accepts nothing"}
	}

	if len(s.Types) > 0 {
		if err := s.checkType(value, path); err != nil {
			return err
		}
	}
	if s.hasConst {
		if !jsonEqual(value, s.Const) {
			return &ValidationError{Keyword: "const", Path: path, Message: fmt.Sprintf("value must equal %s", encode(s.Const))}
		}
	}
	if s.Enum != nil {
		found := false
		for _, allowed := range s.Enum {
			if jsonEqual(value, allowed) {
				found = true
				break
			}
		}
		if !found {
			return &ValidationError{Keyword: "enum", Path: path, Message: "value is not one of the allowed values"}
		}
	}

	switch v := value.(type) {
	case string:
		if err := s.checkString(v, path); err != nil {
			return err
		}
	case float64:
		if err := s.checkNumber(v, path); err != nil {
			return err
		}
	case []any:
		if err := s.checkArray(v, path); err != nil {
			return err
		}
	case map[string]any:
		if err := s.checkObject(v, path); err != nil {
			return err
		}
	}

	return s.checkComposition(value, path)
}

func (s *Schema) checkType(value any, path string) error {
	actual := typeName(value)
	for _, allowed := range s.Types {
		if allowed == actual {
			return nil
		}
		// integer is number with no fractional part
		if allowed == "integer" && actual == "number" {
			if n, ok := value.(float64); ok && n == math.Trunc(n) {
				return nil
			}
		}
	}
	return &ValidationError{Keyword: "type", Path: path, Message: fmt.Sprintf("expected %v, got %s", s.Types, actual)}
}

func (s *Schema) checkString(v string, path string) error {
	length := utf8.RuneCountInString(v)
	if s.MinLength != nil && length < *s.MinLength {
		return &ValidationError{Keyword: "minLength", Path: path, Message: fmt.Sprintf("length %d is less than minimum %d", length, *s.MinLength)}
	}
	if s.MaxLength != nil && length > *s.MaxLength {
		return &ValidationError{Keyword: "maxLength", Path: path, Message: fmt.Sprintf("length %d exceeds maximum %d", length, *s.MaxLength)}
	}
	// Unanchored substring semantics, per the JSON Schema spec.
	if s.Pattern != nil && !s.Pattern.MatchString(v) {
		return &ValidationError{Keyword: "pattern", Path: path, Message: fmt.Sprintf("value does not match pattern %q", s.Pattern.String())}
	}
	return nil
}

const multipleOfTolerance = 1e-9

func (s *Schema) checkNumber(v float64, path string) error {
	if s.Minimum != nil && v < *s.Minimum {
		return &ValidationError{Keyword: "minimum", Path: path, Message: fmt.Sprintf("%v is less than minimum %v", v, *s.Minimum)}
	}
	if s.Maximum != nil && v > *s.Maximum {
		return &ValidationError{Keyword: "maximum", Path: path, Message: fmt.Sprintf("%v exceeds maximum %v", v, *s.Maximum)}
	}
	if s.MultipleOf != nil {
		div := v / *s.MultipleOf
		if math.Abs(div-math.Round(div)) > multipleOfTolerance {
			return &ValidationError{Keyword: "multipleOf", Path: path, Message: fmt.Sprintf("%v is not a multiple of %v", v, *s.MultipleOf)}
		}
	}
	return nil
}

func (s *Schema) checkArray(v []any, path string) error {
	if s.MinItems != nil && len(v) < *s.MinItems {
		return &ValidationError{Keyword: "minItems", Path: path, Message: fmt.Sprintf("%d items is fewer than minimum %d", len(v), *s.MinItems)}
	}
	if s.MaxItems != nil && len(v) > *s.MaxItems {
		return &ValidationError{Keyword: "maxItems", Path: path, Message: fmt.Sprintf("%d items exceeds maximum %d", len(v), *s.MaxItems)}
	}
	if s.Items != nil {
		for i, el := range v {
			if err := s.Items.validate(el, path+"/"+strconv.Itoa(i)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Schema) checkObject(v map[string]any, path string) error {
	for _, name := range s.Required {
		if _, ok := v[name]; !ok {
			return &ValidationError{Keyword: "required", Path: path, Message: "missing required property " + strconv.Quote(name)}
		}
	}
	for name, sub := range s.Properties {
		val, ok := v[name]
		if !ok {
			continue
		}
		if err := sub.validate(val, path+"/"+name); err != nil {
			return err
		}
	}
	if s.AdditionalBool != nil && !*s.AdditionalBool {
		for name := range v {
			if _, declared := s.Properties[name]; !declared {
				return &ValidationError{Keyword: "additionalProperties", Path: path, Message: "unexpected property " + strconv.Quote(name)}
			}
		}
	}
	if s.AdditionalSchema != nil {
		for name, val := range v {
			if _, declared := s.Properties[name]; declared {
				continue
			}
			if err := s.AdditionalSchema.validate(val, path+"/"+name); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Schema) checkComposition(value any, path string) error {
	for i, branch := range s.AllOf {
		if err := branch.validate(value, path); err != nil {
			return &ValidationError{Keyword: "allOf", Path: path, Message: fmt.Sprintf("branch %d failed: %v", i, err)}
		}
	}
	if s.AnyOf != nil {
		matched := false
		for _, branch := range s.AnyOf {
			if branch.validate(value, path) == nil {
				matched = true
				break
			}
		}
		if !matched {
			return &ValidationError{Keyword: "anyOf", Path: path, Message: "value matches no branch"}
		}
	}
	if s.OneOf != nil {
		// Every branch must be evaluated so zero matches and multiple
		// matches report differently.
		matches := 0
		for _, branch := range s.OneOf {
			if branch.validate(value, path) == nil {
				matches++
			}
		}
		if matches == 0 {
			return &ValidationError{Keyword: "oneOf", Path: path, Message: "value matches no branch"}
		}
		if matches > 1 {
			return &ValidationError{Keyword: "oneOf", Path: path, Message: fmt.Sprintf("value matches %d branches, expected exactly one", matches)}
		}
	}
	if s.Not != nil {
		if s.Not.validate(value, path) == nil {
			return &ValidationError{Keyword: "not", Path: path, Message: "value matches the forbidden schema"}
		}
	}
	return nil
}

func typeName(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", value)
	}
}

// jsonEqual compares two decoded JSON values structurally. Both sides come
// from json.Unmarshal so numbers are float64 and DeepEqual is sound.
func jsonEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

func encode(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
