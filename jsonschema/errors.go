package jsonschema

import "fmt"

// ValidationError reports the first constraint a value failed. Keyword names
// the failing schema keyword, Path locates the offending value inside the
// instance ("" for the root, "/a/0/b" style otherwise).
type ValidationError struct {
	Keyword string
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("schema violation (%s): %s", e.Keyword, e.Message)
	}
	return fmt.Sprintf("schema violation at %s (%s): %s", e.Path, e.Keyword, e.Message)
}

// ParseError reports a schema document that could not be compiled.
type ParseError struct {
	Path    string
	Message string
}

func (e *ParseError) Error() string {
	if e.Path == "" {
		return "invalid schema: " + e.Message
	}
	return "invalid schema at " + e.Path + ": " + e.Message
}
