// Package schema derives JSON schemas from typed result structs and checks
// model output against them.
//
// Rules are declared with jsonschema struct tags:
//
//	type TitleSlug struct {
//	    Title string `json:"title" jsonschema:"required,minLength=10,maxLength=70"`
//	    Slug  string `json:"slug" jsonschema:"required,pattern=^[a-z0-9]+(?:-[a-z0-9]+)*$"`
//	}
//
// Reflection is done with invopop/jsonschema; the reflected document is
// compiled once with gojsonschema, which does the validation.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/xeipuuv/gojsonschema"

	"github.com/teranos/quill/errors"
)

// ErrMalformed marks output that is not a JSON object at all
var ErrMalformed = errors.New("malformed JSON output")

// Schema is the compiled contract for one result type
type Schema struct {
	name     string
	text     string
	compiled *gojsonschema.Schema
}

// Violation is one failed rule. Rule is the validator's error type, e.g.
// "required", "pattern" or "invalid_type".
type Violation struct {
	Path    string `json:"path"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	if v.Path == "" {
		return v.Message
	}
	return v.Path + ": " + v.Message
}

var reflector = &jsonschema.Reflector{
	ExpandedStruct:             true,
	DoNotReference:             true,
	RequiredFromJSONSchemaTags: true,
	AllowAdditionalProperties:  true,
}

// For reflects the schema of v, which must be a struct or pointer to struct
func For(name string, v interface{}) *Schema {
	root := reflector.Reflect(v)
	root.Version = ""
	root.ID = ""
	root.Title = name

	text, err := json.Marshal(root)
	if err != nil {
		// Reflected schemas always marshal; a failure here is a programming error.
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}

	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(text))
	if err != nil {
		panic(fmt.Sprintf("schema %s: compile: %v", name, err))
	}

	return &Schema{
		name:     name,
		text:     string(text),
		compiled: compiled,
	}
}

// Name returns the contract name
func (s *Schema) Name() string { return s.name }

// Text returns the compact JSON schema, suitable for prompts
func (s *Schema) Text() string { return s.text }

// Validate checks a decoded JSON value and returns every violation found
func (s *Schema) Validate(payload interface{}) []Violation {
	result, err := s.compiled.Validate(gojsonschema.NewGoLoader(payload))
	if err != nil {
		return []Violation{{Rule: "document", Message: err.Error()}}
	}
	if result.Valid() {
		return nil
	}

	out := make([]Violation, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		out = append(out, toViolation(e))
	}
	return out
}

// Check parses text (see Extract), validates it and returns the raw object.
// Malformed output is marked ErrMalformed; rule failures are returned as a
// ValidationError.
func (s *Schema) Check(text string) (json.RawMessage, error) {
	raw, err := Extract(text)
	if err != nil {
		return nil, err
	}
	var payload interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to decode JSON output"), ErrMalformed)
	}
	if violations := s.Validate(payload); len(violations) > 0 {
		return raw, &ValidationError{Schema: s.name, Violations: violations}
	}
	return raw, nil
}

// ValidationError lists the violations of one payload
type ValidationError struct {
	Schema     string
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return fmt.Sprintf("%s output failed validation: %s", e.Schema, strings.Join(parts, "; "))
}

// Extract pulls the JSON object out of model text. Markdown code fences and
// prose around the object are tolerated.
func Extract(text string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```")
		if nl := strings.IndexByte(trimmed, '\n'); nl >= 0 {
			trimmed = trimmed[nl+1:]
		}
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	start := strings.IndexByte(trimmed, '{')
	end := strings.LastIndexByte(trimmed, '}')
	if start < 0 || end < start {
		return nil, errors.Mark(errors.New("no JSON object in output"), ErrMalformed)
	}
	candidate := []byte(trimmed[start : end+1])
	if !json.Valid(candidate) {
		return nil, errors.Mark(errors.New("output is not valid JSON"), ErrMalformed)
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, candidate); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to compact JSON output"), ErrMalformed)
	}
	return compact.Bytes(), nil
}

func toViolation(e gojsonschema.ResultError) Violation {
	path := instancePath(e.Field())
	message := e.Description()
	if e.Type() == "required" {
		if prop, ok := e.Details()["property"].(string); ok {
			if path != prop && !strings.HasSuffix(path, "."+prop) {
				path = join(path, prop)
			}
			message = "is required"
		}
	}
	return Violation{Path: path, Rule: e.Type(), Message: message}
}

// instancePath rewrites gojsonschema's "(root).headings.0.level" style
// field into "headings[0].level"
func instancePath(field string) string {
	field = strings.TrimPrefix(field, "(root)")
	field = strings.TrimPrefix(field, ".")
	if field == "" {
		return ""
	}

	var b strings.Builder
	for _, part := range strings.Split(field, ".") {
		if _, err := strconv.Atoi(part); err == nil {
			b.WriteString("[" + part + "]")
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(part)
	}
	return b.String()
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
