package schema

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/quill/errors"
)

type heading struct {
	Level int    `json:"level" jsonschema:"required,enum=2,enum=3"`
	Text  string `json:"text" jsonschema:"required,minLength=3"`
}

type sample struct {
	Title    string    `json:"title" jsonschema:"required,minLength=5,maxLength=20"`
	Slug     string    `json:"slug" jsonschema:"required,pattern=^[a-z0-9]+(?:-[a-z0-9]+)*$"`
	Intent   string    `json:"intent" jsonschema:"required,enum=informational,enum=commercial"`
	Tags     []string  `json:"tags" jsonschema:"required,minItems=2"`
	Headings []heading `json:"headings,omitempty"`
	Score    int       `json:"score,omitempty" jsonschema:"minimum=0"`
}

func decode(t *testing.T, s string) interface{} {
	t.Helper()
	var v interface{}
	require.NoError(t, json.Unmarshal([]byte(s), &v))
	return v
}

func TestValidate(t *testing.T) {
	s := For("sample", &sample{})

	t.Run("valid payload", func(t *testing.T) {
		v := decode(t, `{"title":"Hello world","slug":"hello-world","intent":"informational","tags":["a","b"],
			"headings":[{"level":2,"text":"Intro"}]}`)
		assert.Empty(t, s.Validate(v))
	})

	tests := []struct {
		name    string
		payload string
		path    string
		rule    string
	}{
		{"missing required", `{"slug":"a","intent":"commercial","tags":["a","b"]}`, "title", "required"},
		{"too short", `{"title":"Hi","slug":"a","intent":"commercial","tags":["a","b"]}`, "title", "string_gte"},
		{"too long", `{"title":"` + strings.Repeat("x", 21) + `","slug":"a","intent":"commercial","tags":["a","b"]}`, "title", "string_lte"},
		{"bad slug", `{"title":"Hello","slug":"Hello World","intent":"commercial","tags":["a","b"]}`, "slug", "pattern"},
		{"double dash slug", `{"title":"Hello","slug":"a--b","intent":"commercial","tags":["a","b"]}`, "slug", "pattern"},
		{"enum", `{"title":"Hello","slug":"a","intent":"navigational","tags":["a","b"]}`, "intent", "enum"},
		{"min items", `{"title":"Hello","slug":"a","intent":"commercial","tags":["a"]}`, "tags", "array_min_items"},
		{"wrong type", `{"title":5,"slug":"a","intent":"commercial","tags":["a","b"]}`, "title", "invalid_type"},
		{"nested enum", `{"title":"Hello","slug":"a","intent":"commercial","tags":["a","b"],"headings":[{"level":4,"text":"abc"}]}`, "headings[0].level", "enum"},
		{"enum is type strict", `{"title":"Hello","slug":"a","intent":"commercial","tags":["a","b"],"headings":[{"level":"2","text":"abc"}]}`, "headings[0].level", "invalid_type"},
		{"nested required", `{"title":"Hello","slug":"a","intent":"commercial","tags":["a","b"],"headings":[{"level":2}]}`, "headings[0].text", "required"},
		{"integer", `{"title":"Hello","slug":"a","intent":"commercial","tags":["a","b"],"score":1.5}`, "score", "invalid_type"},
		{"minimum", `{"title":"Hello","slug":"a","intent":"commercial","tags":["a","b"],"score":-1}`, "score", "number_gte"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			violations := s.Validate(decode(t, tt.payload))
			require.NotEmpty(t, violations)
			found := false
			for _, v := range violations {
				if v.Path == tt.path && v.Rule == tt.rule {
					found = true
				}
			}
			assert.True(t, found, "want %s %s in %v", tt.path, tt.rule, violations)
		})
	}

	t.Run("required names the missing property", func(t *testing.T) {
		violations := s.Validate(decode(t, `{"slug":"a","intent":"commercial","tags":["a","b"]}`))
		require.Len(t, violations, 1)
		assert.Equal(t, "title: is required", violations[0].String())
	})

	t.Run("root must be an object", func(t *testing.T) {
		violations := s.Validate(decode(t, `[1,2]`))
		require.Len(t, violations, 1)
		assert.Equal(t, "invalid_type", violations[0].Rule)
		assert.Empty(t, violations[0].Path)
	})
}

func TestInstancePath(t *testing.T) {
	assert.Equal(t, "", instancePath("(root)"))
	assert.Equal(t, "title", instancePath("title"))
	assert.Equal(t, "headings[0].level", instancePath("headings.0.level"))
	assert.Equal(t, "sections[2].items[1]", instancePath("(root).sections.2.items.1"))
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a": 1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\": 1}\n```", `{"a":1}`},
		{"bare fence", "```\n{\"a\": [1, 2]}\n```", `{"a":[1,2]}`},
		{"prose around", "Here you go:\n{\"a\": \"b\"}\nThanks", `{"a":"b"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := Extract(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(raw))
		})
	}

	for _, bad := range []string{"", "no json here", `{"a": }`, "} {"} {
		_, err := Extract(bad)
		assert.True(t, errors.Is(err, ErrMalformed), "%q", bad)
	}
}

func TestCheck(t *testing.T) {
	s := For("sample", &sample{})

	raw, err := s.Check("```json\n{\"title\":\"Hello\",\"slug\":\"a\",\"intent\":\"commercial\",\"tags\":[\"a\",\"b\"]}\n```")
	require.NoError(t, err)
	assert.True(t, json.Valid(raw))

	_, err = s.Check(`{"title":"Hello"}`)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "sample", verr.Schema)
	assert.Contains(t, err.Error(), "slug: is required")

	_, err = s.Check("not json")
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestText(t *testing.T) {
	s := For("sample", &sample{})
	assert.Equal(t, "sample", s.Name())

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(s.Text()), &doc))
	assert.Equal(t, "object", doc["type"])
	assert.Contains(t, doc["required"], "slug")
	assert.NotContains(t, s.Text(), "$ref", "nested types are inlined")
}
