package gateway

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRender(t *testing.T) {
	vars := map[string]interface{}{
		"topic":   "Cold brew",
		"words":   1200,
		"outline": map[string]interface{}{"sections": []string{"Intro", "Method"}},
		"tags":    []string{"coffee", "summer"},
		"raw":     json.RawMessage(`{"a":1}`),
		"loop":    "{{topic}}",
	}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"string", "Write about {{topic}}.", "Write about Cold brew."},
		{"spaces inside braces", "{{ topic }}", "Cold brew"},
		{"number", "{{words}} words", "1200 words"},
		{"object as compact JSON", "{{outline}}", `{"sections":["Intro","Method"]}`},
		{"slice as compact JSON", "{{tags}}", `["coffee","summer"]`},
		{"raw JSON", "{{raw}}", `{"a":1}`},
		{"unknown left intact", "{{missing}} and {{topic}}", "{{missing}} and Cold brew"},
		{"single pass", "{{loop}}", "{{topic}}"},
		{"no placeholders", "plain", "plain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Render(tt.in, vars))
		})
	}
}
