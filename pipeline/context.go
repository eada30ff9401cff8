package pipeline

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/teranos/quill/am"
	"github.com/teranos/quill/errors"
	"github.com/teranos/quill/pulse/async"
)

// ErrMissingInput marks a stage whose required input has no present source
var ErrMissingInput = errors.New("missing stage input")

// runContext is what one pipeline run has produced so far. Only artifacts
// persisted during this run are visible to later stages.
type runContext struct {
	job      *async.Job
	site     am.SiteConfig
	produced map[string]json.RawMessage
}

func newRunContext(job *async.Job, site am.SiteConfig) *runContext {
	return &runContext{job: job, site: site, produced: make(map[string]json.RawMessage)}
}

// base returns the job parameters and site settings every stage sees
func (rc *runContext) base() map[string]interface{} {
	p := rc.job.Params
	return map[string]interface{}{
		"job_id":            rc.job.ID,
		"topic":             p.Topic,
		"objective":         p.Objective,
		"target_word_count": p.TargetWordCount,
		"language":          p.Language,
		"category":          p.Category,
		"site":              p.Site,
		"site_name":         rc.site.Name,
	}
}

// vars assembles a stage's placeholder values
func (rc *runContext) vars(st Stage) (map[string]interface{}, error) {
	vars := rc.base()
	for _, input := range st.Inputs {
		v, ok := rc.resolve(input.Sources)
		if ok {
			vars[input.Key] = v
			continue
		}
		if input.Required {
			return nil, errors.Mark(
				errors.Newf("stage %s: no value for input %q (sources: %s)", st.Name, input.Key, strings.Join(input.Sources, ", ")),
				ErrMissingInput)
		}
	}
	return vars, nil
}

// resolve returns the value of the first present source
func (rc *runContext) resolve(sources []string) (interface{}, bool) {
	for _, src := range sources {
		if v, ok := rc.lookup(src); ok {
			return v, true
		}
	}
	return nil, false
}

func (rc *runContext) lookup(src string) (interface{}, bool) {
	scope, field, hasField := strings.Cut(src, ".")

	switch scope {
	case "job":
		v, ok := rc.base()[field]
		return v, ok && present(v)
	case "site":
		switch field {
		case "name":
			return rc.site.Name, rc.site.Name != ""
		case "internal_links":
			return rc.site.InternalLinks, len(rc.site.InternalLinks) > 0
		case "forbidden_terms":
			return rc.site.ForbiddenTerms, len(rc.site.ForbiddenTerms) > 0
		}
		return nil, false
	}

	raw, ok := rc.produced[scope]
	if !ok {
		return nil, false
	}
	if !hasField {
		return raw, true
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, false
	}
	value, ok := fields[field]
	if !ok {
		return nil, false
	}
	return decode(value)
}

// decode unwraps JSON strings so they render as plain text; everything
// else stays raw JSON. Null, empty strings and empty arrays are absent.
func decode(raw json.RawMessage) (interface{}, bool) {
	trimmed := bytes.TrimSpace(raw)
	switch {
	case len(trimmed) == 0, bytes.Equal(trimmed, []byte("null")), bytes.Equal(trimmed, []byte("[]")):
		return nil, false
	case trimmed[0] == '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, false
		}
		return s, strings.TrimSpace(s) != ""
	}
	return json.RawMessage(trimmed), true
}

func present(v interface{}) bool {
	switch t := v.(type) {
	case string:
		return t != ""
	case int:
		return t != 0
	}
	return v != nil
}

// record makes a persisted artifact visible to later stages
func (rc *runContext) record(stage string, payload json.RawMessage) {
	rc.produced[stage] = payload
}

// text resolves a string input
func (rc *runContext) text(sources ...string) string {
	v, ok := rc.resolve(sources)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// into decodes the first present source into out
func (rc *runContext) into(out interface{}, sources ...string) (bool, error) {
	v, ok := rc.resolve(sources)
	if !ok {
		return false, nil
	}
	var raw []byte
	switch t := v.(type) {
	case json.RawMessage:
		raw = t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return false, errors.Wrap(err, "failed to encode input")
		}
		raw = b
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, errors.Wrapf(err, "failed to decode input from %s", strings.Join(sources, ", "))
	}
	return true, nil
}
