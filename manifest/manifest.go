// Package manifest reads batch manifests: a batch name, an optional budget
// and the articles to generate, written as YAML, TOML or JSON.
//
//	name: spring-coffee
//	budget: 4.50
//	defaults:
//	  site: coffee
//	  language: en
//	  target_word_count: 1200
//	jobs:
//	  - topic: Cold brew at home
//	  - topic: Pour-over ratios
//	    key: pour-over-2026
package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/teranos/quill/errors"
	"github.com/teranos/quill/pulse/async"
)

// Format is a manifest encoding
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
	FormatJSON Format = "json"
)

// Manifest is one batch submission
type Manifest struct {
	Name     string       `json:"name" yaml:"name" toml:"name"`
	Source   string       `json:"source,omitempty" yaml:"source" toml:"source"`
	Budget   *float64     `json:"budget,omitempty" yaml:"budget" toml:"budget"`
	Defaults async.Params `json:"defaults" yaml:"defaults" toml:"defaults"`
	Jobs     []Entry      `json:"jobs" yaml:"jobs" toml:"jobs"`
}

// Entry is one article. Empty fields inherit the manifest defaults; an empty
// key falls back to the derived idempotency key.
type Entry struct {
	async.Params `yaml:",inline"`
	Key          string `json:"key,omitempty" yaml:"key" toml:"key"`
}

// FormatFor picks the encoding from a file extension
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	case ".json":
		return FormatJSON, nil
	}
	return "", errors.NewInvalidRequestError("unsupported manifest extension %q (want .yaml, .yml, .toml or .json)", filepath.Ext(path))
}

// Load reads a manifest file. A missing name defaults to the file's base name.
func Load(path string) (*Manifest, error) {
	format, err := FormatFor(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read manifest %s", path)
	}
	m, err := Parse(data, format)
	if err != nil {
		return nil, errors.Wrapf(err, "manifest %s", path)
	}
	if m.Name == "" {
		m.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if m.Source == "" {
		m.Source = path
	}
	return m, nil
}

// Parse decodes a manifest and applies the defaults to every entry
func Parse(data []byte, format Format) (*Manifest, error) {
	var m Manifest
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, errors.Mark(errors.Wrap(err, "failed to parse YAML manifest"), errors.ErrInvalidRequest)
		}
	case FormatTOML:
		if _, err := toml.Decode(string(data), &m); err != nil {
			return nil, errors.Mark(errors.Wrap(err, "failed to parse TOML manifest"), errors.ErrInvalidRequest)
		}
	case FormatJSON:
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, errors.Mark(errors.Wrap(err, "failed to parse JSON manifest"), errors.ErrInvalidRequest)
		}
	default:
		return nil, errors.NewInvalidRequestError("unknown manifest format %q", format)
	}

	if len(m.Jobs) == 0 {
		return nil, errors.NewInvalidRequestError("manifest has no jobs")
	}
	for i := range m.Jobs {
		m.Jobs[i].Params = withDefaults(m.Jobs[i].Params, m.Defaults)
	}
	return &m, nil
}

func withDefaults(p, d async.Params) async.Params {
	if p.Site == "" {
		p.Site = d.Site
	}
	if p.Objective == "" {
		p.Objective = d.Objective
	}
	if p.TargetWordCount == 0 {
		p.TargetWordCount = d.TargetWordCount
	}
	if p.Language == "" {
		p.Language = d.Language
	}
	if p.Category == "" {
		p.Category = d.Category
	}
	return p
}

// Batch builds the batch record the manifest describes
func (m *Manifest) Batch() (*async.Batch, error) {
	return async.NewBatch(m.Name, m.Source, m.Budget)
}

// Submission splits the entries into the params and keys Queue.Submit takes.
// Keys are nil when no entry sets one.
func (m *Manifest) Submission() ([]async.Params, []string) {
	params := make([]async.Params, len(m.Jobs))
	keys := make([]string, len(m.Jobs))
	explicit := false
	for i, e := range m.Jobs {
		params[i] = e.Params
		keys[i] = strings.TrimSpace(e.Key)
		explicit = explicit || keys[i] != ""
	}
	if !explicit {
		return params, nil
	}
	return params, keys
}
