package pipeline

import (
	"github.com/teranos/quill/publish"
	"github.com/teranos/quill/quality"
	"github.com/teranos/quill/schema"
)

// One result type per stage. The jsonschema tags are the stage's output
// contract: the gateway validates every model response against them and
// the repair request quotes the derived schema back to the model.

// Brief frames the article before anything is written
type Brief struct {
	Summary      string   `json:"summary" jsonschema:"required,minLength=40"`
	Audience     string   `json:"audience" jsonschema:"required,minLength=3"`
	SearchIntent string   `json:"search_intent" jsonschema:"required,enum=informational,enum=commercial,enum=transactional,enum=navigational"`
	KeyPoints    []string `json:"key_points" jsonschema:"required,minItems=3"`
}

// OutlineSection is one planned section
type OutlineSection struct {
	Heading string   `json:"heading" jsonschema:"required,minLength=3"`
	Level   int      `json:"level" jsonschema:"required,enum=2,enum=3"`
	Points  []string `json:"points,omitempty"`
}

// Outline is the section plan
type Outline struct {
	Sections []OutlineSection `json:"sections" jsonschema:"required,minItems=3"`
}

// KeywordPlan lists the search terms the article targets
type KeywordPlan struct {
	Primary   string   `json:"primary" jsonschema:"required,minLength=2"`
	Secondary []string `json:"secondary" jsonschema:"required,minItems=1"`
	Language  string   `json:"language" jsonschema:"required,enum=da,enum=de,enum=en,enum=es,enum=fi,enum=fr,enum=it,enum=nl,enum=no,enum=pl,enum=pt,enum=sv"`
}

// MetaDescription is the search snippet
type MetaDescription struct {
	Description string `json:"description" jsonschema:"required,minLength=50,maxLength=160"`
}

// TitleSlug is the article title and URL slug
type TitleSlug struct {
	Title string `json:"title" jsonschema:"required,minLength=10,maxLength=90"`
	Slug  string `json:"slug" jsonschema:"required,minLength=3,maxLength=80,pattern=^[a-z0-9]+(?:-[a-z0-9]+)*$"`
}

// Headings is the search-optimized heading list the body is written against
type Headings struct {
	Sections []OutlineSection `json:"sections" jsonschema:"required,minItems=3"`
}

// Body is the article HTML without a top-level heading
type Body struct {
	HTML string `json:"html" jsonschema:"required,minLength=200"`
}

// Link is one inserted internal link
type Link struct {
	URL    string `json:"url" jsonschema:"required,minLength=1"`
	Anchor string `json:"anchor" jsonschema:"required,minLength=1"`
}

// InternalLinks is the body with internal links woven in
type InternalLinks struct {
	HTML  string `json:"html" jsonschema:"required,minLength=200"`
	Links []Link `json:"links" jsonschema:"required"`
}

// Tags are the site taxonomy terms for the article
type Tags struct {
	Tags []string `json:"tags" jsonschema:"required,minItems=3,maxItems=10"`
}

// ImagePrompt describes one image to generate
type ImagePrompt struct {
	Prompt  string `json:"prompt" jsonschema:"required,minLength=10"`
	AltText string `json:"alt_text" jsonschema:"required,minLength=5"`
}

// ImagePrompts lists the images to generate
type ImagePrompts struct {
	Prompts []ImagePrompt `json:"prompts" jsonschema:"required,minItems=1,maxItems=4"`
}

// ImageSet is the image generation collaborator's output
type ImageSet struct {
	Images []publish.Image `json:"images"`
}

// FAQItem is one question and answer
type FAQItem struct {
	Question string `json:"question" jsonschema:"required,minLength=5"`
	Answer   string `json:"answer" jsonschema:"required,minLength=10"`
}

// FAQ is the article's question section
type FAQ struct {
	Items []FAQItem `json:"items" jsonschema:"required,minItems=3"`
}

// Judgment is the model's soft verdict on the finished draft
type Judgment struct {
	Passed bool    `json:"passed" jsonschema:"required"`
	Score  float64 `json:"score" jsonschema:"required,minimum=0,maximum=100"`
	Notes  string  `json:"notes" jsonschema:"required"`
}

func (j Judgment) quality() quality.Judgment {
	return quality.Judgment{Passed: j.Passed, Score: j.Score, Notes: j.Notes}
}

// Publication is the publish stage's record
type Publication struct {
	Location string `json:"location"`
}

// contracts maps every model-generated stage to its output schema
var contracts = map[string]*schema.Schema{
	StageBrief:               schema.For(StageBrief, &Brief{}),
	StageOutline:             schema.For(StageOutline, &Outline{}),
	StageKeywordPlan:         schema.For(StageKeywordPlan, &KeywordPlan{}),
	StageMetaDescription:     schema.For(StageMetaDescription, &MetaDescription{}),
	StageTitleSlug:           schema.For(StageTitleSlug, &TitleSlug{}),
	StageHeadingOptimization: schema.For(StageHeadingOptimization, &Headings{}),
	StageBody:                schema.For(StageBody, &Body{}),
	StageInternalLinks:       schema.For(StageInternalLinks, &InternalLinks{}),
	StageTags:                schema.For(StageTags, &Tags{}),
	StageImagePrompts:        schema.For(StageImagePrompts, &ImagePrompts{}),
	StageFAQ:                 schema.For(StageFAQ, &FAQ{}),
	StageQualityGate:         schema.For(StageQualityGate, &Judgment{}),
}

// Contract returns the output schema of a model-generated stage
func Contract(stage string) (*schema.Schema, bool) {
	s, ok := contracts[stage]
	return s, ok
}
