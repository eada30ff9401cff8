// Package pipeline drives one article job through the ordered stages,
// persisting each stage's validated output as an artifact before the next
// stage starts.
package pipeline

// Stage names in canonical order
const (
	StageBrief               = "brief"
	StageOutline             = "outline"
	StageKeywordPlan         = "keyword_plan"
	StageMetaDescription     = "meta_description"
	StageTitleSlug           = "title_slug"
	StageHeadingOptimization = "heading_optimization"
	StageBody                = "body"
	StageInternalLinks       = "internal_links"
	StageTags                = "tags"
	StageImagePrompts        = "image_prompts"
	StageImageGeneration     = "image_generation"
	StageFAQ                 = "faq"
	StageQualityGate         = "quality_gate"
	StagePublish             = "publish"
)

// Kind selects how a stage produces its artifact
type Kind int

const (
	KindGenerate Kind = iota // Model gateway with the stage contract
	KindImages               // Image generator collaborator
	KindQuality              // Model judgment merged with deterministic checks
	KindPublish              // Publisher collaborator
)

// Input is one named context value. Sources are tried in order and the
// first present one wins: "job.<param>", "site.<setting>", "<stage>" for a
// whole artifact or "<stage>.<field>" for one field of it.
type Input struct {
	Key      string
	Sources  []string
	Required bool
}

func in(key string, sources ...string) Input {
	return Input{Key: key, Sources: sources, Required: true}
}

func opt(key string, sources ...string) Input {
	return Input{Key: key, Sources: sources}
}

// Stage is one step's contract
type Stage struct {
	Name     string
	Kind     Kind
	Inputs   []Input
	Optional bool // Default; pipeline.optional overrides it
}

// articleHTML prefers the linked body and falls back to the plain one when
// internal linking soft-failed
var articleHTML = []string{"internal_links.html", "body.html"}

// Stages is the canonical stage table
var Stages = []Stage{
	{Name: StageBrief, Kind: KindGenerate},
	{Name: StageOutline, Kind: KindGenerate, Inputs: []Input{
		in("brief", "brief"),
	}},
	{Name: StageKeywordPlan, Kind: KindGenerate, Inputs: []Input{
		in("brief", "brief"),
		in("outline", "outline.sections"),
	}},
	{Name: StageMetaDescription, Kind: KindGenerate, Inputs: []Input{
		in("summary", "brief.summary"),
		in("primary_keyword", "keyword_plan.primary"),
	}},
	{Name: StageTitleSlug, Kind: KindGenerate, Inputs: []Input{
		in("summary", "brief.summary"),
		in("primary_keyword", "keyword_plan.primary"),
		in("meta_description", "meta_description.description"),
	}},
	{Name: StageHeadingOptimization, Kind: KindGenerate, Inputs: []Input{
		in("outline", "outline.sections"),
		in("keywords", "keyword_plan"),
		in("title", "title_slug.title"),
	}},
	{Name: StageBody, Kind: KindGenerate, Inputs: []Input{
		in("brief", "brief"),
		in("title", "title_slug.title"),
		in("headings", "heading_optimization.sections"),
		in("keywords", "keyword_plan"),
	}},
	{Name: StageInternalLinks, Kind: KindGenerate, Optional: true, Inputs: []Input{
		in("article_html", "body.html"),
		in("link_targets", "site.internal_links"),
	}},
	{Name: StageTags, Kind: KindGenerate, Inputs: []Input{
		in("title", "title_slug.title"),
		in("primary_keyword", "keyword_plan.primary"),
		in("article_html", articleHTML...),
	}},
	{Name: StageImagePrompts, Kind: KindGenerate, Inputs: []Input{
		in("title", "title_slug.title"),
		in("summary", "brief.summary"),
		in("headings", "heading_optimization.sections"),
	}},
	{Name: StageImageGeneration, Kind: KindImages, Optional: true, Inputs: []Input{
		in("prompts", "image_prompts.prompts"),
	}},
	{Name: StageFAQ, Kind: KindGenerate, Inputs: []Input{
		in("title", "title_slug.title"),
		in("keywords", "keyword_plan"),
		in("article_html", articleHTML...),
	}},
	{Name: StageQualityGate, Kind: KindQuality, Inputs: []Input{
		in("title", "title_slug.title"),
		in("meta_description", "meta_description.description"),
		in("article_html", articleHTML...),
	}},
	{Name: StagePublish, Kind: KindPublish, Inputs: []Input{
		in("title", "title_slug.title"),
		in("slug", "title_slug.slug"),
		in("meta_description", "meta_description.description"),
		in("article_html", articleHTML...),
		opt("tags", "tags.tags"),
		opt("faq", "faq.items"),
		opt("images", "image_generation.images"),
	}},
}

// Names returns the stage names in canonical order
func Names() []string {
	names := make([]string, len(Stages))
	for i, st := range Stages {
		names[i] = st.Name
	}
	return names
}

// Index returns a stage's position in the canonical order, or -1
func Index(name string) int {
	for i, st := range Stages {
		if st.Name == name {
			return i
		}
	}
	return -1
}

// neverOptional stages gate publication and cannot be configured to soft-fail
var neverOptional = map[string]bool{
	StageBody:        true,
	StageQualityGate: true,
	StagePublish:     true,
}

// IsOptional resolves a stage's soft-failure flag against configured overrides
func IsOptional(st Stage, overrides map[string]bool) bool {
	if neverOptional[st.Name] {
		return false
	}
	if v, ok := overrides[st.Name]; ok {
		return v
	}
	return st.Optional
}
