package pipeline

import "strings"

// defaultInstructions are the built-in stage templates. pipeline.instructions
// replaces them per stage; placeholders name stage inputs and job parameters.
var defaultInstructions = map[string]string{
	StageBrief: `Write an editorial brief for an article about "{{topic}}".
Objective: {{objective}}
Category: {{category}}
Target length: {{target_word_count}} words.
Describe the audience, the search intent and at least three key points.`,

	StageOutline: `Plan the sections of the article described by this brief:
{{brief}}
Use level 2 headings for sections and level 3 for subsections. Never use level 1.`,

	StageKeywordPlan: `Choose the primary search keyword and supporting secondary keywords for this article.
Brief: {{brief}}
Sections: {{outline}}
Report the article language code as "language".`,

	StageMetaDescription: `Write a meta description of at most 160 characters.
Article summary: {{summary}}
It must contain the keyword "{{primary_keyword}}".`,

	StageTitleSlug: `Write the article title and a URL slug.
Summary: {{summary}}
Primary keyword: {{primary_keyword}}
Meta description: {{meta_description}}
The slug uses lowercase letters, digits and single hyphens only.`,

	StageHeadingOptimization: `Rewrite these section headings so they read naturally and cover the keywords.
Title: {{title}}
Sections: {{outline}}
Keywords: {{keywords}}
Keep the heading levels; never introduce a level 1 heading or skip a level.`,

	StageBody: `Write the article body as HTML for "{{title}}".
Brief: {{brief}}
Use exactly these headings, as h2 and h3 elements: {{headings}}
Keywords: {{keywords}}
Length: about {{target_word_count}} words. Do not include an h1; the title is rendered separately.`,

	StageInternalLinks: `Insert links to the most relevant of these pages into the article HTML, at most one per page:
{{link_targets}}
Change nothing else. Article:
{{article_html}}`,

	StageTags: `Choose between three and ten tags for the article "{{title}}" (primary keyword "{{primary_keyword}}").
Article:
{{article_html}}`,

	StageImagePrompts: `Describe up to four illustrations for the article "{{title}}".
Summary: {{summary}}
Sections: {{headings}}
Give each an image-generation prompt and alt text.`,

	StageFAQ: `Write at least three frequently asked questions with answers that the article "{{title}}" does not already answer.
Keywords: {{keywords}}
Article:
{{article_html}}`,

	StageQualityGate: `Review this article for accuracy, structure and readability and decide whether it can be published.
Title: {{title}}
Meta description: {{meta_description}}
Target length: {{target_word_count}} words.
Article:
{{article_html}}
Score it from 0 to 100 and explain your verdict in the notes.`,
}

// Instruction returns a stage's template, preferring a configured override
func Instruction(stage string, overrides map[string]string) string {
	if t, ok := overrides[stage]; ok && strings.TrimSpace(t) != "" {
		return t
	}
	return defaultInstructions[stage]
}
