// Package quality runs the deterministic article checks and merges them
// with the model's judgment into the final publish verdict.
package quality

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// DefaultMinWordRatio is the fraction of the target word count a body must reach
const DefaultMinWordRatio = 0.8

// Params are the job parameters the checks depend on
type Params struct {
	TargetWordCount int
	MinWordRatio    float64 // 0 = DefaultMinWordRatio
}

// Report is the outcome of the deterministic checks
type Report struct {
	Passed    bool     `json:"passed"`
	Errors    []string `json:"errors"`
	WordCount int      `json:"word_count"`
}

// Judgment is the model-scored half of the gate
type Judgment struct {
	Passed bool    `json:"passed"`
	Score  float64 `json:"score"`
	Notes  string  `json:"notes"`
}

// Verdict is the merged gate result
type Verdict struct {
	Passed    bool     `json:"passed"`
	Score     float64  `json:"score"`
	Notes     string   `json:"notes"`
	Errors    []string `json:"errors,omitempty"`
	WordCount int      `json:"word_count"`
}

// Evaluate runs every check independently and collects all failures
func Evaluate(params Params, bodyHTML string, forbiddenTerms []string) Report {
	doc := scan(bodyHTML)
	report := Report{WordCount: len(strings.Fields(doc.text)), Errors: []string{}}

	ratio := params.MinWordRatio
	if ratio <= 0 {
		ratio = DefaultMinWordRatio
	}
	if params.TargetWordCount > 0 {
		required := ratio * float64(params.TargetWordCount)
		if float64(report.WordCount) < required {
			report.Errors = append(report.Errors, fmt.Sprintf(
				"word count %d is below %.0f%% of target %d (need %d)",
				report.WordCount, ratio*100, params.TargetWordCount, int(required+0.5)))
		}
	}

	// The title is the page's level 1 heading, so the body starts at level 1.
	prev := 1
	for _, level := range doc.headings {
		if level == 1 {
			report.Errors = append(report.Errors, "heading hierarchy: body must not contain <h1>")
		} else if level > prev+1 {
			report.Errors = append(report.Errors, fmt.Sprintf("heading hierarchy: <h%d> follows <h%d>", level, prev))
		}
		prev = level
	}

	lowered := strings.ToLower(doc.text)
	for _, term := range forbiddenTerms {
		t := strings.ToLower(strings.TrimSpace(term))
		if t != "" && strings.Contains(lowered, t) {
			report.Errors = append(report.Errors, fmt.Sprintf("forbidden term %q found", term))
		}
	}

	report.Passed = len(report.Errors) == 0
	return report
}

// Merge combines the deterministic report with the model judgment. Hard
// failures force a failed verdict and are appended to the notes; a passing
// report never turns a failed judgment into a pass.
func Merge(report Report, judgment Judgment) Verdict {
	v := Verdict{
		Passed:    judgment.Passed && report.Passed,
		Score:     judgment.Score,
		Notes:     judgment.Notes,
		WordCount: report.WordCount,
	}
	if !report.Passed {
		v.Errors = append([]string(nil), report.Errors...)
		hard := "Hard checks failed: " + strings.Join(report.Errors, "; ")
		if strings.TrimSpace(v.Notes) == "" {
			v.Notes = hard
		} else {
			v.Notes = strings.TrimRight(v.Notes, "\n") + "\n" + hard
		}
	}
	return v
}

type scanned struct {
	text     string
	headings []int
}

// scan tokenizes the body, collecting visible text and heading levels in
// document order. Script and style contents are not text.
func scan(body string) scanned {
	var out scanned
	var text strings.Builder
	skip := 0

	z := html.NewTokenizer(strings.NewReader(body))
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			out.text = text.String()
			return out
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if level := headingLevel(tag); level > 0 {
				out.headings = append(out.headings, level)
			}
			if (tag == "script" || tag == "style") && tt == html.StartTagToken {
				skip++
			}
			if !inline[tag] {
				text.WriteByte(' ')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if (tag == "script" || tag == "style") && skip > 0 {
				skip--
			}
			if !inline[tag] {
				text.WriteByte(' ')
			}
		case html.TextToken:
			if skip == 0 {
				text.Write(z.Text())
			}
		}
	}
}

// inline tags do not separate words
var inline = map[string]bool{
	"a": true, "abbr": true, "b": true, "code": true, "em": true, "i": true,
	"mark": true, "small": true, "span": true, "strong": true, "sub": true, "sup": true, "u": true,
}

func headingLevel(tag string) int {
	if len(tag) == 2 && tag[0] == 'h' && tag[1] >= '1' && tag[1] <= '6' {
		return int(tag[1] - '0')
	}
	return 0
}
