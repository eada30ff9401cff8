package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/quill/am"
	"github.com/teranos/quill/artifact"
	"github.com/teranos/quill/errors"
	"github.com/teranos/quill/gateway"
	qtest "github.com/teranos/quill/internal/testing"
	"github.com/teranos/quill/publish"
	"github.com/teranos/quill/pulse/async"
)

// fakeGenerator answers each stage with a canned payload or error
type fakeGenerator struct {
	mu      sync.Mutex
	replies map[string]string
	errs    map[string]error
	tasks   []gateway.Task
}

func (g *fakeGenerator) Generate(ctx context.Context, task gateway.Task) (*gateway.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tasks = append(g.tasks, task)
	if err, ok := g.errs[task.Stage]; ok {
		return nil, err
	}
	reply, ok := g.replies[task.Stage]
	if !ok {
		return nil, errors.Newf("no reply scripted for %s", task.Stage)
	}
	return &gateway.Result{Payload: json.RawMessage(reply), BackendID: "fake/model"}, nil
}

func (g *fakeGenerator) stages() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, len(g.tasks))
	for i, task := range g.tasks {
		names[i] = task.Stage
	}
	return names
}

func (g *fakeGenerator) task(stage string) *gateway.Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range g.tasks {
		if g.tasks[i].Stage == stage {
			return &g.tasks[i]
		}
	}
	return nil
}

type fakePublisher struct {
	articles []publish.Article
	err      error
}

func (p *fakePublisher) Publish(ctx context.Context, site am.SiteConfig, article publish.Article) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.articles = append(p.articles, article)
	return "https://coffee.test/" + article.Slug, nil
}

type fakeImages struct{ err error }

func (f fakeImages) GenerateImage(ctx context.Context, prompt ImagePrompt) (publish.Image, error) {
	if f.err != nil {
		return publish.Image{}, f.err
	}
	return publish.Image{URL: "https://img.test/" + strings.ReplaceAll(prompt.AltText, " ", "-") + ".png"}, nil
}

type progressLog struct {
	mu      sync.Mutex
	percent []int
}

func (p *progressLog) EmitStage(ctx context.Context, stage string, percent int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.percent = append(p.percent, percent)
}

func words(n int) string {
	return strings.TrimSpace(strings.Repeat("brew ", n))
}

func bodyHTML(n int) string {
	return "<h2>Why cold brew</h2><p>" + words(n) + "</p>"
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func happyReplies() map[string]string {
	body := bodyHTML(120)
	return map[string]string{
		StageBrief:               `{"summary":"How to make smooth cold brew coffee at home without special gear.","audience":"home baristas","search_intent":"informational","key_points":["ratio","time","filter"]}`,
		StageOutline:             `{"sections":[{"heading":"Why cold brew","level":2},{"heading":"Ratio","level":2},{"heading":"Steeping","level":3}]}`,
		StageKeywordPlan:         `{"primary":"cold brew","secondary":["cold brew ratio"],"language":"en"}`,
		StageMetaDescription:     `{"description":"Learn the cold brew ratio, steeping time and filtering tricks for smooth coffee at home."}`,
		StageTitleSlug:           `{"title":"Cold Brew at Home: A Complete Guide","slug":"cold-brew-at-home"}`,
		StageHeadingOptimization: `{"sections":[{"heading":"Why cold brew","level":2},{"heading":"Cold brew ratio","level":2},{"heading":"Steeping time","level":3}]}`,
		StageBody:                `{"html":` + jsonString(body) + `}`,
		StageInternalLinks:       `{"html":` + jsonString(body+`<p><a href="https://coffee.test/grinders">grinders</a></p>`) + `,"links":[{"url":"https://coffee.test/grinders","anchor":"grinders"}]}`,
		StageTags:                `{"tags":["coffee","cold brew","recipes"]}`,
		StageImagePrompts:        `{"prompts":[{"prompt":"A jar of cold brew on a kitchen counter","alt_text":"cold brew jar"}]}`,
		StageFAQ:                 `{"items":[{"question":"How long to steep?","answer":"Twelve to eighteen hours."},{"question":"Which grind?","answer":"Coarse, like sea salt."},{"question":"Hot or cold water?","answer":"Cold or room temperature."}]}`,
		StageQualityGate:         `{"passed":true,"score":88,"notes":"Clear and complete."}`,
	}
}

type runnerFixture struct {
	db        *sql.DB
	job       *async.Job
	gen       *fakeGenerator
	publisher *fakePublisher
	cfg       *am.Config
	runner    *Runner
	progress  *progressLog
}

func newRunnerFixture(t *testing.T, images ImageGenerator) *runnerFixture {
	t.Helper()
	db := qtest.CreateTestDB(t)
	q := async.NewQueue(db)
	batch, err := async.NewBatch("spring", "", nil)
	require.NoError(t, err)
	sub, err := q.Submit(context.Background(), batch, []async.Params{{
		Site: "coffee", Topic: "Cold brew", TargetWordCount: 100, Language: "en",
	}}, nil)
	require.NoError(t, err)

	cfg := &am.Config{Sites: map[string]am.SiteConfig{
		"coffee": {Name: "Coffee Corner", InternalLinks: []string{"https://coffee.test/grinders"}, ForbiddenTerms: []string{"instant coffee"}},
	}}
	gen := &fakeGenerator{replies: happyReplies(), errs: map[string]error{}}
	pub := &fakePublisher{}
	return &runnerFixture{
		db:        db,
		job:       sub.Jobs[0],
		gen:       gen,
		publisher: pub,
		cfg:       cfg,
		runner:    NewRunner(gen, artifact.NewStore(db), images, pub, cfg),
		progress:  &progressLog{},
	}
}

func (f *runnerFixture) execute() (string, error) {
	return f.runner.Execute(context.Background(), f.job, f.progress)
}

func (f *runnerFixture) latest(t *testing.T) map[string]artifact.Artifact {
	t.Helper()
	latest, err := artifact.NewStore(f.db).Latest(context.Background(), f.job.ID)
	require.NoError(t, err)
	return latest
}

func TestRunnerPublishesArticle(t *testing.T) {
	f := newRunnerFixture(t, fakeImages{})

	location, err := f.execute()
	require.NoError(t, err)
	assert.Equal(t, "https://coffee.test/cold-brew-at-home", location)

	// Then: every stage persisted an artifact
	latest := f.latest(t)
	for _, name := range Names() {
		assert.Contains(t, latest, name)
	}
	assert.JSONEq(t, `{"location":"https://coffee.test/cold-brew-at-home"}`, string(latest[StagePublish].Payload))

	// And: the article carries the linked body and every optional section
	require.Len(t, f.publisher.articles, 1)
	article := f.publisher.articles[0]
	assert.Equal(t, "Cold Brew at Home: A Complete Guide", article.Title)
	assert.Contains(t, article.BodyHTML, "coffee.test/grinders")
	assert.Equal(t, []string{"coffee", "cold brew", "recipes"}, article.Tags)
	assert.Len(t, article.FAQ, 3)
	require.Len(t, article.Images, 1)
	assert.Equal(t, "cold brew jar", article.Images[0].AltText)

	// And: progress climbs to 100
	assert.Equal(t, 100, f.progress.percent[len(f.progress.percent)-1])
	for i := 1; i < len(f.progress.percent); i++ {
		assert.GreaterOrEqual(t, f.progress.percent[i], f.progress.percent[i-1])
	}
}

func TestRunnerBuildsTasksFromEarlierArtifacts(t *testing.T) {
	f := newRunnerFixture(t, fakeImages{})
	_, err := f.execute()
	require.NoError(t, err)

	task := f.gen.task(StageTitleSlug)
	require.NotNil(t, task)
	assert.Equal(t, f.job.ID, task.JobID)
	assert.Equal(t, "cold brew", task.Vars["primary_keyword"])
	assert.Equal(t, "Cold brew", task.Vars["topic"])
	assert.NotNil(t, task.Contract)
	assert.Equal(t, Instruction(StageTitleSlug, nil), task.Instruction)

	// The FAQ sees the linked article, not the plain body
	faq := f.gen.task(StageFAQ)
	require.NotNil(t, faq)
	assert.Contains(t, faq.Vars["article_html"], "coffee.test/grinders")
}

func TestRunnerOptionalStagesSoftFail(t *testing.T) {
	// Given: no image generator and a failing internal links stage
	f := newRunnerFixture(t, nil)
	f.gen.errs[StageInternalLinks] = errors.Mark(errors.New("schema mismatch"), gateway.ErrValidationFailure)

	location, err := f.execute()
	require.NoError(t, err)
	assert.NotEmpty(t, location)

	// Then: the failed stages left no artifacts and later stages fell back
	latest := f.latest(t)
	assert.NotContains(t, latest, StageInternalLinks)
	assert.NotContains(t, latest, StageImageGeneration)

	article := f.publisher.articles[0]
	assert.NotContains(t, article.BodyHTML, "coffee.test/grinders")
	assert.Empty(t, article.Images)
	assert.Equal(t, 100, f.progress.percent[len(f.progress.percent)-1])
}

func TestRunnerMissingInternalLinksConfigSoftFails(t *testing.T) {
	f := newRunnerFixture(t, fakeImages{})
	site := f.cfg.Sites["coffee"]
	site.InternalLinks = nil
	f.cfg.Sites["coffee"] = site

	_, err := f.execute()
	require.NoError(t, err)
	assert.NotContains(t, f.gen.stages(), StageInternalLinks, "stage never reaches the model without link targets")
}

func TestRunnerRequiredStageFailureStopsRun(t *testing.T) {
	f := newRunnerFixture(t, fakeImages{})
	f.gen.errs[StageBody] = errors.Mark(errors.New("all backends exhausted"), gateway.ErrAllBackendsExhausted)

	_, err := f.execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage body")
	assert.True(t, errors.Is(err, gateway.ErrAllBackendsExhausted))

	stages := f.gen.stages()
	assert.Equal(t, StageBody, stages[len(stages)-1], "nothing runs after the failed stage")
	assert.Empty(t, f.publisher.articles)
	assert.NotContains(t, f.latest(t), StageBody)
}

func TestRunnerOptionalOverride(t *testing.T) {
	f := newRunnerFixture(t, fakeImages{})
	f.cfg.Pipeline.Optional = map[string]bool{StageInternalLinks: false}
	f.gen.errs[StageInternalLinks] = errors.New("model refused")

	_, err := f.execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage internal_links")
	assert.Empty(t, f.publisher.articles)
}

func TestRunnerQualityGate(t *testing.T) {
	t.Run("hard check downgrades a passing judgment", func(t *testing.T) {
		f := newRunnerFixture(t, fakeImages{})
		short := bodyHTML(20)
		f.gen.replies[StageBody] = `{"html":` + jsonString(short) + `}`
		f.gen.replies[StageInternalLinks] = `{"html":` + jsonString(short) + `,"links":[]}`

		_, err := f.execute()
		require.Error(t, err)
		assert.True(t, errors.Is(err, async.ErrQualityGateFailed))
		assert.Empty(t, f.publisher.articles)

		// The verdict is kept for inspection
		var verdict map[string]interface{}
		require.NoError(t, json.Unmarshal(f.latest(t)[StageQualityGate].Payload, &verdict))
		assert.Equal(t, false, verdict["passed"])
		assert.Contains(t, verdict["notes"], "word count")
	})

	t.Run("forbidden term", func(t *testing.T) {
		f := newRunnerFixture(t, fakeImages{})
		body := bodyHTML(120) + "<p>Better than Instant Coffee.</p>"
		f.gen.replies[StageInternalLinks] = `{"html":` + jsonString(body) + `,"links":[]}`

		_, err := f.execute()
		require.Error(t, err)
		assert.True(t, errors.Is(err, async.ErrQualityGateFailed))
	})

	t.Run("failed judgment stays failed", func(t *testing.T) {
		f := newRunnerFixture(t, fakeImages{})
		f.gen.replies[StageQualityGate] = `{"passed":false,"score":41,"notes":"Thin on detail."}`

		_, err := f.execute()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Thin on detail.")
		assert.Equal(t, async.ErrorCodeQualityGate, async.ClassifyError(StageQualityGate, err).Code)
	})
}

func TestRunnerPublishFailure(t *testing.T) {
	f := newRunnerFixture(t, fakeImages{})
	f.publisher.err = errors.New("webhook returned 502")

	_, err := f.execute()
	require.Error(t, err)
	assert.True(t, errors.Is(err, async.ErrPublishFailed))
	assert.NotContains(t, f.latest(t), StagePublish)
}

func TestRunnerUsesReloadedConfig(t *testing.T) {
	f := newRunnerFixture(t, fakeImages{})
	cfg := *f.cfg
	cfg.Pipeline.Instructions = map[string]string{StageBrief: "Brief for {{topic}}."}
	f.runner.UpdateConfig(&cfg)

	_, err := f.execute()
	require.NoError(t, err)
	assert.Equal(t, "Brief for {{topic}}.", f.gen.task(StageBrief).Instruction)
}
