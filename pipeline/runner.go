package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/quill/am"
	"github.com/teranos/quill/artifact"
	"github.com/teranos/quill/errors"
	"github.com/teranos/quill/gateway"
	"github.com/teranos/quill/logger"
	"github.com/teranos/quill/publish"
	"github.com/teranos/quill/pulse/async"
	"github.com/teranos/quill/quality"
)

// ErrNoImageGenerator fails the image stage when no generator is wired
var ErrNoImageGenerator = errors.New("no image generator configured")

// Generator produces validated stage payloads
type Generator interface {
	Generate(ctx context.Context, task gateway.Task) (*gateway.Result, error)
}

// ArtifactStore persists stage outputs
type ArtifactStore interface {
	Append(ctx context.Context, jobID, stage string, payload json.RawMessage) (*artifact.Artifact, error)
}

// ImageGenerator turns one prompt into an image reference
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt ImagePrompt) (publish.Image, error)
}

// Runner executes the stage table for admitted jobs. It implements
// async.JobExecutor.
type Runner struct {
	gen       Generator
	artifacts ArtifactStore
	images    ImageGenerator
	publisher publish.Publisher
	stages    []Stage
	logger    *zap.SugaredLogger

	mu  sync.RWMutex
	cfg *am.Config
}

// NewRunner creates a runner. images may be nil: the image stage then
// fails, softly unless configured otherwise.
func NewRunner(gen Generator, artifacts ArtifactStore, images ImageGenerator, publisher publish.Publisher, cfg *am.Config) *Runner {
	return &Runner{
		gen:       gen,
		artifacts: artifacts,
		images:    images,
		publisher: publisher,
		stages:    Stages,
		logger:    logger.ComponentLogger("pipeline"),
		cfg:       cfg,
	}
}

// UpdateConfig swaps in a reloaded configuration for jobs admitted later
func (r *Runner) UpdateConfig(cfg *am.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
}

func (r *Runner) config() *am.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Execute runs every stage in order. A required stage failure ends the run
// with nothing published; an optional stage failure is logged and later
// stages fall back through their input sources.
func (r *Runner) Execute(ctx context.Context, job *async.Job, progress async.ProgressEmitter) (string, error) {
	cfg := r.config()
	site := cfg.Site(job.Params.Site)
	rc := newRunContext(job, site)
	log := logger.FromContext(ctx, r.logger).With(logger.FieldSite, job.Params.Site)

	total := len(r.stages)
	location := ""
	for i, st := range r.stages {
		progress.EmitStage(ctx, st.Name, i*100/total)
		start := time.Now()

		payload, err := r.runStage(ctx, cfg, rc, st)
		if err == nil {
			if _, appendErr := r.artifacts.Append(ctx, job.ID, st.Name, payload); appendErr != nil {
				return "", errors.Wrapf(appendErr, "stage %s: failed to persist artifact", st.Name)
			}
			rc.record(st.Name, payload)
			err = r.afterPersist(st, payload, &location)
		}

		if err != nil {
			if IsOptional(st, cfg.Pipeline.Optional) && !errors.Is(err, context.Canceled) {
				if errors.Is(err, ErrNoImageGenerator) {
					log.Debugw("Skipping stage, no image generator configured", logger.FieldStage, st.Name)
				} else {
					log.Warnw("Optional stage failed; continuing without it",
						logger.FieldStage, st.Name,
						logger.FieldError, err.Error())
				}
				progress.EmitStage(ctx, st.Name, (i+1)*100/total)
				continue
			}
			return "", errors.Wrapf(err, "stage %s", st.Name)
		}

		log.Debugw("Stage complete",
			logger.FieldStage, st.Name,
			logger.FieldDurationMS, time.Since(start).Milliseconds())
		progress.EmitStage(ctx, st.Name, (i+1)*100/total)
	}

	return location, nil
}

// afterPersist applies stage outcomes that only count once the artifact is
// durable: a failing verdict stops the run, a publication yields the location.
func (r *Runner) afterPersist(st Stage, payload json.RawMessage, location *string) error {
	switch st.Kind {
	case KindQuality:
		var v quality.Verdict
		if err := json.Unmarshal(payload, &v); err != nil {
			return errors.Wrap(err, "failed to decode verdict")
		}
		if !v.Passed {
			return errors.Mark(errors.Newf("quality gate failed (score %.0f): %s", v.Score, v.Notes), async.ErrQualityGateFailed)
		}
	case KindPublish:
		var p Publication
		if err := json.Unmarshal(payload, &p); err != nil {
			return errors.Wrap(err, "failed to decode publication")
		}
		*location = p.Location
	}
	return nil
}

func (r *Runner) runStage(ctx context.Context, cfg *am.Config, rc *runContext, st Stage) (json.RawMessage, error) {
	vars, err := rc.vars(st)
	if err != nil {
		return nil, err
	}

	switch st.Kind {
	case KindGenerate:
		return r.generate(ctx, cfg, rc, st, vars)
	case KindImages:
		return r.generateImages(ctx, rc)
	case KindQuality:
		return r.judge(ctx, cfg, rc, st, vars)
	case KindPublish:
		return r.publish(ctx, rc)
	}
	return nil, errors.Newf("stage %s has unknown kind %d", st.Name, st.Kind)
}

func (r *Runner) generate(ctx context.Context, cfg *am.Config, rc *runContext, st Stage, vars map[string]interface{}) (json.RawMessage, error) {
	contract, ok := Contract(st.Name)
	if !ok {
		return nil, errors.Newf("stage %s has no output contract", st.Name)
	}
	res, err := r.gen.Generate(ctx, gateway.Task{
		Stage:       st.Name,
		JobID:       rc.job.ID,
		Instruction: Instruction(st.Name, cfg.Pipeline.Instructions),
		Vars:        vars,
		Contract:    contract,
	})
	if err != nil {
		return nil, err
	}
	return res.Payload, nil
}

func (r *Runner) generateImages(ctx context.Context, rc *runContext) (json.RawMessage, error) {
	if r.images == nil {
		return nil, ErrNoImageGenerator
	}

	var prompts []ImagePrompt
	if _, err := rc.into(&prompts, "image_prompts.prompts"); err != nil {
		return nil, err
	}

	set := ImageSet{Images: make([]publish.Image, 0, len(prompts))}
	for i, p := range prompts {
		img, err := r.images.GenerateImage(ctx, p)
		if err != nil {
			return nil, errors.Wrapf(err, "image %d of %d", i+1, len(prompts))
		}
		if img.AltText == "" {
			img.AltText = p.AltText
		}
		set.Images = append(set.Images, img)
	}
	return json.Marshal(set)
}

// judge asks the model for its verdict and merges it with the hard checks.
// Hard check failures can only downgrade the model's verdict.
func (r *Runner) judge(ctx context.Context, cfg *am.Config, rc *runContext, st Stage, vars map[string]interface{}) (json.RawMessage, error) {
	raw, err := r.generate(ctx, cfg, rc, st, vars)
	if err != nil {
		return nil, err
	}
	var judgment Judgment
	if err := json.Unmarshal(raw, &judgment); err != nil {
		return nil, errors.Wrap(err, "failed to decode judgment")
	}

	report := quality.Evaluate(quality.Params{
		TargetWordCount: rc.job.Params.TargetWordCount,
		MinWordRatio:    cfg.Quality.MinWordRatio,
	}, rc.text(articleHTML...), rc.site.ForbiddenTerms)

	return json.Marshal(quality.Merge(report, judgment.quality()))
}

func (r *Runner) publish(ctx context.Context, rc *runContext) (json.RawMessage, error) {
	if r.publisher == nil {
		return nil, errors.Mark(errors.New("no publisher configured"), async.ErrPublishFailed)
	}

	p := rc.job.Params
	article := publish.Article{
		JobID:           rc.job.ID,
		Site:            p.Site,
		Language:        p.Language,
		Category:        p.Category,
		Title:           rc.text("title_slug.title"),
		Slug:            rc.text("title_slug.slug"),
		MetaDescription: rc.text("meta_description.description"),
		BodyHTML:        rc.text(articleHTML...),
	}

	var tags []string
	if _, err := rc.into(&tags, "tags.tags"); err != nil {
		return nil, err
	}
	article.Tags = tags

	var faq []FAQItem
	if _, err := rc.into(&faq, "faq.items"); err != nil {
		return nil, err
	}
	for _, item := range faq {
		article.FAQ = append(article.FAQ, publish.FAQ{Question: item.Question, Answer: item.Answer})
	}

	var images []publish.Image
	if _, err := rc.into(&images, "image_generation.images"); err != nil {
		return nil, err
	}
	article.Images = images

	location, err := r.publisher.Publish(ctx, rc.site, article)
	if err != nil {
		return nil, errors.Mark(err, async.ErrPublishFailed)
	}
	return json.Marshal(Publication{Location: location})
}
