// Package gateway turns a stage task into a validated JSON payload. It
// walks the stage's ranked backends, skips disabled provider families,
// rate-limits per family, validates the output against the stage contract
// and gives each backend exactly one deterministic repair attempt before
// falling back to the next. Every call is recorded as a usage event.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/quill/ai/provider"
	"github.com/teranos/quill/ai/tracker"
	"github.com/teranos/quill/am"
	"github.com/teranos/quill/errors"
	"github.com/teranos/quill/logger"
	"github.com/teranos/quill/pulse/budget"
	"github.com/teranos/quill/schema"
)

// Resolver maps backend ids to callable backends
type Resolver interface {
	Backend(id string) (provider.Backend, error)
}

// UsageRecorder persists usage events
type UsageRecorder interface {
	Record(ctx context.Context, event *tracker.UsageEvent) error
}

// Settings is the hot-reloadable part of the gateway configuration
type Settings struct {
	Backends          []string
	Stages            map[string][]string
	DisabledProviders []string
	SingleBackend     bool
	Preamble          string
	RateLimits        map[string]float64
	RateBurst         int
}

// SettingsFromConfig extracts gateway settings from the loaded configuration
func SettingsFromConfig(cfg *am.Config) Settings {
	return Settings{
		Backends:          cfg.Gateway.Backends,
		Stages:            cfg.Gateway.Stages,
		DisabledProviders: cfg.Gateway.DisabledProviders,
		SingleBackend:     cfg.Gateway.SingleBackend,
		Preamble:          cfg.Pipeline.Preamble,
		RateLimits:        cfg.Gateway.RateLimits,
		RateBurst:         cfg.Gateway.RateBurst,
	}
}

// Task is one stage generation request
type Task struct {
	Stage       string
	JobID       string
	Instruction string                 // Template rendered with Vars
	Vars        map[string]interface{} // Placeholder values
	Contract    *schema.Schema
}

// Result is a validated stage payload
type Result struct {
	Payload   json.RawMessage
	BackendID string
	Repaired  bool
}

// Gateway routes tasks to model backends
type Gateway struct {
	resolver Resolver
	usage    UsageRecorder
	limiter  *budget.Limiter
	logger   *zap.SugaredLogger

	mu       sync.RWMutex
	settings Settings
}

// New creates a gateway
func New(resolver Resolver, usage UsageRecorder, settings Settings) *Gateway {
	return &Gateway{
		resolver: resolver,
		usage:    usage,
		limiter:  budget.NewLimiter(settings.RateLimits, settings.RateBurst),
		logger:   logger.ComponentLogger("gateway"),
		settings: settings,
	}
}

// UpdateSettings swaps in reloaded settings; in-flight calls keep the old ones
func (g *Gateway) UpdateSettings(s Settings) {
	g.mu.Lock()
	g.settings = s
	g.mu.Unlock()
	g.limiter.Update(s.RateLimits, s.RateBurst)

	g.logger.Infow("Gateway settings reloaded",
		"disabled_providers", s.DisabledProviders,
		"single_backend", s.SingleBackend)
}

// Settings returns a copy of the current settings
func (g *Gateway) Settings() Settings {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.settings
}

// Candidates returns the backend ids Generate would try for a stage, in order
func (g *Gateway) Candidates(stage string) ([]string, error) {
	s := g.Settings()

	ranked := s.Backends
	if override, ok := s.Stages[stage]; ok && len(override) > 0 {
		ranked = override
	}

	disabled := make(map[string]bool, len(s.DisabledProviders))
	for _, p := range s.DisabledProviders {
		disabled[p] = true
	}

	var enabled []string
	for _, id := range ranked {
		if !disabled[provider.Family(id)] {
			enabled = append(enabled, id)
		}
	}
	if len(enabled) == 0 {
		return nil, errors.Mark(
			errors.Newf("no enabled backends for stage %s (ranked: %v, disabled: %v)", stage, ranked, s.DisabledProviders),
			ErrNoEnabledBackends)
	}
	if s.SingleBackend {
		enabled = enabled[:1]
	}
	return enabled, nil
}

// Generate produces a contract-valid payload for the task
func (g *Gateway) Generate(ctx context.Context, task Task) (*Result, error) {
	if task.Contract == nil {
		return nil, errors.NewInvalidRequestError("stage %s has no output contract", task.Stage)
	}

	candidates, err := g.Candidates(task.Stage)
	if err != nil {
		return nil, err
	}

	log := logger.FromContext(ctx, g.logger).With(logger.FieldStage, task.Stage)

	preamble := g.Settings().Preamble
	req := provider.Request{
		System:   Render(preamble, task.Vars),
		User:     Render(task.Instruction, task.Vars) + "\n\nRespond with a JSON object matching this schema:\n" + task.Contract.Text(),
		JSONMode: true,
	}

	var lastErr error
	for attempt, id := range candidates {
		result, err := g.tryBackend(ctx, log, task, id, req)
		if err == nil {
			return result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.Wrap(ctxErr, "generation cancelled")
		}
		lastErr = err
		log.Warnw("Backend failed, trying next",
			logger.FieldBackend, id,
			logger.FieldAttempt, attempt+1,
			logger.FieldError, err.Error())
	}

	return nil, errors.Mark(
		errors.Wrapf(lastErr, "all %d backends exhausted for stage %s", len(candidates), task.Stage),
		ErrAllBackendsExhausted)
}

// tryBackend makes the primary call and, on contract failure, one repair call
func (g *Gateway) tryBackend(ctx context.Context, log *zap.SugaredLogger, task Task, id string, req provider.Request) (*Result, error) {
	backend, err := g.resolver.Backend(id)
	if err != nil {
		return nil, errors.Mark(err, ErrBackendFailure)
	}

	text, err := g.call(ctx, log, task, backend, req, tracker.KindPrimary)
	if err == nil {
		payload, _ := schema.Extract(text)
		return &Result{Payload: payload, BackendID: id}, nil
	}
	if !errors.Is(err, ErrValidationFailure) {
		return nil, err
	}
	log.Infow("Output failed contract, repairing", logger.FieldBackend, id, logger.FieldError, err.Error())

	repairText, err := g.call(ctx, log, task, backend, repairRequest(task.Contract, text, err), tracker.KindRepair)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "repair failed"), ErrRepairFailed)
	}
	payload, _ := schema.Extract(repairText)
	return &Result{Payload: payload, BackendID: id, Repaired: true}, nil
}

// call invokes the backend once, checks the output against the contract and
// records the usage event. On a contract failure the raw text is returned
// alongside an ErrValidationFailure so the caller can repair it. Output
// that is not JSON at all is a backend failure and is never repaired.
func (g *Gateway) call(ctx context.Context, log *zap.SugaredLogger, task Task, backend provider.Backend, req provider.Request, kind tracker.Kind) (string, error) {
	if err := g.limiter.Wait(ctx, backend.Family()); err != nil {
		return "", errors.Mark(errors.Wrapf(err, "rate limit wait for %s", backend.ID()), ErrBackendFailure)
	}

	start := time.Now()
	resp, err := backend.Generate(ctx, req)
	latency := time.Since(start)

	event := &tracker.UsageEvent{
		JobID:     task.JobID,
		Stage:     task.Stage,
		BackendID: backend.ID(),
		Provider:  backend.Family(),
		LatencyMS: latency.Milliseconds(),
		Kind:      kind,
	}

	var text string
	var outErr error
	if err != nil {
		outErr = errors.Mark(err, ErrBackendFailure)
	} else {
		text = resp.Text
		event.InputTokens = resp.InputTokens
		event.OutputTokens = resp.OutputTokens
		if _, checkErr := task.Contract.Check(text); checkErr != nil {
			outErr = classifyCheck(checkErr)
		}
	}
	event.Success = outErr == nil
	if outErr != nil {
		event.Error = outErr.Error()
	}

	if recErr := g.usage.Record(ctx, event); recErr != nil {
		log.Warnw("Failed to record usage event", logger.FieldBackend, backend.ID(), logger.FieldError, recErr.Error())
	}

	log.Debugw("Backend call finished",
		logger.FieldBackend, backend.ID(),
		logger.FieldKind, string(kind),
		logger.FieldLatencyMS, latency.Milliseconds(),
		logger.FieldTokensIn, event.InputTokens,
		logger.FieldTokensOut, event.OutputTokens,
		"success", event.Success)

	return text, outErr
}

// classifyCheck marks rule violations for repair and anything unparseable
// as a backend failure
func classifyCheck(err error) error {
	var verr *schema.ValidationError
	if errors.As(err, &verr) {
		return errors.Mark(err, ErrValidationFailure)
	}
	return errors.Mark(err, ErrBackendFailure)
}

// repairRequest asks the same backend, at temperature zero, to fix its output
func repairRequest(contract *schema.Schema, invalid string, problem error) provider.Request {
	var b strings.Builder
	b.WriteString("The JSON below does not satisfy the schema.\n\nSchema:\n")
	b.WriteString(contract.Text())
	b.WriteString("\n\nInvalid output:\n")
	b.WriteString(invalid)
	b.WriteString("\n\nProblems:\n")

	var verr *schema.ValidationError
	if errors.As(problem, &verr) {
		for _, v := range verr.Violations {
			fmt.Fprintf(&b, "- %s\n", v.String())
		}
	} else {
		fmt.Fprintf(&b, "- %s\n", problem.Error())
	}
	b.WriteString("\nReturn the corrected JSON only.")

	return provider.Request{
		System:        "You repair JSON documents so they satisfy a JSON schema. Return corrected JSON only, with no commentary.",
		User:          b.String(),
		Deterministic: true,
		JSONMode:      true,
	}
}
