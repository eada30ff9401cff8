package async

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/quill/errors"
)

func validParams() Params {
	return Params{Site: " Coffee ", Topic: "Cold brew ratios", TargetWordCount: 1200, Language: "EN"}
}

func TestParamsValidate(t *testing.T) {
	p := validParams()
	require.NoError(t, p.Validate())
	assert.Equal(t, "coffee", p.Site, "site keys are normalized to lowercase")
	assert.Equal(t, "en", p.Language)

	tests := []struct {
		name   string
		mutate func(*Params)
		want   string
	}{
		{"missing site", func(p *Params) { p.Site = "" }, "site is required"},
		{"missing topic", func(p *Params) { p.Topic = "  " }, "topic is required"},
		{"missing language", func(p *Params) { p.Language = "" }, "language is required"},
		{"unsupported language", func(p *Params) { p.Language = "tlh" }, "unsupported language"},
		{"zero words", func(p *Params) { p.TargetWordCount = 0 }, "target_word_count must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validParams()
			tt.mutate(&p)
			err := p.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalidRequestError(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDefaultIdempotencyKey(t *testing.T) {
	a := Params{Site: "coffee", Topic: "Cold brew", Language: "en"}
	b := a
	b.TargetWordCount = 3000
	assert.Equal(t, DefaultIdempotencyKey(a), DefaultIdempotencyKey(b), "word count is not part of the identity")

	c := a
	c.Language = "nl"
	assert.NotEqual(t, DefaultIdempotencyKey(a), DefaultIdempotencyKey(c))
	assert.Len(t, DefaultIdempotencyKey(a), 64)
}

func TestNewJob(t *testing.T) {
	job, err := NewJob("batch-1", "", validParams())
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, JobStatusQueued, job.Status)
	assert.Equal(t, DefaultIdempotencyKey(job.Params), job.IdempotencyKey)

	job, err = NewJob("batch-1", "row-17", validParams())
	require.NoError(t, err)
	assert.Equal(t, "row-17", job.IdempotencyKey)

	_, err = NewJob("", "", validParams())
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestNewBatch(t *testing.T) {
	limit := 2.5
	b, err := NewBatch("October", "upload.csv", &limit)
	require.NoError(t, err)
	assert.Equal(t, BatchStatusCreated, b.Status)
	assert.Equal(t, 2.5, *b.BudgetLimit)

	negative := -1.0
	_, err = NewBatch("October", "", &negative)
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = NewBatch(" ", "", nil)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestStatusHelpers(t *testing.T) {
	assert.True(t, IsValidStatus("processing"))
	assert.False(t, IsValidStatus("running"))
	assert.True(t, JobStatusPublished.IsTerminal())
	assert.True(t, JobStatusFailed.IsTerminal())
	assert.False(t, JobStatusQueued.IsTerminal())
	assert.Equal(t, 6, JobCounts{Queued: 1, Processing: 2, Failed: 1, Published: 2}.Total())
}
