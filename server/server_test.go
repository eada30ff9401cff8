package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/quill/ai/tracker"
	"github.com/teranos/quill/am"
	"github.com/teranos/quill/artifact"
	qtest "github.com/teranos/quill/internal/testing"
	"github.com/teranos/quill/pulse/async"
	"github.com/teranos/quill/pulse/budget"
)

type fixture struct {
	db      *sql.DB
	srv     *Server
	http    *httptest.Server
	sched   *async.Scheduler
	release chan struct{}
	once    sync.Once
}

// newFixture wires a server over an in-memory database. Jobs block in the
// executor until release is closed. The server logs to a no-op logger since
// connection pumps can outlive the test.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()
	db := qtest.CreateTestDB(t)

	f := &fixture{db: db, release: make(chan struct{})}
	exec := async.ExecutorFunc(func(ctx context.Context, job *async.Job, progress async.ProgressEmitter) (string, error) {
		progress.EmitStage(ctx, "brief", 10)
		<-f.release
		return "https://coffee.test/" + job.ID, nil
	})

	q := async.NewQueue(db)
	tr := budget.NewTracker(budget.NewStore(db), log)
	f.sched = async.NewScheduler(q, tr, exec, async.SchedulerConfig{
		Workers: 3, PollInterval: 20 * time.Millisecond, StopTimeout: 2 * time.Second,
	}, log)
	require.NoError(t, f.sched.Start(context.Background()))

	srv, err := New(Deps{
		Scheduler: f.sched,
		Artifacts: artifact.NewStore(db),
		Usage:     tracker.NewUsageTracker(db),
		Budget:    tr,
	}, am.ServerConfig{AllowedOrigins: []string{"https://studio.example"}}, zap.NewNop().Sugar())
	require.NoError(t, err)
	srv.Start()
	f.srv = srv
	f.http = httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		f.releaseJobs()
		f.http.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		f.sched.Stop()
	})
	return f
}

func (f *fixture) releaseJobs() {
	f.once.Do(func() { close(f.release) })
}

func (f *fixture) do(t *testing.T, method, path, contentType, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, f.http.URL+path, bytes.NewBufferString(body))
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	if resp.ContentLength != 0 {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

const batchJSON = `{
	"name": "spring",
	"defaults": {"site": "coffee", "language": "en", "target_word_count": 900},
	"jobs": [{"topic": "Cold brew"}, {"topic": "Moka pot", "key": "moka"}]
}`

func jobIDs(t *testing.T, body map[string]interface{}) []string {
	t.Helper()
	jobs, ok := body["jobs"].([]interface{})
	require.True(t, ok, "response has jobs: %v", body)
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.(map[string]interface{})["id"].(string)
	}
	return ids
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Deps{}, am.ServerConfig{}, nil)
	require.Error(t, err)
}

func TestCreateBatchIsIdempotentPerJob(t *testing.T) {
	f := newFixture(t)

	resp, first := f.do(t, http.MethodPost, "/api/batches", "application/json", batchJSON)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.EqualValues(t, 2, first["created"])

	// Nothing new: the existing jobs come back and no batch is created
	resp, second := f.do(t, http.MethodPost, "/api/batches", "application/json", batchJSON)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, second["created"])
	assert.Nil(t, second["batch"])
	assert.Equal(t, jobIDs(t, first), jobIDs(t, second))
}

func TestCreateBatchFromYAMLAndEnqueue(t *testing.T) {
	f := newFixture(t)
	f.releaseJobs()

	body := "name: yaml-batch\njobs:\n  - site: coffee\n    topic: Chai\n    language: en\n    target_word_count: 700\n"
	resp, sub := f.do(t, http.MethodPost, "/api/batches?enqueue=true", "application/yaml", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := jobIDs(t, sub)[0]

	require.Eventually(t, func() bool {
		_, job := f.do(t, http.MethodGet, "/api/jobs/"+id, "", "")
		return job["status"] == string(async.JobStatusPublished)
	}, 3*time.Second, 20*time.Millisecond)

	_, job := f.do(t, http.MethodGet, "/api/jobs/"+id, "", "")
	assert.Equal(t, "https://coffee.test/"+id, job["published_location"])
}

func TestCreateBatchRejectsBadInput(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name        string
		contentType string
		body        string
		path        string
	}{
		{"no jobs", "application/json", `{"name":"empty","jobs":[]}`, "/api/batches"},
		{"unsupported language", "application/json", `{"name":"x","jobs":[{"site":"coffee","topic":"t","language":"xx","target_word_count":1}]}`, "/api/batches"},
		{"missing name", "application/json", `{"jobs":[{"site":"coffee","topic":"t","language":"en","target_word_count":1}]}`, "/api/batches"},
		{"malformed", "application/json", `{"name":`, "/api/batches"},
		{"unsupported content type", "text/csv", "site,topic", "/api/batches"},
		{"bad enqueue flag", "application/json", batchJSON, "/api/batches?enqueue=maybe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodPost, tt.path, tt.contentType, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}

	// Nothing was persisted
	_, list := f.do(t, http.MethodGet, "/api/batches", "", "")
	assert.Empty(t, list["batches"])
}

func TestBatchDetail(t *testing.T) {
	f := newFixture(t)

	_, sub := f.do(t, http.MethodPost, "/api/batches", "application/json",
		`{"name":"capped","budget":2.5,"jobs":[{"site":"coffee","topic":"Cortado","language":"en","target_word_count":600}]}`)
	batchID := sub["batch"].(map[string]interface{})["id"].(string)

	resp, detail := f.do(t, http.MethodGet, "/api/batches/"+batchID, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, detail["counts"].(map[string]interface{})["queued"])
	status := detail["budget"].(map[string]interface{})
	assert.EqualValues(t, 2.5, status["limit"])
	assert.Equal(t, true, status["within_budget"])
	assert.Empty(t, detail["cost_breakdown"])

	resp, jobs := f.do(t, http.MethodGet, "/api/batches/"+batchID+"/jobs?status=queued", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, jobs["jobs"], 1)

	resp, _ = f.do(t, http.MethodGet, "/api/batches/"+batchID+"/jobs?status=done", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/batches/missing", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpdateBudget(t *testing.T) {
	f := newFixture(t)
	_, sub := f.do(t, http.MethodPost, "/api/batches", "application/json", batchJSON)
	batchID := sub["batch"].(map[string]interface{})["id"].(string)

	resp, status := f.do(t, http.MethodPatch, "/api/batches/"+batchID+"/budget", "application/json", `{"budget_limit": 5}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 5, status["limit"])

	resp, status = f.do(t, http.MethodPatch, "/api/batches/"+batchID+"/budget", "application/json", `{"budget_limit": null}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, status, "limit")

	resp, _ = f.do(t, http.MethodPatch, "/api/batches/"+batchID+"/budget", "application/json", `{"budget_limit": -1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPatch, "/api/batches/missing/budget", "application/json", `{"budget_limit": 1}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRaisedBudgetResumesBatch(t *testing.T) {
	f := newFixture(t)
	f.releaseJobs()

	// Given: a batch with a zero limit is halted at admission
	_, sub := f.do(t, http.MethodPost, "/api/batches?enqueue=true", "application/json",
		`{"name":"zero","budget":0,"jobs":[{"site":"coffee","topic":"Flat white","language":"en","target_word_count":600}]}`)
	batchID := sub["batch"].(map[string]interface{})["id"].(string)
	jobID := jobIDs(t, sub)[0]

	require.Eventually(t, func() bool {
		_, b := f.do(t, http.MethodGet, "/api/batches/"+batchID, "", "")
		return b["batch"].(map[string]interface{})["status"] == string(async.BatchStatusBudgetExceeded)
	}, 2*time.Second, 20*time.Millisecond)

	// When: the limit is removed
	resp, _ := f.do(t, http.MethodPatch, "/api/batches/"+batchID+"/budget", "application/json", `{"budget_limit": null}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Then: the job runs to completion
	require.Eventually(t, func() bool {
		_, job := f.do(t, http.MethodGet, "/api/jobs/"+jobID, "", "")
		return job["status"] == string(async.JobStatusPublished)
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRetry(t *testing.T) {
	f := newFixture(t)
	_, sub := f.do(t, http.MethodPost, "/api/batches", "application/json", batchJSON)
	id := jobIDs(t, sub)[0]

	// Retrying a queued job is a no-op
	resp, job := f.do(t, http.MethodPost, "/api/jobs/"+id+"/retry", "", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, string(async.JobStatusQueued), job["status"])

	// Once it publishes, retry is a conflict
	f.releaseJobs()
	require.Eventually(t, func() bool {
		_, j := f.do(t, http.MethodGet, "/api/jobs/"+id, "", "")
		return j["status"] == string(async.JobStatusPublished)
	}, 3*time.Second, 20*time.Millisecond)
	resp, _ = f.do(t, http.MethodPost, "/api/jobs/"+id+"/retry", "", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/jobs/missing/retry", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJobArtifactsAndUsage(t *testing.T) {
	f := newFixture(t)
	_, sub := f.do(t, http.MethodPost, "/api/batches", "application/json", batchJSON)
	id := jobIDs(t, sub)[0]
	ctx := context.Background()

	store := artifact.NewStore(f.db)
	_, err := store.Append(ctx, id, "brief", json.RawMessage(`{"v":1}`))
	require.NoError(t, err)
	_, err = store.Append(ctx, id, "outline", json.RawMessage(`{"sections":[]}`))
	require.NoError(t, err)
	_, err = store.Append(ctx, id, "brief", json.RawMessage(`{"v":2}`))
	require.NoError(t, err)
	require.NoError(t, tracker.NewUsageTracker(f.db).Record(ctx, &tracker.UsageEvent{
		JobID: id, Stage: "brief", BackendID: "openrouter/test-model", Provider: "openrouter",
		InputTokens: 100, OutputTokens: 50, Success: true,
	}))

	_, all := f.do(t, http.MethodGet, "/api/jobs/"+id+"/artifacts", "", "")
	assert.Len(t, all["artifacts"], 3)

	_, latest := f.do(t, http.MethodGet, "/api/jobs/"+id+"/artifacts?latest=true", "", "")
	items := latest["artifacts"].([]interface{})
	require.Len(t, items, 2)
	assert.Equal(t, "outline", items[0].(map[string]interface{})["stage"])
	assert.EqualValues(t, 2, items[1].(map[string]interface{})["revision"])

	_, briefs := f.do(t, http.MethodGet, "/api/jobs/"+id+"/artifacts?stage=brief", "", "")
	assert.Len(t, briefs["artifacts"], 2)

	_, usage := f.do(t, http.MethodGet, "/api/jobs/"+id+"/usage", "", "")
	events := usage["usage"].([]interface{})
	require.Len(t, events, 1)
	assert.Equal(t, "openrouter/test-model", events[0].(map[string]interface{})["backend_id"])

	resp, _ := f.do(t, http.MethodGet, "/api/jobs/missing/artifacts", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSystemEndpoints(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, budget.NewStore(f.db).UpsertProfile(context.Background(), budget.Profile{
		Key: "openrouter/test-model", InputPerMillion: 1, OutputPerMillion: 2, Active: true,
	}))

	resp, health := f.do(t, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", health["status"])

	resp, sched := f.do(t, http.MethodGet, "/api/scheduler", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 3, sched["limit"])

	_, pricing := f.do(t, http.MethodGet, "/api/pricing", "", "")
	assert.Len(t, pricing["profiles"], 1)

	resp, _ = f.do(t, http.MethodDelete, "/api/pricing", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestCORS(t *testing.T) {
	f := newFixture(t)

	request := func(method, origin string) *http.Response {
		req, err := http.NewRequest(method, f.http.URL+"/healthz", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", origin)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	resp := request(http.MethodGet, "https://studio.example")
	assert.Equal(t, "https://studio.example", resp.Header.Get("Access-Control-Allow-Origin"))

	resp = request(http.MethodGet, "https://evil.example")
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))

	resp = request(http.MethodOptions, "https://studio.example")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "PATCH")
}

func dialJobs(t *testing.T, f *fixture, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws/jobs"
	return websocket.DefaultDialer.Dial(wsURL, header)
}

func TestJobStream(t *testing.T) {
	f := newFixture(t)

	conn, _, err := dialJobs(t, f, "")
	require.NoError(t, err)
	defer conn.Close()

	// Given: the hello snapshot arrives first
	var hello HelloMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "hello", hello.Type)
	assert.Equal(t, 3, hello.Scheduler.Limit)

	require.Eventually(t, func() bool { return f.srv.clientCount() == 1 }, time.Second, 10*time.Millisecond)

	// When: a batch is submitted
	_, sub := f.do(t, http.MethodPost, "/api/batches", "application/json", batchJSON)
	ids := jobIDs(t, sub)

	// Then: its jobs are streamed
	var update JobUpdateMessage
	require.NoError(t, conn.ReadJSON(&update))
	assert.Equal(t, "job_update", update.Type)
	assert.Contains(t, ids, update.Job.ID)

	// And: disconnecting unregisters the client
	conn.Close()
	require.Eventually(t, func() bool { return f.srv.clientCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestJobStreamRejectsForeignOrigin(t *testing.T) {
	f := newFixture(t)

	_, resp, err := dialJobs(t, f, "https://evil.example")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
