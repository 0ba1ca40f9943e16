package kernel

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/aulerun/internal/core/domain"
	"github.com/manthysbr/aulerun/internal/core/ports"
	"github.com/manthysbr/aulerun/internal/core/services"
)

var t0 = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

type fakeJobs struct {
	mu        sync.Mutex
	jobs      map[domain.JobID]domain.Job
	submitted []services.SubmitRequest
	submitErr error
}

func newFakeJobs(jobs ...domain.Job) *fakeJobs {
	f := &fakeJobs{jobs: make(map[domain.JobID]domain.Job)}
	for _, j := range jobs {
		f.jobs[j.ID] = j
	}
	return f
}

func (f *fakeJobs) Submit(_ context.Context, req services.SubmitRequest) (domain.JobID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, req)
	id := domain.JobID(fmt.Sprintf("job-%d", len(f.submitted)))
	f.jobs[id] = domain.Job{ID: id, Prompt: req.Prompt, Priority: req.Priority, State: domain.JobPending, CreatedAt: t0}
	return id, nil
}

func (f *fakeJobs) Cancel(_ context.Context, id domain.JobID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if !j.State.Terminal() {
		j.State = domain.JobCancelled
		j.CancelRequested = true
		f.jobs[id] = j
	}
	return nil
}

func (f *fakeJobs) Snapshot(_ context.Context, id domain.JobID) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("snapshot %s: %w", id, domain.ErrJobNotFound)
	}
	return j, nil
}

func (f *fakeJobs) List() []domain.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Job
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out
}

type fakeHistory struct {
	ports.JobRepository
	jobs []domain.Job
}

func (h fakeHistory) ListJobs(_ context.Context, limit int) ([]domain.Job, error) {
	return h.jobs[:min(limit, len(h.jobs))], nil
}

type fakeEvents struct {
	events []domain.JobEvent
}

func (f fakeEvents) SaveJobEvent(context.Context, domain.JobEvent) error { return nil }

func (f fakeEvents) ListJobEvents(_ context.Context, id domain.JobID, after uint64) ([]domain.JobEvent, error) {
	var out []domain.JobEvent
	for _, ev := range f.events {
		if ev.JobID == id && ev.Seq > after {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f fakeEvents) LastEventSeq(_ context.Context, id domain.JobID) (uint64, error) {
	var last uint64
	for _, ev := range f.events {
		if ev.JobID == id && ev.Seq > last {
			last = ev.Seq
		}
	}
	return last, nil
}

type mockFailures struct {
	mock.Mock
}

func (m *mockFailures) BrokenTools(ctx context.Context, threshold int) ([]domain.ToolFailureRecord, error) {
	args := m.Called(ctx, threshold)
	recs, _ := args.Get(0).([]domain.ToolFailureRecord)
	return recs, args.Error(1)
}

func (m *mockFailures) Get(ctx context.Context, tool string) (domain.ToolFailureRecord, error) {
	args := m.Called(ctx, tool)
	return args.Get(0).(domain.ToolFailureRecord), args.Error(1)
}

func (m *mockFailures) MarkRepaired(ctx context.Context, tool string) error {
	return m.Called(ctx, tool).Error(0)
}

func (m *mockFailures) RecordRepairAttempt(ctx context.Context, tool, build string) error {
	return m.Called(ctx, tool, build).Error(0)
}

type auditFunc func(ports.AuditFilter) ([]domain.AuditEntry, error)

func (f auditFunc) Query(_ context.Context, filter ports.AuditFilter) ([]domain.AuditEntry, error) {
	return f(filter)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func status(state domain.JobState) json.RawMessage {
	raw, _ := json.Marshal(domain.StatusPayload{State: state})
	return raw
}

func newTestServer(deps Deps) http.Handler {
	if deps.Bus == nil {
		deps.Bus = services.NewEventBus(quietLogger())
	}
	return NewServer(quietLogger(), deps).Handler()
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestServer_SubmitAndGet(t *testing.T) {
	jobs := newFakeJobs()
	h := newTestServer(Deps{Jobs: jobs})

	w := do(t, h, http.MethodPost, "/v1/jobs", `{"prompt":"weather in Oslo","priority":"high","creator":{"channel":"slack","user_id":"u1"}}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var created submitJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, domain.JobID("job-1"), created.ID)
	assert.Equal(t, domain.JobPending, created.State)

	require.Len(t, jobs.submitted, 1)
	assert.Equal(t, domain.PriorityHigh, jobs.submitted[0].Priority)
	assert.Equal(t, "slack", jobs.submitted[0].Creator.Channel)

	w = do(t, h, http.MethodGet, "/v1/jobs/job-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var job domain.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, "weather in Oslo", job.Prompt)

	w = do(t, h, http.MethodGet, "/v1/jobs/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"job not found"}`, w.Body.String())
}

func TestServer_SubmitErrors(t *testing.T) {
	jobs := newFakeJobs()
	h := newTestServer(Deps{Jobs: jobs})

	w := do(t, h, http.MethodPost, "/v1/jobs", `{"prompt":"x","priority":"urgent"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/v1/jobs", `{"prompt":"x","image":"alpine"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "unknown fields are rejected")

	jobs.submitErr = domain.NewError(domain.KindCapacityExceeded, "", fmt.Errorf("pending queue full (10)"))
	w = do(t, h, http.MethodPost, "/v1/jobs", `{"prompt":"x"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.JSONEq(t, `{"error":"the runtime is at capacity, try again later","kind":"capacity_exceeded"}`, w.Body.String())

	jobs.submitErr = fmt.Errorf("disk on fire")
	w = do(t, h, http.MethodPost, "/v1/jobs", `{"prompt":"x"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "disk")
}

func TestServer_ListJobsMergesHistory(t *testing.T) {
	jobs := newFakeJobs(
		domain.Job{ID: "live", State: domain.JobInProgress, CreatedAt: t0.Add(2 * time.Minute)},
	)
	history := fakeHistory{jobs: []domain.Job{
		{ID: "live", State: domain.JobPending, CreatedAt: t0.Add(2 * time.Minute)},
		{ID: "old", State: domain.JobCompleted, CreatedAt: t0},
		{ID: "mid", State: domain.JobFailed, CreatedAt: t0.Add(time.Minute)},
	}}
	h := newTestServer(Deps{Jobs: jobs, History: history})

	w := do(t, h, http.MethodGet, "/v1/jobs?limit=10", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp listJobsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 3, resp.Count)
	assert.Equal(t, domain.JobID("live"), resp.Jobs[0].ID)
	assert.Equal(t, domain.JobInProgress, resp.Jobs[0].State, "memory wins over history")
	assert.Equal(t, domain.JobID("mid"), resp.Jobs[1].ID)

	w = do(t, h, http.MethodGet, "/v1/jobs?state=COMPLETED", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, domain.JobID("old"), resp.Jobs[0].ID)

	w = do(t, h, http.MethodGet, "/v1/jobs?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, h, http.MethodGet, "/v1/jobs?limit=many", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_CancelIsIdempotent(t *testing.T) {
	jobs := newFakeJobs(
		domain.Job{ID: "run", State: domain.JobInProgress},
		domain.Job{ID: "done", State: domain.JobCompleted},
	)
	h := newTestServer(Deps{Jobs: jobs})

	w := do(t, h, http.MethodPost, "/v1/jobs/run/cancel", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	var job domain.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.True(t, job.CancelRequested)

	w = do(t, h, http.MethodPost, "/v1/jobs/done/cancel", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, domain.JobCompleted, job.State)

	w = do(t, h, http.MethodPost, "/v1/jobs/ghost/cancel", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

type sseEvent struct {
	id, kind, data string
}

func readSSE(t *testing.T, body io.Reader) []sseEvent {
	t.Helper()
	var (
		out []sseEvent
		cur sseEvent
	)
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur.kind != "" {
				out = append(out, cur)
			}
			cur = sseEvent{}
		case strings.HasPrefix(line, "id: "):
			cur.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.kind = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	return out
}

func TestServer_EventsReplayFinishedJob(t *testing.T) {
	jobs := newFakeJobs(domain.Job{ID: "job-1", State: domain.JobCompleted})
	events := fakeEvents{events: []domain.JobEvent{
		{JobID: "job-1", Seq: 1, Kind: domain.EventStatus, Payload: status(domain.JobInProgress)},
		{JobID: "job-1", Seq: 2, Kind: domain.EventResult, Payload: json.RawMessage(`{"answer":"3C"}`)},
		{JobID: "job-1", Seq: 3, Kind: domain.EventStatus, Payload: status(domain.JobCompleted)},
	}}
	srv := httptest.NewServer(newTestServer(Deps{Jobs: jobs, Events: events}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/jobs/job-1/events?after=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	got := readSSE(t, resp.Body)
	require.Len(t, got, 2)
	assert.Equal(t, sseEvent{id: "2", kind: "result", data: `{"answer":"3C"}`}, got[0])
	assert.Equal(t, "3", got[1].id)
}

func TestServer_EventsLiveUntilTerminal(t *testing.T) {
	jobs := newFakeJobs(domain.Job{ID: "job-1", State: domain.JobInProgress})
	bus := services.NewEventBus(quietLogger())
	events := fakeEvents{events: []domain.JobEvent{
		{JobID: "job-1", Seq: 1, Kind: domain.EventStatus, Payload: status(domain.JobInProgress)},
	}}
	srv := httptest.NewServer(newTestServer(Deps{Jobs: jobs, Bus: bus, Events: events, Heartbeat: time.Hour}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/jobs/job-1/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Eventually(t, func() bool { return bus.SubscriberCount("job-1") == 1 }, 2*time.Second, 5*time.Millisecond)
	// Seq 1 arrives both from history and live; it is sent once.
	bus.Publish(domain.JobEvent{JobID: "job-1", Seq: 1, Kind: domain.EventStatus, Payload: status(domain.JobInProgress)})
	bus.Publish(domain.JobEvent{JobID: "job-1", Seq: 2, Kind: domain.EventStreamChunk, Payload: json.RawMessage(`{"text":"It is"}`)})
	bus.Publish(domain.JobEvent{JobID: "job-1", Seq: 3, Kind: domain.EventStatus, Payload: status(domain.JobCompleted)})

	got := readSSE(t, resp.Body)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"1", "2", "3"}, []string{got[0].id, got[1].id, got[2].id})
	assert.Equal(t, "stream_chunk", got[1].kind)
}

func TestServer_EventsUnknownJob(t *testing.T) {
	h := newTestServer(Deps{Jobs: newFakeJobs()})
	w := do(t, h, http.MethodGet, "/v1/jobs/ghost/events", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_ToolsAndFailures(t *testing.T) {
	reg := domain.NewToolRegistry()
	require.NoError(t, reg.Register(domain.ToolManifest{Name: "current_time", Kind: domain.ToolBuiltin}))
	failures := new(mockFailures)
	rec := domain.ToolFailureRecord{ToolName: "scraper", ErrorMessage: "tool failed", ErrorCount: 4, FirstFailure: t0, LastFailure: t0}

	failures.On("BrokenTools", mock.Anything, 3).Return([]domain.ToolFailureRecord{rec}, nil)
	failures.On("BrokenTools", mock.Anything, 10).Return(nil, nil)
	failures.On("RecordRepairAttempt", mock.Anything, "scraper", "build: missing export").Return(nil)
	failures.On("MarkRepaired", mock.Anything, "scraper").Return(nil)
	failures.On("MarkRepaired", mock.Anything, "ghost").Return(domain.ErrFailureNotFound)
	failures.On("Get", mock.Anything, "scraper").Return(rec, nil)

	h := newTestServer(Deps{Jobs: newFakeJobs(), Tools: reg, Failures: failures})

	w := do(t, h, http.MethodGet, "/v1/tools", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"current_time"`)

	w = do(t, h, http.MethodGet, "/v1/tools/failures", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list listFailuresResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 3, list.Threshold)
	require.Len(t, list.Failures, 1)

	w = do(t, h, http.MethodGet, "/v1/tools/failures?threshold=10", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"failures":[],"threshold":10}`, w.Body.String())

	w = do(t, h, http.MethodPost, "/v1/tools/scraper/repair", `{"repaired":false,"build_result":"build: missing export"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(t, h, http.MethodPost, "/v1/tools/scraper/repair", `{"repaired":true}`)
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(t, h, http.MethodPost, "/v1/tools/ghost/repair", `{"repaired":true}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	failures.AssertExpectations(t)
}

func TestServer_AuditFilters(t *testing.T) {
	var got ports.AuditFilter
	audit := auditFunc(func(f ports.AuditFilter) ([]domain.AuditEntry, error) {
		got = f
		return []domain.AuditEntry{{ID: "a1", ToolName: "weather", Security: true, Timestamp: t0}}, nil
	})
	h := newTestServer(Deps{Jobs: newFakeJobs(), Audit: audit})

	w := do(t, h, http.MethodGet, "/v1/audit?job_id=job-1&tool=weather&security=true&since=2026-05-01T10:00:00Z&limit=5", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, ports.AuditFilter{JobID: "job-1", ToolName: "weather", SecurityOnly: true, Since: t0, Limit: 5}, got)

	var resp listAuditResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)

	w = do(t, h, http.MethodGet, "/v1/audit?security=maybe", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
