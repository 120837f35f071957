package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kscalelabs/kodachrome/internal/db/repository"
	"github.com/kscalelabs/kodachrome/internal/orchestrator"
	"github.com/kscalelabs/kodachrome/internal/policy"
	"github.com/kscalelabs/kodachrome/model"
	"github.com/stretchr/testify/require"
)

type fakeEvaluator struct {
	mu        sync.Mutex
	jobs      map[uuid.UUID]model.Job
	order     []uuid.UUID
	submitErr error
	waitCalls int
	lastReq   model.JobRequest
}

func newFakeEvaluator() *fakeEvaluator {
	return &fakeEvaluator{jobs: map[uuid.UUID]model.Job{}}
}

func (f *fakeEvaluator) add(status model.JobStatus) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.Must(uuid.NewV7())
	f.jobs[id] = model.Job{ID: id, Status: status, Request: model.JobRequest{Subject: "walker", Profile: "p"}}
	f.order = append(f.order, id)
	return id
}

func (f *fakeEvaluator) Submit(_ context.Context, req model.JobRequest) (uuid.UUID, error) {
	f.mu.Lock()
	f.lastReq = req
	err := f.submitErr
	f.mu.Unlock()
	if err != nil {
		return uuid.Nil, err
	}
	if req.Subject == "" {
		return uuid.Nil, fmt.Errorf("%w: subject is empty", orchestrator.ErrInvalidRequest)
	}
	return f.add(model.JobQueued), nil
}

func (f *fakeEvaluator) Status(id uuid.UUID) (model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return model.Job{}, orchestrator.ErrNotFound
	}
	return j, nil
}

// Cancel finishes queued jobs at once and leaves running ones running until Wait.
func (f *fakeEvaluator) Cancel(_ context.Context, id uuid.UUID) (model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return model.Job{}, orchestrator.ErrNotFound
	}
	if j.Status == model.JobQueued {
		j.Status = model.JobCancelled
		f.jobs[id] = j
	}
	return j, nil
}

func (f *fakeEvaluator) Wait(_ context.Context, id uuid.UUID) (model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waitCalls++
	j := f.jobs[id]
	j.Status = model.JobCancelled
	f.jobs[id] = j
	return j, nil
}

func (f *fakeEvaluator) List() []model.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Job, 0, len(f.order))
	for _, id := range f.order {
		if j, ok := f.jobs[id]; ok {
			out = append(out, j)
		}
	}
	return out
}

func (f *fakeEvaluator) Evict(id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return orchestrator.ErrNotFound
	}
	if !j.Status.IsTerminal() {
		return orchestrator.ErrNotTerminal
	}
	delete(f.jobs, id)
	return nil
}

func (f *fakeEvaluator) Capacity() (int, int) { return 2, 1 }

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestSubmit(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		submitErr  error
		wantStatus int
	}{
		{"accepted", `{"subject":"walker","profile":"walking_and_standing_unittest"}`, nil, http.StatusAccepted},
		{"malformed json", `{"subject":`, nil, http.StatusBadRequest},
		{"unknown field", `{"subject":"walker","nope":1}`, nil, http.StatusBadRequest},
		{"invalid request", `{"profile":"p"}`, nil, http.StatusBadRequest},
		{"queue full", `{"subject":"walker"}`, orchestrator.ErrQueueFull, http.StatusServiceUnavailable},
		{"shut down", `{"subject":"walker"}`, orchestrator.ErrClosed, http.StatusServiceUnavailable},
		{"unexpected", `{"subject":"walker"}`, fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := newFakeEvaluator()
			ev.submitErr = tt.submitErr
			h := NewServer(ev).Router()

			rec := do(t, h, http.MethodPost, "/eval", tt.body)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantStatus == http.StatusAccepted {
				job := decode[model.Job](t, rec)
				require.Equal(t, model.JobQueued, job.Status)
				require.Equal(t, "/eval/"+job.ID.String(), rec.Header().Get("Location"))
			}
		})
	}
}

func TestSubmitIdempotencyKeyHeader(t *testing.T) {
	ev := newFakeEvaluator()
	h := NewServer(ev).Router()

	req := httptest.NewRequest(http.MethodPost, "/eval", strings.NewReader(`{"subject":"walker"}`))
	req.Header.Set("Idempotency-Key", "abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "abc", ev.lastReq.IdempotencyKey)
}

func TestStatus(t *testing.T) {
	ev := newFakeEvaluator()
	id := ev.add(model.JobRunning)
	h := NewServer(ev).Router()

	tests := []struct {
		name       string
		target     string
		wantStatus int
	}{
		{"known", "/eval/" + id.String(), http.StatusOK},
		{"unknown", "/eval/" + uuid.NewString(), http.StatusNotFound},
		{"malformed id", "/eval/not-a-uuid", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, tt.target, "")
			require.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK {
				require.Equal(t, model.JobRunning, decode[model.Job](t, rec).Status)
			}
		})
	}
}

func TestList(t *testing.T) {
	ev := newFakeEvaluator()
	a := ev.add(model.JobSucceeded)
	b := ev.add(model.JobRunning)
	c := ev.add(model.JobSucceeded)
	h := NewServer(ev).Router()

	rec := do(t, h, http.MethodGet, "/eval", "")
	require.Equal(t, http.StatusOK, rec.Code)
	jobs := decode[[]model.Job](t, rec)
	require.Len(t, jobs, 3)
	require.Equal(t, []uuid.UUID{a, b, c}, []uuid.UUID{jobs[0].ID, jobs[1].ID, jobs[2].ID})

	rec = do(t, h, http.MethodGet, "/eval?status=SUCCEEDED", "")
	jobs = decode[[]model.Job](t, rec)
	require.Len(t, jobs, 2)
	require.Equal(t, a, jobs[0].ID)
	require.Equal(t, c, jobs[1].ID)
}

func TestCancel(t *testing.T) {
	t.Run("queued job", func(t *testing.T) {
		ev := newFakeEvaluator()
		id := ev.add(model.JobQueued)
		rec := do(t, NewServer(ev).Router(), http.MethodPost, "/eval/"+id.String()+"/cancel", "")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, model.JobCancelled, decode[model.Job](t, rec).Status)
		require.Zero(t, ev.waitCalls)
	})

	t.Run("running job without wait", func(t *testing.T) {
		ev := newFakeEvaluator()
		id := ev.add(model.JobRunning)
		rec := do(t, NewServer(ev).Router(), http.MethodPost, "/eval/"+id.String()+"/cancel", "")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, model.JobRunning, decode[model.Job](t, rec).Status)
		require.Zero(t, ev.waitCalls)
	})

	t.Run("running job with wait", func(t *testing.T) {
		ev := newFakeEvaluator()
		id := ev.add(model.JobRunning)
		rec := do(t, NewServer(ev).Router(), http.MethodPost, "/eval/"+id.String()+"/cancel?wait=true", "")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, model.JobCancelled, decode[model.Job](t, rec).Status)
		require.Equal(t, 1, ev.waitCalls)
	})

	t.Run("bad wait flag", func(t *testing.T) {
		ev := newFakeEvaluator()
		id := ev.add(model.JobRunning)
		rec := do(t, NewServer(ev).Router(), http.MethodPost, "/eval/"+id.String()+"/cancel?wait=maybe", "")
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown job", func(t *testing.T) {
		rec := do(t, NewServer(newFakeEvaluator()).Router(), http.MethodPost, "/eval/"+uuid.NewString()+"/cancel", "")
		require.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestEvict(t *testing.T) {
	ev := newFakeEvaluator()
	done := ev.add(model.JobFailed)
	running := ev.add(model.JobRunning)
	h := NewServer(ev).Router()

	tests := []struct {
		name       string
		id         string
		wantStatus int
	}{
		{"terminal job", done.String(), http.StatusNoContent},
		{"already evicted", done.String(), http.StatusNotFound},
		{"running job", running.String(), http.StatusConflict},
		{"malformed id", "x", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodDelete, "/eval/"+tt.id, "")
			require.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestHealth(t *testing.T) {
	rec := do(t, NewServer(newFakeEvaluator()).Router(), http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, HealthResponse{Status: "ok", MaxConcurrency: 2, Running: 1}, decode[HealthResponse](t, rec))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: x", orchestrator.ErrInvalidRequest), http.StatusBadRequest},
		{orchestrator.ErrNotFound, http.StatusNotFound},
		{orchestrator.ErrNotTerminal, http.StatusConflict},
		{orchestrator.ErrQueueFull, http.StatusServiceUnavailable},
		{orchestrator.ErrClosed, http.StatusServiceUnavailable},
		{fmt.Errorf("%w: bad type", policy.ErrInvalidPolicy), http.StatusBadRequest},
		{policy.ErrNoFreeName, http.StatusServiceUnavailable},
		{&http.MaxBytesError{Limit: 1}, http.StatusRequestEntityTooLarge},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			require.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestServerOverHTTP(t *testing.T) {
	ev := newFakeEvaluator()
	ts := httptest.NewServer(NewServer(ev).Router())
	defer ts.Close()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(ts.URL+"/eval", "application/json", strings.NewReader(`{"subject":"walker"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.True(t, strings.HasPrefix(resp.Header.Get("Location"), "/eval/"))
}

type fakeOutcomes struct {
	outcomes []model.Outcome
	before   uuid.UUID
}

func (f *fakeOutcomes) GetOutcome(_ context.Context, id uuid.UUID) (model.Outcome, error) {
	for _, o := range f.outcomes {
		if o.JobID == id {
			return o, nil
		}
	}
	return model.Outcome{}, fmt.Errorf("%w: %s", repository.ErrOutcomeNotFound, id)
}

func (f *fakeOutcomes) ListOutcomes(_ context.Context, before uuid.UUID) ([]model.Outcome, error) {
	f.before = before
	return f.outcomes, nil
}

func TestOutcomeHistory(t *testing.T) {
	known := uuid.Must(uuid.NewV7())
	store := &fakeOutcomes{outcomes: []model.Outcome{{JobID: known, Status: model.JobSucceeded}}}
	h := NewServer(newFakeEvaluator(), WithOutcomeHistory(store)).Router()

	tests := []struct {
		name       string
		target     string
		wantStatus int
	}{
		{"list", "/outcomes", http.StatusOK},
		{"list with cursor", "/outcomes?before=" + known.String(), http.StatusOK},
		{"bad cursor", "/outcomes?before=nope", http.StatusBadRequest},
		{"known outcome", "/outcomes/" + known.String(), http.StatusOK},
		{"unknown outcome", "/outcomes/" + uuid.NewString(), http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, tt.target, "")
			require.Equal(t, tt.wantStatus, rec.Code)
		})
	}
	require.Equal(t, known, store.before)
}

func TestOutcomeHistoryNotMountedByDefault(t *testing.T) {
	rec := do(t, NewServer(newFakeEvaluator()).Router(), http.MethodGet, "/outcomes", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func multipartBody(t *testing.T, field, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("note", "ignored"))
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUploadPolicy(t *testing.T) {
	store, err := policy.NewStore(t.TempDir())
	require.NoError(t, err)
	h := NewServer(newFakeEvaluator(), WithPolicyUpload(store)).Router()

	body, contentType := multipartBody(t, "file", "walker.kinfer", "weights")
	req := httptest.NewRequest(http.MethodPost, "/policies", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decode[PolicyResponse](t, rec)
	require.NotEmpty(t, resp.Nickname)
	data, err := os.ReadFile(filepath.Join(store.Dir(), resp.Nickname+policy.Ext))
	require.NoError(t, err)
	require.Equal(t, "weights", string(data))
}

func TestUploadPolicyRejected(t *testing.T) {
	tests := []struct {
		name        string
		field       string
		filename    string
		contentType string
	}{
		{"wrong extension", "file", "walker.onnx", ""},
		{"missing file part", "other", "walker.kinfer", ""},
		{"not multipart", "file", "walker.kinfer", "application/json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := policy.NewStore(t.TempDir())
			require.NoError(t, err)
			h := NewServer(newFakeEvaluator(), WithPolicyUpload(store)).Router()

			body, contentType := multipartBody(t, tt.field, tt.filename, "weights")
			if tt.contentType != "" {
				contentType = tt.contentType
			}
			req := httptest.NewRequest(http.MethodPost, "/policies", body)
			req.Header.Set("Content-Type", contentType)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			entries, err := os.ReadDir(store.Dir())
			require.NoError(t, err)
			require.Empty(t, entries)
		})
	}
}

func TestUploadPolicyNotMountedByDefault(t *testing.T) {
	body, contentType := multipartBody(t, "file", "walker.kinfer", "weights")
	req := httptest.NewRequest(http.MethodPost, "/policies", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	NewServer(newFakeEvaluator()).Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
