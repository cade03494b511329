package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"durable-queue/internal/config"
	"durable-queue/internal/logging"
	"durable-queue/internal/models"
	"durable-queue/internal/queue"
	"durable-queue/internal/ratelimit"
	"durable-queue/internal/store"
)

func newEngine(t *testing.T, start bool) (*queue.Engine, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	e := queue.New(st, queue.WithLogger(logging.Discard()))
	if start {
		if err := e.Start(context.Background()); err != nil {
			t.Fatalf("start: %v", err)
		}
	}
	t.Cleanup(func() { _ = e.Stop(context.Background()) })
	return e, st
}

func do(t *testing.T, h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	e, _ := newEngine(t, true)
	h := New(config.Config{}, e, nil, nil, logging.Discard()).Router()

	rec := do(t, h, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var body map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "ok" || body["state"] != "started" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestAddGetRemove(t *testing.T) {
	e, st := newEngine(t, true)
	h := New(config.Config{}, e, nil, nil, logging.Discard()).Router()

	rec := do(t, h, http.MethodPost, "/jobs", `{"topic":"emails","data":{"to":"a@b.com"},"attempts":3,"retry_at":"2s"}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d: %s", rec.Code, rec.Body)
	}
	var added addResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &added); err != nil || added.ID == "" {
		t.Fatalf("bad add response %s", rec.Body)
	}

	rec = do(t, h, http.MethodGet, "/jobs/"+added.ID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var job models.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.Topic != "emails" || job.Attempts != 3 || job.RetryAt == nil || *job.RetryAt != "2000" {
		t.Fatalf("unexpected job %+v", job)
	}
	if string(job.Data) != `{"to":"a@b.com"}` {
		t.Fatalf("unexpected data %s", job.Data)
	}

	if rec = do(t, h, http.MethodDelete, "/jobs/"+added.ID, "", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d", rec.Code)
	}
	if st.Len() != 0 {
		t.Fatalf("expected job removed")
	}
	if rec = do(t, h, http.MethodDelete, "/jobs/"+added.ID, "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
	if rec = do(t, h, http.MethodGet, "/jobs/"+added.ID, "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
}

func TestGetJobWithUndecodableData(t *testing.T) {
	e, st := newEngine(t, true)
	h := New(config.Config{}, e, nil, nil, logging.Discard()).Router()

	id, err := st.Insert(context.Background(), &models.Job{Topic: "emails", Data: []byte("not json")})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	rec := do(t, h, http.MethodGet, "/jobs/"+id, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body)
	}
	var job models.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode job: %v: %q", err, rec.Body)
	}
	if job.ID != id || string(job.Data) != `"not json"` {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestAddRejectsBadInput(t *testing.T) {
	e, st := newEngine(t, true)
	h := New(config.Config{}, e, nil, nil, logging.Discard()).Router()

	for _, body := range []string{
		`not json`,
		`{"data":1}`,
		`{"topic":"t","attempts":-1}`,
		`{"topic":"t","retry_at":"whenever"}`,
	} {
		if rec := do(t, h, http.MethodPost, "/jobs", body, nil); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400 got %d", body, rec.Code)
		}
	}
	if st.Len() != 0 {
		t.Fatalf("rejected adds were persisted")
	}
}

func TestAddWhileStoppedTimesOut(t *testing.T) {
	e, _ := newEngine(t, false)
	h := New(config.Config{}, e, nil, nil, logging.Discard()).Router()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(`{"topic":"t"}`)).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", rec.Code)
	}
}

func TestAddRateLimited(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	limiter := ratelimit.New(client, config.RateLimitConfig{Capacity: 1, RefillPerSec: 0.001, TTL: time.Minute})

	e, _ := newEngine(t, true)
	h := New(config.Config{}, e, limiter, nil, logging.Discard()).Router()

	if rec := do(t, h, http.MethodPost, "/jobs", `{"topic":"t","data":1}`, nil); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/jobs", `{"topic":"t","data":2}`, nil); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/jobs", `{"topic":"other","data":3}`, nil); rec.Code != http.StatusAccepted {
		t.Fatalf("expected other topic admitted, got %d", rec.Code)
	}
}

func TestJobsRequireToken(t *testing.T) {
	secret := "s3cret"
	e, _ := newEngine(t, true)
	h := New(config.Config{AuthSecret: secret}, e, nil, nil, logging.Discard()).Router()

	if rec := do(t, h, http.MethodPost, "/jobs", `{"topic":"t"}`, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token got %d", rec.Code)
	}

	forged, _ := NewToken([]byte("other"), "producer", time.Minute)
	if rec := do(t, h, http.MethodPost, "/jobs", `{"topic":"t"}`, map[string]string{"Authorization": "Bearer " + forged}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with forged token got %d", rec.Code)
	}

	expired, _ := NewToken([]byte(secret), "producer", -time.Minute)
	if rec := do(t, h, http.MethodPost, "/jobs", `{"topic":"t"}`, map[string]string{"Authorization": "Bearer " + expired}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with expired token got %d", rec.Code)
	}

	token, err := NewToken([]byte(secret), "producer", time.Minute)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if rec := do(t, h, http.MethodPost, "/jobs", `{"topic":"t"}`, map[string]string{"Authorization": "Bearer " + token}); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 with token got %d: %s", rec.Code, rec.Body)
	}

	// Health stays public.
	if rec := do(t, h, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected public healthz got %d", rec.Code)
	}
}

func TestMetricsExposed(t *testing.T) {
	e, _ := newEngine(t, true)
	h := New(config.Config{}, e, nil, nil, logging.Discard()).Router()

	_ = do(t, h, http.MethodPost, "/jobs", `{"topic":"t","data":1}`, nil)
	rec := do(t, h, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "queue_jobs_added_total") {
		t.Fatalf("metrics missing queue counters")
	}
}
