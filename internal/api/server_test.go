package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/clawinfra/mealsync/internal/connectivity"
	"github.com/clawinfra/mealsync/internal/dispatch"
	"github.com/clawinfra/mealsync/internal/history"
	"github.com/clawinfra/mealsync/internal/offline"
	"github.com/clawinfra/mealsync/internal/scheduler"
	"github.com/clawinfra/mealsync/internal/storage"
	"github.com/clawinfra/mealsync/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockTransport acknowledges every action unless reject is set.
type mockTransport struct {
	mu     sync.Mutex
	calls  int
	reject bool
}

func (m *mockTransport) SubmitBatch(ctx context.Context, actions []types.QueuedAction) ([]types.SyncResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	results := make([]types.SyncResult, len(actions))
	for i, a := range actions {
		results[i] = types.SyncResult{ID: a.ID, Success: !m.reject}
		if m.reject {
			results[i].Error = "weight must be positive"
		}
	}
	return results, nil
}

func (m *mockTransport) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockJobs struct {
	mu  sync.Mutex
	ran []string
}

func (m *mockJobs) ListJobs() []*scheduler.Job {
	return []*scheduler.Job{scheduler.SyncJob("sync", "", time.Minute)}
}

func (m *mockJobs) RunJobNow(ctx context.Context, id string) error {
	if id != "sync" {
		return scheduler.ErrJobNotFound
	}
	m.mu.Lock()
	m.ran = append(m.ran, id)
	m.mu.Unlock()
	return nil
}

type fixture struct {
	server    *httptest.Server
	queue     *offline.Queue
	monitor   *connectivity.Manual
	transport *mockTransport
	jobs      *mockJobs
}

func newFixture(t *testing.T, online bool) *fixture {
	t.Helper()
	f := &fixture{
		monitor:   connectivity.NewManual(online, testLogger()),
		transport: &mockTransport{},
		jobs:      &mockJobs{},
	}
	q, err := offline.New(storage.NewMemoryStore(), f.transport, f.monitor, testLogger())
	if err != nil {
		t.Fatalf("offline.New: %v", err)
	}
	f.queue = q
	d := dispatch.New(q, f.transport, f.monitor, testLogger())
	s := NewServer(0, q, d, f.monitor, f.jobs, testLogger())
	f.server = httptest.NewServer(s.Handler())
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.server.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func weightAction(w float64, deferred bool) map[string]any {
	return map[string]any{
		"type":    types.ActionAddWeight,
		"payload": types.WeightPayload{Weight: w, Date: "2024-06-01"},
		"defer":   deferred,
	}
}

func TestStatusReportsQueue(t *testing.T) {
	f := newFixture(t, false)
	if _, err := f.queue.AddAction(types.ActionAddWeight, types.WeightPayload{Weight: 70, Date: "2024-06-01"}); err != nil {
		t.Fatal(err)
	}

	resp := f.do(t, http.MethodGet, "/api/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	got := decode[StatusResponse](t, resp)
	if got.Online || got.Pending != 1 {
		t.Errorf("status = %+v", got)
	}

	q := decode[QueueResponse](t, f.do(t, http.MethodGet, "/api/queue", nil))
	if q.Pending != 1 || len(q.Actions) != 1 || q.Actions[0].Type != types.ActionAddWeight {
		t.Errorf("queue = %+v", q)
	}
}

func TestSubmitOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		online     bool
		reject     bool
		body       any
		wantStatus int
		wantQueued int
	}{
		{"online applied", true, false, weightAction(70, false), http.StatusOK, 0},
		{"offline deferred", false, false, weightAction(70, false), http.StatusAccepted, 1},
		{"explicit defer", true, false, weightAction(70, true), http.StatusAccepted, 1},
		{"rejected", true, true, weightAction(-1, false), http.StatusUnprocessableEntity, 0},
		{"unknown type", true, false, map[string]any{"type": "add_sleep"}, http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.online)
			f.transport.mu.Lock()
			f.transport.reject = tt.reject
			f.transport.mu.Unlock()

			resp := f.do(t, http.MethodPost, "/api/actions", tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if n := f.queue.PendingCount(); n != tt.wantQueued {
				t.Errorf("pending = %d, want %d", n, tt.wantQueued)
			}
		})
	}
}

func TestSubmitMalformedBody(t *testing.T) {
	f := newFixture(t, true)
	resp, err := http.Post(f.server.URL+"/api/actions", "application/json", strings.NewReader("{nope"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestSyncAndClear(t *testing.T) {
	f := newFixture(t, false)
	for i := 0; i < 3; i++ {
		f.do(t, http.MethodPost, "/api/actions", weightAction(70+float64(i), false))
	}

	// Offline sync is a no-op.
	summary := decode[types.Summary](t, f.do(t, http.MethodPost, "/api/sync", nil))
	if summary != (types.Summary{}) || f.transport.count() != 0 {
		t.Errorf("offline summary = %+v calls = %d", summary, f.transport.count())
	}

	f.monitor.SetOnline(true)
	// The reconciler is not running here, so drain explicitly.
	summary = decode[types.Summary](t, f.do(t, http.MethodPost, "/api/sync", nil))
	if !summary.Success || summary.Synced != 3 || summary.Errors != 0 {
		t.Errorf("summary = %+v", summary)
	}

	f.monitor.SetOnline(false)
	f.do(t, http.MethodPost, "/api/actions", weightAction(80, false))
	cleared := decode[map[string]int](t, f.do(t, http.MethodDelete, "/api/queue", nil))
	if cleared["cleared"] != 1 || f.queue.PendingCount() != 0 {
		t.Errorf("cleared = %v pending = %d", cleared, f.queue.PendingCount())
	}
}

func TestSyncIsRecordedInHistory(t *testing.T) {
	f := newFixture(t, true)
	journal, err := history.Open(storage.NewMemoryStore(), 0, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	s := NewServer(0, f.queue, nil, f.monitor, nil, testLogger())
	s.SetHistory(journal)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	if _, err := f.queue.AddAction(types.ActionAddWeight, types.WeightPayload{Weight: 70, Date: "2024-06-01"}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		resp, err := http.Post(srv.URL+"/api/sync", "application/json", nil)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
	}

	resp, err := http.Get(srv.URL + "/api/history?limit=1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	entries := decode[[]history.Entry](t, resp)
	if len(entries) != 1 || entries[0].Trigger != history.TriggerAPI || entries[0].Synced != 0 {
		t.Errorf("entries = %+v", entries)
	}
	if journal.Len() != 2 {
		t.Errorf("journal len = %d", journal.Len())
	}

	bad, err := http.Get(srv.URL + "/api/history?limit=-1")
	if err != nil {
		t.Fatal(err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", bad.StatusCode)
	}
}

func TestJobsEndpoints(t *testing.T) {
	f := newFixture(t, true)

	jobs := decode[[]scheduler.Job](t, f.do(t, http.MethodGet, "/api/jobs", nil))
	if len(jobs) != 1 || jobs[0].ID != "sync" {
		t.Errorf("jobs = %+v", jobs)
	}

	if resp := f.do(t, http.MethodPost, "/api/jobs/sync/run", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("run status = %d", resp.StatusCode)
	}
	f.jobs.mu.Lock()
	ran := len(f.jobs.ran)
	f.jobs.mu.Unlock()
	if ran != 1 {
		t.Errorf("ran = %d", ran)
	}
	if resp := f.do(t, http.MethodPost, "/api/jobs/nope/run", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing job status = %d", resp.StatusCode)
	}
}

func TestSetConnectivityManual(t *testing.T) {
	f := newFixture(t, false)

	got := decode[map[string]bool](t, f.do(t, http.MethodPut, "/api/connectivity", map[string]bool{"online": true}))
	if !got["online"] || !got["changed"] || !f.monitor.Online() {
		t.Errorf("response = %v online = %v", got, f.monitor.Online())
	}
	got = decode[map[string]bool](t, f.do(t, http.MethodPut, "/api/connectivity", map[string]bool{"online": true}))
	if got["changed"] {
		t.Error("repeated state reported as a change")
	}
	if resp := f.do(t, http.MethodPut, "/api/connectivity", map[string]string{}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing field status = %d", resp.StatusCode)
	}
}

func TestSetConnectivityAutomatic(t *testing.T) {
	f := newFixture(t, true)
	s := NewServer(0, f.queue, nil, connectivity.NewProber("http://127.0.0.1:1", time.Second, nil), nil, testLogger())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/connectivity", strings.NewReader(`{"online":true}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, true)
	resp := f.do(t, http.MethodOptions, "/api/actions", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

func TestPendingStream(t *testing.T) {
	f := newFixture(t, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/pending"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var st StatusResponse
	if err := wsjson.Read(ctx, conn, &st); err != nil {
		t.Fatalf("initial frame: %v", err)
	}
	if st.Online || st.Pending != 0 {
		t.Errorf("initial = %+v", st)
	}

	if _, err := f.queue.AddAction(types.ActionAddWeight, types.WeightPayload{Weight: 70, Date: "2024-06-01"}); err != nil {
		t.Fatal(err)
	}
	if err := wsjson.Read(ctx, conn, &st); err != nil {
		t.Fatalf("update frame: %v", err)
	}
	if st.Pending != 1 {
		t.Errorf("update = %+v", st)
	}
}

func TestPendingStreamSettlesOnLiveCount(t *testing.T) {
	f := newFixture(t, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/pending"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var st StatusResponse
	if err := wsjson.Read(ctx, conn, &st); err != nil {
		t.Fatalf("initial frame: %v", err)
	}

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f.queue.AddAction(types.ActionAddWeight, types.WeightPayload{Weight: float64(60 + i), Date: "2024-06-01"}) //nolint:errcheck
		}(i)
	}
	wg.Wait()

	for st.Pending != writers {
		if err := wsjson.Read(ctx, conn, &st); err != nil {
			t.Fatalf("stream never reported %d pending (last %+v): %v", writers, st, err)
		}
		if st.Pending > writers {
			t.Fatalf("frame reports %d pending", st.Pending)
		}
	}
	if f.queue.PendingCount() != writers {
		t.Errorf("PendingCount = %d", f.queue.PendingCount())
	}
}

func TestStartShutsDownOnCancel(t *testing.T) {
	f := newFixture(t, true)
	s := NewServer(0, f.queue, nil, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Errorf("Start: %v", err)
		}
	case <-time.After(6 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
