package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/campussim/internal/engine"
	"github.com/seantiz/campussim/internal/executor"
	"github.com/seantiz/campussim/internal/model"
	"github.com/seantiz/campussim/internal/runspec"
	"github.com/seantiz/campussim/internal/simtest"
	"github.com/seantiz/campussim/internal/store"
)

func TestMain(m *testing.M) {
	simtest.MaybeRun()
	os.Exit(m.Run())
}

// heldQueue accepts jobs without running them so tests control execution.
type heldQueue struct {
	mu  sync.Mutex
	ids []string
}

func (q *heldQueue) Enqueue(_, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, id)
	return nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	pool := executor.NewPool(
		executor.NewProcessRunner(simtest.Env(simtest.Options{FailIteration: -1})...),
		executor.WithSize(2),
	)
	eng := engine.NewEngine(s, runspec.NewBuilder(os.Args[0]), pool, logger)
	eng.SetQueue(&heldQueue{})
	return NewServer(":0", s, eng, logger)
}

func testParams(t *testing.T) model.Params {
	return model.Params{
		SimulationName:   "api campus",
		InterventionName: "baseline",
		Iterations:       2,
		DaysToSimulate:   5,
		InitInfected:     3,
		InputDir:         t.TempDir(),
	}
}

// submitJob creates a queued job directly through the engine.
func submitJob(t *testing.T, srv *Server) *model.Job {
	t.Helper()
	j, err := srv.engine.Submit(context.Background(), "", testParams(t))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return j
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/test")
	if err != nil {
		t.Fatalf("GET /test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestPanicRecovery(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/panic")
	if err != nil {
		t.Fatalf("GET /panic: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestCORSHeaders(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest("OPTIONS", ts.URL+"/test", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /test: %v", err)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	srv := newTestServer(t)
	srv.addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunListenError(t *testing.T) {
	srv := newTestServer(t)
	srv.addr = "127.0.0.1:-1"

	done := make(chan error, 1)
	go func() { done <- srv.Run(context.Background()) }()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Run = nil, want listen error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after listen failure")
	}
}
