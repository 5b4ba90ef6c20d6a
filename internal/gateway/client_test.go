package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	xerrors "github.com/verkhohliad/chaos-oracle/internal/errors"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	client, err := NewClient(srv.URL+"/api", WithHTTPClient(srv.Client()), WithAPIKey("key-1"), WithPollInterval(5*time.Millisecond))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestNewClientValidatesURL(t *testing.T) {
	for _, raw := range []string{"", "not a url", "/relative"} {
		if _, err := NewClient(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestRegisterWithStudio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/studios/0xabc/register" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-API-Key") != "key-1" || r.Header.Get("X-Request-ID") == "" {
			t.Errorf("missing headers: %v", r.Header)
		}
		var reg Registration
		if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
			t.Errorf("decode: %v", err)
		}
		if reg.Role != RoleWorker || reg.StakeWei != "1000000000000000" {
			t.Errorf("unexpected registration: %+v", reg)
		}
		_ = json.NewEncoder(w).Encode(RegistrationResult{Studio: "0xabc", Role: reg.Role, Status: "registered"})
	}))
	defer srv.Close()

	result, err := newTestClient(t, srv).RegisterWithStudio(context.Background(), "0xabc", Registration{
		Role:         RoleWorker,
		StakeWei:     "1000000000000000",
		AgentAddress: "0x01",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if result.Status != "registered" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestSubmitWorkAndWait(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/workflows/work-submission":
			var sub WorkSubmission
			_ = json.NewDecoder(r.Body).Decode(&sub)
			if sub.Epoch != 1 || sub.DataHash == "" {
				t.Errorf("unexpected submission: %+v", sub)
			}
			_ = json.NewEncoder(w).Encode(Workflow{ID: "wf-1", Type: "WorkSubmission", State: StateCreated})
		case r.Method == http.MethodGet && r.URL.Path == "/api/workflows/wf-1":
			state := StateRunning
			if polls.Add(1) >= 3 {
				state = StateCompleted
			}
			_ = json.NewEncoder(w).Encode(Workflow{ID: "wf-1", State: state, TxHash: "0xfeed"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	wf, err := client.SubmitWork(context.Background(), WorkSubmission{Studio: "0xabc", Epoch: 1, DataHash: "0x01"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done, err := client.WaitForCompletion(context.Background(), wf.ID, time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.State != StateCompleted || done.TxHash != "0xfeed" || polls.Load() != 3 {
		t.Fatalf("unexpected workflow: %+v after %d polls", done, polls.Load())
	}
}

func TestWaitForCompletionFailedState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Workflow{ID: "wf-2", State: StateFailed, Error: "insufficient stake"})
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).WaitForCompletion(context.Background(), "wf-2", time.Second)
	if !xerrors.HasCode(err, xerrors.CodeWorkflowFailed) {
		t.Fatalf("expected workflow failure, got %v", err)
	}
}

func TestWaitForCompletionTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Workflow{ID: "wf-3", State: StateStalled})
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).WaitForCompletion(context.Background(), "wf-3", 20*time.Millisecond)
	if !xerrors.HasCode(err, xerrors.CodeTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestWaitForCompletionBoundsSlowStatusRequest(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	_, err := newTestClient(t, srv).WaitForCompletion(context.Background(), "wf-5", 50*time.Millisecond)
	if !xerrors.HasCode(err, xerrors.CodeTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("wait overran its deadline: %s", elapsed)
	}
}

func TestWaitForCompletionHonoursCallerCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Workflow{ID: "wf-6", State: StateRunning})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := newTestClient(t, srv).WaitForCompletion(ctx, "wf-6", time.Minute)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected caller deadline, got %v", err)
	}
}

func TestWaitForCompletionRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "upstream", http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(Workflow{ID: "wf-4", State: StateCompleted})
	}))
	defer srv.Close()

	if _, err := newTestClient(t, srv).WaitForCompletion(context.Background(), "wf-4", time.Second); err != nil {
		t.Fatalf("transient errors should be retried: %v", err)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"WORKFLOW_NOT_FOUND","message":"no such workflow"}}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	_, err := client.GetWorkflow(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "WORKFLOW_NOT_FOUND" || apiErr.Temporary() {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}

	_, err = client.WaitForCompletion(context.Background(), "missing", time.Second)
	if !xerrors.HasCode(err, xerrors.CodeWorkflowFailed) {
		t.Fatalf("client errors must abort waiting, got %v", err)
	}
}
