package virtinfo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(url string) *Client {
	c := New(url, 2*time.Second)
	c.backoff = time.Millisecond
	return c
}

func TestTranslatePath(t *testing.T) {
	var gotMethod string
	var gotArgs map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotArgs)
		json.NewEncoder(w).Encode(map[string]any{
			"result": Translation{Path: "/store/123.git", Writable: true},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	tr, err := c.TranslatePath(context.Background(), "/example/project", OpWrite,
		AuthParams{"uid": 42})
	if err != nil {
		t.Fatalf("TranslatePath() error: %v", err)
	}
	if tr.Path != "/store/123.git" || !tr.Writable {
		t.Errorf("translation = %+v", tr)
	}
	if gotMethod != "/translatePath" {
		t.Errorf("method = %q, want /translatePath", gotMethod)
	}
	if gotArgs["pathname"] != "/example/project" || gotArgs["permission"] != "write" {
		t.Errorf("args = %v", gotArgs)
	}
}

func TestTranslatePathFaultIsFinal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"fault": Fault{Code: FaultForbidden, Message: "read only"},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.TranslatePath(context.Background(), "/p", OpWrite, nil)

	var fault *Fault
	if !errors.As(err, &fault) {
		t.Fatalf("error = %v, want *Fault", err)
	}
	if fault.Code != FaultForbidden {
		t.Errorf("fault code = %q, want FORBIDDEN", fault.Code)
	}
	if errors.Is(err, ErrUnavailable) {
		t.Error("a fault must not read as unavailability")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("fault was retried: %d calls", n)
	}
}

func TestTranslatePathRetriesTransportFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"result": Translation{Path: "/store/1.git", Writable: true},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	tr, err := c.TranslatePath(context.Background(), "/p", OpRead, nil)
	if err != nil {
		t.Fatalf("TranslatePath() after retries: %v", err)
	}
	if tr.Path != "/store/1.git" {
		t.Errorf("translation = %+v", tr)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("expected 3 calls, got %d", n)
	}
}

func TestTranslatePathUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.TranslatePath(context.Background(), "/p", OpRead, nil)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("error = %v, want ErrUnavailable", err)
	}
	var fault *Fault
	if errors.As(err, &fault) {
		t.Error("an outage must not read as a fault")
	}
}

func TestTranslatePathEmptyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"result": Translation{}})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	if _, err := c.TranslatePath(context.Background(), "/p", OpRead, nil); err == nil {
		t.Error("empty translated path should be an error")
	}
}

func TestCheckRefPermissionsLengthMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"result": []RefDecision{{Ref: "refs/heads/main", Allowed: true}},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	refs := []RefUpdate{
		{Ref: "refs/heads/main", Old: "0", New: "1"},
		{Ref: "refs/heads/protected", Old: "0", New: "2"},
	}
	if _, err := c.CheckRefPermissions(context.Background(), "/store/1.git", refs, nil); !errors.Is(err, ErrUnavailable) {
		t.Errorf("short decision list should be unavailability, got %v", err)
	}
}

func TestCheckRefPermissions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var args struct {
			Refs []RefUpdate `json:"refs"`
		}
		json.NewDecoder(r.Body).Decode(&args)
		decisions := make([]RefDecision, len(args.Refs))
		for i, ref := range args.Refs {
			decisions[i] = RefDecision{
				Ref:     ref.Ref,
				Allowed: ref.Ref != "refs/heads/protected",
				Reason:  "protected branch",
			}
		}
		json.NewEncoder(w).Encode(map[string]any{"result": decisions})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	refs := []RefUpdate{
		{Ref: "refs/heads/main", Old: "0", New: "1"},
		{Ref: "refs/heads/protected", Old: "0", New: "2"},
	}
	decisions, err := c.CheckRefPermissions(context.Background(), "/store/1.git", refs, nil)
	if err != nil {
		t.Fatalf("CheckRefPermissions() error: %v", err)
	}
	if !decisions[0].Allowed || decisions[1].Allowed {
		t.Errorf("decisions = %+v", decisions)
	}
}

func TestNotify(t *testing.T) {
	var gotStats PushStats
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var args struct {
			Statistics PushStats `json:"statistics"`
		}
		json.NewDecoder(r.Body).Decode(&args)
		gotStats = args.Statistics
		json.NewEncoder(w).Encode(map[string]any{"result": true})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	err := c.Notify(context.Background(), "/store/1.git",
		PushStats{LooseObjectCount: 7, PackCount: 2}, nil)
	if err != nil {
		t.Fatalf("Notify() error: %v", err)
	}
	if gotStats.LooseObjectCount != 7 || gotStats.PackCount != 2 {
		t.Errorf("stats = %+v", gotStats)
	}
}

func TestAuthenticateWithPassword(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var args struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		json.NewDecoder(r.Body).Decode(&args)
		if args.Username != "alice" || args.Password != "sekrit" {
			json.NewEncoder(w).Encode(map[string]any{
				"fault": Fault{Code: FaultUnauthorized, Message: "bad credentials"},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"result": AuthParams{"user": "alice", "uid": 1},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)

	params, err := c.AuthenticateWithPassword(context.Background(), "alice", "sekrit")
	if err != nil {
		t.Fatalf("AuthenticateWithPassword() error: %v", err)
	}
	if params["user"] != "alice" {
		t.Errorf("params = %v", params)
	}

	_, err = c.AuthenticateWithPassword(context.Background(), "alice", "wrong")
	var fault *Fault
	if !errors.As(err, &fault) || fault.Code != FaultUnauthorized {
		t.Errorf("error = %v, want UNAUTHORIZED fault", err)
	}
}

func TestCallContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newTestClient(srv.URL)
	_, err := c.TranslatePath(ctx, "/p", OpRead, nil)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("cancelled context should surface as unavailability, got %v", err)
	}
}
