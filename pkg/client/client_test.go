package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"httpshield/pkg/failure"
	memcollector "httpshield/pkg/metrics/memory"
	"httpshield/pkg/recovery"
	"httpshield/pkg/retry"
)

// fastConfig keeps end-to-end tests quick: millisecond backoff, no jitter.
func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Millisecond
	cfg.Retry.EnableJitter = false
	return cfg
}

func TestClient_GetDecodesJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Trace", "abc")
		json.NewEncoder(w).Encode(map[string]any{"id": "7", "name": "Alice"})
	}))
	defer srv.Close()

	c := New(fastConfig())
	defer c.Close()

	resp, err := c.Get(context.Background(), srv.URL+"/users/7", nil)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Trace") != "abc" {
		t.Error("Response headers were not propagated")
	}
	if resp.Source != "primary" || resp.FallbackUsed {
		t.Errorf("Unexpected provenance: %+v", resp)
	}

	data, ok := resp.Data.(map[string]any)
	if !ok {
		t.Fatalf("Expected decoded JSON object, got %T", resp.Data)
	}
	if data["name"] != "Alice" {
		t.Errorf("Payload mismatch: %v", data)
	}
}

func TestClient_RetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(fastConfig())
	defer c.Close()

	resp, err := c.Get(context.Background(), srv.URL+"/flaky", nil)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}
	if resp.Source != "primary" {
		t.Errorf("Expected primary after retries, got %s", resp.Source)
	}

	stats := c.Retries().Stats()
	if stats.SuccessesAfterRetry != 1 {
		t.Errorf("Expected 1 success after retry, got %d", stats.SuccessesAfterRetry)
	}
}

func TestClient_FallbackMasksHardFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(fastConfig())
	defer c.Close()

	resp, err := c.Get(context.Background(), srv.URL+"/ledger", nil)
	if err != nil {
		t.Fatalf("Expected the default fallback to mask the failure: %v", err)
	}

	if !resp.FallbackUsed || resp.Source != "default" {
		t.Errorf("Expected default fallback, got %+v", resp)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Fallback responses carry 200, got %d", resp.StatusCode)
	}
	if resp.Header != nil {
		t.Error("Fallback responses must not carry primary headers")
	}
	if resp.DegradationLevel != recovery.DegradationFull {
		t.Errorf("Expected degradation 'full', got %s", resp.DegradationLevel)
	}
}

func TestClient_NonRetryableStatusMakesOneCall(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.Recovery.EnableFallbacks = false
	c := New(cfg)
	defer c.Close()

	_, err := c.Get(context.Background(), srv.URL+"/missing", nil)
	if err == nil {
		t.Fatal("Expected an error for 404")
	}
	if code, ok := failure.StatusCode(err); !ok || code != http.StatusNotFound {
		t.Errorf("Expected status 404 in error, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("404 must not be retried, got %d calls", got)
	}
}

func TestClient_PostSendsJSONBody(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Expected JSON content type, got %s", ct)
		}
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"created":true}`))
	}))
	defer srv.Close()

	c := New(fastConfig())
	defer c.Close()

	resp, err := c.Post(context.Background(), srv.URL+"/orders", map[string]any{"sku": "A1"}, nil)
	if err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("Expected 201, got %d", resp.StatusCode)
	}
	if received["sku"] != "A1" {
		t.Errorf("Body not delivered: %v", received)
	}
}

func TestClient_DoJSONUnmarshalsIntoStruct(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"7","name":"Alice"}`))
	}))
	defer srv.Close()

	c := New(fastConfig())
	defer c.Close()

	var user struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	_, err := c.DoJSON(context.Background(), http.MethodGet, srv.URL+"/users/7", nil, &user, nil)
	if err != nil {
		t.Fatalf("DoJSON failed: %v", err)
	}
	if user.ID != "7" || user.Name != "Alice" {
		t.Errorf("Unmarshal mismatch: %+v", user)
	}
}

func TestClient_BaseURLResolvesRelativePaths(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/users" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.BaseURL = srv.URL + "/"
	c := New(cfg)
	defer c.Close()

	if _, err := c.Get(context.Background(), "v1/users", nil); err != nil {
		t.Fatalf("Relative Get failed: %v", err)
	}
	// Absolute URLs bypass the base.
	if _, err := c.Get(context.Background(), srv.URL+"/v1/users", nil); err != nil {
		t.Fatalf("Absolute Get failed: %v", err)
	}
}

func TestClient_RequestHeadersAreApplied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Error("Custom header missing")
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(fastConfig())
	defer c.Close()

	_, err := c.Get(context.Background(), srv.URL+"/secure", &RequestOptions{
		Headers: map[string]string{"Authorization": "Bearer token"},
	})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
}

func TestClient_CircuitOpenHookFires(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.Retry.Enabled = false
	cfg.Recovery.EnableFallbacks = false
	cfg.Breaker.RequestVolumeThreshold = 1
	cfg.Breaker.FailureThreshold = 1
	cfg.Breaker.ResetTimeoutDuration = time.Minute

	var hookCircuit string
	c := New(cfg, WithCircuitOpenHook(func(circuitID string, err error) {
		hookCircuit = circuitID
	}))
	defer c.Close()

	// First call trips the circuit, second is rejected by it.
	_, _ = c.Get(context.Background(), srv.URL+"/a", nil)
	_, err := c.Get(context.Background(), srv.URL+"/b", nil)

	if !failure.IsCircuitOpen(err) {
		t.Fatalf("Expected a circuit-open rejection, got %v", err)
	}
	if hookCircuit == "" {
		t.Fatal("Circuit-open hook did not fire")
	}
	wantCircuit, _, _ := identifiers(http.MethodGet, srv.URL+"/b")
	if hookCircuit != wantCircuit {
		t.Errorf("Hook got circuit %q, want %q", hookCircuit, wantCircuit)
	}
}

func TestClient_PerCallRetryOverride(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.Recovery.EnableFallbacks = false
	c := New(cfg)
	defer c.Close()

	attempts := 5
	_, err := c.Get(context.Background(), srv.URL+"/x", &RequestOptions{
		Retry: &retry.Override{MaxAttempts: &attempts},
	})
	if err == nil {
		t.Fatal("Expected exhaustion error")
	}
	if got := atomic.LoadInt32(&calls); got != 5 {
		t.Errorf("Override not honored: %d calls", got)
	}
}

func TestClient_ErrorSurfacesWhenEverythingFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := fastConfig()
	c := New(cfg)
	defer c.Close()
	c.Recovery().Unregister("cache")
	c.Recovery().Unregister("synthetic")
	c.Recovery().Unregister("default")

	_, err := c.Get(context.Background(), srv.URL+"/x", nil)
	if err == nil {
		t.Fatal("Expected the primary error to surface")
	}

	var statusErr *failure.StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusInternalServerError {
		t.Errorf("Expected the original 500 status error, got %v", err)
	}
}

func TestClient_CollectorSeesEveryLayer(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	collector := memcollector.NewMemoryCollector()
	c := New(fastConfig(), WithCollector(collector))
	defer c.Close()

	if _, err := c.Get(context.Background(), srv.URL+"/widgets", nil); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	_, endpointID, _ := identifiers(http.MethodGet, srv.URL+"/widgets")
	em := collector.Endpoint(endpointID)
	if em.Requests != 2 || em.Successes != 1 || em.Failures != 1 {
		t.Errorf("Unexpected request counters: %+v", em)
	}
	if em.TimeoutSamples != 2 {
		t.Errorf("Expected 2 timing samples, got %d", em.TimeoutSamples)
	}

	u, _ := url.Parse(srv.URL)
	hm := collector.Host(u.Host)
	if hm.Lookups == 0 {
		t.Error("Connection lookups were not recorded")
	}
}

func TestIdentifiers(t *testing.T) {
	circuit, endpoint, err := identifiers("GET", "https://api.example.com/users/7?page=2#frag")
	if err != nil {
		t.Fatalf("identifiers failed: %v", err)
	}
	if circuit != "GET:https://api.example.com" {
		t.Errorf("Circuit id mismatch: %s", circuit)
	}
	if endpoint != "GET:https://api.example.com/users/7" {
		t.Errorf("Endpoint id mismatch: %s", endpoint)
	}
}

func TestClient_Resolve(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseURL = "https://api.example.com/"
	c := New(cfg)
	defer c.Close()

	cases := map[string]string{
		"v1/users":                    "https://api.example.com/v1/users",
		"/v1/users":                   "https://api.example.com/v1/users",
		"https://other.example.com/x": "https://other.example.com/x",
	}
	for in, want := range cases {
		if got := c.resolve(in); got != want {
			t.Errorf("resolve(%q) = %q, want %q", in, got, want)
		}
	}
}
