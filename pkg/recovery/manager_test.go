package recovery

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"httpshield/pkg/cache"
)

var errPrimary = errors.New("primary down")

func failingOp() (any, error) { return nil, errPrimary }

func newDefaultOnlyManager(cfg Config) *Manager {
	m := NewManager(cfg)
	m.Unregister("cache")
	m.Unregister("synthetic")
	return m
}

func TestManager_PrimarySuccess(t *testing.T) {
	m := NewManager(DefaultConfig())

	result, err := m.Execute(context.Background(), "GET:/users", func() (any, error) {
		return map[string]any{"id": "1"}, nil
	}, Request{Method: "GET", URL: "https://api.example.com/users"}, nil)

	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !result.Success || result.Source != "primary" || result.FallbackUsed {
		t.Errorf("Unexpected result: %+v", result)
	}
	if result.DegradationLevel != DegradationNone {
		t.Errorf("Primary success must report degradation none, got %s", result.DegradationLevel)
	}
}

func TestManager_DefaultStrategyScenario(t *testing.T) {
	m := newDefaultOnlyManager(DefaultConfig())

	result, err := m.Execute(context.Background(), "GET:/ledger", failingOp,
		Request{Method: "GET", URL: "https://api.example.com/ledger"}, nil)

	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Source != "default" {
		t.Errorf("Expected source 'default', got %s", result.Source)
	}
	if result.DegradationLevel != DegradationFull {
		t.Errorf("Expected degradation 'full', got %s", result.DegradationLevel)
	}

	want := []string{
		"primary-failed",
		"attempting-fallbacks",
		"empty-response-success",
		"fallback-success",
	}
	if !reflect.DeepEqual(result.Actions, want) {
		t.Errorf("Trace mismatch:\n  want %v\n  got  %v", want, result.Actions)
	}
}

func TestManager_CacheFallbackRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CacheTTL = 50 * time.Millisecond
	m := NewManager(cfg)

	req := Request{Method: "GET", URL: "https://api.example.com/users/7"}
	payload := map[string]any{"id": "7", "name": "Alice"}

	// Primary success populates the cache.
	_, err := m.Execute(context.Background(), "GET:/users/7", func() (any, error) {
		return payload, nil
	}, req, nil)
	if err != nil {
		t.Fatalf("Priming call failed: %v", err)
	}

	// Primary failure is masked by the cached payload, deep-equal.
	result, err := m.Execute(context.Background(), "GET:/users/7", failingOp, req, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Source != "cache" {
		t.Fatalf("Expected cache fallback, got %s", result.Source)
	}
	if result.DegradationLevel != DegradationNone {
		t.Errorf("Cache fallback must report degradation none, got %s", result.DegradationLevel)
	}
	if !reflect.DeepEqual(result.Data, any(payload)) {
		t.Errorf("Cached payload mismatch:\n  wrote %v\n  read  %v", payload, result.Data)
	}

	// After TTL expiry the cache strategy fails; synthetic matches /users/.
	time.Sleep(60 * time.Millisecond)

	result, err = m.Execute(context.Background(), "GET:/users/7", failingOp, req, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Source == "cache" {
		t.Error("Expired cache entry was served")
	}
}

func TestManager_ExhaustionReRaisesPrimaryError(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.Unregister("cache")
	m.Unregister("synthetic")
	m.Unregister("default")

	result, err := m.Execute(context.Background(), "GET:/x", failingOp,
		Request{Method: "GET", URL: "https://api.example.com/x"}, nil)

	if !errors.Is(err, errPrimary) {
		t.Fatalf("Expected the original primary error, got %v", err)
	}
	if result.Success {
		t.Error("Exhausted result must not report success")
	}
	if result.DegradationLevel != DegradationFull {
		t.Errorf("Expected degradation 'full', got %s", result.DegradationLevel)
	}

	want := []string{"primary-failed", "attempting-fallbacks", "fallback-exhausted"}
	if !reflect.DeepEqual(result.Actions, want) {
		t.Errorf("Trace mismatch:\n  want %v\n  got  %v", want, result.Actions)
	}

	stats := m.Stats()
	if stats.Exhaustions != 1 {
		t.Errorf("Expected 1 exhaustion, got %d", stats.Exhaustions)
	}
}

func TestManager_FailingStrategyNeverMasksPrimaryError(t *testing.T) {
	m := newDefaultOnlyManager(DefaultConfig())
	m.Unregister("default")

	m.Register(Strategy{
		Name:     "broken",
		Type:     TypeAlternative,
		Priority: 1,
		Attempt: func(ctx context.Context, primaryErr error, req Request) (Outcome, error) {
			return Outcome{}, errors.New("strategy exploded")
		},
	})

	result, err := m.Execute(context.Background(), "GET:/x", failingOp,
		Request{Method: "GET", URL: "https://api.example.com/x"}, nil)

	if !errors.Is(err, errPrimary) {
		t.Fatalf("Strategy error replaced the primary error: %v", err)
	}

	want := []string{"primary-failed", "attempting-fallbacks", "strategy-failed:broken", "fallback-exhausted"}
	if !reflect.DeepEqual(result.Actions, want) {
		t.Errorf("Trace mismatch:\n  want %v\n  got  %v", want, result.Actions)
	}
}

func TestManager_PanickingStrategyIsCaught(t *testing.T) {
	m := newDefaultOnlyManager(DefaultConfig())

	m.Register(Strategy{
		Name:     "panicky",
		Type:     TypeAlternative,
		Priority: 1,
		Attempt: func(ctx context.Context, primaryErr error, req Request) (Outcome, error) {
			panic("boom")
		},
	})

	result, err := m.Execute(context.Background(), "GET:/ledger", failingOp,
		Request{Method: "GET", URL: "https://api.example.com/ledger"}, nil)

	if err != nil {
		t.Fatalf("Panic leaked out of Execute: %v", err)
	}
	if result.Source != "default" {
		t.Errorf("Expected default fallback after panic, got %s", result.Source)
	}

	want := []string{
		"primary-failed",
		"attempting-fallbacks",
		"strategy-failed:panicky",
		"empty-response-success",
		"fallback-success",
	}
	if !reflect.DeepEqual(result.Actions, want) {
		t.Errorf("Trace mismatch:\n  want %v\n  got  %v", want, result.Actions)
	}
}

func TestManager_SlowStrategyTimesOut(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FallbackTimeout = 10 * time.Millisecond
	m := newDefaultOnlyManager(cfg)

	m.Register(Strategy{
		Name:     "slow",
		Type:     TypeAlternative,
		Priority: 1,
		Attempt: func(ctx context.Context, primaryErr error, req Request) (Outcome, error) {
			time.Sleep(200 * time.Millisecond)
			return Outcome{Success: true, Data: "late"}, nil
		},
	})

	start := time.Now()
	result, err := m.Execute(context.Background(), "GET:/ledger", failingOp,
		Request{Method: "GET", URL: "https://api.example.com/ledger"}, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Source != "default" {
		t.Errorf("Expected default fallback after timeout, got %s", result.Source)
	}
	if time.Since(start) > 150*time.Millisecond {
		t.Error("Slow strategy was not raced against its timeout")
	}
}

func TestManager_StrategyPriorityOrder(t *testing.T) {
	m := newDefaultOnlyManager(DefaultConfig())
	m.Unregister("default")

	var order []string
	record := func(name string, win bool) Strategy {
		return Strategy{
			Name:     name,
			Type:     TypeAlternative,
			Priority: map[string]int{"first": 1, "second": 2, "third": 3}[name],
			Attempt: func(ctx context.Context, primaryErr error, req Request) (Outcome, error) {
				order = append(order, name)
				return Outcome{Success: win, Data: name}, nil
			},
		}
	}

	// Registered out of order; priority decides execution order.
	m.Register(record("third", true))
	m.Register(record("first", false))
	m.Register(record("second", true))

	result, err := m.Execute(context.Background(), "GET:/x", failingOp,
		Request{Method: "GET", URL: "https://api.example.com/x"}, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if result.Source != "second" {
		t.Errorf("Expected the first winning strategy 'second', got %s", result.Source)
	}
	if !reflect.DeepEqual(order, []string{"first", "second"}) {
		t.Errorf("Execution order wrong: %v", order)
	}
}

func TestManager_DegradationLadder(t *testing.T) {
	m := newDefaultOnlyManager(DefaultConfig())
	req := Request{Method: "GET", URL: "https://api.example.com/x"}

	if m.Level("GET:/x") != LevelFull {
		t.Fatal("Unseen endpoints must start healthy")
	}

	// Each failure steps one level toward offline.
	steps := []Level{LevelDegraded, LevelMinimal, LevelOffline, LevelOffline}
	for i, want := range steps {
		_, _ = m.Execute(context.Background(), "GET:/x", failingOp, req, nil)
		if got := m.Level("GET:/x"); got != want {
			t.Fatalf("After %d failures: expected %s, got %s", i+1, want, got)
		}
	}

	// Offline endpoints skip the primary entirely.
	invoked := false
	result, err := m.Execute(context.Background(), "GET:/x", func() (any, error) {
		invoked = true
		return "ok", nil
	}, req, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if invoked {
		t.Error("Primary invoked while offline")
	}
	if result.Actions[0] != "primary-skipped-offline" {
		t.Errorf("Trace missing offline skip: %v", result.Actions)
	}

	// Recovery is one step per success, starting from a forced level.
	m.ForceLevel("GET:/x", LevelMinimal)
	succeed := func() (any, error) { return "ok", nil }

	_, _ = m.Execute(context.Background(), "GET:/x", succeed, req, nil)
	if got := m.Level("GET:/x"); got != LevelDegraded {
		t.Errorf("Expected degraded after one success, got %s", got)
	}
	_, _ = m.Execute(context.Background(), "GET:/x", succeed, req, nil)
	if got := m.Level("GET:/x"); got != LevelFull {
		t.Errorf("Expected full after two successes, got %s", got)
	}
}

func TestManager_DisabledRunsBare(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	m := NewManager(cfg)

	_, err := m.Execute(context.Background(), "GET:/x", failingOp,
		Request{Method: "GET", URL: "https://api.example.com/x"}, nil)
	if !errors.Is(err, errPrimary) {
		t.Fatalf("Disabled manager must re-raise the primary error, got %v", err)
	}
}

func TestManager_FallbacksDisabledByOverride(t *testing.T) {
	m := NewManager(DefaultConfig())

	off := false
	_, err := m.Execute(context.Background(), "GET:/ledger", failingOp,
		Request{Method: "GET", URL: "https://api.example.com/ledger"},
		&Override{EnableFallbacks: &off})

	if !errors.Is(err, errPrimary) {
		t.Fatalf("Expected the primary error with fallbacks off, got %v", err)
	}
}

func TestSyntheticPayloadShapes(t *testing.T) {
	cases := []struct {
		url     string
		wantKey string
	}{
		{"https://api.example.com/users/7", "email"},
		{"https://api.example.com/products/3", "price"},
		{"https://api.example.com/search?q=x", "results"},
		{"https://api.example.com/analytics/daily", "period"},
	}

	for _, tc := range cases {
		data, ok := syntheticPayload(tc.url)
		if !ok {
			t.Errorf("%s: expected a synthetic shape", tc.url)
			continue
		}
		payload := data.(map[string]any)
		if _, found := payload[tc.wantKey]; !found {
			t.Errorf("%s: payload missing %q: %v", tc.url, tc.wantKey, payload)
		}
		if payload["synthetic"] != true {
			t.Errorf("%s: payload not tagged synthetic", tc.url)
		}
	}

	if _, ok := syntheticPayload("https://api.example.com/ledger/entries"); ok {
		t.Error("Unrecognized shape produced a synthetic payload")
	}
}

func TestDefaultStrategy_MutatingMethodsGetPendingEnvelope(t *testing.T) {
	s := defaultStrategy()

	outcome, err := s.Attempt(context.Background(), errPrimary, Request{Method: "POST", URL: "https://api.example.com/orders"})
	if err != nil || !outcome.Success {
		t.Fatalf("Default strategy failed: %v", err)
	}
	payload := outcome.Data.(map[string]any)
	if payload["status"] != "pending" {
		t.Errorf("Expected pending envelope, got %v", payload)
	}
	if !reflect.DeepEqual(outcome.Actions, []string{"pending-response-success"}) {
		t.Errorf("Unexpected actions: %v", outcome.Actions)
	}
}

func TestManager_WithCustomStore(t *testing.T) {
	store := cache.NewMemoryStore(cache.MemoryStoreConfig{Name: "custom", DefaultTTL: time.Hour})
	m := NewManager(DefaultConfig(), WithStore(store))

	req := Request{Method: "GET", URL: "https://api.example.com/ledger/1"}
	_, err := m.Execute(context.Background(), "GET:/ledger/1", func() (any, error) {
		return "cached-value", nil
	}, req, nil)
	if err != nil {
		t.Fatalf("Priming call failed: %v", err)
	}

	value, err := store.Get(context.Background(), cache.Key("GET", req.URL))
	if err != nil {
		t.Fatalf("Injected store was not written: %v", err)
	}
	if value != "cached-value" {
		t.Errorf("Expected 'cached-value', got %v", value)
	}
}
