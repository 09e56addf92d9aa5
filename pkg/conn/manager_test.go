package conn

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestManager_AgentIsCachedPerProtocolHost(t *testing.T) {
	m := NewManager(DefaultConfig())

	first, err := m.GetAgent("https://api.example.com/users/1")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	second, err := m.GetAgent("https://api.example.com/orders?page=2")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}

	// Same (protocol, host) pair shares one handle regardless of path.
	if first != second {
		t.Error("Expected the same agent for the same protocol and host")
	}

	stats := m.Stats()
	if stats.Lookups != 2 || stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	if stats.ActiveHosts != 1 {
		t.Errorf("Expected 1 active host, got %d", stats.ActiveHosts)
	}
}

func TestManager_DistinctHostsGetDistinctAgents(t *testing.T) {
	m := NewManager(DefaultConfig())

	urls := []string{
		"https://api.example.com/a",
		"https://api.example.com:8443/a",
		"http://api.example.com/a",
		"https://other.example.com/a",
	}

	seen := map[*Agent]bool{}
	for _, u := range urls {
		agent, err := m.GetAgent(u)
		if err != nil {
			t.Fatalf("GetAgent(%s) failed: %v", u, err)
		}
		seen[agent] = true
	}

	if len(seen) != len(urls) {
		t.Errorf("Expected %d distinct agents, got %d", len(urls), len(seen))
	}
	if m.Stats().ActiveHosts != len(urls) {
		t.Errorf("Expected %d active hosts, got %d", len(urls), m.Stats().ActiveHosts)
	}
}

func TestManager_SecureHostsAreMultiplexed(t *testing.T) {
	m := NewManager(DefaultConfig())

	secure, err := m.GetAgent("https://api.example.com")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if !secure.Multiplexed {
		t.Error("Expected https agent to be multiplexed")
	}

	plain, err := m.GetAgent("http://api.example.com")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if plain.Multiplexed {
		t.Error("http agent must not be multiplexed")
	}

	if m.Stats().Multiplexed != 1 {
		t.Errorf("Expected 1 multiplexed handle, got %d", m.Stats().Multiplexed)
	}
}

func TestManager_MultiplexingCanBeDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableMultiplexing = false
	m := NewManager(cfg)

	agent, err := m.GetAgent("https://api.example.com")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if agent.Multiplexed {
		t.Error("Multiplexing disabled but agent reports multiplexed")
	}
}

func TestManager_RejectsMalformedURLs(t *testing.T) {
	m := NewManager(DefaultConfig())

	for _, raw := range []string{"", "/relative/path", "api.example.com/no-scheme", "://bad"} {
		if _, err := m.GetAgent(raw); err == nil {
			t.Errorf("GetAgent(%q) succeeded, expected an error", raw)
		}
	}
}

func TestManager_TransportConfigCarriesDefaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequestTimeout = 12 * time.Second
	cfg.MaxResponseBytes = 1024
	m := NewManager(cfg)

	tc, err := m.GetTransportConfig("https://api.example.com")
	if err != nil {
		t.Fatalf("GetTransportConfig failed: %v", err)
	}

	if tc.Agent == nil || tc.Agent.Host != "api.example.com" {
		t.Fatalf("Unexpected agent: %+v", tc.Agent)
	}
	if tc.Timeout != 12*time.Second {
		t.Errorf("Expected 12s timeout, got %v", tc.Timeout)
	}
	if tc.MaxResponseBytes != 1024 {
		t.Errorf("Expected 1024 byte cap, got %d", tc.MaxResponseBytes)
	}
	if !tc.Compression {
		t.Error("Expected compression on by default")
	}
	if tc.Headers["Connection"] != "keep-alive" {
		t.Errorf("Expected keep-alive header, got %v", tc.Headers)
	}
}

func TestManager_UpdateConfigRebuildsHandles(t *testing.T) {
	m := NewManager(DefaultConfig())

	before, err := m.GetAgent("https://api.example.com")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}

	cfg := DefaultConfig()
	cfg.MaxIdleConnsPerHost = 50
	m.UpdateConfig(cfg)

	if m.Stats().ActiveHosts != 0 {
		t.Error("UpdateConfig must drop cached handles")
	}

	after, err := m.GetAgent("https://api.example.com")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if before == after {
		t.Error("Expected a rebuilt agent after UpdateConfig")
	}
	if after.Transport.MaxIdleConnsPerHost != 50 {
		t.Errorf("New config not applied: %d", after.Transport.MaxIdleConnsPerHost)
	}
}

func TestManager_DestroyThenReuse(t *testing.T) {
	m := NewManager(DefaultConfig())

	if _, err := m.GetAgent("https://api.example.com"); err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}

	m.Destroy()

	stats := m.Stats()
	if stats.ActiveHosts != 0 || stats.Lookups != 0 {
		t.Errorf("Destroy must clear handles and counters: %+v", stats)
	}

	agent, err := m.GetAgent("https://api.example.com")
	if err != nil {
		t.Fatalf("GetAgent after Destroy failed: %v", err)
	}
	if agent == nil {
		t.Fatal("Expected a rebuilt agent after Destroy")
	}
}

func TestManager_ConcurrentFirstLookupBuildsOnce(t *testing.T) {
	m := NewManager(DefaultConfig())

	const workers = 16
	agents := make([]*Agent, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			agent, err := m.GetAgent("https://api.example.com")
			if err != nil {
				t.Errorf("GetAgent failed: %v", err)
				return
			}
			agents[i] = agent
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if agents[i] != agents[0] {
			t.Fatal("Concurrent lookups produced distinct agents")
		}
	}
	if m.Stats().ActiveHosts != 1 {
		t.Errorf("Expected 1 active host, got %d", m.Stats().ActiveHosts)
	}
}

func TestManager_ResetStatsKeepsHandles(t *testing.T) {
	m := NewManager(DefaultConfig())

	before, _ := m.GetAgent("https://api.example.com")
	m.ResetStats()

	stats := m.Stats()
	if stats.Lookups != 0 || stats.Hits != 0 || stats.Misses != 0 {
		t.Errorf("Counters not reset: %+v", stats)
	}
	if stats.ActiveHosts != 1 {
		t.Error("ResetStats must not drop pooled handles")
	}

	after, _ := m.GetAgent("https://api.example.com")
	if before != after {
		t.Error("Handle was rebuilt after ResetStats")
	}
}

func TestManager_ErrorMentionsOffendingURL(t *testing.T) {
	m := NewManager(DefaultConfig())

	_, err := m.GetAgent("/relative/path")
	if err == nil {
		t.Fatal("Expected an error")
	}
	if !strings.Contains(err.Error(), "/relative/path") {
		t.Errorf("Error does not name the URL: %v", err)
	}
}
