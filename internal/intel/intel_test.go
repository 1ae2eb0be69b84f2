package intel

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelsec/sentinel/internal/config"
	"github.com/sentinelsec/sentinel/internal/models"
)

func TestMockedFindingsAreDeterministic(t *testing.T) {
	ctx := context.Background()
	providers := []Provider{
		NewReputationProvider("", true),
		NewAbuseProvider("", true),
		NewPulseProvider("", true),
		NewFraudProvider("", true),
		NewVotesProvider("", true),
		NewScannerProvider("", true),
	}

	for _, p := range providers {
		a, err := p.CheckIP(ctx, "203.0.113.7")
		require.NoError(t, err, p.Name())
		b, err := p.CheckIP(ctx, "203.0.113.7")
		require.NoError(t, err, p.Name())
		assert.Equal(t, a, b, "%s must be stable for the same IP", p.Name())
		assert.True(t, a.Mocked)
		assert.GreaterOrEqual(t, a.NormalizedScore, 0.0, p.Name())
		assert.LessOrEqual(t, a.NormalizedScore, 1.0, p.Name())

		other, err := p.CheckIP(ctx, "198.51.100.1")
		require.NoError(t, err, p.Name())
		assert.NotEqual(t, a.Raw, other.Raw, "%s should vary across IPs", p.Name())
	}
}

func TestNormalizationRules(t *testing.T) {
	assert.Equal(t, 0.0, scannerScore("benign"))
	assert.Equal(t, 0.3, scannerScore("unknown"))
	assert.Equal(t, 0.3, scannerScore(""))
	assert.Equal(t, 0.9, scannerScore("malicious"))

	// votes_malicious / (votes_malicious + votes_benign + 1)
	assert.InDelta(t, 0.0, votesScore(0, 0), 1e-9)
	assert.InDelta(t, 5.0/8.0, votesScore(5, 2), 1e-9)

	// Reputation -100 (worst) normalizes to 1, +100 (best) to 0.
	assert.InDelta(t, 1.0, clamp01((-(-100.0)+100)/200), 1e-9)
	assert.InDelta(t, 0.0, clamp01((-(100.0)+100)/200), 1e-9)
	assert.InDelta(t, 0.5, clamp01((-(0.0)+100)/200), 1e-9)
}

func TestMemoryCacheHitAndExpiry(t *testing.T) {
	c := NewMemoryCache(10)

	f := models.Finding{Source: "abuse", NormalizedScore: 0.95}
	c.Set("abuse", "203.0.113.7", f, 50*time.Millisecond)

	got, ok := c.Get("abuse", "203.0.113.7")
	require.True(t, ok)
	assert.Equal(t, f, got)

	_, ok = c.Get("abuse", "203.0.113.8")
	assert.False(t, ok)

	time.Sleep(80 * time.Millisecond)
	_, ok = c.Get("abuse", "203.0.113.7")
	assert.False(t, ok, "expired entry must miss")
}

func TestMemoryCacheEvictsLRU(t *testing.T) {
	c := NewMemoryCache(2)
	c.Set("p", "a", models.Finding{Source: "p"}, time.Minute)
	c.Set("p", "b", models.Finding{Source: "p"}, time.Minute)

	// Touch "a" so "b" is the eviction victim.
	_, ok := c.Get("p", "a")
	require.True(t, ok)

	c.Set("p", "c", models.Finding{Source: "p"}, time.Minute)
	assert.Equal(t, 2, c.Len())
	_, ok = c.Get("p", "b")
	assert.False(t, ok)
	_, ok = c.Get("p", "a")
	assert.True(t, ok)
}

// countingProvider counts external calls to observe cache short-circuits.
type countingProvider struct {
	name  string
	calls int
	fail  bool
}

func (p *countingProvider) Name() string { return p.name }
func (p *countingProvider) CheckIP(_ context.Context, ip string) (models.Finding, error) {
	p.calls++
	if p.fail {
		return models.Finding{}, fmt.Errorf("provider down")
	}
	return models.Finding{Source: p.name, Raw: map[string]any{"ip": ip}, NormalizedScore: 0.5}, nil
}

func TestClientCacheHitSkipsProviderCall(t *testing.T) {
	p := &countingProvider{name: "stub"}
	c := NewClient(p, NewMemoryCache(10), 1000, 10, time.Minute)

	ctx := context.Background()
	first := c.Lookup(ctx, "203.0.113.7")
	require.Empty(t, first.Error)
	second := c.Lookup(ctx, "203.0.113.7")
	assert.Equal(t, first, second)
	assert.Equal(t, 1, p.calls, "second lookup must come from cache")
}

func TestClientRateLimitExhaustionIsTypedFailure(t *testing.T) {
	p := &countingProvider{name: "stub"}
	// One request per day, burst 1: the second distinct lookup must be
	// rejected by the bucket.
	c := NewClient(p, NewMemoryCache(10), 1, 1, time.Minute)

	ctx := context.Background()
	ok := c.Lookup(ctx, "203.0.113.7")
	require.Empty(t, ok.Error)

	limited := c.Lookup(ctx, "203.0.113.8")
	assert.NotEmpty(t, limited.Error)
	assert.Equal(t, "stub", limited.Source)
	assert.Equal(t, 1, p.calls)
}

func TestClientProviderFailureBecomesErrorFinding(t *testing.T) {
	p := &countingProvider{name: "stub", fail: true}
	c := NewClient(p, NewMemoryCache(10), 1000, 10, time.Minute)

	f := c.Lookup(context.Background(), "203.0.113.7")
	assert.Equal(t, "stub", f.Source)
	assert.Contains(t, f.Error, "provider down")

	// Failures are not cached; the next lookup tries again.
	c.Lookup(context.Background(), "203.0.113.7")
	assert.Equal(t, 2, p.calls)
}

func TestRegistrySkipsDisabledAndUncredentialed(t *testing.T) {
	providers := map[string]config.ProviderSettings{
		"reputation": {Enabled: true, RateLimitPerDay: 500, Burst: 5, TTL: 60},  // keyless, online: skipped
		"abuse":      {Enabled: false, Credential: "k", RateLimitPerDay: 500},   // disabled
		"scanner":    {Enabled: true, RateLimitPerDay: 500, Burst: 5, TTL: 60},  // keyless service: kept
		"fraud":      {Enabled: true, RateLimitPerDay: 500, Burst: 5, TTL: 60},  // keyless service: kept
		"pulse":      {Enabled: true, Credential: "k", RateLimitPerDay: 500, Burst: 5, TTL: 60},
	}
	r := NewRegistry(providers, false, NewMemoryCache(10))

	var names []string
	for _, c := range r.Clients() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"pulse", "fraud", "scanner"}, names)
}

func TestRegistryOfflineKeepsAllEnabled(t *testing.T) {
	providers := make(map[string]config.ProviderSettings)
	for _, name := range config.ProviderNames {
		providers[name] = config.ProviderSettings{Enabled: true, RateLimitPerDay: 500, Burst: 5, TTL: 60}
	}
	r := NewRegistry(providers, true, NewMemoryCache(10))
	assert.Len(t, r.Clients(), len(config.ProviderNames))
}
