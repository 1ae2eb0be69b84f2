package intel

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/sentinelsec/sentinel/internal/config"
	"github.com/sentinelsec/sentinel/internal/metrics"
	"github.com/sentinelsec/sentinel/internal/models"
)

const secondsPerDay = 24 * 60 * 60

// Client wraps one provider with its cache path, token bucket and TTL.
type Client struct {
	provider Provider
	cache    Cache
	limiter  *rate.Limiter
	ttl      time.Duration
}

// NewClient builds a rate-limited, cached client around provider.
// requestsPerDay and burst size come from provider configuration.
func NewClient(p Provider, cache Cache, requestsPerDay, burst int, ttl time.Duration) *Client {
	if requestsPerDay <= 0 {
		requestsPerDay = 1000
	}
	if burst <= 0 {
		burst = 1
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Client{
		provider: p,
		cache:    cache,
		limiter:  rate.NewLimiter(rate.Limit(float64(requestsPerDay)/secondsPerDay), burst),
		ttl:      ttl,
	}
}

// Name returns the underlying provider's name.
func (c *Client) Name() string { return c.provider.Name() }

// Lookup answers the reputation query for ip. The cache is consulted
// first; an exhausted token bucket or a provider failure comes back as a
// finding with the Error field set, never as an abort.
func (c *Client) Lookup(ctx context.Context, ip string) models.Finding {
	name := c.provider.Name()

	if f, ok := c.cache.Get(name, ip); ok {
		metrics.TILookupsTotal.WithLabelValues(name, "hit").Inc()
		return f
	}

	if !c.limiter.Allow() {
		metrics.TILookupsTotal.WithLabelValues(name, "ratelimited").Inc()
		return models.Finding{Source: name, Error: "rate limit exhausted"}
	}

	f, err := c.provider.CheckIP(ctx, ip)
	if err != nil {
		metrics.TILookupsTotal.WithLabelValues(name, "error").Inc()
		log.Warn().Err(err).Str("provider", name).Str("ip", ip).Msg("TI provider query failed")
		return models.Finding{Source: name, Error: err.Error()}
	}
	metrics.TILookupsTotal.WithLabelValues(name, "call").Inc()
	c.cache.Set(name, ip, f, c.ttl)
	return f
}

// Registry holds the enabled, credentialed provider clients in a fixed
// order.
type Registry struct {
	cache   Cache
	clients []*Client
}

// NewRegistry builds clients for every configured provider that can
// actually run: disabled providers are dropped, and a provider without a
// credential is mocked when offline is set or skipped when it is not.
func NewRegistry(providers map[string]config.ProviderSettings, offline bool, cache Cache) *Registry {
	r := &Registry{cache: cache}

	for _, name := range config.ProviderNames {
		ps, ok := providers[name]
		if !ok || !ps.Enabled {
			continue
		}
		if ps.Credential == "" && !offline && requiresCredential(name) {
			log.Info().Str("provider", name).Msg("TI provider has no credential; skipping")
			continue
		}

		var p Provider
		switch name {
		case "reputation":
			p = NewReputationProvider(ps.Credential, offline)
		case "abuse":
			p = NewAbuseProvider(ps.Credential, offline)
		case "pulse":
			p = NewPulseProvider(ps.Credential, offline)
		case "fraud":
			p = NewFraudProvider(ps.Credential, offline)
		case "votes":
			p = NewVotesProvider(ps.Credential, offline)
		case "scanner":
			p = NewScannerProvider(ps.Credential, offline)
		default:
			log.Warn().Str("provider", name).Msg("Unknown TI provider name; skipping")
			continue
		}

		ttl := config.Seconds(ps.TTL)
		r.clients = append(r.clients, NewClient(p, cache, ps.RateLimitPerDay, ps.Burst, ttl))
	}

	log.Info().Int("providers", len(r.clients)).Bool("offline", offline).Msg("TI provider registry built")
	return r
}

// NewRegistryFromClients assembles a registry from prebuilt clients, for
// tests and tooling that bypass the configuration surface.
func NewRegistryFromClients(cache Cache, clients []*Client) *Registry {
	return &Registry{cache: cache, clients: clients}
}

// requiresCredential reports whether the named provider cannot run
// without an API key. Free-tier services run keyless.
func requiresCredential(name string) bool {
	switch name {
	case "fraud", "votes", "scanner":
		return false
	default:
		return true
	}
}

// Clients returns the registered clients in build order.
func (r *Registry) Clients() []*Client { return r.clients }

// Cache exposes the shared cache, mainly for pre-seeding in tests and
// replay tooling.
func (r *Registry) Cache() Cache { return r.cache }
