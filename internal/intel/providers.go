// Package intel queries external threat-intelligence services about IOCs
// and normalizes their answers into [0,1] scores. Six reputation services
// are built in; none is load-bearing, and without credentials each can
// serve deterministic mocked findings for offline operation.
package intel

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/sentinelsec/sentinel/internal/models"
)

// Provider answers reputation queries for one IP address.
type Provider interface {
	Name() string
	CheckIP(ctx context.Context, ip string) (models.Finding, error)
}

// mockValue derives a stable pseudo-random value in [0, mod) from an IP,
// so offline findings are deterministic across runs and instances.
func mockValue(ip string, salt string, mod uint64) uint64 {
	sum := sha256.Sum256([]byte(salt + ":" + ip))
	return binary.BigEndian.Uint64(sum[:8]) % mod
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// httpProvider carries the pieces shared by every real client.
type httpProvider struct {
	name       string
	credential string
	offline    bool
	client     *http.Client
	baseURL    string
}

func (p httpProvider) Name() string { return p.name }

func (p httpProvider) fetch(ctx context.Context, url string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("query %s: %w", p.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("query %s: unexpected status %d", p.name, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", p.name, err)
	}
	return nil
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 5 * time.Second}
}

// ReputationProvider models a negative-vote reputation service: raw
// reputation in [-100, 100], more negative meaning worse.
type ReputationProvider struct{ httpProvider }

// NewReputationProvider builds the provider. With offline set and no
// credential it serves mocked findings.
func NewReputationProvider(credential string, offline bool) *ReputationProvider {
	return &ReputationProvider{httpProvider{
		name: "reputation", credential: credential, offline: offline,
		client: newHTTPClient(), baseURL: "https://www.virustotal.com/api/v3/ip_addresses",
	}}
}

// CheckIP implements Provider.
func (p *ReputationProvider) CheckIP(ctx context.Context, ip string) (models.Finding, error) {
	if p.offline && p.credential == "" {
		rep := int64(mockValue(ip, p.name, 201)) - 100
		return models.Finding{
			Source:          p.name,
			Raw:             map[string]any{"ip": ip, "reputation": rep},
			NormalizedScore: clamp01((float64(-rep) + 100) / 200),
			Mocked:          true,
		}, nil
	}

	var body struct {
		Data struct {
			Attributes struct {
				Reputation float64 `json:"reputation"`
			} `json:"attributes"`
		} `json:"data"`
	}
	url := fmt.Sprintf("%s/%s", p.baseURL, ip)
	if err := p.fetch(ctx, url, map[string]string{"x-apikey": p.credential}, &body); err != nil {
		return models.Finding{}, err
	}
	rep := body.Data.Attributes.Reputation
	return models.Finding{
		Source:          p.name,
		Raw:             map[string]any{"ip": ip, "reputation": rep},
		NormalizedScore: clamp01((-rep + 100) / 200),
	}, nil
}

// AbuseProvider models an abuse-confidence service: confidence in
// [0, 100].
type AbuseProvider struct{ httpProvider }

// NewAbuseProvider builds the provider.
func NewAbuseProvider(credential string, offline bool) *AbuseProvider {
	return &AbuseProvider{httpProvider{
		name: "abuse", credential: credential, offline: offline,
		client: newHTTPClient(), baseURL: "https://api.abuseipdb.com/api/v2/check",
	}}
}

// CheckIP implements Provider.
func (p *AbuseProvider) CheckIP(ctx context.Context, ip string) (models.Finding, error) {
	if p.offline && p.credential == "" {
		conf := mockValue(ip, p.name, 101)
		return models.Finding{
			Source:          p.name,
			Raw:             map[string]any{"ip": ip, "abuse_confidence": conf},
			NormalizedScore: float64(conf) / 100,
			Mocked:          true,
		}, nil
	}

	var body struct {
		Data struct {
			AbuseConfidenceScore float64 `json:"abuseConfidenceScore"`
		} `json:"data"`
	}
	url := fmt.Sprintf("%s?ipAddress=%s&maxAgeInDays=90", p.baseURL, ip)
	headers := map[string]string{"Key": p.credential, "Accept": "application/json"}
	if err := p.fetch(ctx, url, headers, &body); err != nil {
		return models.Finding{}, err
	}
	conf := body.Data.AbuseConfidenceScore
	return models.Finding{
		Source:          p.name,
		Raw:             map[string]any{"ip": ip, "abuse_confidence": conf},
		NormalizedScore: clamp01(conf / 100),
	}, nil
}

// PulseProvider models a threat-exchange: the signal is how many threat
// pulses reference the IP.
type PulseProvider struct{ httpProvider }

// NewPulseProvider builds the provider.
func NewPulseProvider(credential string, offline bool) *PulseProvider {
	return &PulseProvider{httpProvider{
		name: "pulse", credential: credential, offline: offline,
		client: newHTTPClient(), baseURL: "https://otx.alienvault.com/api/v1/indicators/IPv4",
	}}
}

// CheckIP implements Provider.
func (p *PulseProvider) CheckIP(ctx context.Context, ip string) (models.Finding, error) {
	if p.offline && p.credential == "" {
		count := mockValue(ip, p.name, 8)
		return models.Finding{
			Source:          p.name,
			Raw:             map[string]any{"ip": ip, "pulse_count": count},
			NormalizedScore: math.Min(float64(count)/5, 1),
			Mocked:          true,
		}, nil
	}

	var body struct {
		PulseInfo struct {
			Pulses []json.RawMessage `json:"pulses"`
		} `json:"pulse_info"`
	}
	url := fmt.Sprintf("%s/%s/general", p.baseURL, ip)
	if err := p.fetch(ctx, url, map[string]string{"X-OTX-API-KEY": p.credential}, &body); err != nil {
		return models.Finding{}, err
	}
	count := len(body.PulseInfo.Pulses)
	return models.Finding{
		Source:          p.name,
		Raw:             map[string]any{"ip": ip, "pulse_count": count},
		NormalizedScore: math.Min(float64(count)/5, 1),
	}, nil
}

// FraudProvider models a fraud-score service: score in [0, 100].
type FraudProvider struct{ httpProvider }

// NewFraudProvider builds the provider. The service's free tier needs no
// credential, so only offline mode forces mocking.
func NewFraudProvider(credential string, offline bool) *FraudProvider {
	return &FraudProvider{httpProvider{
		name: "fraud", credential: credential, offline: offline,
		client: newHTTPClient(), baseURL: "https://www.ipqualityscore.com/api/json/ip/free",
	}}
}

// CheckIP implements Provider.
func (p *FraudProvider) CheckIP(ctx context.Context, ip string) (models.Finding, error) {
	if p.offline {
		score := mockValue(ip, p.name, 101)
		return models.Finding{
			Source:          p.name,
			Raw:             map[string]any{"ip": ip, "fraud_score": score},
			NormalizedScore: float64(score) / 100,
			Mocked:          true,
		}, nil
	}

	var body struct {
		FraudScore float64 `json:"fraud_score"`
	}
	url := fmt.Sprintf("%s/%s", p.baseURL, ip)
	if err := p.fetch(ctx, url, nil, &body); err != nil {
		return models.Finding{}, err
	}
	return models.Finding{
		Source:          p.name,
		Raw:             map[string]any{"ip": ip, "fraud_score": body.FraudScore},
		NormalizedScore: clamp01(body.FraudScore / 100),
	}, nil
}

// VotesProvider models a community-vote aggregator: malicious and benign
// vote counts.
type VotesProvider struct{ httpProvider }

// NewVotesProvider builds the provider.
func NewVotesProvider(credential string, offline bool) *VotesProvider {
	return &VotesProvider{httpProvider{
		name: "votes", credential: credential, offline: offline,
		client: newHTTPClient(), baseURL: "https://www.threatcrowd.org/searchApi/v2/ip/report",
	}}
}

func votesScore(malicious, benign float64) float64 {
	return malicious / (malicious + benign + 1)
}

// CheckIP implements Provider.
func (p *VotesProvider) CheckIP(ctx context.Context, ip string) (models.Finding, error) {
	if p.offline {
		vm := float64(mockValue(ip, p.name+"-mal", 10))
		vb := float64(mockValue(ip, p.name+"-ben", 10))
		return models.Finding{
			Source:          p.name,
			Raw:             map[string]any{"ip": ip, "votes_malicious": vm, "votes_benign": vb},
			NormalizedScore: votesScore(vm, vb),
			Mocked:          true,
		}, nil
	}

	var body struct {
		Votes         float64 `json:"votes"`
		VotesBenign   float64 `json:"votes_benign"`
		VotesMalcious float64 `json:"votes_malicious"`
	}
	url := fmt.Sprintf("%s/?ip=%s", p.baseURL, ip)
	if err := p.fetch(ctx, url, nil, &body); err != nil {
		return models.Finding{}, err
	}
	vm, vb := body.VotesMalcious, body.VotesBenign
	if vm == 0 && vb == 0 && body.Votes < 0 {
		// Some deployments only report a net vote.
		vm = -body.Votes
	}
	return models.Finding{
		Source:          p.name,
		Raw:             map[string]any{"ip": ip, "votes_malicious": vm, "votes_benign": vb},
		NormalizedScore: votesScore(vm, vb),
	}, nil
}

// ScannerProvider models a scanner-detection service classifying IPs as
// benign, unknown or malicious.
type ScannerProvider struct{ httpProvider }

// NewScannerProvider builds the provider.
func NewScannerProvider(credential string, offline bool) *ScannerProvider {
	return &ScannerProvider{httpProvider{
		name: "scanner", credential: credential, offline: offline,
		client: newHTTPClient(), baseURL: "https://api.greynoise.io/v3/community",
	}}
}

func scannerScore(classification string) float64 {
	switch classification {
	case "benign":
		return 0.0
	case "malicious":
		return 0.9
	default:
		return 0.3
	}
}

// CheckIP implements Provider.
func (p *ScannerProvider) CheckIP(ctx context.Context, ip string) (models.Finding, error) {
	if p.offline {
		classes := []string{"benign", "unknown", "malicious"}
		class := classes[mockValue(ip, p.name, 3)]
		return models.Finding{
			Source:          p.name,
			Raw:             map[string]any{"ip": ip, "classification": class},
			NormalizedScore: scannerScore(class),
			Mocked:          true,
		}, nil
	}

	var body struct {
		Classification string `json:"classification"`
		Noise          bool   `json:"noise"`
	}
	url := fmt.Sprintf("%s/%s", p.baseURL, ip)
	if err := p.fetch(ctx, url, nil, &body); err != nil {
		return models.Finding{}, err
	}
	return models.Finding{
		Source:          p.name,
		Raw:             map[string]any{"ip": ip, "classification": body.Classification, "noise": body.Noise},
		NormalizedScore: scannerScore(body.Classification),
	}, nil
}
