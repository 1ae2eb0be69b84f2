// Package notify posts executed-action notifications to configured
// webhooks. Only incidents worth waking someone for go out: a high
// severity band or a malicious verdict.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"

	"github.com/sentinelsec/sentinel/internal/models"
)

// payload is the webhook body.
type payload struct {
	Event         string               `json:"event"`
	TS            float64              `json:"ts"`
	Action        models.ActionRecord  `json:"action"`
	Investigation *investigationSlice  `json:"investigation,omitempty"`
}

type investigationSlice struct {
	RiskScore float64        `json:"risk_score"`
	Verdict   models.Verdict `json:"verdict"`
}

// Notifier delivers webhook notifications. Webhook endpoints tend to sit
// behind short-TTL DNS, so lookups go through a shared resolver cache.
type Notifier struct {
	urls   []string
	client *http.Client
}

// New builds a notifier for the given webhook URLs. With no URLs the
// notifier is disabled and Notify is a no-op.
func New(urls []string) *Notifier {
	resolver := &dnscache.Resolver{}
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var lastErr error
			for _, ip := range ips {
				conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			return nil, lastErr
		},
	}
	return &Notifier{
		urls:   urls,
		client: &http.Client{Transport: transport, Timeout: 10 * time.Second},
	}
}

// Enabled reports whether any webhook URL is configured.
func (n *Notifier) Enabled() bool { return len(n.urls) > 0 }

// shouldNotify keeps the noise down: only a high severity band or a
// malicious verdict crosses the wire.
func shouldNotify(record models.ActionRecord, report models.InvestigationReport) bool {
	return record.SafetyGate == models.SeverityHigh || report.Verdict == models.VerdictMalicious
}

// Notify posts the record to every configured URL when it qualifies.
// Delivery failures are logged, never returned; notification is best
// effort and must not stall the pipeline.
func (n *Notifier) Notify(ctx context.Context, record models.ActionRecord, report models.InvestigationReport) {
	if !n.Enabled() || !shouldNotify(record, report) {
		return
	}

	body := payload{
		Event:  "action_executed",
		TS:     models.Now(),
		Action: record,
	}
	if report.AlertID != "" {
		body.Investigation = &investigationSlice{
			RiskScore: report.RiskScore,
			Verdict:   report.Verdict,
		}
	}
	data, err := json.Marshal(body)
	if err != nil {
		log.Error().Err(err).Msg("encode webhook payload")
		return
	}

	for _, url := range n.urls {
		if err := n.deliver(ctx, url, data); err != nil {
			log.Warn().Err(err).Str("url", url).Msg("webhook delivery failed")
		}
	}
}

// deliver posts once and retries a single time on a 5xx answer.
func (n *Notifier) deliver(ctx context.Context, url string, data []byte) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("webhook returned %d", resp.StatusCode)
			continue
		default:
			return fmt.Errorf("webhook returned %d", resp.StatusCode)
		}
	}
	return lastErr
}
