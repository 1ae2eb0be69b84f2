package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelsec/sentinel/internal/models"
)

func highRecord() models.ActionRecord {
	return models.ActionRecord{
		ActionID:   models.NewID(),
		AlertID:    "01ALERT",
		TS:         models.Now(),
		ActionType: "block_ip",
		Target:     "203.0.113.7",
		Result:     "simulated_block",
		SafetyGate: models.SeverityHigh,
		Reversible: "yes",
		Reverted:   "no",
	}
}

func maliciousReport() models.InvestigationReport {
	return models.InvestigationReport{
		AlertID:   "01ALERT",
		RiskScore: 0.9,
		Verdict:   models.VerdictMalicious,
	}
}

func TestNotifyPostsQualifyingRecord(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		got.Store(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New([]string{srv.URL})
	n.Notify(context.Background(), highRecord(), maliciousReport())

	body, ok := got.Load().(map[string]any)
	require.True(t, ok, "no webhook delivery received")
	assert.Equal(t, "action_executed", body["event"])
	action := body["action"].(map[string]any)
	assert.Equal(t, "block_ip", action["action_type"])
	inv := body["investigation"].(map[string]any)
	assert.Equal(t, "malicious", inv["verdict"])
}

func TestNotifySkipsLowSeverityBenign(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rec := highRecord()
	rec.SafetyGate = models.SeverityLow
	rep := maliciousReport()
	rep.Verdict = models.VerdictBenign

	n := New([]string{srv.URL})
	n.Notify(context.Background(), rec, rep)
	assert.Equal(t, int64(0), calls.Load())
}

func TestNotifyMaliciousVerdictAloneQualifies(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rec := highRecord()
	rec.SafetyGate = models.SeverityMedium

	n := New([]string{srv.URL})
	n.Notify(context.Background(), rec, maliciousReport())
	assert.Equal(t, int64(1), calls.Load())
}

func TestNotifyRetriesOnceOn5xx(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New([]string{srv.URL})
	n.Notify(context.Background(), highRecord(), maliciousReport())
	assert.Equal(t, int64(2), calls.Load())
}

func TestNotifyNoRetryOn4xx(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	n := New([]string{srv.URL})
	n.Notify(context.Background(), highRecord(), maliciousReport())
	assert.Equal(t, int64(1), calls.Load())
}

func TestDisabledWithoutURLs(t *testing.T) {
	n := New(nil)
	assert.False(t, n.Enabled())
	// must not panic or block
	n.Notify(context.Background(), highRecord(), maliciousReport())
}
