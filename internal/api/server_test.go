package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelsec/sentinel/internal/models"
	"github.com/sentinelsec/sentinel/internal/repository"
)

type stubReverter struct {
	record models.ActionRecord
	err    error
	called string
}

func (r *stubReverter) Revert(ctx context.Context, actionID string) (models.ActionRecord, error) {
	r.called = actionID
	return r.record, r.err
}

func seededServer(t *testing.T, reverter Reverter) (*Server, *repository.Repository) {
	t.Helper()
	repo, err := repository.Open(filepath.Join(t.TempDir(), "sentinel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	ctx := context.Background()
	for i, sev := range []models.Severity{models.SeverityLow, models.SeverityHigh, models.SeverityHigh} {
		alert := models.AlertEvent{
			ID:       models.NewID(),
			TS:       float64(1724660000 + i),
			SrcIP:    "203.0.113.7",
			DstIP:    "10.0.0.5",
			Proto:    "tcp",
			Severity: sev,
		}
		require.NoError(t, repo.SaveAlert(ctx, alert))
	}

	return NewServer(":0", "simulation", repo, reverter), repo
}

func getJSON(t *testing.T, srv *httptest.Server, path string, v any) *http.Response {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp
}

func TestStatsEndpoint(t *testing.T) {
	s, _ := seededServer(t, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	var stats statsPayload
	resp := getJSON(t, srv, "/api/stats", &stats)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, stats.Alerts)
	assert.Equal(t, 0, stats.Investigations)
	assert.Equal(t, 2, stats.AlertSeverities["high"])
	assert.Equal(t, 1, stats.AlertSeverities["low"])
}

func TestAlertListPaging(t *testing.T) {
	s, _ := seededServer(t, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	var p struct {
		Total  int              `json:"total"`
		Limit  int              `json:"limit"`
		Offset int              `json:"offset"`
		Items  []map[string]any `json:"items"`
	}
	getJSON(t, srv, "/api/alerts?limit=2&offset=1", &p)
	assert.Equal(t, 3, p.Total)
	assert.Equal(t, 2, p.Limit)
	assert.Equal(t, 1, p.Offset)
	assert.Len(t, p.Items, 2)

	// limit is capped, junk values fall back to the default
	getJSON(t, srv, "/api/alerts?limit=99999", &p)
	assert.Equal(t, maxPageLimit, p.Limit)
	getJSON(t, srv, "/api/alerts?limit=bogus", &p)
	assert.Equal(t, defaultPageLimit, p.Limit)
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := seededServer(t, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	var health map[string]any
	resp := getJSON(t, srv, "/api/health", &health)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "simulation", health["mode"])
	assert.Contains(t, health, "uptime_seconds")
}

func TestRevertEndpoint(t *testing.T) {
	reverter := &stubReverter{record: models.ActionRecord{
		ActionID: "01REVERT",
		Reverted: "yes",
		RevertOf: "01ORIGINAL",
		Result:   "simulated_unblock",
	}}
	s, _ := seededServer(t, reverter)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/actions/01ORIGINAL/revert", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "01ORIGINAL", reverter.called)

	var record models.ActionRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&record))
	assert.Equal(t, "yes", record.Reverted)

	// GET is not allowed on the revert route
	getResp, err := http.Get(srv.URL + "/api/actions/01ORIGINAL/revert")
	require.NoError(t, err)
	getResp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, getResp.StatusCode)
}

func TestRevertUnknownActionIs404(t *testing.T) {
	reverter := &stubReverter{err: repository.ErrNotFound}
	s, _ := seededServer(t, reverter)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/actions/missing/revert", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAlertReportEndpoint(t *testing.T) {
	s, repo := seededServer(t, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	alerts, _, err := repo.ListAlerts(context.Background(), 1, 0)
	require.NoError(t, err)
	alertID := alerts[0].ID

	resp, err := http.Get(srv.URL + "/api/alerts/" + alertID + "/report")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/pdf", resp.Header.Get("Content-Type"))

	head := make([]byte, 4)
	_, err = io.ReadFull(resp.Body, head)
	require.NoError(t, err)
	assert.Equal(t, "%PDF", string(head))
}

func TestAlertReportUnknownAlert(t *testing.T) {
	s, _ := seededServer(t, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/alerts/does-not-exist/report")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamBroadcast(t *testing.T) {
	s, _ := seededServer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.hub.Run(ctx)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// registration races the broadcast, poll until the hub sees us
	require.Eventually(t, func() bool { return s.hub.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	s.hub.Broadcast(map[string]any{"type": "stats", "data": map[string]int{"alerts": 3}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, message, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(message, &msg))
	assert.Equal(t, "stats", msg["type"])
}
