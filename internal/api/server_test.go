package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homecrawler/pkg/types"
)

type fixedStats types.CrawlStats

func (f fixedStats) Stats(context.Context) types.CrawlStats { return types.CrawlStats(f) }

func newTestServer() *Server {
	stats := fixedStats{Extracted: 12, MaxItems: 50, Pending: 3, CredentialSet: true}
	return NewServer(stats, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestServerHandlers(t *testing.T) {
	server := newTestServer()

	assertRoute(t, server, http.MethodGet, "/health", http.StatusOK, "application/json")
	assertRoute(t, server, http.MethodGet, "/api/crawl/stats", http.StatusOK, "application/json")
	assertRoute(t, server, http.MethodGet, "/openapi.yaml", http.StatusOK, "application/yaml")
	assertRoute(t, server, http.MethodGet, "/docs", http.StatusOK, "text/html; charset=utf-8")
	assertRoute(t, server, http.MethodPost, "/api/crawl/stats", http.StatusMethodNotAllowed, "")
}

func TestStatsBody(t *testing.T) {
	rr := httptest.NewRecorder()
	newTestServer().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/crawl/stats", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var got types.CrawlStats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, 12, got.Extracted)
	assert.Equal(t, 50, got.MaxItems)
	assert.Equal(t, int64(3), got.Pending)
	assert.True(t, got.CredentialSet)
}

func TestDocsPageFollowsStream(t *testing.T) {
	rr := httptest.NewRecorder()
	newTestServer().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/docs", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	body := rr.Body.String()
	assert.Contains(t, body, "new EventSource('/api/crawl/stats/stream')")
	assert.Contains(t, body, `href="/openapi.yaml"`)
}

func TestStatsStream(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/crawl/stats/stream", nil).WithContext(ctx)
	rr := httptest.NewRecorder()

	newTestServer().ServeHTTP(rr, req)

	assert.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))
	body := rr.Body.String()
	assert.True(t, strings.HasPrefix(body, "event: stats\n"))
	assert.Contains(t, body, `"extracted":12`)
}

func assertRoute(t *testing.T, h http.Handler, method, path string, wantStatus int, wantContentType string) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != wantStatus {
		t.Fatalf("%s %s: expected status %d, got %d (body=%s)", method, path, wantStatus, rr.Code, rr.Body.String())
	}
	if wantContentType != "" {
		if got := rr.Header().Get("Content-Type"); got != wantContentType {
			t.Fatalf("%s %s: expected content-type %s, got %s", method, path, wantContentType, got)
		}
	}
	if rr.Body.Len() == 0 {
		t.Fatalf("%s %s: expected non-empty body", method, path)
	}
}
