package api

import (
	"embed"
	"net/http"
)

//go:embed static/openapi.yaml
var docsFS embed.FS

// statusPage renders live crawl progress from the stats stream.
const statusPage = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8"/>
  <title>Home Crawler</title>
  <style>
    body { font-family: system-ui, sans-serif; margin: 2rem; color: #1f2933; }
    table { border-collapse: collapse; min-width: 24rem; }
    th, td { text-align: left; padding: .35rem .75rem; border-bottom: 1px solid #e4e7eb; }
    th { font-weight: 500; color: #52606d; }
    .draining { color: #b44d12; }
  </style>
</head>
<body>
<h1>Crawl progress</h1>
<p id="state">waiting for the first snapshot</p>
<table>
  <tr><th>Extracted</th><td id="extracted">-</td></tr>
  <tr><th>Item cap</th><td id="max_items">-</td></tr>
  <tr><th>Pending</th><td id="pending">-</td></tr>
  <tr><th>In flight</th><td id="in_flight">-</td></tr>
  <tr><th>Handled</th><td id="handled">-</td></tr>
  <tr><th>Abandoned</th><td id="abandoned">-</td></tr>
  <tr><th>Credential</th><td id="credential_set">-</td></tr>
  <tr><th>Started</th><td id="started_at">-</td></tr>
</table>
<p>Endpoints: <code>/health</code>, <code>/api/crawl/stats</code>,
<code>/api/crawl/stats/stream</code>. API description: <a href="/openapi.yaml">openapi.yaml</a>.</p>
<script>
const show = (stats) => {
  for (const key of ['extracted', 'max_items', 'pending', 'in_flight', 'handled', 'abandoned', 'started_at']) {
    document.getElementById(key).textContent = stats[key] ?? '-';
  }
  document.getElementById('credential_set').textContent = stats.credential_set ? 'acquired' : 'missing';
  const state = document.getElementById('state');
  state.textContent = stats.draining ? 'item cap reached, finishing running work' : 'crawling';
  state.className = stats.draining ? 'draining' : '';
};
const events = new EventSource('/api/crawl/stats/stream');
events.addEventListener('stats', (ev) => show(JSON.parse(ev.data)));
events.onerror = () => { document.getElementById('state').textContent = 'stream closed'; };
</script>
</body>
</html>`

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	http.ServeFileFS(w, r, docsFS, "static/openapi.yaml")
}

func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(statusPage))
}
