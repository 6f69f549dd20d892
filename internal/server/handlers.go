// Package server exposes the HTTP side of the relay: WebSocket upgrades,
// health checks, and the built-in test page.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Tyrowin/relay/internal/hub"
)

// healthResponse is the JSON body served by HealthHandler.
type healthResponse struct {
	Status   string    `json:"status"`
	Sessions int       `json:"sessions"`
	Hub      hub.Stats `json:"hub"`
}

// WebSocketHandler upgrades GET requests to WebSocket and serves the
// connection as a relay session until it ends.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	c := NewWebSocketConn(conn, r.RemoteAddr, s.opts.MaxMessageSize, s.opts.WriteTimeout, s.opts.IdleTimeout)
	// The handler goroutine owns the session; errors are reported by the observer.
	_ = s.ServeConn(c)
}

// HealthHandler reports relay status and hub statistics as JSON.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	body := healthResponse{
		Status:   "ok",
		Sessions: s.SessionCount(),
		Hub:      s.hub.Stats(),
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn().Err(err).Msg("error writing health response")
	}
}

// TestPageHandler serves a minimal HTML client for manual testing of the
// WebSocket gateway.
func (s *Server) TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPage); err != nil {
		s.logger.Warn().Err(err).Msg("error writing HTML response")
	}
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>Relay WebSocket Test</title>
    <style>
        body { font-family: sans-serif; margin: 20px; }
        #log { border: 1px solid #ccc; height: 300px; overflow-y: scroll; padding: 8px; margin: 10px 0; }
        .mine { color: #1a5fb4; }
        .theirs { color: #26a269; }
        .info { color: #777; font-style: italic; }
    </style>
</head>
<body>
    <h1>Relay WebSocket Test</h1>
    <div>
        <input id="author" placeholder="Name" size="12">
        <input id="text" placeholder="Type a message..." size="40" disabled>
        <button id="toggle">Connect</button>
    </div>
    <div id="log"></div>
    <script>
        const log = document.getElementById('log');
        const author = document.getElementById('author');
        const text = document.getElementById('text');
        const toggle = document.getElementById('toggle');
        let ws = null;

        function line(content, cls) {
            const el = document.createElement('div');
            el.className = cls;
            el.textContent = content;
            log.appendChild(el);
            log.scrollTop = log.scrollHeight;
        }

        toggle.onclick = () => {
            if (ws) { ws.close(); return; }
            ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws');
            ws.onopen = () => { line('connected', 'info'); text.disabled = false; toggle.textContent = 'Disconnect'; };
            ws.onmessage = (ev) => {
                try {
                    const m = JSON.parse(ev.data);
                    line(m.author + ': ' + m.text, 'theirs');
                } catch (e) {
                    line(ev.data, 'info');
                }
            };
            ws.onclose = () => { line('connection closed', 'info'); text.disabled = true; toggle.textContent = 'Connect'; ws = null; };
        };

        text.addEventListener('keypress', (e) => {
            if (e.key !== 'Enter' || !ws || !text.value.trim()) { return; }
            const m = { author: author.value || 'anonymous', text: text.value.trim() };
            ws.send(JSON.stringify(m));
            line(m.author + ': ' + m.text, 'mine');
            text.value = '';
        });
    </script>
</body>
</html>`
