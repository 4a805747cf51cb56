package actuator

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"

	"github.com/banshee-data/sortbin/internal/material"
	"tailscale.com/tsweb"
)

var consoleTemplate = template.Must(template.New("console").Parse(`<!doctype html>
<html><head><title>actuator</title></head>
<body>
<h1>{{.Device}}</h1>
<p>path: {{.Path}} &middot; connected: {{.Connected}} &middot; deposits: {{.Deposits}} &middot; failures: {{.Failures}}</p>
{{if .LastError}}<p>last error: {{.LastError}}</p>{{end}}
<form method="post" action="actuator-send">
<input name="command" placeholder="GIRO:59">
<button type="submit">send</button>
</form>
<pre id="tail"></pre>
<script>
const tail = document.getElementById("tail");
new EventSource("actuator-tail").onmessage = (e) => { tail.textContent += e.data + "\n"; };
</script>
</body></html>
`))

// AttachAdminRoutes registers the actuator console under /debug/.
func (c *Controller) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("actuator", "actuator console and live reply tail", func(w http.ResponseWriter, r *http.Request) {
		if err := consoleTemplate.Execute(w, c.Status()); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
		}
	})

	// Raw commands bypass acknowledgment handling; replies show up in the tail.
	debug.HandleSilentFunc("actuator-send", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if _, err := ParseCommand(command); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		c.mu.Lock()
		link := c.link
		var err error
		if link != nil {
			err = link.SendCommand(command)
		}
		c.mu.Unlock()
		if link == nil {
			http.Error(w, ErrNotConnected.Error(), http.StatusServiceUnavailable)
			return
		}
		if err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote command %q to actuator", command))
	})

	debug.HandleSilentFunc("actuator-deposit", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		category, err := material.ParseCategory(r.FormValue("category"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := c.ExecuteDeposit(r.Context(), category); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(c.Status())
	})

	debug.HandleSilentFunc("actuator-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		c.mu.Lock()
		link := c.link
		c.mu.Unlock()
		if link == nil {
			http.Error(w, ErrNotConnected.Error(), http.StatusServiceUnavailable)
			return
		}
		streamLines(r.Context(), w, link)
	})
}

func streamLines(ctx context.Context, w http.ResponseWriter, link *LineMux[Port]) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id, lines := link.Subscribe()
	defer link.Unsubscribe(id)

	w.Write([]byte(": ping\n\n"))
	flusher.Flush()
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}
