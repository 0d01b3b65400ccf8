package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"careunits.org/internal/auth"
)

// Stream handles Server-Sent Events for unit ledger movements. Subscribers
// only see events from their own organization unless they hold the tenant
// override permission.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if a.stream == nil {
		http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
		return
	}
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	if !actor.Can(auth.PermUnitsRead) {
		writeError(w, r, http.StatusForbidden, "operation not permitted")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.stream.Subscribe(ctx)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for event := range ch {
		if !actor.SameTenant(event.OrganizationID) {
			continue
		}
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}
