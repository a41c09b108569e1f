package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"clinicdash.org/internal/authz"
)

const keepAliveInterval = 25 * time.Second

// Stream sends goal status transitions as Server-Sent Events. Events for
// clinics outside the caller's scope are never delivered.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	events := a.gw.Events()
	if events == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	ac := authContext(r)
	if !authz.PermitAction(ac.Role(), authz.ResourceGoals, authz.ActionRead) {
		writeGatewayError(w, r, authz.ErrForbidden)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Streams outlive the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := events.Subscribe(ctx, func(clinicID string) bool {
		return authz.HasAccess(ac, clinicID)
	})

	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("event: goal.status\ndata: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-ticker.C:
			_, _ = w.Write([]byte(": keep-alive\n\n"))
			flusher.Flush()
		}
	}
}
