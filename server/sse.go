package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/skillsenselab/scribe/events"
)

// StreamEvents serves a session's live event stream over Server-Sent Events.
// The connection stays open until the client goes away or the hub shuts down.
func (a *API) StreamEvents(c *gin.Context) {
	id, err := sessionID(c)
	if err != nil {
		RespondWithError(c, err)
		return
	}
	if _, err := a.reader.Get(c.Request.Context(), id); err != nil {
		RespondWithError(c, err)
		return
	}

	w := c.Writer
	flusher, ok := w.(http.Flusher)
	if !ok {
		RespondWithError(c, fmt.Errorf("streaming not supported"))
		return
	}

	// Long-lived response; the server's write deadline must not apply.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := events.NewClient(uuid.New().String(), id.String())
	a.hub.Register(client)
	defer a.hub.Unregister(client)

	_, _ = fmt.Fprintf(w, "data: %s\n\n", events.Marshal(events.Event{
		Type:      "connected",
		SessionID: id.String(),
	}))
	flusher.Flush()

	// Keep-alive interval below typical proxy timeouts.
	keepAlive := time.NewTicker(30 * time.Second)
	defer keepAlive.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-client.Events():
			if !ok {
				return
			}
			_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-keepAlive.C:
			_, _ = fmt.Fprintf(w, ": keepalive %d\n\n", time.Now().Unix())
			flusher.Flush()
		}
	}
}
