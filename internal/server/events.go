package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/proxyvisor/internal/events"
)

const (
	sseBuffer    = 64
	sseKeepAlive = 15 * time.Second
)

// handleEvents streams hub events as server-sent events. The first event is a
// "status" snapshot so a new client does not wait for the next transition.
// A slow client loses events rather than blocking the hub.
func (r *Router) handleEvents(c *gin.Context) {
	if r.d.Hub == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "not_found", Message: "event stream not configured"})
		return
	}
	ch := make(chan events.Event, sseBuffer)
	unsubscribe := r.d.Hub.Subscribe(func(e events.Event) {
		select {
		case ch <- e:
		default:
		}
	})
	defer unsubscribe()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("status", r.d.Supervisor.Status())
	c.Writer.Flush()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()
	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case e := <-ch:
			c.SSEvent(string(e.Kind), e)
			return true
		case <-ticker.C:
			_, _ = io.WriteString(w, ": keep-alive\n\n")
			return true
		}
	})
}
