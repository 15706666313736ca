package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// UnmatchedRoute labels requests that hit no registered route, so probes for
// arbitrary paths cannot grow the metric label set.
const UnmatchedRoute = "unmatched"

// AdminRequests logs and counts each admin request for peer. Server errors
// log at error, client errors at warn, everything else at debug.
func AdminRequests(logger zerolog.Logger, peer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = UnmatchedRoute
		}
		RecordHTTPRequest(peer, c.Request.Method, route, status, elapsed)

		event := logger.Debug()
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		}
		if id := c.Param("id"); id != "" {
			event = event.Str("session", id)
		}
		if len(c.Errors) > 0 {
			event = event.Str("errors", c.Errors.String())
		}
		event.
			Str("peer", peer).
			Str("method", c.Request.Method).
			Str("route", route).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Dur("duration", elapsed).
			Msg("admin.request")
	}
}
