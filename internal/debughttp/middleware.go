package debughttp

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Logger logs every introspection request tagged with the serving
// node's id and lifecycle state. Several nodes of a local test ring
// often share one process and interleave their output, and a ring
// snapshot taken mid-recovery reads very differently from one taken
// steady-state, so both go on every line.
func (h *Handler) Logger(logger *log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Printf("node %d [%s] %s %s -> %d in %s",
			h.node.Self().ID,
			h.node.State(),
			c.Request.Method,
			c.Request.URL.Path,
			c.Writer.Status(),
			time.Since(start),
		)
	}
}

// Recovery converts a handler panic into a 500 so a bad introspection
// request cannot take down the node serving it.
func (h *Handler) Recovery(logger *log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Printf("node %d introspection panic on %s: %v",
					h.node.Self().ID, c.Request.URL.Path, r)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}
