package sse

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Done is the last frame of every stream.
const Done = "[DONE]"

// Stream writes each message from ch as one server-sent event:
//
//	data: <line>\n
//	\n
//
// and ends with a "data: [DONE]" frame once ch is closed. Multi-line
// messages get one data field per line. The caller owns ch and should
// close it when the request context is done.
func Stream(c *gin.Context, ch <-chan string) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	for msg := range ch {
		for _, line := range strings.Split(msg, "\n") {
			_, _ = c.Writer.Write([]byte("data: " + line + "\n"))
		}
		_, _ = c.Writer.Write([]byte("\n"))
		flusher.Flush()
	}
	_, _ = c.Writer.Write([]byte("data: " + Done + "\n\n"))
	flusher.Flush()
}
