package common

import "github.com/gin-gonic/gin"

// OK writes the payload as-is. Success bodies carry no envelope.
func OK(c *gin.Context, status int, data any) {
	c.JSON(status, data)
}

// Fail writes the standard error body: {"error": "..."} plus optional extras
// (e.g. the quota snapshot on a 403).
func Fail(c *gin.Context, status int, msg string, extras ...gin.H) {
	body := gin.H{"error": msg}
	for _, e := range extras {
		for k, v := range e {
			body[k] = v
		}
	}
	c.JSON(status, body)
}
