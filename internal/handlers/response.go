package handlers

import (
	"time"

	"github.com/gin-gonic/gin"
)

// APIResponse is the envelope every endpoint returns
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Metadata  interface{} `json:"metadata,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError describes a failed request
type APIError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func requestID(c *gin.Context) string {
	return c.GetHeader("X-Request-ID")
}

func respond(c *gin.Context, status int, data, metadata interface{}) {
	c.JSON(status, APIResponse{
		Success:   true,
		Data:      data,
		Metadata:  metadata,
		RequestID: requestID(c),
		Timestamp: time.Now().UTC(),
	})
}

func fail(c *gin.Context, status int, code, message string, details map[string]string) {
	c.AbortWithStatusJSON(status, APIResponse{
		Success:   false,
		Error:     &APIError{Code: code, Message: message, Details: details},
		RequestID: requestID(c),
		Timestamp: time.Now().UTC(),
	})
}
