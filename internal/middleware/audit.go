package middleware

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/huangang/vibecoding/pkg/logger"
)

const auditBodyLimit = 2000

var sensitiveKeys = []string{"apiKey", "api_key", "password", "secret", "token", "access_token"}

// AuditLog logs every write request with its caller, outcome and a masked
// body snippet.
func AuditLog() gin.HandlerFunc {
	audit := logger.With("audit")
	return func(c *gin.Context) {
		method := c.Request.Method
		if method != http.MethodPost && method != http.MethodPut && method != http.MethodDelete {
			c.Next()
			return
		}

		var bodySnippet string
		if c.Request.Body != nil {
			bodyBytes, _ := io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			bodySnippet = string(bodyBytes)
			if len(bodySnippet) > auditBodyLimit {
				bodySnippet = bodySnippet[:auditBodyLimit] + "...[truncated]"
			}
			bodySnippet = maskSensitiveFields(bodySnippet)
		}

		c.Next()

		status := c.Writer.Status()
		resource, action := parseRouteInfo(c.FullPath(), method)
		event := audit.Info()
		if status >= http.StatusBadRequest {
			event = audit.Warn()
		}
		event.
			Str("user_id", GetUserID(c)).
			Str("resource", resource).
			Str("action", action).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Str("body", bodySnippet).
			Msg("write request")
	}
}

// parseRouteInfo derives a resource and action from a route pattern:
// "/api/sessions/:sid/files/:fileId/lock" + POST → "lock", "Create".
func parseRouteInfo(fullPath, method string) (resource, action string) {
	resource = "unknown"
	parts := strings.Split(strings.TrimPrefix(fullPath, "/api/"), "/")
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] != "" && !strings.HasPrefix(parts[i], ":") {
			resource = parts[i]
			break
		}
	}

	switch method {
	case http.MethodPost:
		action = "Create"
	case http.MethodPut:
		action = "Update"
	case http.MethodDelete:
		action = "Delete"
	default:
		action = method
	}
	return resource, action
}

func maskSensitiveFields(body string) string {
	for _, key := range sensitiveKeys {
		body = maskJSONValue(body, key)
	}
	return body
}

// maskJSONValue replaces the string value of every "key": "value" pair.
func maskJSONValue(body, key string) string {
	needle := "\"" + key + "\""
	from := 0
	for {
		idx := strings.Index(body[from:], needle)
		if idx == -1 {
			return body
		}
		pos := from + idx + len(needle)

		for pos < len(body) && (body[pos] == ' ' || body[pos] == '\t') {
			pos++
		}
		if pos >= len(body) || body[pos] != ':' {
			from = pos
			continue
		}
		pos++
		for pos < len(body) && (body[pos] == ' ' || body[pos] == '\t') {
			pos++
		}
		if pos >= len(body) || body[pos] != '"' {
			from = pos
			continue
		}
		end := strings.Index(body[pos+1:], "\"")
		if end == -1 {
			return body
		}
		body = body[:pos+1] + "***" + body[pos+1+end:]
		from = pos + 4
	}
}
