package apiserver

import (
	"encoding/json"
	"strings"

	"github.com/gin-gonic/gin"
)

// isSafeName validates a process name before it is used to key a map
// lookup or appear in a log line. Allowed characters: A-Z a-z 0-9 . _ -
func isSafeName(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			continue
		default:
			return false
		}
	}
	return !strings.ContainsAny(s, "/\\")
}

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimRight(bp, "/")
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

func errorResp(message string) gin.H {
	return gin.H{"error": message}
}

func okResp() gin.H {
	return gin.H{"ok": true}
}
