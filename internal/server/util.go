package server

import (
	"encoding/json"
	"strings"

	"github.com/gin-gonic/gin"
)

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
	c.JSON(code, v)
}

// rawBody wraps already-encoded JSON so the gateway does not re-encode it.
type rawBody []byte

func (r rawBody) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	if !json.Valid(r) {
		return json.Marshal(string(r))
	}
	return r, nil
}
