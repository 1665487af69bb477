package protocol

import (
	"fmt"
	"mime"
	"net/http"
	"regexp"
	"strings"
)

// CleanGoErrorMessage removes Go HTTP client prefixes like `Get "http://...": `.
func CleanGoErrorMessage(msg string) string {
	for _, method := range []string{"Get", "Post", "Head", "Put", "Delete", "Patch"} {
		prefix := method + " \""
		if strings.HasPrefix(msg, prefix) {
			if idx := strings.Index(msg[len(prefix):], "\": "); idx >= 0 {
				return msg[len(prefix)+idx+3:]
			}
		}
	}
	return msg
}

// FormatHTTPStatusLine formats "HTTP 503 Service Unavailable".
func FormatHTTPStatusLine(statusCode int) string {
	text := http.StatusText(statusCode)
	if text == "" {
		return fmt.Sprintf("HTTP %d", statusCode)
	}
	return fmt.Sprintf("HTTP %d %s", statusCode, text)
}

var wwwAuthParamRe = regexp.MustCompile(`(\w+)="([^"]*)"`)

// ParseWWWAuthenticate extracts error, error_description, and error_uri
// from a WWW-Authenticate header value (RFC 6750 Section 3).
func ParseWWWAuthenticate(value string) (errCode, errDesc, errURI string) {
	for _, match := range wwwAuthParamRe.FindAllStringSubmatch(value, -1) {
		switch match[1] {
		case "error":
			errCode = match[2]
		case "error_description":
			errDesc = match[2]
		case "error_uri":
			errURI = match[2]
		}
	}
	return
}

// IsJSONContent reports whether a Content-Type header denotes JSON.
// An empty Content-Type is treated as JSON since several backends omit it.
func IsJSONContent(contentType string) bool {
	if contentType == "" {
		return true
	}
	ct, _, _ := mime.ParseMediaType(contentType)
	return ct == "application/json" || strings.HasSuffix(ct, "+json")
}
