package fhir

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// reqIDHeader carries the request id back to the client and into the log line.
const reqIDHeader = "X-Request-ID"

// newRequestID returns 8 random bytes, hex-encoded.
func newRequestID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "0000000000000000"
	}
	return hex.EncodeToString(buf)
}

// RequestLogger assigns every request an id at ingress and emits exactly one
// structured INFO line on completion. Sub-operations stay at DEBUG; the hot
// path carries no other INFO logging.
func RequestLogger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			reqID := req.Header.Get(reqIDHeader)
			if reqID == "" {
				reqID = newRequestID()
			}
			c.Response().Header().Set(reqIDHeader, reqID)
			c.Set("reqId", reqID)

			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else {
					status = StatusOf(err)
				}
			}

			resourceType, _, operation := ExtractResourceInfo(req.URL.Path)
			interaction := ClassifyInteraction(req.Method, req.URL.Path)

			ev := logger.Info().
				Str("reqId", reqID).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int64("duration_ms", time.Since(start).Milliseconds()).
				Int("code", status)
			if status < 400 {
				ev = ev.Str("status", "success")
			} else {
				ev = ev.Str("status", "error")
			}
			if resourceType != "" {
				ev = ev.Str("resource", resourceType)
			}
			if operation != "" {
				ev = ev.Str("operation", operation)
			} else {
				ev = ev.Str("operation", interaction)
			}
			if n := c.Response().Size; n > 0 {
				ev = ev.Int64("bytes", n)
			}
			if err != nil {
				ev = ev.Str("error", issueCodeOf(err)).Str("message", err.Error())
			}
			ev.Msg("request completed")

			return err
		}
	}
}

// ClassifyInteraction names the FHIR interaction for the method and path:
// read, vread, search-type, create, update, delete, history-instance,
// history-type, transaction, or operation.
func ClassifyInteraction(method, path string) string {
	segments := resourceSegments(trimmedPathSegments(path))

	for _, seg := range segments {
		if strings.HasPrefix(seg, "$") {
			return "operation"
		}
	}

	switch method {
	case http.MethodGet:
		return classifyGet(segments)
	case http.MethodPost:
		if len(segments) == 0 {
			return "transaction"
		}
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "unknown"
	}
}

func classifyGet(segments []string) string {
	switch n := len(segments); {
	case n <= 1:
		return "search-type"
	case n == 2:
		if segments[1] == "_history" {
			return "history-type"
		}
		return "read"
	case n == 3:
		if segments[2] == "_history" {
			return "history-instance"
		}
		return "read"
	default:
		if segments[2] == "_history" {
			return "vread"
		}
		return "read"
	}
}

// ExtractResourceInfo pulls the resource type, id and operation name out of a
// tenant-prefixed FHIR path.
func ExtractResourceInfo(path string) (resourceType, resourceID, operation string) {
	segments := resourceSegments(trimmedPathSegments(path))

	for i, seg := range segments {
		if strings.HasPrefix(seg, "$") {
			operation = seg
			switch {
			case i >= 2:
				resourceType = segments[i-2]
				resourceID = segments[i-1]
			case i >= 1:
				resourceType = segments[i-1]
			}
			return
		}
	}

	if len(segments) >= 1 {
		resourceType = segments[0]
	}
	if len(segments) >= 2 && segments[1] != "_history" {
		resourceID = segments[1]
	}
	return
}

func trimmedPathSegments(path string) []string {
	raw := strings.Split(path, "/")
	segments := make([]string, 0, len(raw))
	for _, s := range raw {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return segments
}

// resourceSegments strips the "/fhir/{tenant}" prefix. Health and other
// non-FHIR paths pass through unchanged.
func resourceSegments(segments []string) []string {
	if len(segments) > 0 && strings.EqualFold(segments[0], "fhir") {
		segments = segments[1:]
		if len(segments) > 0 {
			segments = segments[1:] // tenant
		}
	}
	return segments
}
