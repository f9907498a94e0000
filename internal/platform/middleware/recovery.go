package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Recovery converts a handler panic into a 500 carrying an OperationOutcome,
// the same error surface every other failure path renders. The panic value
// and stack go to the log, never to the client.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					var stack [4096]byte
					n := runtime.Stack(stack[:], false)

					logger.Error().
						Str("reqId", fmt.Sprintf("%v", c.Get("reqId"))).
						Str("panic", fmt.Sprintf("%v", r)).
						Str("stack", string(stack[:n])).
						Msg("panic recovered")

					err = internalServerError(c)
				}
			}()
			return next(c)
		}
	}
}

func internalServerError(c echo.Context) error {
	outcome := map[string]interface{}{
		"resourceType": "OperationOutcome",
		"issue": []map[string]interface{}{
			{
				"severity":    "error",
				"code":        "exception",
				"diagnostics": "internal server error",
			},
		},
	}
	if !c.Response().Committed {
		return c.JSON(http.StatusInternalServerError, outcome)
	}
	return nil
}
