package db

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// HealthStatus is the detailed health report served at /health.
type HealthStatus struct {
	Status      string `json:"status"`
	Database    string `json:"database"`
	Circuit     string `json:"circuit"`
	LastFailure string `json:"lastFailure,omitempty"`
}

// probeTimeout bounds the readiness probe so a hung database cannot hang the
// load balancer's health check.
const probeTimeout = 5 * time.Second

func circuitState(g *Gateway) string {
	if g.IsCircuitOpen() {
		return "OPEN"
	}
	return "CLOSED"
}

// LivenessHandler always returns 200 while the process runs.
func LivenessHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "alive"})
	}
}

// ReadinessHandler returns 200 iff the database is reachable and the circuit
// is closed. It actively probes the default tenant's bucket so recovery is
// detected promptly; the external load balancer drains traffic on 503.
func ReadinessHandler(g *Gateway, defaultTenant string) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), probeTimeout)
		defer cancel()

		if g.IsCircuitOpen() || !g.IsAvailable(ctx, defaultTenant) {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
	}
}

// HealthHandler serves the detailed health report.
func HealthHandler(g *Gateway, defaultTenant string) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), probeTimeout)
		defer cancel()

		status := HealthStatus{
			Status:   "up",
			Database: "up",
			Circuit:  circuitState(g),
		}
		if !g.IsAvailable(ctx, defaultTenant) {
			status.Status = "degraded"
			status.Database = "down"
		}
		if t := g.LastFailure(); !t.IsZero() {
			status.LastFailure = t.UTC().Format(time.RFC3339)
		}

		code := http.StatusOK
		if status.Database == "down" {
			code = http.StatusServiceUnavailable
		}
		return c.JSON(code, status)
	}
}

// CircuitResetHandler manually closes the circuit. Operators call it after a
// known-good recovery; the next database call probes for real.
func CircuitResetHandler(g *Gateway) echo.HandlerFunc {
	return func(c echo.Context) error {
		g.ResetCircuit()
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"circuit": circuitState(g),
		})
	}
}
