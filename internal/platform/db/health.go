package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// poolSnapshot is the slice of pgxpool.Stat the status endpoint reports.
type poolSnapshot struct {
	Total       int32  `json:"total_conns"`
	Idle        int32  `json:"idle_conns"`
	Acquired    int32  `json:"acquired_conns"`
	Max         int32  `json:"max_conns"`
	Acquires    int64  `json:"acquire_count"`
	AcquireWait string `json:"acquire_duration"`
}

func snapshot(pool *pgxpool.Pool) *poolSnapshot {
	s := pool.Stat()
	return &poolSnapshot{
		Total:       s.TotalConns(),
		Idle:        s.IdleConns(),
		Acquired:    s.AcquiredConns(),
		Max:         s.MaxConns(),
		Acquires:    s.AcquireCount(),
		AcquireWait: s.AcquireDuration().String(),
	}
}

// check is one dependency's verdict in the status response.
type check struct {
	Healthy bool          `json:"healthy"`
	Error   string        `json:"error,omitempty"`
	Pool    *poolSnapshot `json:"pool,omitempty"`
}

type statusResponse struct {
	Status string           `json:"status"`
	Checks map[string]check `json:"checks"`
}

// Pinger is any dependency that can answer a liveness round trip. The
// reference cache satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusHandler reports pass/fail for the database and, when a cache pinger
// is supplied, the reference cache. Any failing dependency turns the whole
// response into a 503.
func StatusHandler(pool *pgxpool.Pool, cache Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		checks := map[string]check{}

		var dbCheck check
		if pool == nil {
			dbCheck.Error = "no database pool"
		} else if err := pool.Ping(ctx); err != nil {
			dbCheck.Error = err.Error()
			dbCheck.Pool = snapshot(pool)
		} else {
			dbCheck = check{Healthy: true, Pool: snapshot(pool)}
		}
		checks["db"] = dbCheck

		if cache != nil {
			cacheCheck := check{Healthy: true}
			if err := cache.Ping(ctx); err != nil {
				cacheCheck = check{Error: err.Error()}
			}
			checks["cache"] = cacheCheck
		}

		status, code := "pass", http.StatusOK
		for _, ch := range checks {
			if !ch.Healthy {
				status, code = "fail", http.StatusServiceUnavailable
				break
			}
		}
		return c.JSON(code, statusResponse{Status: status, Checks: checks})
	}
}
