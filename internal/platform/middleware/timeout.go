package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/imms/imms/internal/platform/fhir"
)

// RequestTimeout bounds each request with a context deadline. A handler that
// outlives the deadline is answered with 504 and an OperationOutcome; other
// cancellations (client gone) propagate unchanged. The abandoned handler
// keeps its goroutine until it notices the dead context, so repository calls
// must stay context-aware.
func RequestTimeout(limit time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), limit)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() { done <- next(c) }()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return respondOutcome(c, http.StatusGatewayTimeout,
						fhir.IssueTypeTimeout, "the request took longer than the service allows")
				}
				return ctx.Err()
			}
		}
	}
}
