package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/imms/imms/internal/platform/fhir"
)

// respondOutcome writes a FHIR OperationOutcome error body, unless part of a
// response is already on the wire (a timeout can fire mid-stream).
func respondOutcome(c echo.Context, status int, code, diagnostics string) error {
	if c.Response().Committed {
		return nil
	}
	return c.JSON(status, fhir.NewOperationOutcome(fhir.IssueSeverityError, code, diagnostics))
}
