package middleware

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/imms/imms/internal/platform/fhir"
)

// BodyLimit rejects request bodies over the configured size. Immunization
// payloads are small documents, so one limit covers every route. Sizes read
// like "1M" or "512K" (K/M/G suffixes, plain bytes otherwise).
//
// The Content-Length header is the first gate; a capped reader backstops
// chunked uploads and clients that understate the header. Oversized requests
// get 413 with an OperationOutcome.
func BodyLimit(size string) echo.MiddlewareFunc {
	max := parseLimit(size)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}
			if req.ContentLength > max {
				return respondOutcome(c, http.StatusRequestEntityTooLarge, fhir.IssueTypeTooCostly,
					fmt.Sprintf("request body exceeds the %d byte limit", max))
			}
			req.Body = &cappedBody{rc: req.Body, left: max}
			return next(c)
		}
	}
}

var errBodyTooLarge = echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")

// cappedBody fails the read that crosses the cap instead of silently
// truncating, so handlers see an error rather than a partial document.
type cappedBody struct {
	rc   io.ReadCloser
	left int64
	over bool
}

func (b *cappedBody) Read(p []byte) (int, error) {
	if b.over {
		return 0, errBodyTooLarge
	}
	if int64(len(p)) > b.left+1 {
		p = p[:b.left+1]
	}
	n, err := b.rc.Read(p)
	b.left -= int64(n)
	if b.left < 0 {
		b.over = true
		return 0, errBodyTooLarge
	}
	return n, err
}

func (b *cappedBody) Close() error { return b.rc.Close() }

// parseLimit turns a size string into bytes. Unparseable or negative input
// falls back to 1M rather than failing startup over a config typo.
func parseLimit(size string) int64 {
	const fallback = int64(1) << 20

	s := strings.ToUpper(strings.TrimSpace(size))
	s = strings.TrimSuffix(s, "B")
	unit := int64(1)
	switch {
	case strings.HasSuffix(s, "K"):
		unit, s = 1<<10, strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		unit, s = 1<<20, strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		unit, s = 1<<30, strings.TrimSuffix(s, "G")
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return fallback
	}
	return n * unit
}
