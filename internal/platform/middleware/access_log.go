package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/imms/imms/internal/platform/auth"
)

// AccessEntry describes one supplier access to the immunisation API: who
// touched which record, when, from where, and with what outcome.
type AccessEntry struct {
	Supplier   string
	Operation  string // read, create, update, delete, search
	ResourceID string
	Method     string
	Path       string
	RemoteIP   string
	UserAgent  string
	RequestID  string
	StatusCode int
	At         time.Time
}

// AccessRecorder receives every entry the access log produces. The zerolog
// trail is always written; a recorder adds a durable sink on top of it.
type AccessRecorder interface {
	RecordAccess(entry AccessEntry) error
}

// AccessLog returns middleware that writes one structured line per
// Immunization API access, attributed to the supplier resolved upstream by
// SupplierJWT. Probe endpoints are not access-logged. recorder may be nil.
func AccessLog(logger zerolog.Logger, recorder AccessRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			if !isImmunizationPath(path) {
				return next(c)
			}

			// Run the handler first; the entry wants the response status.
			err := next(c)

			req := c.Request()
			entry := AccessEntry{
				Supplier:   auth.SupplierFromContext(req.Context()),
				Operation:  accessOperation(req.Method, path),
				ResourceID: resourceIDFromPath(path),
				Method:     req.Method,
				Path:       path,
				RemoteIP:   c.RealIP(),
				UserAgent:  req.UserAgent(),
				StatusCode: c.Response().Status,
				At:         time.Now().UTC(),
			}
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}

			if recorder != nil {
				if recErr := recorder.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("access entry not recorded")
				}
			}

			logger.Info().
				Str("type", "api_access").
				Str("supplier", entry.Supplier).
				Str("operation", entry.Operation).
				Str("resource_id", entry.ResourceID).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.RemoteIP).
				Str("request_id", entry.RequestID).
				Int("status", entry.StatusCode).
				Msg("immunization access")

			return err
		}
	}
}

// isImmunizationPath reports whether path belongs to the Immunization
// resource routes.
func isImmunizationPath(path string) bool {
	return path == "/Immunization" || strings.HasPrefix(path, "/Immunization/")
}

var methodOperations = map[string]string{
	http.MethodPost:   "create",
	http.MethodPut:    "update",
	http.MethodPatch:  "update",
	http.MethodDelete: "delete",
}

// accessOperation names the access for the log. A GET on the collection is a
// search; a GET on a single resource is a read.
func accessOperation(method, path string) string {
	if op, ok := methodOperations[method]; ok {
		return op
	}
	if path == "/Immunization" {
		return "search"
	}
	return "read"
}

// resourceIDFromPath pulls the logical id out of /Immunization/<id> paths,
// or returns "" when the segment is not a UUID.
func resourceIDFromPath(path string) string {
	rest, found := strings.CutPrefix(path, "/Immunization/")
	if !found {
		return ""
	}
	id, _, _ := strings.Cut(rest, "/")
	if _, err := uuid.Parse(id); err != nil {
		return ""
	}
	return id
}
