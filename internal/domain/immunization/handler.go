package immunization

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/imms/imms/internal/platform/fhir"
	"github.com/imms/imms/internal/validation"
)

// headerETag carries the record version on create, read and update
// responses.
const headerETag = "E-Tag"

// allowedMethods is the Allow header value for the resource paths.
const allowedMethods = "GET, POST, PUT, DELETE"

// Handler exposes the service over the FHIR REST surface. Every error body
// is an OperationOutcome.
type Handler struct {
	svc     *Service
	baseURL string
}

// NewHandler wires the handler. baseURL is the public base for Location
// headers and bundle URLs; empty derives it from each request.
func NewHandler(svc *Service, baseURL string) *Handler {
	return &Handler{svc: svc, baseURL: strings.TrimSuffix(baseURL, "/")}
}

// RegisterRoutes mounts the resource routes. Methods outside the surface
// answer 405 with the Allow header.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/Immunization", h.Create)
	g.GET("/Immunization", h.Search)
	g.GET("/Immunization/:id", h.Read)
	g.PUT("/Immunization/:id", h.Update)
	g.DELETE("/Immunization/:id", h.Delete)

	for _, m := range []string{http.MethodPut, http.MethodDelete, http.MethodPatch, http.MethodHead, http.MethodOptions} {
		g.Add(m, "/Immunization", h.methodNotAllowed)
	}
	for _, m := range []string{http.MethodPost, http.MethodPatch, http.MethodHead, http.MethodOptions} {
		g.Add(m, "/Immunization/:id", h.methodNotAllowed)
	}
}

// NotFound answers unknown paths with an OperationOutcome. Mount it as the
// router's RouteNotFound handler.
func NotFound(c echo.Context) error {
	return c.JSON(http.StatusNotFound,
		fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeNotFound, "the requested path does not exist"))
}

func (h *Handler) Create(c echo.Context) error {
	var imm fhir.Immunization
	if err := c.Bind(&imm); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("the request body is not a FHIR Immunization"))
	}
	rec, err := h.svc.Create(c.Request().Context(), &imm)
	if err != nil {
		return h.errorResponse(c, err)
	}
	c.Response().Header().Set("Location", h.base(c)+"/"+fhir.FormatReference(fhir.ResourceTypeImmunization, rec.ID))
	c.Response().Header().Set(headerETag, strconv.Itoa(rec.Version))
	return c.JSON(http.StatusCreated, rec.Resource)
}

func (h *Handler) Read(c echo.Context) error {
	rec, err := h.svc.Read(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.errorResponse(c, err)
	}
	c.Response().Header().Set(headerETag, strconv.Itoa(rec.Version))
	return c.JSON(http.StatusOK, rec.Resource)
}

func (h *Handler) Update(c echo.Context) error {
	var imm fhir.Immunization
	if err := c.Bind(&imm); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("the request body is not a FHIR Immunization"))
	}
	rec, err := h.svc.Update(c.Request().Context(), c.Param("id"), &imm)
	if err != nil {
		return h.errorResponse(c, err)
	}
	c.Response().Header().Set(headerETag, strconv.Itoa(rec.Version))
	return c.JSON(http.StatusOK, rec.Resource)
}

func (h *Handler) Delete(c echo.Context) error {
	if err := h.svc.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return h.errorResponse(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Search(c echo.Context) error {
	nhs := c.QueryParam("patient.identifier")
	if i := strings.LastIndex(nhs, "|"); i >= 0 {
		if sys := nhs[:i]; sys != "" && sys != fhir.SystemNHSNumber {
			return c.JSON(http.StatusBadRequest,
				fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeValue, "patient.identifier: unsupported identifier system"))
		}
		nhs = nhs[i+1:]
	}
	params := SearchParams{
		NHSNumber:   nhs,
		DiseaseType: c.QueryParam("-immunization.target"),
		DateFrom:    c.QueryParam("-date.start"),
		DateTo:      c.QueryParam("-date.end"),
	}

	recs, err := h.svc.Search(c.Request().Context(), params)
	if err != nil {
		return h.errorResponse(c, err)
	}

	base := h.base(c)
	patientURL := base + "/Patient/" + params.NHSNumber
	resources := make([]interface{}, len(recs))
	for i, rec := range recs {
		filtered, err := FilterForSearch(rec.Resource, patientURL)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome("search result could not be rendered"))
		}
		resources[i] = filtered
	}
	selfURL := base + c.Request().RequestURI
	return c.JSON(http.StatusOK, fhir.NewSearchBundle(resources, len(resources), selfURL, base))
}

func (h *Handler) methodNotAllowed(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderAllow, allowedMethods)
	return c.JSON(http.StatusMethodNotAllowed, fhir.MethodNotAllowedOutcome(c.Request().Method))
}

func (h *Handler) base(c echo.Context) string {
	if h.baseURL != "" {
		return h.baseURL
	}
	return c.Scheme() + "://" + c.Request().Host
}

func (h *Handler) errorResponse(c echo.Context, err error) error {
	var (
		invalidID  *InvalidIDError
		idMismatch *IDMismatchError
		identifier *IdentifierMismatchError
		vErr       *ValidationError
	)
	switch {
	case errors.Is(err, ErrNotFound):
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome(fhir.ResourceTypeImmunization, c.Param("id")))
	case errors.Is(err, ErrDuplicateIdentifier):
		return c.JSON(http.StatusUnprocessableEntity,
			fhir.DuplicateOutcome("a live Immunization already holds this identifier"))
	case errors.Is(err, ErrVersionConflict):
		return c.JSON(http.StatusConflict,
			fhir.ConflictOutcome("the resource changed while the request was processing"))
	case errors.As(err, &invalidID), errors.As(err, &idMismatch), errors.As(err, &identifier):
		return c.JSON(http.StatusBadRequest,
			fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeInvalid, err.Error()))
	case errors.As(err, &vErr):
		return c.JSON(http.StatusBadRequest, validationOutcome(vErr))
	}
	return c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome("internal error"))
}

func validationOutcome(vErr *ValidationError) *fhir.OperationOutcome {
	issues := make([]fhir.OperationOutcomeIssue, 0, len(vErr.Issues))
	for _, issue := range vErr.Issues {
		code := fhir.IssueTypeValue
		if issue.Code == validation.CodeMandatory {
			code = fhir.IssueTypeRequired
		}
		issues = append(issues, fhir.OperationOutcomeIssue{
			Severity:    fhir.IssueSeverityError,
			Code:        code,
			Diagnostics: issue.Message,
			Expression:  []string{issue.Field},
		})
	}
	return fhir.MultipleIssuesOutcome(issues)
}
