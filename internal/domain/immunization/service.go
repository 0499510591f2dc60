package immunization

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/imms/imms/internal/platform/auth"
	"github.com/imms/imms/internal/platform/fhir"
	"github.com/imms/imms/internal/refdata"
	"github.com/imms/imms/internal/validation"
)

// Operation names recorded to the delta stream. A reinstate records CREATE:
// that is the operation the caller asked for.
const (
	opCreate = "CREATE"
	opUpdate = "UPDATE"
	opDelete = "DELETE"
)

// =========== Errors ===========

// InvalidIDError rejects a path id that is not a UUID.
type InvalidIDError struct{ ID string }

func (e *InvalidIDError) Error() string {
	return fmt.Sprintf("%q is not a valid Immunization id", e.ID)
}

// IDMismatchError rejects an update whose body id differs from the path id.
type IDMismatchError struct{ PathID string }

func (e *IDMismatchError) Error() string {
	return fmt.Sprintf("the resource id must match the path id %q", e.PathID)
}

// IdentifierMismatchError rejects an update whose identifier differs from
// the stored one. The message names the differing parts.
type IdentifierMismatchError struct {
	SystemDiffers bool
	ValueDiffers  bool
}

func (e *IdentifierMismatchError) Error() string {
	switch {
	case e.SystemDiffers && e.ValueDiffers:
		return "identifier system and value do not match the stored identifier"
	case e.SystemDiffers:
		return "identifier system does not match the stored identifier"
	default:
		return "identifier value does not match the stored identifier"
	}
}

// ValidationError carries the findings that rejected a resource or a set of
// search parameters.
type ValidationError struct{ Issues []validation.Issue }

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		msgs[i] = issue.Message
	}
	return strings.Join(msgs, "; ")
}

// =========== Service ===========

// DeltaRecorder receives every successful mutation for downstream
// projection. Implementations are best-effort and must never fail the
// mutation that triggered them.
type DeltaRecorder interface {
	Record(ctx context.Context, operation, source, vaccineType string, imm *fhir.Immunization)
}

// Service implements the CRUD contract over a Repository. Identifier
// uniqueness, reinstatement and version rules live here; handlers only
// translate its errors to HTTP.
type Service struct {
	repo     Repository
	cache    refdata.Cache
	recorder DeltaRecorder
}

// NewService wires the service. cache resolves target diseases to a vaccine
// type for the patient index; recorder may be nil to disable projection.
func NewService(repo Repository, cache refdata.Cache, recorder DeltaRecorder) *Service {
	return &Service{repo: repo, cache: cache, recorder: recorder}
}

// diseaseType resolves the resource's target diseases to a vaccine type.
// Unmapped disease sets leave it empty: the record stays reachable by id
// but out of patient searches.
func (s *Service) diseaseType(ctx context.Context, imm *fhir.Immunization) string {
	if s.cache == nil {
		return ""
	}
	codes := imm.TargetDiseaseCodes()
	if len(codes) == 0 {
		return ""
	}
	vt, err := s.cache.VaccineTypeForDiseases(ctx, codes)
	if err != nil {
		return ""
	}
	return vt
}

func (s *Service) project(ctx context.Context, operation string, rec *Record) {
	if s.recorder == nil {
		return
	}
	source := auth.SupplierFromContext(ctx)
	s.recorder.Record(ctx, operation, source, s.diseaseType(ctx, rec.Resource), rec.Resource)
}

// Create stores the resource under a fresh id. An identifier held by a live
// record is rejected; one held by a deleted record reinstates that record
// under its original id with the version incremented.
func (s *Service) Create(ctx context.Context, imm *fhir.Immunization) (*Record, error) {
	if issues := validation.ValidateResource(imm); len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}
	ident := imm.PrimaryIdentifier()

	existing, err := s.repo.FindByIdentifier(ctx, ident.System, ident.Value)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, err
	case !existing.IsDeleted:
		return nil, ErrDuplicateIdentifier
	default:
		return s.reinstate(ctx, existing, imm)
	}

	rec := &Record{
		ID:               uuid.NewString(),
		Resource:         imm,
		Version:          1,
		IdentifierSystem: ident.System,
		IdentifierValue:  ident.Value,
	}
	imm.ID = rec.ID
	rec.index(s.diseaseType(ctx, imm))
	if err := s.repo.Insert(ctx, rec); err != nil {
		return nil, err
	}
	s.project(ctx, opCreate, rec)
	return rec, nil
}

// reinstate revives a deleted record in place: same id, next version, the
// submitted resource as the new content.
func (s *Service) reinstate(ctx context.Context, existing *Record, imm *fhir.Immunization) (*Record, error) {
	expected := existing.Version
	imm.ID = existing.ID
	existing.Resource = imm
	existing.Version = expected + 1
	existing.IsDeleted = false
	existing.IsReinstated = true
	existing.index(s.diseaseType(ctx, imm))
	if err := s.repo.Update(ctx, existing, expected); err != nil {
		if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrDuplicateIdentifier) {
			// Lost a race with another create for the same identifier.
			return nil, ErrDuplicateIdentifier
		}
		return nil, err
	}
	s.project(ctx, opCreate, existing)
	return existing, nil
}

// Read returns the live record. Deleted records read as not found.
func (s *Service) Read(ctx context.Context, id string) (*Record, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.IsDeleted {
		return nil, ErrNotFound
	}
	rec.Resource.ID = rec.ID
	return rec, nil
}

// Update overwrites the live record's resource and increments the version.
// The body id must match the path id and the identifier must match the
// stored one; deleted and missing targets are not found.
func (s *Service) Update(ctx context.Context, id string, imm *fhir.Immunization) (*Record, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	if imm.ID != id {
		return nil, &IDMismatchError{PathID: id}
	}
	if issues := validation.ValidateResource(imm); len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}

	stored, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if stored.IsDeleted {
		return nil, ErrNotFound
	}

	ident := imm.PrimaryIdentifier()
	mismatch := &IdentifierMismatchError{
		SystemDiffers: ident.System != stored.IdentifierSystem,
		ValueDiffers:  ident.Value != stored.IdentifierValue,
	}
	if mismatch.SystemDiffers || mismatch.ValueDiffers {
		return nil, mismatch
	}
	return s.overwrite(ctx, stored, imm)
}

// UpdateByIdentifier applies a batch UPDATE, where the target is addressed
// by its identifier instead of its id.
func (s *Service) UpdateByIdentifier(ctx context.Context, imm *fhir.Immunization) (*Record, error) {
	if issues := validation.ValidateResource(imm); len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}
	ident := imm.PrimaryIdentifier()
	stored, err := s.repo.FindByIdentifier(ctx, ident.System, ident.Value)
	if err != nil {
		return nil, err
	}
	if stored.IsDeleted {
		return nil, ErrNotFound
	}
	return s.overwrite(ctx, stored, imm)
}

func (s *Service) overwrite(ctx context.Context, stored *Record, imm *fhir.Immunization) (*Record, error) {
	expected := stored.Version
	imm.ID = stored.ID
	stored.Resource = imm
	stored.Version = expected + 1
	stored.index(s.diseaseType(ctx, imm))
	if err := s.repo.Update(ctx, stored, expected); err != nil {
		return nil, err
	}
	s.project(ctx, opUpdate, stored)
	return stored, nil
}

// Delete removes the record from every patient search but keeps the row for
// reinstatement. The version does not change. A second delete is not found.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.delete(ctx, rec)
}

// DeleteByIdentifier applies a batch DELETE addressed by identifier.
func (s *Service) DeleteByIdentifier(ctx context.Context, system, value string) error {
	rec, err := s.repo.FindByIdentifier(ctx, system, value)
	if err != nil {
		return err
	}
	return s.delete(ctx, rec)
}

func (s *Service) delete(ctx context.Context, rec *Record) error {
	if rec.IsDeleted {
		return ErrNotFound
	}
	rec.IsDeleted = true
	rec.unindex()
	if err := s.repo.Update(ctx, rec, rec.Version); err != nil {
		return err
	}
	s.project(ctx, opDelete, rec)
	return nil
}

func checkID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return &InvalidIDError{ID: id}
	}
	return nil
}

// =========== Search ===========

// SearchParams are the patient search inputs. NHSNumber and DiseaseType are
// mandatory; the occurrence window bounds are optional, inclusive and
// accept dates or full dateTimes.
type SearchParams struct {
	NHSNumber   string
	DiseaseType string
	DateFrom    string
	DateTo      string
}

// Search returns the patient's live records for one disease type, in stable
// order, occurrence-filtered when a window is given. Resources are returned
// as stored; callers apply the search filter before exposure.
func (s *Service) Search(ctx context.Context, p SearchParams) ([]*Record, error) {
	var issues []validation.Issue
	mandatory := func(field string) {
		issues = append(issues, validation.Issue{Code: validation.CodeMandatory, Field: field, Message: field + " is mandatory"})
	}
	switch {
	case p.NHSNumber == "":
		mandatory("patient.identifier")
	case !validation.CheckNHSNumber(p.NHSNumber):
		issues = append(issues, validation.Issue{Code: validation.CodeValue, Field: "patient.identifier", Message: "patient.identifier: not a valid NHS number"})
	}
	if p.DiseaseType == "" {
		mandatory("-immunization.target")
	}
	window, windowIssues := parseWindow(p.DateFrom, p.DateTo)
	issues = append(issues, windowIssues...)
	if len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}

	recs, err := s.repo.ListByPatient(ctx, PatientPK(p.NHSNumber), p.DiseaseType+"#")
	if err != nil {
		return nil, err
	}
	matched := recs[:0]
	for _, rec := range recs {
		rec.Resource.ID = rec.ID
		if window.contains(rec.Resource.OccurrenceDateTime) {
			matched = append(matched, rec)
		}
	}
	return matched, nil
}

// occurrenceWindow is an inclusive time window. A date-only upper bound
// extends to the end of that day.
type occurrenceWindow struct {
	from    time.Time
	to      time.Time
	hasFrom bool
	hasTo   bool
}

func parseWindow(fromRaw, toRaw string) (occurrenceWindow, []validation.Issue) {
	var (
		w      occurrenceWindow
		issues []validation.Issue
	)
	badDate := func(field string) {
		issues = append(issues, validation.Issue{Code: validation.CodeValue, Field: field, Message: field + ": not a date or dateTime"})
	}
	if fromRaw != "" {
		t, _, err := parseSearchDate(fromRaw)
		if err != nil {
			badDate("-date.start")
		} else {
			w.from, w.hasFrom = t, true
		}
	}
	if toRaw != "" {
		t, dateOnly, err := parseSearchDate(toRaw)
		if err != nil {
			badDate("-date.end")
		} else {
			if dateOnly {
				t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
			}
			w.to, w.hasTo = t, true
		}
	}
	return w, issues
}

func parseSearchDate(value string) (t time.Time, dateOnly bool, err error) {
	if t, err = time.Parse("2006-01-02", value); err == nil {
		return t, true, nil
	}
	if t, err = time.Parse(time.RFC3339, value); err == nil {
		return t, false, nil
	}
	return time.Time{}, false, fmt.Errorf("unparseable date %q", value)
}

// contains reports whether the occurrence lies in the window. Unparseable
// occurrences fail any bounded window.
func (w occurrenceWindow) contains(occurrence string) bool {
	if !w.hasFrom && !w.hasTo {
		return true
	}
	t, ok := parseOccurrence(occurrence)
	if !ok {
		return false
	}
	if w.hasFrom && t.Before(w.from) {
		return false
	}
	if w.hasTo && t.After(w.to) {
		return false
	}
	return true
}

func parseOccurrence(value string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006-01-02T15:04:05", value); err == nil {
		return t, true
	}
	return time.Time{}, false
}
