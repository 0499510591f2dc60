// Package convert implements the projection between FHIR Immunization
// resources and the 34-column flat row the batch interface exchanges:
// ToFlat for resource → row (delta feeds, ACK diagnostics) and Build for
// row → resource skeleton (batch intake).
package convert

import (
	"fmt"
)

// ColumnActionFlag is carried by submitted CSV rows but never projected
// into flat output: it describes the requested operation, not the record.
const ColumnActionFlag = "ACTION_FLAG"

// columns is the fixed flat-row column order. It is never mutated;
// serialisation skips ACTION_FLAG by an exclusion check per call.
var columns = [34]string{
	"NHS_NUMBER",
	"PERSON_FORENAME",
	"PERSON_SURNAME",
	"PERSON_DOB",
	"PERSON_GENDER_CODE",
	"PERSON_POSTCODE",
	"DATE_AND_TIME",
	"SITE_CODE",
	"SITE_CODE_TYPE_URI",
	"UNIQUE_ID",
	"UNIQUE_ID_URI",
	ColumnActionFlag,
	"PERFORMING_PROFESSIONAL_FORENAME",
	"PERFORMING_PROFESSIONAL_SURNAME",
	"RECORDED_DATE",
	"PRIMARY_SOURCE",
	"VACCINATION_PROCEDURE_CODE",
	"VACCINATION_PROCEDURE_TERM",
	"DOSE_SEQUENCE",
	"VACCINE_PRODUCT_CODE",
	"VACCINE_PRODUCT_TERM",
	"VACCINE_MANUFACTURER",
	"BATCH_NUMBER",
	"EXPIRY_DATE",
	"SITE_OF_VACCINATION_CODE",
	"SITE_OF_VACCINATION_TERM",
	"ROUTE_OF_VACCINATION_CODE",
	"ROUTE_OF_VACCINATION_TERM",
	"DOSE_AMOUNT",
	"DOSE_UNIT_CODE",
	"DOSE_UNIT_TERM",
	"INDICATION_CODE",
	"LOCATION_CODE",
	"LOCATION_CODE_TYPE_URI",
}

// Columns returns the flat-row column names in submission order.
func Columns() []string {
	out := make([]string, len(columns))
	copy(out, columns[:])
	return out
}

// ConversionError is one per-field conversion diagnostic.
type ConversionError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CodeParsingError marks a field that could not be converted; the column is
// left empty and conversion continues.
const CodeParsingError = "PARSING_ERROR"

// Row is the flat projection of an Immunization. All values are strings and
// absence is the empty string. ConversionErrors is internal only: it flows
// through the pipeline envelope but is never serialised into flat output.
type Row struct {
	NHSNumber                      string
	PersonForename                 string
	PersonSurname                  string
	PersonDOB                      string
	PersonGenderCode               string
	PersonPostcode                 string
	DateAndTime                    string
	SiteCode                       string
	SiteCodeTypeURI                string
	UniqueID                       string
	UniqueIDURI                    string
	ActionFlag                     string
	PerformingProfessionalForename string
	PerformingProfessionalSurname  string
	RecordedDate                   string
	PrimarySource                  string
	VaccinationProcedureCode       string
	VaccinationProcedureTerm       string
	DoseSequence                   string
	VaccineProductCode             string
	VaccineProductTerm             string
	VaccineManufacturer            string
	BatchNumber                    string
	ExpiryDate                     string
	SiteOfVaccinationCode          string
	SiteOfVaccinationTerm          string
	RouteOfVaccinationCode         string
	RouteOfVaccinationTerm         string
	DoseAmount                     string
	DoseUnitCode                   string
	DoseUnitTerm                   string
	IndicationCode                 string
	LocationCode                   string
	LocationCodeTypeURI            string

	ConversionErrors []ConversionError
}

// field maps a column name to its Row field. The switch is the single
// source of truth for name ↔ field wiring.
func (r *Row) field(column string) *string {
	switch column {
	case "NHS_NUMBER":
		return &r.NHSNumber
	case "PERSON_FORENAME":
		return &r.PersonForename
	case "PERSON_SURNAME":
		return &r.PersonSurname
	case "PERSON_DOB":
		return &r.PersonDOB
	case "PERSON_GENDER_CODE":
		return &r.PersonGenderCode
	case "PERSON_POSTCODE":
		return &r.PersonPostcode
	case "DATE_AND_TIME":
		return &r.DateAndTime
	case "SITE_CODE":
		return &r.SiteCode
	case "SITE_CODE_TYPE_URI":
		return &r.SiteCodeTypeURI
	case "UNIQUE_ID":
		return &r.UniqueID
	case "UNIQUE_ID_URI":
		return &r.UniqueIDURI
	case ColumnActionFlag:
		return &r.ActionFlag
	case "PERFORMING_PROFESSIONAL_FORENAME":
		return &r.PerformingProfessionalForename
	case "PERFORMING_PROFESSIONAL_SURNAME":
		return &r.PerformingProfessionalSurname
	case "RECORDED_DATE":
		return &r.RecordedDate
	case "PRIMARY_SOURCE":
		return &r.PrimarySource
	case "VACCINATION_PROCEDURE_CODE":
		return &r.VaccinationProcedureCode
	case "VACCINATION_PROCEDURE_TERM":
		return &r.VaccinationProcedureTerm
	case "DOSE_SEQUENCE":
		return &r.DoseSequence
	case "VACCINE_PRODUCT_CODE":
		return &r.VaccineProductCode
	case "VACCINE_PRODUCT_TERM":
		return &r.VaccineProductTerm
	case "VACCINE_MANUFACTURER":
		return &r.VaccineManufacturer
	case "BATCH_NUMBER":
		return &r.BatchNumber
	case "EXPIRY_DATE":
		return &r.ExpiryDate
	case "SITE_OF_VACCINATION_CODE":
		return &r.SiteOfVaccinationCode
	case "SITE_OF_VACCINATION_TERM":
		return &r.SiteOfVaccinationTerm
	case "ROUTE_OF_VACCINATION_CODE":
		return &r.RouteOfVaccinationCode
	case "ROUTE_OF_VACCINATION_TERM":
		return &r.RouteOfVaccinationTerm
	case "DOSE_AMOUNT":
		return &r.DoseAmount
	case "DOSE_UNIT_CODE":
		return &r.DoseUnitCode
	case "DOSE_UNIT_TERM":
		return &r.DoseUnitTerm
	case "INDICATION_CODE":
		return &r.IndicationCode
	case "LOCATION_CODE":
		return &r.LocationCode
	case "LOCATION_CODE_TYPE_URI":
		return &r.LocationCodeTypeURI
	}
	return nil
}

// FromRecord builds a Row from a CSV record in canonical column order.
func FromRecord(record []string) (Row, error) {
	if len(record) != len(columns) {
		return Row{}, fmt.Errorf("expected %d columns, got %d", len(columns), len(record))
	}
	var r Row
	for i, column := range columns {
		*r.field(column) = record[i]
	}
	return r, nil
}

// Record returns the row's values in canonical column order, ACTION_FLAG
// included. It is the inverse of FromRecord.
func (r *Row) Record() []string {
	out := make([]string, len(columns))
	for i, column := range columns {
		out[i] = *r.field(column)
	}
	return out
}

// Map returns the flat object persisted by the delta projection: every
// column except ACTION_FLAG, which is skipped here rather than removed from
// the column order.
func (r *Row) Map() map[string]string {
	out := make(map[string]string, len(columns)-1)
	for _, column := range columns {
		if column == ColumnActionFlag {
			continue
		}
		out[column] = *r.field(column)
	}
	return out
}
