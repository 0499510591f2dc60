package convert

import (
	"errors"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/imms/imms/internal/platform/fhir"
)

// Contained-resource ids assigned to the inline Patient and Practitioner so
// references inside the built resource can point at them.
const (
	containedPatientID      = "Pat1"
	containedPractitionerID = "Pract1"
)

// ErrEmptyRow is returned by Build for a row with no values at all; there is
// nothing to anchor a resource on.
var ErrEmptyRow = errors.New("empty row")

// Build constructs an Immunization resource skeleton from a flat row. It is
// the lenient inverse of ToFlat: unparseable values leave the corresponding
// FHIR field absent so the resource validator reports them against the
// resource, not the CSV. ACTION_FLAG is a processing instruction, not record
// content, and never enters the resource. The skeleton always carries one
// protocolApplied entry; target disease is filled from the vaccine-type
// mapping downstream.
func Build(row Row) (*fhir.Immunization, error) {
	if rowEmpty(row) {
		return nil, ErrEmptyRow
	}

	imm := &fhir.Immunization{
		ResourceType: fhir.ResourceTypeImmunization,
		Status:       "completed",
	}

	if row.UniqueID != "" || row.UniqueIDURI != "" {
		imm.Identifier = []fhir.Identifier{{System: row.UniqueIDURI, Value: row.UniqueID}}
	}

	if patient, ok := buildPatient(row); ok {
		imm.Contained = append(imm.Contained, patient)
		imm.Patient = &fhir.Reference{Reference: "#" + containedPatientID}
	}

	if row.PerformingProfessionalForename != "" || row.PerformingProfessionalSurname != "" {
		name := fhir.HumanName{Family: row.PerformingProfessionalSurname}
		if row.PerformingProfessionalForename != "" {
			name.Given = strings.Fields(row.PerformingProfessionalForename)
		}
		imm.Contained = append(imm.Contained, fhir.ContainedResource{
			ResourceType: "Practitioner",
			ID:           containedPractitionerID,
			Name:         []fhir.HumanName{name},
		})
		imm.Performer = append(imm.Performer, fhir.ImmunizationPerformer{
			Actor: &fhir.Reference{Reference: "#" + containedPractitionerID},
		})
	}

	if row.SiteCode != "" || row.SiteCodeTypeURI != "" {
		imm.Performer = append(imm.Performer, fhir.ImmunizationPerformer{
			Actor: &fhir.Reference{
				Type:       "Organization",
				Identifier: &fhir.Identifier{System: row.SiteCodeTypeURI, Value: row.SiteCode},
			},
		})
	}

	if row.DateAndTime != "" {
		if v, err := fromFlatDateTime(row.DateAndTime); err == nil {
			imm.OccurrenceDateTime = v
		}
	}
	if row.RecordedDate != "" {
		if v, err := fromFlatDate(row.RecordedDate); err == nil {
			imm.Recorded = v
		}
	}
	if row.ExpiryDate != "" {
		if v, err := fromFlatDate(row.ExpiryDate); err == nil {
			imm.ExpirationDate = v
		}
	}

	switch strings.ToUpper(row.PrimarySource) {
	case "TRUE":
		v := true
		imm.PrimarySource = &v
	case "FALSE":
		v := false
		imm.PrimarySource = &v
	}

	if row.VaccinationProcedureCode != "" || row.VaccinationProcedureTerm != "" {
		imm.Extension = append(imm.Extension, fhir.Extension{
			URL:                  fhir.ExtensionVaccinationProcedure,
			ValueCodeableConcept: snomedConcept(row.VaccinationProcedureCode, row.VaccinationProcedureTerm),
		})
	}

	protocol := fhir.ImmunizationProtocolApplied{}
	if row.DoseSequence != "" {
		if n, err := strconv.Atoi(row.DoseSequence); err == nil && n > 0 {
			protocol.DoseNumberPositiveInt = &n
		} else {
			protocol.DoseNumberString = row.DoseSequence
		}
	}
	imm.ProtocolApplied = []fhir.ImmunizationProtocolApplied{protocol}

	imm.VaccineCode = snomedConcept(row.VaccineProductCode, row.VaccineProductTerm)
	if row.VaccineManufacturer != "" {
		imm.Manufacturer = &fhir.Reference{Display: row.VaccineManufacturer}
	}
	imm.LotNumber = row.BatchNumber

	imm.Site = snomedConcept(row.SiteOfVaccinationCode, row.SiteOfVaccinationTerm)
	imm.Route = snomedConcept(row.RouteOfVaccinationCode, row.RouteOfVaccinationTerm)

	if row.DoseAmount != "" || row.DoseUnitCode != "" || row.DoseUnitTerm != "" {
		q := &fhir.Quantity{Unit: row.DoseUnitTerm, Code: row.DoseUnitCode}
		if row.DoseUnitCode != "" {
			q.System = fhir.SystemSNOMED
		}
		if row.DoseAmount != "" {
			if v, err := decimal.NewFromString(row.DoseAmount); err == nil {
				q.Value = &v
			}
		}
		imm.DoseQuantity = q
	}

	if row.IndicationCode != "" {
		imm.ReasonCode = []fhir.CodeableConcept{
			{Coding: []fhir.Coding{{System: fhir.SystemSNOMED, Code: row.IndicationCode}}},
		}
	}

	if row.LocationCode != "" || row.LocationCodeTypeURI != "" {
		imm.Location = &fhir.Reference{
			Identifier: &fhir.Identifier{System: row.LocationCodeTypeURI, Value: row.LocationCode},
		}
	}

	return imm, nil
}

func buildPatient(row Row) (fhir.ContainedResource, bool) {
	patient := fhir.ContainedResource{ResourceType: "Patient", ID: containedPatientID}
	populated := false

	if row.NHSNumber != "" {
		patient.Identifier = []fhir.Identifier{{System: fhir.SystemNHSNumber, Value: row.NHSNumber}}
		populated = true
	}
	if row.PersonForename != "" || row.PersonSurname != "" {
		name := fhir.HumanName{Use: "official", Family: row.PersonSurname}
		if row.PersonForename != "" {
			name.Given = strings.Fields(row.PersonForename)
		}
		patient.Name = []fhir.HumanName{name}
		populated = true
	}
	if row.PersonDOB != "" {
		if v, err := fromFlatDate(row.PersonDOB); err == nil {
			patient.BirthDate = v
			populated = true
		}
	}
	if g := genderName(row.PersonGenderCode); g != "" {
		patient.Gender = g
		populated = true
	}
	if row.PersonPostcode != "" {
		patient.Address = []fhir.Address{{Use: "home", PostalCode: row.PersonPostcode}}
		populated = true
	}

	return patient, populated
}

func genderName(code string) string {
	switch code {
	case "1":
		return "male"
	case "2":
		return "female"
	case "9":
		return "other"
	case "0":
		return "unknown"
	}
	return ""
}

func snomedConcept(code, display string) *fhir.CodeableConcept {
	if code == "" && display == "" {
		return nil
	}
	return &fhir.CodeableConcept{
		Coding: []fhir.Coding{{System: fhir.SystemSNOMED, Code: code, Display: display}},
	}
}

func rowEmpty(row Row) bool {
	for _, v := range row.Record() {
		if v != "" {
			return false
		}
	}
	return true
}
