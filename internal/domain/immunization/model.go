// Package immunization is the CRUD engine for stored Immunization
// resources: identifier-aware create with reinstate, versioned update,
// logical delete and the patient/disease search view. Both the HTTP API and
// the batch pipeline mutate records through the same Service.
package immunization

import (
	"time"

	"github.com/imms/imms/internal/platform/fhir"
)

// Record is one stored Immunization row (table imms_event). The resource
// itself is kept whole as JSON; the remaining columns exist for uniqueness,
// optimistic concurrency and the patient-side search index.
//
// PatientPK/PatientSK form that index: "Patient#<nhs>" with sort
// "<diseaseType>#<id>", covering live records only. A logical delete clears
// both, which removes the record from every search while the row itself
// stays for reinstatement.
type Record struct {
	ID               string             `json:"id"`
	Resource         *fhir.Immunization `json:"resource"`
	Version          int                `json:"version"`
	IsDeleted        bool               `json:"is_deleted"`
	IsReinstated     bool               `json:"is_reinstated"`
	IdentifierSystem string             `json:"identifier_system"`
	IdentifierValue  string             `json:"identifier_value"`
	PatientPK        string             `json:"patient_pk"`
	PatientSK        string             `json:"patient_sk"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// PatientPK builds the patient partition key.
func PatientPK(nhsNumber string) string {
	return "Patient#" + nhsNumber
}

// PatientSK builds the patient sort key.
func PatientSK(diseaseType, id string) string {
	return diseaseType + "#" + id
}

// index populates the patient-side index keys from the resource. Records
// without an NHS number or an unmapped disease set stay reachable by id but
// invisible to patient searches.
func (r *Record) index(diseaseType string) {
	r.PatientPK = ""
	r.PatientSK = ""
	nhs := r.Resource.NHSNumber()
	if nhs == "" || diseaseType == "" {
		return
	}
	r.PatientPK = PatientPK(nhs)
	r.PatientSK = PatientSK(diseaseType, r.ID)
}

// unindex removes the record from the patient-side index.
func (r *Record) unindex() {
	r.PatientPK = ""
	r.PatientSK = ""
}
