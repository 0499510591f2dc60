package immunization

import (
	"strings"

	"github.com/imms/imms/internal/platform/fhir"
)

// obfuscatedPostcode replaces patient postal codes in search output. ZZ99
// is the NHS pseudo-postcode district for unknown addresses.
const obfuscatedPostcode = "ZZ99 3CZ"

// searchOrganizationODS is the fixed organisation identifier search output
// carries in place of the submitting site.
const searchOrganizationODS = "N2N9I"

// FilterForSearch reduces a stored resource to its search representation:
// performer entries pointing at contained resources are removed, the
// remaining organisation actors are cut down to a fixed ODS identifier, a
// patient reference carrying the caller URL and the NHS number replaces the
// submitted one, identifier[0].use defaults to official, contained patient
// addresses are reduced to an obfuscated postal code, and contained is then
// dropped. The input is never mutated. Applying the filter to its own output
// is a no-op.
func FilterForSearch(imm *fhir.Immunization, patientURL string) (*fhir.Immunization, error) {
	out, err := imm.Clone()
	if err != nil {
		return nil, err
	}

	// The NHS number lives on the contained Patient; on a refiltered
	// resource contained is gone and the injected patient reference holds
	// it instead.
	nhs := out.NHSNumber()
	if nhs == "" && out.Patient != nil && out.Patient.Identifier != nil &&
		out.Patient.Identifier.System == fhir.SystemNHSNumber {
		nhs = out.Patient.Identifier.Value
	}

	performers := out.Performer[:0]
	for _, p := range out.Performer {
		if p.Actor != nil && strings.HasPrefix(p.Actor.Reference, "#") {
			continue
		}
		if p.Actor != nil && p.Actor.Type == "Organization" {
			p.Actor = &fhir.Reference{
				Type: "Organization",
				Identifier: &fhir.Identifier{
					System: fhir.SystemODSOrganizationCode,
					Value:  searchOrganizationODS,
				},
			}
		}
		performers = append(performers, p)
	}
	out.Performer = performers

	out.Patient = &fhir.Reference{
		Reference:  patientURL,
		Identifier: &fhir.Identifier{System: fhir.SystemNHSNumber, Value: nhs},
	}

	if len(out.Identifier) > 0 && out.Identifier[0].Use == "" {
		out.Identifier[0].Use = "official"
	}

	if patient := out.ContainedPatient(); patient != nil {
		for i := range patient.Address {
			patient.Address[i] = fhir.Address{PostalCode: obfuscatedPostcode}
		}
	}

	out.Contained = nil
	return out, nil
}
