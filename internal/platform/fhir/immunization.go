package fhir

import "encoding/json"

// ResourceTypeImmunization is the FHIR resource type name for Immunization.
const ResourceTypeImmunization = "Immunization"

// Identity and terminology systems used across the service.
const (
	SystemNHSNumber           = "https://fhir.nhs.uk/Id/nhs-number"
	SystemODSOrganizationCode = "https://fhir.nhs.uk/Id/ods-organization-code"
	SystemSNOMED              = "http://snomed.info/sct"
)

// UK Core extension URLs carried on Immunization resources.
const (
	ExtensionVaccinationProcedure = "https://fhir.hl7.org.uk/StructureDefinition/Extension-UKCore-VaccinationProcedure"
	ExtensionNHSNumberStatus      = "https://fhir.hl7.org.uk/StructureDefinition/Extension-UKCore-NHSNumberVerificationStatus"
)

// ImmunizationPerformer represents Immunization.performer.
type ImmunizationPerformer struct {
	Function *CodeableConcept `json:"function,omitempty"`
	Actor    *Reference       `json:"actor,omitempty"`
}

// ImmunizationProtocolApplied represents Immunization.protocolApplied.
// Dose number is polymorphic in R4: either positiveInt or string.
type ImmunizationProtocolApplied struct {
	Series                 string            `json:"series,omitempty"`
	Authority              *Reference        `json:"authority,omitempty"`
	TargetDisease          []CodeableConcept `json:"targetDisease,omitempty"`
	DoseNumberPositiveInt  *int              `json:"doseNumberPositiveInt,omitempty"`
	DoseNumberString       string            `json:"doseNumberString,omitempty"`
	SeriesDosesPositiveInt *int              `json:"seriesDosesPositiveInt,omitempty"`
	SeriesDosesString      string            `json:"seriesDosesString,omitempty"`
}

// ImmunizationReaction represents Immunization.reaction.
type ImmunizationReaction struct {
	Date     string     `json:"date,omitempty"`
	Detail   *Reference `json:"detail,omitempty"`
	Reported *bool      `json:"reported,omitempty"`
}

// ImmunizationEducation represents Immunization.education.
type ImmunizationEducation struct {
	DocumentType     string `json:"documentType,omitempty"`
	Reference        string `json:"reference,omitempty"`
	PublicationDate  string `json:"publicationDate,omitempty"`
	PresentationDate string `json:"presentationDate,omitempty"`
}

// ContainedResource is the union of contained resource shapes an Immunization
// submission carries inline: a Patient (demographics) and optionally the
// administering Practitioner. Field presence is governed by omitempty, so the
// same struct round-trips both.
type ContainedResource struct {
	ResourceType string         `json:"resourceType"`
	ID           string         `json:"id,omitempty"`
	Identifier   []Identifier   `json:"identifier,omitempty"`
	Name         []HumanName    `json:"name,omitempty"`
	Telecom      []ContactPoint `json:"telecom,omitempty"`
	Gender       string         `json:"gender,omitempty"`
	BirthDate    string         `json:"birthDate,omitempty"`
	Address      []Address      `json:"address,omitempty"`
}

// Immunization is the FHIR R4 Immunization resource subset this service
// stores and exchanges.
type Immunization struct {
	ResourceType       string                        `json:"resourceType"`
	ID                 string                        `json:"id,omitempty"`
	Meta               *Meta                         `json:"meta,omitempty"`
	Contained          []ContainedResource           `json:"contained,omitempty"`
	Extension          []Extension                   `json:"extension,omitempty"`
	Identifier         []Identifier                  `json:"identifier,omitempty"`
	Status             string                        `json:"status,omitempty"`
	StatusReason       *CodeableConcept              `json:"statusReason,omitempty"`
	VaccineCode        *CodeableConcept              `json:"vaccineCode,omitempty"`
	Patient            *Reference                    `json:"patient,omitempty"`
	Encounter          *Reference                    `json:"encounter,omitempty"`
	OccurrenceDateTime string                        `json:"occurrenceDateTime,omitempty"`
	OccurrenceString   string                        `json:"occurrenceString,omitempty"`
	Recorded           string                        `json:"recorded,omitempty"`
	PrimarySource      *bool                         `json:"primarySource,omitempty"`
	ReportOrigin       *CodeableConcept              `json:"reportOrigin,omitempty"`
	Location           *Reference                    `json:"location,omitempty"`
	Manufacturer       *Reference                    `json:"manufacturer,omitempty"`
	LotNumber          string                        `json:"lotNumber,omitempty"`
	ExpirationDate     string                        `json:"expirationDate,omitempty"`
	Site               *CodeableConcept              `json:"site,omitempty"`
	Route              *CodeableConcept              `json:"route,omitempty"`
	DoseQuantity       *Quantity                     `json:"doseQuantity,omitempty"`
	Performer          []ImmunizationPerformer       `json:"performer,omitempty"`
	Note               []Annotation                  `json:"note,omitempty"`
	ReasonCode         []CodeableConcept             `json:"reasonCode,omitempty"`
	ReasonReference    []Reference                   `json:"reasonReference,omitempty"`
	IsSubpotent        *bool                         `json:"isSubpotent,omitempty"`
	SubpotentReason    []CodeableConcept             `json:"subpotentReason,omitempty"`
	Education          []ImmunizationEducation       `json:"education,omitempty"`
	ProgramEligibility []CodeableConcept             `json:"programEligibility,omitempty"`
	FundingSource      *CodeableConcept              `json:"fundingSource,omitempty"`
	Reaction           []ImmunizationReaction        `json:"reaction,omitempty"`
	ProtocolApplied    []ImmunizationProtocolApplied `json:"protocolApplied,omitempty"`
}

// PrimaryIdentifier returns identifier[0], the business identifier the store
// keys uniqueness on, or nil when absent.
func (imm *Immunization) PrimaryIdentifier() *Identifier {
	if len(imm.Identifier) == 0 {
		return nil
	}
	return &imm.Identifier[0]
}

// ContainedPatient returns the inline Patient resource, or nil.
func (imm *Immunization) ContainedPatient() *ContainedResource {
	return imm.containedOfType("Patient")
}

// ContainedPractitioner returns the inline Practitioner resource, or nil.
func (imm *Immunization) ContainedPractitioner() *ContainedResource {
	return imm.containedOfType("Practitioner")
}

func (imm *Immunization) containedOfType(resourceType string) *ContainedResource {
	for i := range imm.Contained {
		if imm.Contained[i].ResourceType == resourceType {
			return &imm.Contained[i]
		}
	}
	return nil
}

// NHSNumber returns the contained Patient's NHS number, or "" when the
// record was submitted with the number to be confirmed.
func (imm *Immunization) NHSNumber() string {
	patient := imm.ContainedPatient()
	if patient == nil {
		return ""
	}
	for _, ident := range patient.Identifier {
		if ident.System == SystemNHSNumber {
			return ident.Value
		}
	}
	return ""
}

// TargetDiseaseCodes returns the SNOMED codes of protocolApplied[0]
// targetDisease entries, one per concept, in resource order.
func (imm *Immunization) TargetDiseaseCodes() []string {
	if len(imm.ProtocolApplied) == 0 {
		return nil
	}
	var codes []string
	for _, td := range imm.ProtocolApplied[0].TargetDisease {
		for _, coding := range td.Coding {
			if coding.System == SystemSNOMED {
				codes = append(codes, coding.Code)
				break
			}
		}
	}
	return codes
}

// FindExtension returns the first extension with the given URL, or nil.
func (imm *Immunization) FindExtension(url string) *Extension {
	for i := range imm.Extension {
		if imm.Extension[i].URL == url {
			return &imm.Extension[i]
		}
	}
	return nil
}

// Clone returns a deep copy via JSON round trip. The search filter mutates
// resources and must never touch the stored copy.
func (imm *Immunization) Clone() (*Immunization, error) {
	data, err := json.Marshal(imm)
	if err != nil {
		return nil, err
	}
	out := &Immunization{}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

// SnomedCoding returns the SNOMED coding of a concept, or nil when the
// concept carries none.
func SnomedCoding(concept *CodeableConcept) *Coding {
	if concept == nil {
		return nil
	}
	for i := range concept.Coding {
		if concept.Coding[i].System == SystemSNOMED {
			return &concept.Coding[i]
		}
	}
	return nil
}
