// Package refdata provides the read-only reference lookups the pipeline
// authorises and classifies against: ODS code → supplier, supplier →
// permissions, vaccine type ⇄ disease codes. The backing Redis hashes are
// maintained by a separate sync job; this package only ever reads them.
package refdata

import (
	"context"
	"errors"
	"sort"
	"strings"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var ErrNotFound = errors.New("reference mapping not found")

// ---------------------------------------------------------------------------
// Hash keys
// ---------------------------------------------------------------------------

// Redis hash key per lookup table. Field conventions: permissions are a
// comma-separated list ("COVID19_FULL,FLU_CREATE"); disease code sets are
// sorted and colon-joined ("840539006" or "6142004:541131000000101").
const (
	KeySupplierPermissions       = "supplier_permissions"
	KeyODSCodeToSupplier         = "ods_code_to_supplier"
	KeyVaccineTypeToDiseases     = "vaccine_type_to_diseases"
	KeyDiseaseCodesToVaccineType = "disease_codes_to_vaccine_type"
)

// ---------------------------------------------------------------------------
// Cache interface
// ---------------------------------------------------------------------------

// Cache defines the read-side contract for reference data lookups.
type Cache interface {
	// SupplierForODS resolves an ODS code to its onboarded supplier name.
	SupplierForODS(ctx context.Context, odsCode string) (string, error)
	// PermissionsForSupplier returns the supplier's permission strings
	// (e.g. "COVID19_FULL", "FLU_CREATE").
	PermissionsForSupplier(ctx context.Context, supplier string) ([]string, error)
	// DiseasesForVaccineType returns the disease codes a vaccine type
	// targets.
	DiseasesForVaccineType(ctx context.Context, vaccineType string) ([]string, error)
	// VaccineTypeForDiseases resolves a set of target-disease codes to the
	// vaccine type they identify.
	VaccineTypeForDiseases(ctx context.Context, diseaseCodes []string) (string, error)
	// Ping answers a liveness round trip for the status endpoint.
	Ping(ctx context.Context) error
}

// DiseaseCodesKey builds the canonical lookup field for a disease code set:
// codes sorted ascending, colon-joined. The input slice is not mutated.
func DiseaseCodesKey(codes []string) string {
	sorted := append([]string(nil), codes...)
	sort.Strings(sorted)
	return strings.Join(sorted, ":")
}

// splitList parses a comma-separated hash field value.
func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// splitCodes parses a colon-joined disease code field value.
func splitCodes(value string) []string {
	parts := strings.Split(value, ":")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
