package refdata

import (
	"context"
	"fmt"
	"sync"
)

// MemoryCache is a thread-safe in-memory Cache for testing and development.
// The Set* methods are the seeding side the Redis deployment gets from its
// external sync job.
type MemoryCache struct {
	mu                sync.RWMutex
	odsToSupplier     map[string]string
	supplierPerms     map[string][]string
	vaccineToDiseases map[string][]string
	diseasesToVaccine map[string]string
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		odsToSupplier:     make(map[string]string),
		supplierPerms:     make(map[string][]string),
		vaccineToDiseases: make(map[string][]string),
		diseasesToVaccine: make(map[string]string),
	}
}

// SetSupplierForODS seeds an ODS code → supplier mapping.
func (c *MemoryCache) SetSupplierForODS(odsCode, supplier string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.odsToSupplier[odsCode] = supplier
}

// SetPermissions seeds a supplier's permission strings.
func (c *MemoryCache) SetPermissions(supplier string, permissions ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.supplierPerms[supplier] = append([]string(nil), permissions...)
}

// SetVaccineTypeDiseases seeds both directions of the vaccine type ⇄
// disease codes mapping.
func (c *MemoryCache) SetVaccineTypeDiseases(vaccineType string, diseaseCodes ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vaccineToDiseases[vaccineType] = append([]string(nil), diseaseCodes...)
	c.diseasesToVaccine[DiseaseCodesKey(diseaseCodes)] = vaccineType
}

// SupplierForODS resolves an ODS code to its supplier name.
func (c *MemoryCache) SupplierForODS(_ context.Context, odsCode string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	supplier, ok := c.odsToSupplier[odsCode]
	if !ok {
		return "", fmt.Errorf("%s[%s]: %w", KeyODSCodeToSupplier, odsCode, ErrNotFound)
	}
	return supplier, nil
}

// PermissionsForSupplier returns the supplier's permission strings.
func (c *MemoryCache) PermissionsForSupplier(_ context.Context, supplier string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	perms, ok := c.supplierPerms[supplier]
	if !ok {
		return nil, fmt.Errorf("%s[%s]: %w", KeySupplierPermissions, supplier, ErrNotFound)
	}
	return append([]string(nil), perms...), nil
}

// DiseasesForVaccineType returns the disease codes a vaccine type targets.
func (c *MemoryCache) DiseasesForVaccineType(_ context.Context, vaccineType string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	codes, ok := c.vaccineToDiseases[vaccineType]
	if !ok {
		return nil, fmt.Errorf("%s[%s]: %w", KeyVaccineTypeToDiseases, vaccineType, ErrNotFound)
	}
	return append([]string(nil), codes...), nil
}

// VaccineTypeForDiseases resolves a disease code set to its vaccine type.
func (c *MemoryCache) VaccineTypeForDiseases(_ context.Context, diseaseCodes []string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	key := DiseaseCodesKey(diseaseCodes)
	vaccineType, ok := c.diseasesToVaccine[key]
	if !ok {
		return "", fmt.Errorf("%s[%s]: %w", KeyDiseaseCodesToVaccineType, key, ErrNotFound)
	}
	return vaccineType, nil
}

// Ping always succeeds for the in-memory cache.
func (c *MemoryCache) Ping(_ context.Context) error {
	return nil
}
