package refdata

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisCache(client), mr
}

// ---------------------------------------------------------------------------
// Key derivation
// ---------------------------------------------------------------------------

func TestDiseaseCodesKey(t *testing.T) {
	tests := []struct {
		name  string
		codes []string
		want  string
	}{
		{"single code", []string{"840539006"}, "840539006"},
		{"already sorted", []string{"36989005", "6142004"}, "36989005:6142004"},
		{"unsorted input", []string{"6142004", "36989005"}, "36989005:6142004"},
		{"empty", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DiseaseCodesKey(tt.codes); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestDiseaseCodesKey_DoesNotMutateInput(t *testing.T) {
	codes := []string{"b", "a"}
	DiseaseCodesKey(codes)
	if codes[0] != "b" || codes[1] != "a" {
		t.Errorf("input slice mutated: %v", codes)
	}
}

// ---------------------------------------------------------------------------
// RedisCache tests
// ---------------------------------------------------------------------------

func TestRedisCache_SupplierForODS(t *testing.T) {
	cache, mr := newRedisCache(t)
	mr.HSet(KeyODSCodeToSupplier, "X26", "EMIS")

	supplier, err := cache.SupplierForODS(context.Background(), "X26")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if supplier != "EMIS" {
		t.Errorf("expected EMIS, got %s", supplier)
	}
}

func TestRedisCache_SupplierForODSNotFound(t *testing.T) {
	cache, _ := newRedisCache(t)

	_, err := cache.SupplierForODS(context.Background(), "ZZZ")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRedisCache_PermissionsForSupplier(t *testing.T) {
	cache, mr := newRedisCache(t)
	mr.HSet(KeySupplierPermissions, "EMIS", "COVID19_FULL, FLU_CREATE,FLU_UPDATE")

	perms, err := cache.PermissionsForSupplier(context.Background(), "EMIS")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"COVID19_FULL", "FLU_CREATE", "FLU_UPDATE"}
	if len(perms) != len(want) {
		t.Fatalf("expected %d permissions, got %d: %v", len(want), len(perms), perms)
	}
	for i := range want {
		if perms[i] != want[i] {
			t.Errorf("expected permission[%d]=%s, got %s", i, want[i], perms[i])
		}
	}
}

func TestRedisCache_DiseasesForVaccineType(t *testing.T) {
	cache, mr := newRedisCache(t)
	mr.HSet(KeyVaccineTypeToDiseases, "MMR", "14189004:36653000:36989005")

	codes, err := cache.DiseasesForVaccineType(context.Background(), "MMR")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(codes) != 3 {
		t.Fatalf("expected 3 disease codes, got %d: %v", len(codes), codes)
	}
	if codes[0] != "14189004" {
		t.Errorf("expected first code 14189004, got %s", codes[0])
	}
}

func TestRedisCache_VaccineTypeForDiseases(t *testing.T) {
	cache, mr := newRedisCache(t)
	mr.HSet(KeyDiseaseCodesToVaccineType, "840539006", "COVID19")
	mr.HSet(KeyDiseaseCodesToVaccineType, "14189004:36653000:36989005", "MMR")

	vt, err := cache.VaccineTypeForDiseases(context.Background(), []string{"840539006"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vt != "COVID19" {
		t.Errorf("expected COVID19, got %s", vt)
	}

	// Lookup field is order-independent: codes are sorted before joining.
	vt, err = cache.VaccineTypeForDiseases(context.Background(), []string{"36989005", "14189004", "36653000"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vt != "MMR" {
		t.Errorf("expected MMR, got %s", vt)
	}
}

func TestRedisCache_Ping(t *testing.T) {
	cache, mr := newRedisCache(t)

	if err := cache.Ping(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mr.Close()
	if err := cache.Ping(context.Background()); err == nil {
		t.Fatal("expected error after redis shutdown")
	}
}

// ---------------------------------------------------------------------------
// MemoryCache tests
// ---------------------------------------------------------------------------

func TestMemoryCache_Lookups(t *testing.T) {
	cache := NewMemoryCache()
	cache.SetSupplierForODS("X26", "EMIS")
	cache.SetPermissions("EMIS", "COVID19_FULL")
	cache.SetVaccineTypeDiseases("COVID19", "840539006")

	ctx := context.Background()

	supplier, err := cache.SupplierForODS(ctx, "X26")
	if err != nil || supplier != "EMIS" {
		t.Fatalf("expected EMIS, got %q err=%v", supplier, err)
	}

	perms, err := cache.PermissionsForSupplier(ctx, "EMIS")
	if err != nil || len(perms) != 1 || perms[0] != "COVID19_FULL" {
		t.Fatalf("expected [COVID19_FULL], got %v err=%v", perms, err)
	}

	codes, err := cache.DiseasesForVaccineType(ctx, "COVID19")
	if err != nil || len(codes) != 1 || codes[0] != "840539006" {
		t.Fatalf("expected [840539006], got %v err=%v", codes, err)
	}

	vt, err := cache.VaccineTypeForDiseases(ctx, []string{"840539006"})
	if err != nil || vt != "COVID19" {
		t.Fatalf("expected COVID19, got %q err=%v", vt, err)
	}

	if err := cache.Ping(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMemoryCache_NotFound(t *testing.T) {
	cache := NewMemoryCache()
	ctx := context.Background()

	if _, err := cache.SupplierForODS(ctx, "X26"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := cache.PermissionsForSupplier(ctx, "EMIS"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := cache.DiseasesForVaccineType(ctx, "COVID19"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := cache.VaccineTypeForDiseases(ctx, []string{"840539006"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryCache_ReturnsCopies(t *testing.T) {
	cache := NewMemoryCache()
	cache.SetPermissions("EMIS", "COVID19_FULL")

	perms, err := cache.PermissionsForSupplier(context.Background(), "EMIS")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	perms[0] = "mutated"

	again, _ := cache.PermissionsForSupplier(context.Background(), "EMIS")
	if again[0] != "COVID19_FULL" {
		t.Errorf("expected stored permissions unchanged, got %v", again)
	}
}
