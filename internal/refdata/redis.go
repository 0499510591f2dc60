package refdata

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisCache reads reference data from Redis hashes.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps an existing Redis client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) field(ctx context.Context, key, field string) (string, error) {
	value, err := c.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%s[%s]: %w", key, field, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("hget %s[%s]: %w", key, field, err)
	}
	return value, nil
}

// SupplierForODS resolves an ODS code to its supplier name.
func (c *RedisCache) SupplierForODS(ctx context.Context, odsCode string) (string, error) {
	return c.field(ctx, KeyODSCodeToSupplier, odsCode)
}

// PermissionsForSupplier returns the supplier's permission strings.
func (c *RedisCache) PermissionsForSupplier(ctx context.Context, supplier string) ([]string, error) {
	value, err := c.field(ctx, KeySupplierPermissions, supplier)
	if err != nil {
		return nil, err
	}
	return splitList(value), nil
}

// DiseasesForVaccineType returns the disease codes a vaccine type targets.
func (c *RedisCache) DiseasesForVaccineType(ctx context.Context, vaccineType string) ([]string, error) {
	value, err := c.field(ctx, KeyVaccineTypeToDiseases, vaccineType)
	if err != nil {
		return nil, err
	}
	return splitCodes(value), nil
}

// VaccineTypeForDiseases resolves a disease code set to its vaccine type.
func (c *RedisCache) VaccineTypeForDiseases(ctx context.Context, diseaseCodes []string) (string, error) {
	return c.field(ctx, KeyDiseaseCodesToVaccineType, DiseaseCodesKey(diseaseCodes))
}

// Ping answers a liveness round trip against Redis.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
