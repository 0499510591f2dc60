package batch

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/imms/imms/internal/refdata"
)

// fileKeyVersion is the only submission format version accepted.
const fileKeyVersion = "V5"

var (
	// ErrInvalidFileKey marks an object key that does not parse as a
	// submission filename, wrapped with the reason.
	ErrInvalidFileKey = errors.New("invalid file key")
	// ErrPermissions marks a supplier with no permitted operation for the
	// file's vaccine type.
	ErrPermissions = errors.New("vaccine type not permitted")
)

// FileKey is a parsed, authorised submission filename.
type FileKey struct {
	Key          string
	VaccineType  string
	Supplier     string
	ODSCode      string
	Timestamp    time.Time
	PermittedOps []Action
}

// QueueName is the audit queue and stream partition the file belongs to.
func (fk *FileKey) QueueName() string {
	return fk.Supplier + "_" + fk.VaccineType
}

// Permits reports whether the supplier may perform the action for this
// file's vaccine type.
func (fk *FileKey) Permits(action Action) bool {
	for _, op := range fk.PermittedOps {
		if op == action {
			return true
		}
	}
	return false
}

// ParseFileKey validates an object key of the form
//
//	<VaccineType>_Vaccinations_<version>_<ODSCode>_<YYYYMMDDTHHMMSSmm>.csv
//
// and resolves the supplier and its permitted operations through the
// reference cache. The Vaccinations literal and the version are matched
// case-insensitively; the vaccine type is normalised upper-case. Lookup
// failures other than a missing entry pass through unwrapped so callers can
// tell infrastructure faults from rejections.
func ParseFileKey(ctx context.Context, cache refdata.Cache, key string) (*FileKey, error) {
	base := path.Base(key)
	ext := path.Ext(base)
	if !strings.EqualFold(ext, ".csv") {
		return nil, fmt.Errorf("%w: extension must be .csv", ErrInvalidFileKey)
	}
	parts := strings.Split(base[:len(base)-len(ext)], "_")
	if len(parts) != 5 {
		return nil, fmt.Errorf("%w: expected 5 underscore-separated fields, got %d", ErrInvalidFileKey, len(parts))
	}
	for i, part := range parts {
		if part == "" {
			return nil, fmt.Errorf("%w: field %d is empty", ErrInvalidFileKey, i+1)
		}
	}
	if !strings.EqualFold(parts[1], "Vaccinations") {
		return nil, fmt.Errorf("%w: second field is %q, expected Vaccinations", ErrInvalidFileKey, parts[1])
	}
	if !strings.EqualFold(parts[2], fileKeyVersion) {
		return nil, fmt.Errorf("%w: unsupported version %q", ErrInvalidFileKey, parts[2])
	}
	ts, err := parseFileTimestamp(parts[4])
	if err != nil {
		return nil, fmt.Errorf("%w: timestamp %q: %v", ErrInvalidFileKey, parts[4], err)
	}

	vaccineType := strings.ToUpper(parts[0])
	odsCode := parts[3]

	supplier, err := cache.SupplierForODS(ctx, odsCode)
	if err != nil {
		if errors.Is(err, refdata.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown ODS code %q", ErrInvalidFileKey, odsCode)
		}
		return nil, fmt.Errorf("resolve supplier for %q: %w", odsCode, err)
	}
	permissions, err := cache.PermissionsForSupplier(ctx, supplier)
	if err != nil && !errors.Is(err, refdata.ErrNotFound) {
		return nil, fmt.Errorf("resolve permissions for %q: %w", supplier, err)
	}
	ops := permittedOps(vaccineType, permissions)
	if len(ops) == 0 {
		return nil, fmt.Errorf("%w: supplier %q has no permitted operation for %s", ErrPermissions, supplier, vaccineType)
	}

	return &FileKey{
		Key:          key,
		VaccineType:  vaccineType,
		Supplier:     supplier,
		ODSCode:      odsCode,
		Timestamp:    ts,
		PermittedOps: ops,
	}, nil
}

// parseFileTimestamp parses YYYYMMDDTHHMMSSmm, mm being centiseconds. The
// centisecond digits are validated but dropped.
func parseFileTimestamp(s string) (time.Time, error) {
	if len(s) != 17 {
		return time.Time{}, fmt.Errorf("length %d, expected 17", len(s))
	}
	for _, r := range s[15:] {
		if r < '0' || r > '9' {
			return time.Time{}, errors.New("centiseconds are not numeric")
		}
	}
	return time.Parse("20060102T150405", s[:15])
}

// permittedOps resolves which actions the permission strings grant for the
// vaccine type: <VT>_<op> grants one, <VT>_FULL grants all three.
func permittedOps(vaccineType string, permissions []string) []Action {
	full := vaccineType + "_FULL"
	ops := make([]Action, 0, 3)
	for _, action := range []Action{ActionCreate, ActionUpdate, ActionDelete} {
		want := vaccineType + "_" + string(action)
		for _, p := range permissions {
			if strings.EqualFold(p, want) || strings.EqualFold(p, full) {
				ops = append(ops, action)
				break
			}
		}
	}
	return ops
}
