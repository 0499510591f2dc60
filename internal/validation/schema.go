package validation

import (
	"fmt"
	"strings"

	"github.com/imms/imms/internal/convert"
)

// Schema is the immutable description of the flat CSV layout a submission
// must match. Values are safe to share across goroutines; nothing mutates
// them after construction.
type Schema struct {
	columns []string
}

// DefaultSchema describes the fixed 34-column V5 layout.
func DefaultSchema() Schema {
	return Schema{columns: convert.Columns()}
}

// Columns returns the expected header, in order.
func (s Schema) Columns() []string {
	out := make([]string, len(s.columns))
	copy(out, s.columns)
	return out
}

// CheckHeader verifies a file's header row: same column count, same names
// in the same order. Comparison trims surrounding whitespace and ignores
// case; the first mismatch is reported.
func (s Schema) CheckHeader(header []string) error {
	if len(header) != len(s.columns) {
		return fmt.Errorf("header has %d columns, expected %d", len(header), len(s.columns))
	}
	for i, want := range s.columns {
		got := strings.TrimSpace(header[i])
		if !strings.EqualFold(got, want) {
			return fmt.Errorf("header column %d is %q, expected %q", i, got, want)
		}
	}
	return nil
}
