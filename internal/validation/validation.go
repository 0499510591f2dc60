// Package validation checks flat rows before resource construction and
// Immunization resources before storage. Row checks are format rules on
// present values; resource checks own required fields, cardinalities and
// code systems. Both report findings as Issues instead of stopping at the
// first failure.
package validation

// Issue codes.
const (
	// CodeMandatory marks a required field that is absent.
	CodeMandatory = "MANDATORY_ERROR"
	// CodeValue marks a present field whose value fails a format, enum or
	// code-system rule.
	CodeValue = "VALUE_ERROR"
)

// Issue is one validation finding. Field names the flat column or the FHIR
// path that failed. Messages never echo submitted values.
type Issue struct {
	Code    string `json:"code"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// CheckNHSNumber reports whether a value is a well-formed NHS number:
// ten digits whose last digit is the mod-11 check digit of the first nine.
func CheckNHSNumber(value string) bool {
	if len(value) != 10 {
		return false
	}
	sum := 0
	for i := 0; i < 9; i++ {
		d := value[i]
		if d < '0' || d > '9' {
			return false
		}
		sum += int(d-'0') * (10 - i)
	}
	last := value[9]
	if last < '0' || last > '9' {
		return false
	}
	check := 11 - sum%11
	if check == 11 {
		check = 0
	}
	if check == 10 {
		return false
	}
	return check == int(last-'0')
}
