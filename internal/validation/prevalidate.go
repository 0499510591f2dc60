package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/imms/imms/internal/convert"
)

// rowRules carries the format rules applied to a flat row before any
// resource is built. Rules fire only on present values; required-ness is
// the resource validator's concern. The col tag is the column reported in
// issues.
type rowRules struct {
	NHSNumber           string `col:"NHS_NUMBER" validate:"omitempty,nhsnum"`
	PersonDOB           string `col:"PERSON_DOB" validate:"omitempty,flatdate"`
	PersonGenderCode    string `col:"PERSON_GENDER_CODE" validate:"omitempty,oneof=0 1 2 9"`
	PersonPostcode      string `col:"PERSON_POSTCODE" validate:"omitempty,max=8"`
	DateAndTime         string `col:"DATE_AND_TIME" validate:"omitempty,flatdatetime"`
	SiteCodeTypeURI     string `col:"SITE_CODE_TYPE_URI" validate:"omitempty,url"`
	UniqueIDURI         string `col:"UNIQUE_ID_URI" validate:"omitempty,url"`
	RecordedDate        string `col:"RECORDED_DATE" validate:"omitempty,flatdate"`
	PrimarySource       string `col:"PRIMARY_SOURCE" validate:"omitempty,boolword"`
	ExpiryDate          string `col:"EXPIRY_DATE" validate:"omitempty,flatdate"`
	DoseAmount          string `col:"DOSE_AMOUNT" validate:"omitempty,decimalnum"`
	LocationCodeTypeURI string `col:"LOCATION_CODE_TYPE_URI" validate:"omitempty,url"`
}

// ruleMessages make issues readable without echoing the submitted value.
var ruleMessages = map[string]string{
	"nhsnum":       "not a valid NHS number",
	"flatdate":     "not a YYYYMMDD date",
	"flatdatetime": "not a YYYYMMDDTHHMMSSzz timestamp with zone 00 or 01",
	"oneof":        "not one of the permitted codes",
	"url":          "not a valid URI",
	"boolword":     "not TRUE or FALSE",
	"decimalnum":   "not a decimal number",
	"max":          "longer than permitted",
}

// RowValidator applies rowRules. Construct once and share; the underlying
// validator caches struct metadata and is safe for concurrent use.
type RowValidator struct {
	validate *validator.Validate
}

func NewRowValidator() *RowValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return fld.Tag.Get("col")
	})
	register := map[string]validator.Func{
		"nhsnum":       validNHSNumber,
		"flatdate":     validFlatDate,
		"flatdatetime": validFlatDateTime,
		"boolword":     validBoolWord,
		"decimalnum":   validDecimal,
	}
	for tag, fn := range register {
		if err := v.RegisterValidation(tag, fn); err != nil {
			panic(fmt.Sprintf("register %s rule: %v", tag, err))
		}
	}
	return &RowValidator{validate: v}
}

// Validate returns one issue per failed column rule, nil when the row is
// clean.
func (rv *RowValidator) Validate(row convert.Row) []Issue {
	rules := rowRules{
		NHSNumber:           row.NHSNumber,
		PersonDOB:           row.PersonDOB,
		PersonGenderCode:    row.PersonGenderCode,
		PersonPostcode:      row.PersonPostcode,
		DateAndTime:         row.DateAndTime,
		SiteCodeTypeURI:     row.SiteCodeTypeURI,
		UniqueIDURI:         row.UniqueIDURI,
		RecordedDate:        row.RecordedDate,
		PrimarySource:       row.PrimarySource,
		ExpiryDate:          row.ExpiryDate,
		DoseAmount:          row.DoseAmount,
		LocationCodeTypeURI: row.LocationCodeTypeURI,
	}

	err := rv.validate.Struct(rules)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []Issue{{Code: CodeValue, Message: err.Error()}}
	}

	issues := make([]Issue, 0, len(verrs))
	for _, fe := range verrs {
		msg, ok := ruleMessages[fe.Tag()]
		if !ok {
			msg = "failed " + fe.Tag() + " rule"
		}
		issues = append(issues, Issue{
			Code:    CodeValue,
			Field:   fe.Field(),
			Message: fmt.Sprintf("%s: %s", fe.Field(), msg),
		})
	}
	return issues
}

// =========== Rule functions ===========

func validNHSNumber(fl validator.FieldLevel) bool {
	return CheckNHSNumber(fl.Field().String())
}

func validFlatDate(fl validator.FieldLevel) bool {
	_, err := time.Parse("20060102", fl.Field().String())
	return err == nil
}

func validFlatDateTime(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if len(value) != 17 {
		return false
	}
	stamp, zone := value[:15], value[15:]
	if zone != "00" && zone != "01" {
		return false
	}
	_, err := time.Parse("20060102T150405", stamp)
	return err == nil
}

func validBoolWord(fl validator.FieldLevel) bool {
	switch strings.ToUpper(fl.Field().String()) {
	case "TRUE", "FALSE":
		return true
	}
	return false
}

func validDecimal(fl validator.FieldLevel) bool {
	_, err := decimal.NewFromString(fl.Field().String())
	return err == nil
}
