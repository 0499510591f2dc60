package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/imms/imms/internal/convert"
	"github.com/imms/imms/internal/platform/fhir"
	"github.com/imms/imms/internal/refdata"
	"github.com/imms/imms/internal/validation"
)

// envelopeTimeLayout is the envelope CreatedAt form minus the two offset
// digits; rows are stamped in UTC so the suffix is always "00".
const envelopeTimeLayout = "20060102T150405"

// RowProcessor turns one CSV record into an envelope. Process is total: any
// failure becomes diagnostics on the envelope, never a lost row.
type RowProcessor struct {
	cache refdata.Cache
	rows  *validation.RowValidator
}

func NewRowProcessor(cache refdata.Cache) *RowProcessor {
	return &RowProcessor{cache: cache, rows: validation.NewRowValidator()}
}

// Process runs the full row pipeline: parse the record, resolve the action
// flag against the file's permitted operations, pre-validate the flat
// fields, build the resource, attach the vaccine type's target diseases,
// validate the resource, and confirm the diseases resolve back to the
// filename's vaccine type. index is the 1-based position in the source
// file.
func (p *RowProcessor) Process(ctx context.Context, fk *FileKey, messageID string, index int, record []string) *Envelope {
	env := &Envelope{
		RowID:       fmt.Sprintf("%s^%d", messageID, index),
		FileKey:     fk.Key,
		VaccineType: fk.VaccineType,
		Supplier:    fk.Supplier,
		CreatedAt:   time.Now().UTC().Format(envelopeTimeLayout) + "00",
	}
	fail := func(d Diag) *Envelope {
		env.Diagnostics = append(env.Diagnostics, d)
		return env
	}

	row, err := convert.FromRecord(record)
	if err != nil {
		return fail(Diag{Code: validation.CodeValue, Field: "row", Message: err.Error()})
	}

	action, ok := ParseAction(row.ActionFlag)
	if !ok {
		if strings.TrimSpace(row.ActionFlag) == "" {
			return fail(Diag{Code: validation.CodeMandatory, Field: convert.ColumnActionFlag, Message: "action flag is required"})
		}
		return fail(Diag{Code: validation.CodeValue, Field: convert.ColumnActionFlag, Message: "unrecognised action flag"})
	}
	if !fk.Permits(action) {
		return fail(Diag{
			Code:    DiagNoPermission,
			Field:   convert.ColumnActionFlag,
			Message: fmt.Sprintf("%s is not permitted for %s %s submissions", action, fk.Supplier, fk.VaccineType),
		})
	}

	if issues := p.rows.Validate(row); len(issues) > 0 {
		env.Diagnostics = append(env.Diagnostics, diagsFromIssues(issues)...)
		return env
	}

	imm, err := convert.Build(row)
	if err != nil {
		return fail(Diag{Code: validation.CodeValue, Field: "row", Message: err.Error()})
	}

	diseases, err := p.cache.DiseasesForVaccineType(ctx, fk.VaccineType)
	if err != nil {
		if errors.Is(err, refdata.ErrNotFound) {
			return fail(Diag{Code: DiagVaccineTypeMismatch, Message: "no disease mapping for vaccine type " + fk.VaccineType})
		}
		return fail(Diag{Code: DiagUnhandled, Message: "reference cache: " + err.Error()})
	}
	target := make([]fhir.CodeableConcept, 0, len(diseases))
	for _, code := range diseases {
		target = append(target, fhir.CodeableConcept{
			Coding: []fhir.Coding{{System: fhir.SystemSNOMED, Code: code}},
		})
	}
	imm.ProtocolApplied[0].TargetDisease = target

	if issues := validation.ValidateResource(imm); len(issues) > 0 {
		env.Diagnostics = append(env.Diagnostics, diagsFromIssues(issues)...)
		return env
	}

	vaccineType, err := p.cache.VaccineTypeForDiseases(ctx, imm.TargetDiseaseCodes())
	if err != nil && !errors.Is(err, refdata.ErrNotFound) {
		return fail(Diag{Code: DiagUnhandled, Message: "reference cache: " + err.Error()})
	}
	if !strings.EqualFold(vaccineType, fk.VaccineType) {
		return fail(Diag{
			Code:    DiagVaccineTypeMismatch,
			Message: fmt.Sprintf("target diseases resolve to %q, file declares %s", vaccineType, fk.VaccineType),
		})
	}

	env.Action = action
	env.Resource = imm
	return env
}

func diagsFromIssues(issues []validation.Issue) []Diag {
	out := make([]Diag, len(issues))
	for i, issue := range issues {
		out[i] = Diag{Code: issue.Code, Field: issue.Field, Message: issue.Message}
	}
	return out
}
