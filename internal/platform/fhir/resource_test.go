package fhir

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestQuantityDecimalMarshalsAsNumber(t *testing.T) {
	value := decimal.RequireFromString("0.5")
	q := Quantity{
		Value:  &value,
		System: SystemSNOMED,
		Code:   "258773002",
	}

	data, err := json.Marshal(q)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"value":0.5`) {
		t.Errorf("decimal serialized as %s, want an unquoted 0.5", data)
	}

	var back Quantity
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Value == nil || !back.Value.Equal(value) {
		t.Errorf("round trip changed the value: %v", back.Value)
	}
}

func TestOutcomeConstructors(t *testing.T) {
	tests := []struct {
		name     string
		outcome  *OperationOutcome
		severity string
		code     string
	}{
		{"error", ErrorOutcome("broken"), IssueSeverityError, IssueTypeProcessing},
		{"not found", NotFoundOutcome("Immunization", "x1"), IssueSeverityError, IssueTypeNotFound},
		{"duplicate", DuplicateOutcome("already stored"), IssueSeverityError, IssueTypeDuplicate},
		{"conflict", ConflictOutcome("stale version"), IssueSeverityError, IssueTypeConflict},
		{"method", MethodNotAllowedOutcome("POST"), IssueSeverityError, IssueTypeNotSupported},
		{"internal", InternalErrorOutcome("boom"), IssueSeverityFatal, IssueTypeException},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.outcome.ResourceType != "OperationOutcome" {
				t.Fatalf("resourceType = %q", tt.outcome.ResourceType)
			}
			if len(tt.outcome.Issue) != 1 {
				t.Fatalf("expected one issue, got %d", len(tt.outcome.Issue))
			}
			issue := tt.outcome.Issue[0]
			if issue.Severity != tt.severity || issue.Code != tt.code {
				t.Errorf("issue = %s/%s, want %s/%s", issue.Severity, issue.Code, tt.severity, tt.code)
			}
		})
	}
}

func TestMultipleIssuesOutcome(t *testing.T) {
	out := MultipleIssuesOutcome([]OperationOutcomeIssue{
		{Severity: IssueSeverityError, Code: IssueTypeRequired, Diagnostics: "STATUS is a mandatory field", Expression: []string{"status"}},
		{Severity: IssueSeverityError, Code: IssueTypeValue, Diagnostics: "RECORDED_DATE is not a valid date", Expression: []string{"recorded"}},
	})

	if out.ResourceType != "OperationOutcome" {
		t.Fatalf("resourceType = %q", out.ResourceType)
	}
	if len(out.Issue) != 2 {
		t.Fatalf("expected two issues, got %d", len(out.Issue))
	}
	if out.Issue[1].Expression[0] != "recorded" {
		t.Errorf("issue order not preserved: %+v", out.Issue)
	}
}
