package immunization

import (
	"context"
	"errors"
	"fmt"

	"github.com/imms/imms/internal/batch"
	"github.com/imms/imms/internal/platform/auth"
	"github.com/imms/imms/internal/validation"
)

// BatchApplier adapts the Service to the batch pipeline's Applier contract.
// The file's supplier becomes the mutation source, so batch writes project
// to the delta stream exactly like API writes.
type BatchApplier struct{ svc *Service }

// NewBatchApplier wraps the service for batch use.
func NewBatchApplier(svc *Service) *BatchApplier {
	return &BatchApplier{svc: svc}
}

// Apply runs the envelope's action against the store. Business rejections
// come back as diagnostics; only infrastructure failures return an error.
func (a *BatchApplier) Apply(ctx context.Context, env *batch.Envelope) ([]batch.Diag, error) {
	ctx = auth.WithSupplier(ctx, env.Supplier)

	var err error
	switch env.Action {
	case batch.ActionCreate:
		_, err = a.svc.Create(ctx, env.Resource)
	case batch.ActionUpdate:
		_, err = a.svc.UpdateByIdentifier(ctx, env.Resource)
	case batch.ActionDelete:
		ident := env.Resource.PrimaryIdentifier()
		if ident == nil {
			return []batch.Diag{{Code: validation.CodeMandatory, Field: "identifier[0]", Message: "identifier[0] is mandatory"}}, nil
		}
		err = a.svc.DeleteByIdentifier(ctx, ident.System, ident.Value)
	default:
		return nil, fmt.Errorf("unknown action %q", env.Action)
	}
	return diagsFromServiceError(err)
}

func diagsFromServiceError(err error) ([]batch.Diag, error) {
	if err == nil {
		return nil, nil
	}
	var vErr *ValidationError
	switch {
	case errors.Is(err, ErrDuplicateIdentifier):
		return []batch.Diag{{Code: batch.DiagDuplicateIdentifier, Field: "identifier", Message: "a live record already holds this identifier"}}, nil
	case errors.Is(err, ErrNotFound):
		return []batch.Diag{{Code: batch.DiagNotFound, Field: "identifier", Message: "no live record holds this identifier"}}, nil
	case errors.Is(err, ErrVersionConflict):
		return []batch.Diag{{Code: batch.DiagConflict, Field: "identifier", Message: "the record changed while the row was being applied"}}, nil
	case errors.As(err, &vErr):
		diags := make([]batch.Diag, len(vErr.Issues))
		for i, issue := range vErr.Issues {
			diags[i] = batch.Diag{Code: issue.Code, Field: issue.Field, Message: issue.Message}
		}
		return diags, nil
	}
	return nil, err
}
