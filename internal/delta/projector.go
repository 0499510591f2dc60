package delta

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/imms/imms/internal/convert"
	"github.com/imms/imms/internal/platform/fhir"
)

// DefaultAppendTries bounds delta write attempts per entry.
const DefaultAppendTries = 3

const stampLayout = "20060102T150405"

// Projector records committed store mutations as delta entries. Writes are
// best-effort: each append retries with exponential backoff inside a
// circuit breaker, and on exhaustion the entry is logged and dropped. The
// mutation that triggered the projection is never rolled back, so a delta
// outage costs projection completeness, not correctness of the store.
type Projector struct {
	repo       Repo
	breaker    *gobreaker.CircuitBreaker
	maxTries   uint
	newBackOff func() backoff.BackOff
	log        zerolog.Logger
	now        func() time.Time
}

// NewProjector wires a projector over repo.
func NewProjector(repo Repo, log zerolog.Logger) *Projector {
	p := &Projector{
		repo:       repo,
		maxTries:   DefaultAppendTries,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		log:        log.With().Str("component", "delta").Logger(),
		now:        time.Now,
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "imms_delta",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.log.Warn().Str("from", from.String()).Str("to", to.String()).
				Msg("delta store breaker changed state")
		},
	})
	return p
}

// Record appends the flat projection of one committed mutation. It never
// reports failure to the caller: an append that exhausts its retries, or
// arrives while the breaker is open, is logged and lost. A DELETE carries
// the resource as last stored, so the final projection of a record is its
// last live content.
func (p *Projector) Record(ctx context.Context, operation, source, vaccineType string, imm *fhir.Immunization) {
	row, convErrs := convert.ToFlat(imm)
	if len(convErrs) > 0 {
		p.log.Debug().Str("imms_id", imm.ID).Int("fields", len(convErrs)).
			Msg("flat projection left fields empty")
	}

	entry := &Entry{
		ImmsID:        imm.ID,
		DateTimeStamp: p.now().UTC().Format(stampLayout) + "00",
		Operation:     operation,
		Source:        source,
		VaccineType:   vaccineType,
		Flat:          row.Map(),
	}

	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.append(ctx, entry)
	})
	if err != nil {
		p.log.Warn().Err(err).
			Str("imms_id", entry.ImmsID).
			Str("operation", operation).
			Str("source", source).
			Msg("delta projection lost")
	}
}

func (p *Projector) append(ctx context.Context, e *Entry) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, p.repo.Append(ctx, e)
	},
		backoff.WithBackOff(p.newBackOff()),
		backoff.WithMaxTries(p.maxTries))
	return err
}
