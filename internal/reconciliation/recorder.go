// Package reconciliation records confirmed payments whose order could not be created so that
// support staff can settle them by hand.
package reconciliation

import (
	"context"
	"errors"
	"strings"

	"github.com/hanko-field/storefront/internal/domain"
)

// Sink stores or announces a reconciliation case.
type Sink interface {
	Record(ctx context.Context, c domain.ReconciliationCase) error
}

// Logger receives structured reconciliation events.
type Logger func(ctx context.Context, event string, fields map[string]any)

// Fanout delivers each case to every sink. A failing sink does not stop the others.
type Fanout struct {
	sinks  []Sink
	logger Logger
}

// NewFanout constructs a Fanout. Nil sinks are skipped.
func NewFanout(logger Logger, sinks ...Sink) *Fanout {
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	kept := make([]Sink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			kept = append(kept, sink)
		}
	}
	return &Fanout{sinks: kept, logger: logger}
}

// Record implements checkout.Reconciler.
func (f *Fanout) Record(ctx context.Context, c domain.ReconciliationCase) error {
	// Always leave a trace in the logs, even with no sinks configured.
	f.logger(ctx, "reconciliation.case", caseFields(c))

	var errs []error
	for _, sink := range f.sinks {
		if err := sink.Record(ctx, c); err != nil {
			f.logger(ctx, "reconciliation.sink_failed", map[string]any{
				"paymentRef": c.PaymentReference,
				"error":      err,
			})
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func caseFields(c domain.ReconciliationCase) map[string]any {
	return map[string]any{
		"sessionId":  c.SessionID,
		"attemptKey": c.AttemptKey,
		"paymentRef": c.PaymentReference,
		"userId":     c.UserID,
		"amount":     c.Amount.String(),
		"currency":   c.Currency,
		"reason":     c.Reason,
		"timedOut":   c.TimedOut,
	}
}

// caseID keys a case by its attempt so a repeated record overwrites instead of duplicating.
func caseID(c domain.ReconciliationCase) string {
	if key := strings.TrimSpace(c.AttemptKey); key != "" {
		return key
	}
	return strings.TrimSpace(c.PaymentReference)
}
