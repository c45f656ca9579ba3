package domain

// SubmissionState is the lifecycle state of a checkout attempt.
type SubmissionState string

const (
	StateIdle                  SubmissionState = "idle"
	StateFormValidated         SubmissionState = "form_validated"
	StateAwaitingPaymentIntent SubmissionState = "awaiting_payment_intent"
	StateCollectingPayment     SubmissionState = "collecting_payment"
	StateConfirmingPayment     SubmissionState = "confirming_payment"
	StateSubmittingOrder       SubmissionState = "submitting_order"
	StateCompleted             SubmissionState = "completed"
	// StatePaymentFailed means the intent can no longer be confirmed (canceled gateway-side).
	StatePaymentFailed SubmissionState = "payment_failed"
	// StateOrderFailed means the payment succeeded but no order was recorded. Manual reconciliation only.
	StateOrderFailed SubmissionState = "order_failed"
)

var submissionTransitions = map[SubmissionState][]SubmissionState{
	StateIdle:                  {StateFormValidated, StateIdle},
	StateFormValidated:         {StateAwaitingPaymentIntent, StateIdle},
	StateAwaitingPaymentIntent: {StateCollectingPayment, StateIdle},
	StateCollectingPayment:     {StateConfirmingPayment},
	StateConfirmingPayment:     {StateSubmittingOrder, StateCollectingPayment, StatePaymentFailed},
	StateSubmittingOrder:       {StateCompleted, StateOrderFailed},
}

// IsTerminal reports whether no further transitions are permitted.
func (s SubmissionState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateOrderFailed, StatePaymentFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the state machine allows moving from s to next.
func (s SubmissionState) CanTransitionTo(next SubmissionState) bool {
	for _, candidate := range submissionTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Valid reports whether the state is a known value.
func (s SubmissionState) Valid() bool {
	switch s {
	case StateIdle, StateFormValidated, StateAwaitingPaymentIntent, StateCollectingPayment,
		StateConfirmingPayment, StateSubmittingOrder, StateCompleted, StatePaymentFailed, StateOrderFailed:
		return true
	default:
		return false
	}
}
