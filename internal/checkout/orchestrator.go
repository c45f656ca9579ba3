package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/platform/idempotency"
)

const (
	instrumentationName     = "github.com/hanko-field/storefront/internal/checkout"
	defaultStepTimeout      = 30 * time.Second
	defaultConfirmationPath = "/order-confirmation"
	defaultPaymentMethod    = "card"
)

var (
	// ErrTriggerIgnored is returned when a trigger arrives outside its source state or while a step is in flight.
	ErrTriggerIgnored = errors.New("checkout: trigger ignored in current state")
	// ErrAbandoned is returned when the session was abandoned before a step's result could be applied.
	ErrAbandoned = errors.New("checkout: session abandoned")
)

var tracer = otel.Tracer(instrumentationName)

// CartStore exposes the shopper's cart to the orchestrator.
type CartStore interface {
	Snapshot(ctx context.Context, cartID string) (domain.CartSnapshot, error)
	Clear(ctx context.Context, cartID string) error
}

// SessionReader returns the signed-in shopper for the checkout.
type SessionReader interface {
	CurrentSession(ctx context.Context) (domain.UserSession, error)
}

// StaticSession is a SessionReader that always returns the same session.
type StaticSession domain.UserSession

// CurrentSession implements SessionReader.
func (s StaticSession) CurrentSession(context.Context) (domain.UserSession, error) {
	return domain.UserSession(s), nil
}

// ProfilePrefiller loads saved profile data into a fresh form.
type ProfilePrefiller interface {
	Prefill(ctx context.Context, session domain.UserSession) (domain.CheckoutForm, error)
}

// IntentCreator creates gateway payment intents.
type IntentCreator interface {
	CreateIntent(ctx context.Context, amount decimal.Decimal, currency string, metadata map[string]string) (domain.PaymentIntentHandle, error)
}

// PaymentConfirmer confirms a payment intent with a gateway-issued payment method token.
type PaymentConfirmer interface {
	Confirm(ctx context.Context, handle domain.PaymentIntentHandle, details domain.PaymentDetails) (domain.ConfirmedPayment, error)
}

// OrderSubmitter creates orders on the order API.
type OrderSubmitter interface {
	Submit(ctx context.Context, session domain.UserSession, req domain.OrderRequest, idempotencyKey string) (domain.OrderRecord, error)
}

// Navigator is told where the shopper should go once the order is placed.
type Navigator interface {
	Navigate(ctx context.Context, target string) error
}

// Reconciler records confirmed payments that have no order.
type Reconciler interface {
	Record(ctx context.Context, c domain.ReconciliationCase) error
}

// Validator validates checkout forms.
type Validator interface {
	Validate(form domain.CheckoutForm) (domain.ValidatedForm, error)
}

// PriceCalculator derives totals from a cart.
type PriceCalculator interface {
	Price(ctx context.Context, cart domain.CartSnapshot, destination domain.Address) (domain.PriceBreakdown, error)
}

// Logger receives structured checkout events.
type Logger func(ctx context.Context, event string, fields map[string]any)

// NoticeKind classifies the user-visible message attached to a snapshot.
type NoticeKind string

const (
	NoticeValidation     NoticeKind = "validation"
	NoticeGateway        NoticeKind = "gateway"
	NoticeRequiresAction NoticeKind = "requires_action"
	NoticePayment        NoticeKind = "payment"
	NoticePaymentFailed  NoticeKind = "payment_failed"
	NoticeOrderFailed    NoticeKind = "order_failed"
	NoticeCart           NoticeKind = "cart"
	NoticeError          NoticeKind = "error"
)

// Notice is the message the rendering layer must show for the latest failure or required action.
type Notice struct {
	Kind      NoticeKind
	Message   string
	Reference string
}

// PaymentStep carries what the hosted payment widget needs to collect and confirm a payment.
type PaymentStep struct {
	IntentID     string
	ClientSecret string
	Amount       decimal.Decimal
	Currency     string
	ChallengeURL string
}

// Snapshot is an immutable view of the checkout state.
type Snapshot struct {
	SessionID        string
	State            domain.SubmissionState
	InFlight         bool
	Abandoned        bool
	Form             domain.CheckoutForm
	FieldErrors      domain.FieldErrors
	Warnings         map[string]string
	Notice           *Notice
	Price            *domain.PriceBreakdown
	Payment          *PaymentStep
	AttemptKey       string
	PaymentReference string
	OrderNumber      string
	NextURL          string
}

// Event is emitted to subscribers after every state transition.
type Event struct {
	From     domain.SubmissionState
	To       domain.SubmissionState
	Snapshot Snapshot
}

// Deps wires the collaborators of one checkout orchestrator.
type Deps struct {
	SessionID        string
	Cart             CartStore
	Session          SessionReader
	Prefiller        ProfilePrefiller
	Intents          IntentCreator
	Confirmer        PaymentConfirmer
	Orders           OrderSubmitter
	Navigator        Navigator
	Reconciler       Reconciler
	Validator        Validator
	Pricer           PriceCalculator
	Clock            func() time.Time
	Logger           Logger
	NewKey           func(time.Time) string
	StepTimeout      time.Duration
	OrderTimeout     time.Duration
	SupportEmail     string
	ConfirmationPath string
	Meter            metric.Meter
}

// Orchestrator sequences one checkout attempt through the submission state machine. It owns the
// state exclusively and allows a single step in flight at a time.
type Orchestrator struct {
	id               string
	carts            CartStore
	sessions         SessionReader
	prefiller        ProfilePrefiller
	intents          IntentCreator
	confirmer        PaymentConfirmer
	orders           OrderSubmitter
	navigator        Navigator
	reconciler       Reconciler
	validator        Validator
	pricer           PriceCalculator
	now              func() time.Time
	logger           Logger
	newKey           func(time.Time) string
	stepTimeout      time.Duration
	orderTimeout     time.Duration
	supportEmail     string
	confirmationPath string
	transitions      metric.Int64Counter

	mu           sync.Mutex
	state        domain.SubmissionState
	begun        bool
	abandoned    bool
	inFlight     bool
	generation   uint64
	cancelStep   context.CancelFunc
	user         domain.UserSession
	form         domain.CheckoutForm
	validated    domain.ValidatedForm
	fieldErrors  domain.FieldErrors
	warnings     map[string]string
	notice       *Notice
	frozenCart   *domain.CartSnapshot
	price        *domain.PriceBreakdown
	handle       *domain.PaymentIntentHandle
	challengeURL string
	attemptKey   string
	paymentRef   string
	orderNumber  string
	nextURL      string
	listeners    map[int]func(Event)
	nextListener int
}

// NewOrchestrator constructs an orchestrator in the Idle state.
func NewOrchestrator(deps Deps) (*Orchestrator, error) {
	if deps.Cart == nil {
		return nil, errors.New("checkout: cart store is required")
	}
	if deps.Intents == nil {
		return nil, errors.New("checkout: intent creator is required")
	}
	if deps.Confirmer == nil {
		return nil, errors.New("checkout: payment confirmer is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("checkout: order submitter is required")
	}
	if deps.Validator == nil {
		return nil, errors.New("checkout: validator is required")
	}
	if deps.Pricer == nil {
		return nil, errors.New("checkout: pricer is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	newKey := deps.NewKey
	if newKey == nil {
		newKey = idempotency.NewKey
	}
	stepTimeout := deps.StepTimeout
	if stepTimeout <= 0 {
		stepTimeout = defaultStepTimeout
	}
	orderTimeout := deps.OrderTimeout
	if orderTimeout <= 0 {
		orderTimeout = stepTimeout
	}
	confirmationPath := strings.TrimRight(strings.TrimSpace(deps.ConfirmationPath), "/")
	if confirmationPath == "" {
		confirmationPath = defaultConfirmationPath
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(instrumentationName)
	}
	transitions, err := meter.Int64Counter("checkout.transitions",
		metric.WithDescription("Checkout state machine transitions"),
	)
	if err != nil {
		return nil, fmt.Errorf("checkout: create transition counter: %w", err)
	}

	return &Orchestrator{
		id:         strings.TrimSpace(deps.SessionID),
		carts:      deps.Cart,
		sessions:   deps.Session,
		prefiller:  deps.Prefiller,
		intents:    deps.Intents,
		confirmer:  deps.Confirmer,
		orders:     deps.Orders,
		navigator:  deps.Navigator,
		reconciler: deps.Reconciler,
		validator:  deps.Validator,
		pricer:     deps.Pricer,
		now: func() time.Time {
			return clock().UTC()
		},
		logger:           logger,
		newKey:           newKey,
		stepTimeout:      stepTimeout,
		orderTimeout:     orderTimeout,
		supportEmail:     strings.TrimSpace(deps.SupportEmail),
		confirmationPath: confirmationPath,
		transitions:      transitions,
		state:            domain.StateIdle,
		form:             domain.NewCheckoutForm(),
		listeners:        make(map[int]func(Event)),
	}, nil
}

// ID returns the checkout session identifier.
func (o *Orchestrator) ID() string {
	return o.id
}

// Begin loads the shopper session and prefills the form from the profile API. Profile failures
// leave the form empty. Checkout cannot begin with an empty cart.
func (o *Orchestrator) Begin(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "checkout.Begin", o.spanAttrs())
	defer span.End()

	o.mu.Lock()
	if o.begun || o.abandoned || o.inFlight {
		o.mu.Unlock()
		return ErrTriggerIgnored
	}
	o.inFlight = true
	gen := o.generation
	o.mu.Unlock()

	user, form, err := o.loadEntry(ctx)

	o.mu.Lock()
	if gen != o.generation {
		o.mu.Unlock()
		return ErrAbandoned
	}
	o.inFlight = false
	if err != nil {
		o.mu.Unlock()
		recordSpanError(span, err)
		return err
	}
	o.begun = true
	o.user = user
	o.form = form
	events := []Event{o.moveLocked(ctx, domain.StateIdle)}
	o.mu.Unlock()
	o.emit(events)
	return nil
}

func (o *Orchestrator) loadEntry(ctx context.Context) (domain.UserSession, domain.CheckoutForm, error) {
	var user domain.UserSession
	if o.sessions != nil {
		var err error
		user, err = o.sessions.CurrentSession(ctx)
		if err != nil {
			return domain.UserSession{}, domain.CheckoutForm{}, fmt.Errorf("checkout: read session: %w", err)
		}
	}
	cart, err := o.carts.Snapshot(ctx, user.CartID)
	if err != nil {
		return domain.UserSession{}, domain.CheckoutForm{}, fmt.Errorf("checkout: read cart: %w", err)
	}
	if cart.IsEmpty() {
		return domain.UserSession{}, domain.CheckoutForm{}, domain.ErrEmptyCart
	}

	form := domain.NewCheckoutForm()
	if o.prefiller != nil && user.Authenticated() {
		prefilled, err := o.prefiller.Prefill(ctx, user)
		if err != nil {
			o.logger(ctx, "checkout.prefill.failed", map[string]any{
				"sessionID": o.id,
				"error":     err,
			})
		} else {
			form = prefilled
		}
	}
	return user, form, nil
}

// SubmitForm validates the form and, when it passes, freezes the cart, prices it and creates a
// payment intent. Validation errors keep the state Idle. Gateway failures return to Idle with the
// form preserved so the shopper can resubmit.
func (o *Orchestrator) SubmitForm(ctx context.Context, form domain.CheckoutForm) error {
	ctx, span := tracer.Start(ctx, "checkout.SubmitForm", o.spanAttrs())
	defer span.End()

	o.mu.Lock()
	if err := o.acceptLocked(domain.StateIdle); err != nil {
		o.mu.Unlock()
		return err
	}
	o.form = form.Clone()
	o.notice = nil
	validated, err := o.validator.Validate(form)
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			o.fieldErrors = copyStrings(verr.Fields)
		}
		o.warnings = nil
		o.notice = noticeFor(err)
		events := []Event{o.moveLocked(ctx, domain.StateIdle)}
		o.mu.Unlock()
		o.emit(events)
		return err
	}
	o.fieldErrors = nil
	o.warnings = copyStrings(validated.Warnings)
	o.validated = validated
	o.frozenCart = nil
	o.price = nil
	o.handle = nil
	o.challengeURL = ""
	o.attemptKey = o.newKey(o.now())
	events := []Event{
		o.moveLocked(ctx, domain.StateFormValidated),
		o.moveLocked(ctx, domain.StateAwaitingPaymentIntent),
	}
	stepCtx, cancel, gen := o.startStepLocked(ctx, o.stepTimeout, true)
	defer cancel()
	user := o.user
	key := o.attemptKey
	o.mu.Unlock()
	o.emit(events)

	cart, price, handle, stepErr := o.prepareIntent(stepCtx, user, validated, key)
	cancel()

	o.mu.Lock()
	if !o.finishStepLocked(gen) {
		o.mu.Unlock()
		o.logger(ctx, "checkout.intent.discarded", map[string]any{"sessionID": o.id, "attemptKey": key})
		return ErrAbandoned
	}
	if stepErr != nil {
		o.notice = noticeFor(stepErr)
		events = []Event{o.moveLocked(ctx, domain.StateIdle)}
		o.mu.Unlock()
		o.emit(events)
		o.logger(ctx, "checkout.intent.failed", map[string]any{
			"sessionID":  o.id,
			"attemptKey": key,
			"error":      stepErr,
		})
		recordSpanError(span, stepErr)
		return stepErr
	}
	o.frozenCart = &cart
	o.price = &price
	o.handle = &handle
	events = []Event{o.moveLocked(ctx, domain.StateCollectingPayment)}
	o.mu.Unlock()
	o.emit(events)
	return nil
}

func (o *Orchestrator) prepareIntent(ctx context.Context, user domain.UserSession, form domain.ValidatedForm, key string) (domain.CartSnapshot, domain.PriceBreakdown, domain.PaymentIntentHandle, error) {
	snapshot, err := o.carts.Snapshot(ctx, user.CartID)
	if err != nil {
		return domain.CartSnapshot{}, domain.PriceBreakdown{}, domain.PaymentIntentHandle{}, fmt.Errorf("checkout: read cart: %w", err)
	}
	if snapshot.IsEmpty() {
		return domain.CartSnapshot{}, domain.PriceBreakdown{}, domain.PaymentIntentHandle{}, domain.ErrEmptyCart
	}
	frozen := snapshot.Freeze()
	price, err := o.pricer.Price(ctx, frozen, form.ShippingAddress)
	if err != nil {
		return domain.CartSnapshot{}, domain.PriceBreakdown{}, domain.PaymentIntentHandle{}, err
	}

	metadata := map[string]string{domain.MetadataAttemptKey: key}
	if o.id != "" {
		metadata["session_id"] = o.id
	}
	if frozen.CartID != "" {
		metadata["cart_id"] = frozen.CartID
	}
	if user.UserID != "" {
		metadata["user_id"] = user.UserID
	}
	handle, err := o.intents.CreateIntent(ctx, price.Total, price.Currency, metadata)
	if err != nil {
		return domain.CartSnapshot{}, domain.PriceBreakdown{}, domain.PaymentIntentHandle{}, err
	}
	return frozen, price, handle, nil
}

// SubmitPayment confirms the current payment intent and, once confirmed, submits the order
// exactly once. Declines and authentication challenges return to CollectingPayment with the same
// intent.
func (o *Orchestrator) SubmitPayment(ctx context.Context, details domain.PaymentDetails) error {
	ctx, span := tracer.Start(ctx, "checkout.SubmitPayment", o.spanAttrs())
	defer span.End()

	o.mu.Lock()
	if err := o.acceptLocked(domain.StateCollectingPayment); err != nil {
		o.mu.Unlock()
		return err
	}
	if err := details.Validate(); err != nil {
		o.notice = noticeFor(err)
		o.mu.Unlock()
		return err
	}
	handle := *o.handle
	o.notice = nil
	o.challengeURL = ""
	events := []Event{o.moveLocked(ctx, domain.StateConfirmingPayment)}
	// A confirm call cut short may still charge the card, so Abandon does not cancel it.
	stepCtx, cancel, gen := o.startStepLocked(ctx, o.stepTimeout, false)
	defer cancel()
	pending := domain.ReconciliationCase{
		SessionID:        o.id,
		AttemptKey:       o.attemptKey,
		PaymentReference: handle.IntentID,
		UserID:           o.user.UserID,
		Email:            o.validated.Contact.Email,
		Amount:           o.price.Total,
		Currency:         o.price.Currency,
	}
	o.mu.Unlock()
	o.emit(events)

	confirmed, err := o.confirmer.Confirm(stepCtx, handle, details)
	cancel()

	o.mu.Lock()
	if !o.finishStepLocked(gen) {
		o.mu.Unlock()
		o.logger(ctx, "checkout.confirm.discarded", map[string]any{
			"sessionID": o.id,
			"intentID":  handle.IntentID,
			"confirmed": err == nil,
		})
		if err == nil {
			if confirmed.IntentID != "" {
				pending.PaymentReference = confirmed.IntentID
			}
			if confirmed.Currency != "" {
				pending.Amount = confirmed.Amount
				pending.Currency = confirmed.Currency
			}
			o.reconcile(ctx, pending, ErrAbandoned)
		}
		return ErrAbandoned
	}
	if err != nil {
		var (
			action *domain.RequiresAction
			perr   *domain.PaymentError
		)
		next := domain.StateCollectingPayment
		switch {
		case errors.As(err, &action):
			o.challengeURL = action.RedirectURL
		case errors.As(err, &perr) && perr.Terminal:
			next = domain.StatePaymentFailed
			o.handle = nil
		}
		o.notice = noticeFor(err)
		events = []Event{o.moveLocked(ctx, next)}
		o.mu.Unlock()
		o.emit(events)
		o.logger(ctx, "checkout.confirm.failed", map[string]any{
			"sessionID": o.id,
			"intentID":  handle.IntentID,
			"state":     string(next),
			"error":     err,
		})
		return err
	}

	o.paymentRef = confirmed.IntentID
	o.handle = nil
	request := buildOrderRequest(o.validated, *o.frozenCart, *o.price, confirmed)
	events = []Event{o.moveLocked(ctx, domain.StateSubmittingOrder)}
	// Abandoning the page must not cut an order POST short, so the order step is not cancellable.
	orderCtx, orderCancel, gen := o.startStepLocked(ctx, o.orderTimeout, false)
	defer orderCancel()
	user := o.user
	key := o.attemptKey
	rc := domain.ReconciliationCase{
		SessionID:        o.id,
		AttemptKey:       key,
		PaymentReference: confirmed.IntentID,
		UserID:           user.UserID,
		Email:            o.validated.Contact.Email,
		Amount:           request.Total,
		Currency:         request.Currency,
	}
	o.mu.Unlock()
	o.emit(events)

	record, err := o.orders.Submit(orderCtx, user, request, key)
	orderCancel()
	if err != nil {
		err = asOrderError(err, confirmed.IntentID)
		o.reconcile(ctx, rc, err)
	}

	o.mu.Lock()
	if !o.finishStepLocked(gen) {
		o.mu.Unlock()
		o.logger(ctx, "checkout.order.after_abandon", map[string]any{
			"sessionID":   o.id,
			"paymentRef":  confirmed.IntentID,
			"orderNumber": record.OrderNumber,
			"error":       err,
		})
		return ErrAbandoned
	}
	if err != nil {
		o.notice = o.orderFailedNotice(confirmed.IntentID)
		events = []Event{o.moveLocked(ctx, domain.StateOrderFailed)}
		o.mu.Unlock()
		o.emit(events)
		o.logger(ctx, "checkout.order.failed", map[string]any{
			"sessionID":  o.id,
			"paymentRef": confirmed.IntentID,
			"error":      err,
		})
		recordSpanError(span, err)
		return err
	}
	o.orderNumber = record.OrderNumber
	o.nextURL = o.confirmationPath + "/" + url.PathEscape(record.OrderNumber)
	target := o.nextURL
	events = []Event{o.moveLocked(ctx, domain.StateCompleted)}
	o.mu.Unlock()
	o.emit(events)

	o.finish(ctx, user, record, target)
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, user domain.UserSession, record domain.OrderRecord, target string) {
	if err := o.carts.Clear(ctx, user.CartID); err != nil {
		o.logger(ctx, "checkout.cart.clear_failed", map[string]any{
			"sessionID":   o.id,
			"orderNumber": record.OrderNumber,
			"error":       err,
		})
	}
	if o.navigator != nil {
		if err := o.navigator.Navigate(ctx, target); err != nil {
			o.logger(ctx, "checkout.navigate.failed", map[string]any{
				"sessionID": o.id,
				"target":    target,
				"error":     err,
			})
		}
	}
	o.logger(ctx, "checkout.completed", map[string]any{
		"sessionID":   o.id,
		"orderNumber": record.OrderNumber,
	})
}

func (o *Orchestrator) reconcile(ctx context.Context, rc domain.ReconciliationCase, cause error) {
	var oerr *domain.OrderError
	if errors.As(cause, &oerr) {
		rc.TimedOut = oerr.TimedOut
	}
	rc.Reason = cause.Error()
	rc.OccurredAt = o.now()
	if o.reconciler == nil {
		return
	}
	if err := o.reconciler.Record(context.WithoutCancel(ctx), rc); err != nil {
		o.logger(ctx, "checkout.reconciliation.failed", map[string]any{
			"sessionID":  o.id,
			"paymentRef": rc.PaymentReference,
			"error":      err,
		})
	}
}

// Abandon discards the checkout. Results of in-flight steps are ignored and every later trigger
// is a no-op. A payment confirmation or order submission already under way runs to completion,
// and a payment confirmed after Abandon is recorded for reconciliation.
func (o *Orchestrator) Abandon(ctx context.Context) {
	o.mu.Lock()
	if o.abandoned {
		o.mu.Unlock()
		return
	}
	o.abandoned = true
	o.generation++
	if o.cancelStep != nil {
		o.cancelStep()
		o.cancelStep = nil
	}
	o.inFlight = false
	state := o.state
	o.mu.Unlock()

	o.logger(ctx, "checkout.abandoned", map[string]any{
		"sessionID": o.id,
		"state":     string(state),
	})
}

// Snapshot returns a copy of the current checkout state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

// Quote prices the current cart. Once the cart is frozen for a payment intent, the frozen price
// is returned instead.
func (o *Orchestrator) Quote(ctx context.Context) (domain.PriceBreakdown, error) {
	o.mu.Lock()
	if o.price != nil {
		price := *o.price
		o.mu.Unlock()
		return price, nil
	}
	user := o.user
	destination := o.form.ShippingAddress
	o.mu.Unlock()

	cart, err := o.carts.Snapshot(ctx, user.CartID)
	if err != nil {
		return domain.PriceBreakdown{}, fmt.Errorf("checkout: read cart: %w", err)
	}
	return o.pricer.Price(ctx, cart.Freeze(), destination)
}

// Subscribe registers fn for transition events and returns a function removing it. Events are
// delivered synchronously on the goroutine that caused the transition, so fn must not block.
// HTTP clients read state through Snapshot; listeners suit logging and embedded renderers.
func (o *Orchestrator) Subscribe(fn func(Event)) func() {
	if fn == nil {
		return func() {}
	}
	o.mu.Lock()
	id := o.nextListener
	o.nextListener++
	o.listeners[id] = fn
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		delete(o.listeners, id)
		o.mu.Unlock()
	}
}

func (o *Orchestrator) acceptLocked(source domain.SubmissionState) error {
	if !o.begun || o.abandoned || o.inFlight || o.state != source {
		return ErrTriggerIgnored
	}
	return nil
}

func (o *Orchestrator) startStepLocked(ctx context.Context, timeout time.Duration, cancellable bool) (context.Context, context.CancelFunc, uint64) {
	stepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	o.inFlight = true
	o.cancelStep = nil
	if cancellable {
		o.cancelStep = cancel
	}
	return stepCtx, cancel, o.generation
}

func (o *Orchestrator) finishStepLocked(gen uint64) bool {
	if gen != o.generation {
		return false
	}
	o.inFlight = false
	o.cancelStep = nil
	return true
}

func (o *Orchestrator) moveLocked(ctx context.Context, next domain.SubmissionState) Event {
	from := o.state
	if !from.CanTransitionTo(next) {
		o.logger(ctx, "checkout.transition.rejected", map[string]any{
			"sessionID": o.id,
			"from":      string(from),
			"to":        string(next),
		})
		return Event{From: from, To: from, Snapshot: o.snapshotLocked()}
	}
	o.state = next
	o.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(next)),
	))
	o.logger(ctx, "checkout.transition", map[string]any{
		"sessionID": o.id,
		"from":      string(from),
		"to":        string(next),
	})
	return Event{From: from, To: next, Snapshot: o.snapshotLocked()}
}

func (o *Orchestrator) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	o.mu.Lock()
	listeners := make([]func(Event), 0, len(o.listeners))
	for _, fn := range o.listeners {
		listeners = append(listeners, fn)
	}
	o.mu.Unlock()
	for _, evt := range events {
		for _, fn := range listeners {
			fn(evt)
		}
	}
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	snap := Snapshot{
		SessionID:        o.id,
		State:            o.state,
		InFlight:         o.inFlight,
		Abandoned:        o.abandoned,
		Form:             o.form.Clone(),
		FieldErrors:      copyStrings(o.fieldErrors),
		Warnings:         copyStrings(o.warnings),
		AttemptKey:       o.attemptKey,
		PaymentReference: o.paymentRef,
		OrderNumber:      o.orderNumber,
		NextURL:          o.nextURL,
	}
	if o.notice != nil {
		notice := *o.notice
		snap.Notice = &notice
	}
	if o.price != nil {
		price := *o.price
		snap.Price = &price
	}
	if o.handle != nil {
		snap.Payment = &PaymentStep{
			IntentID:     o.handle.IntentID,
			ClientSecret: o.handle.ClientSecret,
			Amount:       o.handle.Amount,
			Currency:     o.handle.Currency,
			ChallengeURL: o.challengeURL,
		}
	}
	return snap
}

func (o *Orchestrator) spanAttrs() trace.SpanStartOption {
	return trace.WithAttributes(attribute.String("checkout.session_id", o.id))
}

func (o *Orchestrator) orderFailedNotice(reference string) *Notice {
	contact := "customer support"
	if o.supportEmail != "" {
		contact = o.supportEmail
	}
	return &Notice{
		Kind: NoticeOrderFailed,
		Message: fmt.Sprintf("Your payment was received but we could not create your order. Please do not pay again. "+
			"Contact %s quoting payment reference %s and we will complete your order.", contact, reference),
		Reference: reference,
	}
}

func noticeFor(err error) *Notice {
	var (
		verr   *domain.ValidationError
		action *domain.RequiresAction
		perr   *domain.PaymentError
		gerr   *domain.GatewayError
	)
	switch {
	case errors.As(err, &verr):
		return &Notice{Kind: NoticeValidation, Message: "Please correct the highlighted fields."}
	case errors.As(err, &action):
		return &Notice{Kind: NoticeRequiresAction, Message: "Your bank needs you to confirm this payment.", Reference: action.IntentID}
	case errors.As(err, &perr):
		msg := perr.Message
		if msg == "" {
			msg = "Your payment could not be processed."
		}
		if perr.Terminal {
			return &Notice{Kind: NoticePaymentFailed, Message: msg}
		}
		return &Notice{Kind: NoticePayment, Message: msg}
	case errors.As(err, &gerr):
		return &Notice{Kind: NoticeGateway, Message: "We could not start your payment. Please try again."}
	case errors.Is(err, domain.ErrEmptyCart):
		return &Notice{Kind: NoticeCart, Message: "Your cart is empty."}
	case errors.Is(err, domain.ErrPaymentMethodRequired):
		return &Notice{Kind: NoticePayment, Message: "Choose a payment method to continue."}
	case errors.Is(err, domain.ErrRawCardData):
		return &Notice{Kind: NoticePayment, Message: "Enter your card details in the secure payment form."}
	default:
		return &Notice{Kind: NoticeError, Message: "Something went wrong. Please try again."}
	}
}

func asOrderError(err error, reference string) error {
	var oerr *domain.OrderError
	if errors.As(err, &oerr) {
		if oerr.PaymentReference == "" {
			oerr.PaymentReference = reference
		}
		return err
	}
	return &domain.OrderError{
		PaymentReference: reference,
		TimedOut:         errors.Is(err, context.DeadlineExceeded),
		Err:              err,
	}
}

func buildOrderRequest(form domain.ValidatedForm, cart domain.CartSnapshot, price domain.PriceBreakdown, payment domain.ConfirmedPayment) domain.OrderRequest {
	items := make([]domain.OrderLine, 0, len(cart.Lines))
	for _, line := range cart.Lines {
		items = append(items, domain.OrderLine{
			ProductID:       line.ProductID,
			Name:            line.Name,
			UnitPrice:       line.UnitPrice,
			Quantity:        line.Quantity,
			SelectedOptions: copyStrings(line.SelectedOptions),
		})
	}
	var billing *domain.Address
	if form.BillingAddress != nil {
		copied := *form.BillingAddress
		billing = &copied
	}
	method := strings.TrimSpace(payment.Method)
	if method == "" {
		method = defaultPaymentMethod
	}
	return domain.OrderRequest{
		Items:           items,
		Contact:         form.Contact,
		ShippingAddress: form.ShippingAddress,
		BillingAddress:  billing,
		Payment: domain.OrderPayment{
			Method:          method,
			Amount:          price.Total,
			PaymentIntentID: payment.IntentID,
		},
		Currency: price.Currency,
		Subtotal: price.Subtotal,
		Tax:      price.Tax,
		Shipping: price.Shipping,
		Total:    price.Total,
	}
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func copyStrings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
