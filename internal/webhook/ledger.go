// Package webhook deduplicates externally delivered events so that each
// (provider, external event id) causes side effects at most once.
package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/punchamoorthee/exactlyonce/internal/clock"
	"github.com/punchamoorthee/exactlyonce/internal/metrics"
	"github.com/punchamoorthee/exactlyonce/internal/retry"
	"github.com/punchamoorthee/exactlyonce/internal/store"
)

var (
	// ErrInFlight means another delivery of the same event is still being
	// processed after the wait bound.
	ErrInFlight = errors.New("webhook event in flight")
	// ErrNotProcessing is returned when completing or failing a row this
	// caller does not own.
	ErrNotProcessing = errors.New("webhook event is not processing")
	ErrInvalidEvent  = errors.New("invalid webhook event")
)

type State int

const (
	// StateNew: the caller owns the event and must run side effects.
	StateNew State = iota
	// StateDuplicate: already completed; replay Result.
	StateDuplicate
	// StateInFlight: a concurrent delivery is mid-flight; back off and retry.
	StateInFlight
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateDuplicate:
		return "duplicate"
	case StateInFlight:
		return "in_flight"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type Begin struct {
	State  State
	Result json.RawMessage
	Event  Event
}

func (b Begin) IsNew() bool { return b.State == StateNew }

type Ledger struct {
	store        Store
	cache        ResultCache
	clock        clock.Clock
	logger       *slog.Logger
	metrics      *metrics.Metrics
	inFlightWait time.Duration
	inFlightPoll time.Duration
}

type Option func(*Ledger)

func WithCache(c ResultCache) Option {
	return func(l *Ledger) { l.cache = c }
}

func WithClock(c clock.Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithInFlightWait bounds how long Process waits on a concurrent delivery.
func WithInFlightWait(wait, poll time.Duration) Option {
	return func(l *Ledger) {
		l.inFlightWait = wait
		l.inFlightPoll = poll
	}
}

func NewLedger(s Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:        s,
		clock:        clock.RealClock{},
		logger:       slog.Default(),
		inFlightWait: 5 * time.Second,
		inFlightPoll: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "webhook_ledger")
	if l.inFlightPoll <= 0 {
		l.inFlightPoll = 100 * time.Millisecond
	}
	return l
}

// PayloadHash fingerprints a raw webhook body.
func PayloadHash(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func validate(provider, eventID string) error {
	if provider == "" || eventID == "" {
		return fmt.Errorf("%w: provider and external event id are required", ErrInvalidEvent)
	}
	return nil
}

// Receive records an event without claiming it. A later BeginProcessing
// claims it like a failed row. It reports false if the event was known.
func (l *Ledger) Receive(ctx context.Context, provider, eventID, referenceID string, payload []byte) (bool, error) {
	if err := validate(provider, eventID); err != nil {
		return false, err
	}
	now := l.clock.Now()
	ok, err := l.store.Insert(ctx, Event{
		Provider:        provider,
		ExternalEventID: eventID,
		Status:          StatusReceived,
		ReferenceID:     referenceID,
		PayloadHash:     PayloadHash(payload),
		Attempts:        0,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		return false, fmt.Errorf("record webhook event: %w", err)
	}
	if ok {
		l.metrics.ObserveWebhook(provider, "received")
	}
	return ok, nil
}

// BeginProcessing claims (provider, eventID) for the caller. Only StateNew
// permits side effects. payload may be nil.
func (l *Ledger) BeginProcessing(ctx context.Context, provider, eventID, referenceID string, payload []byte) (Begin, error) {
	if err := validate(provider, eventID); err != nil {
		return Begin{}, err
	}

	if l.cache != nil {
		raw, ok, err := l.cache.Get(ctx, provider, eventID)
		if err != nil {
			l.logger.Warn("result cache read failed", "provider", provider, "event_id", eventID, "error", err)
		} else if ok {
			l.metrics.ObserveWebhook(provider, "duplicate")
			return Begin{State: StateDuplicate, Result: raw, Event: Event{Provider: provider, ExternalEventID: eventID, Status: StatusCompleted}}, nil
		}
	}

	now := l.clock.Now()
	hash := PayloadHash(payload)
	inserted, err := l.store.Insert(ctx, Event{
		Provider:        provider,
		ExternalEventID: eventID,
		Status:          StatusProcessing,
		ReferenceID:     referenceID,
		PayloadHash:     hash,
		Attempts:        1,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		return Begin{}, fmt.Errorf("insert webhook event: %w", err)
	}
	if inserted {
		l.metrics.ObserveWebhook(provider, "new")
		return Begin{State: StateNew, Event: Event{
			Provider: provider, ExternalEventID: eventID, Status: StatusProcessing,
			ReferenceID: referenceID, PayloadHash: hash, Attempts: 1, CreatedAt: now, UpdatedAt: now,
		}}, nil
	}

	existing, err := l.store.Get(ctx, provider, eventID)
	if err != nil {
		return Begin{}, fmt.Errorf("load webhook event: %w", err)
	}
	if hash != "" && existing.PayloadHash != "" && hash != existing.PayloadHash {
		l.metrics.ObserveWebhook(provider, "payload_mismatch")
		l.logger.Warn("redelivered webhook payload differs from first receipt; original outcome stands",
			"provider", provider, "event_id", eventID, "status", existing.Status)
	}

	switch existing.Status {
	case StatusCompleted:
		l.metrics.ObserveWebhook(provider, "duplicate")
		l.fillCache(ctx, provider, eventID, existing.Result)
		return Begin{State: StateDuplicate, Result: existing.Result, Event: existing}, nil
	case StatusFailed, StatusReceived:
		reclaimed, err := l.store.Reclaim(ctx, provider, eventID, now)
		if err != nil {
			return Begin{}, fmt.Errorf("reclaim webhook event: %w", err)
		}
		if reclaimed {
			l.metrics.ObserveWebhook(provider, "reclaimed")
			existing.Status = StatusProcessing
			existing.Attempts++
			existing.LastError = ""
			existing.UpdatedAt = now
			return Begin{State: StateNew, Event: existing}, nil
		}
	}
	l.metrics.ObserveWebhook(provider, "in_flight")
	return Begin{State: StateInFlight, Event: existing}, nil
}

// CompleteProcessing stores result and marks the event completed. result is
// marshaled unless it already is a json.RawMessage.
func (l *Ledger) CompleteProcessing(ctx context.Context, provider, eventID string, result any) (json.RawMessage, error) {
	raw, err := toRaw(result)
	if err != nil {
		return nil, fmt.Errorf("encode webhook result: %w", err)
	}
	ok, err := l.store.Complete(ctx, provider, eventID, raw, l.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("complete webhook event: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("complete %s/%s: %w", provider, eventID, ErrNotProcessing)
	}
	l.metrics.ObserveWebhook(provider, "completed")
	l.fillCache(ctx, provider, eventID, raw)
	return raw, nil
}

// FailProcessing marks the event failed so a redelivery is treated as new.
func (l *Ledger) FailProcessing(ctx context.Context, provider, eventID string, cause error) error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	ok, err := l.store.Fail(ctx, provider, eventID, reason, l.clock.Now())
	if err != nil {
		return fmt.Errorf("fail webhook event: %w", err)
	}
	if !ok {
		return fmt.Errorf("fail %s/%s: %w", provider, eventID, ErrNotProcessing)
	}
	l.metrics.ObserveWebhook(provider, "failed")
	return nil
}

// Outcome of Process. Replayed is true when Result came from an earlier
// delivery.
type Outcome struct {
	Result   json.RawMessage
	Replayed bool
	Event    Event
}

// Process runs fn at most once per event. Concurrent deliveries wait up to
// the in-flight bound for the owner to finish and then replay its result.
// If fn fails or panics the event is marked failed.
func (l *Ledger) Process(ctx context.Context, provider, eventID, referenceID string, payload []byte, fn func(ctx context.Context) (any, error)) (Outcome, error) {
	attempts := int(l.inFlightWait/l.inFlightPoll) + 1
	var out Outcome
	done, _, err := retry.Do(ctx, retry.Fixed(attempts, l.inFlightPoll), func(int) (bool, error) {
		b, err := l.BeginProcessing(ctx, provider, eventID, referenceID, payload)
		if err != nil {
			return false, err
		}
		switch b.State {
		case StateDuplicate:
			out = Outcome{Result: b.Result, Replayed: true, Event: b.Event}
			return true, nil
		case StateNew:
			raw, err := l.run(ctx, provider, eventID, fn)
			if err != nil {
				return false, err
			}
			out = Outcome{Result: raw, Event: b.Event}
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return Outcome{}, err
	}
	if !done {
		return Outcome{}, fmt.Errorf("%s/%s: %w", provider, eventID, ErrInFlight)
	}
	return out, nil
}

func (l *Ledger) run(ctx context.Context, provider, eventID string, fn func(ctx context.Context) (any, error)) (raw json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			if ferr := l.FailProcessing(context.WithoutCancel(ctx), provider, eventID, fmt.Errorf("panic: %v", r)); ferr != nil {
				l.logger.Error("marking panicked webhook event failed", "provider", provider, "event_id", eventID, "error", ferr)
			}
			panic(r)
		}
	}()

	result, err := fn(ctx)
	if err != nil {
		if ferr := l.FailProcessing(context.WithoutCancel(ctx), provider, eventID, err); ferr != nil {
			l.logger.Error("marking webhook event failed", "provider", provider, "event_id", eventID, "error", ferr)
		}
		return nil, err
	}
	raw, err = l.CompleteProcessing(context.WithoutCancel(ctx), provider, eventID, result)
	if err != nil {
		// Side effects ran but the ledger did not record it; the outcome must
		// be confirmed against the business rows before any retry.
		l.logger.Error("webhook side effects applied but completion not recorded",
			"provider", provider, "event_id", eventID, "error", err)
		return nil, err
	}
	return raw, nil
}

func (l *Ledger) fillCache(ctx context.Context, provider, eventID string, raw json.RawMessage) {
	if l.cache == nil || raw == nil {
		return
	}
	if err := l.cache.Set(ctx, provider, eventID, raw); err != nil {
		l.logger.Warn("result cache write failed", "provider", provider, "event_id", eventID, "error", err)
	}
}

// Get returns the ledger row for an event.
func (l *Ledger) Get(ctx context.Context, provider, eventID string) (Event, error) {
	e, err := l.store.Get(ctx, provider, eventID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Event{}, fmt.Errorf("load webhook event: %w", err)
	}
	return e, err
}

func toRaw(v any) (json.RawMessage, error) {
	switch r := v.(type) {
	case json.RawMessage:
		return r, nil
	case []byte:
		if !json.Valid(r) {
			return nil, errors.New("result bytes are not valid JSON")
		}
		return r, nil
	case nil:
		return json.RawMessage("null"), nil
	}
	return json.Marshal(v)
}
