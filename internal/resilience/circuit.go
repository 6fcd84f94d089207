package resilience

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/shop-reduction/internal/obs"
)

var breakerNopLogger = zerolog.Nop()

// ErrOpenCircuit is returned when the circuit breaker refuses a request.
var ErrOpenCircuit = errors.New("resilience: circuit breaker open")

// State represents the current breaker state.
type State int

const (
	// Closed accepts all requests and tracks failures.
	Closed State = iota
	// Open rejects requests until the cool-off period expires.
	Open
	// HalfOpen lets one probe through to find out whether the backend recovered.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker is a failure-ratio circuit breaker guarding one backend.
type Breaker struct {
	mu           sync.Mutex
	state        State
	failures     float64
	successes    float64
	probing      bool
	minRequests  int
	failureRatio float64
	openedAt     time.Time
	openFor      time.Duration
	target       string
	logger       *zerolog.Logger
	now          func() time.Time
}

// NewBreaker returns a breaker that opens once at least minRequests outcomes
// were seen and the failure ratio reaches failureRatio.
func NewBreaker(minRequests int, failureRatio float64, openFor time.Duration) *Breaker {
	if minRequests <= 0 {
		minRequests = 1
	}
	if failureRatio <= 0 {
		failureRatio = 0.5
	}
	if failureRatio > 1 {
		failureRatio = 1
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	return &Breaker{
		state:        Closed,
		minRequests:  minRequests,
		failureRatio: failureRatio,
		openFor:      openFor,
		now:          time.Now,
	}
}

// WithTarget names the guarded backend in metrics and logs.
func (b *Breaker) WithTarget(target string) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.target = strings.TrimSpace(target)
	b.recordStateLocked()
	return b
}

// WithLogger configures the logger used for transition events.
func (b *Breaker) WithLogger(logger zerolog.Logger) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = &logger
	return b
}

// WithClock overrides the time source. Tests use it to skip the cool-off.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now != nil {
		b.now = now
	}
	return b
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a request may proceed. After the cool-off an open
// breaker lets exactly one probe through in half-open.
func (b *Breaker) Allow(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.openFor {
			return false
		}
		b.changeStateLocked(ctx, HalfOpen)
		b.probing = true
		return true
	case HalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

// Report records the outcome of an allowed request.
func (b *Breaker) Report(ctx context.Context, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		return
	case HalfOpen:
		b.probing = false
		if success {
			b.changeStateLocked(ctx, Closed)
		} else {
			b.changeStateLocked(ctx, Open)
		}
		return
	}

	if success {
		b.successes++
	} else {
		b.failures++
	}

	total := b.failures + b.successes
	if total < float64(b.minRequests) {
		return
	}
	if b.failures/total >= b.failureRatio {
		b.changeStateLocked(ctx, Open)
	} else if total > float64(b.minRequests*2) {
		// age out old outcomes without moving the ratio
		b.successes /= 2
		b.failures /= 2
	}
}

// Do runs fn when the breaker allows it and reports the outcome. Errors for
// which isFailure returns false count as successes; a nil isFailure treats
// every error as a failure.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error, isFailure func(error) bool) error {
	if !b.Allow(ctx) {
		return ErrOpenCircuit
	}
	err := fn(ctx)
	failed := err != nil
	if failed && isFailure != nil {
		failed = isFailure(err)
	}
	b.Report(ctx, !failed)
	return err
}

func (b *Breaker) changeStateLocked(ctx context.Context, next State) {
	prev := b.state
	if prev == next {
		b.recordStateLocked()
		return
	}
	b.state = next
	switch next {
	case Open:
		b.openedAt = b.now()
	case Closed:
		b.openedAt = time.Time{}
	}
	b.failures = 0
	b.successes = 0
	b.recordStateLocked()
	b.recordTransition(ctx, prev, next)
}

func (b *Breaker) recordStateLocked() {
	if obs.BreakerState == nil {
		return
	}
	obs.BreakerState.WithLabelValues(b.targetLabel()).Set(stateGaugeValue(b.state))
}

func (b *Breaker) recordTransition(ctx context.Context, from, to State) {
	label := b.targetLabel()
	if obs.BreakerTransitionsTotal != nil {
		obs.BreakerTransitionsTotal.WithLabelValues(label, from.String(), to.String()).Inc()
	}
	evt := b.loggerFor(ctx).Info().Str("target", label).Str("from_state", from.String()).Str("to_state", to.String())
	if traceID := traceIDFromContext(ctx); traceID != "" {
		evt = evt.Str("trace_id", traceID)
	}
	evt.Msg("breaker_transition")
}

func (b *Breaker) targetLabel() string {
	if b.target == "" {
		return "default"
	}
	return b.target
}

func (b *Breaker) loggerFor(ctx context.Context) *zerolog.Logger {
	if ctxLogger := zerolog.Ctx(ctx); ctxLogger != nil && ctxLogger.GetLevel() != zerolog.Disabled {
		logger := ctxLogger.With().Logger()
		return &logger
	}
	if b.logger == nil {
		return &breakerNopLogger
	}
	return b.logger
}

func stateGaugeValue(state State) float64 {
	switch state {
	case Closed:
		return 0
	case Open:
		return 1
	case HalfOpen:
		return 2
	default:
		return -1
	}
}

func traceIDFromContext(ctx context.Context) string {
	span := trace.SpanContextFromContext(ctx)
	if span.IsValid() {
		return span.TraceID().String()
	}
	return ""
}
