// Package breaker implements a TTL-based circuit breaker over provider
// dispatch, persisted externally via internal/store rather than held only
// in process memory, so breaker state survives a control-loop restart.
//
// A provider trips OPEN the instant a single classified failure is
// recorded — there is no cumulative failure threshold — and stays OPEN
// until its TTL elapses. This is a single last-failure-timestamp-plus-TTL
// design: state is derived entirely from how long ago TrippedAt was, not
// from any running count. HALF_OPEN is not a distinct persisted state: the
// next dispatch attempted after the TTL window is the opportunistic trial.
// A failing trial re-trips with the same TTL; a succeeding trial clears
// TrippedAt and closes the circuit.
package breaker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/example/foundry/internal/store"
	"github.com/example/foundry/internal/types"
)

// record is the JSON document persisted per provider under store's breaker
// namespace. Failures is kept only as diagnostic evidence (surfaced in
// audit entries); it plays no part in deciding circuit state.
type record struct {
	Failures  int       `json:"failures"`
	TrippedAt time.Time `json:"tripped_at"`
}

// Breaker guards provider dispatch behind an immediate-trip, TTL-expiring
// circuit.
type Breaker struct {
	st    store.Store
	ttl   time.Duration
	gauge *prometheus.GaugeVec
}

// New creates a Breaker backed by st. A single classified failure trips the
// circuit OPEN for ttl.
func New(st store.Store, ttl time.Duration) *Breaker {
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "foundry_circuit_state",
		Help: "Circuit breaker state per provider (0=closed,1=open,2=half_open).",
	}, []string{"provider"})
	return &Breaker{st: st, ttl: ttl, gauge: gauge}
}

// Collector exposes the breaker's Prometheus gauge for registration.
func (b *Breaker) Collector() prometheus.Collector {
	return b.gauge
}

// Allow reports whether provider may be dispatched to right now, and the
// state that decision corresponds to.
func (b *Breaker) Allow(ctx context.Context, provider string) (bool, types.CircuitState, error) {
	rec, state, err := b.load(ctx, provider)
	if err != nil {
		return false, "", err
	}
	b.setGauge(provider, state)
	switch state {
	case types.CircuitOpen:
		return false, state, nil
	case types.CircuitHalfOpen:
		// Opportunistic trial: the dispatch goes through, and recording its
		// outcome closes or re-trips the circuit. Allow does not limit the
		// half-open window to a single caller.
		_ = rec
		return true, state, nil
	default:
		return true, state, nil
	}
}

// RecordSuccess clears the failure count for provider, closing the circuit.
func (b *Breaker) RecordSuccess(ctx context.Context, provider string) error {
	b.setGauge(provider, types.CircuitClosed)
	return b.save(ctx, provider, record{})
}

// RecordFailure trips the circuit open immediately: a single classified
// failure is enough, with no cumulative threshold to cross first.
func (b *Breaker) RecordFailure(ctx context.Context, provider string) error {
	rec, _, err := b.load(ctx, provider)
	if err != nil {
		return err
	}
	rec.Failures++
	rec.TrippedAt = time.Now()
	b.setGauge(provider, types.CircuitOpen)
	return b.save(ctx, provider, rec)
}

func (b *Breaker) load(ctx context.Context, provider string) (record, types.CircuitState, error) {
	data, err := b.st.BreakerGet(ctx, provider)
	if err != nil {
		if err == store.ErrNotFound {
			return record{}, types.CircuitClosed, nil
		}
		return record{}, "", err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return record{}, "", err
	}
	if rec.TrippedAt.IsZero() {
		return rec, types.CircuitClosed, nil
	}
	if time.Since(rec.TrippedAt) >= b.ttl {
		return rec, types.CircuitHalfOpen, nil
	}
	return rec, types.CircuitOpen, nil
}

func (b *Breaker) save(ctx context.Context, provider string, rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.st.BreakerSet(ctx, provider, data, b.ttl*2)
}

func (b *Breaker) setGauge(provider string, state types.CircuitState) {
	var v float64
	switch state {
	case types.CircuitOpen:
		v = 1
	case types.CircuitHalfOpen:
		v = 2
	}
	b.gauge.WithLabelValues(provider).Set(v)
}
