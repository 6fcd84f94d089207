package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// PriceQuotesTotal counts price computations by caller and outcome.
	PriceQuotesTotal *prometheus.CounterVec
	// PriceFallbacksTotal counts quotes that fell back to the base price.
	PriceFallbacksTotal prometheus.Counter
	// RuleMutationsTotal counts authoring operations applied to rule stores.
	RuleMutationsTotal *prometheus.CounterVec
	// SaveOperationsTotal counts save slot reads and writes per backend.
	SaveOperationsTotal *prometheus.CounterVec
	// JournalEntriesTotal counts journal entries by outcome.
	JournalEntriesTotal *prometheus.CounterVec
	// ActiveSessions tracks the number of live game sessions.
	ActiveSessions prometheus.Gauge
	// BreakerState reports each circuit breaker: 0=closed, 1=open, 2=half-open.
	BreakerState *prometheus.GaugeVec
	// BreakerTransitionsTotal counts breaker state changes.
	BreakerTransitionsTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers the pricing and rule
// collectors. Later calls are no-ops.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		PriceQuotesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_quotes_total",
			Help:      "Count of price computations by source and result.",
		}, []string{"source", "result"})
		PriceFallbacksTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_fallbacks_total",
			Help:      "Number of quotes that returned the base price after a chain error.",
		})
		RuleMutationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_mutations_total",
			Help:      "Count of rule authoring operations.",
		}, []string{"operation"})
		SaveOperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "save_operations_total",
			Help:      "Count of save slot operations by backend, operation and result.",
		}, []string{"backend", "operation", "result"})
		JournalEntriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_entries_total",
			Help:      "Count of rule journal entries by outcome.",
		}, []string{"result"})
		ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live game sessions.",
		})
		BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Current breaker state: 0=closed, 1=open, 2=half-open.",
		}, []string{"target"})
		BreakerTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Count of breaker state transitions.",
		}, []string{"target", "from", "to"})

		mustRegisterCollector(reg, PriceQuotesTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PriceQuotesTotal = v
			}
		})
		mustRegisterCollector(reg, PriceFallbacksTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				PriceFallbacksTotal = v
			}
		})
		mustRegisterCollector(reg, RuleMutationsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				RuleMutationsTotal = v
			}
		})
		mustRegisterCollector(reg, SaveOperationsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				SaveOperationsTotal = v
			}
		})
		mustRegisterCollector(reg, JournalEntriesTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				JournalEntriesTotal = v
			}
		})
		mustRegisterCollector(reg, ActiveSessions, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Gauge); ok {
				ActiveSessions = v
			}
		})
		mustRegisterCollector(reg, BreakerState, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.GaugeVec); ok {
				BreakerState = v
			}
		})
		mustRegisterCollector(reg, BreakerTransitionsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				BreakerTransitionsTotal = v
			}
		})
	})
}

// CountSaveOperation records one save slot operation. err decides the result label.
func CountSaveOperation(backend, operation string, err error) {
	if SaveOperationsTotal == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	SaveOperationsTotal.WithLabelValues(backend, operation, result).Inc()
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}
