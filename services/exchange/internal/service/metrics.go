package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	OrdersPlaced       *prometheus.CounterVec
	TradesTotal        *prometheus.CounterVec
	OperationErrors    *prometheus.CounterVec
	OperationDuration  *prometheus.HistogramVec
	SideEffectFailures *prometheus.CounterVec
}

func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrdersPlaced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchange_orders_placed_total",
				Help: "Total orders accepted onto the book.",
			},
			[]string{"symbol", "side"},
		),
		TradesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchange_trades_total",
				Help: "Total trades settled.",
			},
			[]string{"symbol"},
		),
		OperationErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchange_operation_errors_total",
				Help: "Total failed exchange operations.",
			},
			[]string{"operation", "reason"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "exchange_operation_duration_seconds",
				Help:    "Exchange operation duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		SideEffectFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchange_side_effect_failures_total",
				Help: "Total post-commit event or notification failures.",
			},
			[]string{"effect"},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.OrdersPlaced,
			m.TradesTotal,
			m.OperationErrors,
			m.OperationDuration,
			m.SideEffectFailures,
		)
	}
	return m
}

func (m *Metrics) IncOrderPlaced(symbol, side string) {
	if m == nil {
		return
	}
	m.OrdersPlaced.WithLabelValues(symbol, side).Inc()
}

func (m *Metrics) IncTrade(symbol string) {
	if m == nil {
		return
	}
	m.TradesTotal.WithLabelValues(symbol).Inc()
}

func (m *Metrics) ObserveOperation(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.OperationErrors.WithLabelValues(operation, ErrorReason(err)).Inc()
	}
}

func (m *Metrics) IncSideEffectFailure(effect string) {
	if m == nil {
		return
	}
	m.SideEffectFailures.WithLabelValues(effect).Inc()
}
