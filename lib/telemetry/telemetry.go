package telemetry

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures bus and ramp events.
//
// Calls happen inline with every bus round trip, so implementations must be
// cheap and must not block.
type Collector interface {
	ObserveRoundTrip(instrument, op string, d time.Duration, err error)
	IncRampStep(source string)
	SetLevel(source string, ch int, v float64)
}

type noopCollector struct{}

// Noop returns a collector that discards everything.
func Noop() Collector { return noopCollector{} }

func (noopCollector) ObserveRoundTrip(string, string, time.Duration, error) {}
func (noopCollector) IncRampStep(string)                                   {}
func (noopCollector) SetLevel(string, int, float64)                        {}

// PrometheusCollector exposes bus and ramp metrics to Prometheus.
type PrometheusCollector struct {
	roundTrips *prometheus.HistogramVec
	busErrors  *prometheus.CounterVec
	rampSteps  *prometheus.CounterVec
	levels     *prometheus.GaugeVec
}

// NewPrometheusCollector registers the metrics with reg, or with the default
// registerer when reg is nil. Metrics already registered by an earlier call
// are reused.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	var (
		c   PrometheusCollector
		err error
	)
	c.roundTrips, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hallbar_bus_round_trip_seconds",
		Help:    "Duration of instrument bus round trips by operation.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"instrument", "op"}))
	if err != nil {
		return nil, err
	}
	c.busErrors, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hallbar_bus_errors_total",
		Help: "Number of failed instrument bus round trips.",
	}, []string{"instrument", "op"}))
	if err != nil {
		return nil, err
	}
	c.rampSteps, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hallbar_ramp_writes_total",
		Help: "Number of level writes issued by ramps.",
	}, []string{"source"}))
	if err != nil {
		return nil, err
	}
	c.levels, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hallbar_source_level",
		Help: "Last level written to a source channel.",
	}, []string{"source", "channel"}))
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, col T) (T, error) {
	if err := reg.Register(col); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, err
	}
	return col, nil
}

// ObserveRoundTrip records the duration of one bus round trip.
func (p *PrometheusCollector) ObserveRoundTrip(instrument, op string, d time.Duration, err error) {
	if p == nil {
		return
	}
	p.roundTrips.WithLabelValues(instrument, op).Observe(d.Seconds())
	if err != nil {
		p.busErrors.WithLabelValues(instrument, op).Inc()
	}
}

// IncRampStep counts one ramp write.
func (p *PrometheusCollector) IncRampStep(source string) {
	if p == nil {
		return
	}
	p.rampSteps.WithLabelValues(source).Inc()
}

// SetLevel records the last level written to a source channel.
func (p *PrometheusCollector) SetLevel(source string, ch int, v float64) {
	if p == nil {
		return
	}
	p.levels.WithLabelValues(source, strconv.Itoa(ch)).Set(v)
}
