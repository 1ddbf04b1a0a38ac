package call

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"trunkphone/audio"
)

// Metrics are the controller's prometheus collectors. It also records route
// events for the audio coordinator.
type Metrics struct {
	reg *prometheus.Registry

	callsPlaced    prometheus.Counter
	callsQueued    prometheus.Counter
	callsFailed    *prometheus.CounterVec
	callsEnded     *prometheus.CounterVec
	callsActive    prometheus.Gauge
	unknownStates  *prometheus.CounterVec
	routeApplied   *prometheus.CounterVec
	routeFailures  prometheus.Counter
	routeReapplied prometheus.Counter
	micCycles      prometheus.Counter
	voiceChanges   *prometheus.CounterVec
}

func mustRegister[T prometheus.Collector](reg *prometheus.Registry, c T) T {
	if err := reg.Register(c); err != nil {
		var e prometheus.AlreadyRegisteredError
		if errors.As(err, &e) {
			return e.ExistingCollector.(T)
		}
		panic(err)
	}
	return c
}

// NewMetrics registers the collectors on reg, or on a fresh registry if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	opts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: "trunkphone", Subsystem: "call", Name: name, Help: help}
	}
	m := &Metrics{reg: reg}
	m.callsPlaced = mustRegister(reg, prometheus.NewCounter(opts("placed_total", "Calls handed to the engine")))
	m.callsQueued = mustRegister(reg, prometheus.NewCounter(opts("queued_total", "Calls queued until the engine was ready")))
	m.callsFailed = mustRegister(reg, prometheus.NewCounterVec(opts("failed_total", "Rejected or failed call commands"), []string{"reason"}))
	m.callsEnded = mustRegister(reg, prometheus.NewCounterVec(opts("ended_total", "Calls that reached a terminal state"), []string{"state"}))
	m.callsActive = mustRegister(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trunkphone",
		Subsystem: "call",
		Name:      "active",
		Help:      "Calls with an engine handle",
	}))
	m.unknownStates = mustRegister(reg, prometheus.NewCounterVec(opts("unrecognized_states_total", "Engine states outside the mapping table"), []string{"state"}))

	aopts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: "trunkphone", Subsystem: "audio", Name: name, Help: help}
	}
	m.routeApplied = mustRegister(reg, prometheus.NewCounterVec(aopts("route_applied_total", "Audio routes applied"), []string{"route"}))
	m.routeFailures = mustRegister(reg, prometheus.NewCounter(aopts("route_failures_total", "Failed device or OS audio calls")))
	m.routeReapplied = mustRegister(reg, prometheus.NewCounter(aopts("route_reapplied_total", "Routes re-applied after drifting")))
	m.micCycles = mustRegister(reg, prometheus.NewCounter(aopts("mic_cycles_total", "Forced microphone mute/unmute cycles")))

	m.voiceChanges = mustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trunkphone",
		Subsystem: "voicefx",
		Name:      "changes_total",
		Help:      "Voice effect changes by result",
	}, []string{"result"}))
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

func (m *Metrics) RouteApplied(r audio.Route) { m.routeApplied.WithLabelValues(r.String()).Inc() }
func (m *Metrics) RouteFailed()               { m.routeFailures.Inc() }
func (m *Metrics) RouteReapplied()            { m.routeReapplied.Inc() }
func (m *Metrics) MicCycled()                 { m.micCycles.Inc() }

var _ audio.Recorder = (*Metrics)(nil)
