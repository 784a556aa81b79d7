package discovery

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

const (
	kindTracker   = "tracker"
	kindAuxiliary = "auxiliary"
)

//Metrics exports discovery counters to prometheus. A nil *Metrics is valid and
//records nothing.
type Metrics struct {
	cycles       prometheus.Counter
	peers        *prometheus.CounterVec
	sourceErrors *prometheus.CounterVec
	knownPeers   prometheus.Gauge
}

//NewMetrics creates the discovery collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "charo",
			Subsystem: "discovery",
			Name:      "cycles_total",
			Help:      "Discovery cycles run.",
		}),
		peers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "charo",
			Subsystem: "discovery",
			Name:      "peers_total",
			Help:      "Peers handed out by peer sources.",
		}, []string{"source"}),
		sourceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "charo",
			Subsystem: "discovery",
			Name:      "source_errors_total",
			Help:      "Failed peer source queries.",
		}, []string{"kind"}),
		knownPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "charo",
			Subsystem: "discovery",
			Name:      "known_peers",
			Help:      "Peers in the identity cache.",
		}),
	}
	err := multierr.Combine(
		reg.Register(m.cycles),
		reg.Register(m.peers),
		reg.Register(m.sourceErrors),
		reg.Register(m.knownPeers),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) cycle() {
	if m != nil {
		m.cycles.Inc()
	}
}

func (m *Metrics) peer(source string) {
	if m != nil {
		m.peers.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) sourceError(kind string) {
	if m != nil {
		m.sourceErrors.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) setKnownPeers(n int) {
	if m != nil {
		m.knownPeers.Set(float64(n))
	}
}
