package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "terminal_agent"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	reg            *prom.Registry
	tickDuration   *prom.HistogramVec
	signalOutcomes *prom.CounterVec
	updateCommits  *prom.CounterVec
	probeResults   *prom.CounterVec
	heartbeats     *prom.CounterVec
	configFetches  *prom.CounterVec
	pairing        *prom.CounterVec
	policyResults  *prom.CounterVec
	paired         prom.Gauge
	updating       prom.Gauge
}

// NewPrometheusRecorder constructs and registers the agent metrics on reg,
// or on a fresh registry (with Go and process collectors) when reg is nil.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	pr := &PrometheusRecorder{reg: reg}
	pr.tickDuration = prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "tick_duration_seconds",
		Help:      "Duration of agent loop ticks",
		Buckets:   prom.DefBuckets,
	}, []string{"mode"})
	pr.signalOutcomes = prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "signal_outcomes_total",
		Help:      "Version signal evaluations by channel and outcome",
	}, []string{"channel", "outcome"})
	pr.updateCommits = prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "update_commits_total",
		Help:      "Committed updates by triggering channel",
	}, []string{"channel"})
	pr.probeResults = prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "readiness_probes_total",
		Help:      "Readiness probe results",
	}, []string{"result"})
	pr.heartbeats = prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "heartbeats_total",
		Help:      "Heartbeat sends by result",
	}, []string{"result"})
	pr.configFetches = prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "config_fetches_total",
		Help:      "Remote config fetches by result",
	}, []string{"result"})
	pr.pairing = prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "pairing_attempts_total",
		Help:      "Pairing attempts by result",
	}, []string{"result"})
	pr.policyResults = prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "policy_results_total",
		Help:      "Policy applications by policy and result",
	}, []string{"policy", "result"})
	pr.paired = prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "paired",
		Help:      "1 when the terminal has a device id",
	})
	pr.updating = prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "updating",
		Help:      "1 while an update is being executed",
	})
	reg.MustRegister(pr.tickDuration, pr.signalOutcomes, pr.updateCommits, pr.probeResults,
		pr.heartbeats, pr.configFetches, pr.pairing, pr.policyResults, pr.paired, pr.updating)
	return pr
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{})
}

func (p *PrometheusRecorder) ObserveTick(mode string, d time.Duration) {
	if p == nil {
		return
	}
	p.tickDuration.WithLabelValues(mode).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncSignalOutcome(channel, outcome string) {
	if p == nil {
		return
	}
	p.signalOutcomes.WithLabelValues(channel, outcome).Inc()
}

func (p *PrometheusRecorder) IncUpdateCommit(channel string) {
	if p == nil {
		return
	}
	p.updateCommits.WithLabelValues(channel).Inc()
}

func (p *PrometheusRecorder) IncProbeResult(ready bool) {
	if p == nil {
		return
	}
	res := "not_ready"
	if ready {
		res = "ready"
	}
	p.probeResults.WithLabelValues(res).Inc()
}

func (p *PrometheusRecorder) IncHeartbeat(result string) {
	if p == nil {
		return
	}
	p.heartbeats.WithLabelValues(result).Inc()
}

func (p *PrometheusRecorder) IncConfigFetch(result string) {
	if p == nil {
		return
	}
	p.configFetches.WithLabelValues(result).Inc()
}

func (p *PrometheusRecorder) IncPairingAttempt(result string) {
	if p == nil {
		return
	}
	p.pairing.WithLabelValues(result).Inc()
}

func (p *PrometheusRecorder) IncPolicyResult(policy, result string) {
	if p == nil {
		return
	}
	p.policyResults.WithLabelValues(policy, result).Inc()
}

func (p *PrometheusRecorder) SetPaired(paired bool) {
	if p == nil {
		return
	}
	p.paired.Set(boolGauge(paired))
}

func (p *PrometheusRecorder) SetUpdating(updating bool) {
	if p == nil {
		return
	}
	p.updating.Set(boolGauge(updating))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
