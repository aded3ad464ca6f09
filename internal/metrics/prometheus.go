package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "governance"

var decisionBuckets = []float64{1, 10, 60, 300, 900, 3600, 4 * 3600, 12 * 3600, 24 * 3600, 48 * 3600}

// Prometheus records metrics into its own registry.
type Prometheus struct {
	registry *prometheus.Registry

	evaluations      *prometheus.CounterVec
	approvalsCreated *prometheus.CounterVec
	approvalsDecided *prometheus.CounterVec
	approvalsExpired prometheus.Counter
	timeToDecision   *prometheus.HistogramVec
	casOutcomes      *prometheus.CounterVec
	dispatches       *prometheus.CounterVec
	dispatchLatency  prometheus.Histogram
	dispatchRetries  *prometheus.CounterVec
	stepsCreated     prometheus.Counter
	stepsDecided     *prometheus.CounterVec
	stepTime         *prometheus.HistogramVec
	chainsCompleted  prometheus.Counter
	chainsRejected   prometheus.Counter
}

// NewPrometheus registers all collectors on a fresh registry.
func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Prometheus{
		registry: reg,
		evaluations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "actions_evaluated_total", Help: "Evaluated actions by intent and outcome.",
		}, []string{"intent", "outcome"}),
		approvalsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "approvals_created_total", Help: "Approvals created by intent.",
		}, []string{"intent"}),
		approvalsDecided: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "approvals_decided_total", Help: "Approval decisions by resulting status.",
		}, []string{"status"}),
		approvalsExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "approvals_expired_total", Help: "Approvals expired by the sweep.",
		}),
		timeToDecision: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "approval_time_to_decision_seconds", Help: "Time from approval creation to decision.",
			Buckets: decisionBuckets,
		}, []string{"status"}),
		casOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dispatch_consume_total", Help: "Consume-for-dispatch outcomes.",
		}, []string{"outcome"}),
		dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dispatches_total", Help: "Plan dispatches by success.",
		}, []string{"success"}),
		dispatchLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "dispatch_latency_seconds", Help: "Plan dispatch wall time.",
			Buckets: prometheus.DefBuckets,
		}),
		dispatchRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dispatch_retries_total", Help: "Dispatch retries by connector.",
		}, []string{"connector"}),
		stepsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "chain_steps_created_total", Help: "Chain steps created.",
		}),
		stepsDecided: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "chain_steps_decided_total", Help: "Chain step decisions by status.",
		}, []string{"status"}),
		stepTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "chain_step_active_seconds", Help: "Time a chain step stayed active before its decision.",
			Buckets: decisionBuckets,
		}, []string{"status"}),
		chainsCompleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "chains_completed_total", Help: "Chains with every step approved.",
		}),
		chainsRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "chains_rejected_total", Help: "Chains terminally rejected.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// Registry exposes the underlying registry.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

func (p *Prometheus) ActionEvaluated(intent, outcome string) {
	p.evaluations.WithLabelValues(intent, outcome).Inc()
}

func (p *Prometheus) ApprovalCreated(intent string) {
	p.approvalsCreated.WithLabelValues(intent).Inc()
}

func (p *Prometheus) ApprovalDecided(status string, sinceCreated time.Duration) {
	p.approvalsDecided.WithLabelValues(status).Inc()
	p.timeToDecision.WithLabelValues(status).Observe(sinceCreated.Seconds())
}

func (p *Prometheus) ApprovalExpired(count int) {
	p.approvalsExpired.Add(float64(count))
}

func (p *Prometheus) DispatchConsume(outcome string) {
	p.casOutcomes.WithLabelValues(outcome).Inc()
}

func (p *Prometheus) DispatchFinished(success bool, latency time.Duration) {
	p.dispatches.WithLabelValues(strconv.FormatBool(success)).Inc()
	p.dispatchLatency.Observe(latency.Seconds())
}

func (p *Prometheus) DispatchRetry(connector string) {
	p.dispatchRetries.WithLabelValues(connector).Inc()
}

func (p *Prometheus) ChainStepsCreated(count int) {
	p.stepsCreated.Add(float64(count))
}

func (p *Prometheus) ChainStepDecided(status string, activeFor time.Duration) {
	p.stepsDecided.WithLabelValues(status).Inc()
	p.stepTime.WithLabelValues(status).Observe(activeFor.Seconds())
}

func (p *Prometheus) ChainCompleted() {
	p.chainsCompleted.Inc()
}

func (p *Prometheus) ChainRejected() {
	p.chainsRejected.Inc()
}
