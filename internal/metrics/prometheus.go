// Package metrics exports engine observer callbacks as Prometheus metrics.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/petrijr/conductor/pkg/api"
)

// PrometheusObserver implements api.Observer with Prometheus collectors.
type PrometheusObserver struct {
	api.NoopObserver

	instances        *prometheus.CounterVec
	running          prometheus.Gauge
	passes           *prometheus.CounterVec
	passDuration     prometheus.Histogram
	historyEvents    prometheus.Counter
	activityAttempts *prometheus.CounterVec
	activityDuration *prometheus.HistogramVec
	entityTurns      *prometheus.CounterVec
}

var _ api.Observer = (*PrometheusObserver)(nil)

// NewPrometheusObserver creates the collectors under namespace and registers
// them with reg.
func NewPrometheusObserver(reg prometheus.Registerer, namespace string) (*PrometheusObserver, error) {
	o := &PrometheusObserver{
		instances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_total",
			Help:      "Orchestration instances by lifecycle transition.",
		}, []string{"orchestrator", "status"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instances_running",
			Help:      "Instances started and not yet finished.",
		}),
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_passes_total",
			Help:      "Replay passes by outcome.",
		}, []string{"action"}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "replay_pass_duration_seconds",
			Help:      "Duration of replay passes.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		historyEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_events_appended_total",
			Help:      "History events appended by replay passes.",
		}),
		activityAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activity_attempts_total",
			Help:      "Activity invocations by activity and result.",
		}, []string{"activity", "result"}),
		activityDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "activity_duration_seconds",
			Help:      "Duration of activity invocations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"activity"}),
		entityTurns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entity_turns_total",
			Help:      "Entity operations by entity type, operation and result.",
		}, []string{"entity_type", "operation", "result"}),
	}

	for _, c := range []prometheus.Collector{
		o.instances, o.running, o.passes, o.passDuration, o.historyEvents,
		o.activityAttempts, o.activityDuration, o.entityTurns,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *PrometheusObserver) OnInstanceStarted(ctx context.Context, inst *api.InstanceStatus) {
	o.instances.WithLabelValues(inst.Name, "started").Inc()
	o.running.Inc()
}

func (o *PrometheusObserver) OnInstanceCompleted(ctx context.Context, inst *api.InstanceStatus) {
	o.instances.WithLabelValues(inst.Name, "completed").Inc()
	o.running.Dec()
}

func (o *PrometheusObserver) OnInstanceFailed(ctx context.Context, inst *api.InstanceStatus, err error) {
	o.instances.WithLabelValues(inst.Name, statusLabel(inst.Status)).Inc()
	o.running.Dec()
}

func (o *PrometheusObserver) OnPass(ctx context.Context, id string, action api.PassAction, n int, d time.Duration) {
	o.passes.WithLabelValues(string(action)).Inc()
	o.passDuration.Observe(d.Seconds())
	o.historyEvents.Add(float64(n))
}

func (o *PrometheusObserver) OnActivityAttempt(ctx context.Context, a api.ActivityAttempt, err error, d time.Duration) {
	o.activityAttempts.WithLabelValues(a.ActivityName, result(err)).Inc()
	o.activityDuration.WithLabelValues(a.ActivityName).Observe(d.Seconds())
}

func (o *PrometheusObserver) OnEntityTurn(ctx context.Context, id api.EntityID, op string, err error, d time.Duration) {
	o.entityTurns.WithLabelValues(id.Type, op, result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func statusLabel(s api.Status) string {
	if s == api.StatusTerminated {
		return "terminated"
	}
	return "failed"
}
