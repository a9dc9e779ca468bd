// Package metrics records scenario run metrics in a Prometheus registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/eugenetaranov/meshprobe/internal/connector"
)

// Recorder collects the metrics of one run. A nil Recorder discards
// everything.
type Recorder struct {
	registry *prometheus.Registry

	stepDuration     *prometheus.GaugeVec
	steps            *prometheus.CounterVec
	commands         *prometheus.CounterVec
	assertions       *prometheus.CounterVec
	terminateActions *prometheus.CounterVec
	runSuccess       prometheus.Gauge
	runDuration      prometheus.Gauge
}

// New creates a recorder with its own registry. Labels are attached to
// every metric, typically the scenario name and kind.
func New(labels prometheus.Labels) *Recorder {
	r := &Recorder{registry: prometheus.NewRegistry()}

	r.stepDuration = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "meshprobe_step_duration_seconds",
			Help:        "Wall-clock duration of each scenario step",
			ConstLabels: labels,
		},
		[]string{"step"},
	)

	r.steps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "meshprobe_steps_total",
			Help:        "Scenario steps by result",
			ConstLabels: labels,
		},
		[]string{"step", "result"},
	)

	r.commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "meshprobe_commands_total",
			Help:        "Remote commands and uploads by host and status",
			ConstLabels: labels,
		},
		[]string{"host", "status"},
	)

	r.assertions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "meshprobe_assertions_total",
			Help:        "Scenario assertions by result",
			ConstLabels: labels,
		},
		[]string{"result"},
	)

	r.terminateActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "meshprobe_terminate_actions_total",
			Help:        "Guest termination actions by outcome",
			ConstLabels: labels,
		},
		[]string{"action", "result"},
	)

	r.runSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "meshprobe_run_success",
		Help:        "1 if the last run passed, 0 otherwise",
		ConstLabels: labels,
	})

	r.runDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "meshprobe_run_duration_seconds",
		Help:        "Wall-clock duration of the last run",
		ConstLabels: labels,
	})

	r.registry.MustRegister(
		r.stepDuration,
		r.steps,
		r.commands,
		r.assertions,
		r.terminateActions,
		r.runSuccess,
		r.runDuration,
	)

	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveStep records a finished step.
func (r *Recorder) ObserveStep(step string, d time.Duration, err error) {
	if r == nil {
		return
	}
	r.stepDuration.WithLabelValues(step).Set(d.Seconds())
	r.steps.WithLabelValues(step, result(err == nil)).Inc()
}

// ObserveCommand records the status of a remote command or upload. It has
// the signature of connector.Observer.
func (r *Recorder) ObserveCommand(hostname string, status connector.Status) {
	if r == nil {
		return
	}
	label := "failed"
	switch {
	case !status.IsKnown():
		label = "unknown"
	case status.Success():
		label = "ok"
	}
	r.commands.WithLabelValues(hostname, label).Inc()
}

// ObserveAssertion records one assertion.
func (r *Recorder) ObserveAssertion(passed bool) {
	if r == nil {
		return
	}
	r.assertions.WithLabelValues(result(passed)).Inc()
}

// ObserveTerminateAction records a termination action. It has the signature
// of guest.ActionObserver.
func (r *Recorder) ObserveTerminateAction(_, action string, err error) {
	if r == nil {
		return
	}
	r.terminateActions.WithLabelValues(action, result(err == nil)).Inc()
}

// ObserveRun records the overall outcome.
func (r *Recorder) ObserveRun(success bool, d time.Duration) {
	if r == nil {
		return
	}
	if success {
		r.runSuccess.Set(1)
	} else {
		r.runSuccess.Set(0)
	}
	r.runDuration.Set(d.Seconds())
}

// WriteFile writes every metric to path in the text exposition format,
// atomically, for the node exporter's textfile collector.
func (r *Recorder) WriteFile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, r.registry)
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}
