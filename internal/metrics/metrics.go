// Package metrics records per-run Prometheus metrics from pipeline events and
// writes them in the text exposition format.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aristath/kern/internal/events"
)

// FileName is the textfile written into each run directory.
const FileName = "metrics.prom"

// Recorder owns a private registry so concurrent runs and tests never share
// series.
type Recorder struct {
	reg *prometheus.Registry

	stageExecutions *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	stageCost       prometheus.Counter
	evaluationScore *prometheus.GaugeVec
	tasks           *prometheus.CounterVec
}

// NewRecorder registers the kern metrics on a fresh registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		reg: reg,
		stageExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kern_stage_executions_total",
				Help: "Total number of stage executions",
			},
			[]string{"stage", "status"}, // status: success, failed
		),
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kern_stage_duration_seconds",
				Help:    "Stage execution duration in seconds",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
			},
			[]string{"stage"},
		),
		stageCost: factory.NewCounter(prometheus.CounterOpts{
			Name: "kern_stage_cost_usd_total",
			Help: "Total model cost reported by stage executions, in USD",
		}),
		evaluationScore: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kern_evaluation_score",
				Help: "Latest evaluation score per task",
			},
			[]string{"task"},
		),
		tasks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kern_tasks_total",
				Help: "Tasks that reached a terminal state",
			},
			[]string{"outcome"}, // outcome: completed, skipped, failed
		),
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.reg
}

// Observe updates metrics for a single event. Unrelated events are ignored.
func (r *Recorder) Observe(ev events.Event) {
	switch e := ev.(type) {
	case events.StageFinishedEvent:
		stage := strconv.Itoa(e.Stage)
		status := "success"
		if !e.Success {
			status = "failed"
		}
		r.stageExecutions.WithLabelValues(stage, status).Inc()
		r.stageDuration.WithLabelValues(stage).Observe(e.Duration.Seconds())
		if e.CostUSD != nil && *e.CostUSD > 0 {
			r.stageCost.Add(*e.CostUSD)
		}
	case events.EvaluatedEvent:
		r.evaluationScore.WithLabelValues(strconv.Itoa(e.Task)).Set(float64(e.Score))
	case events.TaskStateEvent:
		switch e.To {
		case events.StateCompleted, events.StateSkipped, events.StateFailed:
			r.tasks.WithLabelValues(e.To).Inc()
		}
	}
}

// Run observes events until ch is closed.
func (r *Recorder) Run(ch <-chan events.Event) {
	for ev := range ch {
		r.Observe(ev)
	}
}

// WriteTextfile writes the current metrics to path atomically.
func (r *Recorder) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.reg); err != nil {
		return fmt.Errorf("writing metrics to %s: %w", path, err)
	}
	return nil
}
