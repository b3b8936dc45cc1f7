package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	completionTotal    *prometheus.CounterVec
	completionDuration *prometheus.HistogramVec

	toolDispatchTotal    *prometheus.CounterVec
	toolDispatchDuration *prometheus.HistogramVec
	toolErrorsTotal      *prometheus.CounterVec

	stepAttemptsTotal *prometheus.CounterVec
	stepReplaysTotal  *prometheus.CounterVec

	workflowRunTotal    *prometheus.CounterVec
	workflowRunDuration *prometheus.HistogramVec
	activeWorkflows     prometheus.Gauge

	transcriptWriteDuration prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "agentloop_queue_size",
					Help: "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentloop_enqueue_total",
					Help: "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentloop_dequeue_total",
					Help: "Total dequeue/completion operations by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agentloop_task_duration_seconds",
					Help:    "Task execution duration in seconds by lane.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			completionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentloop_completion_total",
					Help: "Total completion calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			completionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agentloop_completion_duration_seconds",
					Help:    "Completion call duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			toolDispatchTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentloop_tool_dispatch_total",
					Help: "Total tool dispatches by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolDispatchDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agentloop_tool_dispatch_duration_seconds",
					Help:    "Tool dispatch duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentloop_tool_errors_total",
					Help: "Total tool dispatch errors by tool and error kind.",
				},
				[]string{"tool", "kind"},
			),
			stepAttemptsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentloop_step_attempts_total",
					Help: "Total durable step attempts by step and status.",
				},
				[]string{"step", "status"},
			),
			stepReplaysTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentloop_step_replays_total",
					Help: "Total durable steps served from the journal.",
				},
				[]string{"step"},
			),
			workflowRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentloop_workflow_run_total",
					Help: "Total workflow executions by workflow type and status.",
				},
				[]string{"workflow", "status"},
			),
			workflowRunDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agentloop_workflow_run_duration_seconds",
					Help:    "Workflow execution duration in seconds by workflow type.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"workflow"},
			),
			activeWorkflows: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "agentloop_active_workflows",
					Help: "Workflows currently executing in this process.",
				},
			),
			transcriptWriteDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "agentloop_transcript_write_duration_seconds",
					Help:    "Transcript sync duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.completionTotal,
			m.completionDuration,
			m.toolDispatchTotal,
			m.toolDispatchDuration,
			m.toolErrorsTotal,
			m.stepAttemptsTotal,
			m.stepReplaysTotal,
			m.workflowRunTotal,
			m.workflowRunDuration,
			m.activeWorkflows,
			m.transcriptWriteDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordCompletion(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.completionTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.completionDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordToolDispatch records one dispatch. errKind is empty on success.
func RecordToolDispatch(tool string, duration time.Duration, errKind string) {
	m := getMetrics()
	success := errKind == ""
	m.toolDispatchTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolDispatchDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool, errKind).Inc()
	}
}

func RecordStepAttempt(step string, success bool) {
	getMetrics().stepAttemptsTotal.WithLabelValues(step, statusLabel(success)).Inc()
}

func RecordStepReplay(step string) {
	getMetrics().stepReplaysTotal.WithLabelValues(step).Inc()
}

func RecordWorkflowRun(workflow string, duration time.Duration, status string) {
	m := getMetrics()
	m.workflowRunTotal.WithLabelValues(workflow, status).Inc()
	m.workflowRunDuration.WithLabelValues(workflow).Observe(duration.Seconds())
}

func SetActiveWorkflows(count int) {
	getMetrics().activeWorkflows.Set(float64(count))
}

func RecordTranscriptWrite(duration time.Duration) {
	getMetrics().transcriptWriteDuration.Observe(duration.Seconds())
}
