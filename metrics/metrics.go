package metrics

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum-optimism/infra/op-scenario/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricsNamespace = "op_scenario"
)

var (
	Debug                bool = true
	nonAlphanumericRegex      = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	casesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "test_cases_total",
		Help:      "Count of finished test case attempts",
	}, []string{
		"status",
		"will_be_retried",
	})

	stepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "test_steps_total",
		Help:      "Count of finished test steps, hooks included",
	}, []string{
		"kind",
		"status",
	})

	stepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Name:      "test_step_duration_seconds",
		Help:      "Duration of test steps",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{
		"kind",
	})

	idleInterventionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "idle_interventions_total",
		Help:      "Scenarios force-assigned because the admission predicate blocked every pending scenario while no worker was busy",
	})

	workerCrashesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "worker_crashes_total",
		Help:      "Worker processes that exited unsuccessfully",
	}, []string{
		"worker",
	})

	workersBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "workers_busy",
		Help:      "Workers currently running a scenario",
	})

	disposeFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "dispose_failures_total",
		Help:      "Scenario objects whose Dispose failed",
	}, []string{
		"component",
	})

	runResults = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_results",
		Help:      "Result of scenario runs",
	}, []string{
		"run_id",
		"result",
	})

	runCasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "run_cases_total",
		Help:      "Total number of scenarios per run",
	}, []string{
		"run_id",
	})

	runCasesPassed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "run_cases_passed",
		Help:      "Number of passed scenarios per run",
	}, []string{
		"run_id",
	})

	runCasesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "run_cases_failed",
		Help:      "Number of failed scenarios per run",
	}, []string{
		"run_id",
	})

	runDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_duration_seconds",
		Help:      "Duration of scenario runs",
	}, []string{
		"run_id",
	})
)

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func RecordError(error string) {
	if Debug {
		log.Debug("metric inc",
			"m", "errors_total",
			"error", error,
		)
	}
	errorsTotal.WithLabelValues(error).Inc()
}

// RecordErrorDetails concats the error message to the label
// and also tries to clean the label to be a valid Prometheus label
func RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	label = fmt.Sprintf("%s.%s", label, errToLabel(err))
	RecordError(label)
}

// RecordCase counts a finished attempt.
func RecordCase(status types.Status, willBeRetried bool) {
	casesTotal.WithLabelValues(status.String(), fmt.Sprint(willBeRetried)).Inc()
}

// RecordStep counts a finished hook or pickle step.
func RecordStep(kind types.TestStepKind, result types.StepResult) {
	stepsTotal.WithLabelValues(string(kind), result.Status.String()).Inc()
	stepDuration.WithLabelValues(string(kind)).Observe(result.Duration.Seconds())
}

func RecordIdleIntervention() {
	if Debug {
		log.Debug("metric inc", "m", "idle_interventions_total")
	}
	idleInterventionsTotal.Inc()
}

func RecordWorkerCrash(workerID string) {
	workerCrashesTotal.WithLabelValues(workerID).Inc()
}

func SetWorkersBusy(n int) {
	workersBusy.Set(float64(n))
}

func RecordDisposeFailure(component string) {
	disposeFailuresTotal.WithLabelValues(component).Inc()
}

// RecordRun records the outcome of a whole run.
func RecordRun(
	runID string,
	result string,
	total int,
	passed int,
	failed int,
	duration time.Duration,
) {
	runResults.WithLabelValues(runID, result).Set(1)
	runCasesTotal.WithLabelValues(runID).Add(float64(total))
	runCasesPassed.WithLabelValues(runID).Add(float64(passed))
	runCasesFailed.WithLabelValues(runID).Add(float64(failed))
	runDuration.WithLabelValues(runID).Set(duration.Seconds())
}
