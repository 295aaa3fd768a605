package metrics

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/ethereum-optimism/infra/op-steplog/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricsNamespace = "steplog"
)

var (
	Debug                bool = true
	validResults              = []types.Status{types.StatusPassed, types.StatusFailed, types.StatusSkipped}
	nonAlphanumericRegex      = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "events_total",
		Help:      "Count of ingress events handled",
	}, []string{
		"type",
	})

	anomaliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "anomalies_total",
		Help:      "Count of protocol violations from the host framework that were ignored",
	}, []string{
		"kind",
	})

	testsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "tests_total",
		Help:      "Count of finished tests by result",
	}, []string{
		"result",
	})

	stepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "steps_total",
		Help:      "Count of finished steps by level and result",
	}, []string{
		"level",
		"result",
	})

	levelUpgradesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "level_upgrades_total",
		Help:      "Count of steps escalated to MAJOR by the duration rule",
	})

	evictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "buffer_evictions_total",
		Help:      "Count of buffer entries evicted, by policy branch",
	}, []string{
		"policy",
	})

	// Worker ids come from the host, so buffer gauges are not labelled by worker
	bufferEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "buffer_entries",
		Help:      "Number of entries currently held across all worker buffers",
	})

	bufferWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "buffer_workers",
		Help:      "Number of worker partitions in the buffer",
	})

	drawsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "draws_total",
		Help:      "Count of terminal draws by kind",
	}, []string{
		"kind",
	})

	runDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_duration_seconds",
		Help:      "Wall clock duration of a reported run",
	}, []string{
		"run_id",
		"result",
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

func RecordEvent(eventType string) {
	eventsTotal.WithLabelValues(eventType).Inc()
}

func RecordAnomaly(kind string) {
	if Debug {
		log.Debug("metric inc",
			"m", "anomalies_total",
			"kind", kind,
		)
	}
	anomaliesTotal.WithLabelValues(kind).Inc()
}

func RecordTestResult(result types.Status) {
	if !isValidResult(result) {
		log.Error("RecordTestResult - invalid result", "result", result)
		return
	}
	testsTotal.WithLabelValues(string(result)).Inc()
}

func RecordStepResult(level types.Level, result types.Status) {
	if !isValidResult(result) {
		log.Error("RecordStepResult - invalid result", "result", result)
		return
	}
	stepsTotal.WithLabelValues(string(level), string(result)).Inc()
}

func RecordLevelUpgrade() {
	levelUpgradesTotal.Inc()
}

func RecordEviction(policy string) {
	evictionsTotal.WithLabelValues(policy).Inc()
}

func SetBufferEntries(entries, workers int) {
	bufferEntries.Set(float64(entries))
	bufferWorkers.Set(float64(workers))
}

func RecordDraw(kind string) {
	drawsTotal.WithLabelValues(kind).Inc()
}

func RecordRun(runID string, result types.Status, duration time.Duration) {
	runDuration.WithLabelValues(runID, string(result)).Set(duration.Seconds())
}

func isValidResult(result types.Status) bool {
	return slices.Contains(validResults, result)
}
