package mergequeue

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/simplesurance/walle/internal/logfields"
)

const metricNamespace = "walle_mergequeue"

const (
	queueOperationsMetricName = "queue_operations_total"
	queueSizeMetricName       = "queued_pull_requests"
	processedEventsMetricName = "processed_github_events_total"
	integrationsMetricName    = "integration_outcomes_total"
	healthStatusMetricName    = "healthcheck_status"
)

const (
	repositoryLabel = "repository"
	branchLabel     = "base_branch"
	operationLabel  = "operation"
	tierLabel       = "tier"
	outcomeLabel    = "outcome"
)

type operationLabelVal string

const (
	opEnqueue operationLabelVal = "enqueue"
	opDequeue operationLabelVal = "dequeue"
)

const (
	tierTopPriority = "top_priority"
	tierNormal      = "normal"
)

type metricCollector struct {
	logger          *zap.Logger
	queueOps        *prometheus.CounterVec
	queueSize       *prometheus.GaugeVec
	processedEvents prometheus.Counter
	integrations    *prometheus.CounterVec
	healthStatus    *prometheus.GaugeVec
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		logger: zap.L().Named("mergequeue").Named("metrics"),
		queueOps: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      queueOperationsMetricName,
				Help:      "count of queue insertions and removals",
			},
			[]string{repositoryLabel, branchLabel, operationLabel},
		),
		queueSize: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      queueSizeMetricName,
				Help:      "number of pull requests currently queued for a target branch, by tier",
			},
			[]string{repositoryLabel, branchLabel, tierLabel},
		),
		processedEvents: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      processedEventsMetricName,
				Help:      "count of processed github webhook events",
			},
		),
		integrations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      integrationsMetricName,
				Help:      "count of finished integration attempts by outcome",
			},
			[]string{repositoryLabel, branchLabel, outcomeLabel},
		),
		healthStatus: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      healthStatusMetricName,
				Help:      "whether a target branch's merge service is currently healthy (1=ok, 0=unhealthy)",
			},
			[]string{repositoryLabel, branchLabel},
		),
	}
}

func (m *metricCollector) logGetMetricFailed(metricName string, err error) {
	m.logger.Warn(
		"could not record metric",
		zap.String("metric", metricName),
		logfields.Event("recording_metric_failed"),
		zap.Error(err),
	)
}

func queueLabels(target BranchRef, op operationLabelVal) prometheus.Labels {
	return prometheus.Labels{
		repositoryLabel: fmt.Sprintf("%s/%s", target.Owner, target.Name),
		branchLabel:     target.Branch,
		operationLabel:  string(op),
	}
}

func (m *metricCollector) EnqueueOpsInc(target BranchRef) {
	cnt, err := m.queueOps.GetMetricWith(queueLabels(target, opEnqueue))
	if err != nil {
		m.logGetMetricFailed(queueOperationsMetricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) DequeueOpsInc(target BranchRef) {
	cnt, err := m.queueOps.GetMetricWith(queueLabels(target, opDequeue))
	if err != nil {
		m.logGetMetricFailed(queueOperationsMetricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) QueueSizeSet(target BranchRef, topPriority, normal int) {
	repo := fmt.Sprintf("%s/%s", target.Owner, target.Name)

	for tier, count := range map[string]int{tierTopPriority: topPriority, tierNormal: normal} {
		g, err := m.queueSize.GetMetricWith(prometheus.Labels{
			repositoryLabel: repo,
			branchLabel:     target.Branch,
			tierLabel:       tier,
		})
		if err != nil {
			m.logGetMetricFailed(queueSizeMetricName, err)
			continue
		}

		g.Set(float64(count))
	}
}

func (m *metricCollector) ProcessedEventsInc() {
	m.processedEvents.Inc()
}

func (m *metricCollector) IntegrationResultInc(target BranchRef, outcome string) {
	cnt, err := m.integrations.GetMetricWith(prometheus.Labels{
		repositoryLabel: fmt.Sprintf("%s/%s", target.Owner, target.Name),
		branchLabel:     target.Branch,
		outcomeLabel:    outcome,
	})
	if err != nil {
		m.logGetMetricFailed(integrationsMetricName, err)
		return
	}

	cnt.Inc()
}

// HealthStatusSet records whether target's merge service is currently
// healthy.
func (m *metricCollector) HealthStatusSet(target BranchRef, healthy bool) {
	g, err := m.healthStatus.GetMetricWith(prometheus.Labels{
		repositoryLabel: fmt.Sprintf("%s/%s", target.Owner, target.Name),
		branchLabel:     target.Branch,
	})
	if err != nil {
		m.logGetMetricFailed(healthStatusMetricName, err)
		return
	}

	if healthy {
		g.Set(1)
	} else {
		g.Set(0)
	}
}

// DeleteHealthStatus removes target's health series, e.g. once its merge
// service has been torn down for being idle.
func (m *metricCollector) DeleteHealthStatus(target BranchRef) {
	m.healthStatus.DeleteLabelValues(fmt.Sprintf("%s/%s", target.Owner, target.Name), target.Branch)
}
