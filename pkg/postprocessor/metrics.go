/*
Copyright 2025 The llm-d-decode-postprocessor Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Contains functions related to prometheus metrics

package postprocessor

import (
	"context"
	"errors"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/llm-d/llm-d-decode-postprocessor/pkg/common"
	decodeapi "github.com/llm-d/llm-d-decode-postprocessor/pkg/decode-api"
)

const (
	processingLatencyMetricName    = "decode_postprocessor:processing_latency_seconds"
	batchDecodedTokensMetricName   = "decode_postprocessor:batch_decoded_tokens"
	decodedTokensTotalMetricName   = "decode_postprocessor:decoded_tokens_total"
	candidateTokensTotalMetricName = "decode_postprocessor:candidate_tokens_total"
	successTotalMetricName         = "decode_postprocessor:batches_success_total"
	failureTotalMetricName         = "decode_postprocessor:batches_failure_total"
	runningBatchesMetricName       = "decode_postprocessor:batches_running"
	waitingBatchesMetricName       = "decode_postprocessor:batches_waiting"

	promLabelModelName     = "model_name"
	promLabelFailureReason = "failure_reason"

	metricsChanSize = 1000
)

// Metrics is the prometheus instrumentation of the post-processing pipeline.
// Gauges for running and waiting batches are fed through channels and applied
// by updater goroutines, so reporting never blocks the pipeline.
type Metrics struct {
	logger    logr.Logger
	registry  *prometheus.Registry
	modelName string

	processingLatency    *prometheus.HistogramVec
	batchDecodedTokens   *prometheus.HistogramVec
	decodedTokensTotal   *prometheus.CounterVec
	candidateTokensTotal *prometheus.CounterVec
	successTotal         *prometheus.CounterVec
	failureTotal         *prometheus.CounterVec
	runningBatches       *prometheus.GaugeVec
	waitingBatches       *prometheus.GaugeVec

	nRunningBatches int64
	nWaitingBatches int64
	runBatchChan    chan int64
	waitBatchChan   chan int64
}

// NewMetrics creates and registers the post-processor metrics on the given
// registry (a fresh one when nil) and starts the gauge updaters. modelName
// labels samples whose caller did not name a model. The updaters stop when
// ctx is done.
func NewMetrics(ctx context.Context, logger logr.Logger, registry *prometheus.Registry, modelName string) (*Metrics, error) {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := &Metrics{
		logger:    logger,
		registry:  registry,
		modelName: modelName,
	}

	m.processingLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: "",
			Name:      processingLatencyMetricName,
			Help:      "Histogram of batch post-processing latency in seconds.",
			Buckets:   common.PostProcessingLatencyBucketsBoundaries,
		},
		[]string{promLabelModelName},
	)

	if err := m.registry.Register(m.processingLatency); err != nil {
		m.logger.Error(err, "prometheus processing latency histogram register failed")
		return nil, err
	}

	m.batchDecodedTokens = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: "",
			Name:      batchDecodedTokensMetricName,
			Help:      "Histogram of decoded tokens per batch.",
			Buckets:   common.BatchTokensBucketsBoundaries,
		},
		[]string{promLabelModelName},
	)

	if err := m.registry.Register(m.batchDecodedTokens); err != nil {
		m.logger.Error(err, "prometheus batch decoded tokens histogram register failed")
		return nil, err
	}

	m.decodedTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "",
			Name:      decodedTokensTotalMetricName,
			Help:      "Total number of decoded tokens.",
		},
		[]string{promLabelModelName},
	)

	if err := m.registry.Register(m.decodedTokensTotal); err != nil {
		m.logger.Error(err, "prometheus decoded_tokens_total counter register failed")
		return nil, err
	}

	m.candidateTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "",
			Name:      candidateTokensTotalMetricName,
			Help:      "Total number of aligned candidate tokens.",
		},
		[]string{promLabelModelName},
	)

	if err := m.registry.Register(m.candidateTokensTotal); err != nil {
		m.logger.Error(err, "prometheus candidate_tokens_total counter register failed")
		return nil, err
	}

	m.successTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "",
			Name:      successTotalMetricName,
			Help:      "Count of successfully post-processed batches.",
		},
		[]string{promLabelModelName},
	)

	if err := m.registry.Register(m.successTotal); err != nil {
		m.logger.Error(err, "prometheus batches_success_total counter register failed")
		return nil, err
	}

	m.failureTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "",
			Name:      failureTotalMetricName,
			Help:      "Count of rejected batches by failure reason.",
		},
		[]string{promLabelModelName, promLabelFailureReason},
	)

	if err := m.registry.Register(m.failureTotal); err != nil {
		m.logger.Error(err, "prometheus batches_failure_total counter register failed")
		return nil, err
	}

	m.runningBatches = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: "",
			Name:      runningBatchesMetricName,
			Help:      "Number of batches currently being post-processed.",
		},
		[]string{promLabelModelName},
	)

	if err := m.registry.Register(m.runningBatches); err != nil {
		m.logger.Error(err, "prometheus running batches gauge register failed")
		return nil, err
	}

	m.runBatchChan = make(chan int64, metricsChanSize)
	go m.runningBatchesUpdater(ctx)

	m.waitingBatches = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: "",
			Name:      waitingBatchesMetricName,
			Help:      "Number of batches waiting for post-processing.",
		},
		[]string{promLabelModelName},
	)

	if err := m.registry.Register(m.waitingBatches); err != nil {
		m.logger.Error(err, "prometheus waiting batches gauge register failed")
		return nil, err
	}

	m.waitBatchChan = make(chan int64, metricsChanSize)
	go m.waitingBatchesUpdater(ctx)

	m.reportRunningBatches()
	m.reportWaitingBatches()

	return m, nil
}

// Registry exposes the underlying registry for scraping.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) displayedModelName(model string) string {
	if model != "" {
		return model
	}
	return m.modelName
}

// recordSuccess records one successfully post-processed batch.
func (m *Metrics) recordSuccess(model string, seconds float64, decodedTokens int, candidateTokens int) {
	if m == nil {
		// Happens when the post-processor runs without metrics
		return
	}
	modelName := m.displayedModelName(model)
	m.processingLatency.WithLabelValues(modelName).Observe(seconds)
	m.batchDecodedTokens.WithLabelValues(modelName).Observe(float64(decodedTokens))
	m.decodedTokensTotal.WithLabelValues(modelName).Add(float64(decodedTokens))
	m.candidateTokensTotal.WithLabelValues(modelName).Add(float64(candidateTokens))
	m.successTotal.WithLabelValues(modelName).Inc()
}

// recordFailure records one rejected batch under its failure reason.
func (m *Metrics) recordFailure(model string, err error) {
	if m == nil {
		// Happens when the post-processor runs without metrics
		return
	}
	m.failureTotal.WithLabelValues(m.displayedModelName(model), failureReason(err)).Inc()
}

// failureReason maps an error to its stable failure label.
func failureReason(err error) string {
	switch {
	case errors.Is(err, decodeapi.ErrShapeMismatch):
		return "shape_mismatch"
	case errors.Is(err, decodeapi.ErrLengthOverrun):
		return "length_overrun"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	default:
		return "other"
	}
}

// batchQueued reports a batch entering the runner's queue.
func (m *Metrics) batchQueued() {
	if m == nil {
		return
	}
	common.WriteToChannel(m.waitBatchChan, 1, m.logger, "waitBatchChan")
}

// batchStarted reports a batch moving from the queue to a worker.
func (m *Metrics) batchStarted() {
	if m == nil {
		return
	}
	common.WriteToChannel(m.waitBatchChan, -1, m.logger, "waitBatchChan")
	common.WriteToChannel(m.runBatchChan, 1, m.logger, "runBatchChan")
}

// batchFinished reports a worker completing a batch.
func (m *Metrics) batchFinished() {
	if m == nil {
		return
	}
	common.WriteToChannel(m.runBatchChan, -1, m.logger, "runBatchChan")
}

// reportRunningBatches sets the current number of in-flight batches
func (m *Metrics) reportRunningBatches() {
	if m.runningBatches != nil {
		m.runningBatches.WithLabelValues(m.modelName).Set(float64(m.nRunningBatches))
	}
}

// reportWaitingBatches sets the current number of queued batches
func (m *Metrics) reportWaitingBatches() {
	if m.waitingBatches != nil {
		m.waitingBatches.WithLabelValues(m.modelName).Set(float64(m.nWaitingBatches))
	}
}

// runningBatchesUpdater updates the running batches metric by listening on the relevant channel
func (m *Metrics) runningBatchesUpdater(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case inc := <-m.runBatchChan:
			m.nRunningBatches += inc
			m.reportRunningBatches()
		}
	}
}

// waitingBatchesUpdater updates the waiting batches metric by listening on the relevant channel
func (m *Metrics) waitingBatchesUpdater(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case inc := <-m.waitBatchChan:
			m.nWaitingBatches += inc
			m.reportWaitingBatches()
		}
	}
}
