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

package postprocessor

import (
	"context"
	"errors"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"sigs.k8s.io/controller-runtime/pkg/log"

	decodeapi "github.com/llm-d/llm-d-decode-postprocessor/pkg/decode-api"
)

const testModel = "test-model"

var _ = Describe("Metrics", func() {
	var (
		ctx     context.Context
		cancel  context.CancelFunc
		metrics *Metrics
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		var err error
		metrics, err = NewMetrics(ctx, log.FromContext(ctx), nil, testModel)
		Expect(err).ShouldNot(HaveOccurred())
	})

	AfterEach(func() {
		cancel()
	})

	It("should count successfully processed batches per model", func() {
		metrics.recordSuccess("", 0.25, 10, 70)
		metrics.recordSuccess("other-model", 0.5, 6, 35)

		Expect(testutil.ToFloat64(metrics.successTotal.WithLabelValues(testModel))).To(Equal(1.0))
		Expect(testutil.ToFloat64(metrics.successTotal.WithLabelValues("other-model"))).To(Equal(1.0))
		Expect(testutil.ToFloat64(metrics.decodedTokensTotal.WithLabelValues(testModel))).To(Equal(10.0))
		Expect(testutil.ToFloat64(metrics.candidateTokensTotal.WithLabelValues(testModel))).To(Equal(70.0))
		Expect(testutil.CollectAndCount(metrics.processingLatency)).To(Equal(2))
		Expect(testutil.CollectAndCount(metrics.batchDecodedTokens)).To(Equal(2))
	})

	It("should label failures with their reason", func() {
		metrics.recordFailure("", decodeapi.ErrShapeMismatch)
		metrics.recordFailure("", fmt.Errorf("wrapped: %w", decodeapi.ErrLengthOverrun))
		metrics.recordFailure("", ErrConfiguration)
		metrics.recordFailure("", errors.New("boom"))

		for _, reason := range []string{"shape_mismatch", "length_overrun", "configuration", "other"} {
			Expect(testutil.ToFloat64(metrics.failureTotal.WithLabelValues(testModel, reason))).
				To(Equal(1.0), reason)
		}
	})

	It("should track queued and running batches through the gauges", func() {
		waiting := func() float64 {
			return testutil.ToFloat64(metrics.waitingBatches.WithLabelValues(testModel))
		}
		running := func() float64 {
			return testutil.ToFloat64(metrics.runningBatches.WithLabelValues(testModel))
		}

		Expect(waiting()).To(Equal(0.0))
		Expect(running()).To(Equal(0.0))

		metrics.batchQueued()
		Eventually(waiting).Should(Equal(1.0))

		metrics.batchStarted()
		Eventually(waiting).Should(Equal(0.0))
		Eventually(running).Should(Equal(1.0))

		metrics.batchFinished()
		Eventually(running).Should(Equal(0.0))
	})

	It("should do nothing when the post-processor runs without metrics", func() {
		var disabled *Metrics
		disabled.recordSuccess("", 0.1, 1, 5)
		disabled.recordFailure("", errors.New("boom"))
		disabled.batchQueued()
		disabled.batchStarted()
		disabled.batchFinished()
	})

	It("should refuse to register twice on the same registry", func() {
		registry := prometheus.NewRegistry()
		_, err := NewMetrics(ctx, log.FromContext(ctx), registry, testModel)
		Expect(err).ShouldNot(HaveOccurred())
		_, err = NewMetrics(ctx, log.FromContext(ctx), registry, testModel)
		Expect(err).To(HaveOccurred())
	})

	It("should observe Process outcomes end to end", func() {
		proc, err := New(log.FromContext(ctx), createTokenizer(), WithMetrics(metrics))
		Expect(err).ShouldNot(HaveOccurred())

		_, err = proc.Process(twoSampleOutput(), Options{IncludePrefixInResult: true})
		Expect(err).ShouldNot(HaveOccurred())

		bad := twoSampleOutput()
		bad.DecodeLengths.Data[0] = 100
		_, err = proc.Process(bad, Options{IncludePrefixInResult: true})
		Expect(err).To(HaveOccurred())

		Expect(testutil.ToFloat64(metrics.successTotal.WithLabelValues(testModel))).To(Equal(1.0))
		// the reference fixture decodes 4+6 tokens and aligns a 2x7x5 grid
		Expect(testutil.ToFloat64(metrics.decodedTokensTotal.WithLabelValues(testModel))).To(Equal(10.0))
		Expect(testutil.ToFloat64(metrics.candidateTokensTotal.WithLabelValues(testModel))).To(Equal(70.0))
		Expect(testutil.ToFloat64(metrics.failureTotal.WithLabelValues(testModel, "length_overrun"))).To(Equal(1.0))
		Expect(metrics.Registry()).NotTo(BeNil())
	})
})
