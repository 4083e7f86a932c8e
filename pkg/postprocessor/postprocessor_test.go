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

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"sigs.k8s.io/controller-runtime/pkg/log"

	decodeapi "github.com/llm-d/llm-d-decode-postprocessor/pkg/decode-api"
	"github.com/llm-d/llm-d-decode-postprocessor/pkg/session"
	"github.com/llm-d/llm-d-decode-postprocessor/pkg/tokenizer"
)

// testVocab covers the two reference sentences used throughout these tests.
var testVocab = map[string]uint32{
	"<unk>":  0,
	"</s>":   1,
	"▁He":    2,
	"ll":     3,
	"o":      4,
	"▁world": 5,
	"▁This":  6,
	"▁is":    7,
	"▁a":     8,
	"▁":      9,
	"t":      10,
	"est":    11,
}

func createTokenizer() tokenizer.Tokenizer {
	tok, err := tokenizer.NewVocabTokenizer(testVocab)
	Expect(err).ShouldNot(HaveOccurred())
	return tok
}

func createProcessor() *PostProcessor {
	proc, err := New(log.FromContext(context.Background()), createTokenizer())
	Expect(err).ShouldNot(HaveOccurred())
	return proc
}

func mustDense[T decodeapi.Element](shape decodeapi.Shape, data []T) *decodeapi.Dense[T] {
	tensor, err := decodeapi.NewDense(shape, data)
	Expect(err).ShouldNot(HaveOccurred())
	return tensor
}

// fillCandidates puts the sampled token into candidate slot zero of every step
// and gives the remaining slots strictly lower scores.
func fillCandidates(output *decodeapi.DecodeOutput) {
	numSamples, batch, seqLen := output.Axes()
	candidates := decodeapi.Shape{numSamples, batch, seqLen, decodeapi.MaxNumPerTokenLogprobs}
	output.TopCandidateIDs = decodeapi.Zeros[int32](candidates)
	output.TopCandidateLogprobs = decodeapi.Zeros[float32](candidates)
	for s := 0; s < numSamples; s++ {
		for b := 0; b < batch; b++ {
			for t := 0; t < seqLen; t++ {
				ids := output.TopCandidateIDs.Row(s, b, t)
				logprobs := output.TopCandidateLogprobs.Row(s, b, t)
				ids[0] = output.OutputIDs.At(s, b, t)
				logprobs[0] = output.Logprobs.At(s, b, t)
				for slot := 1; slot < decodeapi.MaxNumPerTokenLogprobs; slot++ {
					logprobs[slot] = logprobs[0] - float32(slot)
				}
			}
		}
	}
}

// twoSampleOutput is the reference decoder output: one prompt, two sampled
// sequences of seven steps with true lengths 4 and 6.
func twoSampleOutput() *decodeapi.DecodeOutput {
	output := &decodeapi.DecodeOutput{
		OutputIDs: mustDense(decodeapi.Shape{2, 1, 7}, []int32{
			2, 3, 4, 5, 0, 0, 0,
			6, 7, 8, 9, 10, 11, 0,
		}),
		DecodeLengths: mustDense(decodeapi.Shape{2, 1}, []int32{4, 6}),
		Scores:        mustDense(decodeapi.Shape{2, 1, 1}, []float32{-1.0, -2.1}),
		Logprobs: mustDense(decodeapi.Shape{2, 1, 7}, []float32{
			-0.1, -0.2, -0.3, -0.4, 0, 0, 0,
			-0.1, -0.2, -0.3, -0.4, -0.5, -0.6, 0,
		}),
		NumPerTokenLogprobs: mustDense(decodeapi.Shape{2, 1}, []int32{1, 1}),
	}
	fillCandidates(output)
	return output
}

var _ = Describe("Post-processing", func() {
	var proc *PostProcessor

	BeforeEach(func() {
		proc = createProcessor()
	})

	It("should require a tokenizer", func() {
		_, err := New(log.FromContext(context.Background()), nil)
		Expect(err).To(HaveOccurred())
	})

	Context("decoded sequences", func() {
		It("should trim every sequence to its decode length before decoding", func() {
			bundle, err := proc.Process(twoSampleOutput(), Options{IncludePrefixInResult: true})
			Expect(err).ShouldNot(HaveOccurred())

			Expect(bundle.TopkDecoded.Shape).To(Equal(decodeapi.Shape{1, 2}))
			Expect(bundle.TopkDecoded.Data).To(Equal([]string{"Hello world", "This is a test"}))
			Expect(bundle.TopkDecodeLengths.Shape).To(Equal(decodeapi.Shape{1, 2}))
			Expect(bundle.TopkDecodeLengths.Data).To(Equal([]int32{4, 6}))
		})

		It("should decode a zero-length sequence to an empty string", func() {
			output := twoSampleOutput()
			output.DecodeLengths.Data[0] = 0
			bundle, err := proc.Process(output, Options{IncludePrefixInResult: true})
			Expect(err).ShouldNot(HaveOccurred())
			Expect(bundle.TopkDecoded.Data).To(Equal([]string{"", "This is a test"}))
			Expect(bundle.TopkDecodeLengths.Data).To(Equal([]int32{0, 6}))
		})

		It("should keep padding positions away from decoding", func() {
			output := twoSampleOutput()
			// garbage beyond the decode length must not change the result
			output.OutputIDs.Row(0, 0)[5] = 11
			output.OutputIDs.Row(1, 0)[6] = 3
			bundle, err := proc.Process(output, Options{IncludePrefixInResult: true})
			Expect(err).ShouldNot(HaveOccurred())
			Expect(bundle.TopkDecoded.Data).To(Equal([]string{"Hello world", "This is a test"}))
		})
	})

	Context("per-step grids", func() {
		It("should expose sampled tokens and logprobs per step", func() {
			fixture := twoSampleOutput()
			bundle, err := proc.Process(fixture, Options{IncludePrefixInResult: true})
			Expect(err).ShouldNot(HaveOccurred())

			Expect(bundle.SampledTokensPerStep.Shape).To(Equal(decodeapi.Shape{1, 2, 7}))
			Expect(bundle.SampledTokensPerStep.Row(0, 0)).To(Equal([]string{
				"▁He", "ll", "o", "▁world",
				tokenizer.UnknownToken, tokenizer.UnknownToken, tokenizer.UnknownToken,
			}))
			Expect(bundle.SampledTokensPerStep.Row(0, 1)).To(Equal([]string{
				"▁This", "▁is", "▁a", "▁", "t", "est", tokenizer.UnknownToken,
			}))
			Expect(bundle.SampledLogprobsPerStep.Shape).To(Equal(decodeapi.Shape{1, 2, 7}))
			Expect(bundle.SampledLogprobsPerStep.Data).To(Equal(fixture.Logprobs.Data))
		})

		It("should keep candidate tokens aligned with their logprobs", func() {
			fixture := twoSampleOutput()
			bundle, err := proc.Process(fixture, Options{IncludePrefixInResult: true})
			Expect(err).ShouldNot(HaveOccurred())

			grid := bundle.TopCandidateTokensPerStep
			Expect(grid.Shape).To(Equal(decodeapi.Shape{1, 2, 7, decodeapi.MaxNumPerTokenLogprobs}))
			Expect(grid.At(0, 0, 0, 0)).To(Equal("▁He"))
			Expect(grid.At(0, 1, 5, 0)).To(Equal("est"))
			// padding steps sampled the unknown id
			Expect(grid.At(0, 0, 6, 0)).To(Equal(tokenizer.UnknownToken))

			Expect(bundle.TopCandidateLogprobsPerStep.Shape).To(Equal(grid.Shape))
			Expect(bundle.TopCandidateLogprobsPerStep.Data).To(Equal(fixture.TopCandidateLogprobs.Data))
		})

		It("should transpose every grid to batch-major order", func() {
			output := &decodeapi.DecodeOutput{
				OutputIDs: mustDense(decodeapi.Shape{2, 2, 2}, []int32{
					2, 3, 4, 5,
					6, 7, 10, 11,
				}),
				DecodeLengths: mustDense(decodeapi.Shape{2, 2}, []int32{2, 2, 2, 2}),
				Scores:        mustDense(decodeapi.Shape{2, 2, 1}, []float32{1, 2, 3, 4}),
				Logprobs: mustDense(decodeapi.Shape{2, 2, 2},
					[]float32{1, 2, 3, 4, 5, 6, 7, 8}),
				NumPerTokenLogprobs: mustDense(decodeapi.Shape{2, 2}, []int32{2, 2, 2, 2}),
			}
			fillCandidates(output)

			bundle, err := proc.Process(output, Options{IncludePrefixInResult: true})
			Expect(err).ShouldNot(HaveOccurred())

			Expect(bundle.TopkDecoded.Shape).To(Equal(decodeapi.Shape{2, 2}))
			Expect(bundle.TopkDecoded.Data).To(Equal([]string{
				"Hell", "This is",
				"o world", "test",
			}))
			Expect(bundle.SampledLogprobsPerStep.Data).To(Equal(
				[]float32{1, 2, 5, 6, 3, 4, 7, 8}))

			for b := 0; b < 2; b++ {
				for s := 0; s < 2; s++ {
					for t := 0; t < 2; t++ {
						for slot := 0; slot < decodeapi.MaxNumPerTokenLogprobs; slot++ {
							Expect(bundle.TopCandidateLogprobsPerStep.At(b, s, t, slot)).
								To(Equal(output.TopCandidateLogprobs.At(s, b, t, slot)))
						}
					}
				}
			}
		})
	})

	Context("prefix handling", func() {
		var output *decodeapi.DecodeOutput

		BeforeEach(func() {
			// both samples start with the two prompt tokens "This is"
			output = &decodeapi.DecodeOutput{
				OutputIDs: mustDense(decodeapi.Shape{2, 1, 8}, []int32{
					6, 7, 8, 9, 10, 11, 0, 0,
					6, 7, 2, 3, 4, 5, 0, 0,
				}),
				DecodeLengths: mustDense(decodeapi.Shape{2, 1}, []int32{6, 6}),
				Scores:        mustDense(decodeapi.Shape{2, 1, 1}, []float32{0, 0}),
				Logprobs:      decodeapi.Zeros[float32](decodeapi.Shape{2, 1, 8}),
				NumPerTokenLogprobs: mustDense(decodeapi.Shape{2, 1},
					[]int32{1, 1}),
				PrefixLengths: mustDense(decodeapi.Shape{1}, []int32{2}),
			}
			fillCandidates(output)
		})

		It("should strip the prompt prefix before decoding", func() {
			bundle, err := proc.Process(output, Options{})
			Expect(err).ShouldNot(HaveOccurred())
			Expect(bundle.TopkDecoded.Data).To(Equal([]string{"a test", "Hello world"}))
			Expect(bundle.TopkDecodeLengths.Data).To(Equal([]int32{4, 4}))
		})

		It("should keep the prefix when asked to", func() {
			bundle, err := proc.Process(output, Options{IncludePrefixInResult: true})
			Expect(err).ShouldNot(HaveOccurred())
			Expect(bundle.TopkDecoded.Data).To(Equal([]string{"This is a test", "This is Hello world"}))
			Expect(bundle.TopkDecodeLengths.Data).To(Equal([]int32{6, 6}))
		})

		It("should cap the prefix at the decode length", func() {
			output.DecodeLengths.Data[0] = 1
			bundle, err := proc.Process(output, Options{})
			Expect(err).ShouldNot(HaveOccurred())
			Expect(bundle.TopkDecoded.Data[0]).To(Equal(""))
			Expect(bundle.TopkDecodeLengths.Data[0]).To(Equal(int32(0)))
		})

		It("should refuse to strip without prefix lengths", func() {
			output.PrefixLengths = nil
			_, err := proc.Process(output, Options{})
			Expect(err).To(MatchError(ErrConfiguration))
			Expect(err.Error()).To(ContainSubstring("prefix stripping requires prefix_lengths"))
		})
	})

	Context("T5 slicing", func() {
		It("should refuse a T5 output without a pre-slice step", func() {
			_, err := proc.Process(twoSampleOutput(), Options{
				T5Model:               true,
				IncludePrefixInResult: true,
			})
			Expect(err).To(MatchError(ErrConfiguration))
			Expect(err.Error()).To(ContainSubstring("no pre-slice step"))
		})

		It("should apply the supplied pre-slice step before decoding", func() {
			// the decoder emitted a reserved leading token in every sequence
			output := &decodeapi.DecodeOutput{
				OutputIDs: mustDense(decodeapi.Shape{2, 1, 8}, []int32{
					1, 2, 3, 4, 5, 0, 0, 0,
					1, 6, 7, 8, 9, 10, 11, 0,
				}),
				DecodeLengths:       mustDense(decodeapi.Shape{2, 1}, []int32{5, 7}),
				Scores:              mustDense(decodeapi.Shape{2, 1, 1}, []float32{0, 0}),
				Logprobs:            decodeapi.Zeros[float32](decodeapi.Shape{2, 1, 8}),
				NumPerTokenLogprobs: mustDense(decodeapi.Shape{2, 1}, []int32{1, 1}),
			}
			fillCandidates(output)

			bundle, err := proc.Process(output, Options{
				T5Model:               true,
				IncludePrefixInResult: true,
				PreSlice:              decodeapi.DropLeadingStep,
			})
			Expect(err).ShouldNot(HaveOccurred())
			Expect(bundle.TopkDecoded.Data).To(Equal([]string{"Hello world", "This is a test"}))
			Expect(bundle.TopkDecodeLengths.Data).To(Equal([]int32{4, 6}))
			Expect(bundle.SampledTokensPerStep.Shape).To(Equal(decodeapi.Shape{1, 2, 7}))
		})

		It("should surface pre-slice failures", func() {
			_, err := proc.Process(twoSampleOutput(), Options{
				T5Model:               true,
				IncludePrefixInResult: true,
				PreSlice: func(*decodeapi.DecodeOutput) (*decodeapi.DecodeOutput, error) {
					return nil, errors.New("boom")
				},
			})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("pre-slice step failed"))
		})
	})

	Context("rejection", func() {
		It("should reject a malformed output as a whole", func() {
			output := twoSampleOutput()
			output.Logprobs = decodeapi.Zeros[float32](decodeapi.Shape{2, 1, 6})
			_, err := proc.Process(output, Options{IncludePrefixInResult: true})
			Expect(err).To(MatchError(decodeapi.ErrShapeMismatch))
		})

		It("should reject a decode length beyond the sequence", func() {
			output := twoSampleOutput()
			output.DecodeLengths.Data[1] = 8
			_, err := proc.Process(output, Options{IncludePrefixInResult: true})
			Expect(err).To(MatchError(decodeapi.ErrLengthOverrun))
		})
	})

	Context("result bundle", func() {
		It("should expose every tensor under its stable key", func() {
			bundle, err := proc.Process(twoSampleOutput(), Options{IncludePrefixInResult: true})
			Expect(err).ShouldNot(HaveOccurred())

			asMap := bundle.AsMap()
			Expect(asMap).To(HaveLen(6))
			Expect(asMap[decodeapi.KeyTopkDecoded]).To(BeIdenticalTo(bundle.TopkDecoded))
			Expect(asMap[decodeapi.KeyTopkDecodeLengths]).To(BeIdenticalTo(bundle.TopkDecodeLengths))
			Expect(asMap[decodeapi.KeyTopCandidateTokensPerStep]).To(BeIdenticalTo(bundle.TopCandidateTokensPerStep))
			Expect(asMap[decodeapi.KeyTopCandidateLogprobsPerStep]).To(BeIdenticalTo(bundle.TopCandidateLogprobsPerStep))
			Expect(asMap[decodeapi.KeySampledTokensPerStep]).To(BeIdenticalTo(bundle.SampledTokensPerStep))
			Expect(asMap[decodeapi.KeySampledLogprobsPerStep]).To(BeIdenticalTo(bundle.SampledLogprobsPerStep))
		})

		It("should neither mutate its input nor depend on call history", func() {
			output := twoSampleOutput()
			first, err := proc.Process(output, Options{IncludePrefixInResult: true})
			Expect(err).ShouldNot(HaveOccurred())
			second, err := proc.Process(output, Options{IncludePrefixInResult: true})
			Expect(err).ShouldNot(HaveOccurred())

			Expect(first).To(Equal(second))
			Expect(output).To(Equal(twoSampleOutput()))
		})
	})

	Context("sessions", func() {
		It("should behave identically under a caching session", func() {
			opts := Options{IncludePrefixInResult: true}
			eager, err := proc.Process(twoSampleOutput(), opts)
			Expect(err).ShouldNot(HaveOccurred())

			cached, err := session.New(log.FromContext(context.Background()),
				func(output *decodeapi.DecodeOutput) (*decodeapi.DecodedBundle, error) {
					return proc.Process(output, opts)
				}, 8)
			Expect(err).ShouldNot(HaveOccurred())

			first, err := cached.Call(twoSampleOutput())
			Expect(err).ShouldNot(HaveOccurred())
			second, err := cached.Call(twoSampleOutput())
			Expect(err).ShouldNot(HaveOccurred())

			Expect(first).To(Equal(eager))
			Expect(second).To(Equal(eager))

			stats := cached.Stats()
			Expect(stats.Misses).To(Equal(1))
			Expect(stats.Hits).To(Equal(1))
			Expect(stats.Size).To(Equal(1))
		})

		It("should serve independent copies from the session cache", func() {
			wrapped, err := session.Wrap(log.FromContext(context.Background()),
				func(output *decodeapi.DecodeOutput) (*decodeapi.DecodedBundle, error) {
					return proc.Process(output, Options{IncludePrefixInResult: true})
				}, 8)
			Expect(err).ShouldNot(HaveOccurred())

			first, err := wrapped(twoSampleOutput())
			Expect(err).ShouldNot(HaveOccurred())
			second, err := wrapped(twoSampleOutput())
			Expect(err).ShouldNot(HaveOccurred())

			second.TopkDecoded.Data[0] = "mutated"
			Expect(first.TopkDecoded.Data[0]).To(Equal("Hello world"))
		})
	})
})
