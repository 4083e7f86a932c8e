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

// Package postprocessor turns raw decoder output into user-facing decoded
// results: trimmed decoded strings, per-step candidate grids in batch-major
// layout, and the serving signature for extra inputs.
package postprocessor

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/llm-d/llm-d-decode-postprocessor/pkg/common/logging"
	decodeapi "github.com/llm-d/llm-d-decode-postprocessor/pkg/decode-api"
	"github.com/llm-d/llm-d-decode-postprocessor/pkg/tokenizer"
)

// ErrConfiguration reports per-call options that cannot be honored.
var ErrConfiguration = errors.New("post-processing configuration error")

// PreSliceFunc transforms the decoder output before the standard path runs.
// It must return a new output, never mutate its argument.
type PreSliceFunc func(*decodeapi.DecodeOutput) (*decodeapi.DecodeOutput, error)

// Options are the per-call behavior switches.
type Options struct {
	// T5Model requests the model-family-specific slicing variant supplied in
	// PreSlice. The rule itself is the caller's; setting T5Model without a
	// PreSlice is a configuration error.
	T5Model bool
	// IncludePrefixInResult keeps the prompt prefix in decoded strings. When
	// false, the prefix is stripped before decoding and PrefixLengths must be
	// present on the output.
	IncludePrefixInResult bool
	// PreSlice is applied before validation of T5 outputs.
	PreSlice PreSliceFunc
	// ModelName optionally overrides the tokenizer's default model.
	ModelName string
}

// PostProcessor is the decode post-processing component. It is stateless
// apart from the injected tokenizer capability and safe for concurrent use.
type PostProcessor struct {
	logger    logr.Logger
	tokenizer tokenizer.Tokenizer
	metrics   *Metrics
}

type Option func(*PostProcessor)

// WithMetrics attaches prometheus reporting to every Process call.
func WithMetrics(metrics *Metrics) Option {
	return func(p *PostProcessor) {
		p.metrics = metrics
	}
}

func New(logger logr.Logger, tok tokenizer.Tokenizer, options ...Option) (*PostProcessor, error) {
	if tok == nil {
		return nil, errors.New("a tokenizer is required")
	}
	p := &PostProcessor{logger: logger, tokenizer: tok}
	for _, option := range options {
		option(p)
	}
	return p, nil
}

// Process runs the full transformation for one decoder output: sequence
// decoding, candidate alignment, and assembly of the result bundle. The call
// either produces the whole batch's bundle or fails; there is no partial
// success. It is a pure function of the output tensors and the options.
func (p *PostProcessor) Process(output *decodeapi.DecodeOutput, opts Options) (*decodeapi.DecodedBundle, error) {
	startTime := time.Now()
	bundle, err := p.process(output, opts)
	if err != nil {
		p.metrics.recordFailure(opts.ModelName, err)
		return nil, err
	}

	decodedTokens := 0
	for _, length := range bundle.TopkDecodeLengths.Data {
		decodedTokens += int(length)
	}
	p.metrics.recordSuccess(opts.ModelName, time.Since(startTime).Seconds(), decodedTokens,
		bundle.TopCandidateTokensPerStep.NumElems())
	return bundle, nil
}

func (p *PostProcessor) process(output *decodeapi.DecodeOutput, opts Options) (*decodeapi.DecodedBundle, error) {
	if opts.T5Model {
		if opts.PreSlice == nil {
			return nil, fmt.Errorf("%w: t5_model is set but no pre-slice step was supplied", ErrConfiguration)
		}
		sliced, err := opts.PreSlice(output)
		if err != nil {
			return nil, fmt.Errorf("pre-slice step failed: %w", err)
		}
		output = sliced
	}
	if err := output.Validate(); err != nil {
		return nil, err
	}

	decoded, trimmedLengths, err := p.DecodeSequences(output, opts)
	if err != nil {
		return nil, err
	}
	aligned, err := p.AlignCandidates(output, opts.ModelName)
	if err != nil {
		return nil, err
	}

	// the decoder works sample-major; the bundle is batch-major
	topkDecoded, err := decoded.Transpose(1, 0)
	if err != nil {
		return nil, err
	}
	topkDecodeLengths, err := trimmedLengths.Transpose(1, 0)
	if err != nil {
		return nil, err
	}

	numSamples, batch, _ := output.Axes()
	p.logger.V(logging.DEBUG).Info("post-processed decoder output",
		"numSamples", numSamples, "batch", batch)

	return &decodeapi.DecodedBundle{
		TopkDecoded:                 topkDecoded,
		TopkDecodeLengths:           topkDecodeLengths,
		TopCandidateTokensPerStep:   aligned.CandidateTokens,
		TopCandidateLogprobsPerStep: aligned.CandidateLogprobs,
		SampledTokensPerStep:        aligned.SampledTokens,
		SampledLogprobsPerStep:      aligned.SampledLogprobs,
	}, nil
}

func idsToUint32(ids []int32) []uint32 {
	converted := make([]uint32, len(ids))
	for i, id := range ids {
		converted[i] = uint32(id)
	}
	return converted
}
