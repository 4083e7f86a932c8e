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
	"fmt"
	"slices"

	decodeapi "github.com/llm-d/llm-d-decode-postprocessor/pkg/decode-api"
)

// Aligned holds the per-step candidate grids of a decoder output after
// batch-major alignment. Token grids carry the string form of every id at the
// same position as its logprob.
type Aligned struct {
	// [batch, num_samples, seq_len, max_candidates]
	CandidateTokens   *decodeapi.Dense[string]
	CandidateLogprobs *decodeapi.Dense[float32]
	// [batch, num_samples, seq_len]
	SampledTokens   *decodeapi.Dense[string]
	SampledLogprobs *decodeapi.Dense[float32]
}

// AlignCandidates swaps the two leading axes of the per-step candidate
// tensors to batch-major order and maps every token id to its string form,
// keeping the per-step layout intact so tokens and logprobs stay position
// aligned.
func (p *PostProcessor) AlignCandidates(output *decodeapi.DecodeOutput, modelName string) (*Aligned, error) {
	if err := output.Validate(); err != nil {
		return nil, err
	}

	candidateIDs, err := output.TopCandidateIDs.Transpose(1, 0, 2, 3)
	if err != nil {
		return nil, err
	}
	candidateLogprobs, err := output.TopCandidateLogprobs.Transpose(1, 0, 2, 3)
	if err != nil {
		return nil, err
	}
	sampledIDs, err := output.OutputIDs.Transpose(1, 0, 2)
	if err != nil {
		return nil, err
	}
	sampledLogprobs, err := output.Logprobs.Transpose(1, 0, 2)
	if err != nil {
		return nil, err
	}

	candidateTokens, err := p.tokenGrid(candidateIDs, modelName)
	if err != nil {
		return nil, fmt.Errorf("failed to decode candidate tokens: %w", err)
	}
	sampledTokens, err := p.tokenGrid(sampledIDs, modelName)
	if err != nil {
		return nil, fmt.Errorf("failed to decode sampled tokens: %w", err)
	}

	return &Aligned{
		CandidateTokens:   candidateTokens,
		CandidateLogprobs: candidateLogprobs,
		SampledTokens:     sampledTokens,
		SampledLogprobs:   sampledLogprobs,
	}, nil
}

// tokenGrid decodes an id tensor element-wise into a string tensor of the
// same shape, with one batched tokenizer call.
func (p *PostProcessor) tokenGrid(ids *decodeapi.Dense[int32], modelName string) (*decodeapi.Dense[string], error) {
	tokens, err := p.tokenizer.TokenStrings(idsToUint32(ids.Data), modelName)
	if err != nil {
		return nil, err
	}
	return decodeapi.NewDense(slices.Clone(ids.Shape), tokens)
}
