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

package decodeapi

// Stable result bundle keys, shared by the struct tags and AsMap.
const (
	KeyTopkDecoded                 = "topk_decoded"
	KeyTopkDecodeLengths           = "topk_decode_lengths"
	KeyTopCandidateTokensPerStep   = "top_candidate_tokens_per_step"
	KeyTopCandidateLogprobsPerStep = "top_candidate_logprobs_per_step"
	KeySampledTokensPerStep        = "sampled_tokens_per_step"
	KeySampledLogprobsPerStep      = "sampled_logprobs_per_step"
)

// DecodedBundle is the post-processed result of one inference call. All
// tensors are batch-major: the leading axis is batch, then num_samples.
type DecodedBundle struct {
	// TopkDecoded holds the decoded strings, [batch, num_samples]
	TopkDecoded *Dense[string] `json:"topk_decoded" msgpack:"topk_decoded"`
	// TopkDecodeLengths holds the count of tokens each string was decoded from, [batch, num_samples]
	TopkDecodeLengths *Dense[int32] `json:"topk_decode_lengths" msgpack:"topk_decode_lengths"`
	// TopCandidateTokensPerStep holds the surface form of every candidate
	// slot, [batch, num_samples, seq_len, MaxNumPerTokenLogprobs]
	TopCandidateTokensPerStep *Dense[string] `json:"top_candidate_tokens_per_step" msgpack:"top_candidate_tokens_per_step"`
	// TopCandidateLogprobsPerStep is aligned with TopCandidateTokensPerStep
	TopCandidateLogprobsPerStep *Dense[float32] `json:"top_candidate_logprobs_per_step" msgpack:"top_candidate_logprobs_per_step"`
	// SampledTokensPerStep holds the surface form of the sampled token per
	// step, [batch, num_samples, seq_len]
	SampledTokensPerStep *Dense[string] `json:"sampled_tokens_per_step" msgpack:"sampled_tokens_per_step"`
	// SampledLogprobsPerStep holds the sampled token's log-probability per
	// step, [batch, num_samples, seq_len]
	SampledLogprobsPerStep *Dense[float32] `json:"sampled_logprobs_per_step" msgpack:"sampled_logprobs_per_step"`
}

// AsMap exposes the bundle under its stable keys. Every field is present;
// nothing is dropped or renamed.
func (b *DecodedBundle) AsMap() map[string]any {
	return map[string]any{
		KeyTopkDecoded:                 b.TopkDecoded,
		KeyTopkDecodeLengths:           b.TopkDecodeLengths,
		KeyTopCandidateTokensPerStep:   b.TopCandidateTokensPerStep,
		KeyTopCandidateLogprobsPerStep: b.TopCandidateLogprobsPerStep,
		KeySampledTokensPerStep:        b.SampledTokensPerStep,
		KeySampledLogprobsPerStep:      b.SampledLogprobsPerStep,
	}
}
