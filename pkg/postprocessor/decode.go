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

	decodeapi "github.com/llm-d/llm-d-decode-postprocessor/pkg/decode-api"
)

// DecodeSequences trims every sequence to its decode length and decodes the
// remaining ids into a string, one per (sample, batch) pair. Results are
// sample-major [num_samples, batch]; the returned lengths give the number of
// tokens each string was decoded from. Padding positions never reach the
// tokenizer.
func (p *PostProcessor) DecodeSequences(output *decodeapi.DecodeOutput, opts Options) (
	*decodeapi.Dense[string], *decodeapi.Dense[int32], error) {
	if err := output.Validate(); err != nil {
		return nil, nil, err
	}
	if !opts.IncludePrefixInResult && output.PrefixLengths == nil {
		return nil, nil, fmt.Errorf("%w: prefix stripping requires prefix_lengths", ErrConfiguration)
	}

	numSamples, batch, _ := output.Axes()
	leading := decodeapi.Shape{numSamples, batch}
	decoded := decodeapi.Zeros[string](leading)
	trimmedLengths := decodeapi.Zeros[int32](leading)

	for s := 0; s < numSamples; s++ {
		for b := 0; b < batch; b++ {
			length := int(output.DecodeLengths.At(s, b))
			start := 0
			if !opts.IncludePrefixInResult {
				start = int(output.PrefixLengths.At(b))
				if start > length {
					start = length
				}
			}

			idx := s*batch + b
			trimmedLengths.Data[idx] = int32(length - start)
			if length == start {
				continue
			}

			ids := idsToUint32(output.OutputIDs.Row(s, b)[start:length])
			text, err := p.tokenizer.Decode(ids, opts.ModelName)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to decode sequence (sample %d, batch %d): %w", s, b, err)
			}
			decoded.Data[idx] = text
		}
	}
	return decoded, trimmedLengths, nil
}
