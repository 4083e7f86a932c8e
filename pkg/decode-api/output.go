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

import (
	"errors"
	"fmt"
)

// MaxNumPerTokenLogprobs is the fixed width of the per-step top-candidate
// axis. Candidate tensors are always padded to exactly this many slots, no
// matter how many candidates are valid for a given step.
const MaxNumPerTokenLogprobs = 5

var (
	// ErrShapeMismatch reports an input tensor whose shape disagrees with the
	// declared axis contract.
	ErrShapeMismatch = errors.New("tensor shape mismatch")
	// ErrLengthOverrun reports a decode length outside [0, seq_len].
	ErrLengthOverrun = errors.New("decode length overrun")
)

// DecodeOutput is the raw decoder output of one inference call, sample-major:
// the leading axis is num_samples, then batch. PrefixLengths is optional and
// only consulted when prefix stripping is requested.
type DecodeOutput struct {
	// OutputIDs holds the sampled token ids per step, [num_samples, batch, seq_len]
	OutputIDs *Dense[int32] `json:"output_ids" msgpack:"output_ids"`
	// DecodeLengths holds the true unpadded length per sequence, [num_samples, batch]
	DecodeLengths *Dense[int32] `json:"decode_lengths" msgpack:"decode_lengths"`
	// Scores holds the sequence-level score, [num_samples, batch, 1]
	Scores *Dense[float32] `json:"scores" msgpack:"scores"`
	// Logprobs holds the log-probability of the sampled token per step, [num_samples, batch, seq_len]
	Logprobs *Dense[float32] `json:"logprobs" msgpack:"logprobs"`
	// NumPerTokenLogprobs holds the count of valid top-candidate entries per
	// sequence, [num_samples, batch], each within [0, MaxNumPerTokenLogprobs]
	NumPerTokenLogprobs *Dense[int32] `json:"num_per_token_logprobs" msgpack:"num_per_token_logprobs"`
	// TopCandidateIDs holds the top alternative token ids per step,
	// [num_samples, batch, seq_len, MaxNumPerTokenLogprobs]
	TopCandidateIDs *Dense[int32] `json:"top_candidate_ids" msgpack:"top_candidate_ids"`
	// TopCandidateLogprobs is aligned with TopCandidateIDs
	TopCandidateLogprobs *Dense[float32] `json:"top_candidate_logprobs" msgpack:"top_candidate_logprobs"`
	// PrefixLengths holds the prompt-prefix token count per batch element, [batch]
	PrefixLengths *Dense[int32] `json:"prefix_lengths,omitempty" msgpack:"prefix_lengths,omitempty"`
}

// Axes returns (num_samples, batch, seq_len) as declared by OutputIDs. Call
// after Validate.
func (o *DecodeOutput) Axes() (int, int, int) {
	return o.OutputIDs.Shape[0], o.OutputIDs.Shape[1], o.OutputIDs.Shape[2]
}

// Validate checks the full axis contract. Any disagreement is fatal for the
// whole batch; no partial processing is attempted.
func (o *DecodeOutput) Validate() error {
	for _, required := range []struct {
		name    string
		missing bool
	}{
		{"output_ids", o.OutputIDs == nil},
		{"decode_lengths", o.DecodeLengths == nil},
		{"scores", o.Scores == nil},
		{"logprobs", o.Logprobs == nil},
		{"num_per_token_logprobs", o.NumPerTokenLogprobs == nil},
		{"top_candidate_ids", o.TopCandidateIDs == nil},
		{"top_candidate_logprobs", o.TopCandidateLogprobs == nil},
	} {
		if required.missing {
			return fmt.Errorf("%w: missing tensor %s", ErrShapeMismatch, required.name)
		}
	}

	if len(o.OutputIDs.Shape) != 3 {
		return fmt.Errorf("%w: output_ids must have rank 3, got shape %s", ErrShapeMismatch, o.OutputIDs.Shape)
	}
	numSamples, batch, seqLen := o.Axes()

	leading := Shape{numSamples, batch}
	if !o.DecodeLengths.Shape.Equal(leading) {
		return shapeErr("decode_lengths", o.DecodeLengths.Shape, leading)
	}
	if want := (Shape{numSamples, batch, 1}); !o.Scores.Shape.Equal(want) {
		return shapeErr("scores", o.Scores.Shape, want)
	}
	if want := (Shape{numSamples, batch, seqLen}); !o.Logprobs.Shape.Equal(want) {
		return shapeErr("logprobs", o.Logprobs.Shape, want)
	}
	if !o.NumPerTokenLogprobs.Shape.Equal(leading) {
		return shapeErr("num_per_token_logprobs", o.NumPerTokenLogprobs.Shape, leading)
	}
	candidates := Shape{numSamples, batch, seqLen, MaxNumPerTokenLogprobs}
	if !o.TopCandidateIDs.Shape.Equal(candidates) {
		return shapeErr("top_candidate_ids", o.TopCandidateIDs.Shape, candidates)
	}
	if !o.TopCandidateLogprobs.Shape.Equal(candidates) {
		return shapeErr("top_candidate_logprobs", o.TopCandidateLogprobs.Shape, candidates)
	}
	if o.PrefixLengths != nil && !o.PrefixLengths.Shape.Equal(Shape{batch}) {
		return shapeErr("prefix_lengths", o.PrefixLengths.Shape, Shape{batch})
	}

	for i, length := range o.DecodeLengths.Data {
		if length < 0 || int(length) > seqLen {
			return fmt.Errorf("%w: decode_lengths[%d]=%d outside [0, %d]",
				ErrLengthOverrun, i, length, seqLen)
		}
	}
	for i, n := range o.NumPerTokenLogprobs.Data {
		if n < 0 || n > MaxNumPerTokenLogprobs {
			return fmt.Errorf("%w: num_per_token_logprobs[%d]=%d outside [0, %d]",
				ErrShapeMismatch, i, n, MaxNumPerTokenLogprobs)
		}
	}
	if o.PrefixLengths != nil {
		for i, n := range o.PrefixLengths.Data {
			if n < 0 {
				return fmt.Errorf("%w: prefix_lengths[%d]=%d is negative", ErrShapeMismatch, i, n)
			}
		}
	}
	return nil
}

func shapeErr(name string, got, want Shape) error {
	return fmt.Errorf("%w: %s has shape %s, want %s", ErrShapeMismatch, name, got, want)
}

// DropLeadingStep returns a copy of the output with step 0 removed from every
// step-indexed tensor and every positive decode length decremented, keeping
// all per-step arrays positionally aligned. It is the explicit pre-step for
// tokenizers whose reserved leading token (e.g. a beginning-of-sequence
// marker) must never reach decoding.
func DropLeadingStep(output *DecodeOutput) (*DecodeOutput, error) {
	if err := output.Validate(); err != nil {
		return nil, err
	}
	numSamples, batch, seqLen := output.Axes()
	if seqLen < 1 {
		return nil, fmt.Errorf("%w: cannot drop a step from seq_len %d", ErrShapeMismatch, seqLen)
	}
	rows := numSamples * batch

	lengths := output.DecodeLengths.Clone()
	for i, length := range lengths.Data {
		if length > 0 {
			lengths.Data[i] = length - 1
		}
	}

	return &DecodeOutput{
		OutputIDs: dropStep(output.OutputIDs, rows, seqLen, 1,
			Shape{numSamples, batch, seqLen - 1}),
		DecodeLengths: lengths,
		Scores:        output.Scores.Clone(),
		Logprobs: dropStep(output.Logprobs, rows, seqLen, 1,
			Shape{numSamples, batch, seqLen - 1}),
		NumPerTokenLogprobs: output.NumPerTokenLogprobs.Clone(),
		TopCandidateIDs: dropStep(output.TopCandidateIDs, rows, seqLen, MaxNumPerTokenLogprobs,
			Shape{numSamples, batch, seqLen - 1, MaxNumPerTokenLogprobs}),
		TopCandidateLogprobs: dropStep(output.TopCandidateLogprobs, rows, seqLen, MaxNumPerTokenLogprobs,
			Shape{numSamples, batch, seqLen - 1, MaxNumPerTokenLogprobs}),
		PrefixLengths: clonePrefix(output.PrefixLengths),
	}, nil
}

// dropStep removes the first of seqLen blocks of width inner from each of the
// rows leading groups.
func dropStep[T Element](t *Dense[T], rows, seqLen, inner int, newShape Shape) *Dense[T] {
	data := make([]T, 0, rows*(seqLen-1)*inner)
	rowWidth := seqLen * inner
	for r := 0; r < rows; r++ {
		row := t.Data[r*rowWidth : (r+1)*rowWidth]
		data = append(data, row[inner:]...)
	}
	return &Dense[T]{Shape: newShape, Data: data}
}

func clonePrefix(t *Dense[int32]) *Dense[int32] {
	if t == nil {
		return nil
	}
	return t.Clone()
}
