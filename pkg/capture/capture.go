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

package capture

import (
	"errors"

	"github.com/llm-d/llm-d-decode-postprocessor/pkg/common"
	decodeapi "github.com/llm-d/llm-d-decode-postprocessor/pkg/decode-api"
)

// Record is one captured decoder output, identified for later replay. The
// axis fields summarize the payload so stores can be inspected without
// decoding it.
type Record struct {
	ID         string                  `json:"id" msgpack:"id"`
	ModelName  string                  `json:"model_name" msgpack:"model_name"`
	NumSamples int                     `json:"num_samples" msgpack:"num_samples"`
	BatchSize  int                     `json:"batch_size" msgpack:"batch_size"`
	SeqLen     int                     `json:"seq_len" msgpack:"seq_len"`
	Output     *decodeapi.DecodeOutput `json:"output" msgpack:"output"`
}

// NewRecord validates the output and wraps it with a fresh id and its axis
// summary.
func NewRecord(random *common.Random, modelName string, output *decodeapi.DecodeOutput) (*Record, error) {
	if output == nil {
		return nil, errors.New("a decoder output is required")
	}
	if err := output.Validate(); err != nil {
		return nil, err
	}
	numSamples, batch, seqLen := output.Axes()
	return &Record{
		ID:         random.GenerateUUIDString(),
		ModelName:  modelName,
		NumSamples: numSamples,
		BatchSize:  batch,
		SeqLen:     seqLen,
		Output:     output,
	}, nil
}
