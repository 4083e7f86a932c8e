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
	"fmt"

	"github.com/go-logr/logr"

	"github.com/llm-d/llm-d-decode-postprocessor/pkg/common"
	decodeapi "github.com/llm-d/llm-d-decode-postprocessor/pkg/decode-api"
	"github.com/llm-d/llm-d-decode-postprocessor/pkg/tokenizer"
)

var captureFakeSentences = []string{
	`Testing@, #testing 1$ ,2%,3^, [4&*5], 6~, 7-_ + (8 : 9) / \ < > . `,
	`Testing, testing 1,2,3. `,
	`I am fine, how are you today? `,
	`I am your AI assistant, how can I help you today? `,
	`Today is a nice sunny day. `,
	`The temperature here is twenty-five degrees centigrade. `,
	`Today it is partially cloudy and raining. `,
	`To be or not to be that is the question. `,
	`Alas, poor Yorick! I knew him, Horatio: A fellow of infinite jest `,
	`The rest is silence. `,
	`Give a man a fish and you feed him for a day; teach a man to fish and you feed him for a lifetime `,
}

const (
	defaultLogprob       = -1.0
	positionCycle        = 3
	positionDecrement    = 0.1
	alternativeDecrement = 0.5
)

// calculateLogprob returns a synthetic log-probability for the token at the
// given step. Alternative 0 is the sampled token itself, higher indexes are
// the progressively less likely candidates for the same step.
func calculateLogprob(position int, alternative int) float32 {
	logprob := defaultLogprob - float64(position%positionCycle)*positionDecrement
	return float32(logprob - float64(alternative)*alternativeDecrement)
}

// GeneratorConfig defines the axes and randomness of a synthetic capture run
type GeneratorConfig struct {
	// ModelName is the model recorded in the generated records
	ModelName string `yaml:"model" json:"model"`
	// NumRecords is the number of capture records to generate
	NumRecords int `yaml:"num-records" json:"num-records"`
	// NumSamples is the sample axis of every generated output
	NumSamples int `yaml:"num-samples" json:"num-samples"`
	// BatchSize is the batch axis of every generated output
	BatchSize int `yaml:"batch-size" json:"batch-size"`
	// SeqLen is the padded step axis of every generated output
	SeqLen int `yaml:"seq-len" json:"seq-len"`
	// UseGaussian selects decode lengths from a normal distribution instead
	// of the bucket histogram
	UseGaussian bool `yaml:"use-gaussian" json:"use-gaussian"`
	// Seed makes generation reproducible
	Seed int64 `yaml:"seed" json:"seed"`
}

func (c *GeneratorConfig) validate() error {
	if c.ModelName == "" {
		return errors.New("model name cannot be empty")
	}
	if c.NumRecords < 1 {
		return errors.New("number of records must be positive")
	}
	if c.NumSamples < 1 || c.BatchSize < 1 {
		return errors.New("num-samples and batch-size must be positive")
	}
	if c.SeqLen < 1 {
		return errors.New("seq-len must be positive")
	}
	return nil
}

// Generator produces synthetic decoder outputs whose token ids come from a
// preset sentence corpus and whose decode lengths follow the configured
// distribution. The records it emits are valid inputs for the post-processor
// and for the capture store.
type Generator struct {
	logger    logr.Logger
	config    *GeneratorConfig
	random    *common.Random
	histogram *histogramHelper
	sentences [][]uint32
}

func NewGenerator(logger logr.Logger, tok tokenizer.Tokenizer, config *GeneratorConfig) (*Generator, error) {
	if config == nil {
		return nil, errors.New("generator config cannot be nil")
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, errors.New("tokenizer cannot be nil")
	}

	random := common.NewRandom(config.Seed)
	g := &Generator{
		logger:    logger,
		config:    config,
		random:    random,
		histogram: newHistogramHelper(random),
		sentences: make([][]uint32, len(captureFakeSentences)),
	}

	for i, text := range captureFakeSentences {
		ids, _, err := tok.Encode(text, config.ModelName)
		if err != nil {
			return nil, fmt.Errorf("failed to tokenize sentence corpus: %w", err)
		}
		g.sentences[i] = ids
	}
	return g, nil
}

// Generate creates the configured number of capture records
func (g *Generator) Generate() ([]Record, error) {
	records := make([]Record, 0, g.config.NumRecords)
	for i := 0; i < g.config.NumRecords; i++ {
		record, err := NewRecord(g.random, g.config.ModelName, g.generateOutput())
		if err != nil {
			return nil, fmt.Errorf("failed to create capture record: %w", err)
		}
		records = append(records, *record)
	}
	g.logger.Info("Generated synthetic capture records", "count", len(records),
		"model", g.config.ModelName)
	return records, nil
}

func (g *Generator) generateOutput() *decodeapi.DecodeOutput {
	numSamples := g.config.NumSamples
	batch := g.config.BatchSize
	seqLen := g.config.SeqLen

	outputIDs := decodeapi.Zeros[int32](decodeapi.Shape{numSamples, batch, seqLen})
	decodeLengths := decodeapi.Zeros[int32](decodeapi.Shape{numSamples, batch})
	scores := decodeapi.Zeros[float32](decodeapi.Shape{numSamples, batch, 1})
	logprobs := decodeapi.Zeros[float32](decodeapi.Shape{numSamples, batch, seqLen})
	numPerToken := decodeapi.Zeros[int32](decodeapi.Shape{numSamples, batch})
	candidateIDs := decodeapi.Zeros[int32](decodeapi.Shape{numSamples, batch, seqLen, decodeapi.MaxNumPerTokenLogprobs})
	candidateLogprobs := decodeapi.Zeros[float32](decodeapi.Shape{numSamples, batch, seqLen, decodeapi.MaxNumPerTokenLogprobs})

	for s := 0; s < numSamples; s++ {
		for b := 0; b < batch; b++ {
			length := g.decodeLength(seqLen)
			ids := g.sequenceTokens(length)

			idRow := outputIDs.Row(s, b)
			logprobRow := logprobs.Row(s, b)
			score := float32(0)
			for t := 0; t < length; t++ {
				idRow[t] = int32(ids[t])
				logprobRow[t] = calculateLogprob(t, 0)
				score += logprobRow[t]

				candidates := candidateIDs.Row(s, b, t)
				candidateProbs := candidateLogprobs.Row(s, b, t)
				candidates[0] = idRow[t]
				candidateProbs[0] = logprobRow[t]
				for j := 1; j < decodeapi.MaxNumPerTokenLogprobs; j++ {
					// alternatives share the unknown id, only their scores differ
					candidateProbs[j] = calculateLogprob(t, j)
				}
			}

			idx := s*batch + b
			decodeLengths.Data[idx] = int32(length)
			scores.Data[idx] = score
			numPerToken.Data[idx] = decodeapi.MaxNumPerTokenLogprobs
		}
	}

	return &decodeapi.DecodeOutput{
		OutputIDs:            outputIDs,
		DecodeLengths:        decodeLengths,
		Scores:               scores,
		Logprobs:             logprobs,
		NumPerTokenLogprobs:  numPerToken,
		TopCandidateIDs:      candidateIDs,
		TopCandidateLogprobs: candidateLogprobs,
		PrefixLengths:        decodeapi.Zeros[int32](decodeapi.Shape{batch}),
	}
}

func (g *Generator) decodeLength(seqLen int) int {
	if g.config.UseGaussian {
		length := int(g.random.RandomNorm(decodeLenMean, decodeLenStddev))
		if length < 1 {
			length = 1
		}
		if length > seqLen {
			length = seqLen
		}
		return length
	}
	return g.histogram.getDecodeLengthByHistogram(seqLen)
}

// select randomly a sentence from captureFakeSentences,
// if number of tokens is lower than required - select another sentence,
// continue until the required number of tokens is achieved,
// returns exactly <numOfTokens> tokens
func (g *Generator) sequenceTokens(numOfTokens int) []uint32 {
	result := make([]uint32, 0, numOfTokens)

	for len(result) < numOfTokens {
		index := g.random.RandomInt(0, len(g.sentences)-1)
		tokens := g.sentences[index]
		remaining := numOfTokens - len(result)

		if len(tokens) > remaining {
			// there is too many tokens, append only the relevant part
			tokens = tokens[:remaining]
		}

		result = append(result, tokens...)
	}

	return result
}
