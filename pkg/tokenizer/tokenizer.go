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

// Package tokenizer provides the tokenizer capability consumed by the decode
// post-processor: id sequences to text, and single ids to their surface
// forms. Unmapped ids never fail, they map to UnknownToken.
package tokenizer

import "fmt"

// UnknownToken is the reserved symbol returned for ids with no vocabulary
// mapping.
const UnknownToken = "<unk>"

type Tokenizer interface {
	// Encode tokenizes the input; modelName is optional, if not set, the model
	// from the construction time configuration is used. Returns the token ids
	// and the string form of each token.
	Encode(input, modelName string) ([]uint32, []string, error)
	// Decode converts a trimmed id sequence back into text. Ids with no
	// mapping decode to UnknownToken rather than failing.
	Decode(ids []uint32, modelName string) (string, error)
	// TokenStrings maps each id to its surface form, UnknownToken for
	// unmapped ids.
	TokenStrings(ids []uint32, modelName string) ([]string, error)
	// Close releases tokenizer resources.
	Close() error
}

// Tokenizer mode names accepted by New.
const (
	ModeSimple = "simple"
	ModeVocab  = "vocab"
	ModeHF     = "hf"
)

// New constructs a tokenizer by mode name, ModeSimple when mode is empty.
// model is the default model for calls that do not name one, cacheDir is
// where downloaded tokenizer files are kept (hf mode), vocabPath is the JSON
// piece vocabulary file (vocab mode).
func New(mode, model, cacheDir, vocabPath string) (Tokenizer, error) {
	switch mode {
	case ModeSimple, "":
		return NewSimpleTokenizer(), nil
	case ModeVocab:
		return NewVocabTokenizerFromFile(vocabPath)
	case ModeHF:
		return NewHFTokenizer(model, cacheDir)
	default:
		return nil, fmt.Errorf("unknown tokenizer mode %q", mode)
	}
}
