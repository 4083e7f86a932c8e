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

package tokenizer

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"
)

// wsMarker is the sentencepiece whitespace marker U+2581.
const wsMarker = "▁"

// VocabTokenizer tokenizes against an explicit piece vocabulary with greedy
// longest-match, using sentencepiece whitespace conventions: spaces become
// the marker piece on encode and back on decode. Deterministic and
// dependency-free, it is the tokenizer of choice for tests and synthetic
// captures.
type VocabTokenizer struct {
	pieces      map[string]uint32
	ids         map[uint32]string
	unkID       uint32
	maxPieceLen int
}

var _ Tokenizer = (*VocabTokenizer)(nil)

// NewVocabTokenizer builds a tokenizer over piece->id mappings. The
// UnknownToken piece is added with id 0 unless the vocabulary defines it.
func NewVocabTokenizer(pieces map[string]uint32) (*VocabTokenizer, error) {
	if len(pieces) == 0 {
		return nil, fmt.Errorf("empty vocabulary")
	}

	vt := &VocabTokenizer{
		pieces: make(map[string]uint32, len(pieces)+1),
		ids:    make(map[uint32]string, len(pieces)+1),
	}
	if _, ok := pieces[UnknownToken]; !ok {
		vt.pieces[UnknownToken] = 0
		vt.ids[0] = UnknownToken
	}
	for piece, id := range pieces {
		if piece == "" {
			return nil, fmt.Errorf("empty piece for id %d", id)
		}
		if prev, ok := vt.ids[id]; ok && prev != piece {
			return nil, fmt.Errorf("id %d maps to both %q and %q", id, prev, piece)
		}
		vt.pieces[piece] = id
		vt.ids[id] = piece
		if len(piece) > vt.maxPieceLen {
			vt.maxPieceLen = len(piece)
		}
	}
	vt.unkID = vt.pieces[UnknownToken]
	return vt, nil
}

// NewVocabTokenizerFromFile loads a JSON piece->id vocabulary file.
func NewVocabTokenizerFromFile(path string) (*VocabTokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read vocabulary %s: %w", path, err)
	}
	var pieces map[string]uint32
	if err := json.Unmarshal(data, &pieces); err != nil {
		return nil, fmt.Errorf("failed to parse vocabulary %s: %w", path, err)
	}
	return NewVocabTokenizer(pieces)
}

func (vt *VocabTokenizer) Encode(input, _ string) ([]uint32, []string, error) {
	text := wsMarker + strings.ReplaceAll(input, " ", wsMarker)

	var ids []uint32
	var strTokens []string
	for i := 0; i < len(text); {
		matched := false
		longest := vt.maxPieceLen
		if rest := len(text) - i; rest < longest {
			longest = rest
		}
		for l := longest; l > 0; l-- {
			if id, ok := vt.pieces[text[i:i+l]]; ok {
				ids = append(ids, id)
				strTokens = append(strTokens, text[i:i+l])
				i += l
				matched = true
				break
			}
		}
		if !matched {
			_, size := utf8.DecodeRuneInString(text[i:])
			ids = append(ids, vt.unkID)
			strTokens = append(strTokens, UnknownToken)
			i += size
		}
	}
	return ids, strTokens, nil
}

func (vt *VocabTokenizer) Decode(ids []uint32, modelName string) (string, error) {
	strTokens, err := vt.TokenStrings(ids, modelName)
	if err != nil {
		return "", err
	}
	text := strings.ReplaceAll(strings.Join(strTokens, ""), wsMarker, " ")
	return strings.TrimPrefix(text, " "), nil
}

func (vt *VocabTokenizer) TokenStrings(ids []uint32, _ string) ([]string, error) {
	strTokens := make([]string, len(ids))
	for i, id := range ids {
		piece, ok := vt.ids[id]
		if !ok {
			piece = UnknownToken
		}
		strTokens[i] = piece
	}
	return strTokens, nil
}

func (vt *VocabTokenizer) Close() error {
	return nil
}
