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
	"hash/fnv"
	"regexp"
	"strings"
	"sync"
)

// SimpleTokenizer splits text on words and punctuation and hashes each token
// to an id. Every encoded token is recorded in a reverse map, so whatever it
// encoded it can decode; ids it never produced map to UnknownToken.
type SimpleTokenizer struct {
	re    *regexp.Regexp
	mu    sync.RWMutex
	vocab map[uint32]string
}

var _ Tokenizer = (*SimpleTokenizer)(nil)

func NewSimpleTokenizer() *SimpleTokenizer {
	return &SimpleTokenizer{
		re:    regexp.MustCompile(`(\{|\}|:|,|-|\.|\?|\!|;|@|#|\$|%|\^|&|\*|\(|\)|\+|\-|_|~|/|\\|>|<|\[|\]|=|"|\w+)(\s*)`),
		vocab: make(map[uint32]string),
	}
}

func (st *SimpleTokenizer) Encode(input, _ string) ([]uint32, []string, error) {
	strTokens := st.re.FindAllString(input, -1)
	ids := make([]uint32, len(strTokens))

	st.mu.Lock()
	defer st.mu.Unlock()
	for i, s := range strTokens {
		h := fnv.New32a()
		h.Write([]byte(s))
		ids[i] = h.Sum32()
		st.vocab[ids[i]] = s
	}
	return ids, strTokens, nil
}

func (st *SimpleTokenizer) Decode(ids []uint32, modelName string) (string, error) {
	strTokens, err := st.TokenStrings(ids, modelName)
	if err != nil {
		return "", err
	}
	return strings.Join(strTokens, ""), nil
}

func (st *SimpleTokenizer) TokenStrings(ids []uint32, _ string) ([]string, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	strTokens := make([]string, len(ids))
	for i, id := range ids {
		s, ok := st.vocab[id]
		if !ok {
			s = UnknownToken
		}
		strTokens[i] = s
	}
	return strTokens, nil
}

func (st *SimpleTokenizer) Close() error {
	return nil
}
