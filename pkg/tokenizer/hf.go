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
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/daulet/tokenizers"
	"github.com/llm-d/llm-d-kv-cache-manager/pkg/tokenization"
)

const hfTokenEnvVar = "HF_TOKEN"

// HFTokenizer tokenizes with real Hugging Face tokenizers. The encode path
// goes through the shared cached tokenizer, with token surface forms
// recovered from the returned offsets; the decode path keeps one native
// tokenizer per model, loaded on first use from the same cache directory.
type HFTokenizer struct {
	encoder  tokenization.Tokenizer
	model    string
	cacheDir string
	hfToken  string

	mu       sync.Mutex
	decoders map[string]*tokenizers.Tokenizer
}

var _ Tokenizer = (*HFTokenizer)(nil)

func NewHFTokenizer(model, cacheDir string) (*HFTokenizer, error) {
	tokenizationConfig, err := tokenization.DefaultConfig()
	if err != nil {
		return nil, errors.Join(err, errors.New("failed to create default tokenization configuration"))
	}

	if tokenizationConfig.HFTokenizerConfig == nil {
		tokenizationConfig.HFTokenizerConfig = &tokenization.HFTokenizerConfig{}
	}

	if cacheDir != "" {
		tokenizationConfig.HFTokenizerConfig.TokenizersCacheDir = cacheDir
	}

	hfToken := os.Getenv(hfTokenEnvVar)
	if hfToken != "" {
		tokenizationConfig.HFTokenizerConfig.HuggingFaceToken = hfToken
	}

	encoder, err := tokenization.NewCachedHFTokenizer(tokenizationConfig.HFTokenizerConfig)
	if err != nil {
		return nil, errors.Join(err, errors.New("failed to create hf tokenizer"))
	}

	return &HFTokenizer{
		encoder:  encoder,
		model:    model,
		cacheDir: tokenizationConfig.HFTokenizerConfig.TokenizersCacheDir,
		hfToken:  hfToken,
		decoders: make(map[string]*tokenizers.Tokenizer),
	}, nil
}

func (hft *HFTokenizer) Encode(input, modelName string) ([]uint32, []string, error) {
	model, err := hft.modelOrDefault(modelName)
	if err != nil {
		return nil, nil, err
	}
	ids, offsets, err := hft.encoder.Encode(input, model)
	if err != nil {
		return nil, nil, err
	}
	strTokens := make([]string, len(ids))
	for i, offset := range offsets {
		strTokens[i] = input[offset[0]:offset[1]]
	}
	return ids, strTokens, nil
}

func (hft *HFTokenizer) Decode(ids []uint32, modelName string) (string, error) {
	decoder, err := hft.decoder(modelName)
	if err != nil {
		return "", err
	}
	return decoder.Decode(ids, false), nil
}

func (hft *HFTokenizer) TokenStrings(ids []uint32, modelName string) ([]string, error) {
	decoder, err := hft.decoder(modelName)
	if err != nil {
		return nil, err
	}
	strTokens := make([]string, len(ids))
	for i, id := range ids {
		s := decoder.Decode([]uint32{id}, false)
		if s == "" {
			s = UnknownToken
		}
		strTokens[i] = s
	}
	return strTokens, nil
}

func (hft *HFTokenizer) Close() error {
	hft.mu.Lock()
	defer hft.mu.Unlock()
	for _, decoder := range hft.decoders {
		decoder.Close()
	}
	hft.decoders = make(map[string]*tokenizers.Tokenizer)
	return nil
}

func (hft *HFTokenizer) decoder(modelName string) (*tokenizers.Tokenizer, error) {
	model, err := hft.modelOrDefault(modelName)
	if err != nil {
		return nil, err
	}

	hft.mu.Lock()
	defer hft.mu.Unlock()
	if decoder, ok := hft.decoders[model]; ok {
		return decoder, nil
	}

	opts := []tokenizers.TokenizerConfigOption{tokenizers.WithCacheDir(hft.cacheDir)}
	if hft.hfToken != "" {
		opts = append(opts, tokenizers.WithAuthToken(hft.hfToken))
	}
	decoder, err := tokenizers.FromPretrained(model, opts...)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("failed to load tokenizer for model %s", model))
	}
	hft.decoders[model] = decoder
	return decoder, nil
}

func (hft *HFTokenizer) modelOrDefault(modelName string) (string, error) {
	if modelName != "" {
		return modelName, nil
	}
	if hft.model != "" {
		return hft.model, nil
	}
	return "", errors.New("no model name configured for tokenization")
}
