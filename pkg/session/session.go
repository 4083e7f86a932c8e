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

// Package session executes pure tensor transformations under a managed
// session that caches results by input fingerprint. A wrapped function must
// stay equivalent to its eager form: hits are decoded into fresh values, so
// no caller can observe or mutate another caller's result.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/llm-d/llm-d-decode-postprocessor/pkg/common/logging"
)

// Func is a pure function of its input. Purity is the caller's contract; the
// session assumes a repeated input always maps to the same result.
type Func[I, O any] func(I) (O, error)

// Stats are the session's cache counters.
type Stats struct {
	Hits   int
	Misses int
	Size   int
}

// Session runs a pure function with result caching. Inputs and outputs must
// be msgpack-encodable; an output that fails to encode is returned uncached.
type Session[I, O any] struct {
	logger logr.Logger
	fn     Func[I, O]
	cache  *resultCache

	statsMutex sync.Mutex
	hits       int
	misses     int
}

func New[I, O any](logger logr.Logger, fn Func[I, O], maxEntries int) (*Session[I, O], error) {
	if fn == nil {
		return nil, errors.New("a function is required")
	}
	if maxEntries < 1 {
		return nil, fmt.Errorf("cache size must be positive, got %d", maxEntries)
	}
	return &Session[I, O]{
		logger: logger,
		fn:     fn,
		cache:  newResultCache(maxEntries),
	}, nil
}

// Wrap returns a function equivalent to fn that executes under a new session.
func Wrap[I, O any](logger logr.Logger, fn Func[I, O], maxEntries int) (Func[I, O], error) {
	session, err := New(logger, fn, maxEntries)
	if err != nil {
		return nil, err
	}
	return session.Call, nil
}

// Call runs the wrapped function, serving a repeated input from the cache.
func (s *Session[I, O]) Call(input I) (O, error) {
	var zero O
	key, err := fingerprint(input)
	if err != nil {
		return zero, fmt.Errorf("failed to fingerprint input: %w", err)
	}

	if payload, exists := s.cache.get(key); exists {
		var out O
		if err := msgpack.Unmarshal(payload, &out); err == nil {
			s.recordHit()
			s.logger.V(logging.TRACE).Info("session cache hit", "key", key)
			return out, nil
		}
		// undecodable entry, recompute
		s.cache.remove(key)
	}

	out, err := s.fn(input)
	if err != nil {
		return zero, err
	}
	s.recordMiss()

	payload, err := msgpack.Marshal(out)
	if err != nil {
		s.logger.V(logging.WARN).Info("result not cached, encode failed", "error", err.Error())
		return out, nil
	}
	s.cache.put(key, payload)
	return out, nil
}

// Stats returns the hit and miss counts and the current cache size.
func (s *Session[I, O]) Stats() Stats {
	s.statsMutex.Lock()
	defer s.statsMutex.Unlock()
	return Stats{Hits: s.hits, Misses: s.misses, Size: s.cache.size()}
}

func (s *Session[I, O]) recordHit() {
	s.statsMutex.Lock()
	defer s.statsMutex.Unlock()
	s.hits++
}

func (s *Session[I, O]) recordMiss() {
	s.statsMutex.Lock()
	defer s.statsMutex.Unlock()
	s.misses++
}

// fingerprint hashes the input's msgpack encoding
func fingerprint(input any) (string, error) {
	payload, err := msgpack.Marshal(input)
	if err != nil {
		return "", err
	}
	hashArray := sha256.Sum256(payload)
	return hex.EncodeToString(hashArray[:]), nil
}
