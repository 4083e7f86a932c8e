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

package common

import (
	"math/rand"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/llm-d/llm-d-decode-postprocessor/pkg/common/logging"
)

// Definition of buckets for the post-processing latency metric, each value is
// an upper boundary of a bucket, in seconds
var PostProcessingLatencyBucketsBoundaries = []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005,
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Definition of buckets for batch token counts, each value is an upper boundary of a bucket
var BatchTokensBucketsBoundaries = []float64{8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096, 8192}

type Random struct {
	randomGenerator *rand.Rand
	randMutex       sync.Mutex
}

func NewRandom(seed int64) *Random {
	src := rand.NewSource(seed)
	randomGenerator := rand.New(src)
	uuid.SetRand(rand.New(rand.NewSource(seed)))
	return &Random{randomGenerator: randomGenerator}
}

// Returns an integer between min and max (included)
func (r *Random) RandomInt(min int, max int) int {
	r.randMutex.Lock()
	defer r.randMutex.Unlock()

	return r.randomGenerator.Intn(max-min+1) + min
}

// Returns true or false randomly
func (r *Random) FlipCoin() bool {
	return r.RandomInt(0, 1) != 0
}

// probability is an integer between 0 and 100
func (r *Random) RandomBool(probability int) bool {
	r.randMutex.Lock()
	defer r.randMutex.Unlock()

	return r.randomGenerator.Float64() < float64(probability)/100
}

// Returns a random float64 in the range [min, max)
func (r *Random) RandomFloat(min float64, max float64) float64 {
	r.randMutex.Lock()
	defer r.randMutex.Unlock()

	return r.randomGenerator.Float64()*(max-min) + min
}

// Returns a normally distributed float64
func (r *Random) RandomNorm(mean int, stddev int) float64 {
	if stddev == 0 {
		return float64(mean)
	}
	r.randMutex.Lock()
	defer r.randMutex.Unlock()

	return r.randomGenerator.NormFloat64()*float64(stddev) + float64(mean)
}

// GenerateUUIDString generates a UUID string under a lock
func (r *Random) GenerateUUIDString() string {
	r.randMutex.Lock()
	defer r.randMutex.Unlock()
	return uuid.NewString()
}

func WriteToChannel[T any](channel chan T, object T, logger logr.Logger, channelName string) {
	select {
	case channel <- object:
	default:
		logger.V(logging.WARN).Info("failed to write to", "channel", channelName)
	}
}
