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
	"context"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

var _ = Describe("Random", func() {
	It("should return integers within the inclusive range", func() {
		random := NewRandom(time.Now().UnixNano())
		for i := 0; i < 200; i++ {
			value := random.RandomInt(3, 7)
			Expect(value).To(BeNumerically(">=", 3))
			Expect(value).To(BeNumerically("<=", 7))
		}
		Expect(random.RandomInt(5, 5)).To(Equal(5))
	})

	It("should repeat the sequence for a fixed seed", func() {
		first := NewRandom(42)
		second := NewRandom(42)
		for i := 0; i < 50; i++ {
			Expect(second.RandomInt(0, 1000)).To(Equal(first.RandomInt(0, 1000)))
		}
	})

	It("should return floats within the half-open range", func() {
		random := NewRandom(time.Now().UnixNano())
		for i := 0; i < 200; i++ {
			value := random.RandomFloat(0.25, 0.75)
			Expect(value).To(BeNumerically(">=", 0.25))
			Expect(value).To(BeNumerically("<", 0.75))
		}
	})

	It("should collapse the normal distribution when stddev is zero", func() {
		random := NewRandom(time.Now().UnixNano())
		Expect(random.RandomNorm(40, 0)).To(Equal(float64(40)))
	})

	It("should center the normal distribution on the mean", func() {
		random := NewRandom(42)
		sum := 0.0
		for i := 0; i < 1000; i++ {
			sum += random.RandomNorm(40, 20)
		}
		Expect(sum / 1000).To(BeNumerically("~", 40, 5))
	})

	It("should honor the probability bounds of RandomBool", func() {
		random := NewRandom(time.Now().UnixNano())
		for i := 0; i < 100; i++ {
			Expect(random.RandomBool(0)).To(BeFalse())
			Expect(random.RandomBool(100)).To(BeTrue())
		}
	})

	It("should flip both sides of the coin", func() {
		random := NewRandom(time.Now().UnixNano())
		heads, tails := false, false
		for i := 0; i < 200; i++ {
			if random.FlipCoin() {
				heads = true
			} else {
				tails = true
			}
		}
		Expect(heads).To(BeTrue())
		Expect(tails).To(BeTrue())
	})

	It("should generate unique, parseable uuids", func() {
		random := NewRandom(time.Now().UnixNano())
		seen := map[string]bool{}
		for i := 0; i < 100; i++ {
			id := random.GenerateUUIDString()
			_, err := uuid.Parse(id)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(seen[id]).To(BeFalse())
			seen[id] = true
		}
	})

	It("should repeat uuids for a fixed seed", func() {
		first := NewRandom(9)
		firstID := first.GenerateUUIDString()
		secondID := first.GenerateUUIDString()

		second := NewRandom(9)
		Expect(second.GenerateUUIDString()).To(Equal(firstID))
		Expect(second.GenerateUUIDString()).To(Equal(secondID))
	})
})

var _ = Describe("WriteToChannel", func() {
	It("should deliver when the channel has capacity", func() {
		channel := make(chan int, 1)
		WriteToChannel(channel, 17, log.FromContext(context.Background()), "test")
		Expect(<-channel).To(Equal(17))
	})

	It("should drop instead of blocking when the channel is full", func() {
		channel := make(chan int, 1)
		channel <- 1
		WriteToChannel(channel, 2, log.FromContext(context.Background()), "test")
		Expect(<-channel).To(Equal(1))
		Expect(channel).NotTo(Receive())
	})
})
