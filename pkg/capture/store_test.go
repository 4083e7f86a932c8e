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
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/llm-d/llm-d-decode-postprocessor/pkg/common"
	decodeapi "github.com/llm-d/llm-d-decode-postprocessor/pkg/decode-api"
)

const storeTestTable = "captures"

func storeTestRecords() []Record {
	config := testGeneratorConfig(11)
	config.NumRecords = 3
	config.BatchSize = 1
	config.SeqLen = 6
	records, err := createGenerator(config).Generate()
	Expect(err).ShouldNot(HaveOccurred())
	return records
}

var _ = Describe("Store", func() {
	var (
		dir     string
		records []Record
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		records = storeTestRecords()
	})

	It("should round-trip records through a sqlite file", func() {
		path := filepath.Join(dir, "captures.sqlite3")
		store := NewStore(storeTestTable, log.FromContext(context.Background()))
		defer func() {
			Expect(store.Close()).ShouldNot(HaveOccurred())
		}()

		err := store.Save(context.Background(), path, records)
		Expect(err).ShouldNot(HaveOccurred())

		loaded, err := store.Load(path, false)
		Expect(err).ShouldNot(HaveOccurred())
		Expect(loaded).To(HaveLen(len(records)))
		Expect(loaded).To(ConsistOf(records))
	})

	It("should load records through an in-memory copy of the store", func() {
		path := filepath.Join(dir, "captures.sqlite3")
		store := NewStore(storeTestTable, log.FromContext(context.Background()))
		defer func() {
			Expect(store.Close()).ShouldNot(HaveOccurred())
		}()

		err := store.Save(context.Background(), path, records)
		Expect(err).ShouldNot(HaveOccurred())

		loaded, err := store.Load(path, true)
		Expect(err).ShouldNot(HaveOccurred())
		Expect(loaded).To(ConsistOf(records))
	})

	It("should fail when the store file does not exist", func() {
		store := NewStore(storeTestTable, log.FromContext(context.Background()))
		_, err := store.Load(filepath.Join(dir, "missing.sqlite3"), false)
		Expect(err).Should(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("does not exist"))
	})

	It("should reject a store saved under a different table name", func() {
		path := filepath.Join(dir, "captures.sqlite3")
		writer := NewStore(storeTestTable, log.FromContext(context.Background()))
		err := writer.Save(context.Background(), path, records)
		Expect(err).ShouldNot(HaveOccurred())

		reader := NewStore("other_table", log.FromContext(context.Background()))
		defer func() {
			Expect(reader.Close()).ShouldNot(HaveOccurred())
		}()
		_, err = reader.Load(path, false)
		Expect(err).Should(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("missing expected column"))
	})

	It("should round-trip records through the JSON twin", func() {
		path := filepath.Join(dir, "captures.json")
		store := NewStore(storeTestTable, log.FromContext(context.Background()))

		err := store.SaveJSON(path, records)
		Expect(err).ShouldNot(HaveOccurred())

		data, err := loadLocalFile(path)
		Expect(err).ShouldNot(HaveOccurred())
		parsed, err := parseRecordsJSON(data)
		Expect(err).ShouldNot(HaveOccurred())
		Expect(parsed).To(Equal(records))
	})

	It("should refuse to overwrite an existing output file", func() {
		path := filepath.Join(dir, "captures.sqlite3")
		Expect(os.WriteFile(path, []byte("occupied"), 0644)).ShouldNot(HaveOccurred())

		err := validateFileNotExist(path)
		Expect(err).Should(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("already exists"))

		Expect(validateFileNotExist(filepath.Join(dir, "free.sqlite3"))).ShouldNot(HaveOccurred())
	})
})

var _ = Describe("Record", func() {
	It("should wrap a valid output with an id and its axis summary", func() {
		config := testGeneratorConfig(5)
		output := createGenerator(config).generateOutput()

		record, err := NewRecord(common.NewRandom(time.Now().UnixNano()), generatorTestModel, output)
		Expect(err).ShouldNot(HaveOccurred())
		Expect(record.ID).NotTo(BeEmpty())
		Expect(record.ModelName).To(Equal(generatorTestModel))
		Expect(record.NumSamples).To(Equal(config.NumSamples))
		Expect(record.BatchSize).To(Equal(config.BatchSize))
		Expect(record.SeqLen).To(Equal(config.SeqLen))
		Expect(record.Output).To(BeIdenticalTo(output))
	})

	It("should reject missing or malformed outputs", func() {
		random := common.NewRandom(time.Now().UnixNano())

		_, err := NewRecord(random, generatorTestModel, nil)
		Expect(err).Should(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("decoder output is required"))

		_, err = NewRecord(random, generatorTestModel, &decodeapi.DecodeOutput{})
		Expect(err).Should(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("missing tensor"))
	})
})

var _ = Describe("Manifest", func() {
	var allPlaceholders = []string{
		modelNamePlaceholder, hubRepoPlaceholder, hubUrlPlaceholder,
		hubFileNamePlaceholder, recordsCountPlaceholder, tableNamePlaceholder,
		axesPlaceholder, sourceSectionPlaceholder,
	}

	It("should render the store card for a local source", func() {
		path := filepath.Join(GinkgoT().TempDir(), "README.md")
		err := generateManifestFile("model-x", storeTestTable, "", "captures.json", path, "2x1x8xN", 12)
		Expect(err).ShouldNot(HaveOccurred())

		data, err := os.ReadFile(path)
		Expect(err).ShouldNot(HaveOccurred())
		content := string(data)

		Expect(content).To(ContainSubstring("model-x"))
		Expect(content).To(ContainSubstring("`" + storeTestTable + "`"))
		Expect(content).To(ContainSubstring("**Record Count**: 12"))
		Expect(content).To(ContainSubstring("**Axes**: 2x1x8xN"))
		Expect(content).To(ContainSubstring("local file captures.json"))
		for _, placeholder := range allPlaceholders {
			Expect(content).NotTo(ContainSubstring(placeholder))
		}
	})

	It("should render the store card for a hub source", func() {
		path := filepath.Join(GinkgoT().TempDir(), "README.md")
		err := generateManifestFile("model-y", storeTestTable, "org/captures", "captures.sqlite3", path, "1x1x4xN", 3)
		Expect(err).ShouldNot(HaveOccurred())

		data, err := os.ReadFile(path)
		Expect(err).ShouldNot(HaveOccurred())
		content := string(data)

		Expect(content).To(ContainSubstring("[org/captures](https://huggingface.co/datasets/org/captures), file captures.sqlite3"))
		for _, placeholder := range allPlaceholders {
			Expect(content).NotTo(ContainSubstring(placeholder))
		}
	})
})

var _ = Describe("Downloader", func() {
	It("should download a file from a url", func() {
		path := filepath.Join(GinkgoT().TempDir(), "landing.html")
		downloader := NewDownloader(log.FromContext(context.Background()))

		err := downloader.DownloadStore(context.Background(), "https://llm-d.ai", path)
		Expect(err).ShouldNot(HaveOccurred())

		info, err := os.Stat(path)
		Expect(err).ShouldNot(HaveOccurred())
		Expect(info.Size()).To(BeNumerically(">", 0))
	})

	It("should keep an existing file without downloading", func() {
		path := filepath.Join(GinkgoT().TempDir(), "captures.sqlite3")
		Expect(os.WriteFile(path, []byte("occupied"), 0644)).ShouldNot(HaveOccurred())
		downloader := NewDownloader(log.FromContext(context.Background()))

		err := downloader.DownloadStore(context.Background(), "https://256.256.256.256", path)
		Expect(err).ShouldNot(HaveOccurred())

		data, err := os.ReadFile(path)
		Expect(err).ShouldNot(HaveOccurred())
		Expect(string(data)).To(Equal("occupied"))
	})

	It("should fail for an invalid url", func() {
		path := filepath.Join(GinkgoT().TempDir(), "nothing")
		downloader := NewDownloader(log.FromContext(context.Background()))

		err := downloader.DownloadStore(context.Background(), "https://256.256.256.256", path)
		Expect(err).Should(HaveOccurred())
	})
})
