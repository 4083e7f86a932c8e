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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/llm-d/llm-d-decode-postprocessor/pkg/common"
	"github.com/llm-d/llm-d-decode-postprocessor/pkg/common/logging"
	decodeapi "github.com/llm-d/llm-d-decode-postprocessor/pkg/decode-api"
	"github.com/llm-d/llm-d-decode-postprocessor/pkg/postprocessor"
	"github.com/llm-d/llm-d-decode-postprocessor/pkg/tokenizer"
)

// enqueue retry interval when the replay queue is full
const enqueueRetryDelay = 10 * time.Millisecond

// Tool is the decode-tool behind cmd/decode-tool: it generates synthetic
// capture stores, replays stored records through the post-processor, and
// resolves extra-input serving signatures.
type Tool struct {
	config    *common.Configuration
	tokenizer tokenizer.Tokenizer
	logger    logr.Logger
}

// replay result of a single capture record
type replayResult struct {
	ID     string                   `json:"id"`
	Error  string                   `json:"error,omitempty"`
	Bundle *decodeapi.DecodedBundle `json:"bundle,omitempty"`
}

// NewTool creates a Tool instance based on the given configuration
func NewTool(config *common.Configuration, logger logr.Logger) (*Tool, error) {
	if config == nil {
		return nil, errors.New("configuration cannot be nil")
	}

	tl := &Tool{config: config, logger: logger}

	// signature mode never touches token ids
	if config.Mode != common.ModeSignature {
		t, err := tokenizer.New(config.TokenizerMode, config.Model, config.TokenizersCacheDir, config.VocabPath)
		if err != nil {
			return nil, err
		}
		tl.tokenizer = t
	}
	return tl, nil
}

// Run runs the tool in the configured mode
func (tl *Tool) Run(ctx context.Context) error {
	switch tl.config.Mode {
	case common.ModeGenerate:
		return tl.runGenerate(ctx)
	case common.ModeReplay:
		return tl.runReplay(ctx)
	case common.ModeSignature:
		return tl.runSignature()
	default:
		return fmt.Errorf("unknown mode %q", tl.config.Mode)
	}
}

// Close releases the tool resources
func (tl *Tool) Close() {
	if tl.tokenizer != nil {
		if err := tl.tokenizer.Close(); err != nil {
			tl.logger.Error(err, "failed to close tokenizer")
		}
	}
}

// runGenerate synthesizes capture records and stores them as SQLite, JSON and
// a store card
func (tl *Tool) runGenerate(ctx context.Context) error {
	for _, file := range []string{tl.config.OutputDBFile(), tl.config.OutputJSONFile(), tl.config.OutputManifestFile()} {
		if err := validateFileNotExist(file); err != nil {
			return err
		}
	}

	generator, err := NewGenerator(tl.logger, tl.tokenizer, &GeneratorConfig{
		ModelName:   tl.config.Model,
		NumRecords:  tl.config.NumRecords,
		NumSamples:  tl.config.NumSamples,
		BatchSize:   tl.config.BatchSize,
		SeqLen:      tl.config.SeqLen,
		UseGaussian: tl.config.UseGaussian,
		Seed:        tl.config.Seed,
	})
	if err != nil {
		return err
	}

	records, err := generator.Generate()
	if err != nil {
		tl.logger.Error(err, "failed to generate capture records")
		return err
	}

	store := NewStore(tl.config.TableName, tl.logger)
	defer store.Close()
	if err := store.Save(ctx, tl.config.OutputDBFile(), records); err != nil {
		tl.logger.Error(err, "failed to store captures to sqlite db")
		return err
	}
	if err := store.SaveJSON(tl.config.OutputJSONFile(), records); err != nil {
		tl.logger.Error(err, "failed to store captures to json debug file")
		return err
	}

	axes := fmt.Sprintf("%d samples x %d batch x %d steps",
		tl.config.NumSamples, tl.config.BatchSize, tl.config.SeqLen)
	if err := generateManifestFile(tl.config.Model, tl.config.TableName, "", tl.config.OutputDBFile(),
		tl.config.OutputManifestFile(), axes, len(records)); err != nil {
		tl.logger.Error(err, "failed to store capture card file")
		return err
	}

	return nil
}

// runReplay loads a capture store and fans its records out to the
// post-processing worker pool
func (tl *Tool) runReplay(ctx context.Context) error {
	records, err := tl.loadRecords(ctx)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return errors.New("the capture store holds no records")
	}

	modelName := tl.config.Model
	if modelName == "" {
		modelName = records[0].ModelName
	}

	metrics, err := postprocessor.NewMetrics(ctx, tl.logger, nil, modelName)
	if err != nil {
		return err
	}
	proc, err := postprocessor.New(tl.logger, tl.tokenizer, postprocessor.WithMetrics(metrics))
	if err != nil {
		return err
	}
	runner, err := postprocessor.NewRunner(tl.logger, proc, tl.config.Workers, tl.config.QueueDepth)
	if err != nil {
		return err
	}

	startTime := time.Now()
	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runner.Run(runCtx)
	})

	results := make([]replayResult, 0, len(records))
	succeeded, failed := 0, 0
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for result := range runner.Results() {
			if result.Err != nil {
				failed++
				results = append(results, replayResult{ID: result.ID, Error: result.Err.Error()})
				continue
			}
			succeeded++
			results = append(results, replayResult{ID: result.ID, Bundle: result.Bundle})
		}
	}()

	for _, record := range records {
		job := postprocessor.Job{
			ID:     record.ID,
			Output: record.Output,
			Options: postprocessor.Options{
				ModelName:             record.ModelName,
				IncludePrefixInResult: !tl.config.StripPrefix,
			},
		}
		if err := tl.enqueue(runCtx, runner, job); err != nil {
			runner.Close()
			_ = g.Wait()
			return err
		}
	}

	runner.Close()
	if err := g.Wait(); err != nil {
		return err
	}
	<-collected

	tl.logger.V(logging.INFO).Info("Replay finished", "records", len(records),
		"succeeded", succeeded, "failed", failed, "duration", time.Since(startTime).String())

	return tl.writeResults(results)
}

func (tl *Tool) enqueue(ctx context.Context, runner *postprocessor.Runner, job postprocessor.Job) error {
	for {
		err := runner.Enqueue(job)
		if err == nil {
			return nil
		}
		if !errors.Is(err, postprocessor.ErrQueueFull) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(enqueueRetryDelay):
		}
	}
}

// loadRecords opens the capture store, fetching it first when the source is
// remote. Stores are sqlite files, except for .json debug stores which are
// parsed directly.
func (tl *Tool) loadRecords(ctx context.Context) ([]Record, error) {
	storePath := tl.config.StorePath

	if tl.config.StoreURL != "" {
		storePath = tl.config.DownloadedStoreFile()
		downloader := NewDownloader(tl.logger)
		if err := downloader.DownloadStore(ctx, tl.config.StoreURL, storePath); err != nil {
			tl.logger.Error(err, "failed to download the capture store", "url", tl.config.StoreURL)
			return nil, err
		}
	} else if tl.config.HubRepo != "" {
		storePath = tl.config.DownloadedStoreFile()
		downloader := NewDownloader(tl.logger)
		if err := downloader.FetchFromHub(ctx, tl.config.HubRepo, tl.config.HubFile,
			storePath, tl.config.HFToken); err != nil {
			tl.logger.Error(err, "failed to fetch the capture store", "repo", tl.config.HubRepo)
			return nil, err
		}
	}

	records, err := tl.readStore(storePath)
	if err != nil {
		return nil, err
	}
	if len(records) > tl.config.MaxRecords {
		records = records[:tl.config.MaxRecords]
	}
	return records, nil
}

func (tl *Tool) readStore(storePath string) ([]Record, error) {
	if strings.HasSuffix(storePath, ".json") {
		data, err := loadLocalFile(storePath)
		if err != nil {
			return nil, err
		}
		return parseRecordsJSON(data)
	}

	store := NewStore(tl.config.TableName, tl.logger)
	defer store.Close()
	return store.Load(storePath, tl.config.StoreInMemory)
}

func (tl *Tool) writeResults(results []replayResult) error {
	file, err := os.Create(tl.config.OutputResultsFile())
	if err != nil {
		return fmt.Errorf("failed to create results file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			tl.logger.Error(closeErr, "failed to close results file")
		}
	}()

	// keep the file deterministic regardless of worker completion order
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ") // Pretty print
	if err := encoder.Encode(results); err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}
	tl.logger.V(logging.INFO).Info("Replay results stored", "file", tl.config.OutputResultsFile())
	return nil
}

// runSignature loads the extra-inputs config, builds the serving signature
// and logs the resolved specs
func (tl *Tool) runSignature() error {
	signatureConfig, err := postprocessor.LoadSignatureConfig(tl.config.SignatureConfig)
	if err != nil {
		tl.logger.Error(err, "failed to load the signature config", "file", tl.config.SignatureConfig)
		return err
	}
	if tl.config.SignatureBatchSize > 0 {
		signatureConfig.BatchSize = &tl.config.SignatureBatchSize
	}

	specs, err := signatureConfig.Build()
	if err != nil {
		tl.logger.Error(err, "failed to build the serving signature")
		return err
	}

	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec := specs[name]
		tl.logger.V(logging.INFO).Info("Resolved extra input", "name", name,
			"dtype", spec.DType, "shape", spec.Default.Dims(), "elements", spec.Default.NumElems())
	}
	return nil
}
