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
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Tool modes
const (
	ModeGenerate  = "generate"
	ModeReplay    = "replay"
	ModeSignature = "signature"
)

// DefaultCaptureTableName is the capture store table used when none is configured
const DefaultCaptureTableName = "captures"

const hfTokenEnvVar = "HF_TOKEN"

// Configuration is the full decode-tool configuration, loadable from a YAML
// file with command line flags taking precedence
type Configuration struct {
	// Mode is the tool mode, one of generate, replay or signature
	Mode string `yaml:"mode" json:"mode"`
	// Model is the model name used for tokenization and metric labels
	Model string `yaml:"model" json:"model"`
	// TokenizerMode selects the tokenizer implementation: simple, vocab or hf
	TokenizerMode string `yaml:"tokenizer" json:"tokenizer"`
	// VocabPath is the JSON piece vocabulary file, required for the vocab tokenizer
	VocabPath string `yaml:"vocab-path" json:"vocab-path"`
	// TokenizersCacheDir is the directory for caching downloaded tokenizers
	TokenizersCacheDir string `yaml:"tokenizers-cache-dir" json:"tokenizers-cache-dir"`

	// NumRecords is the number of capture records to generate
	NumRecords int `yaml:"num-records" json:"num-records"`
	// NumSamples is the sample axis of generated decoder outputs
	NumSamples int `yaml:"num-samples" json:"num-samples"`
	// BatchSize is the batch axis of generated decoder outputs
	BatchSize int `yaml:"batch-size" json:"batch-size"`
	// SeqLen is the padded decode-step axis of generated decoder outputs
	SeqLen int `yaml:"seq-len" json:"seq-len"`
	// UseGaussian draws decode lengths from a normal distribution instead of
	// the bucket histogram
	UseGaussian bool `yaml:"use-gaussian" json:"use-gaussian"`
	// Seed makes generation reproducible, defaults to the current time
	Seed int64 `yaml:"seed" json:"seed"`

	// StorePath is the local capture store file to replay
	StorePath string `yaml:"store-path" json:"store-path"`
	// StoreURL is a URL to download the capture store from
	StoreURL string `yaml:"store-url" json:"store-url"`
	// HubRepo is a Hugging Face dataset repo holding the capture store
	HubRepo string `yaml:"hub-repo" json:"hub-repo"`
	// HubFile is the store file name inside HubRepo
	HubFile string `yaml:"hub-file" json:"hub-file"`
	// StoreInMemory loads the store into an in-memory database on open
	StoreInMemory bool `yaml:"store-in-memory" json:"store-in-memory"`
	// MaxRecords caps the number of replayed records, the rest are discarded
	MaxRecords int `yaml:"max-records" json:"max-records"`
	// Workers is the replay worker pool size
	Workers int `yaml:"workers" json:"workers"`
	// QueueDepth is the replay job queue capacity
	QueueDepth int `yaml:"queue-depth" json:"queue-depth"`
	// StripPrefix removes the recorded prompt prefix from decoded results
	StripPrefix bool `yaml:"strip-prefix" json:"strip-prefix"`

	// SignatureConfig is the extra-inputs YAML config for signature mode
	SignatureConfig string `yaml:"signature-config" json:"signature-config"`
	// SignatureBatchSize overrides the config batch size when positive
	SignatureBatchSize int `yaml:"signature-batch-size" json:"signature-batch-size"`

	// OutputPath is the directory for output files
	OutputPath string `yaml:"output-path" json:"output-path"`
	// OutputFile is the output file name without extension
	OutputFile string `yaml:"output-file" json:"output-file"`
	// TableName is the capture store table name
	TableName string `yaml:"table-name" json:"table-name"`

	// HFToken is read from the HF_TOKEN environment variable
	HFToken string `yaml:"-" json:"-"`
}

func NewDefaultConfiguration() *Configuration {
	return &Configuration{
		Mode:               ModeGenerate,
		TokenizerMode:      "simple",
		TokenizersCacheDir: "hf_cache",
		NumRecords:         100,
		NumSamples:         2,
		BatchSize:          1,
		SeqLen:             64,
		Seed:               time.Now().UnixNano(),
		MaxRecords:         10000,
		Workers:            4,
		QueueDepth:         128,
		OutputFile:         "decode-captures",
		TableName:          DefaultCaptureTableName,
	}
}

// ParseCommandParamsAndLoadConfig loads the configuration from the optional
// --config YAML file and the command line, flags last so they win
func ParseCommandParamsAndLoadConfig() (*Configuration, error) {
	config := NewDefaultConfiguration()

	configFile := ""
	f := pflag.NewFlagSet("decode-tool flags", pflag.ContinueOnError)

	f.StringVar(&configFile, "config", "", "Path to a YAML configuration file")
	f.StringVar(&config.Mode, "mode", config.Mode, "Tool mode: generate, replay or signature")
	f.StringVar(&config.Model, "model", config.Model, "Model name")
	f.StringVar(&config.TokenizerMode, "tokenizer", config.TokenizerMode, "Tokenizer implementation: simple, vocab or hf")
	f.StringVar(&config.VocabPath, "vocab-path", config.VocabPath, "JSON piece vocabulary file for the vocab tokenizer")
	f.StringVar(&config.TokenizersCacheDir, "tokenizers-cache-dir", config.TokenizersCacheDir,
		"Directory for caching tokenizers, default is hf_cache")

	f.IntVar(&config.NumRecords, "num-records", config.NumRecords, "Number of capture records to generate")
	f.IntVar(&config.NumSamples, "num-samples", config.NumSamples, "Samples per batch element in generated outputs")
	f.IntVar(&config.BatchSize, "batch-size", config.BatchSize, "Batch size of generated outputs")
	f.IntVar(&config.SeqLen, "seq-len", config.SeqLen, "Padded sequence length of generated outputs")
	f.BoolVar(&config.UseGaussian, "use-gaussian", config.UseGaussian,
		"Draw decode lengths from a normal distribution instead of the bucket histogram")
	f.Int64Var(&config.Seed, "seed", config.Seed, "Random seed for generation, defaults to the current time")

	f.StringVar(&config.StorePath, "store-path", config.StorePath, "Local capture store file to replay")
	f.StringVar(&config.StoreURL, "store-url", config.StoreURL, "URL to download the capture store from")
	f.StringVar(&config.HubRepo, "hub-repo", config.HubRepo,
		"Hugging Face dataset (e.g. 'llm-d/decode-captures') holding the capture store")
	f.StringVar(&config.HubFile, "hub-file", config.HubFile, "Store file name inside --hub-repo")
	f.BoolVar(&config.StoreInMemory, "store-in-memory", config.StoreInMemory, "Load the capture store into memory on open")
	f.IntVar(&config.MaxRecords, "max-records", config.MaxRecords,
		"Maximum number of records to replay; if the store contains more, the rest are discarded")
	f.IntVar(&config.Workers, "workers", config.Workers, "Replay worker pool size")
	f.IntVar(&config.QueueDepth, "queue-depth", config.QueueDepth, "Replay job queue capacity")
	f.BoolVar(&config.StripPrefix, "strip-prefix", config.StripPrefix,
		"Strip the recorded prompt prefix from decoded results")

	f.StringVar(&config.SignatureConfig, "signature-config", config.SignatureConfig,
		"Extra-inputs YAML configuration for signature mode")
	f.IntVar(&config.SignatureBatchSize, "signature-batch-size", config.SignatureBatchSize,
		"Batch size override for signature mode, 0 keeps the configured value")

	f.StringVar(&config.OutputPath, "output-path", config.OutputPath, "Output path")
	f.StringVar(&config.OutputFile, "output-file", config.OutputFile,
		"Output file name without extension, extensions are added per produced file")
	f.StringVar(&config.TableName, "table-name", config.TableName, "Capture store table name")

	if err := f.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			// --help - exit without printing an error message
			os.Exit(0)
		}
		return nil, err
	}

	if configFile != "" {
		if err := config.loadFromFile(configFile); err != nil {
			return nil, err
		}
		// re-apply the command line so explicit flags override file values
		if err := f.Parse(os.Args[1:]); err != nil {
			return nil, err
		}
	}

	config.HFToken = os.Getenv(hfTokenEnvVar)

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Configuration) loadFromFile(configFile string) error {
	configBytes, err := os.ReadFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to read configuration file %s: %w", configFile, err)
	}
	if err := yaml.Unmarshal(configBytes, c); err != nil {
		return fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	return nil
}

func (c *Configuration) validate() error {
	switch c.Mode {
	case ModeGenerate:
		if c.Model == "" {
			return errors.New("--model is not defined")
		}
		if c.NumRecords < 1 {
			return errors.New("--num-records must be positive")
		}
		if c.NumSamples < 1 || c.BatchSize < 1 || c.SeqLen < 1 {
			return errors.New("--num-samples, --batch-size and --seq-len must be positive")
		}
	case ModeReplay:
		sources := 0
		if c.StorePath != "" {
			sources++
		}
		if c.StoreURL != "" {
			sources++
		}
		if c.HubRepo != "" {
			sources++
		}
		if sources == 0 {
			return errors.New("one of --store-path, --store-url or --hub-repo must be specified")
		}
		if sources > 1 {
			return errors.New("specify only one of --store-path, --store-url or --hub-repo")
		}
		if c.HubRepo != "" && c.HubFile == "" {
			return errors.New("--hub-repo defined but --hub-file is empty")
		}
		if c.Workers < 1 {
			return errors.New("--workers must be positive")
		}
		if c.QueueDepth < 1 {
			return errors.New("--queue-depth must be positive")
		}
	case ModeSignature:
		if c.SignatureConfig == "" {
			return errors.New("--signature-config is not defined")
		}
	default:
		return fmt.Errorf("unknown mode %q, expected %s, %s or %s",
			c.Mode, ModeGenerate, ModeReplay, ModeSignature)
	}

	if c.TokenizerMode == "vocab" && c.VocabPath == "" {
		return errors.New("--tokenizer vocab requires --vocab-path")
	}
	if c.TokenizersCacheDir == "" {
		return errors.New("--tokenizers-cache-dir cannot be empty")
	}
	if c.TableName == "" {
		return errors.New("--table-name cannot be empty")
	}
	return nil
}

// OutputDBFile is the SQLite store path produced by generate mode
func (c *Configuration) OutputDBFile() string {
	return c.outputFileName(".sqlite3")
}

// OutputJSONFile is the JSON debug copy produced by generate mode
func (c *Configuration) OutputJSONFile() string {
	return c.outputFileName(".json")
}

// OutputManifestFile is the store card produced by generate mode
func (c *Configuration) OutputManifestFile() string {
	return c.outputFileName(".md")
}

// OutputResultsFile is the replay results file
func (c *Configuration) OutputResultsFile() string {
	return c.outputFileName("-results.json")
}

// DownloadedStoreFile is where replay mode places a fetched store
func (c *Configuration) DownloadedStoreFile() string {
	return c.outputFileName("-store.sqlite3")
}

func (c *Configuration) outputFileName(extension string) string {
	return path.Join(c.OutputPath, c.OutputFile+extension)
}
