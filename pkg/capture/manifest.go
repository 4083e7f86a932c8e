package capture

import (
	"os"
	"strconv"
	"strings"
)

const (
	modelNamePlaceholder     = "<MODEL_NAME>"
	hubRepoPlaceholder       = "<HUB_REPO>"
	hubUrlPlaceholder        = "<HUB_URL>"
	hubFileNamePlaceholder   = "<HUB_FILE_NAME>"
	recordsCountPlaceholder  = "<RECORDS_COUNT>"
	tableNamePlaceholder     = "<TABLE_NAME>"
	axesPlaceholder          = "<AXES>"
	sourceSectionPlaceholder = "<SOURCE_SECTION>"
)

const hubSourceTemplate = "[" + hubRepoPlaceholder + "](" + hubUrlPlaceholder + "), file " + hubFileNamePlaceholder + "\n"
const localSourceTemplate = "local file " + hubFileNamePlaceholder + "\n"

const manifestTemplate = `
# Capture Store Card

## Overview

This store holds raw decoder outputs captured (or synthesized) for decode post-processing replay.
Each record is one inference call: padded token-id tensors, per-step log-probabilities and the
per-sequence decode lengths needed to trim them, enabling post-processor runs without a live decoder.

## Model
` + modelNamePlaceholder + `

## Source

Records source: ` + sourceSectionPlaceholder + `

### Store Formats

This store is available in two formats:

- **JSON:** Human-readable format ideal for debugging and reference.
- **SQLite:** Optimized for efficient querying, used by the replay tool.

### Record Fields

| Field | Type | Description |
| :--- | :--- | :--- |
| ` + "`" + `id` + "`" + ` | string | Unique record identifier |
| ` + "`" + `model` + "`" + ` | string | Model that produced the decoder output |
| ` + "`" + `n_samples` + "`" + ` | integer | Decoded samples per batch element |
| ` + "`" + `batch_size` + "`" + ` | integer | Batch axis of the captured output |
| ` + "`" + `seq_len` + "`" + ` | integer | Padded decode-step axis of the captured output |
| ` + "`" + `output` + "`" + ` | object | Full decoder output: token ids, decode lengths, scores, log-probabilities and top candidates |

## SQLite Database Schema

The SQLite version provides efficient querying capabilities and is used by the replay tool. <br>
The data is stored in a table called ` + "`" + tableNamePlaceholder + "`" + `.<br>
The table has the following schema:

| Column | Data Type | Description |
| :--- | :--- | :--- |
| ` + "`" + `id` + "`" + ` | TEXT PRIMARY KEY | Unique record identifier |
| ` + "`" + `model` + "`" + ` | TEXT NOT NULL | Model that produced the decoder output |
| ` + "`" + `n_samples` + "`" + ` | INTEGER NOT NULL | Decoded samples per batch element |
| ` + "`" + `batch_size` + "`" + ` | INTEGER NOT NULL | Batch axis of the captured output |
| ` + "`" + `seq_len` + "`" + ` | INTEGER NOT NULL | Padded decode-step axis |
| ` + "`" + `output` + "`" + ` | BLOB NOT NULL | MessagePack-encoded decoder output tensors |

### Example Query

Calculate the average padded sequence length:
` + "```" + `sql
SELECT AVG(seq_len) FROM captures;
` + "```" + `

## Store Characteristics

- **Axes**: ` + axesPlaceholder + `
- **Self-Contained**: Every record replays through the post-processor without a live decoder
- **Dual Format**: Each store is written as both SQLite and JSON
- **Compact Tensors**: Decoder outputs are stored as MessagePack blobs

## Store Statistics

- **Record Count**: ` + recordsCountPlaceholder + `
`

func generateManifestFile(modelName, tableName, hubRepo, fileName, manifestPath, axes string, recordsCount int) error {
	hubUrl := "https://huggingface.co/datasets/" + hubRepo
	source := ""
	// create source section text
	if hubRepo == "" {
		// local file
		source = strings.ReplaceAll(localSourceTemplate, hubFileNamePlaceholder, fileName)
	} else {
		// hugging face file
		sourceReplacer := strings.NewReplacer(
			hubRepoPlaceholder, hubRepo,
			hubUrlPlaceholder, hubUrl,
			hubFileNamePlaceholder, fileName,
		)
		source = sourceReplacer.Replace(hubSourceTemplate)
	}

	replacer := strings.NewReplacer(
		modelNamePlaceholder, modelName,
		hubRepoPlaceholder, hubRepo,
		hubUrlPlaceholder, hubUrl,
		recordsCountPlaceholder, strconv.Itoa(recordsCount),
		tableNamePlaceholder, tableName,
		axesPlaceholder, axes,
		sourceSectionPlaceholder, source,
	)

	result := replacer.Replace(manifestTemplate)
	err := os.WriteFile(manifestPath, []byte(result), 0644)

	return err
}
