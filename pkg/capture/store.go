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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	_ "github.com/mattn/go-sqlite3"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/llm-d/llm-d-decode-postprocessor/pkg/common/logging"
)

// Store reads and writes capture records in a sqlite file. Output payloads
// are stored as msgpack BLOBs next to their axis summary columns.
type Store struct {
	logger logr.Logger
	helper *sqliteHelper
}

func NewStore(tableName string, logger logr.Logger) *Store {
	return &Store{
		logger: logger,
		helper: newSqliteHelper(tableName, logger),
	}
}

// Load opens a capture store file and reads all its records. With
// useInMemory the file is copied into an in-memory database first.
func (s *Store) Load(path string, useInMemory bool) ([]Record, error) {
	if err := s.helper.connectToDB(path, useInMemory); err != nil {
		return nil, err
	}
	return s.helper.readAllRecords()
}

func (s *Store) Close() error {
	return s.helper.close()
}

// Save creates the capture table in the file at path and writes the given
// records in one transaction.
func (s *Store) Save(ctx context.Context, path string, records []Record) error {
	s.logger.V(logging.INFO).Info("Going to store capture records", "path", path, "count", len(records))
	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return errors.Join(err, fmt.Errorf("cannot open database %s", path))
	}
	defer func() {
		_ = db.Close()
	}()

	// Verify connection with context
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Create table if not exists
	if _, err := db.ExecContext(ctx, s.helper.getCreateTableQuery()); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	s.logger.V(logging.INFO).Info("Table created successfully", "table", s.helper.tableName)

	// Insert records
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, s.helper.getInsertQuery())
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer func() {
		_ = stmt.Close()
	}()

	for _, record := range records {
		// Check for cancellation
		select {
		case <-ctx.Done():
			return fmt.Errorf("operation cancelled: %w", ctx.Err())
		default:
		}

		payload, err := msgpack.Marshal(record.Output)
		if err != nil {
			return fmt.Errorf("failed to marshal output payload: %w", err)
		}

		if _, err := stmt.ExecContext(ctx, record.ID, record.ModelName, record.NumSamples,
			record.BatchSize, record.SeqLen, payload); err != nil {
			return fmt.Errorf("failed to insert record: %w", err)
		}
	}
	s.logger.V(logging.INFO).Info("Records stored successfully", "count", len(records))
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// SaveJSON writes the records to a human-readable debug file next to the
// sqlite form.
func (s *Store) SaveJSON(path string, records []Record) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	s.logger.V(logging.INFO).Info("Storing capture records to JSON", "file", path)
	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ") // Pretty print

	if err := encoder.Encode(records); err != nil {
		return fmt.Errorf("failed to encode records to JSON: %w", err)
	}

	return nil
}
