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
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/llm-d/llm-d-decode-postprocessor/pkg/common/logging"
	decodeapi "github.com/llm-d/llm-d-decode-postprocessor/pkg/decode-api"
)

// use constants for expected column names and types
const (
	idCol             = "id"
	modelCol          = "model"
	numSamplesCol     = "n_samples"
	batchSizeCol      = "batch_size"
	seqLenCol         = "seq_len"
	outputCol         = "output"
	idColType         = "TEXT"
	modelColType      = "TEXT"
	numSamplesColType = "INTEGER"
	batchSizeColType  = "INTEGER"
	seqLenColType     = "INTEGER"
	outputColType     = "BLOB"
)

type sqliteHelper struct {
	logger    logr.Logger
	db        *sql.DB
	tableName string
}

func newSqliteHelper(tableName string, logger logr.Logger) *sqliteHelper {
	return &sqliteHelper{
		tableName: tableName,
		logger:    logger,
	}
}

func (s *sqliteHelper) connectToDB(path string, useInMemory bool) error {
	if s.db != nil {
		err := s.db.Close()
		if err != nil {
			s.logger.Error(err, "failed to close existing database connection")
		}
		s.db = nil
	}
	// check if file exists
	_, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("database file does not exist: %w", err)
	}

	if useInMemory {
		err = s.loadDatabaseInMemory(path)
		if err != nil {
			return err
		}
	} else {
		s.db, err = sql.Open("sqlite3", "file:"+path+"?mode=ro")
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		// Check if there are other connections to the database
		_, err = s.db.Exec("BEGIN EXCLUSIVE;")
		if err != nil {
			if closeErr := s.db.Close(); closeErr != nil {
				s.logger.Error(closeErr, "failed to close database after failing to acquire exclusive lock")
			}
			s.db = nil
			return fmt.Errorf("database is locked or has other active connections: %w", err)
		}
	}

	err = s.verifyDB()
	if err != nil {
		return fmt.Errorf("failed to verify database: %w", err)
	}

	count, err := s.getRecordsCount()
	if err != nil {
		s.logger.Error(err, "failed to get records count")
		return fmt.Errorf("failed to query database: %w", err)
	}

	if useInMemory {
		s.logger.V(logging.INFO).Info("In-memory capture store connected successfully", "path", path, "records count", count)
	} else {
		s.logger.V(logging.INFO).Info("Capture store connected successfully", "path", path, "records count", count)
	}
	return nil
}

func (s *sqliteHelper) loadDatabaseInMemory(path string) error {
	s.logger.V(logging.INFO).Info("Loading capture store into memory...")
	start := time.Now()

	// Create in-memory database
	var err error
	s.db, err = sql.Open("sqlite3", ":memory:")
	if err != nil {
		return fmt.Errorf("failed to create in-memory database: %w", err)
	}

	// Use ATTACH to copy the database
	attachSQL := fmt.Sprintf("ATTACH DATABASE '%s' AS source", path)
	_, err = s.db.Exec(attachSQL)
	if err != nil {
		if closeErr := s.db.Close(); closeErr != nil {
			s.logger.Error(closeErr, "failed to close in-memory database after attach failure")
		}
		s.db = nil
		return fmt.Errorf("failed to attach source database: %w", err)
	}

	// Copy the table structure first
	_, err = s.db.Exec(s.getCreateTableQuery())
	if err != nil {
		if closeErr := s.db.Close(); closeErr != nil {
			s.logger.Error(closeErr, "failed to close in-memory database after create table failure")
		}
		s.db = nil
		return fmt.Errorf("failed to create table: %w", err)
	}

	// Copy the data
	_, err = s.db.Exec("INSERT INTO " + s.tableName + " SELECT * FROM source." + s.tableName)
	if err != nil {
		if closeErr := s.db.Close(); closeErr != nil {
			s.logger.Error(closeErr, "failed to close in-memory database after copy failure")
		}
		s.db = nil
		return fmt.Errorf("failed to copy data: %w", err)
	}

	// Detach the source database
	_, err = s.db.Exec("DETACH DATABASE source")
	if err != nil {
		s.logger.Error(err, "failed to detach source database")
	}

	loadTime := time.Since(start)
	s.logger.V(logging.INFO).Info("Capture store loaded into memory", "load_time", loadTime.String())
	return nil
}

func (s *sqliteHelper) verifyDB() error {
	rows, err := s.db.Query("PRAGMA table_info(" + s.tableName + ");")
	if err != nil {
		return fmt.Errorf("failed to query table info for `%s`: %w", s.tableName, err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			s.logger.Error(cerr, "failed to close rows after querying table info")
		}
	}()

	expectedColumns := map[string]string{
		idCol:         idColType,
		modelCol:      modelColType,
		numSamplesCol: numSamplesColType,
		batchSizeCol:  batchSizeColType,
		seqLenCol:     seqLenColType,
		outputCol:     outputColType,
	}

	columnsFound := make(map[string]bool)

	var (
		columnName string
		columnType string
		cid        int
		notnull    int
		dfltValue  interface{}
		pk         int
	)

	for rows.Next() {
		err := rows.Scan(&cid, &columnName, &columnType, &notnull, &dfltValue, &pk)
		if err != nil {
			return fmt.Errorf("failed to scan table info row: %w", err)
		}
		if expectedType, exists := expectedColumns[columnName]; exists {
			if columnType != expectedType {
				return fmt.Errorf("column %s has incorrect type: expected %s, got %s", columnName, expectedType, columnType)
			}
			columnsFound[columnName] = true
		}
	}

	for col := range expectedColumns {
		if !columnsFound[col] {
			return fmt.Errorf("missing expected column in %s table: %s", s.tableName, col)
		}
	}

	return nil
}

func (s *sqliteHelper) getRecordsCount() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(" + idCol + ") FROM " + s.tableName + ";").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to query database: %w", err)
	}
	return count, nil
}

// readAllRecords retrieves every capture record, decoding the output payloads
func (s *sqliteHelper) readAllRecords() ([]Record, error) {
	query := fmt.Sprintf("SELECT %s, %s, %s, %s, %s, %s FROM %s;",
		idCol, modelCol, numSamplesCol, batchSizeCol, seqLenCol, outputCol, s.tableName)
	rows, err := s.db.Query(query)
	if err != nil {
		s.logger.Error(err, "failed to query capture store. Ensure the store file is still valid.")
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			s.logger.Error(cerr, "failed to close rows after query")
			if err == nil {
				err = cerr
			} else {
				err = errors.Join(err, cerr)
			}
		}
	}()
	return unmarshalAllRecords(rows)
}

func unmarshalAllRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record

	for rows.Next() {
		var record Record
		var payload []byte
		if err := rows.Scan(&record.ID, &record.ModelName, &record.NumSamples,
			&record.BatchSize, &record.SeqLen, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		var output decodeapi.DecodeOutput
		if err := msgpack.Unmarshal(payload, &output); err != nil {
			return nil, fmt.Errorf("failed to unmarshal output payload: %w", err)
		}
		record.Output = &output
		records = append(records, record)
	}
	return records, nil
}

func (s *sqliteHelper) close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *sqliteHelper) getCreateTableQuery() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		model TEXT NOT NULL,
		n_samples INTEGER NOT NULL,
		batch_size INTEGER NOT NULL,
		seq_len INTEGER NOT NULL,
		output BLOB NOT NULL
	)`, s.tableName)
}

func (s *sqliteHelper) getInsertQuery() string {
	return fmt.Sprintf(`INSERT INTO  %s (id, model, n_samples, batch_size, seq_len, output)
        VALUES (?, ?, ?, ?, ?, ?)`, s.tableName)
}
