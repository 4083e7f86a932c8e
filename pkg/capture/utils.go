package capture

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// validateFileNotExist checks if an output store file already exists at the given path
// Returns an error if the file exists or if there's an issue checking the file
func validateFileNotExist(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("output file already exists: %s", path)
	} else if !os.IsNotExist(err) {
		// Some other error occurred (permissions, etc.)
		return fmt.Errorf("error checking output file: %w", err)
	}
	return nil
}

// parseRecordsJSON parses the given json to an array of capture records
func parseRecordsJSON(data []byte) ([]Record, error) {
	var records []Record

	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("unmarshal: %v", err)
	}

	return records, nil
}

// loadLocalFile loads file
func loadLocalFile(fullPath string) ([]byte, error) {
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("failed to read file %s", fullPath))
	}
	return data, nil
}
