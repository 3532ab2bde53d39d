package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"fencesync/internal/fence"

	"gopkg.in/yaml.v3"
)

// LoadFenceFile reads fence documents from a YAML or JSON file.
// Params: path to a file holding one document or a list of documents.
// Returns: validated JSON documents in file order.
func LoadFenceFile(path string) ([][]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fence file: %w", err)
	}
	return ParseFenceDocuments(raw)
}

// ParseFenceDocuments converts YAML/JSON fence definitions into persisted JSON documents.
func ParseFenceDocuments(raw []byte) ([][]byte, error) {
	var root any
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("parse fence file: %w", err)
	}
	var items []any
	switch v := root.(type) {
	case []any:
		items = v
	case map[string]any:
		items = []any{v}
	case nil:
		return nil, errors.New("fence file is empty")
	default:
		return nil, fmt.Errorf("fence file must hold a mapping or a list, got %T", root)
	}

	docs := make([][]byte, 0, len(items))
	for i, item := range items {
		body, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("fence[%d]: %w", i, err)
		}
		record, err := fence.Decode(body)
		if err != nil {
			return nil, fmt.Errorf("fence[%d]: %w", i, err)
		}
		if err := record.Validate(); err != nil {
			return nil, fmt.Errorf("fence[%d] %q: %w", i, record.ID, err)
		}
		normalized, err := fence.Encode(record)
		if err != nil {
			return nil, fmt.Errorf("fence[%d]: %w", i, err)
		}
		docs = append(docs, normalized)
	}
	return docs, nil
}
