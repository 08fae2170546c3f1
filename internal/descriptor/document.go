package descriptor

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"

	"github.com/cbmeeks/machine/internal/fileutil"
)

// Document is the side-channel document exchanged with a worker.
type Document map[string]any

// Staged records an artifact uploaded under a staging key that the executor
// must promote to Key.
type Staged struct {
	StagingKey  string `json:"staging_key"`
	Key         string `json:"key"`
	ContentType string `json:"content_type,omitempty"`
}

// Seed merges extras over a copy of src.
func Seed(src Source, extras map[string]any) Document {
	doc := make(Document, len(src)+len(extras))
	maps.Copy(doc, src)
	maps.Copy(doc, extras)
	return doc
}

// Path returns the fixed document location inside a workspace.
func Path(workspace, descriptorPath string) string {
	return filepath.Join(workspace, "source", filepath.Base(descriptorPath))
}

// Read loads a document written by Write.
func Read(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	values, err := decodeObject(data)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return Document(values), nil
}

// Write replaces the document at path atomically.
func Write(path string, doc Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	if err := fileutil.WriteFileAtomic(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	return nil
}

// String returns the string value of field, or "" when absent or not a string.
func (d Document) String(field string) string {
	if s, ok := d[field].(string); ok {
		return s
	}
	return ""
}

// URLs normalizes field as a scalar-or-list of URLs.
func (d Document) URLs(field string) ([]string, error) {
	urls, err := URLs(d[field])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return urls, nil
}

// Staged returns the staged artifact record, if the worker left one.
func (d Document) Staged() (Staged, bool) {
	raw, ok := d[FieldStaged]
	if !ok || raw == nil {
		return Staged{}, false
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return Staged{}, false
	}
	var staged Staged
	if err := json.Unmarshal(data, &staged); err != nil {
		return Staged{}, false
	}
	if staged.StagingKey == "" || staged.Key == "" {
		return Staged{}, false
	}
	return staged, true
}

// SetStaged records a staged artifact.
func (d Document) SetStaged(staged Staged) {
	d[FieldStaged] = map[string]any{
		"staging_key":  staged.StagingKey,
		"key":          staged.Key,
		"content_type": staged.ContentType,
	}
}

// SampleRows returns sample_data as rows of typed cells. Numbers read from
// disk stay json.Number. A null or absent sample yields nil.
func (d Document) SampleRows() [][]any {
	switch raw := d[FieldSampleData].(type) {
	case [][]any:
		return raw
	case []any:
		rows := make([][]any, 0, len(raw))
		for _, item := range raw {
			if cells, ok := item.([]any); ok {
				rows = append(rows, cells)
			}
		}
		return rows
	default:
		return nil
	}
}
