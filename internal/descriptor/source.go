package descriptor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cbmeeks/machine/internal/services"
)

// Descriptor and document field names.
const (
	FieldData        = "data"
	FieldType        = "type"
	FieldCompression = "compression"
	FieldCoverage    = "coverage"
	FieldCache       = "cache"
	FieldFingerprint = "fingerprint"
	FieldVersion     = "version"
	FieldProcessed   = "processed"
	FieldSample      = "sample"
	FieldSampleData  = "sample_data"
	FieldStaged      = "staged"
)

// Source is a parsed Source Descriptor. The core never writes it back.
type Source map[string]any

// Load reads the descriptor at path. A missing file, unreadable file, or
// anything other than a JSON object fails with services.ErrInvalidDescriptor.
func Load(path string) (Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, services.Wrap(services.ErrInvalidDescriptor, "", "load descriptor", fmt.Sprintf("descriptor %s does not exist", path), err)
		}
		return nil, services.Wrap(services.ErrInvalidDescriptor, "", "load descriptor", "read descriptor", err)
	}
	values, err := decodeObject(data)
	if err != nil {
		return nil, services.Wrap(services.ErrInvalidDescriptor, "", "load descriptor", fmt.Sprintf("parse %s", filepath.Base(path)), err)
	}
	return Source(values), nil
}

// Name returns the source name for a descriptor path: its basename without extension.
func Name(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Discover expands each argument into descriptor paths. Directories contribute
// their *.json files in lexical order; files are returned as given.
func Discover(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, services.Wrap(services.ErrInvalidDescriptor, "", "discover descriptors", arg, err)
		}
		if !info.IsDir() {
			paths = append(paths, arg)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(arg, "*.json"))
		if err != nil {
			return nil, fmt.Errorf("glob %s: %w", arg, err)
		}
		sort.Strings(matches)
		paths = append(paths, matches...)
	}
	return paths, nil
}

func decodeObject(data []byte) (map[string]any, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}
	if decoder.More() {
		return nil, errors.New("trailing data after JSON object")
	}
	object, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected a JSON object, got %T", value)
	}
	return object, nil
}

// URLs normalizes a scalar-or-list field value into a list of strings. A
// missing value yields an empty list.
func URLs(value any) ([]string, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		return []string{v}, nil
	case []string:
		return append([]string(nil), v...), nil
	case []any:
		out := make([]string, 0, len(v))
		for idx, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("entry %d is %T, not a string", idx, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a string or list of strings, got %T", value)
	}
}
