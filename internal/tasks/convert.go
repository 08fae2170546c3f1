package tasks

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cbmeeks/machine/internal/services"
)

// Coordinate columns appended to every converted row.
const (
	ColumnX = "X"
	ColumnY = "Y"
)

// ConvertToCSV returns a CSV for the first recognized input. A CSV input is
// returned untouched; a GeoJSON or shapefile input is converted under
// workdir. Sidecars, unrecognized files and archive metadata members are
// skipped. When every candidate fails the first failure is returned.
func ConvertToCSV(inputs []string, workdir string) (string, error) {
	dir := filepath.Join(workdir, "converted")
	var firstErr error
	for _, input := range inputs {
		if isArchiveMetadata(input) {
			continue
		}
		ext := strings.ToLower(filepath.Ext(input))
		if ext == ".csv" {
			return input, nil
		}
		if _, ok := layerOpeners[ext]; !ok {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
		base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
		out := filepath.Join(dir, base+".csv")
		err := convertLayer(input, out)
		if err == nil {
			return out, nil
		}
		_ = os.Remove(out)
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return "", firstErr
	}
	return "", services.Wrap(services.ErrUnsupportedKind, "", "convert", fmt.Sprintf("no convertible input among %d files", len(inputs)), nil)
}

func convertLayer(input, output string) error {
	src, err := openLayer(input)
	if err != nil {
		return err
	}
	defer src.Close()

	file, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create %s: %w", output, err)
	}
	writer := csv.NewWriter(file)

	header := append(append([]string(nil), src.Fields()...), ColumnX, ColumnY)
	if err := writer.Write(header); err != nil {
		_ = file.Close()
		return err
	}
	for {
		f, ok := src.Next()
		if !ok {
			break
		}
		row := make([]string, len(f.values)+2)
		for idx, value := range f.values {
			row[idx] = formatCell(value)
		}
		if f.hasXY {
			row[len(row)-2] = strconv.FormatFloat(f.x, 'f', -1, 64)
			row[len(row)-1] = strconv.FormatFloat(f.y, 'f', -1, 64)
		}
		if err := writer.Write(row); err != nil {
			_ = file.Close()
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}
