package testsupport

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jonas-p/go-shp"
)

// Fixture field names shared by WriteGeoJSON and WriteShapefile.
var FixtureFields = []string{"NUMBER", "STREET", "CITY"}

func mkdirFor(t testing.TB, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
}

// WriteGeoJSON writes a FeatureCollection of n address points. Properties are
// emitted in FixtureFields order and NUMBER is a JSON number.
func WriteGeoJSON(t testing.TB, path string, n int) {
	t.Helper()
	mkdirFor(t, path)

	features := make([]json.RawMessage, 0, n)
	for i := range n {
		feature := fmt.Sprintf(`{"type":"Feature","properties":{"NUMBER":%d,"STREET":"Main St","CITY":"Oakland"},"geometry":{"type":"Point","coordinates":[%d.5,37.25]}}`, 100+i, -122+i)
		features = append(features, json.RawMessage(feature))
	}
	doc := map[string]any{"type": "FeatureCollection", "features": features}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal geojson: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// WriteShapefile writes a point shapefile (.shp, .shx, .dbf) of n records at
// path. NUMBER is a numeric field so typed attributes can be asserted.
func WriteShapefile(t testing.TB, path string, n int) {
	t.Helper()
	mkdirFor(t, path)

	writer, err := shp.Create(path, shp.POINT)
	if err != nil {
		t.Fatalf("create shapefile: %v", err)
	}
	fields := []shp.Field{
		shp.NumberField(FixtureFields[0], 8),
		shp.StringField(FixtureFields[1], 24),
		shp.StringField(FixtureFields[2], 24),
	}
	if err := writer.SetFields(fields); err != nil {
		t.Fatalf("set shapefile fields: %v", err)
	}
	for i := range n {
		row := int(writer.Write(&shp.Point{X: float64(-122 + i), Y: 37.25}))
		for idx, value := range []any{100 + i, "Main St", "Oakland"} {
			if err := writer.WriteAttribute(row, idx, value); err != nil {
				t.Fatalf("write attribute %d of row %d: %v", idx, row, err)
			}
		}
	}
	writer.Close()

	// go-shp's writer names the attribute table "<base>dbf" without the dot.
	base := strings.TrimSuffix(path, filepath.Ext(path))
	if err := os.Rename(base+"dbf", base+".dbf"); err != nil {
		t.Fatalf("rename dbf: %v", err)
	}
}

// ZipFiles writes an archive at zipPath holding each source file under the
// member name it maps to.
func ZipFiles(t testing.TB, zipPath string, members map[string]string) {
	t.Helper()
	mkdirFor(t, zipPath)

	out, err := os.Create(zipPath)
	if err != nil {
		t.Fatalf("create %s: %v", zipPath, err)
	}
	defer out.Close()
	zw := zip.NewWriter(out)
	for name, src := range members {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip member %s: %v", name, err)
		}
		in, err := os.Open(src)
		if err != nil {
			t.Fatalf("open %s: %v", src, err)
		}
		if _, err := io.Copy(w, in); err != nil {
			in.Close()
			t.Fatalf("copy %s: %v", src, err)
		}
		in.Close()
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
}

// ShapefileMembers maps archive member names to the three files written by
// WriteShapefile for base (a path without extension).
func ShapefileMembers(base, memberBase string) map[string]string {
	return map[string]string{
		memberBase + ".shp": base + ".shp",
		memberBase + ".shx": base + ".shx",
		memberBase + ".dbf": base + ".dbf",
	}
}
