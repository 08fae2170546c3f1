package tasks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	"github.com/cbmeeks/machine/internal/fileutil"
	"github.com/cbmeeks/machine/internal/services"
)

// feature is one record of a layer: typed attribute values aligned with the
// layer's fields plus a representative point. Values are nil, string, bool,
// int64, float64, or a decoded JSON composite.
type feature struct {
	values []any
	x, y   float64
	hasXY  bool
}

// layer iterates the first layer of a geospatial data source.
type layer interface {
	Fields() []string
	Next() (feature, bool)
	Close() error
}

var layerOpeners = map[string]func(path string) (layer, error){
	".json":    openGeoJSON,
	".geojson": openGeoJSON,
	".shp":     openShapefile,
}

func openLayer(path string) (layer, error) {
	open, ok := layerOpeners[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return nil, services.Wrap(services.ErrUnsupportedKind, "", "open layer", filepath.Base(path), nil)
	}
	return open(path)
}

type geojsonLayer struct {
	fields   []string
	features []*geojson.Feature
	next     int
}

func openGeoJSON(path string) (layer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, services.Wrap(services.ErrUnsupportedKind, "", "parse geojson", filepath.Base(path), err)
	}
	fields, err := propertyOrder(data)
	if err != nil {
		return nil, services.Wrap(services.ErrUnsupportedKind, "", "parse geojson", filepath.Base(path), err)
	}
	return &geojsonLayer{fields: fields, features: fc.Features}, nil
}

func (l *geojsonLayer) Fields() []string { return l.fields }

func (l *geojsonLayer) Next() (feature, bool) {
	if l.next >= len(l.features) {
		return feature{}, false
	}
	f := l.features[l.next]
	l.next++

	out := feature{values: make([]any, len(l.fields))}
	for idx, name := range l.fields {
		out.values[idx] = f.Properties[name]
	}
	if f.Geometry != nil {
		var centroid orb.Point
		if point, ok := f.Geometry.(orb.Point); ok {
			centroid = point
		} else {
			centroid, _ = planar.CentroidArea(f.Geometry)
		}
		out.x, out.y, out.hasXY = centroid.X(), centroid.Y(), true
	}
	return out, true
}

func (l *geojsonLayer) Close() error { return nil }

// propertyOrder lists property names in the order they first appear in the
// document. geojson.Properties is a map and loses that order.
func propertyOrder(data []byte) ([]string, error) {
	var raw struct {
		Features []struct {
			Properties json.RawMessage `json:"properties"`
		} `json:"features"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	var order []string
	for _, f := range raw.Features {
		keys, err := objectKeys(f.Properties)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			order = append(order, key)
		}
	}
	return order, nil
}

func objectKeys(raw json.RawMessage) ([]string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("properties must be an object")
	}
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := tok.(string)
		keys = append(keys, key)
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// formatCell renders a typed attribute value as a CSV cell.
func formatCell(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}

// shapefileSidecars are the members go-shp reads next to a .shp. It derives
// their names by swapping a lowercase extension onto the .shp path.
var shapefileSidecars = map[string]bool{".shp": true, ".shx": true, ".dbf": true}

type shapefileLayer struct {
	reader *shp.Reader
	defs   []shp.Field
	fields []string
}

func openShapefile(path string) (layer, error) {
	name := filepath.Base(path)
	shpPath, err := lowercaseSidecars(path)
	if err != nil {
		return nil, services.Wrap(services.ErrUnsupportedKind, "", "open shapefile", name, err)
	}
	dbfPath := strings.TrimSuffix(shpPath, ".shp") + ".dbf"
	if _, err := os.Stat(dbfPath); err != nil {
		return nil, services.Wrap(services.ErrUnsupportedKind, "", "open shapefile", name+" has no attribute table", err)
	}
	reader, err := shp.Open(shpPath)
	if err != nil {
		return nil, services.Wrap(services.ErrUnsupportedKind, "", "open shapefile", name, err)
	}
	defs := reader.Fields()
	if len(defs) == 0 {
		reader.Close()
		return nil, services.Wrap(services.ErrUnsupportedKind, "", "open shapefile", name+" attribute table is unreadable", nil)
	}
	fields := make([]string, len(defs))
	for idx, def := range defs {
		fields[idx] = strings.TrimSpace(def.String())
	}
	return &shapefileLayer{reader: reader, defs: defs, fields: fields}, nil
}

// lowercaseSidecars links members whose extension is not lowercase (ADDR.SHP,
// ADDR.DBF) to lowercase names beside them and returns the .shp path go-shp
// can open.
func lowercaseSidecars(path string) (string, error) {
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		member := entry.Name()
		ext := filepath.Ext(member)
		lower := strings.ToLower(ext)
		if entry.IsDir() || ext == lower || !shapefileSidecars[lower] {
			continue
		}
		if !strings.EqualFold(strings.TrimSuffix(member, ext), base) {
			continue
		}
		target := filepath.Join(dir, base+lower)
		if _, err := os.Stat(target); err == nil {
			continue
		}
		if err := os.Link(filepath.Join(dir, member), target); err != nil {
			if err := fileutil.CopyFile(filepath.Join(dir, member), target); err != nil {
				return "", err
			}
		}
	}
	return filepath.Join(dir, base+".shp"), nil
}

func (l *shapefileLayer) Fields() []string { return l.fields }

func (l *shapefileLayer) Next() (feature, bool) {
	if !l.reader.Next() {
		return feature{}, false
	}
	n, shape := l.reader.Shape()
	out := feature{values: make([]any, len(l.fields))}
	for idx, def := range l.defs {
		out.values[idx] = dbfValue(l.reader.ReadAttribute(n, idx), def)
	}
	if shape != nil {
		if _, null := shape.(*shp.Null); !null {
			box := shape.BBox()
			out.x, out.y, out.hasXY = (box.MinX+box.MaxX)/2, (box.MinY+box.MaxY)/2, true
		}
	}
	return out, true
}

func (l *shapefileLayer) Close() error {
	l.reader.Close()
	return nil
}

// dbfValue types a raw DBF cell by its field type. Cells are padded with
// spaces or NUL bytes; blank numeric, logical and date cells are null.
func dbfValue(raw string, def shp.Field) any {
	value := strings.Trim(raw, " \x00")
	switch def.Fieldtype {
	case 'C':
		return value
	case 'N', 'F':
		if value == "" {
			return nil
		}
		if def.Precision == 0 {
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				return n
			}
		}
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	case 'L':
		switch value {
		case "T", "t", "Y", "y":
			return true
		case "F", "f", "N", "n":
			return false
		default:
			return nil
		}
	}
	if value == "" {
		return nil
	}
	return value
}
