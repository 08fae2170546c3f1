package tasks

import (
	"mime"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// SampleFile reads the first layer of a GeoJSON or shapefile data source and
// returns its field names followed by up to limit rows of typed attribute
// values.
func SampleFile(dataPath string, limit int) ([][]any, error) {
	src, err := openLayer(dataPath)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	fields := src.Fields()
	header := make([]any, len(fields))
	for idx, name := range fields {
		header[idx] = name
	}
	rows := [][]any{header}
	for len(rows) <= limit {
		f, ok := src.Next()
		if !ok {
			break
		}
		rows = append(rows, f.values)
	}
	return rows, nil
}

// KindFromResponse infers a payload extension from the response URL, falling
// back to the declared content type. It returns "" when neither helps.
func KindFromResponse(rawURL, contentType string) string {
	if u, err := url.Parse(rawURL); err == nil {
		if ext := strings.ToLower(path.Ext(u.Path)); ext != "" {
			return ext
		}
	}
	if contentType == "" {
		return ""
	}
	if _, _, err := mime.ParseMediaType(contentType); err != nil {
		return ""
	}
	return extensionForType(contentType)
}

// shapefileMembers are the archive members needed to reopen a shapefile.
var shapefileMembers = map[string]bool{".shp": true, ".shx": true, ".dbf": true}

// ExtractShapefile pulls the .shp, .shx and .dbf members of archive into
// workdir as cache.<ext> and returns the path of cache.shp. ok is false when
// the archive holds no .shp member.
func ExtractShapefile(archive, workdir string) (shpPath string, ok bool, err error) {
	staging := filepath.Join(workdir, "members")
	extracted, err := extractZip(archive, staging, func(name string) bool {
		return shapefileMembers[strings.ToLower(path.Ext(name))]
	})
	if err != nil {
		return "", false, err
	}
	for _, member := range extracted {
		ext := strings.ToLower(filepath.Ext(member))
		target := filepath.Join(workdir, "cache"+ext)
		if err := renameReplacing(member, target); err != nil {
			return "", false, err
		}
		if ext == ".shp" {
			shpPath, ok = target, true
		}
	}
	return shpPath, ok, nil
}
