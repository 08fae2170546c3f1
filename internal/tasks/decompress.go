package tasks

import (
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cbmeeks/machine/internal/services"
)

// Decompressor expands downloaded files into workdir.
type Decompressor interface {
	Decompress(inputs []string, workdir string) ([]string, error)
}

var decompressors = map[string]func() Decompressor{
	"":     func() Decompressor { return Passthrough{} },
	"zip":  func() Decompressor { return ZipDecompressor{} },
	"gzip": func() Decompressor { return GzipDecompressor{} },
}

// DecompressorFor selects the Decompress variant for a "compression" tag. An
// absent tag means the inputs are used as they are.
func DecompressorFor(kind string) (Decompressor, error) {
	build, ok := decompressors[strings.ToLower(strings.TrimSpace(kind))]
	if !ok {
		return nil, services.Wrap(services.ErrUnsupportedKind, "", "select decompressor", fmt.Sprintf("compression %q", kind), nil)
	}
	return build(), nil
}

// Passthrough returns its inputs unchanged.
type Passthrough struct{}

// Decompress implements Decompressor.
func (Passthrough) Decompress(inputs []string, _ string) ([]string, error) {
	return append([]string(nil), inputs...), nil
}

// ZipDecompressor extracts every regular member of each archive.
type ZipDecompressor struct{}

// Decompress implements Decompressor.
func (ZipDecompressor) Decompress(inputs []string, workdir string) ([]string, error) {
	dest := filepath.Join(workdir, "unzipped")
	var outputs []string
	for _, input := range inputs {
		extracted, err := extractZip(input, dest, func(string) bool { return true })
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, extracted...)
	}
	return outputs, nil
}

// extractZip writes the members accepted by keep under dest, refusing any
// member whose path would escape dest.
func extractZip(archive, dest string, keep func(name string) bool) ([]string, error) {
	reader, err := zip.OpenReader(archive)
	if err != nil {
		return nil, services.Wrap(services.ErrUnsupportedKind, "", "unzip", filepath.Base(archive), err)
	}
	defer reader.Close()

	root, err := filepath.Abs(dest)
	if err != nil {
		return nil, err
	}
	var outputs []string
	for _, member := range reader.File {
		if !member.Mode().IsRegular() || isArchiveMetadata(member.Name) || !keep(member.Name) {
			continue
		}
		target := filepath.Join(root, filepath.FromSlash(member.Name))
		if !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return nil, services.Wrap(services.ErrUnsupportedKind, "", "unzip", fmt.Sprintf("member %q escapes the workspace", member.Name), nil)
		}
		if err := writeMember(member, target); err != nil {
			return nil, err
		}
		outputs = append(outputs, target)
	}
	return outputs, nil
}

// isArchiveMetadata reports whether name is a macOS resource fork or lives
// under the __MACOSX folder Finder adds to archives.
func isArchiveMetadata(name string) bool {
	name = filepath.ToSlash(name)
	if strings.HasPrefix(path.Base(name), "._") {
		return true
	}
	for _, part := range strings.Split(name, "/") {
		if part == "__MACOSX" {
			return true
		}
	}
	return false
}

func writeMember(member *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(target), err)
	}
	src, err := member.Open()
	if err != nil {
		return services.Wrap(services.ErrUnsupportedKind, "", "unzip", member.Name, err)
	}
	defer src.Close()
	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		return services.Wrap(services.ErrUnsupportedKind, "", "unzip", member.Name, err)
	}
	return out.Close()
}

// GzipDecompressor inflates single-member gzip files.
type GzipDecompressor struct{}

// Decompress implements Decompressor.
func (GzipDecompressor) Decompress(inputs []string, workdir string) ([]string, error) {
	outputs := make([]string, 0, len(inputs))
	for _, input := range inputs {
		out, err := gunzip(input, workdir)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

func gunzip(input, workdir string) (string, error) {
	f, err := os.Open(input)
	if err != nil {
		return "", err
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return "", services.Wrap(services.ErrUnsupportedKind, "", "gunzip", filepath.Base(input), err)
	}
	defer zr.Close()

	name := zr.Name
	if name == "" || filepath.Base(name) != name {
		name = strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	}
	dir := filepath.Join(workdir, "gunzipped")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	target := filepath.Join(dir, name)
	out, err := os.Create(target)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, zr); err != nil {
		_ = out.Close()
		return "", services.Wrap(services.ErrUnsupportedKind, "", "gunzip", filepath.Base(input), err)
	}
	return target, out.Close()
}

func renameReplacing(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("move %s: %w", filepath.Base(src), err)
	}
	return nil
}
