package tasks

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cbmeeks/machine/internal/fileutil"
	"github.com/cbmeeks/machine/internal/services"
)

// UserAgent identifies machine to upstream hosts.
const UserAgent = "machine/1.0 (+https://openaddresses.io)"

// Downloader fetches every URL into workdir and returns the local paths in
// input order.
type Downloader interface {
	Download(ctx context.Context, urls []string, workdir string) ([]string, error)
}

var downloaders = map[string]func() Downloader{
	"http":  func() Downloader { return NewHTTPDownloader(nil) },
	"https": func() Downloader { return NewHTTPDownloader(nil) },
	"file":  func() Downloader { return FileDownloader{} },
}

// DownloaderFor selects the Download variant for a descriptor "type" tag.
func DownloaderFor(kind string) (Downloader, error) {
	build, ok := downloaders[strings.ToLower(strings.TrimSpace(kind))]
	if !ok {
		return nil, services.Wrap(services.ErrUnsupportedKind, "", "select downloader", fmt.Sprintf("source type %q", kind), nil)
	}
	return build(), nil
}

// HTTPDownloader fetches http and https URLs.
type HTTPDownloader struct {
	client *http.Client
}

// NewHTTPDownloader returns a downloader using client, or http.DefaultClient.
// Requests carry no timeout of their own; the stage deadline bounds them.
func NewHTTPDownloader(client *http.Client) *HTTPDownloader {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPDownloader{client: client}
}

// Download implements Downloader.
func (d *HTTPDownloader) Download(ctx context.Context, urls []string, workdir string) ([]string, error) {
	paths := make([]string, 0, len(urls))
	for idx, rawURL := range urls {
		resp, err := d.get(ctx, rawURL)
		if err != nil {
			return nil, err
		}
		name := localName(resp.Request.URL, resp.Header.Get("Content-Type"), idx)
		dest, err := saveBody(resp, uniquePath(workdir, name, idx))
		if err != nil {
			return nil, err
		}
		paths = append(paths, dest)
	}
	return paths, nil
}

func (d *HTTPDownloader) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "", "download", rawURL, err)
	}
	req.Header.Set("User-Agent", UserAgent)
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "", "download", rawURL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, services.Wrap(services.ErrTransient, "", "download", fmt.Sprintf("%s returned %s", rawURL, resp.Status), nil)
	}
	return resp, nil
}

// Response is a fetched payload saved to disk.
type Response struct {
	Path        string
	URL         string
	ContentType string
}

// Fetch saves a single http(s) URL to dest and reports the final URL after
// redirects along with the declared content type.
func (d *HTTPDownloader) Fetch(ctx context.Context, rawURL, dest string) (Response, error) {
	resp, err := d.get(ctx, rawURL)
	if err != nil {
		return Response{}, err
	}
	final := resp.Request.URL.String()
	contentType := resp.Header.Get("Content-Type")
	saved, err := saveBody(resp, dest)
	if err != nil {
		return Response{}, err
	}
	return Response{Path: saved, URL: final, ContentType: contentType}, nil
}

func saveBody(resp *http.Response, dest string) (string, error) {
	defer resp.Body.Close()
	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = out.Close()
		return "", services.Wrap(services.ErrTransient, "", "download", "read body", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", dest, err)
	}
	return dest, nil
}

// FileDownloader copies local paths or file:// URLs into workdir.
type FileDownloader struct{}

// Download implements Downloader.
func (FileDownloader) Download(_ context.Context, urls []string, workdir string) ([]string, error) {
	paths := make([]string, 0, len(urls))
	for idx, raw := range urls {
		src, err := localPath(raw)
		if err != nil {
			return nil, err
		}
		dest := uniquePath(workdir, filepath.Base(src), idx)
		if err := fileutil.CopyFile(src, dest); err != nil {
			return nil, services.Wrap(services.ErrTransient, "", "copy source", src, err)
		}
		paths = append(paths, dest)
	}
	return paths, nil
}

func localPath(raw string) (string, error) {
	if !strings.Contains(raw, "://") {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", services.Wrap(services.ErrConfiguration, "", "copy source", raw, err)
	}
	if u.Scheme != "file" {
		return "", services.Wrap(services.ErrUnsupportedKind, "", "copy source", fmt.Sprintf("scheme %q", u.Scheme), nil)
	}
	return u.Path, nil
}

// localName picks a file name for a downloaded URL: the last path element,
// with an extension guessed from the content type when the path has none.
func localName(u *url.URL, contentType string, idx int) string {
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		name = "download-" + strconv.Itoa(idx)
	}
	if path.Ext(name) == "" {
		if ext := extensionForType(contentType); ext != "" {
			name += ext
		}
	}
	return name
}

// uniquePath keeps later downloads from overwriting earlier ones that share a basename.
func uniquePath(workdir, name string, idx int) string {
	dest := filepath.Join(workdir, name)
	if _, err := os.Stat(dest); err == nil {
		dest = filepath.Join(workdir, strconv.Itoa(idx)+"-"+name)
	}
	return dest
}

var knownTypes = map[string]string{
	"application/zip":              ".zip",
	"application/x-zip-compressed": ".zip",
	"application/json":             ".json",
	"application/geo+json":         ".json",
	"application/vnd.geo+json":     ".json",
	"text/json":                    ".json",
	"text/csv":                     ".csv",
	"application/gzip":             ".gz",
	"application/x-gzip":           ".gz",
}

func extensionForType(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	if ext, ok := knownTypes[mediaType]; ok {
		return ext
	}
	exts, err := mime.ExtensionsByType(mediaType)
	if err != nil || len(exts) == 0 {
		return ""
	}
	return exts[0]
}
