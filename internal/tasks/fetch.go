package tasks

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/cbmeeks/machine/internal/fileutil"
	"github.com/cbmeeks/machine/internal/services"
)

// URLFetcher is the generic fetch used for already-published artifacts. It
// understands http, https and file URLs regardless of the source type.
type URLFetcher struct {
	HTTP *HTTPDownloader
}

// NewURLFetcher returns a fetcher backed by the default HTTP client.
func NewURLFetcher() *URLFetcher {
	return &URLFetcher{HTTP: NewHTTPDownloader(nil)}
}

// Download implements Downloader.
func (f *URLFetcher) Download(ctx context.Context, urls []string, workdir string) ([]string, error) {
	paths := make([]string, 0, len(urls))
	for idx, raw := range urls {
		resp, err := f.fetchInto(ctx, raw, workdir, idx)
		if err != nil {
			return nil, err
		}
		paths = append(paths, resp.Path)
	}
	return paths, nil
}

// Fetch retrieves one URL into workdir, keeping the response URL and content
// type so callers can sniff the payload kind.
func (f *URLFetcher) Fetch(ctx context.Context, raw, workdir string) (Response, error) {
	return f.fetchInto(ctx, raw, workdir, 0)
}

func (f *URLFetcher) fetchInto(ctx context.Context, raw, workdir string, idx int) (Response, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Response{}, services.Wrap(services.ErrConfiguration, "", "fetch", raw, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		name := localName(u, "", idx)
		return f.HTTP.Fetch(ctx, raw, uniquePath(workdir, name, idx))
	case "file", "":
		src := u.Path
		if u.Scheme == "" {
			src = raw
		}
		dest := uniquePath(workdir, filepath.Base(src), idx)
		if err := fileutil.CopyFile(src, dest); err != nil {
			return Response{}, services.Wrap(services.ErrTransient, "", "fetch", src, err)
		}
		return Response{Path: dest, URL: raw}, nil
	default:
		return Response{}, services.Wrap(services.ErrUnsupportedKind, "", "fetch", fmt.Sprintf("scheme %q", u.Scheme), nil)
	}
}
