package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/cbmeeks/machine/internal/artifact"
	"github.com/cbmeeks/machine/internal/descriptor"
	"github.com/cbmeeks/machine/internal/logging"
	"github.com/cbmeeks/machine/internal/services"
	"github.com/cbmeeks/machine/internal/tasks"
)

// SampleContentType is the content type excerpt samples are published with.
const SampleContentType = "text/json"

type job struct {
	worker  *Worker
	req     Request
	source  string
	doc     descriptor.Document
	scratch string
	version string
	logger  *slog.Logger
}

func (j *job) dir(name string) (string, error) {
	dir := filepath.Join(j.scratch, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", name, err)
	}
	return dir, nil
}

// cache downloads every data URL and publishes the first file.
func (j *job) cache(ctx context.Context) error {
	urls, err := j.doc.URLs(descriptor.FieldData)
	if err != nil {
		return services.Wrap(services.ErrInvalidDescriptor, j.req.Stage, "read data", "", err)
	}
	if len(urls) == 0 {
		return services.Wrap(services.ErrInvalidDescriptor, j.req.Stage, "read data", "descriptor has no data URLs", nil)
	}
	downloader, err := tasks.DownloaderFor(j.doc.String(descriptor.FieldType))
	if err != nil {
		return err
	}
	dir, err := j.dir("download")
	if err != nil {
		return err
	}
	paths, err := downloader.Download(ctx, urls, dir)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return services.Wrap(services.ErrTransient, j.req.Stage, "download", "no files downloaded", nil)
	}
	if len(paths) > 1 {
		j.logger.Debug("publishing first download only",
			logging.Int("downloaded", len(paths)),
			logging.String("published", filepath.Base(paths[0])),
		)
	}

	key := artifact.CacheKey(j.version, filepath.Base(paths[0]))
	staged, err := j.stage(ctx, key, paths[0], contentTypeFor(paths[0]))
	if err != nil {
		return err
	}
	j.doc[descriptor.FieldCache] = j.worker.store.URL(key)
	j.doc[descriptor.FieldFingerprint] = staged.Fingerprint
	j.doc[descriptor.FieldVersion] = j.version
	return nil
}

// conform fetches the cached download, decompresses and converts it, and
// publishes the first CSV.
func (j *job) conform(ctx context.Context) error {
	urls, err := j.doc.URLs(descriptor.FieldCache)
	if err != nil || len(urls) == 0 {
		return services.Wrap(services.ErrConfiguration, j.req.Stage, "read cache", "document has no cache URL", err)
	}
	decompressor, err := tasks.DecompressorFor(j.doc.String(descriptor.FieldCompression))
	if err != nil {
		return err
	}
	dir, err := j.dir("fetch")
	if err != nil {
		return err
	}
	fetched, err := j.worker.fetcher.Download(ctx, urls, dir)
	if err != nil {
		return err
	}
	expanded, err := decompressor.Decompress(fetched, j.scratch)
	if err != nil {
		return err
	}
	csvPath, err := tasks.ConvertToCSV(expanded, j.scratch)
	if err != nil {
		return err
	}

	key := artifact.ConformKey(j.version, j.source)
	if _, err := j.stage(ctx, key, csvPath, "text/csv"); err != nil {
		return err
	}
	j.doc[descriptor.FieldProcessed] = j.worker.store.URL(key)
	return nil
}

// excerpt samples the first layer of the cached download and publishes the
// rows as JSON. A cache that is neither a zipped shapefile nor GeoJSON still
// succeeds, with a null sample.
func (j *job) excerpt(ctx context.Context) error {
	urls, err := j.doc.URLs(descriptor.FieldCache)
	if err != nil || len(urls) == 0 {
		return services.Wrap(services.ErrConfiguration, j.req.Stage, "read cache", "document has no cache URL", err)
	}
	dir, err := j.dir("fetch")
	if err != nil {
		return err
	}
	resp, err := j.worker.fetcher.Fetch(ctx, urls[0], dir)
	if err != nil {
		return err
	}

	dataPath, err := j.dataSource(resp)
	if err != nil {
		return err
	}
	var rows [][]any
	if dataPath != "" {
		limit := j.req.SampleRows
		if limit <= 0 {
			limit = DefaultSampleRows
		}
		rows, err = tasks.SampleFile(dataPath, limit)
		if err != nil {
			return err
		}
	} else {
		j.logger.Info("cache has no sampleable data source",
			logging.String("url", resp.URL),
			logging.String("content_type", resp.ContentType),
		)
	}

	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sample: %w", err)
	}
	samplePath := filepath.Join(j.scratch, "sample.json")
	if err := os.WriteFile(samplePath, data, 0o644); err != nil {
		return fmt.Errorf("write sample: %w", err)
	}

	key := artifact.SampleKey(j.version, j.source)
	if _, err := j.stage(ctx, key, samplePath, SampleContentType); err != nil {
		return err
	}
	j.doc[descriptor.FieldSample] = j.worker.store.URL(key)
	if rows == nil {
		j.doc[descriptor.FieldSampleData] = nil
	} else {
		j.doc[descriptor.FieldSampleData] = rows
	}
	return nil
}

// dataSource prepares the fetched cache for sampling and returns the path to
// open, or "" when the payload kind has no reader.
func (j *job) dataSource(resp tasks.Response) (string, error) {
	switch kind := tasks.KindFromResponse(resp.URL, resp.ContentType); kind {
	case ".zip":
		shpPath, ok, err := tasks.ExtractShapefile(resp.Path, j.scratch)
		if err != nil || !ok {
			return "", err
		}
		return shpPath, nil
	case ".json", ".geojson":
		target := filepath.Join(j.scratch, "cache"+kind)
		if err := os.Rename(resp.Path, target); err != nil {
			return "", fmt.Errorf("prepare %s: %w", filepath.Base(target), err)
		}
		return target, nil
	default:
		return "", nil
	}
}

// stage uploads localPath under the invocation's staging prefix and records
// the promotion target in the document.
func (j *job) stage(ctx context.Context, key, localPath, contentType string) (artifact.Artifact, error) {
	stagingKey := artifact.StagingKey(j.req.RunID, key)
	uploaded, err := j.worker.store.Put(ctx, stagingKey, localPath, contentType)
	if err != nil {
		return artifact.Artifact{}, services.Wrap(services.ErrUpload, j.req.Stage, "upload", key, err)
	}
	j.doc.SetStaged(descriptor.Staged{
		StagingKey:  stagingKey,
		Key:         key,
		ContentType: contentType,
	})
	j.logger.Info("artifact staged",
		logging.String("key", key),
		logging.String("staging_key", stagingKey),
		logging.String("fingerprint", uploaded.Fingerprint),
	)
	return uploaded, nil
}

func contentTypeFor(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json", ".geojson":
		return "application/json"
	case ".zip":
		return "application/zip"
	case ".csv":
		return "text/csv"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
