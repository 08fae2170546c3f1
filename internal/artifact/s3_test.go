package artifact_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cbmeeks/machine/internal/artifact"
	"github.com/cbmeeks/machine/internal/services"
)

const fakeETag = "9b2cf535f27731c974343645a3985328"

type fakeRequest struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
}

type fakeObject struct {
	contentType string
	md5         string
	size        int64
}

// fakeS3 answers the handful of S3 calls the store makes, including the
// multipart copy used for large promotions. Keys are recorded so tests can
// assert the wire-level key and header layout.
type fakeS3 struct {
	mu       sync.Mutex
	requests []fakeRequest
	objects  map[string]fakeObject
}

func newFakeS3(t *testing.T) (*fakeS3, *httptest.Server) {
	t.Helper()
	fake := &fakeS3{objects: map[string]fakeObject{}}
	server := httptest.NewServer(http.HandlerFunc(fake.serve))
	t.Cleanup(server.Close)
	return fake, server
}

func (f *fakeS3) serve(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, r.Body)
	query := r.URL.Query()
	f.mu.Lock()
	f.requests = append(f.requests, fakeRequest{Method: r.Method, Path: r.URL.Path, Query: query, Header: r.Header.Clone()})
	f.mu.Unlock()

	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	switch {
	case r.Method == http.MethodPost && query.Has("uploads"):
		fmt.Fprintf(w, `<InitiateMultipartUploadResult><Bucket>%s</Bucket><Key>%s</Key><UploadId>upload-1</UploadId></InitiateMultipartUploadResult>`, bucket, key)
	case r.Method == http.MethodPut && query.Has("partNumber"):
		fmt.Fprintf(w, `<CopyPartResult><LastModified>2026-01-01T00:00:00.000Z</LastModified><ETag>"%s"</ETag></CopyPartResult>`, fakeETag)
	case r.Method == http.MethodPost && query.Has("uploadId"):
		f.putObject(key, fakeObject{contentType: "application/octet-stream"})
		fmt.Fprintf(w, `<CompleteMultipartUploadResult><Location>%s</Location><Bucket>%s</Bucket><Key>%s</Key><ETag>"%s-12"</ETag></CompleteMultipartUploadResult>`, r.URL.Path, bucket, key, fakeETag)
	case r.Method == http.MethodPut && r.Header.Get("X-Amz-Copy-Source") != "":
		f.putObject(key, fakeObject{contentType: r.Header.Get("Content-Type"), md5: r.Header.Get("X-Amz-Meta-Machine-Md5")})
		w.Header().Set("ETag", `"`+fakeETag+`"`)
		fmt.Fprintf(w, `<CopyObjectResult><LastModified>2026-01-01T00:00:00.000Z</LastModified><ETag>"%s"</ETag></CopyObjectResult>`, fakeETag)
	case r.Method == http.MethodPut:
		f.putObject(key, fakeObject{contentType: r.Header.Get("Content-Type"), md5: r.Header.Get("X-Amz-Meta-Machine-Md5"), size: 4})
		w.Header().Set("ETag", `"`+fakeETag+`"`)
	case r.Method == http.MethodHead:
		obj, ok := f.object(key)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", obj.contentType)
		w.Header().Set("Content-Length", strconv.FormatInt(obj.size, 10))
		w.Header().Set("ETag", `"`+fakeETag+`"`)
		w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		if obj.md5 != "" {
			w.Header().Set("X-Amz-Meta-Machine-Md5", obj.md5)
		}
	case r.Method == http.MethodDelete:
		f.mu.Lock()
		delete(f.objects, key)
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodGet && query.Get("list-type") == "2":
		prefix := query.Get("prefix")
		var contents strings.Builder
		for _, k := range f.keys(prefix) {
			fmt.Fprintf(&contents, `<Contents><Key>%s</Key><Size>4</Size><ETag>"%s"</ETag><LastModified>2026-01-01T00:00:00.000Z</LastModified></Contents>`, k, fakeETag)
		}
		fmt.Fprintf(w, `<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/"><Name>%s</Name><Prefix>%s</Prefix><IsTruncated>false</IsTruncated>%s</ListBucketResult>`, bucket, prefix, contents.String())
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func (f *fakeS3) putObject(key string, obj fakeObject) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = obj
}

func (f *fakeS3) object(key string) (fakeObject, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[key]
	return obj, ok
}

func (f *fakeS3) keys(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}

func (f *fakeS3) find(method, path string) (fakeRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, req := range f.requests {
		if req.Method == method && req.Path == path {
			return req, true
		}
	}
	return fakeRequest{}, false
}

func (f *fakeS3) count(method, path, queryKey string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, req := range f.requests {
		if req.Method == method && req.Path == path && req.Query.Has(queryKey) {
			n++
		}
	}
	return n
}

func newTestS3Store(t *testing.T, server *httptest.Server) *artifact.S3Store {
	t.Helper()
	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	store, err := artifact.NewS3Store(
		artifact.WithEndpoint(u.Host),
		artifact.WithBucket("machine-test"),
		artifact.WithRegion("us-east-1"),
		artifact.WithAccessKey("access"),
		artifact.WithSecretKey("secret"),
		artifact.WithSSL(false),
	)
	if err != nil {
		t.Fatalf("NewS3Store: %v", err)
	}
	return store
}

func TestS3StorePutPublishesPublicReducedRedundancy(t *testing.T) {
	fake, server := newFakeS3(t)
	store := newTestS3Store(t, server)

	got, err := store.Put(context.Background(), "/20260101/parcels.zip", writeTemp(t, "data"), "application/zip")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if got.Fingerprint != md5Hex("data") {
		t.Fatalf("fingerprint should be the content MD5, got %q", got.Fingerprint)
	}
	if strings.Contains(got.URL, "?") {
		t.Fatalf("public URL must not carry a query string: %s", got.URL)
	}
	if !strings.HasSuffix(got.URL, "/machine-test//20260101/parcels.zip") {
		t.Fatalf("key should be used verbatim, got %s", got.URL)
	}

	req, ok := fake.find(http.MethodPut, "/machine-test//20260101/parcels.zip")
	if !ok {
		t.Fatalf("no PUT for the verbatim key; requests: %+v", fake.requests)
	}
	if req.Header.Get("X-Amz-Acl") != "public-read" {
		t.Fatalf("expected public-read ACL, got %q", req.Header.Get("X-Amz-Acl"))
	}
	if req.Header.Get("X-Amz-Storage-Class") != "REDUCED_REDUNDANCY" {
		t.Fatalf("expected reduced redundancy, got %q", req.Header.Get("X-Amz-Storage-Class"))
	}
	if req.Header.Get("Content-Type") != "application/zip" {
		t.Fatalf("unexpected content type %q", req.Header.Get("Content-Type"))
	}
	if req.Header.Get("X-Amz-Meta-Machine-Md5") != md5Hex("data") {
		t.Fatalf("content MD5 should be stored with the object, got %q", req.Header.Get("X-Amz-Meta-Machine-Md5"))
	}
}

func TestS3StorePromoteCopiesThenDeletes(t *testing.T) {
	fake, server := newFakeS3(t)
	store := newTestS3Store(t, server)
	ctx := context.Background()

	key := "/20260101/us-ca-alameda.csv"
	staging := artifact.StagingKey("run-1", key)
	if _, err := store.Put(ctx, staging, writeTemp(t, "X,Y\n"), "text/csv"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	promoted, err := store.Promote(ctx, staging, key)
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if promoted.Key != key || promoted.Fingerprint != md5Hex("X,Y\n") {
		t.Fatalf("unexpected promoted artifact %+v", promoted)
	}

	copyReq, ok := fake.find(http.MethodPut, "/machine-test//20260101/us-ca-alameda.csv")
	if !ok {
		t.Fatal("expected server-side copy to the final key")
	}
	if !strings.Contains(copyReq.Header.Get("X-Amz-Copy-Source"), "_staging/run-1/20260101/us-ca-alameda.csv") {
		t.Fatalf("unexpected copy source %q", copyReq.Header.Get("X-Amz-Copy-Source"))
	}
	if copyReq.Header.Get("X-Amz-Metadata-Directive") != "REPLACE" {
		t.Fatal("expected metadata replacement on copy")
	}
	if copyReq.Header.Get("X-Amz-Acl") != "public-read" {
		t.Fatal("ACL must survive promotion")
	}
	if copyReq.Header.Get("Content-Type") != "text/csv" {
		t.Fatalf("content type should carry over from the staged object, got %q", copyReq.Header.Get("Content-Type"))
	}
	if copyReq.Header.Get("X-Amz-Meta-Machine-Md5") != md5Hex("X,Y\n") {
		t.Fatal("content MD5 must survive promotion")
	}
	if _, ok := fake.find(http.MethodDelete, "/machine-test/_staging/run-1/20260101/us-ca-alameda.csv"); !ok {
		t.Fatal("expected staged object removal")
	}
}

func TestS3StorePromoteComposesLargeObjects(t *testing.T) {
	fake, server := newFakeS3(t)
	store := newTestS3Store(t, server)

	key := "/20260101/us-tx-statewide.zip"
	staging := artifact.StagingKey("run-2", key)
	sum := md5Hex("statewide")
	fake.putObject(staging, fakeObject{contentType: "application/zip", md5: sum, size: 6 << 30})

	promoted, err := store.Promote(context.Background(), staging, key)
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if promoted.Fingerprint != sum {
		t.Fatalf("fingerprint should be the recorded MD5, not the composite ETag, got %q", promoted.Fingerprint)
	}

	path := "/machine-test//20260101/us-tx-statewide.zip"
	initiate, ok := fake.find(http.MethodPost, path)
	if !ok || !initiate.Query.Has("uploads") {
		t.Fatal("expected a multipart copy for an object above the single-copy limit")
	}
	if initiate.Header.Get("X-Amz-Acl") != "public-read" || initiate.Header.Get("X-Amz-Meta-Machine-Md5") != sum {
		t.Fatalf("metadata must be set on the composed object, got %v", initiate.Header)
	}
	if parts := fake.count(http.MethodPut, path, "partNumber"); parts < 2 {
		t.Fatalf("expected ranged part copies, got %d", parts)
	}
	if fake.count(http.MethodPost, path, "uploadId") != 1 {
		t.Fatal("expected the multipart copy to be completed")
	}
	if _, ok := fake.object(staging); ok {
		t.Fatal("staged object should be removed after promotion")
	}
}

func TestS3StorePromoteFallsBackToETag(t *testing.T) {
	fake, server := newFakeS3(t)
	store := newTestS3Store(t, server)

	staging := artifact.StagingKey("run-3", "/20260101/a.csv")
	fake.putObject(staging, fakeObject{contentType: "text/csv", size: 4})
	promoted, err := store.Promote(context.Background(), staging, "/20260101/a.csv")
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if promoted.Fingerprint != fakeETag {
		t.Fatalf("expected the copy ETag without a recorded MD5, got %q", promoted.Fingerprint)
	}
}

func TestS3StoreRemovePrefixDeletesStagedObjects(t *testing.T) {
	fake, server := newFakeS3(t)
	store := newTestS3Store(t, server)
	ctx := context.Background()

	for _, key := range []string{"/20260101/a.zip", "/20260101/b.zip"} {
		if _, err := store.Put(ctx, artifact.StagingKey("run-9", key), writeTemp(t, "data"), ""); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := store.RemovePrefix(ctx, artifact.StagingPrefix("run-9")); err != nil {
		t.Fatalf("RemovePrefix: %v", err)
	}
	if left := fake.keys(artifact.StagingPrefix("run-9")); len(left) != 0 {
		t.Fatalf("staging objects left behind: %v", left)
	}
	if err := store.RemovePrefix(ctx, ""); err == nil {
		t.Fatal("expected refusal for an empty prefix")
	}
}

func TestS3StoreEnvCarriesCredentials(t *testing.T) {
	_, server := newFakeS3(t)
	store := newTestS3Store(t, server)

	env := strings.Join(store.Env(), "\n")
	for _, want := range []string{
		"MACHINE_STORE_KIND=s3",
		"MACHINE_STORE_BUCKET=machine-test",
		"MACHINE_STORE_USE_SSL=false",
		"AWS_ACCESS_KEY_ID=access",
		"AWS_SECRET_ACCESS_KEY=secret",
	} {
		if !strings.Contains(env, want) {
			t.Fatalf("env missing %s:\n%s", want, env)
		}
	}
	for _, kv := range store.Env() {
		key, value, _ := strings.Cut(kv, "=")
		t.Setenv(key, value)
	}
	reopened, err := artifact.OpenFromEnv()
	if err != nil {
		t.Fatalf("OpenFromEnv: %v", err)
	}
	if reopened.URL("/k") != store.URL("/k") {
		t.Fatalf("reopened store differs: %s vs %s", reopened.URL("/k"), store.URL("/k"))
	}
}

func TestNewS3StoreRequiresBucket(t *testing.T) {
	_, err := artifact.NewS3Store(artifact.WithEndpoint("127.0.0.1:9"))
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
