package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"

	"github.com/eunmann/s3-size-history/pkg/tracker"
)

func TestExpandKey(t *testing.T) {
	tests := []struct {
		tmpl, bucket, job, want string
	}{
		{"", "b1", "j1", "b1/plot.png"},
		{"plot.png", "b1", "j1", "plot.png"},
		{"charts/{bucket}/{job}.png", "b1", "j1", "charts/b1/j1.png"},
		{"{bucket}-{bucket}.png", "b1", "", "b1-b1.png"},
	}
	for _, tt := range tests {
		if got := ExpandKey(tt.tmpl, tt.bucket, tt.job); got != tt.want {
			t.Errorf("ExpandKey(%q) = %q, want %q", tt.tmpl, got, tt.want)
		}
	}
}

func pngObject(key string) Object {
	body := []byte("\x89PNG chart")
	return Object{
		SourceBucket: "b1",
		Key:          key,
		Body:         bytes.NewReader(body),
		Size:         int64(len(body)),
		ContentType:  "image/png",
	}
}

func TestFSStore(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewFSStore(fs, "/srv/charts")
	ctx := context.Background()

	ref, err := s.Put(ctx, pngObject("b1/plot.png"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ref != "file:///srv/charts/b1/plot.png" {
		t.Errorf("ref = %q", ref)
	}

	rc, err := s.Open("b1/plot.png")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(data) != "\x89PNG chart" {
		t.Errorf("content = %q", data)
	}
	if names := dirNames(t, fs, "/srv/charts/b1"); len(names) != 1 {
		t.Errorf("dir entries = %v, want only plot.png", names)
	}

	// Overwrite in place.
	obj := pngObject("b1/plot.png")
	obj.Body = strings.NewReader("v2")
	if _, err := s.Put(ctx, obj); err != nil {
		t.Fatalf("second Put: %v", err)
	}
	data, _ = afero.ReadFile(fs, "/srv/charts/b1/plot.png")
	if string(data) != "v2" {
		t.Errorf("content after overwrite = %q", data)
	}

	if _, err := s.Open("missing.png"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Open missing err = %v, want ErrNotFound", err)
	}
}

func dirNames(t *testing.T, fs afero.Fs, dir string) []string {
	t.Helper()
	infos, err := afero.ReadDir(fs, dir)
	if err != nil {
		t.Fatalf("ReadDir %s: %v", dir, err)
	}
	names := make([]string, 0, len(infos))
	for _, fi := range infos {
		names = append(names, fi.Name())
	}
	return names
}

func TestFSStore_ConcurrentPutsPerBucket(t *testing.T) {
	root := t.TempDir()
	s := NewFSStore(afero.NewOsFs(), root)
	buckets := []string{"b1", "b2"}

	const writers = 64
	refs := make([]string, writers)
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			bucket := buckets[i%2]
			refs[i], errs[i] = s.Put(context.Background(), Object{
				SourceBucket: bucket,
				Key:          ExpandKey(DefaultKey, bucket, fmt.Sprintf("job-%d", i)),
				Body:         strings.NewReader("chart of " + bucket),
				Size:         -1,
				ContentType:  "image/png",
			})
		}()
	}
	wg.Wait()

	for i := 0; i < writers; i++ {
		bucket := buckets[i%2]
		if errs[i] != nil {
			t.Fatalf("Put %d (%s): %v", i, bucket, errs[i])
		}
		want := "file://" + filepath.ToSlash(filepath.Join(root, bucket, "plot.png"))
		if refs[i] != want {
			t.Errorf("Put %d ref = %q, want %q", i, refs[i], want)
		}
	}
	fs := afero.NewOsFs()
	for _, bucket := range buckets {
		data, err := afero.ReadFile(fs, filepath.Join(root, bucket, "plot.png"))
		if err != nil {
			t.Fatalf("read %s chart: %v", bucket, err)
		}
		if string(data) != "chart of "+bucket {
			t.Errorf("%s chart = %q", bucket, data)
		}
		if names := dirNames(t, fs, filepath.Join(root, bucket)); len(names) != 1 {
			t.Errorf("%s dir entries = %v, want only plot.png", bucket, names)
		}
	}
}

func TestFSStore_KeysStayBelowRoot(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewFSStore(fs, "/root-dir")

	ref, err := s.Put(context.Background(), pngObject("../../etc/plot.png"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ref != "file:///root-dir/etc/plot.png" {
		t.Errorf("ref = %q, want it under /root-dir", ref)
	}

	for _, key := range []string{"", "/", ".."} {
		if _, err := s.Put(context.Background(), pngObject(key)); !errors.Is(err, ErrInvalidObject) {
			t.Errorf("Put(%q) err = %v, want ErrInvalidObject", key, err)
		}
	}
}

func TestFSStore_CanceledContext(t *testing.T) {
	s := NewFSStore(afero.NewMemMapFs(), "/x")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Put(ctx, pngObject("plot.png")); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

type fakePutter struct {
	bucket, key, contentType string
	body                     []byte
	err                      error
}

func (f *fakePutter) PutObject(_ context.Context, bucket, key string, body io.Reader, _ int64, contentType string) error {
	if f.err != nil {
		return f.err
	}
	f.bucket, f.key, f.contentType = bucket, key, contentType
	f.body, _ = io.ReadAll(body)
	return nil
}

func TestS3Store(t *testing.T) {
	tests := []struct {
		name       string
		bucket     string
		source     string
		wantBucket string
		wantErr    error
	}{
		{"fixed_bucket", "charts", "b1", "charts", nil},
		{"next_to_data", "", "b1", "b1", nil},
		{"no_bucket", "", "", "", ErrInvalidObject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePutter{}
			s := NewS3Store(p, tt.bucket)
			obj := pngObject("plot.png")
			obj.SourceBucket = tt.source

			ref, err := s.Put(context.Background(), obj)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Put: %v", err)
			}
			if ref != "s3://"+tt.wantBucket+"/plot.png" {
				t.Errorf("ref = %q", ref)
			}
			if p.bucket != tt.wantBucket || p.contentType != "image/png" {
				t.Errorf("uploaded to %s with %q", p.bucket, p.contentType)
			}
		})
	}

	p := &fakePutter{err: errors.New("AccessDenied")}
	if _, err := NewS3Store(p, "b").Put(context.Background(), pngObject("k")); err == nil {
		t.Error("expected upload error")
	}
	if _, err := NewS3Store(&fakePutter{}, "b").Put(context.Background(), Object{Key: "k"}); !errors.Is(err, ErrInvalidObject) {
		t.Errorf("nil body err = %v, want ErrInvalidObject", err)
	}
}

func TestMinioConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     MinioConfig
		wantErr bool
	}{
		{"ok", MinioConfig{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "s"}, false},
		{"no_endpoint", MinioConfig{AccessKey: "a", SecretKey: "s"}, true},
		{"no_secret", MinioConfig{Endpoint: "localhost:9000", AccessKey: "a"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// fakeS3Server answers the two S3 calls MinioStore makes.
type fakeS3Server struct {
	mu          sync.Mutex
	method      string
	path        string
	contentType string
	body        []byte
}

func (f *fakeS3Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.method, f.path, f.contentType, f.body = r.Method, r.URL.Path, r.Header.Get("Content-Type"), body
	f.mu.Unlock()

	switch r.Method {
	case http.MethodPut:
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/xml")
		_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
  <Name>b1</Name><Prefix></Prefix><KeyCount>2</KeyCount><MaxKeys>1000</MaxKeys><IsTruncated>false</IsTruncated>
  <Contents><Key>a.txt</Key><LastModified>2024-03-01T12:00:00.000Z</LastModified><ETag>"1"</ETag><Size>18</Size><StorageClass>STANDARD</StorageClass></Contents>
  <Contents><Key>b.txt</Key><LastModified>2024-03-01T12:00:01.000Z</LastModified><ETag>"2"</ETag><Size>2</Size><StorageClass>STANDARD</StorageClass></Contents>
</ListBucketResult>`)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestMinio(t *testing.T, bucket string) (*MinioStore, *fakeS3Server) {
	t.Helper()
	fake := &fakeS3Server{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	s, err := NewMinioStore(MinioConfig{
		Endpoint:  srv.URL,
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		Region:    "us-east-1",
		Bucket:    bucket,
	})
	if err != nil {
		t.Fatalf("NewMinioStore: %v", err)
	}
	return s, fake
}

func TestMinioStore_Put(t *testing.T) {
	s, fake := newTestMinio(t, "charts")

	ref, err := s.Put(context.Background(), pngObject("b1/plot.png"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ref != "s3://charts/b1/plot.png" {
		t.Errorf("ref = %q", ref)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.method != http.MethodPut || fake.path != "/charts/b1/plot.png" {
		t.Errorf("request = %s %s", fake.method, fake.path)
	}
	if fake.contentType != "image/png" {
		t.Errorf("content type = %q", fake.contentType)
	}
	if !bytes.Contains(fake.body, []byte("\x89PNG chart")) {
		t.Errorf("body = %q", fake.body)
	}
}

func TestMinioStore_ListObjects(t *testing.T) {
	s, _ := newTestMinio(t, "")

	var got []tracker.ObjectInfo
	err := s.ListObjects(context.Background(), "b1", func(o tracker.ObjectInfo) error {
		got = append(got, o)
		return nil
	})
	if err != nil {
		t.Fatalf("ListObjects: %v", err)
	}
	want := []tracker.ObjectInfo{{Key: "a.txt", Size: 18}, {Key: "b.txt", Size: 2}}
	if len(got) != len(want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("object %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}
