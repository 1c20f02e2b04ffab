package media

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeS3 answers HEAD object requests for a single bucket.
type fakeS3 struct {
	bucket  string
	objects map[string]bool
	deny    map[string]bool
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	bucket, key, _ := strings.Cut(path, "/")
	if bucket != f.bucket || r.Method != http.MethodHead {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if f.deny[key] {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if !f.objects[key] {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
	w.Header().Set("Last-Modified", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Format(http.TimeFormat))
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusOK)
}

func newChecker(t *testing.T, fake *fakeS3) *ObjectChecker {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	checker, err := NewObjectChecker(Config{
		Endpoint:  srv.Listener.Addr().String(),
		AccessKey: "access",
		SecretKey: "secret",
		Bucket:    fake.bucket,
		Prefix:    "media/",
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewObjectChecker() error = %v", err)
	}
	return checker
}

func TestMissingReportsAbsentObjectsInOrder(t *testing.T) {
	fake := &fakeS3{
		bucket:  "quire",
		objects: map[string]bool{"media/a": true, "media/c": true},
	}
	checker := newChecker(t, fake)

	missing, err := checker.Missing(context.Background(), []string{"d", "a", "b", "c"})
	if err != nil {
		t.Fatalf("Missing() error = %v", err)
	}
	if len(missing) != 2 || missing[0] != "d" || missing[1] != "b" {
		t.Fatalf("Missing() = %v, want [d b]", missing)
	}
}

func TestMissingAllPresent(t *testing.T) {
	fake := &fakeS3{bucket: "quire", objects: map[string]bool{"media/a": true}}
	checker := newChecker(t, fake)

	missing, err := checker.Missing(context.Background(), []string{"a"})
	if err != nil {
		t.Fatalf("Missing() error = %v", err)
	}
	if len(missing) != 0 {
		t.Fatalf("Missing() = %v, want none", missing)
	}
	if missing, err := checker.Missing(context.Background(), nil); err != nil || missing != nil {
		t.Fatalf("Missing(nil) = %v, %v", missing, err)
	}
}

func TestMissingSurfacesStorageErrors(t *testing.T) {
	fake := &fakeS3{
		bucket:  "quire",
		objects: map[string]bool{},
		deny:    map[string]bool{"media/x": true},
	}
	checker := newChecker(t, fake)

	if _, err := checker.Missing(context.Background(), []string{"x"}); err == nil {
		t.Fatal("expected error for denied object")
	}
}

func TestNewObjectCheckerRequiresBucket(t *testing.T) {
	if _, err := NewObjectChecker(Config{Endpoint: "localhost:9000"}, zerolog.Nop()); err == nil {
		t.Fatal("expected error without bucket")
	}
}
