package bundle_test

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/blake2b"

	"boundary/internal/common/cache"
	"boundary/internal/common/storage"
	"boundary/internal/verifier/bundle"
	"boundary/internal/verifier/model"
	pkgerrors "boundary/pkg/errors"
)

const testCatalogYAML = "probes:\n  - name: read_passwd\n    category: filesystem_escape\n    binary: probes/read_passwd\n"

type bundleEntry struct {
	name string
	data string
}

func makeBundle(t *testing.T, entries []bundleEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("create zstd writer failed: %v", err)
	}
	tw := tar.NewWriter(zw)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Mode:     0755,
			Size:     int64(len(e.data)),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write tar header failed: %v", err)
		}
		if _, err := tw.Write([]byte(e.data)); err != nil {
			t.Fatalf("write tar entry failed: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar writer failed: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zstd writer failed: %v", err)
	}
	return buf.Bytes()
}

func digestOf(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type fakeBundleStore struct {
	objects map[string][]byte
	fetches int
}

func newFakeBundleStore() *fakeBundleStore {
	return &fakeBundleStore{objects: make(map[string][]byte)}
}

func (s *fakeBundleStore) PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error {
	return errors.New("not implemented")
}

func (s *fakeBundleStore) GetObject(ctx context.Context, bucket, objectKey string) (storage.ObjectReader, error) {
	s.fetches++
	data, ok := s.objects[objectKey]
	if !ok {
		return nil, errors.New("object not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *fakeBundleStore) StatObject(ctx context.Context, bucket, objectKey string) (storage.ObjectStat, error) {
	return storage.ObjectStat{}, errors.New("not implemented")
}

func (s *fakeBundleStore) RemoveObjects(ctx context.Context, bucket string, objectKeys []string) error {
	return errors.New("not implemented")
}

func (s *fakeBundleStore) ListObjects(ctx context.Context, bucket, prefix string) <-chan storage.ObjectInfo {
	ch := make(chan storage.ObjectInfo)
	close(ch)
	return ch
}

func (s *fakeBundleStore) PresignGetObject(ctx context.Context, bucket, objectKey string, ttl time.Duration) (string, error) {
	return "", errors.New("not implemented")
}

func newLockClient(t *testing.T) *cache.RedisCache {
	t.Helper()
	mr := miniredis.RunT(t)
	redisCache, err := cache.NewRedisCache(mr.Addr())
	if err != nil {
		t.Fatalf("init redis cache failed: %v", err)
	}
	t.Cleanup(func() { _ = redisCache.Close() })
	return redisCache
}

func refboxMeta(version, digest string) model.BundleMeta {
	meta := model.BundleMeta{Name: "refbox", Version: version, Digest: digest}
	meta.ObjectKey = meta.DefaultObjectKey()
	return meta
}

func TestGetFetchesExtractsAndCaches(t *testing.T) {
	store := newFakeBundleStore()
	archive := makeBundle(t, []bundleEntry{
		{name: bundle.CatalogFileName, data: testCatalogYAML},
		{name: "probes/read_passwd", data: "#!/bin/sh\ncat /etc/passwd\n"},
	})
	meta := refboxMeta("1.0.0", digestOf(archive))
	store.objects[meta.ObjectKey] = archive

	rootDir := t.TempDir()
	c := bundle.NewCache(rootDir, time.Minute, time.Second, 8, 0, "verify-bundles", store, newLockClient(t))

	dir, err := c.Get(context.Background(), meta)
	if err != nil {
		t.Fatalf("get bundle failed: %v", err)
	}
	if dir != filepath.Join(rootDir, "refbox", "1.0.0") {
		t.Fatalf("unexpected bundle dir %q", dir)
	}

	catalog, err := os.ReadFile(filepath.Join(dir, bundle.CatalogFileName))
	if err != nil {
		t.Fatalf("read extracted catalog failed: %v", err)
	}
	if string(catalog) != testCatalogYAML {
		t.Fatalf("catalog content mismatch: %q", catalog)
	}
	if _, err := os.Stat(filepath.Join(dir, "probes", "read_passwd")); err != nil {
		t.Fatalf("probe binary missing: %v", err)
	}
	if store.fetches != 1 {
		t.Fatalf("expected one fetch, got %d", store.fetches)
	}

	if _, err := c.Get(context.Background(), meta); err != nil {
		t.Fatalf("cached get failed: %v", err)
	}
	if store.fetches != 1 {
		t.Fatalf("cache hit must not refetch, got %d fetches", store.fetches)
	}
}

func TestGetReusesDiskStateAcrossInstances(t *testing.T) {
	store := newFakeBundleStore()
	archive := makeBundle(t, []bundleEntry{{name: bundle.CatalogFileName, data: testCatalogYAML}})
	meta := refboxMeta("1.0.0", digestOf(archive))
	store.objects[meta.ObjectKey] = archive

	rootDir := t.TempDir()
	lock := newLockClient(t)
	first := bundle.NewCache(rootDir, time.Minute, time.Second, 8, 0, "verify-bundles", store, lock)
	if _, err := first.Get(context.Background(), meta); err != nil {
		t.Fatalf("first get failed: %v", err)
	}

	second := bundle.NewCache(rootDir, time.Minute, time.Second, 8, 0, "verify-bundles", store, lock)
	if _, err := second.Get(context.Background(), meta); err != nil {
		t.Fatalf("second get failed: %v", err)
	}
	if store.fetches != 1 {
		t.Fatalf("restart must reuse extracted bundle, got %d fetches", store.fetches)
	}
}

func TestGetRejectsDigestMismatch(t *testing.T) {
	store := newFakeBundleStore()
	archive := makeBundle(t, []bundleEntry{{name: bundle.CatalogFileName, data: testCatalogYAML}})
	meta := refboxMeta("1.0.0", strings.Repeat("ab", 32))
	store.objects[meta.ObjectKey] = archive

	c := bundle.NewCache(t.TempDir(), time.Minute, time.Second, 8, 0, "verify-bundles", store, newLockClient(t))
	_, err := c.Get(context.Background(), meta)
	if pkgerrors.GetCode(err) != pkgerrors.BundleDigestMismatch {
		t.Fatalf("expected digest mismatch, got %v", err)
	}
}

func TestGetRejectsUnsafeBundleName(t *testing.T) {
	c := bundle.NewCache(t.TempDir(), time.Minute, time.Second, 8, 0, "verify-bundles", newFakeBundleStore(), newLockClient(t))
	_, err := c.Get(context.Background(), model.BundleMeta{Name: "../evil", Version: "1.0.0"})
	if pkgerrors.GetCode(err) != pkgerrors.ValidationFailed {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestGetRejectsEscapingArchive(t *testing.T) {
	store := newFakeBundleStore()
	archive := makeBundle(t, []bundleEntry{{name: "../escape.txt", data: "outside"}})
	meta := refboxMeta("1.0.0", digestOf(archive))
	store.objects[meta.ObjectKey] = archive

	c := bundle.NewCache(t.TempDir(), time.Minute, time.Second, 8, 0, "verify-bundles", store, newLockClient(t))
	_, err := c.Get(context.Background(), meta)
	if pkgerrors.GetCode(err) != pkgerrors.BundleUnpackFailed {
		t.Fatalf("expected unpack failure, got %v", err)
	}
}

func TestGetRequiresCatalogInBundle(t *testing.T) {
	store := newFakeBundleStore()
	archive := makeBundle(t, []bundleEntry{{name: "probes/read_passwd", data: "#!/bin/sh\n"}})
	meta := refboxMeta("1.0.0", digestOf(archive))
	store.objects[meta.ObjectKey] = archive

	c := bundle.NewCache(t.TempDir(), time.Minute, time.Second, 8, 0, "verify-bundles", store, newLockClient(t))
	_, err := c.Get(context.Background(), meta)
	if pkgerrors.GetCode(err) != pkgerrors.BundleUnpackFailed {
		t.Fatalf("expected missing catalog failure, got %v", err)
	}
}

func TestGetTimesOutWhenPeerHoldsLock(t *testing.T) {
	store := newFakeBundleStore()
	archive := makeBundle(t, []bundleEntry{{name: bundle.CatalogFileName, data: testCatalogYAML}})
	meta := refboxMeta("1.0.0", digestOf(archive))
	store.objects[meta.ObjectKey] = archive

	lock := newLockClient(t)
	held, err := lock.TryLock(context.Background(), "verify:bundle:lock:"+meta.CacheKey(), time.Minute)
	if err != nil || !held {
		t.Fatalf("seed lock failed: held=%v err=%v", held, err)
	}

	c := bundle.NewCache(t.TempDir(), time.Minute, 300*time.Millisecond, 8, 0, "verify-bundles", store, lock)
	_, err = c.Get(context.Background(), meta)
	if pkgerrors.GetCode(err) != pkgerrors.Timeout {
		t.Fatalf("expected timeout waiting for peer, got %v", err)
	}
	if store.fetches != 0 {
		t.Fatalf("waiter must not fetch, got %d fetches", store.fetches)
	}
}

func TestEvictsOldestWhenOverEntryLimit(t *testing.T) {
	store := newFakeBundleStore()
	v1 := makeBundle(t, []bundleEntry{{name: bundle.CatalogFileName, data: testCatalogYAML}})
	v2 := makeBundle(t, []bundleEntry{{name: bundle.CatalogFileName, data: testCatalogYAML}})
	metaV1 := refboxMeta("1.0.0", digestOf(v1))
	metaV2 := refboxMeta("2.0.0", digestOf(v2))
	store.objects[metaV1.ObjectKey] = v1
	store.objects[metaV2.ObjectKey] = v2

	rootDir := t.TempDir()
	c := bundle.NewCache(rootDir, time.Minute, time.Second, 1, 0, "verify-bundles", store, newLockClient(t))

	dirV1, err := c.Get(context.Background(), metaV1)
	if err != nil {
		t.Fatalf("get v1 failed: %v", err)
	}
	if _, err := c.Get(context.Background(), metaV2); err != nil {
		t.Fatalf("get v2 failed: %v", err)
	}
	if _, err := os.Stat(dirV1); !os.IsNotExist(err) {
		t.Fatalf("expected v1 dir evicted, stat err %v", err)
	}
}
