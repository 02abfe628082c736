package vault

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// stubCatalog answers InfoFor from a fixed map keyed by release, with a
// mutex so an entry can be swapped while a Vault is reading it.
type stubCatalog struct {
	mu    sync.Mutex
	byKey map[string]ImageInfo
}

func newStubCatalog() *stubCatalog {
	return &stubCatalog{byKey: make(map[string]ImageInfo)}
}

func (c *stubCatalog) set(release string, info ImageInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKey[release] = info
}

func (c *stubCatalog) InfoFor(query Query) (*ImageInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.byKey[query.Release]
	if !ok {
		return nil, &Error{Kind: NoMatch, Message: "no match"}
	}
	clone := info
	return &clone, nil
}

// stubFetcher always writes the same fixed content regardless of URL, and
// counts how many times it was asked to download.
type stubFetcher struct {
	content      []byte
	downloads    int32
	lastModified map[string]string
}

func (f *stubFetcher) DownloadTo(ctx context.Context, url, destination string, expectedSize int64, phase Phase, monitor Monitor) error {
	atomic.AddInt32(&f.downloads, 1)
	if err := os.WriteFile(destination, f.content, 0o644); err != nil {
		return err
	}
	notify(monitor, phase, 100)
	return nil
}

func (f *stubFetcher) LastModified(ctx context.Context, url string) (string, bool, error) {
	if f.lastModified == nil {
		return "", false, nil
	}
	lm, ok := f.lastModified[url]
	return lm, ok, nil
}

// stubDecoder pretends to decompress by copying the source bytes verbatim.
type stubDecoder struct {
	decodes int32
}

func (d *stubDecoder) DecodeTo(sourcePath, destPath string, monitor Monitor) error {
	atomic.AddInt32(&d.decodes, 1)
	data, err := os.ReadFile(sourcePath)
	if err != nil {
		return err
	}
	if err := os.WriteFile(destPath, data, 0o644); err != nil {
		return err
	}
	notify(monitor, PhaseDecode, 100)
	return nil
}

func countingPrepare() (PrepareFunc, *int32) {
	var calls int32
	return func(img VMImage) (VMImage, error) {
		atomic.AddInt32(&calls, 1)
		return img, nil
	}, &calls
}

func contentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func newTestVault(t *testing.T, catalog CatalogResolver, fetcher Fetcher, decoder Decoder) *Vault {
	t.Helper()
	return New(catalog, fetcher, decoder, t.TempDir(), t.TempDir(), 14*24*time.Hour)
}

// S1: cache miss on an alias query creates both a prepared record and a
// named instance record, calling Fetcher and Decoder exactly once.
func TestFetchImageAliasCacheMiss(t *testing.T) {
	t.Parallel()

	content := []byte("pretend-bionic-disk-bytes")
	id := contentHash(content)

	catalog := newStubCatalog()
	catalog.set("bionic", ImageInfo{
		Id:            id,
		Release:       "bionic",
		Version:       "1",
		ReleaseTitle:  "Bionic Beaver",
		Aliases:       []string{"bionic", "18.04"},
		ImageLocation: "https://cloud-images.example.com/bionic/disk.img.xz",
	})

	fetcher := &stubFetcher{content: content}
	decoder := &stubDecoder{}
	v := newTestVault(t, catalog, fetcher, decoder)

	prepare, prepareCalls := countingPrepare()
	query := Query{Name: "vm1", Release: "bionic", RemoteName: "release", Type: Alias}

	img, err := v.FetchImage(context.Background(), ImageOnly, query, prepare, nil)
	if err != nil {
		t.Fatalf("FetchImage() error = %v", err)
	}
	if img.Id != id {
		t.Fatalf("VMImage.Id = %q, want %q", img.Id, id)
	}

	if got := atomic.LoadInt32(&fetcher.downloads); got != 1 {
		t.Fatalf("fetcher.downloads = %d, want 1", got)
	}
	if got := atomic.LoadInt32(&decoder.decodes); got != 1 {
		t.Fatalf("decoder.decodes = %d, want 1", got)
	}
	if got := atomic.LoadInt32(prepareCalls); got != 1 {
		t.Fatalf("prepare calls = %d, want 1", got)
	}

	if !v.HasRecordFor("vm1") {
		t.Fatal("HasRecordFor(vm1) = false, want true")
	}

	v.mu.Lock()
	_, hasPrepared := v.preparedRecords[id]
	v.mu.Unlock()
	if !hasPrepared {
		t.Fatalf("prepared record %q missing after fetch", id)
	}

	if _, err := os.Stat(filepath.Join(v.cacheDir, imageRecordsFile)); err != nil {
		t.Fatalf("image records file not written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(v.dataDir, instanceRecordsFile)); err != nil {
		t.Fatalf("instance records file not written: %v", err)
	}
}

// S2: a second query for the same alias under a different instance name
// reuses the prepared record without invoking the fetcher again.
func TestFetchImageAliasCacheHitDifferentName(t *testing.T) {
	t.Parallel()

	content := []byte("pretend-bionic-disk-bytes")
	id := contentHash(content)

	catalog := newStubCatalog()
	catalog.set("bionic", ImageInfo{Id: id, Release: "bionic", Version: "1", ImageLocation: "https://e/disk.img"})

	fetcher := &stubFetcher{content: content}
	decoder := &stubDecoder{}
	v := newTestVault(t, catalog, fetcher, decoder)
	prepare, _ := countingPrepare()

	if _, err := v.FetchImage(context.Background(), ImageOnly, Query{Name: "vm1", Release: "bionic", RemoteName: "release", Type: Alias}, prepare, nil); err != nil {
		t.Fatalf("first FetchImage() error = %v", err)
	}

	before := atomic.LoadInt32(&fetcher.downloads)

	img, err := v.FetchImage(context.Background(), ImageOnly, Query{Name: "vm2", Release: "bionic", RemoteName: "release", Type: Alias}, prepare, nil)
	if err != nil {
		t.Fatalf("second FetchImage() error = %v", err)
	}
	if img.Id != id {
		t.Fatalf("VMImage.Id = %q, want %q", img.Id, id)
	}
	if got := atomic.LoadInt32(&fetcher.downloads); got != before {
		t.Fatalf("fetcher.downloads = %d, want unchanged from %d", got, before)
	}
	if !v.HasRecordFor("vm2") {
		t.Fatal("HasRecordFor(vm2) = false, want true")
	}
}

// S3: concurrent callers racing the same alias query dedup into a single
// download, each receiving the same content id and their own instance copy.
func TestFetchImageConcurrentDedup(t *testing.T) {
	t.Parallel()

	content := []byte("pretend-focal-disk-bytes")
	id := contentHash(content)

	catalog := newStubCatalog()
	catalog.set("focal", ImageInfo{Id: id, Release: "focal", Version: "1", ImageLocation: "https://e/disk.img"})

	fetcher := &stubFetcher{content: content}
	decoder := &stubDecoder{}
	v := newTestVault(t, catalog, fetcher, decoder)
	prepare, _ := countingPrepare()

	const n = 10
	var wg sync.WaitGroup
	results := make([]VMImage, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			query := Query{Name: fmt.Sprintf("vm%d", i), Release: "focal", RemoteName: "release", Type: Alias}
			results[i], errs[i] = v.FetchImage(context.Background(), ImageOnly, query, prepare, nil)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("FetchImage(vm%d) error = %v", i, err)
		}
		if results[i].Id != id {
			t.Fatalf("FetchImage(vm%d).Id = %q, want %q", i, results[i].Id, id)
		}
		if !v.HasRecordFor(fmt.Sprintf("vm%d", i)) {
			t.Fatalf("HasRecordFor(vm%d) = false, want true", i)
		}
	}

	if got := atomic.LoadInt32(&fetcher.downloads); got != 1 {
		t.Fatalf("fetcher.downloads = %d, want exactly 1 for deduped concurrent fetches", got)
	}
}

// S5: an HTTP-URL query whose server reports an unchanged Last-Modified on
// the second call is served from the prepared record without a re-download.
func TestFetchImageHTTPURLUnchangedLastModified(t *testing.T) {
	t.Parallel()

	content := []byte("pretend-url-disk-bytes")
	const url = "https://e/i.img"
	const lastModified = "Wed, 21 Oct 2015 07:28:00 GMT"

	fetcher := &stubFetcher{content: content, lastModified: map[string]string{url: lastModified}}
	decoder := &stubDecoder{}
	catalog := newStubCatalog()
	v := newTestVault(t, catalog, fetcher, decoder)
	prepare, _ := countingPrepare()

	query := Query{Release: url, Type: HttpUrl}

	if _, err := v.FetchImage(context.Background(), ImageOnly, query, prepare, nil); err != nil {
		t.Fatalf("first FetchImage() error = %v", err)
	}
	if got := atomic.LoadInt32(&fetcher.downloads); got != 1 {
		t.Fatalf("fetcher.downloads after first call = %d, want 1", got)
	}

	if _, err := v.FetchImage(context.Background(), ImageOnly, query, prepare, nil); err != nil {
		t.Fatalf("second FetchImage() error = %v", err)
	}
	if got := atomic.LoadInt32(&fetcher.downloads); got != 1 {
		t.Fatalf("fetcher.downloads after second call = %d, want still 1 (unchanged Last-Modified)", got)
	}
}

// S6: a catalog-declared id that does not match the downloaded bytes raises
// HashMismatch, leaves no record behind, and frees the in-progress slot.
func TestFetchImageHashMismatch(t *testing.T) {
	t.Parallel()

	wrongID := contentHash([]byte("not the bytes that will be downloaded"))

	catalog := newStubCatalog()
	catalog.set("bionic", ImageInfo{Id: wrongID, Release: "bionic", Version: "1", ImageLocation: "https://e/disk.img"})

	fetcher := &stubFetcher{content: []byte("these bytes will never match")}
	decoder := &stubDecoder{}
	v := newTestVault(t, catalog, fetcher, decoder)
	prepare, _ := countingPrepare()

	query := Query{Name: "vm1", Release: "bionic", RemoteName: "release", Type: Alias}
	_, err := v.FetchImage(context.Background(), ImageOnly, query, prepare, nil)
	if err == nil {
		t.Fatal("FetchImage() error = nil, want HashMismatch")
	}

	var vaultErr *Error
	if !errors.As(err, &vaultErr) || vaultErr.Kind != HashMismatch {
		t.Fatalf("FetchImage() error = %v, want vault.HashMismatch", err)
	}

	if v.HasRecordFor("vm1") {
		t.Fatal("HasRecordFor(vm1) = true, want false after a hash mismatch")
	}

	v.mu.Lock()
	_, inProgress := v.inProgressFetches[wrongID]
	v.mu.Unlock()
	if inProgress {
		t.Fatal("in-progress fetch entry still present after failure")
	}
}

func TestRemoveDeletesInstanceRecordAndFiles(t *testing.T) {
	t.Parallel()

	content := []byte("pretend-disk-bytes")
	id := contentHash(content)
	catalog := newStubCatalog()
	catalog.set("bionic", ImageInfo{Id: id, Release: "bionic", Version: "1", ImageLocation: "https://e/disk.img"})

	v := newTestVault(t, catalog, &stubFetcher{content: content}, &stubDecoder{})
	prepare, _ := countingPrepare()

	if _, err := v.FetchImage(context.Background(), ImageOnly, Query{Name: "vm1", Release: "bionic", RemoteName: "release", Type: Alias}, prepare, nil); err != nil {
		t.Fatalf("FetchImage() error = %v", err)
	}

	if err := v.Remove("vm1"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if v.HasRecordFor("vm1") {
		t.Fatal("HasRecordFor(vm1) = true after Remove")
	}
	if _, err := os.Stat(filepath.Join(v.instancesDir, "vm1")); !os.IsNotExist(err) {
		t.Fatalf("instance directory still present after Remove, stat error = %v", err)
	}
}

func TestRemoveMissingInstanceIsANoOp(t *testing.T) {
	t.Parallel()

	v := newTestVault(t, newStubCatalog(), &stubFetcher{}, &stubDecoder{})
	if err := v.Remove("nonexistent"); err != nil {
		t.Fatalf("Remove() error = %v, want nil for a missing instance", err)
	}
}

func TestPruneExpiredRemovesOnlyNonPersistentExpiredAliases(t *testing.T) {
	t.Parallel()

	v := newTestVault(t, newStubCatalog(), &stubFetcher{}, &stubDecoder{})

	expiredDir := filepath.Join(v.imagesDir, "expired-1")
	persistentDir := filepath.Join(v.imagesDir, "persistent-1")
	if err := os.MkdirAll(expiredDir, 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.MkdirAll(persistentDir, 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	expiredImagePath := filepath.Join(expiredDir, "disk.img")
	persistentImagePath := filepath.Join(persistentDir, "disk.img")
	if err := os.WriteFile(expiredImagePath, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := os.WriteFile(persistentImagePath, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	v.mu.Lock()
	v.preparedRecords["expired"] = VaultRecord{
		Image:        VMImage{Id: "expired", ImagePath: expiredImagePath},
		Query:        Query{Release: "bionic", Type: Alias, Persistent: false},
		LastAccessed: time.Now().Add(-30 * 24 * time.Hour),
	}
	v.preparedRecords["persistent"] = VaultRecord{
		Image:        VMImage{Id: "persistent", ImagePath: persistentImagePath},
		Query:        Query{Release: "focal", Type: Alias, Persistent: true},
		LastAccessed: time.Now().Add(-30 * 24 * time.Hour),
	}
	v.mu.Unlock()

	if err := v.PruneExpired(); err != nil {
		t.Fatalf("PruneExpired() error = %v", err)
	}

	v.mu.Lock()
	_, hasExpired := v.preparedRecords["expired"]
	_, hasPersistent := v.preparedRecords["persistent"]
	v.mu.Unlock()

	if hasExpired {
		t.Fatal("expired record still present after PruneExpired")
	}
	if !hasPersistent {
		t.Fatal("persistent record removed by PruneExpired, want it preserved")
	}
	if _, err := os.Stat(expiredDir); !os.IsNotExist(err) {
		t.Fatalf("expired image directory still present, stat error = %v", err)
	}
	if _, err := os.Stat(persistentDir); err != nil {
		t.Fatalf("persistent image directory missing: %v", err)
	}
}

// A named LocalFile query must land the prepared image in the instance
// directory with its full contents intact: fetchLocalFile already
// materializes the image there before finalizing, so the finalize step must
// not re-copy it onto itself (which would truncate it via copyFile's
// O_TRUNC open of a source-equals-destination path).
func TestFetchImageLocalFilePlain(t *testing.T) {
	t.Parallel()

	content := []byte("pretend-local-disk-bytes-not-empty")
	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "disk.img")
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	v := newTestVault(t, newStubCatalog(), &stubFetcher{}, &stubDecoder{})
	prepare, prepareCalls := countingPrepare()
	query := Query{Name: "vm-local", Release: srcPath, Type: LocalFile}

	img, err := v.FetchImage(context.Background(), ImageOnly, query, prepare, nil)
	if err != nil {
		t.Fatalf("FetchImage() error = %v", err)
	}
	if atomic.LoadInt32(prepareCalls) != 1 {
		t.Fatalf("prepare calls = %d, want 1", atomic.LoadInt32(prepareCalls))
	}

	got, err := os.ReadFile(img.ImagePath)
	if err != nil {
		t.Fatalf("ReadFile(%s) error = %v", img.ImagePath, err)
	}
	if len(got) == 0 {
		t.Fatal("instance image file is empty, want the source bytes intact")
	}
	if string(got) != string(content) {
		t.Fatalf("instance image contents = %q, want %q", got, content)
	}

	if !v.HasRecordFor("vm-local") {
		t.Fatal("HasRecordFor(vm-local) = false, want true after a named local-file fetch")
	}
}

// Same as above but through the .xz extraction branch (extractIntoInstance
// instead of copyIntoInstance).
func TestFetchImageLocalFileXz(t *testing.T) {
	t.Parallel()

	content := []byte("pretend-compressed-disk-bytes-not-empty")
	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "disk.img.xz")
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	v := newTestVault(t, newStubCatalog(), &stubFetcher{}, &stubDecoder{})
	prepare, _ := countingPrepare()
	query := Query{Name: "vm-local-xz", Release: srcPath, Type: LocalFile}

	img, err := v.FetchImage(context.Background(), ImageOnly, query, prepare, nil)
	if err != nil {
		t.Fatalf("FetchImage() error = %v", err)
	}

	got, err := os.ReadFile(img.ImagePath)
	if err != nil {
		t.Fatalf("ReadFile(%s) error = %v", img.ImagePath, err)
	}
	if len(got) == 0 || string(got) != string(content) {
		t.Fatalf("instance image contents = %q, want %q", got, content)
	}
}
