package vault

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cochaviz/vmvault/internal/logging"
	"github.com/cochaviz/vmvault/internal/vaultio"
	"github.com/cochaviz/vmvault/vault/cleanup"
)

const (
	imageRecordsFile    = "multipassd-image-records.json"
	instanceRecordsFile = "multipassd-instance-image-records.json"
)

// PrepareFunc is the caller-supplied transformation applied to a downloaded,
// verified, and decoded image before it is published. It
// may return the same image unchanged, or one with a different ImagePath /
// KernelPath / InitrdPath — paths that differ from the source are deleted
// by the Vault once prepare returns.
type PrepareFunc func(VMImage) (VMImage, error)

// MetricsSink receives observational counters from the Vault. It is
// satisfied by internal/metrics.Registry; a nil sink disables metrics
// without the Vault core needing to special-case it everywhere.
type MetricsSink interface {
	FetchStarted(phase Phase)
	CacheHit()
	CacheMiss()
	DedupJoin()
	Expired(n int)
	FetchDuration(seconds float64)
}

type noopMetrics struct{}

func (noopMetrics) FetchStarted(Phase)      {}
func (noopMetrics) CacheHit()               {}
func (noopMetrics) CacheMiss()              {}
func (noopMetrics) DedupJoin()              {}
func (noopMetrics) Expired(int)             {}
func (noopMetrics) FetchDuration(float64)   {}

// pendingFetch is a clonable, awaitable handle to a single in-flight alias
// fetch. It models the "coroutine with one awaitable result" design note in
// a channel closed exactly once, mirroring the original C++ vault's use
// of QFuture for the same purpose.
type pendingFetch struct {
	done  chan struct{}
	image VMImage
	err   error
}

func newPendingFetch() *pendingFetch {
	return &pendingFetch{done: make(chan struct{})}
}

func (p *pendingFetch) finish(image VMImage, err error) {
	p.image = image
	p.err = err
	close(p.done)
}

func (p *pendingFetch) wait(ctx context.Context) (VMImage, error) {
	select {
	case <-p.done:
		return p.image, p.err
	case <-ctx.Done():
		return VMImage{}, ctx.Err()
	}
}

// Vault is the content-addressed cache and lifecycle manager for VM disk
// prepared VM images. Construct one with New and call its public
// methods from any number of goroutines.
type Vault struct {
	catalog  CatalogResolver
	fetcher  Fetcher
	decoder  Decoder
	platform Platform
	logger   *slog.Logger
	metrics  MetricsSink

	cacheDir     string
	dataDir      string
	instancesDir string
	imagesDir    string
	daysToExpire time.Duration

	mu                   sync.Mutex
	preparedRecords      map[string]VaultRecord
	instanceRecords      map[string]VaultRecord
	inProgressFetches    map[string]*pendingFetch
}

// Option configures optional Vault behavior.
type Option func(*Vault)

// WithLogger injects a structured logger. The default is
// logging.NewCLI(os.Stderr, slog.LevelInfo) tagged with a "vault"
// component attribute.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Vault) { v.logger = logger }
}

// WithMetrics injects a MetricsSink. The default records nothing.
func WithMetrics(sink MetricsSink) Option {
	return func(v *Vault) { v.metrics = sink }
}

// WithPlatform injects the platform-support policy that gates the
// non-alias and alias fetch paths. The default, AllowAll, permits
// everything.
func WithPlatform(p Platform) Option {
	return func(v *Vault) { v.platform = p }
}

// New constructs a Vault, loading both persisted record stores from disk
// cacheDir and dataDir are parent directories; the vault creates
// "vault/images" and "vault/instances" subtrees and the two JSON record
// files beneath them.
func New(catalog CatalogResolver, fetcher Fetcher, decoder Decoder, cacheDir, dataDir string, daysToExpire time.Duration, opts ...Option) *Vault {
	cacheRoot := filepath.Join(cacheDir, "vault")
	dataRoot := filepath.Join(dataDir, "vault")

	v := &Vault{
		catalog:           catalog,
		fetcher:           fetcher,
		decoder:           decoder,
		platform:          AllowAll{},
		logger:            logging.NewCLI(os.Stderr, slog.LevelInfo).With("component", "vault"),
		metrics:           noopMetrics{},
		cacheDir:          cacheRoot,
		dataDir:           dataRoot,
		instancesDir:      filepath.Join(dataRoot, "instances"),
		imagesDir:         filepath.Join(cacheRoot, "images"),
		daysToExpire:      daysToExpire,
		inProgressFetches: make(map[string]*pendingFetch),
	}
	for _, opt := range opts {
		opt(v)
	}

	v.preparedRecords = loadRecords(filepath.Join(v.cacheDir, imageRecordsFile))
	v.instanceRecords = loadRecords(filepath.Join(v.dataDir, instanceRecordsFile))

	return v
}

func (v *Vault) log() *slog.Logger {
	return logging.Ensure(v.logger)
}

// HasRecordFor reports whether an instance record named name exists.
func (v *Vault) HasRecordFor(name string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.instanceRecords[name]
	return ok
}

// Remove deletes the instance record named name and its on-disk directory,
// A missing record is silently ignored.
func (v *Vault) Remove(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.instanceRecords[name]; !ok {
		return nil
	}

	if err := os.RemoveAll(filepath.Join(v.instancesDir, name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	delete(v.instanceRecords, name)
	return v.persistInstanceRecordsLocked()
}

// FetchImage resolves query to a ready-to-boot VMImage.
func (v *Vault) FetchImage(ctx context.Context, fetchType FetchType, query Query, prepare PrepareFunc, monitor Monitor) (VMImage, error) {
	if query.Name != "" {
		v.mu.Lock()
		record, ok := v.instanceRecords[query.Name]
		v.mu.Unlock()
		if ok {
			return record.Image, nil
		}
	}

	if query.Type != Alias {
		return v.fetchNonAlias(ctx, fetchType, query, prepare, monitor)
	}
	return v.fetchAlias(ctx, fetchType, query, prepare, monitor)
}

// ---- non-alias (HTTP URL / local file) path ----

func (v *Vault) fetchNonAlias(ctx context.Context, fetchType FetchType, query Query, prepare PrepareFunc, monitor Monitor) (VMImage, error) {
	if !v.platform.ImageURLSupported() {
		return VMImage{}, newErr(UnsupportedSource, nil, "http and file based images are not supported")
	}

	if query.Type == LocalFile {
		return v.fetchLocalFile(ctx, fetchType, query, prepare, monitor)
	}
	return v.fetchHTTPURL(ctx, fetchType, query, prepare, monitor)
}

func (v *Vault) fetchLocalFile(ctx context.Context, fetchType FetchType, query Query, prepare PrepareFunc, monitor Monitor) (VMImage, error) {
	if !vaultio.Accessible(query.Release) {
		return VMImage{}, newErr(SourceMissing, nil, "custom image %q does not exist", query.Release)
	}

	source := VMImage{ImagePath: query.Release}

	var err error
	if strings.HasSuffix(source.ImagePath, ".xz") {
		source, err = v.extractIntoInstance(query.Name, source, monitor)
	} else {
		source, err = v.copyIntoInstance(query.Name, source)
	}
	if err != nil {
		return VMImage{}, err
	}

	if fetchType == ImageKernelAndInitrd {
		kernelQuery := Query{Name: query.Name, Release: "default", Type: Alias}
		info, err := v.resolveCatalog(kernelQuery)
		if err != nil {
			return VMImage{}, err
		}
		dir := filepath.Dir(source.ImagePath)
		source, err = v.fetchKernelAndInitrd(ctx, info, source, dir, monitor)
		if err != nil {
			return VMImage{}, err
		}
	}

	prepared, err := v.runPrepare(prepare, source)
	if err != nil {
		return VMImage{}, err
	}
	removeSourceArtifacts(source, prepared)

	return v.registerLocalInstance(query, prepared)
}

func (v *Vault) fetchHTTPURL(ctx context.Context, fetchType FetchType, query Query, prepare PrepareFunc, monitor Monitor) (VMImage, error) {
	sum := sha256.Sum256([]byte(query.Release))
	id := hex.EncodeToString(sum[:])

	lastModified, haveLastModified, err := v.fetcher.LastModified(ctx, query.Release)
	if err != nil {
		return VMImage{}, wrapDownload(err, "check last-modified for %s", query.Release)
	}

	v.mu.Lock()
	record, hasRecord := v.preparedRecords[id]
	v.mu.Unlock()

	var source VMImage
	if hasRecord {
		if haveLastModified && lastModified == record.Image.ReleaseDate {
			v.mu.Lock()
			record.LastAccessed = time.Now()
			v.preparedRecords[id] = record
			v.mu.Unlock()
			v.metrics.CacheHit()
			return v.finalizeInstance(query, record.Image)
		}
		source = record.Image
	} else {
		dirName := fmt.Sprintf("%s-%s", urlBaseName(query.Release), dateStamp(lastModified))
		dir := filepath.Join(v.imagesDir, dirName)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return VMImage{}, err
		}
		source = VMImage{Id: id, ImagePath: filepath.Join(dir, urlFileName(query.Release))}
	}
	v.metrics.CacheMiss()

	guard := cleanup.New(source.ImagePath)
	defer guard.Close()

	if err := v.fetcher.DownloadTo(ctx, query.Release, source.ImagePath, 0, PhaseImage, monitor); err != nil {
		return VMImage{}, wrapDownload(err, "download %s", query.Release)
	}

	if fetchType == ImageKernelAndInitrd {
		kernelQuery := Query{Name: query.Name, Release: "default", Type: Alias}
		info, err := v.resolveCatalog(kernelQuery)
		if err != nil {
			return VMImage{}, err
		}
		source, err = v.fetchKernelAndInitrd(ctx, info, source, filepath.Dir(source.ImagePath), monitor)
		if err != nil {
			return VMImage{}, err
		}
	}

	if strings.HasSuffix(source.ImagePath, ".xz") {
		decoded, err := v.decodeDownloaded(source, monitor)
		if err != nil {
			return VMImage{}, err
		}
		source = decoded
	}

	prepared, err := v.runPrepare(prepare, source)
	if err != nil {
		return VMImage{}, err
	}
	prepared.ReleaseDate = lastModified
	guard.Commit()

	v.mu.Lock()
	v.preparedRecords[id] = VaultRecord{Image: prepared, Query: query, LastAccessed: time.Now()}
	if err := v.persistImageRecordsLocked(); err != nil {
		v.mu.Unlock()
		return VMImage{}, err
	}
	v.mu.Unlock()

	removeSourceArtifacts(source, prepared)

	return v.finalizeInstance(query, prepared)
}

// ---- alias path ----

func (v *Vault) fetchAlias(ctx context.Context, fetchType FetchType, query Query, prepare PrepareFunc, monitor Monitor) (VMImage, error) {
	info, err := v.resolveCatalog(query)
	if err != nil {
		return VMImage{}, err
	}

	if !v.platform.RemoteSupported(query.RemoteName) {
		return VMImage{}, newErr(UnsupportedRemote, nil, "%s is not a supported remote. Please use `multipass find` for supported images.", query.RemoteName)
	}
	if !v.platform.AliasSupported(query.Release, query.RemoteName) {
		return VMImage{}, newErr(UnsupportedAlias, nil, "%s is not a supported alias. Please use `multipass find` for supported image aliases.", query.Release)
	}

	id := info.Id

	v.mu.Lock()
	if pending, ok := v.inProgressFetches[id]; ok {
		v.mu.Unlock()
		notify(monitor, PhaseWaiting, -1)
		v.metrics.DedupJoin()

		prepared, err := pending.wait(ctx)
		if err != nil {
			return VMImage{}, err
		}

		v.mu.Lock()
		if rec, ok := v.preparedRecords[id]; ok {
			rec.LastAccessed = time.Now()
			v.preparedRecords[id] = rec
		}
		vmImage, err := v.finalizeInstanceLocked(query, prepared)
		if err == nil {
			err = v.persistAllLocked()
		}
		v.mu.Unlock()

		return vmImage, err
	}

	if query.Name != "" {
		for key, record := range v.preparedRecords {
			if record.Query.RemoteName != query.RemoteName {
				continue
			}
			if key != id && !containsString(record.Image.Aliases, query.Release) {
				continue
			}

			prepared := record.Image
			record.LastAccessed = time.Now()
			v.preparedRecords[key] = record

			vmImage, err := v.finalizeInstanceLocked(query, prepared)
			if err == nil {
				err = v.persistAllLocked()
			}
			if err == nil {
				v.mu.Unlock()
				v.metrics.CacheHit()
				return vmImage, nil
			}
			v.log().Warn("cannot create instance image, falling back to fresh fetch", "error", err)
			break
		}
	}
	v.metrics.CacheMiss()

	dirName := fmt.Sprintf("%s-%s", info.Release, info.Version)
	dir := filepath.Join(v.imagesDir, dirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		v.mu.Unlock()
		return VMImage{}, err
	}

	source := VMImage{
		Id:              id,
		ImagePath:       filepath.Join(dir, baseName(info.ImageLocation)),
		OriginalRelease: info.ReleaseTitle,
		Aliases:         append([]string(nil), info.Aliases...),
	}

	pending := newPendingFetch()
	v.inProgressFetches[id] = pending
	v.mu.Unlock()

	start := time.Now()
	v.metrics.FetchStarted(PhaseImage)
	go v.runAliasFetch(ctx, pending, fetchType, info, source, prepare, monitor)

	prepared, err := pending.wait(ctx)
	v.metrics.FetchDuration(time.Since(start).Seconds())
	if err != nil {
		v.mu.Lock()
		delete(v.inProgressFetches, id)
		v.mu.Unlock()
		return VMImage{}, err
	}

	v.mu.Lock()
	v.preparedRecords[id] = VaultRecord{Image: prepared, Query: query, LastAccessed: time.Now()}
	vmImage, finalizeErr := v.finalizeInstanceLocked(query, prepared)
	delete(v.inProgressFetches, id)
	persistErr := v.persistAllLocked()
	v.mu.Unlock()

	if finalizeErr != nil {
		return VMImage{}, finalizeErr
	}
	if persistErr != nil {
		return VMImage{}, persistErr
	}
	return vmImage, nil
}

// runAliasFetch is the async fetch task: download,
// verify, fetch kernel/initrd, decode, prepare. Every joining caller observes
// the same error through pending: a typed *Error as raised, anything else
// wrapped as CreateImageFailed.
func (v *Vault) runAliasFetch(ctx context.Context, pending *pendingFetch, fetchType FetchType, info *ImageInfo, source VMImage, prepare PrepareFunc, monitor Monitor) {
	prepared, err := v.doAliasFetch(ctx, fetchType, info, source, prepare, monitor)
	if err != nil {
		// Every failure path inside doAliasFetch already produces a typed
		// *Error (DownloadFailed, HashMismatch, DecodeFailed, PrepareFailed);
		// only wrap the rare case of something else escaping, so joining
		// callers still see a uniform CreateImageFailed instead of an
		// unclassified error.
		var vaultErr *Error
		if !errors.As(err, &vaultErr) {
			err = newErr(CreateImageFailed, err, "create image failed")
		}
		pending.finish(VMImage{}, err)
		return
	}
	pending.finish(prepared, nil)
}

func (v *Vault) doAliasFetch(ctx context.Context, fetchType FetchType, info *ImageInfo, source VMImage, prepare PrepareFunc, monitor Monitor) (VMImage, error) {
	guard := cleanup.New(source.ImagePath)
	defer guard.Close()

	if err := v.fetcher.DownloadTo(ctx, info.ImageLocation, source.ImagePath, info.Size, PhaseImage, monitor); err != nil {
		return VMImage{}, wrapDownload(err, "download %s", info.ImageLocation)
	}

	notify(monitor, PhaseVerify, -1)
	if err := verifyImage(source.ImagePath, source.Id); err != nil {
		return VMImage{}, err
	}

	var err error
	if fetchType == ImageKernelAndInitrd {
		source, err = v.fetchKernelAndInitrd(ctx, info, source, filepath.Dir(source.ImagePath), monitor)
		if err != nil {
			return VMImage{}, err
		}
	}

	if strings.HasSuffix(source.ImagePath, ".xz") {
		source, err = v.decodeDownloaded(source, monitor)
		if err != nil {
			return VMImage{}, err
		}
	}

	prepared, err := v.runPrepare(prepare, source)
	if err != nil {
		return VMImage{}, err
	}
	guard.Commit()
	removeSourceArtifacts(source, prepared)

	return prepared, nil
}

// ---- expiry and refresh ----

// PruneExpired removes prepared alias records that are not persistent and
// have not been accessed within the configured expiry window, deleting
// their containing image directories.
func (v *Vault) PruneExpired() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := time.Now()
	var expiredKeys []string
	for key, record := range v.preparedRecords {
		if record.Query.Type != Alias || record.Query.Persistent {
			continue
		}
		if record.LastAccessed.Add(v.daysToExpire).After(now) {
			continue
		}

		v.log().Info("source image is expired, removing it from the cache", "release", record.Query.Release)
		expiredKeys = append(expiredKeys, key)

		if _, err := os.Stat(record.Image.ImagePath); err == nil {
			_ = os.RemoveAll(filepath.Dir(record.Image.ImagePath))
		}
	}

	for _, key := range expiredKeys {
		delete(v.preparedRecords, key)
	}
	v.metrics.Expired(len(expiredKeys))

	return v.persistImageRecordsLocked()
}

// UpdateImages re-resolves every alias-type prepared record whose key does
// not start with (by the original vault's heuristic, kept here) the record's
// own release string, and schedules a re-fetch for any whose catalog id has
// moved on. The stale record ages out through PruneExpired once the new one
// has been in place for the expiry window.
func (v *Vault) UpdateImages(ctx context.Context, fetchType FetchType, prepare PrepareFunc, monitor Monitor) error {
	v.mu.Lock()
	var toUpdate []Query
	for key, record := range v.preparedRecords {
		if record.Query.Type != Alias {
			continue
		}
		if strings.HasPrefix(key, record.Query.Release) {
			continue
		}
		info, err := v.catalog.InfoFor(record.Query)
		if err != nil || info == nil {
			continue
		}
		if info.Id != key {
			toUpdate = append(toUpdate, record.Query)
		}
	}
	v.mu.Unlock()

	for _, query := range toUpdate {
		v.log().Info("updating source image to latest", "release", query.Release)
		if _, err := v.FetchImage(ctx, fetchType, query, prepare, monitor); err != nil {
			return err
		}
	}
	return nil
}

// ---- shared helpers ----

func (v *Vault) resolveCatalog(query Query) (*ImageInfo, error) {
	return v.catalog.InfoFor(query)
}

func (v *Vault) runPrepare(prepare PrepareFunc, source VMImage) (VMImage, error) {
	if prepare == nil {
		return source, nil
	}
	prepared, err := prepare(source)
	if err != nil {
		return VMImage{}, newErr(PrepareFailed, err, "prepare failed")
	}
	return prepared, nil
}

func (v *Vault) fetchKernelAndInitrd(ctx context.Context, info *ImageInfo, source VMImage, dir string, monitor Monitor) (VMImage, error) {
	image := source
	image.KernelPath = filepath.Join(dir, baseName(info.KernelLocation))
	image.InitrdPath = filepath.Join(dir, baseName(info.InitrdLocation))

	kernelGuard := cleanup.New(image.KernelPath)
	defer kernelGuard.Close()
	initrdGuard := cleanup.New(image.InitrdPath)
	defer initrdGuard.Close()

	if err := v.fetcher.DownloadTo(ctx, info.KernelLocation, image.KernelPath, -1, PhaseKernel, monitor); err != nil {
		return VMImage{}, wrapDownload(err, "download kernel %s", info.KernelLocation)
	}
	if err := v.fetcher.DownloadTo(ctx, info.InitrdLocation, image.InitrdPath, -1, PhaseInitrd, monitor); err != nil {
		return VMImage{}, wrapDownload(err, "download initrd %s", info.InitrdLocation)
	}

	kernelGuard.Commit()
	initrdGuard.Commit()
	return image, nil
}

func (v *Vault) decodeDownloaded(source VMImage, monitor Monitor) (VMImage, error) {
	image := source
	decodedPath := strings.TrimSuffix(image.ImagePath, ".xz")

	if err := v.decoder.DecodeTo(image.ImagePath, decodedPath, monitor); err != nil {
		return VMImage{}, err
	}
	_ = os.Remove(source.ImagePath)
	image.ImagePath = decodedPath
	return image, nil
}

func (v *Vault) extractIntoInstance(instanceName string, source VMImage, monitor Monitor) (VMImage, error) {
	outputDir := filepath.Join(v.instancesDir, instanceName)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return VMImage{}, err
	}

	imageName := strings.TrimSuffix(filepath.Base(source.ImagePath), ".xz")
	imagePath := filepath.Join(outputDir, imageName)

	image := source
	image.ImagePath = imagePath

	if err := v.decoder.DecodeTo(source.ImagePath, imagePath, monitor); err != nil {
		return VMImage{}, err
	}
	return image, nil
}

func (v *Vault) copyIntoInstance(instanceName string, source VMImage) (VMImage, error) {
	outputDir := filepath.Join(v.instancesDir, instanceName)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return VMImage{}, err
	}

	path, err := copyFile(source.ImagePath, outputDir)
	if err != nil {
		return VMImage{}, err
	}

	image := source
	image.ImagePath = path
	return image, nil
}

// finalizeInstance materializes an instance copy (if query.Name is set) and
// persists both record stores, mirroring the original vault's
// finalize_image_records.
func (v *Vault) finalizeInstance(query Query, prepared VMImage) (VMImage, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	vmImage, err := v.finalizeInstanceLocked(query, prepared)
	if err != nil {
		return VMImage{}, err
	}
	if err := v.persistAllLocked(); err != nil {
		return VMImage{}, err
	}
	return vmImage, nil
}

// registerLocalInstance records prepared as the instance's image without
// re-copying it. The local-file path (fetchLocalFile) already materializes
// prepared directly inside the instance directory before calling this, so
// routing it through finalizeInstance/copyIntoInstanceLocked would copy the
// file onto itself: copyFile opens the destination with O_TRUNC before
// reading from a source that is the same path, truncating it to empty.
func (v *Vault) registerLocalInstance(query Query, prepared VMImage) (VMImage, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if query.Name != "" {
		v.instanceRecords[query.Name] = VaultRecord{Image: prepared, Query: query, LastAccessed: time.Now()}
	}
	if err := v.persistInstanceRecordsLocked(); err != nil {
		return VMImage{}, err
	}
	return prepared, nil
}

func (v *Vault) finalizeInstanceLocked(query Query, prepared VMImage) (VMImage, error) {
	var vmImage VMImage
	if query.Name != "" {
		instance, err := v.copyIntoInstanceLocked(query.Name, prepared)
		if err != nil {
			return VMImage{}, err
		}
		vmImage = instance
		v.instanceRecords[query.Name] = VaultRecord{Image: vmImage, Query: query, LastAccessed: time.Now()}
	}
	return vmImage, nil
}

// copyIntoInstanceLocked copies a prepared image's files into a fresh
// instance directory. The copy's alias list
// is intentionally left empty — this preserves the observed (if arguably
// accidental) behavior of the source system rather than "fixing" it.
func (v *Vault) copyIntoInstanceLocked(name string, prepared VMImage) (VMImage, error) {
	outputDir := filepath.Join(v.instancesDir, name)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return VMImage{}, err
	}

	imagePath, err := copyFile(prepared.ImagePath, outputDir)
	if err != nil {
		return VMImage{}, err
	}
	kernelPath, err := copyFile(prepared.KernelPath, outputDir)
	if err != nil {
		return VMImage{}, err
	}
	initrdPath, err := copyFile(prepared.InitrdPath, outputDir)
	if err != nil {
		return VMImage{}, err
	}

	return VMImage{
		ImagePath:       imagePath,
		KernelPath:      kernelPath,
		InitrdPath:      initrdPath,
		Id:              prepared.Id,
		OriginalRelease: prepared.OriginalRelease,
		CurrentRelease:  prepared.CurrentRelease,
		ReleaseDate:     prepared.ReleaseDate,
	}, nil
}

func (v *Vault) persistImageRecordsLocked() error {
	return saveRecords(filepath.Join(v.cacheDir, imageRecordsFile), v.preparedRecords)
}

func (v *Vault) persistInstanceRecordsLocked() error {
	return saveRecords(filepath.Join(v.dataDir, instanceRecordsFile), v.instanceRecords)
}

func (v *Vault) persistAllLocked() error {
	if err := v.persistInstanceRecordsLocked(); err != nil {
		return err
	}
	return v.persistImageRecordsLocked()
}

// ---- free functions ----

func verifyImage(path, expectedID string) error {
	f, err := os.Open(path)
	if err != nil {
		return newErr(DownloadFailed, err, "cannot open image file for computing hash")
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return newErr(DownloadFailed, err, "cannot read image file to compute hash")
	}

	got := hex.EncodeToString(h.Sum(nil))
	if got != expectedID {
		_ = f.Close()
		_ = os.Remove(path)
		return newErr(HashMismatch, nil, "downloaded image hash %s does not match expected %s", got, expectedID)
	}
	return nil
}

// removeSourceArtifacts deletes any of source's three paths that prepare
// replaced with a different path; a no-op prepare leaves all three
// untouched.
func removeSourceArtifacts(source, prepared VMImage) {
	if source.ImagePath != "" && source.ImagePath != prepared.ImagePath {
		_ = os.Remove(source.ImagePath)
	}
	if source.KernelPath != "" && source.KernelPath != prepared.KernelPath {
		_ = os.Remove(source.KernelPath)
	}
	if source.InitrdPath != "" && source.InitrdPath != prepared.InitrdPath {
		_ = os.Remove(source.InitrdPath)
	}
}

func copyFile(src, outputDir string) (string, error) {
	if src == "" {
		return "", nil
	}
	if _, err := os.Stat(src); err != nil {
		return "", fmt.Errorf("%s missing", src)
	}

	dst := filepath.Join(outputDir, filepath.Base(src))

	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return dst, nil
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func baseName(urlOrPath string) string {
	if urlOrPath == "" {
		return ""
	}
	idx := strings.LastIndexAny(urlOrPath, "/\\")
	return urlOrPath[idx+1:]
}

func urlBaseName(rawURL string) string {
	name := baseName(rawURL)
	name = strings.TrimSuffix(name, ".xz")
	if idx := strings.Index(name, "."); idx >= 0 {
		name = name[:idx]
	}
	return name
}

func urlFileName(rawURL string) string {
	return baseName(rawURL)
}

func dateStamp(lastModified string) string {
	if lastModified == "" {
		return "00000000"
	}
	t, err := http.ParseTime(lastModified)
	if err != nil {
		return "00000000"
	}
	return t.Format("20060102")
}

func wrapDownload(err error, format string, args ...any) error {
	var vaultErr *Error
	if errors.As(err, &vaultErr) {
		return vaultErr
	}
	return newErr(DownloadFailed, err, format, args...)
}
