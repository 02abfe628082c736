package vault

// Persistence loads and atomically rewrites the two JSON-serialized record
// stores: write-to-temp-then-rename, with load failures of any kind
// silently producing an empty map rather than a propagated error.
//
// The persistence shape here is a single JSON object mapping key to record,
// unlike the one-file-per-entry layout in
// internal/sandbox/repositories/images/local.go (LocalImageRepository); the
// on-disk schema is fixed as one object per store, but the atomic-write
// technique (temp file, rename) is grounded on both that repository's
// persistence style and the temp-file-then-os.Rename idiom in
// lissto-dev-api's pkg/cache/file.go FileCache.save.

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/cochaviz/vmvault/internal/vaultio"
)

type jsonQuery struct {
	Release    string `json:"release"`
	Persistent bool   `json:"persistent"`
	RemoteName string `json:"remote_name"`
	// QueryType is written under both keys: the original C++ vault wrote
	// "query_type" but read back "type". Type is kept for
	// read-compatibility with that convention and takes precedence when
	// present; saves always set both to the same value, so precedence only
	// matters for records written before this dual-write existed.
	QueryType int  `json:"query_type"`
	Type      *int `json:"type,omitempty"`
}

type jsonAlias struct {
	Alias string `json:"alias"`
}

type jsonImage struct {
	Path            string      `json:"path"`
	KernelPath      string      `json:"kernel_path"`
	InitrdPath      string      `json:"initrd_path"`
	Id              string      `json:"id"`
	OriginalRelease string      `json:"original_release"`
	CurrentRelease  string      `json:"current_release"`
	ReleaseDate     string      `json:"release_date"`
	Aliases         []jsonAlias `json:"aliases"`
}

type jsonRecord struct {
	Image json.RawMessage `json:"image"`
	Query json.RawMessage `json:"query"`
	// LastAccessed is nanoseconds since the Unix epoch: made explicit and
	// portable, rather than a raw clock-tick count.
	LastAccessed int64 `json:"last_accessed"`
}

// loadRecords reads path and decodes it into a record map. Any I/O error,
// parse error, or structurally invalid record yields an empty map.
func loadRecords(path string) map[string]VaultRecord {
	data, err := os.ReadFile(path)
	if err != nil {
		return map[string]VaultRecord{}
	}

	var raw map[string]jsonRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		return map[string]VaultRecord{}
	}
	if len(raw) == 0 {
		return map[string]VaultRecord{}
	}

	records := make(map[string]VaultRecord, len(raw))
	for key, rec := range raw {
		record, ok := decodeRecord(rec)
		if !ok {
			return map[string]VaultRecord{}
		}
		records[key] = record
	}
	return records
}

func decodeRecord(rec jsonRecord) (VaultRecord, bool) {
	var img jsonImage
	if len(rec.Image) == 0 || json.Unmarshal(rec.Image, &img) != nil {
		return VaultRecord{}, false
	}

	var q jsonQuery
	if len(rec.Query) == 0 || json.Unmarshal(rec.Query, &q) != nil {
		return VaultRecord{}, false
	}

	aliases := make([]string, 0, len(img.Aliases))
	for _, a := range img.Aliases {
		aliases = append(aliases, a.Alias)
	}

	queryType := q.QueryType
	if q.Type != nil {
		queryType = *q.Type
	}

	var lastAccessed time.Time
	if rec.LastAccessed == 0 {
		lastAccessed = time.Now()
	} else {
		lastAccessed = time.Unix(0, rec.LastAccessed)
	}

	return VaultRecord{
		Image: VMImage{
			ImagePath:       img.Path,
			KernelPath:      img.KernelPath,
			InitrdPath:      img.InitrdPath,
			Id:              img.Id,
			OriginalRelease: img.OriginalRelease,
			CurrentRelease:  img.CurrentRelease,
			ReleaseDate:     img.ReleaseDate,
			Aliases:         aliases,
		},
		Query: Query{
			Release:    q.Release,
			Persistent: q.Persistent,
			RemoteName: q.RemoteName,
			Type:       Type(queryType),
		},
		LastAccessed: lastAccessed,
	}, true
}

// saveRecords atomically rewrites path with the full contents of records:
// marshal to a temp file in the same directory, fsync it, rename over the
// target, then fsync the directory so the rename itself survives a crash.
func saveRecords(path string, records map[string]VaultRecord) error {
	raw := make(map[string]jsonRecord, len(records))
	for key, record := range records {
		raw[key] = encodeRecord(record)
	}

	payload, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmpPath := filepath.Join(dir, ".tmp-"+uuid.NewString())
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := vaultio.SyncFile(f); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	// Best-effort: a missing directory fsync does not make the rename any
	// less applied, only less durable against a concurrent power loss.
	_ = vaultio.SyncPath(dir)

	return nil
}

func encodeRecord(record VaultRecord) jsonRecord {
	aliases := make([]jsonAlias, 0, len(record.Image.Aliases))
	for _, a := range record.Image.Aliases {
		aliases = append(aliases, jsonAlias{Alias: a})
	}

	img := jsonImage{
		Path:            record.Image.ImagePath,
		KernelPath:      record.Image.KernelPath,
		InitrdPath:      record.Image.InitrdPath,
		Id:              record.Image.Id,
		OriginalRelease: record.Image.OriginalRelease,
		CurrentRelease:  record.Image.CurrentRelease,
		ReleaseDate:     record.Image.ReleaseDate,
		Aliases:         aliases,
	}
	imgJSON, _ := json.Marshal(img)

	queryType := int(record.Query.Type)
	q := jsonQuery{
		Release:    record.Query.Release,
		Persistent: record.Query.Persistent,
		RemoteName: record.Query.RemoteName,
		QueryType:  queryType,
		Type:       &queryType,
	}
	qJSON, _ := json.Marshal(q)

	return jsonRecord{
		Image:        imgJSON,
		Query:        qJSON,
		LastAccessed: record.LastAccessed.UnixNano(),
	}
}
