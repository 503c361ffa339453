package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// fileRecord is one persisted entry, plus the insertion sequence used to
// break createdAt ties deterministically.
type fileRecord struct {
	Entry Entry
	Seq   int
}

type fileDoc struct {
	Entries []diskEntry `json:"entries"`
}

// diskEntry is the on-disk shape: Entry's fields flattened. Entries are
// written in listing order (CreatedAt, then insertion sequence), and load
// takes each entry's position as its sequence, so reloading preserves
// tie-break order without needing a separate sequence field on disk.
type diskEntry struct {
	SiteRegistration
	SpecJSON []byte `json:"spec_json"`
}

// FileStore is a Registry backed by a single JSON document under dir,
// written with a write-temp-then-rename sequence so every mutation is
// crash-atomic: after a write, readers observe either the prior state or
// the new state, never a torn file.
type FileStore struct {
	path string
	log  *zap.SugaredLogger

	mu      sync.Mutex
	records map[string]*fileRecord
	nextSeq int
}

// NewFileStore opens (or creates) the registry file at filepath.Join(dir,
// "registry.json"). A corrupt file is logged and treated as empty rather
// than failing startup.
func NewFileStore(dir string, log *zap.SugaredLogger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	fs := &FileStore{
		path:    filepath.Join(dir, "registry.json"),
		log:     log,
		records: map[string]*fileRecord{},
	}
	if err := fs.load(); err != nil {
		log.Warnw("registry file corrupt, starting empty", "path", fs.path, "err", err)
		fs.records = map[string]*fileRecord{}
		fs.nextSeq = 0
	}
	return fs, nil
}

func (fs *FileStore) load() error {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	var doc fileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	for i, e := range doc.Entries {
		fs.records[e.Slug] = &fileRecord{
			Entry: Entry{SiteRegistration: e.SiteRegistration, SpecJSON: e.SpecJSON},
			Seq:   i,
		}
	}
	fs.nextSeq = len(doc.Entries)
	return nil
}

func (fs *FileStore) Register(ctx context.Context, reg SiteRegistration, specJSON []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	seq := fs.nextSeq
	if existing, ok := fs.records[reg.Slug]; ok {
		seq = existing.Seq
	} else {
		fs.nextSeq++
	}
	fs.records[reg.Slug] = &fileRecord{
		Entry: Entry{SiteRegistration: reg, SpecJSON: specJSON},
		Seq:   seq,
	}
	return fs.persistLocked()
}

func (fs *FileStore) Get(ctx context.Context, slug string) (Entry, bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	r, ok := fs.records[slug]
	if !ok {
		return Entry{}, false, nil
	}
	return r.Entry, true, nil
}

func (fs *FileStore) List(ctx context.Context) ([]SiteRegistration, error) {
	entries, err := fs.ListWithSpecs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]SiteRegistration, len(entries))
	for i, e := range entries {
		out[i] = e.SiteRegistration
	}
	return out, nil
}

func (fs *FileStore) ListWithSpecs(ctx context.Context) ([]Entry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	recs := make([]*fileRecord, 0, len(fs.records))
	for _, r := range fs.records {
		recs = append(recs, r)
	}
	sortRecords(recs)
	out := make([]Entry, len(recs))
	for i, r := range recs {
		out[i] = r.Entry
	}
	return out, nil
}

func (fs *FileStore) Delete(ctx context.Context, slug string) (bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.records[slug]; !ok {
		return false, nil
	}
	delete(fs.records, slug)
	if err := fs.persistLocked(); err != nil {
		return false, err
	}
	return true, nil
}

func (fs *FileStore) Close() error { return nil }

func sortRecords(recs []*fileRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		ti, tj := recs[i].Entry.CreatedAt, recs[j].Entry.CreatedAt
		if ti.Equal(tj) {
			return recs[i].Seq < recs[j].Seq
		}
		return ti.Before(tj)
	})
}

// persistLocked writes the full registry document via write-temp-then-
// rename. Callers must hold fs.mu.
func (fs *FileStore) persistLocked() error {
	recs := make([]*fileRecord, 0, len(fs.records))
	for _, r := range fs.records {
		recs = append(recs, r)
	}
	sortRecords(recs)

	doc := fileDoc{Entries: make([]diskEntry, len(recs))}
	for i, r := range recs {
		doc.Entries[i] = diskEntry{SiteRegistration: r.Entry.SiteRegistration, SpecJSON: r.Entry.SpecJSON}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, fs.path)
}
