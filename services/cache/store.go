// Package cache persists parsed guide sources on disk and reconstitutes
// them on read. Small sources are stored inline as a single file; large
// ones are split into typed chunks (channel list, lookup maps, fixed-size
// program shards) described by a manifest. A top-level index enumerates all
// known sources. The manifest is always written last, making it the commit
// point: a source whose manifest never landed reads back as a clean miss.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"guidecache/models"
)

var (
	// ErrCacheMiss reports that a source is absent, expired, uncacheable,
	// or could not be reconstructed. It is expected, not exceptional:
	// callers respond by reloading from origin.
	ErrCacheMiss = errors.New("cache miss")

	// ErrIndexCorrupt reports that the top-level index failed structural
	// validation. The whole cache is rejected.
	ErrIndexCorrupt = errors.New("cache index corrupt")
)

// Chunk type tags used in manifests and chunk payloads.
const (
	ChunkChannels      = "channels"
	ChunkChannelMap    = "channelMap"
	ChunkProgramMap    = "programMap"
	ChunkProgramsShard = "programs-shard"
)

const (
	indexFile    = "index.json"
	manifestFile = "manifest.json"
	sourcesDir   = "sources"

	defaultChannelCeiling = 10000
	defaultShardSize      = 100000
)

// Options configures a Store.
type Options struct {
	// ChannelCeiling forces chunked storage for sources with more channels.
	ChannelCeiling int

	// ShardSize is the number of programs per shard file. Sources whose
	// programs do not fit in one shard are stored chunked.
	ShardSize int

	// CriticalSources lists source-key substrings that must materialize
	// for ReadAll to accept the cache.
	CriticalSources []string

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Store is the single owner of the on-disk guide cache.
type Store struct {
	fs   afero.Fs
	root string
	opts Options
	now  func() time.Time

	// mu serializes index read-modify-write cycles; concurrent source
	// finalizations would otherwise lose updates.
	mu sync.Mutex
}

// NewStore creates a store rooted at root on fs.
func NewStore(fs afero.Fs, root string, opts Options) *Store {
	if opts.ChannelCeiling <= 0 {
		opts.ChannelCeiling = defaultChannelCeiling
	}
	if opts.ShardSize <= 0 {
		opts.ShardSize = defaultShardSize
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{fs: fs, root: root, opts: opts, now: now}
}

// Index is the top-level file enumerating all known sources.
type Index struct {
	UpdatedAt time.Time             `json:"updatedAt"`
	Channels  int                   `json:"channels"`
	Programs  int                   `json:"programs"`
	Sources   map[string]IndexEntry `json:"sources"`
}

// IndexEntry describes one source in the index. Path is relative to the
// cache root: the single file for inline sources, the manifest for chunked
// ones. Uncacheable entries have no usable path and never survive a
// restart.
type IndexEntry struct {
	Key         string             `json:"key"`
	URL         string             `json:"url,omitempty"`
	Mode        models.StorageMode `json:"mode,omitempty"`
	Path        string             `json:"path,omitempty"`
	Channels    int                `json:"channels"`
	Programs    int                `json:"programs"`
	UpdatedAt   time.Time          `json:"updatedAt"`
	Uncacheable bool               `json:"uncacheable,omitempty"`
}

// Manifest describes how one chunked source is split across files.
type Manifest struct {
	Key       string     `json:"key"`
	CreatedAt time.Time  `json:"createdAt"`
	Chunks    []ChunkRef `json:"chunks"`
}

// ChunkRef is one typed chunk descriptor. Path is relative to the manifest
// directory. Concatenating all programs-shard chunks in listed order
// reconstructs the full program list.
type ChunkRef struct {
	Type  string `json:"type"`
	Path  string `json:"path"`
	Count int    `json:"count"`
}

// chunkPayload is the on-disk form of a single chunk, typed by Type.
type chunkPayload struct {
	Type       string            `json:"type"`
	Channels   []models.Channel  `json:"channels,omitempty"`
	ChannelMap map[string]string `json:"channelMap,omitempty"`
	ProgramMap map[string][]int  `json:"programMap,omitempty"`
	Programs   []models.Program  `json:"programs,omitempty"`
}

// WriteResult summarizes a completed source write.
type WriteResult struct {
	Key         string
	Mode        models.StorageMode
	Channels    int
	Programs    int
	Shards      int
	Uncacheable bool

	// Source carries the assembled in-memory source when the write failed
	// and the entry was marked uncacheable: still usable for this process,
	// gone after restart.
	Source *models.Source
}

// WriteSource persists a fully materialized source, choosing inline or
// chunked storage by size. Serialization failures are not hard errors; the
// source is marked uncacheable and returned in the result instead.
func (s *Store) WriteSource(key string, src *models.Source) (WriteResult, error) {
	w := s.NewWriter(key, src.URL)
	for start := 0; start < len(src.Programs); start += s.opts.ShardSize {
		end := start + s.opts.ShardSize
		if end > len(src.Programs) {
			end = len(src.Programs)
		}
		w.FlushPrograms(src.Programs[start:end])
	}
	return w.Finalize(src.Channels, src.ChannelMap, src.ProgramMap)
}

// ReadSource reconstitutes one source from disk. Any missing or unparseable
// artifact yields ErrCacheMiss, never a partial source.
func (s *Store) ReadSource(key string) (*models.Source, error) {
	s.mu.Lock()
	idx, err := s.loadIndex()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	entry, ok := idx.Sources[key]
	if !ok || entry.Uncacheable {
		return nil, fmt.Errorf("source %q: %w", key, ErrCacheMiss)
	}
	return s.readEntry(entry)
}

func (s *Store) readEntry(entry IndexEntry) (*models.Source, error) {
	switch entry.Mode {
	case models.StorageInline:
		var src models.Source
		if err := s.readJSON(entry.Path, &src); err != nil {
			return nil, fmt.Errorf("source %q: %v: %w", entry.Key, err, ErrCacheMiss)
		}
		src.Key = entry.Key
		return &src, nil
	case models.StorageChunked:
		src, err := s.readChunked(entry)
		if err != nil {
			return nil, fmt.Errorf("source %q: %v: %w", entry.Key, err, ErrCacheMiss)
		}
		return src, nil
	default:
		return nil, fmt.Errorf("source %q: unknown storage mode %q: %w", entry.Key, entry.Mode, ErrCacheMiss)
	}
}

func (s *Store) readChunked(entry IndexEntry) (*models.Source, error) {
	var man Manifest
	if err := s.readJSON(entry.Path, &man); err != nil {
		return nil, err
	}
	dir := path.Dir(entry.Path)

	src := &models.Source{
		Key:       entry.Key,
		URL:       entry.URL,
		UpdatedAt: entry.UpdatedAt,
	}
	for _, chunk := range man.Chunks {
		var payload chunkPayload
		if err := s.readJSON(path.Join(dir, chunk.Path), &payload); err != nil {
			return nil, err
		}
		if payload.Type != chunk.Type {
			return nil, fmt.Errorf("chunk %s: type %q does not match descriptor %q", chunk.Path, payload.Type, chunk.Type)
		}
		switch chunk.Type {
		case ChunkChannels:
			src.Channels = append(src.Channels, payload.Channels...)
		case ChunkChannelMap:
			src.ChannelMap = mergeStringMap(src.ChannelMap, payload.ChannelMap)
		case ChunkProgramMap:
			src.ProgramMap = mergeIndexMap(src.ProgramMap, payload.ProgramMap)
		case ChunkProgramsShard:
			if len(payload.Programs) != chunk.Count {
				return nil, fmt.Errorf("chunk %s: %d programs, descriptor says %d", chunk.Path, len(payload.Programs), chunk.Count)
			}
			src.Programs = append(src.Programs, payload.Programs...)
		default:
			return nil, fmt.Errorf("chunk %s: unknown type %q", chunk.Path, chunk.Type)
		}
	}

	if len(src.Programs) != entry.Programs {
		return nil, fmt.Errorf("reassembled %d programs, index says %d", len(src.Programs), entry.Programs)
	}
	return src, nil
}

// ReadAll reconstitutes every cached source. The whole cache is rejected
// when the index is corrupt, when zero sources materialize, or when a
// configured critical source is missing, uncacheable, or fails to read:
// downstream consumers need a guaranteed-complete minimum data set.
func (s *Store) ReadAll() (map[string]*models.Source, error) {
	s.mu.Lock()
	idx, err := s.loadIndex()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if len(idx.Sources) == 0 {
		return nil, fmt.Errorf("cache index has no sources: %w", ErrCacheMiss)
	}

	sources := make(map[string]*models.Source, len(idx.Sources))
	failed := make(map[string]error)
	for key, entry := range idx.Sources {
		if entry.Uncacheable {
			continue
		}
		src, err := s.readEntry(entry)
		if err != nil {
			log.Printf("[cache] source %s failed to materialize: %v", key, err)
			failed[key] = err
			continue
		}
		sources[key] = src
	}

	if len(sources) == 0 {
		return nil, fmt.Errorf("no cached sources materialized: %w", ErrCacheMiss)
	}
	for _, critical := range s.opts.CriticalSources {
		if err := checkCritical(critical, idx, sources, failed); err != nil {
			return nil, err
		}
	}
	return sources, nil
}

// checkCritical enforces the whole-cache gate for one must-have key
// substring.
func checkCritical(critical string, idx *Index, sources map[string]*models.Source, failed map[string]error) error {
	present := false
	usable := false
	for key, entry := range idx.Sources {
		if !containsFold(key, critical) {
			continue
		}
		present = true
		if entry.Uncacheable {
			continue
		}
		if _, ok := failed[key]; ok {
			return fmt.Errorf("critical source %q failed to materialize: %w", key, ErrCacheMiss)
		}
		if _, ok := sources[key]; ok {
			usable = true
		}
	}
	if !present {
		return fmt.Errorf("critical source %q missing from index: %w", critical, ErrCacheMiss)
	}
	if !usable {
		return fmt.Errorf("critical source %q only present as uncacheable: %w", critical, ErrCacheMiss)
	}
	return nil
}

// IsValid reports whether the backing file for key exists and is younger
// than ttl. An age exactly equal to ttl counts as expired.
func (s *Store) IsValid(key string, ttl time.Duration) bool {
	s.mu.Lock()
	idx, err := s.loadIndex()
	s.mu.Unlock()
	if err != nil {
		return false
	}
	entry, ok := idx.Sources[key]
	if !ok || entry.Uncacheable || entry.Path == "" {
		return false
	}
	info, err := s.fs.Stat(path.Join(s.root, entry.Path))
	if err != nil {
		return false
	}
	age := s.now().Sub(info.ModTime())
	return age < ttl
}

// Invalidate removes a source from the index and deletes its files.
func (s *Store) Invalidate(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.loadIndex()
	if err != nil {
		return err
	}
	if _, ok := idx.Sources[key]; !ok {
		return nil
	}
	delete(idx.Sources, key)
	if err := s.writeIndex(idx); err != nil {
		return err
	}
	_ = s.fs.RemoveAll(path.Join(s.root, sourcesDir, key))
	_ = s.fs.Remove(path.Join(s.root, sourcesDir, key+".json"))
	return nil
}

// Stats returns a copy of the current index for reporting.
func (s *Store) Stats() (*Index, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadIndex()
}

// updateEntry performs one read-modify-write cycle on the index.
func (s *Store) updateEntry(entry IndexEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.loadIndex()
	if err != nil {
		// A corrupt index should not block fresh writes; start over.
		log.Printf("[cache] resetting index: %v", err)
		idx = emptyIndex()
	}
	idx.Sources[entry.Key] = entry
	idx.UpdatedAt = s.now()
	idx.Channels = 0
	idx.Programs = 0
	for _, e := range idx.Sources {
		idx.Channels += e.Channels
		idx.Programs += e.Programs
	}
	return s.writeIndex(idx)
}

func emptyIndex() *Index {
	return &Index{Sources: make(map[string]IndexEntry)}
}

// loadIndex reads and structurally validates the index. Callers hold s.mu.
func (s *Store) loadIndex() (*Index, error) {
	p := path.Join(s.root, indexFile)
	ok, err := afero.Exists(s.fs, p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return emptyIndex(), nil
	}
	data, err := afero.ReadFile(s.fs, p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexCorrupt, err)
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexCorrupt, err)
	}
	if idx.Sources == nil {
		idx.Sources = make(map[string]IndexEntry)
	}
	for key, entry := range idx.Sources {
		if entry.Key == "" || entry.Key != key {
			return nil, fmt.Errorf("%w: entry %q has mismatched key", ErrIndexCorrupt, key)
		}
		if entry.Uncacheable {
			continue
		}
		if entry.Mode != models.StorageInline && entry.Mode != models.StorageChunked {
			return nil, fmt.Errorf("%w: entry %q has unknown mode %q", ErrIndexCorrupt, key, entry.Mode)
		}
		if entry.Path == "" {
			return nil, fmt.Errorf("%w: entry %q has no path", ErrIndexCorrupt, key)
		}
	}
	return &idx, nil
}

func (s *Store) writeIndex(idx *Index) error {
	return s.writeJSON(indexFile, idx)
}

// writeJSON writes a JSON file atomically via temp file rename. rel is
// relative to the cache root.
func (s *Store) writeJSON(rel string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	full := path.Join(s.root, rel)
	if err := s.fs.MkdirAll(path.Dir(full), 0o755); err != nil {
		return err
	}
	tmp := full + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return err
	}
	if err := s.fs.Rename(tmp, full); err != nil {
		_ = s.fs.Remove(tmp)
		return err
	}
	return nil
}

func (s *Store) readJSON(rel string, v interface{}) error {
	data, err := afero.ReadFile(s.fs, path.Join(s.root, rel))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func mergeStringMap(dst, src map[string]string) map[string]string {
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func mergeIndexMap(dst, src map[string][]int) map[string][]int {
	if dst == nil {
		dst = make(map[string][]int, len(src))
	}
	for k, v := range src {
		dst[k] = append(dst[k], v...)
	}
	return dst
}

func containsFold(s, substr string) bool {
	return substr != "" && strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
