package cache

import (
	"fmt"
	"log"
	"path"
	"time"

	"guidecache/models"
)

// SourceWriter streams one source into the cache. Program batches arriving
// from the parser become shard files as they are flushed; Finalize writes
// the remaining artifacts and the manifest, then updates the index. Nothing
// is committed until the manifest lands, so a cancelled or crashed write
// reads back as a clean miss.
//
// Write failures never surface as errors: the writer switches to retaining
// programs in memory and the source is finalized as uncacheable.
type SourceWriter struct {
	s   *Store
	key string
	url string
	dir string // sources/<key>, relative to the cache root

	shards       []ChunkRef
	flushedTotal int

	// pending holds the trailing partial batch until Finalize decides
	// between inline and chunked storage.
	pending []models.Program

	// retained accumulates programs that could not be written once the
	// writer goes uncacheable.
	retained    []models.Program
	uncacheable bool
}

// NewWriter starts a streaming write for key. Any previous data for the key
// stays readable until the new write commits.
func (s *Store) NewWriter(key, url string) *SourceWriter {
	return &SourceWriter{
		s:   s,
		key: key,
		url: url,
		dir: path.Join(sourcesDir, key),
	}
}

// FlushPrograms accepts one parser flush. Full batches (the flush
// threshold equals the shard size) become shard files immediately; a
// trailing partial batch is held for Finalize.
func (w *SourceWriter) FlushPrograms(batch []models.Program) {
	if len(batch) == 0 {
		return
	}
	if w.uncacheable {
		w.retained = append(w.retained, batch...)
		return
	}
	if len(w.pending) > 0 {
		// More batches after a partial one: the held batch is a real shard.
		held := w.pending
		w.pending = nil
		w.writeShard(held)
		if w.uncacheable {
			w.retained = append(w.retained, batch...)
			return
		}
	}
	if len(batch) >= w.s.opts.ShardSize {
		w.writeShard(batch)
		return
	}
	w.pending = append(w.pending[:0], batch...)
}

func (w *SourceWriter) writeShard(programs []models.Program) {
	name := fmt.Sprintf("programs_%03d.json", len(w.shards))
	payload := chunkPayload{Type: ChunkProgramsShard, Programs: programs}
	if err := w.s.writeJSON(path.Join(w.dir, name), payload); err != nil {
		log.Printf("[cache] source %s: shard write failed, going uncacheable: %v", w.key, err)
		w.uncacheable = true
		w.retained = append(w.retained, programs...)
		return
	}
	w.shards = append(w.shards, ChunkRef{Type: ChunkProgramsShard, Path: name, Count: len(programs)})
	w.flushedTotal += len(programs)
}

// Finalize completes the write. channelMap and programMap are derived
// structures supplied by the caller; both are optional.
func (w *SourceWriter) Finalize(channels []models.Channel, channelMap map[string]string, programMap map[string][]int) (WriteResult, error) {
	now := w.s.now()
	total := w.flushedTotal + len(w.pending)

	if w.uncacheable {
		return w.finalizeUncacheable(channels, channelMap, programMap, now)
	}

	chunked := len(w.shards) > 0 ||
		total > w.s.opts.ShardSize ||
		len(channels) > w.s.opts.ChannelCeiling

	if !chunked {
		return w.finalizeInline(channels, channelMap, programMap, now)
	}

	if len(w.pending) > 0 {
		held := w.pending
		w.pending = nil
		w.writeShard(held)
	}
	if w.uncacheable {
		return w.finalizeUncacheable(channels, channelMap, programMap, now)
	}

	chunks := make([]ChunkRef, 0, len(w.shards)+3)
	meta := []struct {
		ref     ChunkRef
		payload chunkPayload
	}{
		{ChunkRef{Type: ChunkChannels, Path: "channels.json", Count: len(channels)},
			chunkPayload{Type: ChunkChannels, Channels: channels}},
		{ChunkRef{Type: ChunkChannelMap, Path: "channel_map.json", Count: len(channelMap)},
			chunkPayload{Type: ChunkChannelMap, ChannelMap: channelMap}},
		{ChunkRef{Type: ChunkProgramMap, Path: "program_map.json", Count: len(programMap)},
			chunkPayload{Type: ChunkProgramMap, ProgramMap: programMap}},
	}
	for _, m := range meta {
		if err := w.s.writeJSON(path.Join(w.dir, m.ref.Path), m.payload); err != nil {
			log.Printf("[cache] source %s: chunk %s write failed, going uncacheable: %v", w.key, m.ref.Path, err)
			w.uncacheable = true
			return w.finalizeUncacheable(channels, channelMap, programMap, now)
		}
		chunks = append(chunks, m.ref)
	}
	chunks = append(chunks, w.shards...)

	manifest := Manifest{Key: w.key, CreatedAt: now, Chunks: chunks}
	manifestPath := path.Join(w.dir, manifestFile)
	if err := w.s.writeJSON(manifestPath, manifest); err != nil {
		log.Printf("[cache] source %s: manifest write failed, going uncacheable: %v", w.key, err)
		w.uncacheable = true
		return w.finalizeUncacheable(channels, channelMap, programMap, now)
	}

	entry := IndexEntry{
		Key:       w.key,
		URL:       w.url,
		Mode:      models.StorageChunked,
		Path:      manifestPath,
		Channels:  len(channels),
		Programs:  total,
		UpdatedAt: now,
	}
	if err := w.s.updateEntry(entry); err != nil {
		return WriteResult{}, fmt.Errorf("update cache index for %s: %w", w.key, err)
	}
	_ = w.s.fs.Remove(path.Join(w.s.root, sourcesDir, w.key+".json")) // stale inline form

	return WriteResult{
		Key:      w.key,
		Mode:     models.StorageChunked,
		Channels: len(channels),
		Programs: total,
		Shards:   len(w.shards),
	}, nil
}

func (w *SourceWriter) finalizeInline(channels []models.Channel, channelMap map[string]string, programMap map[string][]int, now time.Time) (WriteResult, error) {
	src := &models.Source{
		Key:        w.key,
		URL:        w.url,
		UpdatedAt:  now,
		Channels:   channels,
		Programs:   w.pending,
		ChannelMap: channelMap,
		ProgramMap: programMap,
	}
	rel := path.Join(sourcesDir, w.key+".json")
	if err := w.s.writeJSON(rel, src); err != nil {
		log.Printf("[cache] source %s: inline write failed, going uncacheable: %v", w.key, err)
		w.uncacheable = true
		return w.finalizeUncacheable(channels, channelMap, programMap, now)
	}

	entry := IndexEntry{
		Key:       w.key,
		URL:       w.url,
		Mode:      models.StorageInline,
		Path:      rel,
		Channels:  len(channels),
		Programs:  len(src.Programs),
		UpdatedAt: now,
	}
	if err := w.s.updateEntry(entry); err != nil {
		return WriteResult{}, fmt.Errorf("update cache index for %s: %w", w.key, err)
	}
	_ = w.s.fs.RemoveAll(path.Join(w.s.root, sourcesDir, w.key)) // stale chunked form

	return WriteResult{
		Key:      w.key,
		Mode:     models.StorageInline,
		Channels: len(channels),
		Programs: len(src.Programs),
	}, nil
}

// finalizeUncacheable assembles the in-memory source from whatever shards
// did land plus the retained batches, and records the entry as uncacheable.
// The source stays usable for this process only.
func (w *SourceWriter) finalizeUncacheable(channels []models.Channel, channelMap map[string]string, programMap map[string][]int, now time.Time) (WriteResult, error) {
	programs := make([]models.Program, 0, w.flushedTotal+len(w.retained)+len(w.pending))
	for _, shard := range w.shards {
		var payload chunkPayload
		if err := w.s.readJSON(path.Join(w.dir, shard.Path), &payload); err != nil {
			log.Printf("[cache] source %s: shard %s unreadable during recovery: %v", w.key, shard.Path, err)
			continue
		}
		programs = append(programs, payload.Programs...)
	}
	programs = append(programs, w.retained...)
	programs = append(programs, w.pending...)

	src := &models.Source{
		Key:        w.key,
		URL:        w.url,
		UpdatedAt:  now,
		Channels:   channels,
		Programs:   programs,
		ChannelMap: channelMap,
		ProgramMap: programMap,
	}

	entry := IndexEntry{
		Key:         w.key,
		URL:         w.url,
		Channels:    len(channels),
		Programs:    len(programs),
		UpdatedAt:   now,
		Uncacheable: true,
	}
	if err := w.s.updateEntry(entry); err != nil {
		log.Printf("[cache] source %s: could not record uncacheable entry: %v", w.key, err)
	}
	_ = w.s.fs.RemoveAll(path.Join(w.s.root, w.dir)) // orphan shards, no manifest

	return WriteResult{
		Key:         w.key,
		Channels:    len(channels),
		Programs:    len(programs),
		Uncacheable: true,
		Source:      src,
	}, nil
}
