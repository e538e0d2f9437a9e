// Package ingest sequences fetch, parse, and persist for each configured
// guide source. Sources are processed one at a time: only one source's
// program buffer is ever live, and origin hosts never see parallel load
// from a single job. A failing source is recorded and skipped, never fatal
// to the run.
package ingest

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"guidecache/config"
	"guidecache/models"
	"guidecache/services/cache"
	"guidecache/services/fetch"
	"guidecache/services/guide"
	"guidecache/services/resolve"
)

// ErrAlreadyRunning reports that an ingestion job is in progress; only one
// runs at a time.
var ErrAlreadyRunning = errors.New("ingestion already in progress")

// Service is the ingestion orchestrator. It owns the source registry fed to
// the resolution engine; nothing is discovered through process-wide state.
type Service struct {
	settings config.Settings
	fetcher  *fetch.Fetcher
	store    *cache.Store
	engine   *resolve.Engine
	events   *Broadcaster

	wg conc.WaitGroup

	mu         sync.Mutex
	running    bool
	lastReport *models.Report
}

// NewService wires the orchestrator to its collaborators.
func NewService(settings config.Settings, fetcher *fetch.Fetcher, store *cache.Store, engine *resolve.Engine) *Service {
	return &Service{
		settings: settings,
		fetcher:  fetcher,
		store:    store,
		engine:   engine,
		events:   NewBroadcaster(),
	}
}

// Events exposes the progress stream for subscribers.
func (s *Service) Events() *Broadcaster { return s.events }

// LastReport returns the most recent job report, or nil.
func (s *Service) LastReport() *models.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReport
}

// RunOptions controls one ingestion job.
type RunOptions struct {
	// Force refetches sources whose cache entries are still valid.
	Force bool

	// Only restricts the job to the source whose key, name, or URL matches.
	Only string
}

// LoadCache hydrates the resolution engine from the on-disk cache. A
// rejected cache (corrupt index, missing critical source, nothing
// materialized) returns the error so the caller can reload from origin.
func (s *Service) LoadCache() (int, error) {
	sources, err := s.store.ReadAll()
	if err != nil {
		return 0, err
	}
	for _, src := range sources {
		s.engine.AddSource(src)
	}
	return len(sources), nil
}

// Run executes a job synchronously and returns its report.
func (s *Service) Run(ctx context.Context, opts RunOptions) (*models.Report, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.end()
	return s.run(ctx, uuid.NewString(), opts), nil
}

// Start launches a job in the background and returns its ID immediately.
// Callers observe completion through Events or LastReport.
func (s *Service) Start(ctx context.Context, opts RunOptions) (string, error) {
	if err := s.begin(); err != nil {
		return "", err
	}
	jobID := uuid.NewString()
	s.wg.Go(func() {
		defer s.end()
		s.run(ctx, jobID, opts)
	})
	return jobID, nil
}

// Wait blocks until any background job finishes.
func (s *Service) Wait() { s.wg.Wait() }

func (s *Service) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true
	return nil
}

func (s *Service) end() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *Service) run(ctx context.Context, jobID string, opts RunOptions) *models.Report {
	report := &models.Report{JobID: jobID, Started: time.Now()}
	sources := s.selectSources(opts)

	slog.Info("ingestion job started", "job", jobID, "sources", len(sources))

	retained := 0
	for i, sc := range sources {
		key := SourceKey(sc)
		percent := float64(i) / float64(len(sources)) * 100

		if ctx.Err() != nil {
			report.Failures = append(report.Failures, models.SourceFailure{
				Key: key, URL: sc.URL, Err: ctx.Err().Error(),
			})
			break
		}

		if !opts.Force && s.store.IsValid(key, s.settings.Cache.TTL()) {
			res := s.skipValid(key, sc)
			report.Sources = append(report.Sources, res)
			report.Channels += res.Channels
			report.Programs += res.Programs
			s.publish(models.Event{
				JobID: jobID, Source: key, Stage: models.StageDone, Percent: percent,
				Message: "cache entry still valid, skipped",
			})
			continue
		}

		res, err := s.processSource(ctx, jobID, sc, key, percent, &retained)
		if err != nil {
			log.Printf("[ingest] source %s failed: %v", key, err)
			report.Failures = append(report.Failures, models.SourceFailure{
				Key: key, URL: sc.URL, Err: err.Error(),
			})
			s.publish(models.Event{
				JobID: jobID, Source: key, Stage: models.StageDone, Percent: percent,
				Err: err.Error(),
			})
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				break
			}
			continue
		}

		report.Sources = append(report.Sources, res)
		report.Channels += res.Channels
		report.Programs += res.Programs
	}

	report.Finished = time.Now()
	s.mu.Lock()
	s.lastReport = report
	s.mu.Unlock()

	slog.Info("ingestion job finished",
		"job", jobID,
		"succeeded", len(report.Sources),
		"failed", len(report.Failures),
		"channels", report.Channels,
		"programs", report.Programs,
		"elapsed", report.Finished.Sub(report.Started).Round(time.Millisecond))

	s.publish(models.Event{
		JobID:    jobID,
		Stage:    models.StageDone,
		Percent:  100,
		Terminal: true,
		Channels: report.Channels,
		Programs: report.Programs,
		Message:  fmt.Sprintf("%d sources ok, %d failed", len(report.Sources), len(report.Failures)),
	})
	return report
}

// processSource runs fetch -> parse (flushing shards as it goes) ->
// finalize for one source. The manifest write inside Finalize is the commit
// point: a failure or cancellation before it leaves at most orphan chunk
// files and the previous data intact.
func (s *Service) processSource(ctx context.Context, jobID string, sc config.SourceConfig, key string, percent float64, retained *int) (models.SourceResult, error) {
	started := time.Now()

	s.publish(models.Event{JobID: jobID, Source: key, Stage: models.StageFetch, Percent: percent, Message: sc.URL})
	body, err := s.fetcher.Open(ctx, sc.URL)
	if err != nil {
		return models.SourceResult{}, err
	}
	defer body.Close()

	sink := newPersistSink(s.store.NewWriter(key, sc.URL), s.settings.Cache.RetentionDays)

	sum, err := guide.Parse(ctx, body, sink, guide.Options{
		FlushThreshold: s.settings.Cache.ShardSize,
		Progress: func(channels, programs int) {
			s.publish(models.Event{
				JobID: jobID, Source: key, Stage: models.StageParse, Percent: percent,
				Channels: channels, Programs: programs,
			})
		},
	})
	if err != nil {
		return models.SourceResult{}, err
	}
	if sum.Dropped > 0 {
		log.Printf("[ingest] source %s: dropped %d malformed records", key, sum.Dropped)
	}
	if sink.pruned > 0 {
		log.Printf("[ingest] source %s: pruned %d programs outside retention window", key, sink.pruned)
	}

	s.publish(models.Event{JobID: jobID, Source: key, Stage: models.StagePersist, Percent: percent,
		Channels: sum.Channels, Programs: sum.Programs})

	result, err := sink.writer.Finalize(sink.channels, resolve.KeyMap(sink.channels), sink.programMap)
	if err != nil {
		return models.SourceResult{}, err
	}

	s.register(key, result, retained)

	log.Printf("[ingest] source %s: %d channels, %d programs (%s, %d shards) in %s",
		key, result.Channels, result.Programs, storageModeLabel(result), result.Shards,
		time.Since(started).Round(time.Millisecond))

	return models.SourceResult{
		Key:      key,
		URL:      sc.URL,
		Channels: result.Channels,
		Programs: result.Programs,
		Dropped:  sum.Dropped,
		Elapsed:  time.Since(started),
	}, nil
}

// register feeds a freshly written source to the resolution engine,
// honoring the retained-sources cap. Uncacheable sources are registered
// from their in-memory fallback: they stay queryable until the process
// exits.
func (s *Service) register(key string, result cache.WriteResult, retained *int) {
	if result.Uncacheable {
		log.Printf("[ingest] source %s is uncacheable, serving from memory only", key)
		s.engine.AddSource(result.Source)
		*retained++
		return
	}
	if *retained >= s.settings.Cache.MaxSources {
		s.engine.RemoveSource(key)
		log.Printf("[ingest] source %s persisted but not retained (max %d sources in memory)",
			key, s.settings.Cache.MaxSources)
		return
	}
	src, err := s.store.ReadSource(key)
	if err != nil {
		log.Printf("[ingest] source %s: readback after write failed: %v", key, err)
		return
	}
	s.engine.AddSource(src)
	*retained++
}

func (s *Service) skipValid(key string, sc config.SourceConfig) models.SourceResult {
	res := models.SourceResult{Key: key, URL: sc.URL, Skipped: true}
	if idx, err := s.store.Stats(); err == nil {
		if entry, ok := idx.Sources[key]; ok {
			res.Channels = entry.Channels
			res.Programs = entry.Programs
		}
	}
	return res
}

func (s *Service) selectSources(opts RunOptions) []config.SourceConfig {
	var out []config.SourceConfig
	for _, sc := range s.settings.Sources {
		if !sc.Enabled {
			continue
		}
		if opts.Only != "" && opts.Only != sc.Name && opts.Only != sc.URL && opts.Only != SourceKey(sc) {
			continue
		}
		out = append(out, sc)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

func (s *Service) publish(ev models.Event) { s.events.Publish(ev) }

func storageModeLabel(r cache.WriteResult) string {
	if r.Uncacheable {
		return "uncacheable"
	}
	return string(r.Mode)
}

// persistSink bridges the parser to the cache writer: channels accumulate
// in memory (channel lists are small), program batches stream to shard
// files, and the channel->program index is built from running offsets so
// the full program list never has to be resident.
type persistSink struct {
	writer     *cache.SourceWriter
	channels   []models.Channel
	programMap map[string][]int
	next       int

	retention time.Duration // 0 disables pruning
	pruned    int
}

func newPersistSink(writer *cache.SourceWriter, retentionDays int) *persistSink {
	return &persistSink{
		writer:     writer,
		programMap: make(map[string][]int),
		retention:  time.Duration(retentionDays) * 24 * time.Hour,
	}
}

func (ps *persistSink) FlushChannels(_ context.Context, channels []models.Channel) error {
	ps.channels = append(ps.channels, channels...)
	return nil
}

func (ps *persistSink) FlushPrograms(_ context.Context, programs []models.Program) error {
	kept := programs
	if ps.retention > 0 {
		cutoff := time.Now().Add(-ps.retention)
		horizon := time.Now().Add(ps.retention)
		kept = programs[:0]
		for _, p := range programs {
			if p.Stop.After(cutoff) && p.Start.Before(horizon) {
				kept = append(kept, p)
			} else {
				ps.pruned++
			}
		}
	}
	for _, p := range kept {
		ps.programMap[p.ChannelID] = append(ps.programMap[p.ChannelID], ps.next)
		ps.next++
	}
	ps.writer.FlushPrograms(kept)
	return nil
}

var keyScrub = regexp.MustCompile(`[^a-z0-9]+`)

// SourceKey derives the cache key for a configured source: the slugged
// explicit name when present, otherwise the URL's last path segment plus a
// short content hash so distinct URLs never collide.
func SourceKey(sc config.SourceConfig) string {
	if sc.Name != "" {
		if slug := slugify(sc.Name); slug != "" {
			return slug
		}
	}
	base := "source"
	if u, err := url.Parse(sc.URL); err == nil {
		b := path.Base(u.Path)
		b = strings.TrimSuffix(b, ".gz")
		b = strings.TrimSuffix(b, ".xml")
		if slug := slugify(b); slug != "" {
			base = slug
		}
	}
	sum := md5.Sum([]byte(sc.URL))
	return fmt.Sprintf("%s-%x", base, sum[:4])
}

func slugify(s string) string {
	s = keyScrub.ReplaceAllString(strings.ToLower(s), "-")
	return strings.Trim(s, "-")
}
