// Package scheduler drives background guide refreshes: a ticker loop checks
// the cache for stale sources and kicks off an ingestion run when one is
// found. The ingestion service itself decides per source what actually needs
// refetching, so the scheduler only has to answer "is anything stale".
package scheduler

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"guidecache/config"
	"guidecache/services/cache"
	"guidecache/services/ingest"
)


// Service manages the refresh loop.
type Service struct {
	settings config.Settings
	store    *cache.Store
	ingest   *ingest.Service

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewService creates a scheduler over the given store and ingestion service.
func NewService(settings config.Settings, store *cache.Store, ing *ingest.Service) *Service {
	return &Service{
		settings: settings,
		store:    store,
		ingest:   ing,
	}
}

// Start begins the background loop. Calling Start on a running scheduler is
// a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	s.wg.Add(1)
	go s.loop()

	log.Println("[scheduler] refresh loop started")
	return nil
}

// Stop cancels the loop and waits for any in-flight refresh, bounded by ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		s.ingest.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("[scheduler] refresh loop stopped")
	case <-ctx.Done():
		log.Println("[scheduler] refresh loop stopped (timeout)")
	}

	s.running = false
	return nil
}

func (s *Service) loop() {
	defer s.wg.Done()

	interval := s.settings.Refresh.CheckInterval()
	if interval < time.Second {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Check once immediately so a cold start does not wait a full interval.
	s.checkAndRun()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.checkAndRun()
		}
	}
}

// checkAndRun launches an ingestion run when any enabled source's cache
// entry has aged out. The run itself skips sources that are still valid.
func (s *Service) checkAndRun() {
	if !s.anyStale() {
		return
	}
	jobID, err := s.ingest.Start(s.ctx, ingest.RunOptions{})
	if err != nil {
		if errors.Is(err, ingest.ErrAlreadyRunning) {
			return
		}
		log.Printf("[scheduler] could not start refresh: %v", err)
		return
	}
	log.Printf("[scheduler] started refresh job %s", jobID)
}

func (s *Service) anyStale() bool {
	ttl := s.settings.Cache.TTL()
	for _, sc := range s.settings.Sources {
		if !sc.Enabled {
			continue
		}
		if !s.store.IsValid(ingest.SourceKey(sc), ttl) {
			return true
		}
	}
	return false
}
