package discovery

import (
	"context"
	"sync"
	"time"

	ametainfo "github.com/anacrolix/torrent/metainfo"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

//delay of the first cycle after Start
const firstCycleDelay = time.Millisecond

//scheduler drives discovery cycles from a single goroutine. Torrents of a cycle are
//processed concurrently, at most MaxConcurrentTorrents at a time, and a torrent
//whose previous job has not finished is skipped.
type scheduler struct {
	clock    clock.Clock
	interval time.Duration
	sem      *semaphore.Weighted
	logger   *zap.Logger
	//ids of the torrents to process in a cycle
	active func() []ametainfo.Hash
	job    func(ctx context.Context, id ametainfo.Hash)
	cycled func()

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
	running map[ametainfo.Hash]struct{}
}

func newScheduler(clk clock.Clock, interval time.Duration, maxJobs int, logger *zap.Logger) *scheduler {
	return &scheduler{
		clock:    clk,
		interval: interval,
		sem:      semaphore.NewWeighted(int64(maxJobs)),
		logger:   logger,
		running:  make(map[ametainfo.Hash]struct{}),
	}
}

//Start begins periodic discovery. Calling it again, or after Stop, does nothing.
func (s *scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil || s.stopped {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	//timers are created here so they exist before Start returns
	first := s.clock.Timer(firstCycleDelay)
	ticker := s.clock.Ticker(s.interval)
	go s.run(ctx, first, ticker)
	s.logger.Debug("peer discovery started", zap.Duration("interval", s.interval))
	return nil
}

//Stop cancels the running cycle, if any, without waiting for it.
func (s *scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	if s.cancel != nil {
		s.cancel()
		s.logger.Debug("peer discovery stopped")
	}
	return nil
}

func (s *scheduler) run(ctx context.Context, first *clock.Timer, ticker *clock.Ticker) {
	defer ticker.Stop()
	select {
	case <-ctx.Done():
		first.Stop()
		return
	case <-first.C:
	}
	for {
		s.cycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

//cycle dispatches one job per active torrent and returns without waiting for
//them; the returned WaitGroup is done when they all are.
func (s *scheduler) cycle(ctx context.Context) *sync.WaitGroup {
	var wg sync.WaitGroup
	if s.cycled != nil {
		s.cycled()
	}
	for _, id := range s.active() {
		if ctx.Err() != nil {
			break
		}
		if !s.claim(id) {
			s.logger.Debug("previous discovery still running", zap.Stringer("torrent", id))
			continue
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.release(id)
			break
		}
		wg.Add(1)
		go func(id ametainfo.Hash) {
			defer wg.Done()
			defer s.sem.Release(1)
			defer s.release(id)
			s.job(ctx, id)
		}(id)
	}
	return &wg
}

func (s *scheduler) claim(id ametainfo.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[id]; ok {
		return false
	}
	s.running[id] = struct{}{}
	return true
}

func (s *scheduler) release(id ametainfo.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, id)
}
