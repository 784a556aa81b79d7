package dht

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	adht "github.com/anacrolix/dht/v2"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/lkslts64/charo-peers/peer"
)

//Announcer starts get_peers traversals for an info hash.
type Announcer interface {
	Announce(infoHash metainfo.Hash, port int) (Traversal, error)
}

//Traversal is one running get_peers lookup. Peers is closed when the traversal
//is exhausted.
type Traversal interface {
	Peers() <-chan adht.PeersValues
	Close()
}

//ServerAnnouncer is the Announcer of a running DHT node.
type ServerAnnouncer struct {
	S *adht.Server
}

func (sa ServerAnnouncer) Announce(infoHash metainfo.Hash, port int) (Traversal, error) {
	a, err := sa.S.Announce([20]byte(infoHash), port, false)
	if err != nil {
		return nil, err
	}
	return serverTraversal{a}, nil
}

type serverTraversal struct {
	a *adht.Announce
}

func (t serverTraversal) Peers() <-chan adht.PeersValues { return t.a.Peers }

func (t serverTraversal) Close() { t.a.Close() }

//NewServer starts a DHT node on a random port and bootstraps it in the background.
func NewServer(logger *zap.Logger) (*adht.Server, error) {
	s, err := adht.NewServer(nil)
	if err != nil {
		return nil, fmt.Errorf("error creating dht server: %w", err)
	}
	go func() {
		ts, err := s.Bootstrap()
		if err != nil {
			logger.Warn("error bootstrapping dht", zap.Error(err))
			return
		}
		logger.Info("dht bootstrap complete", zap.Reflect("stats", ts), zap.Stringer("addr", s.Addr()))
	}()
	return s, nil
}

type Config struct {
	Announcer Announcer
	//port we announce; 0 means only look peers up
	Port int
	//upper bound of a single traversal
	TraversalTimeout time.Duration
	Clock            clock.Clock
	Logger           *zap.Logger
}

//SourceFactory hands out one DHT peer source per torrent.
type SourceFactory struct {
	cfg     Config
	mu      sync.Mutex
	sources map[metainfo.Hash]*Source
}

func NewSourceFactory(cfg Config) (*SourceFactory, error) {
	if cfg.Announcer == nil {
		return nil, errors.New("dht source factory: no announcer")
	}
	if cfg.TraversalTimeout <= 0 {
		cfg.TraversalTimeout = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &SourceFactory{
		cfg:     cfg,
		sources: make(map[metainfo.Hash]*Source),
	}, nil
}

func (f *SourceFactory) Source(infoHash metainfo.Hash) peer.Source {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sources[infoHash]; ok {
		return s
	}
	s := &Source{
		f:        f,
		infoHash: infoHash,
		logger:   f.cfg.Logger.With(zap.Stringer("torrent", infoHash)),
	}
	f.sources[infoHash] = s
	return s
}

//Source collects the peers of one torrent from the DHT.
type Source struct {
	f        *SourceFactory
	infoHash metainfo.Hash
	logger   *zap.Logger
	//one traversal at a time
	mu      sync.Mutex
	pending peer.Pending
}

//Update runs a traversal until it is exhausted or the traversal timeout expires.
//Running out of time is not an error; a canceled ctx is.
func (s *Source) Update(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, err := s.f.cfg.Announcer.Announce(s.infoHash, s.f.cfg.Port)
	if err != nil {
		return false, fmt.Errorf("dht announce: %w", err)
	}
	defer tr.Close()
	timeout := s.f.cfg.Clock.Timer(s.f.cfg.TraversalTimeout)
	defer timeout.Stop()
	seen := make(map[string]struct{})
	for {
		select {
		case pv, ok := <-tr.Peers():
			if !ok {
				return s.found(len(seen)), nil
			}
			for _, np := range pv.Peers {
				p, err := peer.FromIP(np.IP, np.Port, 0)
				if err != nil {
					continue
				}
				k := p.Addr().String()
				if _, ok := seen[k]; ok {
					continue
				}
				seen[k] = struct{}{}
				s.pending.Add(p)
			}
		case <-timeout.C:
			return s.found(len(seen)), nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (s *Source) found(n int) bool {
	s.logger.Debug("dht traversal done", zap.Int("peers", n))
	return s.pending.Len() > 0
}

func (s *Source) Drain() []peer.Peer {
	return s.pending.Drain()
}

func (s *Source) String() string {
	return "dht (torrent " + s.infoHash.HexString() + ")"
}
