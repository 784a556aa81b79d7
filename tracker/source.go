package tracker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/lkslts64/charo-peers/peer"
)

//number of peers we ask every tracker for
const numWant = 50

//Provider hands out tracker clients for announce keys. *Service is a Provider.
type Provider interface {
	Tracker(AnnounceKey) (Tracker, error)
}

//TransferStats reports the progress of a torrent for announce requests.
type TransferStats func(infoHash metainfo.Hash) (downloaded, uploaded, left int64)

type SourceFactoryConfig struct {
	Trackers Provider
	PeerID   peer.ID
	Port     uint16
	//a tracker is never asked more often than this, whatever interval it reports
	MinQueryInterval time.Duration
	//bounds the number of (torrent, announce key) sources kept around
	CacheSize int
	Stats     TransferStats
	Clock     clock.Clock
	Logger    *zap.Logger
}

//SourceFactory creates one tracker peer source per (torrent, announce key) pair and
//keeps it, so the announce interval is honored across discovery cycles.
type SourceFactory struct {
	cfg     SourceFactoryConfig
	key     int32
	mu      sync.Mutex
	sources *lru.Cache[string, *Source]
}

func NewSourceFactory(cfg SourceFactoryConfig) (*SourceFactory, error) {
	if cfg.Trackers == nil {
		return nil, fmt.Errorf("tracker source factory: no tracker provider")
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Stats == nil {
		cfg.Stats = func(metainfo.Hash) (int64, int64, int64) { return 0, 0, 0 }
	}
	sources, err := lru.New[string, *Source](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("tracker source factory: %w", err)
	}
	return &SourceFactory{
		cfg:     cfg,
		key:     rand.Int31(),
		sources: sources,
	}, nil
}

//Source returns the peer source announcing infoHash to key.
func (f *SourceFactory) Source(infoHash metainfo.Hash, key AnnounceKey) peer.Source {
	id := infoHash.HexString() + " " + key.String()
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sources.Get(id); ok {
		return s
	}
	s := &Source{
		f:        f,
		infoHash: infoHash,
		key:      key,
		interval: f.cfg.MinQueryInterval,
		logger:   f.cfg.Logger.With(zap.Stringer("torrent", infoHash), zap.Stringer("tracker", key)),
	}
	f.sources.Add(id, s)
	return s
}

//Source is a tracker-backed peer source.
type Source struct {
	f        *SourceFactory
	infoHash metainfo.Hash
	key      AnnounceKey
	logger   *zap.Logger

	mu           sync.Mutex
	lastQuery    time.Time
	interval     time.Duration
	numAnnounces int
	pending      peer.Pending
}

//Update announces to the tracker unless the previous announce was less than one
//interval ago, in which case it reports false without touching the network.
func (s *Source) Update(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.f.cfg.Clock.Now()
	if !s.lastQuery.IsZero() && now.Sub(s.lastQuery) < s.interval {
		return false, nil
	}
	s.lastQuery = now
	tr, err := s.f.cfg.Trackers.Tracker(s.key)
	if err != nil {
		return false, err
	}
	resp, err := tr.Announce(ctx, s.request())
	if err != nil {
		return false, err
	}
	s.numAnnounces++
	s.interval = s.f.cfg.MinQueryInterval
	if reported := time.Duration(resp.Interval) * time.Second; reported > s.interval {
		s.interval = reported
	}
	var added int
	for _, tp := range resp.Peers {
		p, err := peer.FromIP(tp.IP, tp.Port, 0)
		if err != nil {
			s.logger.Debug("dropping malformed peer", zap.Stringer("peer", tp), zap.Error(err))
			continue
		}
		if len(tp.ID) == len(peer.ID{}) {
			var id peer.ID
			copy(id[:], tp.ID)
			p = peer.NewWithID(p.Addr(), id, 0)
		}
		s.pending.Add(p)
		added++
	}
	s.logger.Debug("announced",
		zap.Int("peers", added),
		zap.Int32("seeders", resp.Seeders),
		zap.Int32("leechers", resp.Leechers),
		zap.Duration("next", s.interval))
	return s.pending.Len() > 0, nil
}

func (s *Source) request() AnnounceReq {
	downloaded, uploaded, left := s.f.cfg.Stats(s.infoHash)
	req := AnnounceReq{
		InfoHash:   [20]byte(s.infoHash),
		PeerID:     [20]byte(s.f.cfg.PeerID),
		Downloaded: downloaded,
		Uploaded:   uploaded,
		Left:       left,
		Key:        s.f.key,
		Numwant:    numWant,
		Port:       s.f.cfg.Port,
	}
	if s.numAnnounces == 0 {
		req.Event = Started
	}
	return req
}

func (s *Source) Drain() []peer.Peer {
	return s.pending.Drain()
}

func (s *Source) String() string {
	return fmt.Sprintf("tracker %s (torrent %s)", s.key, s.infoHash.HexString())
}
