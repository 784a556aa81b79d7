package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	ametainfo "github.com/anacrolix/torrent/metainfo"
	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lkslts64/charo-peers/metainfo"
	"github.com/lkslts64/charo-peers/peer"
	"github.com/lkslts64/charo-peers/torrent"
	"github.com/lkslts64/charo-peers/tracker"
)

//TorrentRegistry tells which torrents exist and which of them are active.
//*torrent.Registry is a TorrentRegistry.
type TorrentRegistry interface {
	IDs() []ametainfo.Hash
	Descriptor(ametainfo.Hash) (torrent.Descriptor, bool)
	Torrent(ametainfo.Hash) (*metainfo.Torrent, bool)
}

//TrackerService knows the announce protocols we speak. *tracker.Service is a
//TrackerService.
type TrackerService interface {
	IsSupportedProtocol(url string) bool
	Tracker(tracker.AnnounceKey) (tracker.Tracker, error)
}

//TrackerSourceFactory returns the tracker peer source of a torrent for an announce key.
type TrackerSourceFactory interface {
	Source(ametainfo.Hash, tracker.AnnounceKey) peer.Source
}

//SourceFactory returns an auxiliary (non-tracker) peer source for a torrent,
//like the DHT.
type SourceFactory interface {
	Source(ametainfo.Hash) peer.Source
}

type Params struct {
	Config    Config
	Lifecycle LifecycleBinder
	Identity  IdentityService
	Torrents  TorrentRegistry
	Trackers  TrackerService
	Events    EventSink
	//auxiliary sources, queried for public torrents only
	Sources []SourceFactory
	//optional; built from Trackers and Config when nil
	TrackerSources TrackerSourceFactory
	//optional; progress reported in announces
	Stats   tracker.TransferStats
	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *Metrics
}

//Stats are counters since construction.
type Stats struct {
	Cycles          uint64
	PeersDiscovered uint64
	SourceErrors    uint64
	SelfRejected    uint64
	KnownPeers      int
}

type counters struct {
	cycles       atomic.Uint64
	peers        atomic.Uint64
	sourceErrors atomic.Uint64
	selfRejected atomic.Uint64
}

//Registry discovers peers for the active torrents and keeps the canonical peer
//of every endpoint it has seen.
type Registry struct {
	cfg            Config
	local          *peer.InetPeer
	cache          *peer.Cache
	keys           *extraKeys
	torrents       TorrentRegistry
	trackers       TrackerService
	trackerSources TrackerSourceFactory
	sources        []SourceFactory
	events         EventSink
	sched          *scheduler
	logger         *zap.Logger
	metrics        *Metrics
	counters       counters
}

//New builds the registry and binds the discovery scheduler to the lifecycle.
//It fails if the local identity cannot be established.
func New(p Params) (*Registry, error) {
	if err := p.Config.Validate(); err != nil {
		return nil, fmt.Errorf("peer registry config: %w", err)
	}
	if p.Lifecycle == nil || p.Torrents == nil || p.Trackers == nil || p.Events == nil {
		return nil, errors.New("peer registry: missing collaborator")
	}
	if p.Identity == nil {
		return nil, fmt.Errorf("peer registry: %w", ErrNoIdentity)
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.Clock == nil {
		p.Clock = clock.New()
	}
	id, err := p.Identity.LocalID()
	if err != nil {
		return nil, fmt.Errorf("peer registry: %w", err)
	}
	addr := p.Config.AcceptorAddress
	if !addr.IsValid() {
		addr = netip.IPv4Unspecified()
	}
	logger := p.Logger.Named("discovery")
	r := &Registry{
		cfg:            p.Config,
		local:          peer.NewWithID(netip.AddrPortFrom(addr, p.Config.AcceptorPort), id, 0),
		cache:          peer.NewCache(),
		keys:           newExtraKeys(),
		torrents:       p.Torrents,
		trackers:       p.Trackers,
		trackerSources: p.TrackerSources,
		events:         p.Events,
		logger:         logger,
		metrics:        p.Metrics,
	}
	for _, f := range p.Sources {
		if f != nil {
			r.sources = append(r.sources, f)
		}
	}
	if r.trackerSources == nil {
		f, err := tracker.NewSourceFactory(tracker.SourceFactoryConfig{
			Trackers:         p.Trackers,
			PeerID:           id,
			Port:             p.Config.AcceptorPort,
			MinQueryInterval: p.Config.TrackerQueryInterval,
			CacheSize:        p.Config.TrackerSourceCacheSize,
			Stats:            p.Stats,
			Clock:            p.Clock,
			Logger:           logger.Named("tracker"),
		})
		if err != nil {
			return nil, fmt.Errorf("peer registry: %w", err)
		}
		r.trackerSources = f
	}
	r.sched = newScheduler(p.Clock, p.Config.PeerDiscoveryInterval, p.Config.MaxConcurrentTorrents, logger)
	r.sched.active = r.activeTorrents
	r.sched.job = r.discover
	r.sched.cycled = func() {
		r.counters.cycles.Inc()
		r.metrics.cycle()
	}
	p.Lifecycle.OnStartup("Schedule periodic peer lookup", r.sched.Start)
	p.Lifecycle.OnShutdown("Shutdown peer lookup scheduler", r.sched.Stop)
	return r, nil
}

//AddPeer registers p as a peer of torrent id and publishes it, unless p is us.
func (r *Registry) AddPeer(id ametainfo.Hash, p peer.Peer) {
	r.addPeer(id, p)
}

//addPeer reports false if p was rejected as ourselves.
func (r *Registry) addPeer(id ametainfo.Hash, p peer.Peer) bool {
	if r.isLocal(p) {
		r.counters.selfRejected.Inc()
		return false
	}
	canonical := r.cache.Register(p)
	r.counters.peers.Inc()
	r.metrics.setKnownPeers(r.cache.Len())
	r.events.PeerDiscovered(id, canonical)
	return true
}

//AddPeerSource makes key an extra announce key of torrent id. It is picked up by
//the next discovery cycle at the latest.
func (r *Registry) AddPeerSource(id ametainfo.Hash, key tracker.AnnounceKey) {
	if r.keys.add(id, key) {
		r.logger.Debug("added extra announce key", zap.Stringer("torrent", id), zap.Stringer("announce_key", key))
	}
}

func (r *Registry) LocalPeer() peer.Peer {
	return r.local
}

//PeerForAddress returns the canonical peer of addr, creating it if needed.
func (r *Registry) PeerForAddress(addr netip.AddrPort) peer.Peer {
	return r.cache.Lookup(addr)
}

//RangePeers calls fn for every known peer until fn returns false.
func (r *Registry) RangePeers(fn func(peer.Peer) bool) {
	r.cache.Range(func(p *peer.UpdatablePeer) bool {
		return fn(p)
	})
}

func (r *Registry) Stats() Stats {
	return Stats{
		Cycles:          r.counters.cycles.Load(),
		PeersDiscovered: r.counters.peers.Load(),
		SourceErrors:    r.counters.sourceErrors.Load(),
		SelfRejected:    r.counters.selfRejected.Load(),
		KnownPeers:      r.cache.Len(),
	}
}

//isLocal only recognizes ourselves when a peer is reported with the unspecified
//address and our port.
func (r *Registry) isLocal(p peer.Peer) bool {
	return p.Addr().Addr().IsUnspecified() && p.Addr().Port() == r.local.Addr().Port()
}

func (r *Registry) activeTorrents() []ametainfo.Hash {
	var ids []ametainfo.Hash
	for _, id := range r.torrents.IDs() {
		if desc, ok := r.torrents.Descriptor(id); ok && desc.Active {
			ids = append(ids, id)
		}
	}
	return ids
}

//discover queries every source of torrent id once: the metainfo announce key, the
//extra announce keys, then the auxiliary sources. Private torrents only use the
//announce key of their metainfo.
func (r *Registry) discover(ctx context.Context, id ametainfo.Hash) {
	t, ok := r.torrents.Torrent(id)
	private := ok && t.Private
	var extra []tracker.AnnounceKey
	if private {
		if r.keys.len(id) > 0 {
			r.logger.Warn("will not query extra trackers for a private torrent", zap.Stringer("torrent", id))
		}
	} else {
		extra = r.keys.snapshot(id)
	}
	if !r.cfg.DisableTrackers {
		if ok && t.AnnounceKey != nil {
			r.queryTracker(ctx, id, *t.AnnounceKey, "torrent's announce key")
		}
		for _, key := range extra {
			r.queryTracker(ctx, id, key, "extra announce key")
		}
	}
	if private {
		return
	}
	for _, f := range r.sources {
		r.query(ctx, id, f.Source(id), kindAuxiliary)
	}
}

func (r *Registry) queryTracker(ctx context.Context, id ametainfo.Hash, key tracker.AnnounceKey, origin string) {
	r.logger.Debug("querying tracker peer source",
		zap.Stringer("torrent", id),
		zap.Stringer("announce_key", key),
		zap.String("origin", origin))
	if !r.mightCreateTracker(key) {
		r.logger.Debug("unsupported tracker protocol", zap.Stringer("announce_key", key))
		return
	}
	r.query(ctx, id, r.trackerSources.Source(id, key), kindTracker)
}

//mightCreateTracker reports whether we speak the protocol of every tracker of key.
//A tiered key with a single unsupported tracker is not queried at all.
func (r *Registry) mightCreateTracker(key tracker.AnnounceKey) bool {
	for _, u := range key.URLs() {
		if !r.trackers.IsSupportedProtocol(u) {
			return false
		}
	}
	return true
}

//query polls src and adds what it found. Errors end up in the log only.
func (r *Registry) query(ctx context.Context, id ametainfo.Hash, src peer.Source, kind string) {
	found, err := src.Update(ctx)
	if err != nil {
		r.counters.sourceErrors.Inc()
		r.metrics.sourceError(kind)
		if ctx.Err() != nil {
			r.logger.Debug("peer source query canceled", zap.Stringer("source", src))
			return
		}
		r.logger.Error("error when querying peer source", zap.Stringer("source", src), zap.Error(err))
		return
	}
	if !found {
		return
	}
	for _, p := range src.Drain() {
		if r.addPeer(id, p) {
			r.metrics.peer(kind)
		}
	}
}
