package discovery

import (
	"context"
	"net/netip"
	"sync"
	"testing"

	ametainfo "github.com/anacrolix/torrent/metainfo"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lkslts64/charo-peers/metainfo"
	"github.com/lkslts64/charo-peers/peer"
	"github.com/lkslts64/charo-peers/torrent"
	"github.com/lkslts64/charo-peers/tracker"
)

//callLog records the order in which sources are updated
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, s)
}

func (l *callLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) count(s string) int {
	var n int
	for _, c := range l.get() {
		if c == s {
			n++
		}
	}
	return n
}

type fakeSource struct {
	name string
	log  *callLog
	//if set, Update waits for it to be closed
	block   chan struct{}
	entered chan struct{}

	mu      sync.Mutex
	batches [][]peer.Peer
	err     error
	pending []peer.Peer
}

func (s *fakeSource) Update(ctx context.Context) (bool, error) {
	s.log.add(s.name)
	if s.block != nil {
		if s.entered != nil {
			s.entered <- struct{}{}
		}
		select {
		case <-s.block:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	if len(s.batches) == 0 {
		return false, nil
	}
	s.pending = append(s.pending, s.batches[0]...)
	s.batches = s.batches[1:]
	return len(s.pending) > 0, nil
}

func (s *fakeSource) Drain() []peer.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pending
	s.pending = nil
	return p
}

func (s *fakeSource) String() string { return s.name }

func (s *fakeSource) push(peers ...peer.Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, peers)
}

//fakeTrackerSources hands out one fakeSource per announce key
type fakeTrackerSources struct {
	log     *callLog
	mu      sync.Mutex
	sources map[string]*fakeSource
}

func (f *fakeTrackerSources) Source(_ ametainfo.Hash, key tracker.AnnounceKey) peer.Source {
	return f.get(key.String())
}

func (f *fakeTrackerSources) get(key string) *fakeSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sources[key]
	if !ok {
		s = &fakeSource{name: "tracker:" + key, log: f.log}
		f.sources[key] = s
	}
	return s
}

func (f *fakeTrackerSources) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sources)
}

//fakeAux is an auxiliary factory with one fakeSource per torrent
type fakeAux struct {
	name    string
	log     *callLog
	mu      sync.Mutex
	sources map[ametainfo.Hash]*fakeSource
}

func newFakeAux(name string, log *callLog) *fakeAux {
	return &fakeAux{name: name, log: log, sources: make(map[ametainfo.Hash]*fakeSource)}
}

func (f *fakeAux) Source(id ametainfo.Hash) peer.Source {
	return f.get(id)
}

func (f *fakeAux) get(id ametainfo.Hash) *fakeSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sources[id]
	if !ok {
		s = &fakeSource{name: "aux:" + f.name, log: f.log}
		f.sources[id] = s
	}
	return s
}

type event struct {
	id ametainfo.Hash
	p  peer.Peer
}

type recordingSink struct {
	mu     sync.Mutex
	events []event
}

func (s *recordingSink) PeerDiscovered(id ametainfo.Hash, p peer.Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event{id, p})
}

func (s *recordingSink) get() []event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]event(nil), s.events...)
}

type staticIdentity struct {
	id  peer.ID
	err error
}

func (s staticIdentity) LocalID() (peer.ID, error) { return s.id, s.err }

var localID = peer.ID{'-', 'C', 'H', '0', '0', '0', '1', '-'}

type harness struct {
	r        *Registry
	torrents *torrent.Registry
	trackers *fakeTrackerSources
	sink     *recordingSink
	log      *callLog
	binder   *RuntimeBinder
	clock    *clock.Mock
}

func newHarness(t *testing.T, aux ...string) *harness {
	log := &callLog{}
	h := &harness{
		torrents: torrent.NewRegistry(),
		trackers: &fakeTrackerSources{log: log, sources: make(map[string]*fakeSource)},
		sink:     &recordingSink{},
		log:      log,
		binder:   NewRuntimeBinder(nil),
		clock:    clock.NewMock(),
	}
	var sources []SourceFactory
	for _, name := range aux {
		sources = append(sources, newFakeAux(name, log))
	}
	r, err := New(Params{
		Config:         DefaultConfig(),
		Lifecycle:      h.binder,
		Identity:       staticIdentity{id: localID},
		Torrents:       h.torrents,
		Trackers:       tracker.NewService(),
		TrackerSources: h.trackers,
		Events:         h.sink,
		Sources:        sources,
		Clock:          h.clock,
		Logger:         zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	h.r = r
	t.Cleanup(func() { h.binder.Stop() })
	return h
}

func (h *harness) aux(i int, id ametainfo.Hash) *fakeSource {
	return h.r.sources[i].(*fakeAux).get(id)
}

func (h *harness) add(t *testing.T, id ametainfo.Hash, key *tracker.AnnounceKey, private, active bool) {
	require.NoError(t, h.torrents.Add(&metainfo.Torrent{InfoHash: id, AnnounceKey: key, Private: private}))
	require.NoError(t, h.torrents.SetActive(id, active))
}

func (h *harness) cycle() {
	h.r.sched.cycle(context.Background()).Wait()
}

func singleKey(t *testing.T, url string) *tracker.AnnounceKey {
	k, err := tracker.NewAnnounceKey(url)
	require.NoError(t, err)
	return &k
}

func mustPeer(t *testing.T, addr string, opts peer.Options) peer.Peer {
	a, err := peer.ParseAddr(addr)
	require.NoError(t, err)
	return peer.New(a, opts)
}

func mustAddr(t *testing.T, s string) netip.AddrPort {
	a, err := peer.ParseAddr(s)
	require.NoError(t, err)
	return a
}
