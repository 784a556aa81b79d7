package dht

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	adht "github.com/anacrolix/dht/v2"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTraversal struct {
	ch     chan adht.PeersValues
	closed bool
}

func (t *fakeTraversal) Peers() <-chan adht.PeersValues { return t.ch }

func (t *fakeTraversal) Close() { t.closed = true }

type fakeAnnouncer struct {
	values []adht.PeersValues
	//leave the channel open so the traversal has to time out
	hang bool
	err  error
	last *fakeTraversal
}

func (a *fakeAnnouncer) Announce(infoHash metainfo.Hash, port int) (Traversal, error) {
	if a.err != nil {
		return nil, a.err
	}
	ch := make(chan adht.PeersValues, len(a.values))
	for _, v := range a.values {
		ch <- v
	}
	if !a.hang {
		close(ch)
	}
	a.last = &fakeTraversal{ch: ch}
	return a.last, nil
}

func values(addrs ...string) adht.PeersValues {
	var pv adht.PeersValues
	for _, s := range addrs {
		host, port, _ := net.SplitHostPort(s)
		p, _ := net.LookupPort("udp", port)
		pv.Peers = append(pv.Peers, adht.Peer{IP: net.ParseIP(host), Port: p})
	}
	return pv
}

func newFactory(t *testing.T, a Announcer) *SourceFactory {
	f, err := NewSourceFactory(Config{Announcer: a, TraversalTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	return f
}

func TestSourceCollectsPeers(t *testing.T) {
	a := &fakeAnnouncer{values: []adht.PeersValues{
		values("1.2.3.4:6881", "5.6.7.8:6882"),
		values("1.2.3.4:6881", "9.9.9.9:1"),
		values("10.0.0.1:0"),
	}}
	s := newFactory(t, a).Source(metainfo.Hash{1})
	ok, err := s.Update(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, a.last.closed)
	peers := s.Drain()
	//duplicates and the zero port are dropped
	require.Len(t, peers, 3)
	assert.Equal(t, "1.2.3.4:6881", peers[0].Addr().String())
	assert.Empty(t, s.Drain())
}

func TestSourceTraversalTimeout(t *testing.T) {
	a := &fakeAnnouncer{values: []adht.PeersValues{values("1.2.3.4:6881")}, hang: true}
	clk := clock.NewMock()
	f, err := NewSourceFactory(Config{Announcer: a, TraversalTimeout: time.Minute, Clock: clk})
	require.NoError(t, err)
	s := f.Source(metainfo.Hash{1})
	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		ok, err := s.Update(context.Background())
		done <- result{ok, err}
	}()
	//the traversal hangs until the timeout fires
	require.Never(t, func() bool { return len(done) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	//the timer only exists once Update got past Announce
	require.Eventually(t, func() bool {
		clk.Add(time.Minute)
		return len(done) > 0
	}, time.Second, 5*time.Millisecond)
	res := <-done
	require.NoError(t, res.err)
	assert.True(t, res.ok)
	assert.Len(t, s.Drain(), 1)
	assert.True(t, a.last.closed)
}

func TestSourceNoPeers(t *testing.T) {
	s := newFactory(t, &fakeAnnouncer{}).Source(metainfo.Hash{1})
	ok, err := s.Update(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSourceCanceled(t *testing.T) {
	s := newFactory(t, &fakeAnnouncer{hang: true}).Source(metainfo.Hash{1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Update(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSourceAnnounceError(t *testing.T) {
	s := newFactory(t, &fakeAnnouncer{err: errors.New("no nodes")}).Source(metainfo.Hash{1})
	_, err := s.Update(context.Background())
	assert.EqualError(t, err, "dht announce: no nodes")
}

func TestSourceFactoryOnePerTorrent(t *testing.T) {
	f := newFactory(t, &fakeAnnouncer{})
	s := f.Source(metainfo.Hash{1})
	assert.Same(t, s, f.Source(metainfo.Hash{1}))
	assert.NotSame(t, s, f.Source(metainfo.Hash{2}))
	assert.Contains(t, s.String(), metainfo.Hash{1}.HexString())
	_, err := NewSourceFactory(Config{})
	assert.Error(t, err)
}
