package tracker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var udpTrackers = []string{
	"udp://tracker.opentrackr.org:1337/announce",
	"udp://tracker.openbittorrent.com:6969/announce",
}

type portIP struct {
	IP   [4]byte
	Port uint16
}

type torrent struct {
	stats udpAnnounceFixed
	peers []portIP
}

//server is a minimal in-process UDP tracker
type server struct {
	pc    net.PacketConn
	mu    sync.Mutex
	conns map[int64]struct{}
	t     map[[20]byte]torrent
	//number of requests to drop before answering, to exercise retransmits
	drop int
}

func newServer(t *testing.T, torrents map[[20]byte]torrent) *server {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	return &server{pc: pc, conns: make(map[int64]struct{}), t: torrents}
}

func (s *server) url() string {
	return fmt.Sprintf("udp://%s/announce", s.pc.LocalAddr())
}

func (s *server) serve() {
	for {
		if err := s.serveOne(); errors.Is(err, net.ErrClosed) {
			return
		}
	}
}

func (s *server) respond(addr net.Addr, rh respHeader, parts ...interface{}) error {
	b, err := marshal(append([]interface{}{rh}, parts...)...)
	if err != nil {
		return err
	}
	_, err = s.pc.WriteTo(b, addr)
	return err
}

func (s *server) serveOne() error {
	b := make([]byte, 0x10000)
	n, addr, err := s.pc.ReadFrom(b)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drop > 0 {
		s.drop--
		return nil
	}
	r := bytes.NewReader(b[:n])
	var h struct {
		ConnID int64
		Action int32
		TxID   int32
	}
	if err = binary.Read(r, binary.BigEndian, &h); err != nil {
		return err
	}
	switch h.Action {
	case actionConnect:
		if h.ConnID != protoID {
			return errors.New("bad protocol id")
		}
		connID := rand.Int63()
		s.conns[connID] = struct{}{}
		return s.respond(addr, respHeader{actionConnect, h.TxID}, connID)
	case actionAnnounce:
		if _, ok := s.conns[h.ConnID]; !ok {
			return s.respond(addr, respHeader{actionError, h.TxID}, []byte("not connected"))
		}
		var ar udpAnnounceReq
		if err = binary.Read(bytes.NewReader(b[:n]), binary.BigEndian, &ar); err != nil {
			return err
		}
		t, ok := s.t[ar.InfoHash]
		if !ok {
			return s.respond(addr, respHeader{actionError, h.TxID}, []byte("unknown torrent"))
		}
		return s.respond(addr, respHeader{actionAnnounce, h.TxID}, t.stats, t.peers)
	default:
		return s.respond(addr, respHeader{actionError, h.TxID}, []byte("unhandled action"))
	}
}

var ihash = [20]byte{0xa3, 0x56, 0x41, 0x43, 0x74, 0x23, 0xe6, 0x26, 0xd9, 0x38, 0x25, 0x4a, 0x6b, 0x80, 0x49, 0x10, 0xa6, 0x67, 0xa, 0xc1}

func testTorrents() map[[20]byte]torrent {
	return map[[20]byte]torrent{
		ihash: {
			stats: udpAnnounceFixed{900, 5, 10},
			peers: []portIP{
				{[4]byte{1, 2, 3, 4}, 6881},
				{[4]byte{5, 6, 7, 8}, 6882},
				{[4]byte{9, 9, 9, 9}, 1},
			},
		},
	}
}

func TestMarshalAnnounceRequest(t *testing.T) {
	b, err := marshal(udpAnnounceReq{InfoHash: ihash, Port: 6881})
	require.NoError(t, err)
	assert.Len(t, b, 98)
	assert.Equal(t, ihash[:], b[16:36])
}

func TestRetransmitTimeout(t *testing.T) {
	tr := &UDPTracker{}
	assert.Equal(t, 15*time.Second, tr.retransmitTimeout(0))
	assert.Equal(t, 32*15*time.Second, tr.retransmitTimeout(5))
}

func TestUDPAnnounceLocalhost(t *testing.T) {
	srv := newServer(t, testTorrents())
	defer srv.pc.Close()
	go srv.serve()
	s := NewService()
	defer s.Close()
	key, err := NewAnnounceKey(srv.url())
	require.NoError(t, err)
	tr, err := s.Tracker(key)
	require.NoError(t, err)
	req := AnnounceReq{InfoHash: ihash, Numwant: -1, Event: Started}
	rand.Read(req.PeerID[:])
	resp, err := tr.Announce(context.Background(), req)
	require.NoError(t, err)
	assert.EqualValues(t, 900, resp.Interval)
	assert.EqualValues(t, 5, resp.Leechers)
	assert.EqualValues(t, 10, resp.Seeders)
	require.Len(t, resp.Peers, 3)
	assert.Equal(t, "1.2.3.4:6881", resp.Peers[0].String())
	assert.Equal(t, "5.6.7.8:6882", resp.Peers[1].String())
	//the connection id is reused for the second announce
	_, err = tr.Announce(context.Background(), req)
	require.NoError(t, err)
	srv.mu.Lock()
	assert.Len(t, srv.conns, 1)
	srv.mu.Unlock()
}

func TestUDPAnnounceRetransmit(t *testing.T) {
	srv := newServer(t, testTorrents())
	defer srv.pc.Close()
	srv.drop = 2
	go srv.serve()
	tr := &UDPTracker{url: srv.url(), host: srv.pc.LocalAddr().String(), timeout: 20 * time.Millisecond}
	defer tr.Close()
	resp, err := tr.Announce(context.Background(), AnnounceReq{InfoHash: ihash})
	require.NoError(t, err)
	assert.Len(t, resp.Peers, 3)
}

func TestUDPAnnounceTrackerError(t *testing.T) {
	srv := newServer(t, testTorrents())
	defer srv.pc.Close()
	go srv.serve()
	tr := &UDPTracker{url: srv.url(), host: srv.pc.LocalAddr().String()}
	defer tr.Close()
	_, err := tr.Announce(context.Background(), AnnounceReq{InfoHash: [20]byte{1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown torrent")
}

func TestUDPAnnounceCancel(t *testing.T) {
	//nobody answers on this socket
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()
	tr := &UDPTracker{host: pc.LocalAddr().String()}
	defer tr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = tr.Announce(ctx, AnnounceReq{InfoHash: ihash})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, int64(time.Since(start)), int64(5*time.Second))
}

func TestAnnounceRandomInfoHashThirdParty(t *testing.T) {
	t.Parallel()
	if testing.Short() {
		// This test involves contacting third party servers that may have
		// unpredictable results.
		t.SkipNow()
	}
	req := AnnounceReq{
		Event: Stopped,
	}
	rand.Read(req.PeerID[:])
	rand.Read(req.InfoHash[:])
	s := NewService()
	defer s.Close()
	wg := sync.WaitGroup{}
	for _, url := range udpTrackers {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			key, err := NewAnnounceKey(url)
			require.NoError(t, err)
			tr, err := s.Tracker(key)
			require.NoError(t, err)
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer cancel()
			resp, err := tr.Announce(ctx, req)
			if err != nil {
				t.Logf("error announcing to %s: %s", url, err)
				return
			}
			if resp.Leechers != 0 || resp.Seeders != 0 || len(resp.Peers) != 0 {
				// The info hash we generated was random in 2^160 space. If we
				// get a hit, something is weird.
				t.Error(resp)
				return
			}
			t.Logf("announced to %s", url)
		}(url)
	}
	wg.Wait()
}
