package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/anacrolix/torrent/bencode"
)

type HTTPTracker struct {
	url    string
	client *http.Client
	mu     sync.Mutex
	//trackers may hand us an id to echo back in later announces
	id string
}

type httpAnnounceResponse struct {
	Fail        string        `bencode:"failure reason,omitempty"`
	Warning     string        `bencode:"warning message,omitempty"`
	Interval    int32         `bencode:"interval,omitempty"`
	MinInterval int32         `bencode:"min interval,omitempty"`
	TrackerID   string        `bencode:"tracker id,omitempty"`
	Complete    int32         `bencode:"complete,omitempty"`
	Incomplete  int32         `bencode:"incomplete,omitempty"`
	Peers       bencode.Bytes `bencode:"peers,omitempty"`
	Peers6      []byte        `bencode:"peers6,omitempty"`
}

type httpPeer struct {
	ID   []byte `bencode:"peer id,omitempty"`
	IP   string `bencode:"ip"`
	Port int    `bencode:"port"`
}

//peers decodes both the dictionary model and the compact model of the peers key.
func (r *httpAnnounceResponse) peers() ([]Peer, error) {
	var peers []Peer
	if len(r.Peers) > 0 {
		if r.Peers[0] == 'l' {
			var dicts []httpPeer
			if err := bencode.Unmarshal(r.Peers, &dicts); err != nil {
				return nil, fmt.Errorf("peers list: %w", err)
			}
			for _, d := range dicts {
				ip := net.ParseIP(d.IP)
				if ip == nil {
					//DNS names are allowed by the protocol but resolving them is not our job
					continue
				}
				peers = append(peers, Peer{ID: d.ID, IP: ip, Port: d.Port})
			}
		} else {
			var compact []byte
			if err := bencode.Unmarshal(r.Peers, &compact); err != nil {
				return nil, fmt.Errorf("compact peers: %w", err)
			}
			p, err := compactPeers(compact, net.IPv4len)
			if err != nil {
				return nil, err
			}
			peers = append(peers, p...)
		}
	}
	if len(r.Peers6) > 0 {
		p, err := compactPeers(r.Peers6, net.IPv6len)
		if err != nil {
			return nil, err
		}
		peers = append(peers, p...)
	}
	return peers, nil
}

func (r *httpAnnounceResponse) announceResp() (*AnnounceResp, error) {
	if r.Fail != "" {
		return nil, fmt.Errorf("tracker failure: %w", errors.New(r.Fail))
	}
	peers, err := r.peers()
	if err != nil {
		return nil, err
	}
	return &AnnounceResp{
		Interval:    r.Interval,
		MinInterval: r.MinInterval,
		Leechers:    r.Incomplete,
		Seeders:     r.Complete,
		Peers:       peers,
	}, nil
}

func (t *HTTPTracker) Announce(ctx context.Context, r AnnounceReq) (*AnnounceResp, error) {
	resp, err := t.announce(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("http announce: %w", err)
	}
	t.mu.Lock()
	if resp.TrackerID != "" {
		t.id = resp.TrackerID
	}
	t.mu.Unlock()
	return resp.announceResp()
}

func (t *HTTPTracker) announce(ctx context.Context, r AnnounceReq) (*httpAnnounceResponse, error) {
	t.mu.Lock()
	u, err := r.buildURL(t.url, t.id)
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	benData, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var res httpAnnounceResponse
	if err = bencode.Unmarshal(benData, &res); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &res, nil
}

func (t *HTTPTracker) String() string {
	return t.url
}

func (r AnnounceReq) buildURL(announceURL, trackerID string) (*url.URL, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, err
	}
	v := u.Query()
	v.Set("info_hash", string(r.InfoHash[:]))
	v.Set("peer_id", string(r.PeerID[:]))
	v.Set("port", strconv.Itoa(int(r.Port)))
	v.Set("uploaded", strconv.FormatInt(r.Uploaded, 10))
	v.Set("downloaded", strconv.FormatInt(r.Downloaded, 10))
	v.Set("left", strconv.FormatInt(r.Left, 10))
	v.Set("compact", "1")
	v.Set("no_peer_id", "1")
	if r.Event != None {
		v.Set("event", r.Event.String())
	}
	if r.Numwant != 0 {
		v.Set("numwant", strconv.Itoa(int(r.Numwant)))
	}
	if r.Key != 0 {
		v.Set("key", strconv.Itoa(int(r.Key)))
	}
	if trackerID != "" {
		v.Set("trackerid", trackerID)
	}
	u.RawQuery = v.Encode()
	return u, nil
}
