package tracker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
)

var ErrUnsupportedScheme = errors.New("unsupported tracker scheme")

type Event int32

//Numbers correspond to the UDP tracker protocol.
const (
	None Event = iota
	Completed
	Started
	Stopped
)

var eventNames = [...]string{
	"",
	"completed",
	"started",
	"stopped",
}

//String returns the event as the HTTP protocol spells it.
func (e Event) String() string {
	return eventNames[e]
}

type AnnounceReq struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Downloaded int64
	Left       int64
	Uploaded   int64
	Event      Event
	Key        int32
	Numwant    int32
	Port       uint16
}

type AnnounceResp struct {
	Interval    int32
	MinInterval int32
	Leechers    int32
	Seeders     int32
	Peers       []Peer
}

type Peer struct {
	ID   []byte
	IP   net.IP
	Port int
}

func (p Peer) String() string {
	return net.JoinHostPort(p.IP.String(), fmt.Sprint(p.Port))
}

//Tracker announces to one tracker or a list of trackers.
type Tracker interface {
	Announce(context.Context, AnnounceReq) (*AnnounceResp, error)
}

//Service knows which announce protocols are supported and hands out tracker clients.
//Clients are shared per URL so that UDP connection ids are reused across torrents.
type Service struct {
	mu       sync.Mutex
	trackers map[string]Tracker
	//tiered clients keep their promoted tier order, so they live as long as the service
	tiered     map[string]*tiered
	httpClient *http.Client
}

func NewService() *Service {
	return &Service{
		trackers:   make(map[string]Tracker),
		tiered:     make(map[string]*tiered),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *Service) IsSupportedProtocol(trackerURL string) bool {
	u, err := url.Parse(trackerURL)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "udp":
		return true
	}
	return false
}

//Tracker returns the client for key: a single client for a single key, a tiered
//client for a multi key. The same multi key always gets the same tiered client.
func (s *Service) Tracker(key AnnounceKey) (Tracker, error) {
	if !key.IsMultiKey() {
		return s.tracker(key.URL())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := key.String()
	tr, ok := s.tiered[id]
	if !ok {
		tr = newTiered(key.Tiers(), s.tracker)
		s.tiered[id] = tr
	}
	return tr, nil
}

func (s *Service) tracker(trackerURL string) (Tracker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tr, ok := s.trackers[trackerURL]; ok {
		return tr, nil
	}
	u, err := url.Parse(trackerURL)
	if err != nil {
		return nil, err
	}
	var tr Tracker
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		tr = &HTTPTracker{url: trackerURL, client: s.httpClient}
	case "udp":
		tr = &UDPTracker{url: trackerURL, host: addPortMaybe(u.Host)}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	s.trackers[trackerURL] = tr
	return tr, nil
}

//Close releases the sockets of every UDP tracker handed out so far.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	for _, tr := range s.trackers {
		if udp, ok := tr.(*UDPTracker); ok {
			err = multierr.Append(err, udp.Close())
		}
	}
	return err
}

func addPortMaybe(host string) string {
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "80")
	}
	return host
}

//compactPeers parses the 6 bytes per peer (IPv4) or 18 bytes per peer (IPv6) encoding.
func compactPeers(b []byte, ipLen int) ([]Peer, error) {
	stride := ipLen + 2
	if len(b)%stride != 0 {
		return nil, fmt.Errorf("compact peers length %d is not a multiple of %d", len(b), stride)
	}
	peers := make([]Peer, 0, len(b)/stride)
	for i := 0; i < len(b); i += stride {
		ip := make(net.IP, ipLen)
		copy(ip, b[i:i+ipLen])
		peers = append(peers, Peer{
			IP:   ip,
			Port: int(b[i+ipLen])<<8 | int(b[i+ipLen+1]),
		})
	}
	return peers, nil
}
