package peer

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

//ID is the 20-byte identity a peer presents at handshake and announce time.
type ID [20]byte

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

//NewID returns a peer id of the form -XXVVVV- followed by 12 random bytes,
//the Azureus-style convention most clients use.
func NewID(clientID, version string) (ID, error) {
	var id ID
	prefix := "-" + clientID + version + "-"
	if len(prefix) > len(id) {
		return id, fmt.Errorf("peer id prefix %q too long", prefix)
	}
	n := copy(id[:], prefix)
	if _, err := rand.Read(id[n:]); err != nil {
		return id, fmt.Errorf("peer id: %w", err)
	}
	return id, nil
}

//Options are the per-observation hints a source knows about a peer.
//They never take part in a peer's identity.
type Options uint32

const (
	SupportsEncryption Options = 1 << iota
	PrefersEncryption
	Seed
	Outgoing
)

func (o Options) Has(f Options) bool {
	return o&f == f
}

func (o Options) With(f Options) Options {
	return o | f
}

func (o Options) String() string {
	if o == 0 {
		return "none"
	}
	names := []string{}
	for i, name := range optionNames {
		if o.Has(1 << uint(i)) {
			names = append(names, name)
		}
	}
	return strings.Join(names, "|")
}

var optionNames = [...]string{
	"encryption",
	"prefers-encryption",
	"seed",
	"outgoing",
}

//Peer is a candidate remote endpoint for a torrent.
type Peer interface {
	Addr() netip.AddrPort
	//ID returns the peer id if the source that reported the peer knew it.
	ID() (ID, bool)
	Options() Options
	String() string
}

//InetPeer is an immutable Peer.
type InetPeer struct {
	addr  netip.AddrPort
	id    ID
	hasID bool
	opts  Options
}

//New returns a peer without a known id.
func New(addr netip.AddrPort, opts Options) *InetPeer {
	return &InetPeer{
		addr: normalize(addr),
		opts: opts,
	}
}

//NewWithID returns a peer with a known id.
func NewWithID(addr netip.AddrPort, id ID, opts Options) *InetPeer {
	p := New(addr, opts)
	p.id = id
	p.hasID = true
	return p
}

//FromIP is a convenience for sources that hand out net.IP (trackers, DHT).
func FromIP(ip net.IP, port int, opts Options) (*InetPeer, error) {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return nil, fmt.Errorf("invalid peer ip %v", ip)
	}
	if port <= 0 || port > 0xffff {
		return nil, fmt.Errorf("invalid peer port %d", port)
	}
	return New(netip.AddrPortFrom(addr, uint16(port)), opts), nil
}

//ParseAddr parses host:port into a peer address.
func ParseAddr(s string) (netip.AddrPort, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return netip.AddrPort{}, err
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("port %q: %w", port, err)
	}
	return normalize(netip.AddrPortFrom(addr, uint16(p))), nil
}

func (p *InetPeer) Addr() netip.AddrPort { return p.addr }

func (p *InetPeer) ID() (ID, bool) { return p.id, p.hasID }

func (p *InetPeer) Options() Options { return p.opts }

func (p *InetPeer) String() string {
	if p.hasID {
		return fmt.Sprintf("%s (%s)", p.addr, p.id)
	}
	return p.addr.String()
}

//Equal reports whether a and b describe the same peer: same endpoint and,
//when both are known, the same id. Options are ignored.
func Equal(a, b Peer) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Addr() != b.Addr() {
		return false
	}
	aid, aok := a.ID()
	bid, bok := b.ID()
	return aok == bok && aid == bid
}

//IPv4-mapped IPv6 addresses are folded to IPv4 so the same host never shows up
//under two cache keys.
func normalize(addr netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
}
