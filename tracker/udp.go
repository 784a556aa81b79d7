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
	"time"
)

const (
	actionConnect int32 = iota
	actionAnnounce
	actionScrape
	actionError

	protoID int64 = 0x41727101980
)

//a connection id is valid for one minute (BEP 15)
const connectionIDTTL = time.Minute

//after 8 retransmits (15 * 2^8 secs) the tracker is considered down
const maxRetransmits = 8

var errConnectionIDExpired = errors.New("connection id expired")

type respHeader struct {
	Action int32
	TxID   int32
}

type connectReq struct {
	ProtoID int64
	Action  int32
	TxID    int32
}

type udpAnnounceReq struct {
	ConnID     int64
	Action     int32
	TxID       int32
	InfoHash   [20]byte
	PeerID     [20]byte
	Downloaded int64
	Left       int64
	Uploaded   int64
	Event      int32
	IP         uint32
	Key        int32
	Numwant    int32
	Port       uint16
}

type udpAnnounceFixed struct {
	Interval int32
	Leechers int32
	Seeders  int32
}

type UDPTracker struct {
	url  string
	host string
	//serializes announces, a UDP tracker session is strictly request/response
	mu            sync.Mutex
	conn          net.Conn
	connID        int64
	lastConnected time.Time
	//base retransmit timeout, 15s as the protocol says; lowered in tests
	timeout time.Duration
}

func (t *UDPTracker) Announce(ctx context.Context, r AnnounceReq) (*AnnounceResp, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	resp, err := t.announce(ctx, r)
	for errors.Is(err, errConnectionIDExpired) {
		resp, err = t.announce(ctx, r)
	}
	if err != nil {
		return nil, fmt.Errorf("udp announce: %w", err)
	}
	return resp, nil
}

func (t *UDPTracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	t.lastConnected = time.Time{}
	return err
}

func (t *UDPTracker) String() string {
	return t.url
}

func (t *UDPTracker) isConnected() bool {
	return t.conn != nil && !t.lastConnected.IsZero() && time.Since(t.lastConnected) < connectionIDTTL
}

func (t *UDPTracker) connect(ctx context.Context) error {
	if t.isConnected() {
		return nil
	}
	if t.conn == nil {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "udp", t.host)
		if err != nil {
			return fmt.Errorf("dial %s: %w", t.host, err)
		}
		t.conn = conn
	}
	txID := rand.Int31()
	b, err := marshal(connectReq{protoID, actionConnect, txID})
	if err != nil {
		return err
	}
	r, err := t.roundTrip(ctx, b, respHeader{actionConnect, txID})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err = binary.Read(r, binary.BigEndian, &t.connID); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	t.lastConnected = time.Now()
	return nil
}

func (t *UDPTracker) announce(ctx context.Context, r AnnounceReq) (*AnnounceResp, error) {
	if err := t.connect(ctx); err != nil {
		return nil, err
	}
	txID := rand.Int31()
	b, err := marshal(udpAnnounceReq{
		ConnID:     t.connID,
		Action:     actionAnnounce,
		TxID:       txID,
		InfoHash:   r.InfoHash,
		PeerID:     r.PeerID,
		Downloaded: r.Downloaded,
		Left:       r.Left,
		Uploaded:   r.Uploaded,
		Event:      int32(r.Event),
		Key:        r.Key,
		Numwant:    r.Numwant,
		Port:       r.Port,
	})
	if err != nil {
		return nil, err
	}
	buf, err := t.roundTrip(ctx, b, respHeader{actionAnnounce, txID})
	if err != nil {
		return nil, err
	}
	var fixed udpAnnounceFixed
	if err = binary.Read(buf, binary.BigEndian, &fixed); err != nil {
		return nil, err
	}
	peers, err := compactPeers(buf.Bytes(), net.IPv4len)
	if err != nil {
		return nil, err
	}
	return &AnnounceResp{
		Interval: fixed.Interval,
		Leechers: fixed.Leechers,
		Seeders:  fixed.Seeders,
		Peers:    peers,
	}, nil
}

//roundTrip writes req and waits for the matching response, retransmitting with
//exponential backoff. Datagrams with a foreign transaction id are ignored.
func (t *UDPTracker) roundTrip(ctx context.Context, req []byte, expected respHeader) (*bytes.Buffer, error) {
	stop := context.AfterFunc(ctx, func() {
		t.conn.SetReadDeadline(time.Now())
	})
	defer stop()
	buf := make([]byte, 0x10000)
	for attempt := 0; ; attempt++ {
		if attempt > maxRetransmits {
			return nil, errors.New("tracker did not respond")
		}
		//periodically check if we are still connected before we retransmit
		if expected.Action != actionConnect && !t.isConnected() {
			return nil, errConnectionIDExpired
		}
		if _, err := t.conn.Write(req); err != nil {
			return nil, fmt.Errorf("conn write: %w", err)
		}
		if err := t.conn.SetReadDeadline(time.Now().Add(t.retransmitTimeout(attempt))); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		b, err := t.readResponse(ctx, buf, expected)
		var ne net.Error
		if ctx.Err() == nil && errors.As(err, &ne) && ne.Timeout() {
			continue
		}
		return b, err
	}
}

func (t *UDPTracker) readResponse(ctx context.Context, buf []byte, expected respHeader) (*bytes.Buffer, error) {
	for {
		n, err := t.conn.Read(buf)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			return nil, err
		}
		b := bytes.NewBuffer(append([]byte(nil), buf[:n]...))
		var h respHeader
		if binary.Read(b, binary.BigEndian, &h) != nil || h.TxID != expected.TxID {
			continue
		}
		if h.Action == actionError {
			return nil, fmt.Errorf("tracker error: %s", b.String())
		}
		if h.Action != expected.Action {
			return nil, fmt.Errorf("unexpected action %d in response", h.Action)
		}
		return b, nil
	}
}

func (t *UDPTracker) retransmitTimeout(attempt int) time.Duration {
	base := t.timeout
	if base == 0 {
		base = 15 * time.Second
	}
	return base << uint(attempt)
}

func marshal(parts ...interface{}) ([]byte, error) {
	var buf bytes.Buffer
	for _, p := range parts {
		if err := binary.Write(&buf, binary.BigEndian, p); err != nil {
			return nil, fmt.Errorf("write binary: %w", err)
		}
	}
	return buf.Bytes(), nil
}
