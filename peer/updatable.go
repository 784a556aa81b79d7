package peer

import (
	"net/netip"

	"go.uber.org/atomic"
)

//UpdatablePeer is the canonical, cache-resident Peer for an endpoint.
//Its identity comes from the peer it was created from and never changes;
//its options are replaced every time the endpoint is observed again, and
//every holder of the pointer sees the new value.
type UpdatablePeer struct {
	delegate Peer
	opts     atomic.Uint32
}

func newUpdatablePeer(delegate Peer) *UpdatablePeer {
	p := &UpdatablePeer{delegate: delegate}
	p.opts.Store(uint32(delegate.Options()))
	return p
}

func (p *UpdatablePeer) Addr() netip.AddrPort { return p.delegate.Addr() }

func (p *UpdatablePeer) ID() (ID, bool) { return p.delegate.ID() }

func (p *UpdatablePeer) Options() Options {
	return Options(p.opts.Load())
}

func (p *UpdatablePeer) setOptions(o Options) {
	p.opts.Store(uint32(o))
}

//Equal compares identity with another peer, see Equal.
func (p *UpdatablePeer) Equal(other Peer) bool {
	if u, ok := other.(*UpdatablePeer); ok {
		other = u.delegate
	}
	return Equal(p.delegate, other)
}

func (p *UpdatablePeer) String() string {
	return p.delegate.String()
}
