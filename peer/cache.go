package peer

import (
	"net/netip"
	"sync"
)

//Cache holds every peer endpoint this process knows about, one canonical
//*UpdatablePeer per address. It is also used to intern addresses of inbound
//connections that no source has reported yet.
//
//Reads are lock-free. Inserts and option updates are serialized by mu so that a
//lookup racing with a registration for the same address never produces a second
//object.
type Cache struct {
	mu    sync.Mutex
	peers sync.Map //netip.AddrPort -> *UpdatablePeer
	n     int
}

func NewCache() *Cache {
	return &Cache{}
}

//Register stores p if its address is unknown, otherwise overwrites the options of
//the existing entry with p's options. The canonical peer is returned either way.
func (c *Cache) Register(p Peer) *UpdatablePeer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.register(p)
}

func (c *Cache) register(p Peer) *UpdatablePeer {
	addr := normalize(p.Addr())
	if v, ok := c.peers.Load(addr); ok {
		existing := v.(*UpdatablePeer)
		existing.setOptions(p.Options())
		return existing
	}
	if u, ok := p.(*UpdatablePeer); ok {
		p = u.delegate
	}
	up := newUpdatablePeer(p)
	c.peers.Store(addr, up)
	c.n++
	return up
}

//Lookup returns the canonical peer for addr, creating a bare one (no id, no
//options) when the address was never seen.
func (c *Cache) Lookup(addr netip.AddrPort) *UpdatablePeer {
	addr = normalize(addr)
	if v, ok := c.peers.Load(addr); ok {
		return v.(*UpdatablePeer)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.peers.Load(addr); ok {
		return v.(*UpdatablePeer)
	}
	return c.register(New(addr, 0))
}

//Get is Lookup without the insert.
func (c *Cache) Get(addr netip.AddrPort) (*UpdatablePeer, bool) {
	v, ok := c.peers.Load(normalize(addr))
	if !ok {
		return nil, false
	}
	return v.(*UpdatablePeer), true
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

//Range calls fn for every cached peer until fn returns false.
func (c *Cache) Range(fn func(*UpdatablePeer) bool) {
	c.peers.Range(func(_, v interface{}) bool {
		return fn(v.(*UpdatablePeer))
	})
}
