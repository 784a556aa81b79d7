package peer

import (
	"context"
	"sync"
)

//Source is a pollable provider of candidate peers for one torrent.
//
//Update does whatever work is needed to learn about new peers, possibly blocking
//on the network, and reports whether there is something to Drain. Drain returns
//the peers discovered since the last Drain and forgets them.
type Source interface {
	Update(ctx context.Context) (bool, error)
	Drain() []Peer
	String() string
}

//Pending is the drainable collection most sources embed.
type Pending struct {
	mu    sync.Mutex
	peers []Peer
}

func (p *Pending) Add(peers ...Peer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peers = append(p.peers, peers...)
}

func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.peers)
}

func (p *Pending) Drain() []Peer {
	p.mu.Lock()
	defer p.mu.Unlock()
	peers := p.peers
	p.peers = nil
	return peers
}
