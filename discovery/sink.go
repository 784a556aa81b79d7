package discovery

import (
	"github.com/anacrolix/missinggo/pubsub"
	ametainfo "github.com/anacrolix/torrent/metainfo"

	"github.com/lkslts64/charo-peers/peer"
)

//PeerDiscovered is published for every peer a source hands us.
type PeerDiscovered struct {
	TorrentID ametainfo.Hash
	Peer      peer.Peer
}

//EventSink notifies the rest of the system of discovered peers. Implementations
//must not block.
type EventSink interface {
	PeerDiscovered(id ametainfo.Hash, p peer.Peer)
}

//PubSubSink fans PeerDiscovered events out to any number of subscribers.
type PubSubSink struct {
	ps *pubsub.PubSub
}

func NewPubSubSink() *PubSubSink {
	return &PubSubSink{ps: pubsub.NewPubSub()}
}

func (s *PubSubSink) PeerDiscovered(id ametainfo.Hash, p peer.Peer) {
	s.ps.Publish(PeerDiscovered{TorrentID: id, Peer: p})
}

//Subscribe returns a subscription receiving PeerDiscovered values published
//from now on. Close it when done.
func (s *PubSubSink) Subscribe() *pubsub.Subscription {
	return s.ps.Subscribe()
}

func (s *PubSubSink) Close() {
	s.ps.Close()
}
