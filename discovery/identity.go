package discovery

import (
	"errors"
	"fmt"
	"sync"

	"github.com/lkslts64/charo-peers/peer"
)

const clientID = "CH"
const version = "0001"

var ErrNoIdentity = errors.New("no local peer identity")

//IdentityService produces the peer id we present to trackers and peers.
type IdentityService interface {
	LocalID() (peer.ID, error)
}

//RandomIdentity generates a client-prefixed random id on first use and keeps it.
type RandomIdentity struct {
	once sync.Once
	id   peer.ID
	err  error
}

func NewIdentityService() *RandomIdentity {
	return &RandomIdentity{}
}

func (r *RandomIdentity) LocalID() (peer.ID, error) {
	r.once.Do(func() {
		r.id, r.err = peer.NewID(clientID, version)
	})
	if r.err != nil {
		return peer.ID{}, fmt.Errorf("%w: %v", ErrNoIdentity, r.err)
	}
	return r.id, nil
}
