package torrent

import (
	"errors"
	"sort"
	"sync"

	ametainfo "github.com/anacrolix/torrent/metainfo"

	"github.com/lkslts64/charo-peers/metainfo"
)

var (
	ErrExists   = errors.New("torrent already exists")
	ErrNotFound = errors.New("torrent doesn't exist")
)

//Descriptor is the runtime state of a torrent.
type Descriptor struct {
	//only active torrents take part in peer discovery
	Active bool
}

type entry struct {
	t     *metainfo.Torrent
	desc  Descriptor
	stats TorrentStats
}

//Registry keeps the torrents the client manages. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	torrents map[ametainfo.Hash]*entry
}

func NewRegistry() *Registry {
	return &Registry{
		torrents: make(map[ametainfo.Hash]*entry),
	}
}

//Add registers t as inactive.
func (r *Registry) Add(t *metainfo.Torrent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.torrents[t.InfoHash]; ok {
		return ErrExists
	}
	r.torrents[t.InfoHash] = &entry{t: t}
	return nil
}

//SetMetadata replaces what is known about a torrent, e.g. once the metadata
//of a magnet link has been fetched.
func (r *Registry) SetMetadata(t *metainfo.Torrent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.torrents[t.InfoHash]
	if !ok {
		return ErrNotFound
	}
	e.t = t
	return nil
}

func (r *Registry) SetActive(infoHash ametainfo.Hash, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.torrents[infoHash]
	if !ok {
		return ErrNotFound
	}
	e.desc.Active = active
	return nil
}

func (r *Registry) Remove(infoHash ametainfo.Hash) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.torrents[infoHash]; !ok {
		return ErrNotFound
	}
	delete(r.torrents, infoHash)
	return nil
}

//IDs returns the info hashes of all torrents, sorted.
func (r *Registry) IDs() []ametainfo.Hash {
	r.mu.RLock()
	ids := make([]ametainfo.Hash, 0, len(r.torrents))
	for ih := range r.torrents {
		ids = append(ids, ih)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].HexString() < ids[j].HexString()
	})
	return ids
}

func (r *Registry) Descriptor(infoHash ametainfo.Hash) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.torrents[infoHash]
	if !ok {
		return Descriptor{}, false
	}
	return e.desc, true
}

func (r *Registry) Torrent(infoHash ametainfo.Hash) (*metainfo.Torrent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.torrents[infoHash]
	if !ok {
		return nil, false
	}
	return e.t, true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.torrents)
}
