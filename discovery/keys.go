package discovery

import (
	"sort"
	"sync"

	ametainfo "github.com/anacrolix/torrent/metainfo"

	"github.com/lkslts64/charo-peers/tracker"
)

//extraKeys holds the announce keys registered for a torrent on top of the one in
//its metainfo. Keys are only ever added.
type extraKeys struct {
	mu   sync.Mutex
	keys map[ametainfo.Hash]map[string]tracker.AnnounceKey
}

func newExtraKeys() *extraKeys {
	return &extraKeys{keys: make(map[ametainfo.Hash]map[string]tracker.AnnounceKey)}
}

//add reports whether k was not known yet.
func (e *extraKeys) add(id ametainfo.Hash, k tracker.AnnounceKey) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	set, ok := e.keys[id]
	if !ok {
		set = make(map[string]tracker.AnnounceKey)
		e.keys[id] = set
	}
	s := k.String()
	if _, ok := set[s]; ok {
		return false
	}
	set[s] = k
	return true
}

//snapshot copies the keys of id so they can be queried without holding the lock.
func (e *extraKeys) snapshot(id ametainfo.Hash) []tracker.AnnounceKey {
	e.mu.Lock()
	set := e.keys[id]
	keys := make([]tracker.AnnounceKey, 0, len(set))
	for _, k := range set {
		keys = append(keys, k)
	}
	e.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys
}

func (e *extraKeys) len(id ametainfo.Hash) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.keys[id])
}
