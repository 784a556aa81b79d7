package metainfo

import (
	"fmt"
	"io"

	ametainfo "github.com/anacrolix/torrent/metainfo"

	"github.com/lkslts64/charo-peers/tracker"
)

//Torrent is what peer discovery needs to know about a torrent.
type Torrent struct {
	InfoHash ametainfo.Hash
	Name     string
	//nil until the metadata is known, or if the torrent names no tracker
	AnnounceKey *tracker.AnnounceKey
	//private torrents (BEP 27) may only use the trackers of their metainfo
	Private bool
	//trackers given out-of-band, e.g. the tr parameters of a magnet link
	Trackers []string
}

//Load reads a .torrent file.
func Load(fileName string) (*Torrent, error) {
	mi, err := ametainfo.LoadFromFile(fileName)
	if err != nil {
		return nil, fmt.Errorf("load torrent: %w", err)
	}
	return fromMetaInfo(mi)
}

//Parse reads a .torrent from r.
func Parse(r io.Reader) (*Torrent, error) {
	mi, err := ametainfo.Load(r)
	if err != nil {
		return nil, fmt.Errorf("parse torrent: %w", err)
	}
	return fromMetaInfo(mi)
}

func fromMetaInfo(mi *ametainfo.MetaInfo) (*Torrent, error) {
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return nil, fmt.Errorf("parse torrent info: %w", err)
	}
	t := &Torrent{
		InfoHash: mi.HashInfoBytes(),
		Name:     info.Name,
		Private:  info.Private != nil && *info.Private,
	}
	//announce-list takes precedence over announce (BEP 12)
	if len(mi.AnnounceList) > 0 {
		if k, err := tracker.NewMultiKey(mi.AnnounceList); err == nil {
			t.AnnounceKey = &k
			return t, nil
		}
	}
	if mi.Announce != "" {
		k, err := tracker.NewAnnounceKey(mi.Announce)
		if err != nil {
			return nil, err
		}
		t.AnnounceKey = &k
	}
	return t, nil
}

//FromMagnet parses a magnet link. Its trackers are out-of-band, the torrent has
//no announce key of its own until the metadata arrives.
func FromMagnet(uri string) (*Torrent, error) {
	m, err := ametainfo.ParseMagnetURI(uri)
	if err != nil {
		return nil, fmt.Errorf("parse magnet: %w", err)
	}
	return &Torrent{
		InfoHash: m.InfoHash,
		Name:     m.DisplayName,
		Trackers: m.Trackers,
	}, nil
}

func FromInfoHash(infoHash ametainfo.Hash) *Torrent {
	return &Torrent{InfoHash: infoHash}
}

//ExtraAnnounceKeys returns a single announce key per out-of-band tracker.
func (t *Torrent) ExtraAnnounceKeys() []tracker.AnnounceKey {
	var keys []tracker.AnnounceKey
	for _, u := range t.Trackers {
		k, err := tracker.NewAnnounceKey(u)
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	return keys
}

func (t *Torrent) String() string {
	if t.Name != "" {
		return fmt.Sprintf("%s (%s)", t.Name, t.InfoHash.HexString())
	}
	return t.InfoHash.HexString()
}
