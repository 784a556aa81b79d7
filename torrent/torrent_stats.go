package torrent

import (
	ametainfo "github.com/anacrolix/torrent/metainfo"
)

//TorrentStats contains statistics about a torrent, as reported to trackers.
type TorrentStats struct {
	//Remainings bytes to download
	Left int64
	//Bytes we have downloaded and verified
	Downloaded int64
	//Bytes we have uploaded
	Uploaded int64
}

func (ts *TorrentStats) addDownloaded(bytes int64) {
	ts.Downloaded += bytes
	ts.Left -= bytes
}

func (ts *TorrentStats) addUploaded(bytes int64) {
	ts.Uploaded += bytes
}

//SetLeft initializes the bytes left to download, usually to the torrent's length.
func (r *Registry) SetLeft(infoHash ametainfo.Hash, left int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.torrents[infoHash]
	if !ok {
		return ErrNotFound
	}
	e.stats.Left = left
	return nil
}

//AddTransferred accounts verified downloaded and uploaded bytes.
func (r *Registry) AddTransferred(infoHash ametainfo.Hash, downloaded, uploaded int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.torrents[infoHash]
	if !ok {
		return ErrNotFound
	}
	e.stats.addDownloaded(downloaded)
	e.stats.addUploaded(uploaded)
	return nil
}

//TransferStats has the signature trackers expect; unknown torrents report zeros.
func (r *Registry) TransferStats(infoHash ametainfo.Hash) (downloaded, uploaded, left int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.torrents[infoHash]
	if !ok {
		return 0, 0, 0
	}
	return e.stats.Downloaded, e.stats.Uploaded, e.stats.Left
}
