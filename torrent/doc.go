/*
Package torrent keeps track of the torrents a client manages and of their state.
Discovery asks the Registry which torrents are active; a common workflow is to add
a torrent and then activate it.

	r := torrent.NewRegistry()
	t, _ := metainfo.Load("example.torrent")
	r.Add(t)
	r.SetActive(t.InfoHash, true)
*/
package torrent
