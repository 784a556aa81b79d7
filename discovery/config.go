package discovery

import (
	"errors"
	"net/netip"
	"time"
)

//Config provides configuration for peer discovery. It is read once, at construction.
type Config struct {
	//address and port we accept connections on; together they define the local peer
	AcceptorAddress netip.Addr    `yaml:"acceptor_address"`
	AcceptorPort    uint16        `yaml:"acceptor_port"`
	//a tracker is not asked for peers more often than this
	TrackerQueryInterval time.Duration `yaml:"tracker_query_interval"`
	//period of the discovery cycle
	PeerDiscoveryInterval time.Duration `yaml:"peer_discovery_interval"`
	//torrents processed in parallel within a cycle
	MaxConcurrentTorrents int `yaml:"max_concurrent_torrents"`
	//number of (torrent, announce key) tracker sources remembered
	TrackerSourceCacheSize int           `yaml:"tracker_source_cache_size"`
	DHTTraversalTimeout    time.Duration `yaml:"dht_traversal_timeout"`
	DisableDHT             bool          `yaml:"disable_dht"`
	DisableTrackers        bool          `yaml:"disable_trackers"`
}

//DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		AcceptorAddress:        netip.IPv4Unspecified(),
		AcceptorPort:           6881,
		TrackerQueryInterval:   5 * time.Minute,
		PeerDiscoveryInterval:  5 * time.Second,
		MaxConcurrentTorrents:  4,
		TrackerSourceCacheSize: 1024,
		DHTTraversalTimeout:    30 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.PeerDiscoveryInterval <= 0 {
		return errors.New("peer discovery interval must be positive")
	}
	if c.TrackerQueryInterval < 0 {
		return errors.New("tracker query interval must not be negative")
	}
	if c.MaxConcurrentTorrents <= 0 {
		return errors.New("max concurrent torrents must be positive")
	}
	return nil
}
