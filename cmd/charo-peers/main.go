package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uilive"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/lkslts64/charo-peers/dht"
	"github.com/lkslts64/charo-peers/discovery"
	"github.com/lkslts64/charo-peers/metainfo"
	"github.com/lkslts64/charo-peers/torrent"
	"github.com/lkslts64/charo-peers/tracker"
)

const logFileName = "charo.log"

//number of recently discovered peers shown in the status
const recentPeers = 5

var torrentFile = flag.String("torrentfile", "", "read the contents of the torrent `file`")
var magnet = flag.String("magnet", "", "read the contents of the magnet")
var configFile = flag.String("config", "", "read the configuration from the yaml `file`")
var metricsAddr = flag.String("metrics", "localhost:6060", "serve prometheus metrics on `addr`")
var verbose = flag.Bool("v", false, "log debug messages")

func main() {
	flag.Parse()
	cfg, err := loadConfig(*configFile)
	if err != nil {
		log.Fatal(err)
	}
	t, err := loadTorrent()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := newLogger(*verbose)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()
	var (
		r    *discovery.Registry
		sink *discovery.PubSubSink
	)
	app := fx.New(
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
		fx.Supply(cfg, logger, t),
		fx.Provide(
			newTrackerService,
			torrent.NewRegistry,
			discovery.NewPubSubSink,
			prometheus.NewRegistry,
			newMetrics,
			func(s *tracker.Service) discovery.TrackerService { return s },
			func(r *torrent.Registry) discovery.TorrentRegistry { return r },
			func(r *torrent.Registry) tracker.TransferStats { return r.TransferStats },
			func(s *discovery.PubSubSink) discovery.EventSink { return s },
			func() discovery.IdentityService { return discovery.NewIdentityService() },
		),
		dhtOption(cfg),
		discovery.Module,
		fx.Invoke(addTorrent, serveMetrics),
		fx.Populate(&r, &sink),
	)
	if err = app.Start(context.Background()); err != nil {
		log.Fatal(err)
	}
	defer app.Stop(context.Background())
	w := uilive.New()
	w.Start()
	defer w.Stop()
	sub := sink.Subscribe()
	defer sub.Close()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	start := time.Now()
	var recent []string
loop:
	for {
		select {
		case v := <-sub.Values:
			ev := v.(discovery.PeerDiscovered)
			recent = append(recent, ev.Peer.String())
			if len(recent) > recentPeers {
				recent = recent[1:]
			}
		case <-ticker.C:
			writeStatus(w, t, r.Stats(), start, recent)
		case <-app.Done():
			break loop
		}
	}
}

func loadConfig(fileName string) (discovery.Config, error) {
	cfg := discovery.DefaultConfig()
	if fileName == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(fileName)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, cfg.Validate()
}

func loadTorrent() (*metainfo.Torrent, error) {
	if *torrentFile != "" {
		return metainfo.Load(*torrentFile)
	} else if *magnet != "" {
		return metainfo.FromMagnet(*magnet)
	}
	return nil, errors.New("please provide file or magnet")
}

//stdout belongs to the status output, so logs go to a file as they always did
func newLogger(verbose bool) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	zcfg.OutputPaths = []string{filepath.Join(os.TempDir(), logFileName)}
	return zcfg.Build()
}

func newTrackerService(lc fx.Lifecycle) *tracker.Service {
	s := tracker.NewService()
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return s.Close()
		},
	})
	return s
}

func newMetrics(reg *prometheus.Registry) (*discovery.Metrics, error) {
	return discovery.NewMetrics(reg)
}

func dhtOption(cfg discovery.Config) fx.Option {
	if cfg.DisableDHT {
		return fx.Options()
	}
	return fx.Provide(discovery.AsPeerSource(newDHTSource))
}

func newDHTSource(lc fx.Lifecycle, cfg discovery.Config, logger *zap.Logger) (*dht.SourceFactory, error) {
	logger = logger.Named("dht")
	s, err := dht.NewServer(logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			s.Close()
			return nil
		},
	})
	return dht.NewSourceFactory(dht.Config{
		Announcer:        dht.ServerAnnouncer{S: s},
		Port:             int(cfg.AcceptorPort),
		TraversalTimeout: cfg.DHTTraversalTimeout,
		Logger:           logger,
	})
}

//addTorrent registers t, hands its out-of-band trackers to discovery and activates it.
func addTorrent(t *metainfo.Torrent, torrents *torrent.Registry, r *discovery.Registry) error {
	if err := torrents.Add(t); err != nil {
		return err
	}
	for _, k := range t.ExtraAnnounceKeys() {
		r.AddPeerSource(t.InfoHash, k)
	}
	return torrents.SetActive(t.InfoHash, true)
}

func serveMetrics(lc fx.Lifecycle, reg *prometheus.Registry, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: *metricsAddr, Handler: mux}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

func writeStatus(w io.Writer, t *metainfo.Torrent, st discovery.Stats, start time.Time, recent []string) {
	fmt.Fprintf(w, "torrent: %s\n", t)
	fmt.Fprintf(w, "known peers: %s discovered: %s self: %s\n",
		humanize.Comma(int64(st.KnownPeers)),
		humanize.Comma(int64(st.PeersDiscovered)),
		humanize.Comma(int64(st.SelfRejected)))
	fmt.Fprintf(w, "cycles: %s source errors: %s started %s\n",
		humanize.Comma(int64(st.Cycles)),
		humanize.Comma(int64(st.SourceErrors)),
		humanize.Time(start))
	for _, p := range recent {
		fmt.Fprintf(w, "  %s\n", p)
	}
}
