package discovery

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/lkslts64/charo-peers/tracker"
)

//Module provides the peer *Registry. Auxiliary sources are collected from the
//"peer_sources" value group; everything else must be provided by the application.
var Module = fx.Module("discovery",
	fx.Provide(
		NewFromParams,
	),
)

type ModuleParams struct {
	fx.In

	Config    Config
	Lifecycle fx.Lifecycle
	Identity  IdentityService
	Torrents  TorrentRegistry
	Trackers  TrackerService
	Events    EventSink
	Sources   []SourceFactory       `group:"peer_sources"`
	Stats     tracker.TransferStats `optional:"true"`
	Logger    *zap.Logger           `optional:"true"`
	Metrics   *Metrics              `optional:"true"`
}

//NewFromParams creates the Registry from fx parameters.
func NewFromParams(p ModuleParams) (*Registry, error) {
	return New(Params{
		Config:    p.Config,
		Lifecycle: NewFxBinder(p.Lifecycle, p.Logger),
		Identity:  p.Identity,
		Torrents:  p.Torrents,
		Trackers:  p.Trackers,
		Events:    p.Events,
		Sources:   p.Sources,
		Stats:     p.Stats,
		Logger:    p.Logger,
		Metrics:   p.Metrics,
	})
}

//AsPeerSource annotates a constructor so that its SourceFactory joins the
//"peer_sources" group.
func AsPeerSource(f interface{}) interface{} {
	return fx.Annotate(
		f,
		fx.As(new(SourceFactory)),
		fx.ResultTags(`group:"peer_sources"`),
	)
}
