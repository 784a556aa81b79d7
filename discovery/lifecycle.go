package discovery

import (
	"context"
	"sync"

	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

//LifecycleBinder registers work to run when the process starts and stops.
type LifecycleBinder interface {
	OnStartup(desc string, fn func() error)
	OnShutdown(desc string, fn func() error)
}

//FxBinder binds hooks to an fx application.
type FxBinder struct {
	lc     fx.Lifecycle
	logger *zap.Logger
}

func NewFxBinder(lc fx.Lifecycle, logger *zap.Logger) *FxBinder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FxBinder{lc: lc, logger: logger}
}

func (b *FxBinder) OnStartup(desc string, fn func() error) {
	b.lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			b.logger.Debug("running startup hook", zap.String("hook", desc))
			return fn()
		},
	})
}

func (b *FxBinder) OnShutdown(desc string, fn func() error) {
	b.lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			b.logger.Debug("running shutdown hook", zap.String("hook", desc))
			return fn()
		},
	})
}

type hook struct {
	desc string
	fn   func() error
}

//RuntimeBinder is a LifecycleBinder for programs that do not use fx.
//Start runs the startup hooks in registration order, Stop runs the shutdown hooks
//in reverse order. Both run at most once.
type RuntimeBinder struct {
	mu       sync.Mutex
	startup  []hook
	shutdown []hook
	started  bool
	stopped  bool
	logger   *zap.Logger
}

func NewRuntimeBinder(logger *zap.Logger) *RuntimeBinder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RuntimeBinder{logger: logger}
}

func (b *RuntimeBinder) OnStartup(desc string, fn func() error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.startup = append(b.startup, hook{desc, fn})
}

func (b *RuntimeBinder) OnShutdown(desc string, fn func() error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shutdown = append(b.shutdown, hook{desc, fn})
}

func (b *RuntimeBinder) Start() error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	hooks := append([]hook(nil), b.startup...)
	b.mu.Unlock()
	var err error
	for _, h := range hooks {
		b.logger.Debug("running startup hook", zap.String("hook", h.desc))
		err = multierr.Append(err, h.fn())
	}
	return err
}

func (b *RuntimeBinder) Stop() error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	hooks := append([]hook(nil), b.shutdown...)
	b.mu.Unlock()
	var err error
	for i := len(hooks) - 1; i >= 0; i-- {
		b.logger.Debug("running shutdown hook", zap.String("hook", hooks[i].desc))
		err = multierr.Append(err, hooks[i].fn())
	}
	return err
}
