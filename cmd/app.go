package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"time"

	"github.com/andres-erbsen/clock"
	jww "github.com/spf13/jwalterweatherman"

	"ephemera/api"
	"ephemera/cache"
	"ephemera/config"
	"ephemera/crypto"
	"ephemera/delivery"
	"ephemera/discovery"
	"ephemera/fanout"
	"ephemera/hint"
	"ephemera/reaper"
	"ephemera/relay"
	"ephemera/storage"
)

const shutdownTimeout = 10 * time.Second

// App owns every long-lived component of a running relay.
type App struct {
	cfg      *config.RelayConfig
	identity *config.Identity

	Store      *storage.Store
	Cache      *cache.Cache
	Pipeline   *delivery.Pipeline
	Channel    hint.Channel
	Dispatcher *fanout.Dispatcher
	Relay      *relay.Service
	Reaper     *reaper.Reaper
	Server     *api.Server

	advertiser *discovery.Advertiser
}

// NewApp opens storage and wires the relay components. Nothing runs until Start.
func NewApp(cfg *config.RelayConfig, identity *config.Identity, clk clock.Clock) (*App, error) {
	if clk == nil {
		clk = clock.New()
	}

	store, err := storage.OpenPath(storagePath(cfg), cfg.Store.BusyTimeout)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	c, err := cache.New(cache.Config{
		Enabled:        cfg.Cache.Enabled,
		RecentMessages: cfg.Cache.RecentMessages,
		TTL:            cfg.Cache.TTL,
		MaxCost:        cfg.Cache.MaxCost,
		Clock:          clk,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create cache: %w", err)
	}

	channel, err := hint.Open(hint.Options{
		Backend:       cfg.Fanout.Backend,
		NATSURL:       cfg.Fanout.NATSURL,
		SubjectPrefix: cfg.Fanout.SubjectPrefix,
	})
	if err != nil {
		c.Close()
		_ = store.Close()
		return nil, fmt.Errorf("open hint channel: %w", err)
	}

	pipeline := delivery.NewPipeline(store, delivery.NewHub(0), delivery.Config{Clock: clk})
	dispatcher := fanout.New(store, channel, pipeline, fanout.Options{
		Workers:       cfg.Fanout.Workers,
		QueueSize:     cfg.Fanout.QueueSize,
		MaxRetries:    cfg.Fanout.MaxRetries,
		RatePerSecond: cfg.Fanout.RatePerSecond,
	})
	pipeline.SetEnqueuer(dispatcher)
	pipeline.SetObserver(c)

	svc := relay.NewService(store, c, pipeline, dispatcher, relay.Config{
		MaxCiphertextBytes: cfg.Limits.MaxCiphertextBytes,
		MaxNonceBytes:      cfg.Limits.MaxNonceBytes,
		MaxTagBytes:        cfg.Limits.MaxTagBytes,
		MaxTTL:             cfg.Limits.MaxTTL,
		MaxParticipants:    cfg.Limits.MaxParticipants,
		Clock:              clk,
	})

	sweeper := reaper.New(store, c, dispatcher, reaper.Config{
		Interval:           cfg.Reaper.Interval,
		BatchSize:          cfg.Reaper.BatchSize,
		BatchTimeout:       cfg.Reaper.BatchTimeout,
		TombstoneRetention: cfg.Reaper.TombstoneRetention,
		Clock:              clk,
	})

	server := api.New(svc, pipeline.Hub(), store.Ping, api.Config{
		RequestTimeout: cfg.Server.RequestTimeout,
		RelayID:        identity.RelayID,
		Version:        Version,
		AccessLog:      cfg.Log.Level != "info",
	})

	return &App{
		cfg:        cfg,
		identity:   identity,
		Store:      store,
		Cache:      c,
		Pipeline:   pipeline,
		Channel:    channel,
		Dispatcher: dispatcher,
		Relay:      svc,
		Reaper:     sweeper,
		Server:     server,
	}, nil
}

// Start launches the background workers, serves HTTP on ln and, when enabled,
// advertises the relay over mDNS. Serve errors are delivered on the returned channel.
func (a *App) Start(ln net.Listener) <-chan error {
	a.Dispatcher.Start()
	a.Reaper.Start()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- a.Server.App().Listener(ln)
	}()

	if a.cfg.Discovery.Enabled {
		a.advertise(ln.Addr())
	}
	return serveErr
}

func (a *App) advertise(addr net.Addr) {
	_, portText, err := net.SplitHostPort(addr.String())
	if err != nil {
		jww.WARN.Printf("[Discovery] cannot advertise %s: %v", addr, err)
		return
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		jww.WARN.Printf("[Discovery] cannot advertise port %q: %v", portText, err)
		return
	}

	advertiser, err := discovery.Advertise(discovery.Config{
		RelayID:     a.identity.RelayID,
		Instance:    a.cfg.Discovery.Instance,
		Port:        port,
		Fingerprint: crypto.Fingerprint(a.identity.RelayID),
	})
	if err != nil {
		jww.WARN.Printf("[Discovery] advertise failed: %v", err)
		return
	}
	a.advertiser = advertiser
}

// Close stops serving and releases every component, newest first.
func (a *App) Close() error {
	var errs []error
	if a.advertiser != nil {
		a.advertiser.Stop()
	}
	if err := a.Server.Shutdown(shutdownTimeout); err != nil {
		errs = append(errs, fmt.Errorf("shutdown api: %w", err))
	}
	a.Reaper.Stop()
	a.Dispatcher.Stop()
	if err := a.Channel.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close hint channel: %w", err))
	}
	a.Cache.Close()
	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

// SweepOnce runs one reaper pass outside the background schedule.
func (a *App) SweepOnce(ctx context.Context) (reaper.Report, error) {
	return a.Reaper.Sweep(ctx)
}

func storagePath(cfg *config.RelayConfig) string {
	return filepath.Join(cfg.Store.DataDir, storage.DefaultDBFileName)
}
