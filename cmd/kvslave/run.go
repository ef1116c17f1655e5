package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kvrepl/internal/config"
	kvhttp "kvrepl/internal/http"
	"kvrepl/pkg/discovery"
	"kvrepl/pkg/metrics"
	"kvrepl/pkg/sink"
	"kvrepl/pkg/slave"
	"kvrepl/pkg/store"
)

func openStores(cfg config.Config) (data, meta *store.Store, err error) {
	data, err = store.New(store.Config{
		DataDir:       cfg.Storage.DataDir,
		SyncWrites:    cfg.Storage.SyncWrites,
		MaxEntryBytes: cfg.Storage.MaxEntryBytes,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open data store: %w", err)
	}

	metaDir := cfg.Storage.MetaDir
	if metaDir == "" {
		metaDir = filepath.Join(cfg.Storage.DataDir, "meta")
	}
	meta, err = store.New(store.Config{DataDir: metaDir, SyncWrites: true})
	if err != nil {
		_ = data.Close()
		return nil, nil, fmt.Errorf("open meta store: %w", err)
	}
	return data, meta, nil
}

func newSink(cfg config.SinkConfig) slave.Sink {
	switch cfg.Kind {
	case config.SinkHTTP:
		return sink.NewHTTPSink(cfg.URL, cfg.Timeout)
	case config.SinkLog:
		return sink.NewLogSink(slog.Default(), slog.LevelDebug)
	}
	return nil
}

func run(ctx context.Context, cfg config.Config) (err error) {
	data, meta, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, data.Close(), meta.Close())
	}()

	var resolver slave.Resolver
	switch cfg.Discovery.Mode {
	case config.DiscoveryZookeeper:
		zk, err := discovery.NewZK(cfg.Discovery.ZKServers, cfg.Discovery.ZKRoot, cfg.Discovery.SessionTimeout)
		if err != nil {
			return err
		}
		defer zk.Close()

		advertise := cfg.Discovery.Advertise
		if advertise == "" {
			advertise = cfg.Server.Addr
		}
		if err := zk.Register(ctx, cfg.Slave.ID, advertise); err != nil {
			return err
		}
		resolver = zk
	default:
		resolver = discovery.Static(cfg.Discovery.Master)
	}

	var opts []slave.Option
	if s := newSink(cfg.Sink); s != nil {
		opts = append(opts, slave.WithSink(s))
	}
	sl := slave.New(data, meta, resolver, cfg.Slave, opts...)
	if err := sl.Start(ctx); err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, sl.Stop())
	}()

	if cfg.Server.Enabled {
		reg := metrics.NewRegistry(sl.Stats)
		srv := kvhttp.NewServer(cfg.Server, sl, data, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		if err := srv.Start(); err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, srv.Stop())
		}()
	}

	slog.Info("kvslave running", "id", cfg.Slave.ID, "mode", cfg.Discovery.Mode)
	<-ctx.Done()
	slog.Info("shutting down")
	return nil
}

func resetCheckpoint(cfg config.Config) (err error) {
	data, meta, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, data.Close(), meta.Close())
	}()

	return slave.New(data, meta, nil, cfg.Slave).Reset()
}
