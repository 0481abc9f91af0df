package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/banshee-data/steering/internal/channel"
	"github.com/banshee-data/steering/internal/config"
	"github.com/banshee-data/steering/internal/devlist"
	"github.com/banshee-data/steering/internal/fsutil"
	"github.com/banshee-data/steering/internal/lattice"
	"github.com/banshee-data/steering/internal/serialmux"
)

// newGateway returns the model gateway: the remote model service when an
// address is configured, otherwise the static table. The returned close
// function is never nil.
func newGateway(cfg *config.SteeringConfig, table *lattice.Table) (lattice.Gateway, func() error, error) {
	addr := cfg.GetLatticeAddr()
	if addr == "" {
		return table, func() error { return nil }, nil
	}
	client, conn, err := lattice.Dial(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, err
	}
	return client, conn.Close, nil
}

// newDeviceCache returns the configured BPM name cache, or nil for "none".
func newDeviceCache(cfg *config.SteeringConfig, fs fsutil.FileSystem) (devlist.Cache, func() error) {
	switch cfg.GetDeviceCache() {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.GetRedisAddr()})
		return devlist.NewRedisCache(rdb, cfg.GetRedisTTL()), rdb.Close
	case "file":
		return devlist.NewFileCache(fs, cfg.GetDeviceCacheDir()), func() error { return nil }
	}
	return nil, func() error { return nil }
}

// bpmNames resolves the orbit's BPMs from the device cache, or from the
// lattice table when refresh is set or the cache misses.
func bpmNames(ctx context.Context, table *lattice.Table, cache devlist.Cache, refresh bool) ([]string, error) {
	p := devlist.NewBPMProvider(devlist.TableDirectory{Table: table}, cache)
	if refresh {
		return p.Refresh(ctx)
	}
	return p.Names(ctx)
}

// gatewayLineBuffer is how many gateway lines the transport reader may
// fall behind before lines are dropped.
const gatewayLineBuffer = 256

// transport is a channel transport plus the pieces main must run and
// mount for it. Exactly one of fake and link is set.
type transport struct {
	channel.Transport
	fake *channel.Fake
	link serialmux.Mux
}

// newTransport opens the configured channel transport. For serial and
// none, the link monitor and line reader run on wg until ctx is done.
func newTransport(ctx context.Context, cfg *config.SteeringConfig, wg *sync.WaitGroup) (*transport, error) {
	var mux serialmux.Mux
	switch cfg.GetTransport() {
	case "serial":
		port, err := serialmux.Open(cfg.GetSerialPort(), serialmux.PortOptions{BaudRate: cfg.GetSerialBaud()})
		if err != nil {
			return nil, fmt.Errorf("open gateway link: %w", err)
		}
		port.SetSubscriberBuffer(gatewayLineBuffer)
		mux = port
	case "none":
		opsf("gateway link disabled")
		mux = serialmux.NewDisabledMux()
	default:
		fake := channel.NewFake()
		return &transport{Transport: fake, fake: fake}, nil
	}
	st := channel.NewSerialTransport(mux)

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := mux.Monitor(ctx); err != nil && ctx.Err() == nil {
			opsf("gateway link monitor stopped: %v", err)
		}
		diagf("monitor routine terminated")
	}()
	go func() {
		defer wg.Done()
		if err := st.Run(ctx); err != nil && ctx.Err() == nil {
			opsf("gateway reader stopped: %v", err)
		}
		diagf("transport routine terminated")
	}()
	return &transport{Transport: st, link: mux}, nil
}
