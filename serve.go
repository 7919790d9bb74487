package main

import (
	"TensorPrepServer/Adhoc"
	"TensorPrepServer/config"
	"TensorPrepServer/engine"
	"TensorPrepServer/eval"
	rpc "TensorPrepServer/gRPC"
	iface "TensorPrepServer/interface"
	"TensorPrepServer/imageio"
	"TensorPrepServer/logger"
	"TensorPrepServer/monitor"
	"TensorPrepServer/preset"
	"TensorPrepServer/service"
	"TensorPrepServer/transform"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const requestTimeout = 30 * time.Second

// servePresets exposes both standard recipes sized by the configuration,
// plus the custom one when imageTransforms is set.
func servePresets(c config.Config) (map[string]preset.Preset, error) {
	out := make(map[string]preset.Preset)
	for _, name := range []string{"classification", "detection", "custom"} {
		if name == "custom" && len(c.ImageTransforms) == 0 {
			continue
		}
		cc := c
		cc.Preset = name
		p, err := cc.BuildPreset()
		if err != nil {
			return nil, err
		}
		out[name] = p
	}
	if _, ok := out[c.Preset]; !ok {
		return nil, fmt.Errorf("%w: default preset %q is not available", iface.ErrConfiguration, c.Preset)
	}
	return out, nil
}

func newPool(c config.Config) (*service.Pool, error) {
	if c.Labels == "" {
		return nil, fmt.Errorf("%w: serve mode needs a labels file", iface.ErrConfiguration)
	}
	labels, err := eval.LoadLabels(c.Labels)
	if err != nil {
		return nil, err
	}
	opts := service.PoolOptions{
		Labels:    labels,
		OutSize:   c.OutSize,
		QueueSize: c.Engine.Workers * c.BatchSize,
	}
	if c.Golden != "" {
		if opts.Golden, err = eval.LoadGoldenMap(c.Golden); err != nil {
			return nil, err
		}
		opts.Accuracy = eval.NewAccuracy(c.TopK)
	}
	if opts.Decoder, err = imageio.New(c.Decoder); err != nil {
		return nil, err
	}
	if c.VisualizeDir != "" {
		if opts.Visualizer, err = transform.NewSnapshotWriter(c.VisualizeDir); err != nil {
			return nil, err
		}
	}
	if c.Engine.Model != "" || c.Engine.Weights != "" {
		ec := c.Backend()
		opts.Factory = func() (iface.Backend, error) { return engine.NewBackend(ec) }
	}
	return service.NewPool(opts), nil
}

func serve(ctx context.Context, c config.Config) error {
	log := logger.Named("serve")
	presets, err := servePresets(c)
	if err != nil {
		return err
	}
	pool, err := newPool(c)
	if err != nil {
		return err
	}
	if err := pool.Start(c.Engine.Workers); err != nil {
		return err
	}
	defer pool.Stop()

	router := service.NewRouter(pool, service.HTTPOptions{
		Presets:        presets,
		Default:        c.Preset,
		TopK:           c.TopK,
		RequestTimeout: requestTimeout,
	})
	srv := &http.Server{Addr: fmt.Sprintf(":%d", c.Server.HTTPPort), Handler: router}
	httpErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	grpcSrv, err := rpc.StartGRPCServer(c.Server.RPCPort, pool, &rpc.PoolClassifier{
		Pool:    pool,
		Presets: presets,
		Default: c.Preset,
		TopK:    c.TopK,
	})
	if err != nil {
		_ = srv.Close()
		return err
	}
	defer grpcSrv.Stop()

	bgCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		monitor.StartMon(c.Server.MetricsPort, bgCtx)
	}()

	if c.Server.UseRegServer {
		hb, err := heartbeat(c, presets)
		if err != nil {
			log.Error("registry heartbeat disabled", zap.Error(err))
		} else {
			wg.Add(1)
			go hb.SendAliveMessage(bgCtx, &wg)
		}
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down", zap.Error(context.Cause(ctx)))
	case err = <-httpErr:
		log.Error("HTTP server failed", zap.Error(err))
	}
	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Error("HTTP server Shutdown error", zap.Error(serr))
	}
	wg.Wait()
	return err
}

func heartbeat(c config.Config, presets map[string]preset.Preset) (*Adhoc.Heartbeat, error) {
	ip, err := Adhoc.GetOutboundIP()
	if err != nil {
		return nil, err
	}
	class, ok := Adhoc.ParseInstanceClass(c.Server.InstanceClass)
	if !ok {
		logger.Log().Warn("unknown instanceClass, using Cpu", zap.String("instanceClass", c.Server.InstanceClass))
	}
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)

	var reg Adhoc.RegServerConfig
	reg.SetAddress(c.Server.RegServerHost, c.Server.RegServerPort)
	return Adhoc.NewHeartbeat(reg, Adhoc.RegisterRequest{
		IP:            ip,
		Port:          c.Server.HTTPPort,
		RPCPort:       c.Server.RPCPort,
		InstanceClass: class,
		Presets:       names,
		Workers:       c.Engine.Workers,
	}), nil
}
