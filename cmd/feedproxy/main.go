package main

import (
	"context"
	"flag"
	"net"
	"os/signal"
	"syscall"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"

	"feedproxy/internal/bars"
	"feedproxy/internal/config"
	"feedproxy/internal/filtered"
	"feedproxy/internal/firehose"
	"feedproxy/internal/obs"
	"feedproxy/internal/ops"
	"feedproxy/internal/recorder"
)

func main() {
	dotenv := flag.String("env", ".env", "dotenv file seeding the environment")
	flag.Parse()

	cfg, err := config.Load(*dotenv)
	if err != nil {
		logs.Errorf("configuration invalid: %v", err)
		return
	}

	if cfg.Profiling.Address != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: cfg.Profiling.AppName,
			ServerAddress:   cfg.Profiling.Address,
		})
		if err != nil {
			logs.Errorf("profiler start failed: %v", err)
			return
		}
		defer profiler.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := obs.NewMetrics()

	firehosePolicy, _ := config.ParsePolicy(cfg.Firehose.QueuePolicy)
	barsPolicy, _ := config.ParsePolicy(cfg.Bars.QueuePolicy)
	filteredPolicy, _ := config.ParsePolicy(cfg.Filtered.QueuePolicy)

	var sink bars.BarSink
	var journal *recorder.Recorder
	if cfg.Recorder.DSN != "" {
		journal, err = recorder.New(cfg.Recorder.DSN, cfg.Recorder.QueueSize)
		if err != nil {
			logs.Errorf("recorder init failed: %v", err)
			return
		}
		defer journal.Close()
		sink = journal
	}

	firehoseTier := firehose.New(firehose.Config{
		ListenAddr:         cfg.Firehose.Addr,
		Credential:         cfg.Firehose.Credential,
		UpstreamURL:        cfg.Exchange.URL,
		UpstreamCredential: cfg.Exchange.APIKey,
		Backoff:            cfg.Exchange.Backoff,
		KeepAlive:          cfg.Exchange.KeepAlive,
		Grace:              cfg.Firehose.Grace,
		QueueCapacity:      cfg.Firehose.QueueCapacity,
		QueuePolicy:        firehosePolicy,
	}, metrics)

	barsTier := bars.New(bars.Config{
		ListenAddr:         cfg.Bars.Addr,
		Credential:         cfg.Bars.Credential,
		UpstreamURL:        wsURL(cfg.Firehose.Addr),
		UpstreamCredential: cfg.Firehose.Credential,
		Backoff:            cfg.Exchange.Backoff,
		KeepAlive:          cfg.Exchange.KeepAlive,
		Grace:              cfg.Bars.Grace,
		CheckInterval:      cfg.BarsTier.CheckInterval,
		EmitDelay:          cfg.BarsTier.EmitDelay,
		MinIntervalMs:      cfg.BarsTier.MinIntervalMs,
		MaxIntervalMs:      cfg.BarsTier.MaxIntervalMs,
		QueueCapacity:      cfg.Bars.QueueCapacity,
		QueuePolicy:        barsPolicy,
		Sink:               sink,
	}, metrics)

	filteredTier := filtered.New(filtered.Config{
		ListenAddr:           cfg.Filtered.Addr,
		Credential:           cfg.Filtered.Credential,
		FirehoseURL:          wsURL(cfg.Firehose.Addr),
		FirehoseCredential:   cfg.Firehose.Credential,
		AggregatorURL:        wsURL(cfg.Bars.Addr),
		AggregatorCredential: cfg.Bars.Credential,
		Backoff:              cfg.Exchange.Backoff,
		KeepAlive:            cfg.Exchange.KeepAlive,
		Grace:                cfg.Filtered.Grace,
		MinIntervalMs:        cfg.BarsTier.MinIntervalMs,
		MaxIntervalMs:        cfg.BarsTier.MaxIntervalMs,
		QueueCapacity:        cfg.Filtered.QueueCapacity,
		QueuePolicy:          filteredPolicy,
	}, metrics)

	opsServer := ops.NewServer(cfg.Ops.Addr, metrics,
		ops.HealthCheck{Name: "firehose_upstream", Ready: firehoseTier.Connected},
		ops.HealthCheck{Name: "aggregator_upstream", Ready: barsTier.Connected},
		ops.HealthCheck{Name: "filtered_upstreams", Ready: filteredTier.Connected},
	)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return firehoseTier.Run(ctx) })
	group.Go(func() error { return barsTier.Run(ctx) })
	group.Go(func() error { return filteredTier.Run(ctx) })
	group.Go(func() error { return opsServer.Run(ctx) })
	if journal != nil {
		group.Go(func() error { return journal.Run(ctx) })
	}

	logs.Infof("feedproxy up: firehose %s, aggregator %s, filtered %s",
		cfg.Firehose.Addr, cfg.Bars.Addr, cfg.Filtered.Addr)
	if err := group.Wait(); err != nil && ctx.Err() == nil {
		logs.Errorf("feedproxy stopped: %v", err)
		return
	}
	logs.Infof("feedproxy shut down")
}

// wsURL turns a listen address into the loopback websocket URL the next
// tier dials. Tiers run in one process but speak the same protocol as
// external peers.
func wsURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "ws://" + addr
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return "ws://" + net.JoinHostPort(host, port)
}
