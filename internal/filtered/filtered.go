// Package filtered is the client-facing tier. It serves every message
// class, pulling raw classes from the firehose and bar classes from the
// aggregator over two separate upstream links.
package filtered

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"feedproxy/internal/obs"
	"feedproxy/internal/proto"
	"feedproxy/internal/proxy"
	"feedproxy/internal/router"
	"feedproxy/internal/upstream"
)

// Config defines the filtered tier.
type Config struct {
	ListenAddr           string
	Credential           string
	FirehoseURL          string
	FirehoseCredential   string
	AggregatorURL        string
	AggregatorCredential string
	Backoff              time.Duration
	KeepAlive            time.Duration
	Grace                time.Duration
	// MinIntervalMs..MaxIntervalMs mirrors the aggregator's supported
	// synthesized-bar range so bad requests are rejected here instead of
	// poisoning the shared aggregator link.
	MinIntervalMs int64
	MaxIntervalMs int64
	QueueCapacity int
	QueuePolicy   router.OverflowPolicy
}

// Tier holds the filtered server and its two upstream links.
type Tier struct {
	cfg        Config
	server     *proxy.Server
	firehose   *upstream.Connector
	aggregator *upstream.Connector
}

// New builds the tier. Millisecond bars ride the aggregator link;
// everything else, native aggregates included, rides the firehose link.
// Both streams merge into the same per-peer queues, so each peer sees
// one ordered stream per link.
func New(cfg Config, metrics *obs.Metrics) *Tier {
	t := &Tier{cfg: cfg}
	t.server = proxy.NewServer(proxy.Config{
		Name:            "filtered",
		Addr:            cfg.ListenAddr,
		Credential:      cfg.Credential,
		WildcardClasses: proto.NonBarClasses,
		KeyAllowed:      t.keyAllowed,
		QueueCapacity:   cfg.QueueCapacity,
		QueuePolicy:     cfg.QueuePolicy,
		Grace:           cfg.Grace,
	}, metrics)
	t.firehose = upstream.New("filtered-firehose", upstream.Config{
		URL:        cfg.FirehoseURL,
		Credential: cfg.FirehoseCredential,
		Backoff:    cfg.Backoff,
		KeepAlive:  cfg.KeepAlive,
		CurrentSet: t.server.CurrentSetFunc(0),
		Handler:    t.server.HandleInbound,
	}, metrics)
	t.server.AttachLink(t.firehose, rawClassMapper)
	t.aggregator = upstream.New("filtered-aggregator", upstream.Config{
		URL:        cfg.AggregatorURL,
		Credential: cfg.AggregatorCredential,
		Backoff:    cfg.Backoff,
		KeepAlive:  cfg.KeepAlive,
		CurrentSet: t.server.CurrentSetFunc(1),
		Handler:    t.server.HandleInbound,
	}, metrics)
	t.server.AttachLink(t.aggregator, barClassMapper)
	return t
}

// Run drives the tier until ctx is done.
func (t *Tier) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return t.server.Run(ctx) })
	group.Go(func() error { return t.firehose.Run(ctx) })
	group.Go(func() error { return t.aggregator.Run(ctx) })
	return group.Wait()
}

// Server exposes the peer-facing runtime, mainly for tests.
func (t *Tier) Server() *proxy.Server {
	return t.server
}

// Connected reports whether both upstream links are up.
func (t *Tier) Connected() bool {
	return t.firehose.Connected() && t.aggregator.Connected()
}

func (t *Tier) keyAllowed(key proto.Key) bool {
	if key.Class != proto.ClassMsBar {
		return true
	}
	return key.IntervalMs >= t.cfg.MinIntervalMs && key.IntervalMs < t.cfg.MaxIntervalMs
}

// rawClassMapper serves everything the exchange publishes, native
// aggregates included, from the firehose.
func rawClassMapper(key proto.Key) (proto.Key, bool) {
	if key.Class == proto.ClassMsBar {
		return proto.Key{}, false
	}
	return key, true
}

// barClassMapper serves synthesized bars from the aggregator.
func barClassMapper(key proto.Key) (proto.Key, bool) {
	if key.Class == proto.ClassMsBar {
		return key, true
	}
	return proto.Key{}, false
}
