// Package firehose is the exchange-facing tier: it multiplexes every
// downstream subscription onto a single upstream feed connection and
// fans the raw stream out unchanged.
package firehose

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

// Config defines the firehose tier.
type Config struct {
	ListenAddr         string
	Credential         string
	UpstreamURL        string
	UpstreamCredential string
	Backoff            time.Duration
	KeepAlive          time.Duration
	Grace              time.Duration
	QueueCapacity      int
	QueuePolicy        router.OverflowPolicy
}

// Tier holds the firehose server and its exchange connection.
type Tier struct {
	server    *proxy.Server
	connector *upstream.Connector
}

// New builds the tier. The firehose serves every class the exchange
// publishes except synthesized bars, which only the aggregator makes.
func New(cfg Config, metrics *obs.Metrics) *Tier {
	t := &Tier{}
	t.server = proxy.NewServer(proxy.Config{
		Name:            "firehose",
		Addr:            cfg.ListenAddr,
		Credential:      cfg.Credential,
		WildcardClasses: proto.NonBarClasses,
		KeyAllowed: func(key proto.Key) bool {
			return key.Class != proto.ClassMsBar
		},
		QueueCapacity: cfg.QueueCapacity,
		QueuePolicy:   cfg.QueuePolicy,
		Grace:         cfg.Grace,
	}, metrics)
	t.connector = upstream.New("firehose-exchange", upstream.Config{
		URL:        cfg.UpstreamURL,
		Credential: cfg.UpstreamCredential,
		Backoff:    cfg.Backoff,
		KeepAlive:  cfg.KeepAlive,
		CurrentSet: t.server.CurrentSetFunc(0),
		Handler:    t.server.HandleInbound,
	}, metrics)
	t.server.AttachLink(t.connector, proxy.IdentityMapper)
	return t
}

// Run drives the tier until ctx is done.
func (t *Tier) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return t.server.Run(ctx) })
	group.Go(func() error { return t.connector.Run(ctx) })
	return group.Wait()
}

// Server exposes the peer-facing runtime, mainly for tests.
func (t *Tier) Server() *proxy.Server {
	return t.server
}

// Connected reports whether the exchange link is up.
func (t *Tier) Connected() bool {
	return t.connector.Connected()
}
