// Package bars synthesizes fixed-width OHLCV bars from the firehose
// trade stream and relays native aggregates untouched.
package bars

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"

	"feedproxy/internal/ledger"
	"feedproxy/internal/obs"
	"feedproxy/internal/proto"
	"feedproxy/internal/proxy"
	"feedproxy/internal/router"
	"feedproxy/internal/upstream"
	"feedproxy/pkg/scanner"
)

// BarSink receives every emitted bar, e.g. the optional recorder.
type BarSink interface {
	Record(bar proto.Bar)
}

// Config defines the aggregator tier.
type Config struct {
	ListenAddr         string
	Credential         string
	UpstreamURL        string
	UpstreamCredential string
	Backoff            time.Duration
	KeepAlive          time.Duration
	Grace              time.Duration
	// CheckInterval is the emission scan period, substantially finer
	// than the smallest supported bar width.
	CheckInterval time.Duration
	// EmitDelay tolerates slightly out-of-order trades before a closed
	// window is emitted.
	EmitDelay time.Duration
	// MinIntervalMs..MaxIntervalMs (exclusive) are aggregated locally;
	// coarser granularities are relayed from the upstream's native
	// aggregate classes instead.
	MinIntervalMs int64
	MaxIntervalMs int64
	QueueCapacity int
	QueuePolicy   router.OverflowPolicy
	// Sink receives emitted bars in addition to routing (optional).
	Sink BarSink
}

type seriesKey struct {
	symbol     string
	intervalMs int64
}

type windowState uint8

const (
	windowOpen windowState = iota
	windowClosing
)

// window accumulates one (symbol, interval, bucket). It moves
// Open -> Closing(grace) -> emitted-and-discarded; an emitted window is
// never mutated again. Sums run on decimals so fractional sizes
// accumulate without float drift.
type window struct {
	state      windowState
	start, end int64
	open       decimal.Decimal
	high       decimal.Decimal
	low        decimal.Decimal
	clos       decimal.Decimal
	volume     decimal.Decimal
	count      int64
	notional   decimal.Decimal // Σ price·size, for VWAP
}

// Tier is the bar aggregator: a peer of the firehose and an upstream for
// the filtered tier.
type Tier struct {
	cfg       Config
	server    *proxy.Server
	connector *upstream.Connector
	metrics   *obs.Metrics

	mu          sync.Mutex
	interest    map[string]map[int64]int // symbol -> interval -> refcount
	wildcards   map[int64]int            // interval -> refcount for <N>Ms.*
	windows     map[seriesKey]map[int64]*window
	lastEmitted map[seriesKey]int64 // window end of the last emitted bar
}

// New builds the tier.
func New(cfg Config, metrics *obs.Metrics) *Tier {
	t := &Tier{
		cfg:         cfg,
		metrics:     metrics,
		interest:    make(map[string]map[int64]int),
		wildcards:   make(map[int64]int),
		windows:     make(map[seriesKey]map[int64]*window),
		lastEmitted: make(map[seriesKey]int64),
	}
	t.server = proxy.NewServer(proxy.Config{
		Name:            "aggregator",
		Addr:            cfg.ListenAddr,
		Credential:      cfg.Credential,
		WildcardClasses: proto.NativeAggregateClasses,
		KeyAllowed:      t.keyAllowed,
		QueueCapacity:   cfg.QueueCapacity,
		QueuePolicy:     cfg.QueuePolicy,
		Grace:           cfg.Grace,
		Listener:        t,
	}, metrics)
	t.connector = upstream.New("aggregator-firehose", upstream.Config{
		URL:        cfg.UpstreamURL,
		Credential: cfg.UpstreamCredential,
		Backoff:    cfg.Backoff,
		KeepAlive:  cfg.KeepAlive,
		CurrentSet: t.server.CurrentSetFunc(0),
		Handler:    t.handleInbound,
	}, metrics)
	t.server.AttachLink(t.connector, t.mapUpstreamKey)
	return t
}

// Run drives the peer server, the upstream connection and the emission
// scan until ctx is done.
func (t *Tier) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return t.server.Run(ctx) })
	group.Go(func() error { return t.connector.Run(ctx) })
	group.Go(func() error { return t.emitLoop(ctx) })
	return group.Wait()
}

// Server exposes the peer-facing runtime, mainly for tests.
func (t *Tier) Server() *proxy.Server {
	return t.server
}

// Connected reports whether the firehose link is up.
func (t *Tier) Connected() bool {
	return t.connector.Connected()
}

// keyAllowed restricts this tier to synthesized bars within the
// supported interval range plus relayed native aggregates.
func (t *Tier) keyAllowed(key proto.Key) bool {
	switch key.Class {
	case proto.ClassMsBar:
		return key.IntervalMs >= t.cfg.MinIntervalMs && key.IntervalMs < t.cfg.MaxIntervalMs
	case proto.ClassSecondBar, proto.ClassMinuteBar:
		return true
	default:
		return false
	}
}

// mapUpstreamKey maps a locally-served key to the firehose key feeding
// it: synthesized bars are built from trades, native aggregates are
// requested as-is.
func (t *Tier) mapUpstreamKey(key proto.Key) (proto.Key, bool) {
	switch key.Class {
	case proto.ClassMsBar:
		return proto.Key{Class: proto.ClassTrade, Symbol: key.Symbol}, true
	case proto.ClassSecondBar, proto.ClassMinuteBar:
		return key, true
	default:
		return proto.Key{}, false
	}
}

// OnSubscribe maintains the per-symbol interest index so that symbols
// without bar subscribers cost nothing per trade.
func (t *Tier) OnSubscribe(_ ledger.PeerID, keys []proto.Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, key := range keys {
		if key.Class != proto.ClassMsBar {
			continue
		}
		if key.IsWildcard() {
			t.wildcards[key.IntervalMs]++
			continue
		}
		series := t.interest[key.Symbol]
		if series == nil {
			series = make(map[int64]int)
			t.interest[key.Symbol] = series
		}
		series[key.IntervalMs]++
	}
}

// OnUnsubscribe releases interest; accumulator state for an abandoned
// series is discarded lazily by the emission scan.
func (t *Tier) OnUnsubscribe(_ ledger.PeerID, keys []proto.Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, key := range keys {
		if key.Class != proto.ClassMsBar {
			continue
		}
		if key.IsWildcard() {
			if t.wildcards[key.IntervalMs]--; t.wildcards[key.IntervalMs] <= 0 {
				delete(t.wildcards, key.IntervalMs)
			}
			continue
		}
		series := t.interest[key.Symbol]
		if series == nil {
			continue
		}
		if series[key.IntervalMs]--; series[key.IntervalMs] <= 0 {
			delete(series, key.IntervalMs)
		}
		if len(series) == 0 {
			delete(t.interest, key.Symbol)
		}
	}
}

var keyStatus = []byte(`"status"`)

// handleInbound consumes the firehose stream: trades feed the
// accumulators, native aggregates are relayed byte-for-byte, control
// frames are ignored.
func (t *Tier) handleInbound(payload []byte) {
	objects := scanner.SplitArrayObjects(payload, nil)
	if objects == nil {
		objects = [][]byte{payload}
	}
	for _, object := range objects {
		key, ok := proto.Sniff(object)
		if !ok {
			if _, isStatus := scanner.ScanStringField(object, keyStatus); !isStatus {
				t.metrics.IncMalformed()
			}
			continue
		}
		switch key.Class {
		case proto.ClassTrade:
			var trade proto.Trade
			if err := json.Unmarshal(object, &trade); err != nil {
				t.metrics.IncMalformed()
				logs.Warnf("aggregator: discarding malformed trade: %v", err)
				continue
			}
			t.applyTrade(trade)
		case proto.ClassSecondBar, proto.ClassMinuteBar:
			// native aggregates pass through untouched, never recomputed
			t.server.Router().RouteObject(key, object)
		}
	}
}

// applyTrade updates every open window of an interval someone wants for
// this symbol. Trades for already-emitted windows are dropped with a
// warning; they must never mutate an emitted bar.
func (t *Tier) applyTrade(trade proto.Trade) {
	t.mu.Lock()
	defer t.mu.Unlock()
	series := t.interest[trade.Symbol]
	if len(series) == 0 && len(t.wildcards) == 0 {
		return
	}
	for interval := range t.wildcards {
		t.applyTradeLocked(trade, interval)
	}
	for interval := range series {
		if _, done := t.wildcards[interval]; done {
			continue
		}
		t.applyTradeLocked(trade, interval)
	}
}

func (t *Tier) applyTradeLocked(trade proto.Trade, intervalMs int64) {
	if intervalMs < t.cfg.MinIntervalMs || intervalMs >= t.cfg.MaxIntervalMs {
		return
	}
	sk := seriesKey{symbol: trade.Symbol, intervalMs: intervalMs}
	start := (trade.Timestamp / intervalMs) * intervalMs
	if last, emitted := t.lastEmitted[sk]; emitted && start < last {
		t.metrics.IncLateTrade()
		logs.Warnf("aggregator: late trade %s@%d dropped, window [%d,%d) already emitted",
			trade.Symbol, trade.Timestamp, start, start+intervalMs)
		return
	}
	buckets := t.windows[sk]
	if buckets == nil {
		buckets = make(map[int64]*window)
		t.windows[sk] = buckets
	}
	w := buckets[start]
	if w == nil {
		buckets[start] = &window{
			start:    start,
			end:      start + intervalMs,
			open:     trade.Price,
			high:     trade.Price,
			low:      trade.Price,
			clos:     trade.Price,
			volume:   trade.Size,
			count:    1,
			notional: trade.Price.Mul(trade.Size),
		}
		return
	}
	if trade.Price.GreaterThan(w.high) {
		w.high = trade.Price
	}
	if trade.Price.LessThan(w.low) {
		w.low = trade.Price
	}
	w.clos = trade.Price
	w.volume = w.volume.Add(trade.Size)
	w.count++
	w.notional = w.notional.Add(trade.Price.Mul(trade.Size))
}

func (t *Tier) emitLoop(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			t.emitDue(now.UnixMilli())
		}
	}
}

// emitDue scans open windows and emits those whose end has passed by at
// least EmitDelay. Routing happens outside the lock.
func (t *Tier) emitDue(nowMs int64) {
	delayMs := t.cfg.EmitDelay.Milliseconds()
	var due []proto.Bar
	t.mu.Lock()
	for sk, buckets := range t.windows {
		abandoned := !t.hasInterestLocked(sk)
		for start, w := range buckets {
			if abandoned {
				delete(buckets, start)
				continue
			}
			if nowMs >= w.end && w.state == windowOpen {
				w.state = windowClosing
			}
			if w.state != windowClosing || nowMs < w.end+delayMs {
				continue
			}
			// a window of zero-size trades has no volume to weight by;
			// its VWAP falls back to the close
			vwap := w.clos
			if !w.volume.IsZero() {
				vwap = w.notional.Div(w.volume)
			}
			due = append(due, proto.Bar{
				Symbol:      sk.symbol,
				IntervalMs:  sk.intervalMs,
				Open:        w.open,
				High:        w.high,
				Low:         w.low,
				Close:       w.clos,
				Volume:      w.volume,
				TradeCount:  w.count,
				VWAP:        vwap,
				WindowStart: w.start,
				WindowEnd:   w.end,
			})
			if w.end > t.lastEmitted[sk] {
				t.lastEmitted[sk] = w.end
			}
			delete(buckets, start)
		}
		if len(buckets) == 0 {
			delete(t.windows, sk)
			if abandoned {
				delete(t.lastEmitted, sk)
			}
		}
	}
	t.mu.Unlock()

	for _, bar := range due {
		key := proto.Key{Class: proto.ClassMsBar, IntervalMs: bar.IntervalMs, Symbol: bar.Symbol}
		t.server.Router().RouteObject(key, bar.AppendJSON(nil))
		t.metrics.IncBarEmitted()
		if t.cfg.Sink != nil {
			t.cfg.Sink.Record(bar)
		}
	}
}

func (t *Tier) hasInterestLocked(sk seriesKey) bool {
	if t.wildcards[sk.intervalMs] > 0 {
		return true
	}
	return t.interest[sk.symbol][sk.intervalMs] > 0
}
