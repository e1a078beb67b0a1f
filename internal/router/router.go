// Package router fans inbound messages out to the peers the ledger says
// want them. Routing sniffs (class, symbol) off the raw bytes; payload
// bodies are never decoded here.
package router

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"feedproxy/internal/ledger"
	"feedproxy/internal/obs"
	"feedproxy/internal/proto"
	"feedproxy/pkg/scanner"
)

var keyStatus = []byte(`"status"`)

// Peer is a registered outbound endpoint with its bounded queue.
type Peer struct {
	ID    ledger.PeerID
	Queue *Queue

	wasDropping atomic.Bool
}

// NewPeer creates a peer with a bounded queue.
func NewPeer(id ledger.PeerID, capacity int, policy OverflowPolicy) *Peer {
	return &Peer{ID: id, Queue: NewQueue(capacity, policy)}
}

// Router delivers raw payloads to matching peers.
type Router struct {
	mu      sync.RWMutex
	peers   map[ledger.PeerID]*Peer
	ledger  *ledger.Ledger
	metrics *obs.Metrics
}

// New creates a router over the given ledger.
func New(ld *ledger.Ledger, metrics *obs.Metrics) *Router {
	return &Router{
		peers:   make(map[ledger.PeerID]*Peer),
		ledger:  ld,
		metrics: metrics,
	}
}

// AddPeer registers a peer for delivery.
func (r *Router) AddPeer(peer *Peer) {
	if r == nil || peer == nil {
		return
	}
	r.mu.Lock()
	r.peers[peer.ID] = peer
	r.mu.Unlock()
}

// RemovePeer unregisters a peer and closes its queue.
func (r *Router) RemovePeer(id ledger.PeerID) {
	r.mu.Lock()
	peer := r.peers[id]
	delete(r.peers, id)
	r.mu.Unlock()
	if peer != nil {
		peer.Queue.Close()
		if dropped := peer.Queue.Dropped(); dropped > 0 {
			logs.Warnf("peer %s disconnected with %d dropped messages", id, dropped)
		}
	}
}

// Route dispatches one inbound frame. Frames are arrays of objects (or a
// single object); each object is sniffed and delivered independently,
// rebatched per peer so every peer receives one array frame in upstream
// order.
func (r *Router) Route(frame []byte) {
	if r == nil || len(frame) == 0 {
		return
	}
	start := time.Now()

	objects := scanner.SplitArrayObjects(frame, nil)
	if objects == nil {
		// not an array: treat as one object
		objects = [][]byte{frame}
	}

	var (
		scratch []ledger.PeerID
		batches map[ledger.PeerID][]byte
		targets map[ledger.PeerID]*Peer
	)
	for _, object := range objects {
		key, ok := proto.Sniff(object)
		if !ok {
			// status acks ride the data stream mid-session; not data,
			// not malformed
			if _, isStatus := scanner.ScanStringField(object, keyStatus); !isStatus {
				r.metrics.IncMalformed()
			}
			continue
		}
		scratch = r.ledger.MatchingPeers(key, scratch[:0])
		if len(scratch) == 0 {
			continue
		}
		r.mu.RLock()
		for _, id := range scratch {
			peer := r.peers[id]
			if peer == nil {
				continue
			}
			if batches == nil {
				batches = make(map[ledger.PeerID][]byte, 4)
				targets = make(map[ledger.PeerID]*Peer, 4)
			}
			buf, exists := batches[id]
			if !exists {
				buf = append(make([]byte, 0, len(object)+2), '[')
				targets[id] = peer
			} else {
				buf = append(buf, ',')
			}
			batches[id] = append(buf, object...)
		}
		r.mu.RUnlock()
	}

	for id, buf := range batches {
		r.deliver(targets[id], append(buf, ']'))
	}
	r.metrics.ObserveRoute(time.Since(start))
}

// RouteObject delivers one pre-sniffed object (e.g. a synthesized bar)
// wrapped in an array frame.
func (r *Router) RouteObject(key proto.Key, object []byte) {
	if r == nil {
		return
	}
	scratch := r.ledger.MatchingPeers(key, nil)
	if len(scratch) == 0 {
		return
	}
	r.mu.RLock()
	peers := make([]*Peer, 0, len(scratch))
	for _, id := range scratch {
		if peer := r.peers[id]; peer != nil {
			peers = append(peers, peer)
		}
	}
	r.mu.RUnlock()
	if len(peers) == 0 {
		return
	}
	frame := make([]byte, 0, len(object)+2)
	frame = append(frame, '[')
	frame = append(frame, object...)
	frame = append(frame, ']')
	for _, peer := range peers {
		r.deliver(peer, frame)
	}
}

func (r *Router) deliver(peer *Peer, frame []byte) {
	if peer == nil {
		return
	}
	queued, dropped := peer.Queue.Push(frame)
	if queued {
		r.metrics.IncRouted()
	}
	if dropped == 0 {
		peer.wasDropping.Store(false)
		return
	}
	// evictions under drop-oldest count the same as rejected payloads
	r.metrics.AddDropped(uint64(dropped))
	if peer.wasDropping.CompareAndSwap(false, true) {
		logs.Warnf("peer %s queue full, dropping messages (total dropped %d)", peer.ID, peer.Queue.Dropped())
	}
}
