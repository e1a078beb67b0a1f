// Package ledger tracks which peer wants which (class, symbol) pairs and
// derives the minimal subscription set a tier must hold upstream.
package ledger

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"feedproxy/internal/proto"
)

// PeerID identifies a connected peer.
type PeerID = uuid.UUID

type peerState struct {
	keys map[proto.Key]struct{}
}

// Ledger is one tier's subscription index. All methods are safe for
// concurrent use; no network I/O happens under the lock. Construct one
// instance per tier, never share ambient state.
type Ledger struct {
	mu       sync.Mutex
	peers    map[PeerID]*peerState
	index    map[proto.Key]map[PeerID]struct{}    // concrete keys
	wildcard map[proto.ClassKey]map[PeerID]struct{}
	pending  map[proto.Key]time.Time
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		peers:    make(map[PeerID]*peerState),
		index:    make(map[proto.Key]map[PeerID]struct{}),
		wildcard: make(map[proto.ClassKey]map[PeerID]struct{}),
		pending:  make(map[proto.Key]time.Time),
	}
}

// Subscribe adds keys to the peer's set and the indexes, returning the
// keys actually added. Subscribing to a key already held is a no-op (set
// semantics). Keys reappearing while in the pending-unsubscribe map are
// debounced out of it.
func (l *Ledger) Subscribe(peer PeerID, keys []proto.Key) []proto.Key {
	l.mu.Lock()
	defer l.mu.Unlock()
	state := l.peers[peer]
	if state == nil {
		state = &peerState{keys: make(map[proto.Key]struct{})}
		l.peers[peer] = state
	}
	added := make([]proto.Key, 0, len(keys))
	for _, key := range keys {
		if _, held := state.keys[key]; held {
			continue
		}
		state.keys[key] = struct{}{}
		added = append(added, key)
		if key.IsWildcard() {
			ck := key.ClassKey()
			set := l.wildcard[ck]
			if set == nil {
				set = make(map[PeerID]struct{})
				l.wildcard[ck] = set
			}
			set[peer] = struct{}{}
		} else {
			set := l.index[key]
			if set == nil {
				set = make(map[PeerID]struct{})
				l.index[key] = set
			}
			set[peer] = struct{}{}
		}
		delete(l.pending, key)
	}
	return added
}

// Unsubscribe removes keys from the peer's set and the indexes,
// returning the keys actually removed. Unsubscribing a key never held is
// a no-op. When a key's last interested peer departs and no wildcard
// covers its class, the key enters the pending-unsubscribe map with the
// current time instead of being dropped upstream immediately.
func (l *Ledger) Unsubscribe(peer PeerID, keys []proto.Key) []proto.Key {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	state := l.peers[peer]
	if state == nil {
		return nil
	}
	removed := make([]proto.Key, 0, len(keys))
	for _, key := range keys {
		if l.dropKey(peer, state, key, now) {
			removed = append(removed, key)
		}
	}
	if len(state.keys) == 0 {
		delete(l.peers, peer)
	}
	return removed
}

// RemovePeer unsubscribes the peer from everything it held and discards
// its set, returning the keys it held. No orphaned index entries
// survive.
func (l *Ledger) RemovePeer(peer PeerID) []proto.Key {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	state := l.peers[peer]
	if state == nil {
		return nil
	}
	removed := make([]proto.Key, 0, len(state.keys))
	for key := range state.keys {
		l.dropKey(peer, state, key, now)
		removed = append(removed, key)
	}
	delete(l.peers, peer)
	return removed
}

func (l *Ledger) dropKey(peer PeerID, state *peerState, key proto.Key, now time.Time) bool {
	if _, held := state.keys[key]; !held {
		return false
	}
	delete(state.keys, key)
	if key.IsWildcard() {
		ck := key.ClassKey()
		set := l.wildcard[ck]
		delete(set, peer)
		if len(set) == 0 {
			delete(l.wildcard, ck)
			l.pending[key] = now
		}
		return true
	}
	set := l.index[key]
	delete(set, peer)
	if len(set) == 0 {
		delete(l.index, key)
		if _, covered := l.wildcard[key.ClassKey()]; !covered {
			l.pending[key] = now
		}
	}
	return true
}

// MatchingPeers appends to dst the union of the wildcard holders for the
// key's class and the concrete interest entry. Amortized O(result) per
// call regardless of total peer count.
func (l *Ledger) MatchingPeers(key proto.Key, dst []PeerID) []PeerID {
	l.mu.Lock()
	defer l.mu.Unlock()
	concrete := l.index[key]
	for peer := range l.wildcard[key.ClassKey()] {
		dst = append(dst, peer)
	}
	for peer := range concrete {
		if _, holds := l.wildcard[key.ClassKey()][peer]; holds {
			continue
		}
		dst = append(dst, peer)
	}
	return dst
}

// HasInterest reports whether any peer would currently receive a message
// with this key.
func (l *Ledger) HasInterest(key proto.Key) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.wildcard[key.ClassKey()]) > 0 {
		return true
	}
	return len(l.index[key]) > 0
}

// ComputeUpstreamSet returns the minimal set of keys the tier must hold
// from its upstream: classes with any wildcard holder collapse to the
// wildcard key, all other classes contribute their concrete keys with
// non-empty interest.
func (l *Ledger) ComputeUpstreamSet() []proto.Key {
	l.mu.Lock()
	defer l.mu.Unlock()
	keys := make([]proto.Key, 0, len(l.wildcard)+len(l.index))
	for ck := range l.wildcard {
		keys = append(keys, proto.Key{Class: ck.Class, IntervalMs: ck.IntervalMs, Symbol: proto.WildcardSymbol})
	}
	for key := range l.index {
		if _, collapsed := l.wildcard[key.ClassKey()]; collapsed {
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

// SweepPending removes and returns pending keys whose grace period has
// elapsed. The caller forwards them as upstream unsubscribe instructions.
func (l *Ledger) SweepPending(now time.Time, grace time.Duration) []proto.Key {
	l.mu.Lock()
	defer l.mu.Unlock()
	var expired []proto.Key
	for key, since := range l.pending {
		if now.Sub(since) >= grace {
			expired = append(expired, key)
			delete(l.pending, key)
		}
	}
	return expired
}

// PendingCount reports the number of keys awaiting the grace sweep.
func (l *Ledger) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}
