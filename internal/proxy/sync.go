package proxy

import (
	"sync"
	"time"

	"github.com/yanun0323/logs"

	"feedproxy/internal/proto"
	"feedproxy/internal/upstream"
)

// KeyMapper maps a locally-wanted key to the upstream key that serves it
// over one link; ok=false when the link does not serve the key. The
// aggregator maps millisecond-bar keys to trade keys this way.
type KeyMapper func(proto.Key) (proto.Key, bool)

// IdentityMapper serves every key as itself.
func IdentityMapper(key proto.Key) (proto.Key, bool) {
	return key, true
}

type linkState struct {
	connector *upstream.Connector
	mapKey    KeyMapper

	mu   sync.Mutex
	sent map[proto.Key]struct{}
}

// AttachLink binds an upstream link to the server and returns the
// CurrentSet callback to hand the connector's config. The callback
// resets the link's bookkeeping to the ledger's current set, so a
// reconnect re-issues exactly what is wanted now.
func (s *Server) AttachLink(connector *upstream.Connector, mapKey KeyMapper) {
	if mapKey == nil {
		mapKey = IdentityMapper
	}
	s.links = append(s.links, &linkState{
		connector: connector,
		mapKey:    mapKey,
		sent:      make(map[proto.Key]struct{}),
	})
}

// CurrentSetFunc returns the callback a connector calls on every
// (re)connect. It must be attached to the link at the same index the
// connector was attached with; tiers build both together.
func (s *Server) CurrentSetFunc(index int) func() []proto.Key {
	return func() []proto.Key {
		link := s.links[index]
		current := s.mapSet(s.ledger.ComputeUpstreamSet(), link.mapKey)
		link.mu.Lock()
		link.sent = make(map[proto.Key]struct{}, len(current))
		for _, key := range current {
			link.sent[key] = struct{}{}
		}
		link.mu.Unlock()
		return current
	}
}

// syncSubscribe pushes newly-wanted keys to every link that serves them.
// Keys already held upstream are skipped.
func (s *Server) syncSubscribe(keys []proto.Key) {
	for _, link := range s.links {
		var fresh []proto.Key
		link.mu.Lock()
		for _, key := range keys {
			mapped, ok := link.mapKey(key)
			if !ok {
				continue
			}
			if _, held := link.sent[mapped]; held {
				continue
			}
			link.sent[mapped] = struct{}{}
			fresh = append(fresh, mapped)
		}
		link.mu.Unlock()
		if len(fresh) == 0 {
			continue
		}
		if err := link.connector.Subscribe(fresh); err != nil {
			// disconnected links re-issue the full current set on
			// reconnect, so a failed send here is not a loss
			logs.Debugf("%s upstream subscribe deferred: %v", s.cfg.Name, err)
		}
	}
}

// sweepPending collects keys whose grace period has elapsed and sends
// the corresponding upstream unsubscribes, unless another local key
// still maps to the same upstream key.
func (s *Server) sweepPending(now time.Time) {
	expired := s.ledger.SweepPending(now, s.cfg.Grace)
	if len(expired) == 0 {
		return
	}
	currentSet := s.ledger.ComputeUpstreamSet()
	for _, link := range s.links {
		stillWanted := make(map[proto.Key]struct{}, len(currentSet))
		for _, key := range currentSet {
			if mapped, ok := link.mapKey(key); ok {
				stillWanted[mapped] = struct{}{}
			}
		}
		var drop []proto.Key
		link.mu.Lock()
		for _, key := range expired {
			mapped, ok := link.mapKey(key)
			if !ok {
				continue
			}
			if _, wanted := stillWanted[mapped]; wanted {
				continue
			}
			if _, held := link.sent[mapped]; !held {
				continue
			}
			delete(link.sent, mapped)
			drop = append(drop, mapped)
		}
		link.mu.Unlock()
		if len(drop) == 0 {
			continue
		}
		if err := link.connector.Unsubscribe(drop); err != nil {
			logs.Debugf("%s upstream unsubscribe deferred: %v", s.cfg.Name, err)
		} else {
			logs.Infof("%s dropped %d upstream keys after grace", s.cfg.Name, len(drop))
		}
	}
}

func (s *Server) mapSet(keys []proto.Key, mapKey KeyMapper) []proto.Key {
	seen := make(map[proto.Key]struct{}, len(keys))
	out := make([]proto.Key, 0, len(keys))
	for _, key := range keys {
		mapped, ok := mapKey(key)
		if !ok {
			continue
		}
		if _, dup := seen[mapped]; dup {
			continue
		}
		seen[mapped] = struct{}{}
		out = append(out, mapped)
	}
	return out
}
