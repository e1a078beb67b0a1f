// Package proxy is the shared tier runtime: a websocket server for
// downstream peers, a subscription ledger, a fan-out router, and the
// synchronization of the ledger's upstream set over one or more upstream
// links. The firehose, aggregator and filtered tiers are thin
// compositions over this package.
package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/yanun0323/logs"

	"feedproxy/internal/ledger"
	"feedproxy/internal/obs"
	"feedproxy/internal/proto"
	"feedproxy/internal/router"
)

const (
	peerAuthTimeout  = 10 * time.Second
	peerWriteTimeout = 10 * time.Second
)

// SubscriptionListener observes applied subscription changes. The bar
// aggregator uses it to keep its per-symbol interest index.
type SubscriptionListener interface {
	OnSubscribe(peer ledger.PeerID, keys []proto.Key)
	OnUnsubscribe(peer ledger.PeerID, keys []proto.Key)
}

// Config defines one tier's server.
type Config struct {
	// Name labels log lines.
	Name string
	// Addr is the websocket listen address, e.g. ":7001".
	Addr string
	// Credential peers must present to authenticate.
	Credential string
	// WildcardClasses is what a bare "*" token expands to at this tier.
	WildcardClasses []proto.Class
	// KeyAllowed rejects keys this tier does not serve. A peer sending
	// a disallowed key is a protocol violation and is disconnected.
	KeyAllowed func(proto.Key) bool
	// QueueCapacity bounds each peer's outbound queue.
	QueueCapacity int
	// QueuePolicy is the router delivery policy for this tier's peers.
	QueuePolicy router.OverflowPolicy
	// Grace is the delayed-unsubscription window.
	Grace time.Duration
	// SweepInterval is how often expired pending keys are collected.
	SweepInterval time.Duration
	// Listener receives subscription change notifications (optional).
	Listener SubscriptionListener
}

// Server is one tier's peer-facing runtime.
type Server struct {
	cfg     Config
	ledger  *ledger.Ledger
	router  *router.Router
	metrics *obs.Metrics
	links   []*linkState

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu    sync.Mutex
	conns map[ledger.PeerID]*websocket.Conn
}

// NewServer creates a tier server. Links are attached afterwards with
// AttachLink so connectors can reference the server's ledger.
func NewServer(cfg Config, metrics *obs.Metrics) *Server {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1024
	}
	ld := ledger.New()
	s := &Server{
		cfg:     cfg,
		ledger:  ld,
		router:  router.New(ld, metrics),
		metrics: metrics,
		conns:   make(map[ledger.PeerID]*websocket.Conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	return s
}

// Ledger exposes the tier's subscription ledger.
func (s *Server) Ledger() *ledger.Ledger {
	return s.ledger
}

// Router exposes the tier's fan-out router.
func (s *Server) Router() *router.Router {
	return s.router
}

// HandleInbound routes one raw upstream frame to matching peers. Tiers
// that merely relay use this directly as the connector handler.
func (s *Server) HandleInbound(payload []byte) {
	s.router.Route(payload)
}

// Run serves peers and drives the sweep loop until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	s.httpSrv = &http.Server{Addr: s.cfg.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logs.Infof("%s listening on %s", s.cfg.Name, s.cfg.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = s.httpSrv.Shutdown(shutdownCtx)
			cancel()
			s.closePeers()
			return ctx.Err()
		case err := <-errCh:
			return err
		case now := <-sweep.C:
			s.sweepPending(now)
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logs.Warnf("%s upgrade failed: %v", s.cfg.Name, err)
		return
	}
	go s.servePeer(conn)
}

func (s *Server) servePeer(conn *websocket.Conn) {
	defer conn.Close()

	if !s.authenticatePeer(conn) {
		return
	}

	id := uuid.New()
	peer := router.NewPeer(id, s.cfg.QueueCapacity, s.cfg.QueuePolicy)
	s.router.AddPeer(peer)
	s.metrics.PeerConnected(1)
	s.mu.Lock()
	s.conns[id] = conn
	s.mu.Unlock()
	logs.Infof("%s peer %s connected", s.cfg.Name, id)

	// write task: pops the peer queue until it closes
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for {
			payload, ok := peer.Queue.Pop()
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(peerWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				_ = conn.Close()
				return
			}
		}
	}()

	// read task: applies the peer's commands in issue order
	s.readPeer(conn, id)

	removed := s.ledger.RemovePeer(id)
	if s.cfg.Listener != nil && len(removed) > 0 {
		s.cfg.Listener.OnUnsubscribe(id, removed)
	}
	s.router.RemovePeer(id)
	<-writeDone
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
	s.metrics.PeerConnected(-1)
	logs.Infof("%s peer %s disconnected", s.cfg.Name, id)
}

func (s *Server) authenticatePeer(conn *websocket.Conn) bool {
	_ = conn.SetReadDeadline(time.Now().Add(peerAuthTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var cmd proto.Command
	_, frame, err := conn.ReadMessage()
	if err != nil {
		return false
	}
	if err := json.Unmarshal(frame, &cmd); err != nil || cmd.Action != proto.ActionAuth {
		s.writeStatus(conn, proto.Status{Status: proto.StatusAuthFailed, Message: "expected auth"})
		return false
	}
	if cmd.Params != s.cfg.Credential {
		s.writeStatus(conn, proto.Status{Status: proto.StatusAuthFailed})
		return false
	}
	return s.writeStatus(conn, proto.Status{Status: proto.StatusAuthSuccess})
}

func (s *Server) readPeer(conn *websocket.Conn, id ledger.PeerID) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd proto.Command
		if err := json.Unmarshal(frame, &cmd); err != nil {
			logs.Warnf("%s peer %s sent unparseable command, closing", s.cfg.Name, id)
			return
		}
		switch cmd.Action {
		case proto.ActionSubscribe, proto.ActionUnsubscribe:
			keys, err := proto.ParseKeyList(cmd.Params)
			if err != nil {
				logs.Warnf("%s peer %s sent bad token list %q, closing", s.cfg.Name, id, cmd.Params)
				return
			}
			keys = proto.ExpandWildcard(keys, s.cfg.WildcardClasses)
			if !s.keysAllowed(keys) {
				logs.Warnf("%s peer %s requested unserved class, closing", s.cfg.Name, id)
				return
			}
			if cmd.Action == proto.ActionSubscribe {
				added := s.ledger.Subscribe(id, keys)
				if s.cfg.Listener != nil && len(added) > 0 {
					s.cfg.Listener.OnSubscribe(id, added)
				}
				s.syncSubscribe(keys)
			} else {
				removed := s.ledger.Unsubscribe(id, keys)
				if s.cfg.Listener != nil && len(removed) > 0 {
					s.cfg.Listener.OnUnsubscribe(id, removed)
				}
			}
		case proto.ActionAuth:
			// already authenticated; ignore (the write task owns the
			// connection for data frames now)
		default:
			logs.Warnf("%s peer %s sent unknown action %q, closing", s.cfg.Name, id, cmd.Action)
			return
		}
	}
}

func (s *Server) keysAllowed(keys []proto.Key) bool {
	if s.cfg.KeyAllowed == nil {
		return true
	}
	for _, key := range keys {
		if !s.cfg.KeyAllowed(key) {
			return false
		}
	}
	return true
}

func (s *Server) writeStatus(conn *websocket.Conn, status proto.Status) bool {
	payload, err := json.Marshal(status)
	if err != nil {
		return false
	}
	_ = conn.SetWriteDeadline(time.Now().Add(peerWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, payload) == nil
}

func (s *Server) closePeers() {
	s.mu.Lock()
	for _, conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
}
