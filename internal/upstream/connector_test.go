package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedproxy/internal/obs"
	"feedproxy/internal/proto"
)

// fakeUpstream accepts connections, answers the auth handshake and
// records every subscribe/unsubscribe params string it receives.
type fakeUpstream struct {
	upgrader websocket.Upgrader
	accept   string

	mu       sync.Mutex
	commands []proto.Command
	sessions []*websocket.Conn

	sessionStarted chan string // params of the post-auth subscribe, "" if none arrives first
}

func newFakeUpstream(t *testing.T, accept string) (*fakeUpstream, string) {
	f := &fakeUpstream{accept: accept, sessionStarted: make(chan string, 8)}
	srv := httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(srv.Close)
	return f, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (f *fakeUpstream) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var cmd proto.Command
	_, frame, err := conn.ReadMessage()
	if err != nil {
		return
	}
	if err := json.Unmarshal(frame, &cmd); err != nil || cmd.Action != proto.ActionAuth {
		return
	}
	status := proto.StatusAuthSuccess
	if cmd.Params != f.accept {
		status = proto.StatusAuthFailed
	}
	payload, _ := json.Marshal(proto.Status{Status: status})
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return
	}
	if status == proto.StatusAuthFailed {
		return
	}

	f.mu.Lock()
	f.sessions = append(f.sessions, conn)
	f.mu.Unlock()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := json.Unmarshal(frame, &cmd); err != nil {
			continue
		}
		f.mu.Lock()
		f.commands = append(f.commands, cmd)
		f.mu.Unlock()
		if cmd.Action == proto.ActionSubscribe {
			select {
			case f.sessionStarted <- cmd.Params:
			default:
			}
		}
	}
}

func (f *fakeUpstream) dropSessions() {
	f.mu.Lock()
	for _, conn := range f.sessions {
		_ = conn.Close()
	}
	f.sessions = nil
	f.mu.Unlock()
}

func (f *fakeUpstream) recorded() []proto.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]proto.Command(nil), f.commands...)
}

func waitSubscribe(t *testing.T, f *fakeUpstream) string {
	t.Helper()
	select {
	case params := <-f.sessionStarted:
		return params
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a subscribe command")
		return ""
	}
}

func TestConnectorReissuesCurrentSetOnReconnect(t *testing.T) {
	fake, url := newFakeUpstream(t, "secret")

	var mu sync.Mutex
	current := "T.AAPL,Q.*"
	currentSet := func() []proto.Key {
		mu.Lock()
		defer mu.Unlock()
		keys, _ := proto.ParseKeyList(current)
		return keys
	}

	metrics := obs.NewMetrics()
	c := New("test", Config{
		URL:        url,
		Credential: "secret",
		Backoff:    20 * time.Millisecond,
		KeepAlive:  time.Minute,
		CurrentSet: currentSet,
	}, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()

	assert.Equal(t, "T.AAPL,Q.*", waitSubscribe(t, fake))

	// interest churns while the session is up, then the session dies:
	// the next connect must issue the churned set, not the old one
	mu.Lock()
	current = "T.TSLA"
	mu.Unlock()
	fake.dropSessions()

	assert.Equal(t, "T.TSLA", waitSubscribe(t, fake))
	assert.GreaterOrEqual(t, metrics.Snapshot().UpstreamReconnects, uint64(1))

	cancel()
	<-done
}

func TestConnectorSendsCommandsInSession(t *testing.T) {
	fake, url := newFakeUpstream(t, "secret")

	c := New("test", Config{
		URL:        url,
		Credential: "secret",
		Backoff:    20 * time.Millisecond,
		KeepAlive:  time.Minute,
		CurrentSet: func() []proto.Key {
			keys, _ := proto.ParseKeyList("T.AAPL")
			return keys
		},
	}, obs.NewMetrics())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	waitSubscribe(t, fake)

	keys, err := proto.ParseKeyList("Q.MSFT")
	require.NoError(t, err)
	require.NoError(t, c.Subscribe(keys))
	require.NoError(t, c.Unsubscribe(keys))

	require.Eventually(t, func() bool {
		return len(fake.recorded()) >= 3
	}, 5*time.Second, 10*time.Millisecond)

	commands := fake.recorded()
	assert.Equal(t, proto.Command{Action: proto.ActionSubscribe, Params: "T.AAPL"}, commands[0])
	assert.Equal(t, proto.Command{Action: proto.ActionSubscribe, Params: "Q.MSFT"}, commands[1])
	assert.Equal(t, proto.Command{Action: proto.ActionUnsubscribe, Params: "Q.MSFT"}, commands[2])

	cancel()
	<-done
}

func TestConnectorRejectsWhileDisconnected(t *testing.T) {
	c := New("test", Config{URL: "ws://127.0.0.1:1", Credential: "x"}, obs.NewMetrics())

	keys, err := proto.ParseKeyList("T.AAPL")
	require.NoError(t, err)
	assert.ErrorIs(t, c.Subscribe(keys), ErrNotConnected)
	assert.False(t, c.Connected())
}

func TestConnectorAuthFailure(t *testing.T) {
	fake, url := newFakeUpstream(t, "secret")

	c := New("test", Config{
		URL:        url,
		Credential: "wrong",
		Backoff:    10 * time.Millisecond,
		KeepAlive:  time.Minute,
	}, obs.NewMetrics())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = c.Run(ctx)

	assert.False(t, c.Connected())
	assert.Empty(t, fake.recorded(), "no commands may flow before auth succeeds")
}
