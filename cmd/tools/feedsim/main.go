// feedsim is a stand-in exchange feed for local runs: it accepts the
// auth handshake, acknowledges subscriptions and streams random trades
// and quotes for a fixed symbol list.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yanun0323/logs"

	"feedproxy/internal/proto"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func main() {
	addr := flag.String("addr", ":7100", "listen address")
	apiKey := flag.String("key", "simkey", "accepted api key")
	symbols := flag.String("symbols", "AAPL,MSFT,TSLA,NVDA,SPY", "symbols to stream")
	interval := flag.Duration("interval", 5*time.Millisecond, "delay between frames")
	flag.Parse()

	list := strings.Split(*symbols, ",")
	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go serve(conn, *apiKey, list, *interval)
	})

	logs.Infof("feedsim streaming %d symbols on %s", len(list), *addr)
	if err := http.ListenAndServe(*addr, nil); err != nil {
		logs.Errorf("feedsim: %v", err)
	}
}

func serve(conn *websocket.Conn, apiKey string, symbols []string, interval time.Duration) {
	defer conn.Close()

	var cmd proto.Command
	_, frame, err := conn.ReadMessage()
	if err != nil || json.Unmarshal(frame, &cmd) != nil || cmd.Action != proto.ActionAuth {
		return
	}
	status := proto.StatusAuthSuccess
	if cmd.Params != apiKey {
		status = proto.StatusAuthFailed
	}
	ack, _ := json.Marshal(proto.Status{Status: status})
	if conn.WriteMessage(websocket.TextMessage, ack) != nil || status != proto.StatusAuthSuccess {
		return
	}
	logs.Infof("feedsim: peer %s authenticated", conn.RemoteAddr())

	go func() {
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cmd proto.Command
			if json.Unmarshal(frame, &cmd) == nil {
				logs.Infof("feedsim: peer %s %s %s", conn.RemoteAddr(), cmd.Action, cmd.Params)
			}
		}
	}()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	prices := make([]float64, len(symbols))
	for i := range prices {
		prices[i] = 50 + rng.Float64()*400
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		i := rng.Intn(len(symbols))
		prices[i] *= 1 + (rng.Float64()-0.5)*0.001
		now := time.Now().UnixMilli()

		var payload string
		if rng.Intn(3) == 0 {
			bid := prices[i] * 0.9995
			ask := prices[i] * 1.0005
			payload = fmt.Sprintf(`[{"ev":"Q","sym":%q,"bp":%s,"ap":%s,"t":%d}]`,
				symbols[i], formatPrice(bid), formatPrice(ask), now)
		} else {
			size := float64(1 + rng.Intn(500))
			payload = fmt.Sprintf(`[{"ev":"T","sym":%q,"p":%s,"s":%s,"t":%d}]`,
				symbols[i], formatPrice(prices[i]), strconv.FormatFloat(size, 'f', -1, 64), now)
		}
		if conn.WriteMessage(websocket.TextMessage, []byte(payload)) != nil {
			return
		}
	}
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', 4, 64)
}
