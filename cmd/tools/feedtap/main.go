// feedtap subscribes to a running tier and prints the stream, with a
// running message-per-second figure. Handy for eyeballing any tier.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"feedproxy/internal/proto"
)

func main() {
	url := flag.String("url", "ws://127.0.0.1:7003", "tier websocket URL")
	credential := flag.String("credential", "", "tier credential")
	params := flag.String("subscribe", "T.AAPL", "subscription token list")
	quiet := flag.Bool("quiet", false, "suppress payloads, print rates only")
	flag.Parse()

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		log.Fatalf("dial %s: %v", *url, err)
	}
	defer conn.Close()

	send(conn, proto.ActionAuth, *credential)
	_, frame, err := conn.ReadMessage()
	if err != nil {
		log.Fatalf("auth read: %v", err)
	}
	var status proto.Status
	if json.Unmarshal(frame, &status) != nil || status.Status != proto.StatusAuthSuccess {
		log.Fatalf("auth rejected: %s", frame)
	}
	send(conn, proto.ActionSubscribe, *params)

	var count, lastCount uint64
	last := time.Now()
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			log.Fatalf("read: %v", err)
		}
		count++
		if !*quiet {
			fmt.Println(string(frame))
		}
		if now := time.Now(); now.Sub(last) >= time.Second {
			rate := float64(count-lastCount) / now.Sub(last).Seconds()
			fmt.Printf("-- %.0f frames/s, %d total\n", rate, count)
			last, lastCount = now, count
		}
	}
}

func send(conn *websocket.Conn, action, params string) {
	payload, err := json.Marshal(proto.Command{Action: action, Params: params})
	if err != nil {
		log.Fatalf("marshal %s: %v", action, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		log.Fatalf("send %s: %v", action, err)
	}
}
