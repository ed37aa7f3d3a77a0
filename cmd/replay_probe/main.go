package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

// 连接回放服务，发送一次配置并打印收到的每条消息，直到 completed / error / shutdown。
func main() {
	addr := flag.String("addr", "ws://127.0.0.1:8080/", "回放服务地址")
	start := flag.String("start", time.Now().UTC().Add(-time.Hour).Format(time.RFC3339), "开始时间 (RFC3339)")
	end := flag.String("end", time.Now().UTC().Format(time.RFC3339), "结束时间 (RFC3339)")
	quiet := flag.Bool("quiet", false, "只打印状态消息和进度")
	flag.Parse()

	conn, _, err := websocket.DefaultDialer.Dial(*addr, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial %s: %v\n", *addr, err)
		os.Exit(1)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"startDate": *start, "endDate": *end}); err != nil {
		fmt.Fprintf(os.Stderr, "send config: %v\n", err)
		os.Exit(1)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			fmt.Fprintf(os.Stderr, "read: %v\n", err)
			os.Exit(1)
		}
		var msg map[string]json.RawMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			fmt.Fprintf(os.Stderr, "decode: %v\n", err)
			continue
		}
		if *quiet {
			if p, ok := msg["progress"]; ok {
				fmt.Printf("tick %s\n", p)
				continue
			}
		}
		fmt.Println(string(raw))

		if _, ok := msg["error"]; ok {
			os.Exit(2)
		}
		var status string
		_ = json.Unmarshal(msg["status"], &status)
		switch status {
		case "completed", "shutdown":
			return
		case "error":
			os.Exit(2)
		}
	}
}
