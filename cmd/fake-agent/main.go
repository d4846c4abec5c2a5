// ABOUTME: Minimal fake agent for E2E testing, speaks the WebSocket JSON-RPC protocol.
// ABOUTME: Usage: fake-agent [-addr localhost:8080] [-code REGCODE | -token TOKEN]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func main() {
	addr := flag.String("addr", "localhost:8080", "gateway address")
	code := flag.String("code", "", "registration code (first connect)")
	token := flag.String("token", "", "agent token (reconnect)")
	version := flag.String("version", "0.1.0", "reported agent version")
	flag.Parse()

	if *code == "" && *token == "" {
		log.Fatal("either -code or -token is required")
	}

	if err := run(*addr, *code, *token, *version); err != nil {
		log.Fatal(err)
	}
}

type helloFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Token   string `json:"token,omitempty"`
	Version string `json:"version,omitempty"`
}

type welcomeFrame struct {
	Type    string `json:"type"`
	Error   string `json:"error,omitempty"`
	AgentID string `json:"agent_id"`
	Token   string `json:"token,omitempty"`
	Config  struct {
		HeartbeatIntervalSeconds int `json:"heartbeat_interval_seconds"`
		HeartbeatTimeoutSeconds  int `json:"heartbeat_timeout_seconds"`
	} `json:"config"`
}

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  any             `json:"result,omitempty"`
}

func run(addr, code, token, version string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	url := fmt.Sprintf("ws://%s/ws/agent", addr)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	hello := helloFrame{Type: "authenticate", Token: token, Version: version}
	if code != "" {
		hello = helloFrame{Type: "register", Code: code, Version: version}
	}
	if err := wsjson.Write(ctx, conn, hello); err != nil {
		return fmt.Errorf("sending hello: %w", err)
	}

	var welcome welcomeFrame
	if err := wsjson.Read(ctx, conn, &welcome); err != nil {
		return fmt.Errorf("reading welcome: %w", err)
	}
	if welcome.Type != "ok" {
		return fmt.Errorf("handshake rejected: %s", welcome.Error)
	}
	fmt.Fprintf(os.Stderr, "connected as %s\n", welcome.AgentID)
	if welcome.Token != "" {
		// A real agent persists this; print it so the operator can.
		fmt.Fprintf(os.Stderr, "token: %s\n", welcome.Token)
	}

	interval := time.Duration(welcome.Config.HeartbeatIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go heartbeatLoop(ctx, conn, welcome.AgentID, interval)

	for {
		var msg rpcMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if ctx.Err() != nil {
				return nil // graceful shutdown
			}
			return fmt.Errorf("read error: %w", err)
		}

		if msg.ID == nil {
			log.Printf("notification %s: %s", msg.Method, msg.Params)
			continue
		}

		log.Printf("request [%v] %s: %s", msg.ID, msg.Method, msg.Params)

		var result any
		rotated := false
		switch msg.Method {
		case "ping":
			result = "pong"
		case "agent.rotate_token":
			var params struct {
				NewToken string `json:"new_token"`
			}
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				log.Printf("bad rotate params: %v", err)
				continue
			}
			fmt.Fprintf(os.Stderr, "rotated token: %s\n", params.NewToken)
			result = map[string]any{"accepted": true}
			rotated = true
		default:
			result = map[string]any{"echo": msg.Method}
		}

		reply := rpcMessage{JSONRPC: "2.0", ID: msg.ID, Result: result}
		if err := wsjson.Write(ctx, conn, reply); err != nil {
			log.Printf("send reply error: %v", err)
		}
		if rotated {
			notify(ctx, conn, "agent.rotation_complete", map[string]any{"agent_id": welcome.AgentID})
		}
	}
}

func heartbeatLoop(ctx context.Context, conn *websocket.Conn, agentID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			notify(ctx, conn, "agent.heartbeat", map[string]any{
				"agent_id":       agentID,
				"timestamp":      time.Now().UTC().Format(time.RFC3339),
				"cpu_percent":    3.5,
				"memory_percent": 41.0,
				"uptime_seconds": int(time.Since(start).Seconds()),
			})
		}
	}
}

func notify(ctx context.Context, conn *websocket.Conn, method string, params any) {
	raw, err := json.Marshal(params)
	if err != nil {
		log.Printf("marshal %s params: %v", method, err)
		return
	}
	msg := rpcMessage{JSONRPC: "2.0", Method: method, Params: raw}
	if err := wsjson.Write(ctx, conn, msg); err != nil {
		log.Printf("send %s error: %v", method, err)
	}
}
