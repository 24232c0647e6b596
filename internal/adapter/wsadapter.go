package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jandersen-uva/mocap-coordinator/internal/command"
	"github.com/jandersen-uva/mocap-coordinator/internal/logger"
)

func init() {
	Register("websocket", func() Adapter { return &WebSocketAdapter{} })
}

const (
	healthDeadline = 5 * time.Second
	idleDeadline   = 5 * time.Second
	overallCap     = 30 * time.Second
)

// WebSocketAdapter is the reference-dialect adapter (spec §4.8, §6): it
// opens one outbound WebSocket per command to ws://ip:port, sends a
// single-line text payload, and for health commands awaits exactly one
// reply. It is grounded in OBSinterface.py/ShogunInterface.py's
// _send_to_X coroutine, translated from asyncio connect/send/recv into a
// goroutine using gorilla/websocket (the library the teacher already
// uses for its own WebSocket hub in
// internal/desktop/visualizer/websocket.go).
type WebSocketAdapter struct {
	reply Reply
	role  string // this device's configured role; a setPath command is only honored when its own "role" field matches
	log   *logger.Logger
	dial  func(ctx context.Context, urlStr string) (*websocket.Conn, error)
}

// Init implements Adapter.
func (a *WebSocketAdapter) Init(reply Reply, config map[string]any) {
	a.reply = reply
	if r, ok := config["role"].(string); ok {
		a.role = r
	}
	a.log = logger.NewComponentLogger("WebSocketAdapter")
	if a.dial == nil {
		a.dial = dialWS
	}
}

func dialWS(ctx context.Context, urlStr string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, urlStr, nil)
	return conn, err
}

// Handle implements Adapter.
func (a *WebSocketAdapter) Handle(cmd command.Command) {
	payload, ok := a.buildPayload(cmd)
	if !ok {
		return // unknown type or role-filtered: no-op
	}

	ip := cmd.String("ip")
	port := cmd["port"]
	if ip == "" || isZeroPort(port) {
		return
	}

	target := (&url.URL{Scheme: "ws", Host: fmt.Sprintf("%s:%v", ip, port)}).String()

	if cmd.Type() == command.TypeHealth {
		go a.runHealthCheck(target, payload)
		return
	}

	go a.runCommand(target, payload)
}

func isZeroPort(p any) bool {
	switch v := p.(type) {
	case int:
		return v == 0
	case int64:
		return v == 0
	case float64:
		return v == 0
	default:
		return true
	}
}

// buildPayload maps a canonical command to the reference wire dialect
// (spec §6), mirroring OBSinterface.py's _build_payload.
func (a *WebSocketAdapter) buildPayload(cmd command.Command) (string, bool) {
	switch cmd.Type() {
	case command.TypeRecordStart:
		return "Start", true
	case command.TypeRecordStop:
		return "Stop", true
	case command.TypeFileName, command.TypeBroadcastGlos:
		return "SetName " + cmd.String("value"), true
	case command.TypeHealth:
		return "health", true
	case command.TypeSetPath:
		if cmd.String("role") != a.role {
			return "", false
		}
		return "SetPath " + cmd.String("value"), true
	default:
		return "", false
	}
}

func (a *WebSocketAdapter) runHealthCheck(target, payload string) {
	ctx, cancel := context.WithTimeout(context.Background(), healthDeadline)
	defer cancel()

	conn, err := a.dial(ctx, target)
	if err != nil {
		a.replyHealth(false, err.Error())
		return
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		a.replyHealth(false, err.Error())
		return
	}

	conn.SetReadDeadline(time.Now().Add(healthDeadline))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		a.replyHealth(false, err.Error())
		return
	}

	reply := string(msg)
	a.replyHealth(reply == "Good", reply)
}

func (a *WebSocketAdapter) replyHealth(ok bool, msg string) {
	a.reply(command.New(command.TypeHealthResponse, map[string]any{
		"value": ok,
		"msg":   msg,
	}))
}

func (a *WebSocketAdapter) runCommand(target, payload string) {
	ctx, cancel := context.WithTimeout(context.Background(), overallCap)
	defer cancel()

	conn, err := a.dial(ctx, target)
	if err != nil {
		a.log.Warn("connect to %s failed: %v", target, err)
		return
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		a.log.Warn("send to %s failed: %v", target, err)
		return
	}

	a.pumpReplies(conn)
}

// pumpReplies forwards JSON object frames verbatim onto C4 via reply,
// discarding non-JSON frames, bounded by an idle deadline and an overall
// cap (spec §4.8), grounded in OBSinterface.py's _pump_incoming.
func (a *WebSocketAdapter) pumpReplies(conn *websocket.Conn) {
	overall := time.NewTimer(overallCap)
	defer overall.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			conn.SetReadDeadline(time.Now().Add(idleDeadline))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var obj map[string]any
			if err := json.Unmarshal(msg, &obj); err != nil {
				a.log.Debug("discarding non-JSON frame from adapter connection")
				continue
			}
			a.reply(command.Command(obj))
		}
	}()

	select {
	case <-done:
	case <-overall.C:
		conn.Close()
		<-done
	}
}
