// Package bridge implements the Upstream Bridge (SPEC_FULL §4.13): an
// outbound WebSocket client that connects to an external front-end,
// translates its frames into canonical commands, and publishes them on
// C4. It is grounded in _examples/original_source/listen_server.py's
// ListenServer, which dynamically imports a module + entrypoint coroutine
// and runs it on a dedicated thread/event loop; Go has no safe
// equivalent to that dynamic import, so the bridge is a fixed goroutine
// dialing a configured URI, reconnecting with backoff via
// internal/xerrors.RetryForever instead of re-resolving a module path.
package bridge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jandersen-uva/mocap-coordinator/internal/bus"
	"github.com/jandersen-uva/mocap-coordinator/internal/command"
	"github.com/jandersen-uva/mocap-coordinator/internal/logger"
	"github.com/jandersen-uva/mocap-coordinator/internal/xerrors"
)

// Config configures the bridge (spec §6 listen_server block).
type Config struct {
	URI string
}

// Bridge owns the outbound connection lifecycle.
type Bridge struct {
	cfg  Config
	bus  *bus.Bus
	log  *logger.Logger
	dial func(ctx context.Context, uri string) (*websocket.Conn, error)
}

// New creates a Bridge.
func New(cfg Config, b *bus.Bus) *Bridge {
	return &Bridge{
		cfg:  cfg,
		bus:  b,
		log:  logger.NewComponentLogger("Bridge"),
		dial: dial,
	}
}

func dial(ctx context.Context, uri string) (*websocket.Conn, error) {
	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := d.DialContext(ctx, uri, nil)
	return conn, err
}

// Run blocks, maintaining a connection to the upstream front-end until
// ctx is cancelled, reconnecting with backoff on any disconnect.
func (b *Bridge) Run(ctx context.Context) {
	retryCfg := xerrors.DefaultRetryConfig()
	retryCfg.MaxDelay = 30 * time.Second

	for ctx.Err() == nil {
		err := xerrors.RetryForever(ctx, "bridge connect", retryCfg, func() error {
			return b.connectAndPump(ctx)
		})
		if err != nil && ctx.Err() == nil {
			b.log.Warn("bridge connection ended: %v", err)
		}
	}
}

func (b *Bridge) connectAndPump(ctx context.Context) error {
	conn, err := b.dial(ctx, b.cfg.URI)
	if err != nil {
		return err
	}
	defer conn.Close()

	b.log.Info("connected to upstream front-end at %s", b.cfg.URI)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		cmd, ok := translate(msg)
		if !ok {
			b.log.Debug("discarding unrecognized upstream frame")
			continue
		}
		b.bus.Publish(cmd)
	}
}

// translate normalizes an upstream frame into the canonical Command
// shape (§3). The reference front-end already speaks the canonical
// schema (a flat {type, ...} JSON object), so this is a direct decode;
// a differently-shaped front-end would plug in its own mapping here.
func translate(raw []byte) (command.Command, bool) {
	var cmd command.Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, false
	}
	if cmd.Type() == "" {
		return nil, false
	}
	return cmd, true
}
