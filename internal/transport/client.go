package transport

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/gorilla/websocket"

	"relaycore/internal/config"
	"relaycore/internal/logging"
	"relaycore/internal/protocol"
)

// ClientDispatcher receives every envelope the Coordinator sends to this
// Worker (task:assign, task:cancel, task:answer, task:permission_response,
// file:transfer).
type ClientDispatcher interface {
	HandleEnvelope(env protocol.Envelope)

	// CurrentTaskID returns the task id the Worker is presently executing,
	// or "" if it is idle. heartbeatLoop reports this on every tick so the
	// registry's busy/online status reflects reality instead of going
	// stale between heartbeats.
	CurrentTaskID() string
}

// ClientIdentity is the worker's self-description sent on every
// (re)connect handshake.
type ClientIdentity struct {
	Name               string
	OS                 string
	RuntimeVersion     string
	DefaultWorkingDir  string
	AllowedDirectories []string
}

// Client is the Worker-side reconnecting WebSocket client (§4.2, §5):
// exponential backoff with jitter, re-running the register handshake on
// every reconnect.
type Client struct {
	URL        string
	Secret     string
	Identity   ClientIdentity
	Dispatcher ClientDispatcher

	log  logging.Logger
	conn *Conn
}

// NewClient returns a Client ready for Run.
func NewClient(url, secret string, identity ClientIdentity, dispatcher ClientDispatcher) *Client {
	return &Client{
		URL:        url,
		Secret:     secret,
		Identity:   identity,
		Dispatcher: dispatcher,
		log:        logging.NewComponentLogger("TransportClient"),
	}
}

// Run connects, authenticates, and serves the read loop until ctx is
// cancelled, reconnecting with exponential backoff on every disconnect.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.connectOnce(ctx); err != nil {
			c.log.Warn("connection attempt %d failed: %v", attempt, err)
		}
		attempt++

		delay := backoff(attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) connectOnce(ctx context.Context) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	conn := NewConn(ws)
	c.conn = conn

	regFrame, err := protocol.Encode(protocol.TagWorkerRegister, protocol.WorkerRegisterPayload{
		Secret:             c.Secret,
		Name:               c.Identity.Name,
		OS:                 c.Identity.OS,
		RuntimeVersion:     c.Identity.RuntimeVersion,
		DefaultWorkingDir:  c.Identity.DefaultWorkingDir,
		AllowedDirectories: c.Identity.AllowedDirectories,
		ProtocolVersion:    protocol.ProtocolVersion,
	}, "", c.Identity.Name)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("encode register: %w", err)
	}
	if err := conn.Send(regFrame); err != nil {
		_ = conn.Close()
		return fmt.Errorf("send register: %w", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, ackFrame, err := ws.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("read register ack: %w", err)
	}
	ackEnv, err := protocol.Decode(ackFrame)
	if err != nil || ackEnv.Type != protocol.TagWorkerRegisterAck {
		_ = conn.Close()
		return fmt.Errorf("unexpected handshake reply")
	}
	var ack protocol.WorkerRegisterAckPayload
	if err := ackEnv.DecodePayload(&ack); err != nil || !ack.Success {
		_ = conn.Close()
		return fmt.Errorf("registration rejected: %s", ack.Reason)
	}
	if ack.VersionMismatch {
		c.log.Warn("protocol version mismatch reported by coordinator")
	}

	stop := make(chan struct{})
	go conn.PingLoop(stop)
	go c.heartbeatLoop(conn, stop)
	defer close(stop)

	c.log.Info("connected and registered as %q", c.Identity.Name)
	return conn.ReadLoop(func(frame []byte) error {
		env, err := protocol.Decode(frame)
		if err != nil {
			c.log.Warn("discarding malformed frame: %v", err)
			return nil
		}
		if c.Dispatcher != nil {
			c.Dispatcher.HandleEnvelope(env)
		}
		return nil
	})
}

func (c *Client) heartbeatLoop(conn *Conn, stop <-chan struct{}) {
	interval := time.Duration(config.HeartbeatInterval) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			var currentTaskID string
			if c.Dispatcher != nil {
				currentTaskID = c.Dispatcher.CurrentTaskID()
			}
			frame, err := protocol.Encode(protocol.TagWorkerHeartbeat, protocol.WorkerHeartbeatPayload{Status: "online", CurrentTaskID: currentTaskID}, "", c.Identity.Name)
			if err == nil {
				_ = conn.Send(frame)
			}
		case <-stop:
			return
		}
	}
}

// Send writes an encoded envelope to the current connection, if any.
func (c *Client) Send(tag protocol.Tag, payload any, taskID string) error {
	if c.conn == nil {
		return fmt.Errorf("transport: not connected")
	}
	frame, err := protocol.Encode(tag, payload, taskID, c.Identity.Name)
	if err != nil {
		return err
	}
	return c.conn.Send(frame)
}

// backoff returns the delay before reconnect attempt n (1-indexed),
// exponential with base config.ReconnectBaseMillis, capped at
// config.ReconnectCapMillis, with ±config.ReconnectJitter jitter (§5).
func backoff(attempt int) time.Duration {
	base := float64(config.ReconnectBaseMillis)
	cap := float64(config.ReconnectCapMillis)
	exp := base * float64(int64(1)<<uint(min(attempt-1, 20)))
	if exp > cap {
		exp = cap
	}
	jitter := 1 + (rand.Float64()*2-1)*config.ReconnectJitter
	return time.Duration(exp*jitter) * time.Millisecond
}
