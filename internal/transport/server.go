package transport

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"relaycore/internal/logging"
	"relaycore/internal/protocol"
	"relaycore/internal/registry"
)

// Dispatcher receives every non-registry envelope read from a worker
// connection (task:stream, task:complete, task:error, task:question,
// task:permission, file:transfer_ack, team:update).
type Dispatcher interface {
	HandleEnvelope(workerName string, env protocol.Envelope)
}

// Server upgrades inbound HTTP connections to WebSocket and runs the
// per-connection authenticate-then-read loop (§4.2 Register).
type Server struct {
	Registry    *registry.Registry
	Dispatcher  Dispatcher
	AuthTimeout time.Duration

	upgrader websocket.Upgrader
	log      logging.Logger
}

// NewServer returns a Server ready to mount at the coordinator's /ws
// route.
func NewServer(reg *registry.Registry, dispatcher Dispatcher) *Server {
	return &Server{
		Registry:    reg,
		Dispatcher:  dispatcher,
		AuthTimeout: 10 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: logging.NewComponentLogger("TransportServer"),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed: %v", err)
		return
	}
	conn := NewConn(ws)

	name, ok := s.handshake(conn)
	if !ok {
		_ = conn.Close()
		return
	}

	stop := make(chan struct{})
	go conn.PingLoop(stop)
	defer close(stop)

	err = conn.ReadLoop(func(frame []byte) error {
		s.handleFrame(name, frame)
		return nil
	})
	if err != nil {
		s.log.Info("worker %q connection closed: %v", name, err)
	}
	s.Registry.Disconnect(name)
}

// handshake waits up to AuthTimeout for a worker:register frame and runs
// it through the registry. It returns the worker's name and whether
// authentication succeeded.
func (s *Server) handshake(conn *Conn) (string, bool) {
	deadline := time.Now().Add(s.AuthTimeout)
	_ = conn.ws.SetReadDeadline(deadline)

	_, frame, err := conn.ws.ReadMessage()
	if err != nil {
		s.log.Warn("handshake read failed: %v", err)
		return "", false
	}
	env, err := protocol.Decode(frame)
	if err != nil || env.Type != protocol.TagWorkerRegister {
		s.log.Warn("handshake expected worker:register, got error=%v type=%v", err, env.Type)
		return "", false
	}
	var payload protocol.WorkerRegisterPayload
	if err := env.DecodePayload(&payload); err != nil {
		s.log.Warn("handshake payload decode failed: %v", err)
		return "", false
	}

	ack := s.Registry.Register(payload, conn)
	ack.ProtocolVersion = protocol.ProtocolVersion
	if payload.ProtocolVersion != "" && payload.ProtocolVersion != protocol.ProtocolVersion {
		ack.VersionMismatch = true
		s.log.Warn("worker %q reports protocol version %q, expected %q", payload.Name, payload.ProtocolVersion, protocol.ProtocolVersion)
	}
	ackFrame, err := protocol.Encode(protocol.TagWorkerRegisterAck, ack, "", payload.Name)
	if err == nil {
		_ = conn.Send(ackFrame)
	}
	return payload.Name, ack.Success
}

func (s *Server) handleFrame(workerName string, frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		s.log.Warn("discarding malformed frame from %q: %v", workerName, err)
		return
	}
	if env.Type == protocol.TagWorkerHeartbeat {
		var payload protocol.WorkerHeartbeatPayload
		if err := env.DecodePayload(&payload); err != nil {
			return
		}
		ok := s.Registry.Heartbeat(workerName, payload)
		ackFrame, encErr := protocol.Encode(protocol.TagWorkerHeartbeatAck, protocol.WorkerHeartbeatAckPayload{Acknowledged: ok}, "", workerName)
		if encErr == nil {
			s.Registry.SendToWorker(workerName, ackFrame)
		}
		return
	}
	if s.Dispatcher != nil {
		s.Dispatcher.HandleEnvelope(workerName, env)
	}
}
