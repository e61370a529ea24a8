// Package protocol defines the control-plane wire format shared by the
// Coordinator and every Worker: a tagged JSON envelope plus one payload type
// per message tag.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProtocolVersion is reported at handshake time. A mismatch is logged but
// never rejected.
const ProtocolVersion = "1.0.0"

// Tag identifies the shape of an envelope's payload.
type Tag string

const (
	TagWorkerRegister     Tag = "worker:register"
	TagWorkerRegisterAck  Tag = "worker:register_ack"
	TagWorkerHeartbeat    Tag = "worker:heartbeat"
	TagWorkerHeartbeatAck Tag = "worker:heartbeat_ack"
	TagTaskAssign         Tag = "task:assign"
	TagTaskStream         Tag = "task:stream"
	TagTaskComplete       Tag = "task:complete"
	TagTaskError          Tag = "task:error"
	TagTaskCancel         Tag = "task:cancel"
	TagTaskQuestion       Tag = "task:question"
	TagTaskAnswer         Tag = "task:answer"
	TagTaskPermission     Tag = "task:permission"
	TagTaskPermissionResp Tag = "task:permission_response"
	TagFileTransfer       Tag = "file:transfer"
	TagFileTransferAck    Tag = "file:transfer_ack"
	TagTeamUpdate         Tag = "team:update"
)

// Envelope wraps every control-plane message. Payload is kept as raw JSON so
// that decoding can be deferred until the tag is known.
type Envelope struct {
	Type      Tag             `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
	TaskID    string          `json:"taskId,omitempty"`
	WorkerID  string          `json:"workerId,omitempty"`
}

// envelopeWire mirrors Envelope but keeps Payload as a bare json.RawMessage
// so presence-vs-null can be distinguished during decode: an absent key
// leaves it empty, while a literal null is kept as the bytes "null".
type envelopeWire struct {
	Type      *Tag            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp *int64          `json:"timestamp"`
	TaskID    string          `json:"taskId,omitempty"`
	WorkerID  string          `json:"workerId,omitempty"`
}

// Encode serialises an envelope to JSON, stamping Timestamp with the current
// time.
func Encode(tag Tag, payload any, taskID, workerID string) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload for %s: %w", tag, err)
	}
	env := Envelope{
		Type:      tag,
		Payload:   raw,
		Timestamp: nowMillis(),
		TaskID:    taskID,
		WorkerID:  workerID,
	}
	return json.Marshal(env)
}

// Decode parses a raw frame into an Envelope, rejecting frames missing
// type, payload, or timestamp. A payload value of null/0/"" is valid; only a
// wholly absent key is rejected.
func Decode(frame []byte) (Envelope, error) {
	var wire envelopeWire
	if err := json.Unmarshal(frame, &wire); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if wire.Type == nil {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if len(wire.Payload) == 0 {
		return Envelope{}, fmt.Errorf("%w: missing payload", ErrMalformed)
	}
	if wire.Timestamp == nil {
		return Envelope{}, fmt.Errorf("%w: missing timestamp", ErrMalformed)
	}
	return Envelope{
		Type:      *wire.Type,
		Payload:   wire.Payload,
		Timestamp: *wire.Timestamp,
		TaskID:    wire.TaskID,
		WorkerID:  wire.WorkerID,
	}, nil
}

// DecodePayload decodes the envelope payload into dst.
func (e Envelope) DecodePayload(dst any) error {
	return json.Unmarshal(e.Payload, dst)
}

// ErrMalformed marks an envelope that fails §4.1's required-field check.
var ErrMalformed = fmt.Errorf("protocol: malformed envelope")

var nowMillis = func() int64 {
	return time.Now().UnixMilli()
}
