package wire

import (
	"encoding/json"
	"fmt"

	"github.com/danmuck/gatectl/internal/faults"
)

// Envelope is one push-channel message.
// Seq and Type are only set on inbound dispatch envelopes.
type Envelope struct {
	Op   Opcode          `json:"op"`
	Data json.RawMessage `json:"d"`
	Seq  *int64          `json:"s,omitempty"`
	Type string          `json:"t,omitempty"`
}

// HasSeq reports whether the envelope carries a sequence number.
func (e Envelope) HasSeq() bool {
	return e.Seq != nil
}

// NewEnvelope encodes payload as the data field of an outbound envelope.
func NewEnvelope(op Opcode, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: encode %s payload: %w", op, err)
	}
	return Envelope{Op: op, Data: data}, nil
}

// Marshal encodes the envelope for an outbound text frame.
func (e Envelope) Marshal() ([]byte, error) {
	if e.Data == nil {
		e.Data = json.RawMessage("null")
	}
	return json.Marshal(e)
}

// DecodeData unmarshals the data field into out.
func (e Envelope) DecodeData(out any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s envelope missing data", faults.ErrProtocolViolation, e.Op)
	}
	if err := json.Unmarshal(e.Data, out); err != nil {
		return fmt.Errorf("%w: decode %s data: %v", faults.ErrProtocolViolation, e.Op, err)
	}
	return nil
}

// Unmarshal decodes one raw json envelope.
func Unmarshal(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: decode envelope: %v", faults.ErrProtocolViolation, err)
	}
	return env, nil
}
