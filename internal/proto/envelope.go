package proto

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	ProtocolVersion = 1

	// MaxDatagramSize bounds both encode and decode. Envelopes ride single UDP
	// datagrams; anything larger is a protocol error.
	MaxDatagramSize = 60 << 10
)

const (
	MsgHello          = "HELLO"
	MsgPeerList       = "PEER_LIST"
	MsgPing           = "PING"
	MsgPong           = "PONG"
	MsgEventBatch     = "EVENT_BATCH"
	MsgAllianceInvite = "ALLIANCE_INVITE"
	MsgSnapshotHash   = "SNAPSHOT_HASH"
	MsgSnapshotReq    = "SNAPSHOT_REQ"
	MsgSnapshotRes    = "SNAPSHOT_RES"
	MsgAck            = "ACK"
)

const (
	FlagReliable = "reliable"
	FlagAckOnly  = "ack_only"
)

// Envelope is the single wire unit. The schema is fixed: msgpack encodes the
// fields in declaration order, so encoding the same envelope always yields the
// same bytes. That determinism is what makes MACInput a canonical signing
// input. Retransmission must resend stored signed bytes, never re-encode.
type Envelope struct {
	V       int                `msgpack:"v"`
	Type    string             `msgpack:"type"`
	Sender  string             `msgpack:"sender"`
	Seq     uint64             `msgpack:"seq"`
	Ack     uint64             `msgpack:"ack"`
	AckBits uint64             `msgpack:"ack_bits"`
	TS      int64              `msgpack:"ts"`
	Shard   string             `msgpack:"shard"`
	Epoch   int                `msgpack:"epoch"`
	Flags   []string           `msgpack:"flags"`
	Payload msgpack.RawMessage `msgpack:"payload"`
	MAC     string             `msgpack:"mac"`
}

func NewEnvelope(msgType, sender string, seq uint64, shard string, epoch int, payload any) (Envelope, error) {
	raw, err := msgpack.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	return Envelope{
		V:       ProtocolVersion,
		Type:    msgType,
		Sender:  sender,
		Seq:     seq,
		TS:      time.Now().UnixMilli(),
		Shard:   shard,
		Epoch:   epoch,
		Payload: raw,
	}, nil
}

func (e Envelope) HasFlag(flag string) bool {
	for _, f := range e.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

func (e *Envelope) SetFlag(flag string) {
	if !e.HasFlag(flag) {
		e.Flags = append(e.Flags, flag)
	}
}

// MACInput returns the canonical bytes the MAC covers: the envelope with the
// mac field emptied.
func (e Envelope) MACInput() ([]byte, error) {
	e.MAC = ""
	return msgpack.Marshal(e)
}

func Encode(e Envelope) ([]byte, error) {
	data, err := msgpack.Marshal(e)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxDatagramSize {
		return nil, fmt.Errorf("envelope too large: %d bytes", len(data))
	}
	return data, nil
}

func Decode(data []byte) (Envelope, error) {
	if len(data) == 0 || len(data) > MaxDatagramSize {
		return Envelope{}, fmt.Errorf("invalid datagram size %d", len(data))
	}
	var e Envelope
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}
	if e.Type == "" {
		return Envelope{}, fmt.Errorf("missing type")
	}
	if e.Sender == "" {
		return Envelope{}, fmt.Errorf("missing sender")
	}
	return e, nil
}

// UnmarshalPayload decodes the payload into the typed variant for the
// envelope's message type. Unknown message types keep their raw payload and
// are not a decode failure; callers pass them through untouched.
func UnmarshalPayload(e Envelope, v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return msgpack.Unmarshal(e.Payload, v)
}
