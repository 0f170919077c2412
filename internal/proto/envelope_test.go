package proto

import (
	"bytes"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(MsgHello, "sender-1", 3, "alpha", 1, HelloPayload{Nick: "ace", Port: 7777})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	env.Ack = 2
	env.AckBits = 1
	env.SetFlag(FlagReliable)
	env.MAC = "deadbeef"

	raw, err := Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != MsgHello || got.Sender != "sender-1" || got.Seq != 3 {
		t.Fatalf("header mismatch: %+v", got)
	}
	if got.Ack != 2 || got.AckBits != 1 {
		t.Fatalf("ack fields mismatch: ack=%d bits=%d", got.Ack, got.AckBits)
	}
	if !got.HasFlag(FlagReliable) || got.HasFlag(FlagAckOnly) {
		t.Fatalf("flags mismatch: %v", got.Flags)
	}
	var hello HelloPayload
	if err := UnmarshalPayload(got, &hello); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if hello.Nick != "ace" || hello.Port != 7777 {
		t.Fatalf("payload mismatch: %+v", hello)
	}
}

func TestMACInputDeterministic(t *testing.T) {
	env, err := NewEnvelope(MsgPing, "sender-1", 1, "alpha", 1, PingPayload{TS: 9})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	first, err := env.MACInput()
	if err != nil {
		t.Fatalf("mac input: %v", err)
	}
	second, err := env.MACInput()
	if err != nil {
		t.Fatalf("mac input: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("canonical bytes unstable across calls")
	}

	// The mac field itself must not contribute.
	env.MAC = "ffff"
	withMAC, err := env.MACInput()
	if err != nil {
		t.Fatalf("mac input: %v", err)
	}
	if !bytes.Equal(first, withMAC) {
		t.Fatalf("mac field leaked into canonical bytes")
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode(nil); err == nil {
		t.Fatalf("decoded empty datagram")
	}
	if _, err := Decode([]byte{0xc1, 0x00, 0x01}); err == nil {
		t.Fatalf("decoded invalid msgpack")
	}
	if _, err := Decode(make([]byte, MaxDatagramSize+1)); err == nil {
		t.Fatalf("decoded oversize datagram")
	}
}

func TestDecodeRequiresTypeAndSender(t *testing.T) {
	env, err := NewEnvelope(MsgPing, "sender-1", 1, "alpha", 1, nil)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	env.Type = ""
	raw, err := Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := Decode(raw); err == nil {
		t.Fatalf("decoded envelope without type")
	}

	env.Type = MsgPing
	env.Sender = ""
	raw, err = Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := Decode(raw); err == nil {
		t.Fatalf("decoded envelope without sender")
	}
}

func TestUnknownTypeSurvivesDecode(t *testing.T) {
	env, err := NewEnvelope("FUTURE_THING", "sender-1", 1, "alpha", 1, map[string]any{"x": 1})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	raw, err := Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("unknown type failed decode: %v", err)
	}
	if got.Type != "FUTURE_THING" || len(got.Payload) == 0 {
		t.Fatalf("unknown type not carried through: %+v", got)
	}
}
