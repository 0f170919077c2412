package identity

import (
	"strings"
	"testing"

	"starmesh/internal/proto"
)

const testSecret = "6b6579206d6174657269616c20666f722074657374206e6f6465732020202020"

func TestSenderIDStable(t *testing.T) {
	a, err := New(testSecret)
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	b, err := New(testSecret)
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	if a.SenderID != b.SenderID {
		t.Fatalf("same secret produced different ids: %s vs %s", a.SenderID, b.SenderID)
	}
	if len(a.SenderID) != SenderIDLen {
		t.Fatalf("sender id length %d, want %d", len(a.SenderID), SenderIDLen)
	}
}

func TestSenderIDDiffersBySecret(t *testing.T) {
	a, err := New(testSecret)
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	other := strings.Repeat("ab", 32)
	b, err := New(other)
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	if a.SenderID == b.SenderID {
		t.Fatalf("different secrets produced the same id")
	}
}

func TestNewRejectsBadHex(t *testing.T) {
	if _, err := New("not hex"); err == nil {
		t.Fatalf("expected error for non-hex secret")
	}
}

func TestDeriveShardKeySeparation(t *testing.T) {
	base := DeriveShardKey("alpha", 1, "")
	if len(base) != 32 {
		t.Fatalf("key length %d, want 32", len(base))
	}
	if string(DeriveShardKey("alpha", 1, "")) != string(base) {
		t.Fatalf("derivation not deterministic")
	}
	if string(DeriveShardKey("beta", 1, "")) == string(base) {
		t.Fatalf("different shards share a key")
	}
	if string(DeriveShardKey("alpha", 2, "")) == string(base) {
		t.Fatalf("different epochs share a key")
	}
	if string(DeriveShardKey("alpha", 1, "operator")) == string(base) {
		t.Fatalf("operator secret did not change the key")
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	auth := NewShardAuthenticator(DeriveShardKey("alpha", 1, ""))
	env, err := proto.NewEnvelope(proto.MsgPing, "sender-1", 7, "alpha", 1, proto.PingPayload{TS: 42})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	env.MAC, err = auth.Sign(env)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !auth.Verify(env) {
		t.Fatalf("verify rejected a freshly signed envelope")
	}
	again, err := auth.Sign(env)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if again != env.MAC {
		t.Fatalf("signing twice produced different macs")
	}
}

func TestVerifyRejectsTamper(t *testing.T) {
	auth := NewShardAuthenticator(DeriveShardKey("alpha", 1, ""))
	env, err := proto.NewEnvelope(proto.MsgPing, "sender-1", 7, "alpha", 1, proto.PingPayload{TS: 42})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	env.MAC, err = auth.Sign(env)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	tampered := env
	tampered.Seq = 8
	if auth.Verify(tampered) {
		t.Fatalf("verify accepted a modified seq")
	}
	tampered = env
	tampered.Shard = "beta"
	if auth.Verify(tampered) {
		t.Fatalf("verify accepted a modified shard")
	}
	tampered = env
	tampered.MAC = ""
	if auth.Verify(tampered) {
		t.Fatalf("verify accepted an empty mac")
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	signer := NewShardAuthenticator(DeriveShardKey("alpha", 1, ""))
	verifier := NewShardAuthenticator(DeriveShardKey("alpha", 2, ""))
	env, err := proto.NewEnvelope(proto.MsgPing, "sender-1", 7, "alpha", 1, proto.PingPayload{TS: 42})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	env.MAC, err = signer.Sign(env)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if verifier.Verify(env) {
		t.Fatalf("verify accepted a mac from another epoch's key")
	}
}
