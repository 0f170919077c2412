package identity

import (
	"encoding/hex"
	"fmt"
	"os"

	"starmesh/internal/crypto"
	"starmesh/internal/proto"
)

const SenderIDLen = 32

// Identity is a node's long-lived secret plus the sender id derived from it.
// The id is what appears in envelope sender fields and peer tables.
type Identity struct {
	SenderID string
	secret   []byte
}

func New(secretHex string) (*Identity, error) {
	secret, err := crypto.HexKey(secretHex)
	if err != nil {
		return nil, fmt.Errorf("identity secret: %w", err)
	}
	id := hex.EncodeToString(crypto.KDF("starmesh:sender:v1", secret))[:SenderIDLen]
	return &Identity{SenderID: id, secret: secret}, nil
}

func (i *Identity) SignBytes(data []byte) string {
	return hex.EncodeToString(crypto.HMACSHA256(i.secret, data))
}

// DeriveShardKey derives the per-shard signing key from the shard name and
// protocol epoch, optionally salted with an operator secret (flag or
// STARMESH_SHARD_SECRET).
//
// With no operator secret the key is publicly computable from the shard name
// and epoch. That is deliberate: the MAC then defends against accidental
// cross-shard/cross-epoch interference and casual spoofing, and gives honest
// nodes a clean epoch rotation mechanism. It is NOT protection against a
// malicious client that knows this formula. Operators who need the stronger
// property must set a shared secret out of band.
func DeriveShardKey(shard string, epoch int, operatorSecret string) []byte {
	s := operatorSecret
	if s == "" {
		s = os.Getenv("STARMESH_SHARD_SECRET")
	}
	material := fmt.Sprintf("starmesh:%s:epoch:%d:%s", shard, epoch, s)
	return crypto.SHA3_256([]byte(material))
}

// ShardAuthenticator computes and verifies envelope MACs with a per-shard key.
// Both operations are pure functions over the key material.
type ShardAuthenticator struct {
	key []byte
}

func NewShardAuthenticator(key []byte) *ShardAuthenticator {
	k := make([]byte, len(key))
	copy(k, key)
	return &ShardAuthenticator{key: k}
}

// Sign returns the hex MAC over the envelope's canonical bytes (mac field
// absent).
func (a *ShardAuthenticator) Sign(env proto.Envelope) (string, error) {
	body, err := env.MACInput()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(crypto.HMACSHA256(a.key, body)), nil
}

// Verify recomputes the MAC and compares in constant time. A mismatch is a
// reject for the caller to act on, never an abort.
func (a *ShardAuthenticator) Verify(env proto.Envelope) bool {
	sum, err := hex.DecodeString(env.MAC)
	if err != nil || len(sum) != crypto.MACSize {
		return false
	}
	body, err := env.MACInput()
	if err != nil {
		return false
	}
	return crypto.VerifyHMAC(a.key, body, sum)
}
