package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// Fixed suite: SHA3-256 for identifiers and content hashes, HMAC-SHA256 for
// shard message authentication. No negotiation on the wire.

const MACSize = sha256.Size

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

// KDF hashes a label followed by the given parts. Labels keep derivations for
// different purposes from colliding even when the input material overlaps.
func KDF(label string, parts ...[]byte) []byte {
	buf := make([]byte, 0, len(label))
	buf = append(buf, []byte(label)...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return SHA3_256(buf)
}

func HMACSHA256(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

// VerifyHMAC compares in constant time.
func VerifyHMAC(key, msg, sum []byte) bool {
	return hmac.Equal(HMACSHA256(key, msg), sum)
}

func HexKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("bad hex key: %w", err)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("empty key")
	}
	return key, nil
}
