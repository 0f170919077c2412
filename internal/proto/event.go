package proto

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"starmesh/internal/crypto"
)

const EventIDLen = 24

// Event is an opaque simulation event as the mesh carries it: the mesh
// deduplicates on ID and decays Hops, and never interprets Payload.
type Event struct {
	ID      string         `msgpack:"event_id"`
	Type    string         `msgpack:"event_type"`
	Sender  string         `msgpack:"sender"`
	Hops    int            `msgpack:"hops"`
	Payload map[string]any `msgpack:"payload"`
}

// EventID derives a content id from the producing node, its local event
// counter, a millisecond timestamp and the payload. encoding/json sorts map
// keys, so the payload contribution is order-independent.
func EventID(sender string, counter uint64, ts int64, payload map[string]any) string {
	body, err := json.Marshal(payload)
	if err != nil {
		body = []byte("{}")
	}
	raw := fmt.Sprintf("%s:%d:%d:%s", sender, counter, ts, body)
	return hex.EncodeToString(crypto.SHA3_256([]byte(raw)))[:EventIDLen]
}
