package proto

// Typed payload variants, one per message type. The mesh itself only ever
// inspects EVENT_BATCH hops and ids; everything else is decoded at the daemon
// boundary.

type HelloPayload struct {
	Nick string `msgpack:"nick"`
	Port int    `msgpack:"port"`
}

type PeerEntry struct {
	ID   string `msgpack:"id"`
	Host string `msgpack:"host"`
	Port int    `msgpack:"port"`
	Nick string `msgpack:"nick"`
}

type PeerListPayload struct {
	Peers []PeerEntry `msgpack:"peers"`
}

type PingPayload struct {
	TS int64 `msgpack:"ts"`
}

type PongPayload struct {
	TS int64 `msgpack:"ts"`
}

type EventBatchPayload struct {
	Events []Event `msgpack:"events"`
}

type AllianceInvitePayload struct {
	Target     string `msgpack:"target"`
	AllianceID string `msgpack:"alliance_id"`
}

type SnapshotHashPayload struct {
	Hash string `msgpack:"hash"`
}

type SnapshotReqPayload struct {
	ReqID string `msgpack:"req_id"`
}

// PlayerRecord is the compact snapshot form of a player. Only fields the
// conservative merge is allowed to create from scratch appear here.
type PlayerRecord struct {
	PlayerID   string `msgpack:"player_id"`
	Nick       string `msgpack:"nick"`
	Credits    int64  `msgpack:"credits"`
	Ore        int64  `msgpack:"ore"`
	Gas        int64  `msgpack:"gas"`
	Crystal    int64  `msgpack:"crystal"`
	HP         int    `msgpack:"hp"`
	Sector     int    `msgpack:"sector"`
	AllianceID string `msgpack:"alliance_id"`
}

type SnapshotResPayload struct {
	ReqID   string         `msgpack:"req_id"`
	Players []PlayerRecord `msgpack:"players"`
	Hash    string         `msgpack:"hash"`
}

type AckPayload struct {
	For uint64 `msgpack:"for"`
}
