package policy

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"starmesh/internal/crypto"
)

const hashLen = 16

// Policy is the process-wide protocol configuration. A Policy value is
// immutable once constructed; reload means building a new value and swapping
// the pointer under a single writer, never mutating fields in place.
type Policy struct {
	MinProtocolVersion int
	MaxProtocolVersion int
	ProtocolEpoch      int
	MaxEventHops       int
	PacketsPerSec      int
	Hash               string

	reliableTypes map[string]struct{}
}

type fileSchema struct {
	MinProtocolVersion int      `json:"min_protocol_version"`
	MaxProtocolVersion int      `json:"max_protocol_version"`
	ProtocolEpoch      int      `json:"protocol_epoch"`
	MaxEventHops       int      `json:"max_event_hops"`
	ReliableEventTypes []string `json:"reliable_event_types"`
	RateLimits         struct {
		PacketsPerSec int `json:"packets_per_sec"`
	} `json:"rate_limits"`
}

func defaultSchema() fileSchema {
	var d fileSchema
	d.MinProtocolVersion = 1
	d.MaxProtocolVersion = 1
	d.ProtocolEpoch = 1
	d.MaxEventHops = 2
	d.ReliableEventTypes = []string{
		"battle",
		"market_trade",
		"chat",
		"mission_complete",
		"tech_upgrade",
		"jump",
		"defense_upgrade",
		"alliance_join",
		"alliance_create",
		"alliance_rename",
		"alliance_leave",
		"alliance_kick",
	}
	d.RateLimits.PacketsPerSec = 120
	return d
}

// Default returns the built-in policy.
func Default() *Policy {
	return build(defaultSchema())
}

// Load reads a policy file, falling back to defaults when the file does not
// exist. Any parse error is surfaced: a half-read policy is worse than no
// file at all.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	d := defaultSchema()
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse policy %s: %w", path, err)
	}
	if d.MaxProtocolVersion < d.MinProtocolVersion {
		return nil, fmt.Errorf("policy %s: max version %d below min %d", path, d.MaxProtocolVersion, d.MinProtocolVersion)
	}
	return build(d), nil
}

func build(d fileSchema) *Policy {
	rel := make(map[string]struct{}, len(d.ReliableEventTypes))
	for _, t := range d.ReliableEventTypes {
		rel[t] = struct{}{}
	}
	return &Policy{
		MinProtocolVersion: d.MinProtocolVersion,
		MaxProtocolVersion: d.MaxProtocolVersion,
		ProtocolEpoch:      d.ProtocolEpoch,
		MaxEventHops:       d.MaxEventHops,
		PacketsPerSec:      d.RateLimits.PacketsPerSec,
		Hash:               hashSchema(d),
		reliableTypes:      rel,
	}
}

// hashSchema hashes the canonical form for diagnostics and compatibility
// checks between operators. It plays no part in authentication.
func hashSchema(d fileSchema) string {
	types := append([]string(nil), d.ReliableEventTypes...)
	sort.Strings(types)
	d.ReliableEventTypes = types
	canonical, err := json.Marshal(d)
	if err != nil {
		return ""
	}
	return hex.EncodeToString(crypto.SHA3_256(canonical))[:hashLen]
}

// Reliable reports whether events of the given type must be sent with
// retransmission. High-frequency low-stakes types stay unreliable to avoid
// retransmission storms.
func (p *Policy) Reliable(eventType string) bool {
	_, ok := p.reliableTypes[eventType]
	return ok
}

// AcceptsVersion reports whether a remote protocol version is within bounds.
func (p *Policy) AcceptsVersion(v int) bool {
	return v >= p.MinProtocolVersion && v <= p.MaxProtocolVersion
}
