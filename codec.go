package hrfsring

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// RingFormatVersion is the version of the published ring document. Changing
// the document layout is a cluster-wide breaking upgrade.
const RingFormatVersion = 1

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type wireRing struct {
	Version      int          `json:"version"`
	HashFunction string       `json:"hashFunction"`
	Members      []wireMember `json:"members"`
}

type wireMember struct {
	Hash string `json:"hash"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// MarshalRing encodes a ring into the published document format.
func MarshalRing(r *Ring) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("failed to marshal ring: nil ring")
	}

	var doc = wireRing{
		Version:      RingFormatVersion,
		HashFunction: r.hashFunctionID,
		Members:      make([]wireMember, 0, len(r.members)),
	}
	for _, member := range r.members {
		doc.Members = append(doc.Members, wireMember{
			Hash: member.Hash.String(),
			Host: member.Endpoint.Host,
			Port: member.Endpoint.Port,
		})
	}

	var data, err = json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ring: %w", err)
	}
	return data, nil
}

// UnmarshalRing decodes a published ring. Every validation failure wraps
// ErrCorruptRing.
func UnmarshalRing(data []byte) (*Ring, error) {
	var doc wireRing
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorruptRing, err)
	}

	if doc.Version != RingFormatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptRing, doc.Version)
	}

	var fn = LookupHashFunction(doc.HashFunction)
	if fn == nil {
		return nil, fmt.Errorf("%w: %w %q", ErrCorruptRing, ErrUnknownHashFunction, doc.HashFunction)
	}

	if len(doc.Members) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrCorruptRing, ErrEmptyRing)
	}

	var ring = NewRing(fn.ID())
	for i, member := range doc.Members {
		var hash, err = ParseHash(member.Hash)
		if err != nil {
			return nil, fmt.Errorf("%w: member %d: %s", ErrCorruptRing, i, err)
		}
		if len(hash) != fn.Size() {
			return nil, fmt.Errorf("%w: member %d: hash has %d bytes, %s needs %d", ErrCorruptRing, i, len(hash), fn.ID(), fn.Size())
		}
		if member.Port <= 0 || member.Port > 65535 {
			return nil, fmt.Errorf("%w: member %d: invalid port %d", ErrCorruptRing, i, member.Port)
		}

		var node = CreateNode(hash, Endpoint{Host: member.Host, Port: member.Port})
		if ring.Contains(node) {
			return nil, fmt.Errorf("%w: duplicate member hash %s", ErrCorruptRing, hash)
		}
		ring = ring.Add(node)
	}

	return ring, nil
}
