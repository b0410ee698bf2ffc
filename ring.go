package hrfsring

import (
	"fmt"
	"sort"
	"strings"
)

// NewRing creates an empty ring tagged with the hash function in effect.
func NewRing(hashFunctionID string) *Ring {
	return &Ring{
		hashFunctionID: hashFunctionID,
		members:        make([]RingNode, 0),
	}
}

// CreateNode builds a ring member. It has no side effects.
func CreateNode(hash Hash, endpoint Endpoint) RingNode {
	return RingNode{
		Hash:     append(Hash(nil), hash...),
		Endpoint: endpoint,
	}
}

// HashFunctionID returns the name of the ring's hash function.
func (r *Ring) HashFunctionID() string {
	return r.hashFunctionID
}

// HashFunction resolves the ring's hash function, nil if the id is unknown.
func (r *Ring) HashFunction() HashFunction {
	return LookupHashFunction(r.hashFunctionID)
}

// Len returns the number of members.
func (r *Ring) Len() int {
	return len(r.members)
}

// Members returns a copy of the members ordered by hash.
func (r *Ring) Members() []RingNode {
	var out = make([]RingNode, len(r.members))
	copy(out, r.members)
	return out
}

// Add returns a new ring containing every member of r plus node.
// A member with the same hash is replaced, the last writer wins. Callers that
// do not want that check Contains first.
func (r *Ring) Add(node RingNode) *Ring {
	var (
		idx     = r.search(node.Hash)
		members = make([]RingNode, 0, len(r.members)+1)
	)

	members = append(members, r.members[:idx]...)
	members = append(members, CreateNode(node.Hash, node.Endpoint))
	if idx < len(r.members) && r.members[idx].Hash.Equal(node.Hash) {
		idx++
	}
	members = append(members, r.members[idx:]...)

	return &Ring{hashFunctionID: r.hashFunctionID, members: members}
}

// Remove returns a new ring without the member holding node's hash.
func (r *Ring) Remove(node RingNode) *Ring {
	var members = make([]RingNode, 0, len(r.members))
	for _, member := range r.members {
		if !member.Equal(node) {
			members = append(members, member)
		}
	}
	return &Ring{hashFunctionID: r.hashFunctionID, members: members}
}

// Contains reports whether a member with node's hash exists.
func (r *Ring) Contains(node RingNode) bool {
	var idx = r.search(node.Hash)
	return idx < len(r.members) && r.members[idx].Hash.Equal(node.Hash)
}

// Member returns the member with exactly the given hash.
func (r *Ring) Member(hash Hash) (RingNode, bool) {
	var idx = r.search(hash)
	if idx < len(r.members) && r.members[idx].Hash.Equal(hash) {
		return r.members[idx], true
	}
	return RingNode{}, false
}

// Get returns the member responsible for hash: the member with the smallest
// hash >= the query, wrapping around to the first member when the query is
// past the last one. It returns false only for an empty ring.
func (r *Ring) Get(hash Hash) (RingNode, bool) {
	if len(r.members) == 0 {
		return RingNode{}, false
	}

	var idx = r.search(hash)
	if idx >= len(r.members) {
		idx = 0
	}
	return r.members[idx], true
}

// Lookup hashes key with the ring's hash function and returns its owner.
func (r *Ring) Lookup(key []byte) (RingNode, error) {
	var fn = r.HashFunction()
	if fn == nil {
		return RingNode{}, fmt.Errorf("%w: %q", ErrUnknownHashFunction, r.hashFunctionID)
	}
	var node, ok = r.Get(fn.Sum(key))
	if !ok {
		return RingNode{}, ErrEmptyRing
	}
	return node, nil
}

// Equal compares hash function ids and members, including endpoints.
func (r *Ring) Equal(other *Ring) bool {
	if r == other {
		return true
	}
	if r == nil || other == nil {
		return false
	}
	if r.hashFunctionID != other.hashFunctionID || len(r.members) != len(other.members) {
		return false
	}
	for i := range r.members {
		if !r.members[i].Hash.Equal(other.members[i].Hash) || r.members[i].Endpoint != other.members[i].Endpoint {
			return false
		}
	}
	return true
}

// search returns the index of the first member with hash >= target.
func (r *Ring) search(target Hash) int {
	return sort.Search(len(r.members), func(i int) bool {
		return r.members[i].Hash.Compare(target) >= 0
	})
}

// String returns a visual representation of the ring.
func (r *Ring) String() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("Ring (hash: %s) | Members: %d\n", r.hashFunctionID, len(r.members)))

	if len(r.members) == 0 {
		b.WriteString("\n[Empty Ring]\n")
		return b.String()
	}

	b.WriteString("\nRing Topology:\n")
	b.WriteString("┌─────────────────────────────────────────────────────────────┐\n")

	for i, member := range r.members {
		var prev = r.members[len(r.members)-1]
		if i > 0 {
			prev = r.members[i-1]
		}

		var rangeStr = fmt.Sprintf("(%.8s..%.8s]", prev.Hash, member.Hash)
		if i == 0 {
			rangeStr = fmt.Sprintf("(%.8s..max,0..%.8s]", prev.Hash, member.Hash)
		}

		b.WriteString(fmt.Sprintf("│ @%.12s  %-21s  %s\n", member.Hash, member.Endpoint, rangeStr))
	}

	b.WriteString("└─────────────────────────────────────────────────────────────┘\n")
	return b.String()
}
