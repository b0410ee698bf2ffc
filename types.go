package hrfsring

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
)

// Hash is a fixed-width hash value. Hashes order as big-endian unsigned
// integers, which is plain lexicographic byte order.
type Hash []byte

// Compare returns -1, 0 or +1 like bytes.Compare.
func (h Hash) Compare(other Hash) int {
	return bytes.Compare(h, other)
}

// Equal reports whether both hashes hold the same bytes.
func (h Hash) Equal(other Hash) bool {
	return bytes.Equal(h, other)
}

// String returns the lowercase hex encoding.
func (h Hash) String() string {
	return hex.EncodeToString(h)
}

// ParseHash decodes a hex encoded hash.
func ParseHash(s string) (Hash, error) {
	var b, err = hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode hash %q: %w", s, err)
	}
	return Hash(b), nil
}

// Endpoint is the network address of a node's storage RPC.
type Endpoint struct {
	Host string
	Port int
}

// String returns host:port.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// ParseEndpoint parses a host:port string.
func ParseEndpoint(s string) (Endpoint, error) {
	var host, portStr, err = net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("failed to parse endpoint %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("invalid port in endpoint %q", s)
	}
	return Endpoint{Host: host, Port: port}, nil
}

// RingNode is one member of the cluster: a stable hash identity plus the
// endpoint it is reachable at. Two nodes are equal iff their hashes are.
type RingNode struct {
	Hash     Hash
	Endpoint Endpoint
}

// Equal compares nodes by hash only.
func (n RingNode) Equal(other RingNode) bool {
	return n.Hash.Equal(other.Hash)
}

func (n RingNode) String() string {
	return fmt.Sprintf("%s@%s", n.Hash, n.Endpoint)
}

// Ring is the immutable placement table mapping the hash space to members.
// Every change returns a new Ring, so snapshots can be shared between
// goroutines without locking.
type Ring struct {
	hashFunctionID string
	members        []RingNode // sorted by hash ascending, unique hashes
}

// ClusterClient is implemented by the owning storage node. It supplies the
// endpoint embedded into this node's RingNode.
type ClusterClient interface {
	RPCAddress() string
	RPCPort() int
}

// RingListener receives ring changes and session loss from a RingWatcher.
// Callbacks run on the watcher goroutine and must not block for long.
type RingListener interface {
	RingUpdateHandler(ring *Ring)
	ClosedHandler(reason error)
}
