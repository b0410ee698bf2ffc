// Package coord describes the hierarchical coordination service the ring is
// built on: znode-style paths, ephemeral and sequential nodes, and single-shot
// change notifications.
//
// Backends live in subpackages (memory, etcdcoord, pgcoord). All of them share
// the same semantics so a cluster can be tested in-process and run against a
// real service without code changes.
package coord

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
)

// AnyVersion disables the version check of Set and Delete.
const AnyVersion int64 = -1

// SequenceDigits is the width of the zero-padded counter appended to
// sequential node names. Every implementation sharing a cluster must agree.
const SequenceDigits = 10

// Mode selects the lifetime and naming of a created node.
type Mode int

const (
	// Persistent nodes survive the session that created them.
	Persistent Mode = iota
	// Ephemeral nodes are deleted when the owning session ends.
	Ephemeral
	// EphemeralSequential nodes are ephemeral and get a per-parent counter suffix.
	EphemeralSequential
)

func (m Mode) String() string {
	switch m {
	case Persistent:
		return "persistent"
	case Ephemeral:
		return "ephemeral"
	case EphemeralSequential:
		return "ephemeral-sequential"
	default:
		return "mode(" + strconv.Itoa(int(m)) + ")"
	}
}

// IsEphemeral reports whether nodes created with m die with their session.
func (m Mode) IsEphemeral() bool {
	return m == Ephemeral || m == EphemeralSequential
}

// IsSequential reports whether nodes created with m get a sequence suffix.
func (m Mode) IsSequential() bool {
	return m == EphemeralSequential
}

// Stat is the metadata of a node.
type Stat struct {
	// Version counts data modifications, 0 right after creation.
	Version int64
	// EphemeralOwner is the owning session id, empty for persistent nodes.
	EphemeralOwner string
	// DataLength is the size of the node payload.
	DataLength int
}

// EventType classifies a watch notification.
type EventType int

const (
	EventNodeCreated EventType = iota + 1
	EventNodeDeleted
	EventNodeDataChanged
	EventNodeChildrenChanged
	// EventNotWatching is delivered when the watch can no longer fire,
	// e.g. because the session expired or was closed.
	EventNotWatching
)

func (t EventType) String() string {
	switch t {
	case EventNodeCreated:
		return "created"
	case EventNodeDeleted:
		return "deleted"
	case EventNodeDataChanged:
		return "data-changed"
	case EventNodeChildrenChanged:
		return "children-changed"
	case EventNotWatching:
		return "not-watching"
	default:
		return "event(" + strconv.Itoa(int(t)) + ")"
	}
}

// State is the session state carried by an event.
type State int

const (
	StateConnected State = iota
	StateExpired
	StateAuthFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateExpired:
		return "expired"
	case StateAuthFailed:
		return "auth-failed"
	case StateClosed:
		return "closed"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Event is a single watch notification.
type Event struct {
	Type  EventType
	Path  string
	State State
	// Err is set for EventNotWatching and explains why the watch ended.
	Err error
}

// Session is one client session with the coordination service.
//
// Every *W method registers a single-shot watch: the returned channel delivers
// exactly one Event and is then closed. Callers that want to keep observing a
// path must register again after every delivered event.
type Session interface {
	// ID identifies the session, it is recorded as the owner of ephemeral nodes.
	ID() string

	// Create creates a node and returns its actual path, which differs from
	// the requested one for sequential modes.
	Create(ctx context.Context, path string, data []byte, mode Mode) (string, error)
	Get(ctx context.Context, path string) ([]byte, Stat, error)
	Exists(ctx context.Context, path string) (bool, Stat, error)
	// ExistsW fires on creation, deletion or data change of the path.
	ExistsW(ctx context.Context, path string) (bool, Stat, <-chan Event, error)
	Set(ctx context.Context, path string, data []byte, version int64) (Stat, error)
	Delete(ctx context.Context, path string, version int64) error
	// Children returns the names (not paths) of direct children.
	Children(ctx context.Context, path string) ([]string, error)
	// ChildrenW fires when a direct child is created or deleted, or the node is deleted.
	ChildrenW(ctx context.Context, path string) ([]string, <-chan Event, error)

	// Done is closed when the session ends for any reason.
	Done() <-chan struct{}
	// Err returns the reason the session ended, nil while it is alive.
	Err() error
	// Close ends the session, deleting its ephemeral nodes.
	Close() error
}

// Connector opens new sessions. Owners of long-lived state keep the connector
// so they can rebuild everything after a session loss.
type Connector interface {
	Connect(ctx context.Context) (Session, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context) (Session, error)

// Connect implements Connector.
func (f ConnectorFunc) Connect(ctx context.Context) (Session, error) {
	return f(ctx)
}

// ValidatePath checks that p is an absolute, clean, non-root node path.
func ValidatePath(p string) error {
	if p == "" || p[0] != '/' {
		return fmt.Errorf("path %q must start with '/'", p)
	}
	if p == "/" {
		return fmt.Errorf("path %q must not be the root", p)
	}
	if path.Clean(p) != p {
		return fmt.Errorf("path %q is not clean", p)
	}
	return nil
}

// Parent returns the parent path, "/" for top-level nodes.
func Parent(p string) string {
	return path.Dir(p)
}

// Join joins a parent path and a child name.
func Join(parent, name string) string {
	return path.Join(parent, name)
}

// Base returns the node name of a path.
func Base(p string) string {
	return path.Base(p)
}

// SequenceName appends the zero-padded counter to a sequential node path.
func SequenceName(p string, seq int64) string {
	return fmt.Sprintf("%s%0*d", p, SequenceDigits, seq)
}

// SequenceOf parses the counter suffix of a sequential node name.
func SequenceOf(name string) (int64, error) {
	if len(name) < SequenceDigits {
		return 0, fmt.Errorf("name %q has no sequence suffix", name)
	}
	var seq, err = strconv.ParseInt(name[len(name)-SequenceDigits:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("name %q has no sequence suffix: %w", name, err)
	}
	return seq, nil
}

// SortBySequence sorts sequential node names by their numeric suffix.
// Names without a valid suffix sort last, in lexicographic order.
func SortBySequence(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		var (
			si, errI = SequenceOf(names[i])
			sj, errJ = SequenceOf(names[j])
		)
		switch {
		case errI != nil && errJ != nil:
			return names[i] < names[j]
		case errI != nil:
			return false
		case errJ != nil:
			return true
		case si != sj:
			return si < sj
		default:
			return names[i] < names[j]
		}
	})
}

// HasPrefixName reports whether a child name was created from the given prefix.
func HasPrefixName(name, prefix string) bool {
	return strings.HasPrefix(name, prefix)
}
