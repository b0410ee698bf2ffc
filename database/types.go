package database

import (
	"database/sql"
	"time"
)

// SessionRecord represents a coordination session in the database.
type SessionRecord struct {
	SessionID string
	ExpiresAt time.Time
}

// NodeRecord represents a node of the coordination tree in the database.
type NodeRecord struct {
	Path    string
	Parent  string
	Data    []byte
	Version int64
	// Owner is the session owning an ephemeral node, invalid for persistent nodes.
	Owner sql.NullString
	// CSeq is the next sequence number handed to sequential children.
	CSeq int64
}
