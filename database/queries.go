package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DBTX is an interface that both sql.DB and sql.Tx implement.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Queries provides table-aware database operations.
type Queries struct {
	db        DBTX
	tableName string
}

// NewQueries creates a new Queries instance with the given table name.
func NewQueries(db DBTX, tableName string) *Queries {
	return &Queries{
		db:        db,
		tableName: tableName,
	}
}

// WithTx returns Queries running inside tx.
func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{
		db:        tx,
		tableName: q.tableName,
	}
}

// TableName returns the table prefix.
func (q *Queries) TableName() string {
	return q.tableName
}

var (
	insertSessionSQL = `
INSERT INTO %s_sessions (session_id, expires_at)
VALUES ($1, $2);`

	renewSessionSQL = `
UPDATE %s_sessions
SET expires_at = $2
WHERE session_id = $1;`

	deleteSessionSQL = `
DELETE FROM %s_sessions
WHERE session_id = $1;`

	lockSessionSQL = `
SELECT 1
FROM %s_sessions
WHERE session_id = $1
FOR SHARE;`

	listExpiredSessionsSQL = `
SELECT session_id, expires_at
FROM %s_sessions
WHERE expires_at < $1
ORDER BY expires_at ASC;`

	getNodeSQL = `
SELECT path, parent, data, version, owner, cseq
FROM %s_znodes
WHERE path = $1;`

	getNodeForUpdateSQL = `
SELECT path, parent, data, version, owner, cseq
FROM %s_znodes
WHERE path = $1
FOR UPDATE;`

	insertNodeSQL = `
INSERT INTO %s_znodes (path, parent, data, version, owner, cseq)
VALUES ($1, $2, $3, 0, $4, 0)
ON CONFLICT (path) DO NOTHING;`

	nextSequenceSQL = `
UPDATE %s_znodes
SET cseq = cseq + 1
WHERE path = $1
RETURNING cseq - 1;`

	updateNodeSQL = `
UPDATE %s_znodes
SET data = $2, version = version + 1
WHERE path = $1 AND ($3::BIGINT = -1 OR version = $3::BIGINT)
RETURNING version;`

	deleteNodeSQL = `
DELETE FROM %s_znodes
WHERE path = $1 AND ($2::BIGINT = -1 OR version = $2::BIGINT);`

	listChildrenSQL = `
SELECT path
FROM %s_znodes
WHERE parent = $1
ORDER BY path ASC;`

	countChildrenSQL = `
SELECT COUNT(*)
FROM %s_znodes
WHERE parent = $1;`

	listOwnedNodesSQL = `
SELECT path
FROM %s_znodes
WHERE owner = $1
ORDER BY path ASC;`

	notifySQL = `SELECT pg_notify($1, $2);`
)

// InsertSession registers a new session.
func (q *Queries) InsertSession(ctx context.Context, session *SessionRecord) error {
	var query = fmt.Sprintf(insertSessionSQL, q.tableName)
	if _, err := q.db.ExecContext(ctx, query, session.SessionID, session.ExpiresAt); err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// RenewSession moves the expiry of a session. It returns false when the
// session no longer exists.
func (q *Queries) RenewSession(ctx context.Context, sessionID string, expiresAt time.Time) (bool, error) {
	var query = fmt.Sprintf(renewSessionSQL, q.tableName)
	var result, err = q.db.ExecContext(ctx, query, sessionID, expiresAt)
	if err != nil {
		return false, fmt.Errorf("failed to renew session: %w", err)
	}
	return affected(result)
}

// DeleteSession removes a session.
func (q *Queries) DeleteSession(ctx context.Context, sessionID string) error {
	var query = fmt.Sprintf(deleteSessionSQL, q.tableName)
	if _, err := q.db.ExecContext(ctx, query, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// LockSession holds a share lock on a session row until the transaction
// ends, so the session cannot be deleted meanwhile. It returns false when the
// session no longer exists.
func (q *Queries) LockSession(ctx context.Context, sessionID string) (bool, error) {
	var (
		query = fmt.Sprintf(lockSessionSQL, q.tableName)
		one   int
		err   = q.db.QueryRowContext(ctx, query, sessionID).Scan(&one)
	)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to lock session: %w", err)
	}
	return true, nil
}

// ListExpiredSessions returns sessions that expired before now, oldest first.
func (q *Queries) ListExpiredSessions(ctx context.Context, now time.Time) ([]*SessionRecord, error) {
	var (
		query     = fmt.Sprintf(listExpiredSessionsSQL, q.tableName)
		rows, err = q.db.QueryContext(ctx, query, now)
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*SessionRecord
	for rows.Next() {
		var session SessionRecord
		if err := rows.Scan(&session.SessionID, &session.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, &session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return sessions, nil
}

// GetNode retrieves a node by path, nil if it does not exist.
func (q *Queries) GetNode(ctx context.Context, path string) (*NodeRecord, error) {
	return q.getNode(ctx, getNodeSQL, path)
}

// GetNodeForUpdate retrieves a node and locks its row until the transaction
// ends, nil if it does not exist.
func (q *Queries) GetNodeForUpdate(ctx context.Context, path string) (*NodeRecord, error) {
	return q.getNode(ctx, getNodeForUpdateSQL, path)
}

func (q *Queries) getNode(ctx context.Context, template, path string) (*NodeRecord, error) {
	var (
		query = fmt.Sprintf(template, q.tableName)
		node  NodeRecord
		err   = q.db.QueryRowContext(ctx, query, path).Scan(
			&node.Path, &node.Parent, &node.Data, &node.Version, &node.Owner, &node.CSeq,
		)
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	return &node, nil
}

// InsertNode creates a node. It returns false when the path is taken.
func (q *Queries) InsertNode(ctx context.Context, node *NodeRecord) (bool, error) {
	var query = fmt.Sprintf(insertNodeSQL, q.tableName)
	var result, err = q.db.ExecContext(ctx, query, node.Path, node.Parent, node.Data, node.Owner)
	if err != nil {
		return false, fmt.Errorf("failed to insert node: %w", err)
	}
	return affected(result)
}

// NextSequence hands out the next sequence number of a parent node.
func (q *Queries) NextSequence(ctx context.Context, parent string) (int64, error) {
	var (
		query = fmt.Sprintf(nextSequenceSQL, q.tableName)
		seq   int64
		err   = q.db.QueryRowContext(ctx, query, parent).Scan(&seq)
	)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate sequence: %w", err)
	}
	return seq, nil
}

// UpdateNode replaces the data of a node when its version matches, -1
// matches any version. It returns the new version and false on mismatch or
// missing node.
func (q *Queries) UpdateNode(ctx context.Context, path string, data []byte, version int64) (int64, bool, error) {
	var (
		query      = fmt.Sprintf(updateNodeSQL, q.tableName)
		newVersion int64
		err        = q.db.QueryRowContext(ctx, query, path, data, version).Scan(&newVersion)
	)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to update node: %w", err)
	}
	return newVersion, true, nil
}

// DeleteNode removes a node when its version matches, -1 matches any
// version. It returns false when nothing was deleted.
func (q *Queries) DeleteNode(ctx context.Context, path string, version int64) (bool, error) {
	var query = fmt.Sprintf(deleteNodeSQL, q.tableName)
	var result, err = q.db.ExecContext(ctx, query, path, version)
	if err != nil {
		return false, fmt.Errorf("failed to delete node: %w", err)
	}
	return affected(result)
}

// ListChildren returns the paths of the direct children of a node.
func (q *Queries) ListChildren(ctx context.Context, parent string) ([]string, error) {
	return q.listPaths(ctx, listChildrenSQL, parent, "children")
}

// CountChildren returns the number of direct children of a node.
func (q *Queries) CountChildren(ctx context.Context, parent string) (int, error) {
	var (
		query = fmt.Sprintf(countChildrenSQL, q.tableName)
		count int
		err   = q.db.QueryRowContext(ctx, query, parent).Scan(&count)
	)
	if err != nil {
		return 0, fmt.Errorf("failed to count children: %w", err)
	}
	return count, nil
}

// ListOwnedNodes returns the paths of the ephemeral nodes of a session.
func (q *Queries) ListOwnedNodes(ctx context.Context, sessionID string) ([]string, error) {
	return q.listPaths(ctx, listOwnedNodesSQL, sessionID, "owned nodes")
}

func (q *Queries) listPaths(ctx context.Context, template, arg, what string) ([]string, error) {
	var (
		query     = fmt.Sprintf(template, q.tableName)
		rows, err = q.db.QueryContext(ctx, query, arg)
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", what, err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, fmt.Errorf("failed to scan path: %w", err)
		}
		paths = append(paths, path)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return paths, nil
}

// Notify sends a notification on channel. Inside a transaction it is
// delivered on commit.
func (q *Queries) Notify(ctx context.Context, channel, payload string) error {
	if _, err := q.db.ExecContext(ctx, notifySQL, channel, payload); err != nil {
		return fmt.Errorf("failed to notify: %w", err)
	}
	return nil
}

func affected(result sql.Result) (bool, error) {
	var n, err = result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}
