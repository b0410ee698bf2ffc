package database

import (
	"database/sql"
	"fmt"
)

var (
	createSessionsTableSQL = `
CREATE TABLE IF NOT EXISTS %s_sessions (
    session_id    VARCHAR       NOT NULL,
    expires_at    TIMESTAMPTZ   NOT NULL,

    PRIMARY KEY (session_id)
);`

	createNodesTableSQL = `
CREATE TABLE IF NOT EXISTS %s_znodes (
    path          VARCHAR       NOT NULL,
    parent        VARCHAR       NOT NULL,
    data          BYTEA,
    version       BIGINT        NOT NULL DEFAULT 0,
    owner         VARCHAR,
    cseq          BIGINT        NOT NULL DEFAULT 0,

    PRIMARY KEY (path)
);`

	createNodesParentIndexSQL = `
CREATE INDEX IF NOT EXISTS %s
ON %s_znodes (parent);`

	createNodesOwnerIndexSQL = `
CREATE INDEX IF NOT EXISTS %s
ON %s_znodes (owner) WHERE owner IS NOT NULL;`

	insertRootNodeSQL = `
INSERT INTO %s_znodes (path, parent)
VALUES ('/', '')
ON CONFLICT (path) DO NOTHING;`
)

// Migrate creates the sessions and znodes tables with indexes and the root node.
func Migrate(db *sql.DB, tableName string) error {
	if err := exec(db, createSessionsTableSQL, "sessions table", tableName); err != nil {
		return err
	}

	if err := exec(db, createNodesTableSQL, "znodes table", tableName); err != nil {
		return err
	}

	if err := exec(db, createNodesParentIndexSQL, "znodes parent index", tableName+"_znodes_parent_idx", tableName); err != nil {
		return err
	}

	if err := exec(db, createNodesOwnerIndexSQL, "znodes owner index", tableName+"_znodes_owner_idx", tableName); err != nil {
		return err
	}

	if err := exec(db, insertRootNodeSQL, "root node", tableName); err != nil {
		return err
	}

	return nil
}

func exec(db *sql.DB, template, what string, args ...any) error {
	var query = fmt.Sprintf(template, args...)
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create %s: %w", what, err)
	}
	return nil
}
