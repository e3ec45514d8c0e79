// Package store is the Store Adapter (§4.F): SQLite-backed persistence for
// users and messages behind a small collaborator interface the Connection
// Supervisor calls directly. Schema bootstrap is a single embedded script
// guarded by a one-row _meta table, not a migrations directory — Discard
// ships one on-disk format per release rather than evolving one in place.
package store

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kuuji/discard/internal/errs"
	"github.com/kuuji/discard/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Store is the SQLite-backed implementation of the Store Adapter.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at dsn and applies
// the schema bootstrap if it hasn't run yet.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.bootstrap(); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrapping schema: %w", err)
	}
	return s, nil
}

func (s *Store) bootstrap() error {
	var exists int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='_meta'`).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking schema state: %w", err)
	}
	if exists > 0 {
		return nil
	}
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// WriteUser inserts a User. A duplicate (display_name, node_id) pair is
// treated as success (idempotent), per §4.F.
func (s *Store) WriteUser(u model.User) error {
	_, err := s.db.Exec(
		`INSERT INTO users(display_name, node_id, status) VALUES (?, ?, ?)
		 ON CONFLICT(display_name, node_id) DO NOTHING`,
		u.DisplayName, u.NodeId.String(), u.Status.String(),
	)
	if err != nil {
		return fmt.Errorf("%w: writing user %q: %v", errs.ErrStoreError, u.DisplayName, err)
	}
	return nil
}

// UpdateStatus sets the status of the user with the given NodeId.
func (s *Store) UpdateStatus(id model.NodeId, status model.UserStatus) error {
	res, err := s.db.Exec(`UPDATE users SET status = ? WHERE node_id = ?`, status.String(), id.String())
	if err != nil {
		return fmt.Errorf("%w: updating status: %v", errs.ErrStoreError, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: checking update result: %v", errs.ErrStoreError, err)
	}
	if n == 0 {
		return fmt.Errorf("node id %s: %w", id.Short(), errs.ErrNotFound)
	}
	return nil
}

// WriteMessage inserts a Message, associating it with the conversation
// partner peer (the remote side of the connection the message flowed over,
// regardless of send direction).
func (s *Store) WriteMessage(msg model.Message, peer model.NodeId) error {
	_, err := s.db.Exec(
		`INSERT INTO messages(content, sender_node_id, peer_node_id, sent_ts, received_ts, read_ts)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.Content, msg.SenderNodeId.String(), peer.String(),
		nullableTime(msg.SentTs), nullableTime(msg.ReceivedTs), nullableTime(msg.ReadTs),
	)
	if err != nil {
		return fmt.Errorf("%w: writing message: %v", errs.ErrStoreError, err)
	}
	return nil
}

// GetUsers returns every known user.
func (s *Store) GetUsers() ([]model.User, error) {
	rows, err := s.db.Query(`SELECT user_id, display_name, node_id, status FROM users ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("%w: listing users: %v", errs.ErrStoreError, err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		var (
			u          model.User
			nodeIDHex  string
			statusText string
		)
		if err := rows.Scan(&u.UserID, &u.DisplayName, &nodeIDHex, &statusText); err != nil {
			return nil, fmt.Errorf("%w: scanning user: %v", errs.ErrStoreError, err)
		}
		nodeID, err := model.ParseNodeId(nodeIDHex)
		if err != nil {
			return nil, fmt.Errorf("%w: decoding stored node id: %v", errs.ErrStoreError, err)
		}
		u.NodeId = nodeID
		u.Status, err = model.ParseUserStatus(statusText)
		if err != nil {
			return nil, fmt.Errorf("%w: decoding stored status: %v", errs.ErrStoreError, err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating users: %v", errs.ErrStoreError, err)
	}
	return users, nil
}

// GetUserNodeId resolves a display_name to its NodeId.
func (s *Store) GetUserNodeId(displayName string) (model.NodeId, error) {
	var nodeIDHex string
	err := s.db.QueryRow(`SELECT node_id FROM users WHERE display_name = ?`, displayName).Scan(&nodeIDHex)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NodeId{}, fmt.Errorf("display name %q: %w", displayName, errs.ErrNotFound)
	}
	if err != nil {
		return model.NodeId{}, fmt.Errorf("%w: resolving display name: %v", errs.ErrStoreError, err)
	}
	return model.ParseNodeId(nodeIDHex)
}

// GetDisplayName resolves a NodeId to its display_name.
func (s *Store) GetDisplayName(id model.NodeId) (string, error) {
	var displayName string
	err := s.db.QueryRow(`SELECT display_name FROM users WHERE node_id = ?`, id.String()).Scan(&displayName)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("node id %s: %w", id.Short(), errs.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("%w: resolving node id: %v", errs.ErrStoreError, err)
	}
	return displayName, nil
}

// ReadMessages returns every message exchanged with peer, oldest first.
func (s *Store) ReadMessages(peer model.NodeId) ([]model.Message, error) {
	rows, err := s.db.Query(
		`SELECT message_id, content, sender_node_id, sent_ts, received_ts, read_ts
		 FROM messages WHERE peer_node_id = ? ORDER BY message_id`,
		peer.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: reading messages: %v", errs.ErrStoreError, err)
	}
	defer rows.Close()

	var messages []model.Message
	for rows.Next() {
		var (
			m             model.Message
			senderHex     string
			sentTs        sql.NullTime
			receivedTs    sql.NullTime
			readTs        sql.NullTime
		)
		if err := rows.Scan(&m.MessageID, &m.Content, &senderHex, &sentTs, &receivedTs, &readTs); err != nil {
			return nil, fmt.Errorf("%w: scanning message: %v", errs.ErrStoreError, err)
		}
		m.SenderNodeId, err = model.ParseNodeId(senderHex)
		if err != nil {
			return nil, fmt.Errorf("%w: decoding stored sender: %v", errs.ErrStoreError, err)
		}
		m.SentTs = fromNullTime(sentTs)
		m.ReceivedTs = fromNullTime(receivedTs)
		m.ReadTs = fromNullTime(readTs)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating messages: %v", errs.ErrStoreError, err)
	}
	return messages, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func fromNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
