package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/relves/marmot/internal/storage"
	"github.com/relves/marmot/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

var (
	ErrNotFound = errors.New("not found")

	// ErrEpochRegression means a group write carried a lower epoch than the
	// stored record. Epochs are monotonically non-decreasing.
	ErrEpochRegression = errors.New("epoch regression")
)

// Store is the SQLite-backed StateStore.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Open opens (creating if needed) the store under basePath.
func Open(basePath string) (*Store, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbPath := filepath.Join(basePath, "marmot.db")
	db, err := sql.Open("sqlite", dbPath+
		"?_pragma=journal_mode(WAL)"+
		"&_pragma=foreign_keys(ON)"+
		"&_pragma=busy_timeout(5000)"+ // Wait up to 5s on lock instead of returning SQLITE_BUSY immediately
		"&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Limit connection pool - SQLite handles concurrent writes poorly
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Store{db: db, dbPath: dbPath}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DBPath() string {
	return s.dbPath
}

// PutGroup upserts a group record. Writes that would lower the stored epoch
// are rejected with ErrEpochRegression.
func (s *Store) PutGroup(ctx context.Context, group *types.Group) error {
	admins, err := json.Marshal(group.Admins)
	if err != nil {
		return fmt.Errorf("marshal admins: %w", err)
	}
	relays, err := json.Marshal(group.Relays)
	if err != nil {
		return fmt.Errorf("marshal relays: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current uint64
	err = tx.QueryRowContext(ctx,
		`SELECT epoch FROM groups WHERE id = ?`, string(group.ID)).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		// new group
	case err != nil:
		return err
	case group.Epoch < current:
		return fmt.Errorf("%w: stored %d, got %d", ErrEpochRegression, current, group.Epoch)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	created := group.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO groups (id, nostr_id, name, description, admins, relays, epoch, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   nostr_id = excluded.nostr_id,
		   name = excluded.name,
		   description = excluded.description,
		   admins = excluded.admins,
		   relays = excluded.relays,
		   epoch = excluded.epoch,
		   state = excluded.state,
		   updated_at = excluded.updated_at`,
		string(group.ID), string(group.NostrID), group.Name, group.Description,
		string(admins), string(relays), group.Epoch, string(group.State),
		created.Format(time.RFC3339), now)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) GetGroup(ctx context.Context, id types.GroupID) (*types.Group, error) {
	return s.getGroup(ctx, `SELECT id, nostr_id, name, description, admins, relays, epoch, state, created_at, updated_at
		 FROM groups WHERE id = ?`, string(id))
}

func (s *Store) GetGroupByNostrID(ctx context.Context, nid types.NostrGroupID) (*types.Group, error) {
	return s.getGroup(ctx, `SELECT id, nostr_id, name, description, admins, relays, epoch, state, created_at, updated_at
		 FROM groups WHERE nostr_id = ?`, string(nid))
}

func (s *Store) getGroup(ctx context.Context, query, arg string) (*types.Group, error) {
	row := s.db.QueryRowContext(ctx, query, arg)
	group, err := scanGroup(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return group, nil
}

func (s *Store) ListGroups(ctx context.Context) ([]*types.Group, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, nostr_id, name, description, admins, relays, epoch, state, created_at, updated_at
		 FROM groups ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []*types.Group
	for rows.Next() {
		group, err := scanGroup(rows.Scan)
		if err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	return groups, rows.Err()
}

func (s *Store) SetGroupState(ctx context.Context, id types.GroupID, state types.GroupState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE groups SET state = ?, updated_at = ? WHERE id = ?`,
		string(state), time.Now().UTC().Format(time.RFC3339), string(id))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanGroup(scan func(dest ...any) error) (*types.Group, error) {
	var g types.Group
	var admins, relays, createdAt, updatedAt string
	err := scan(&g.ID, &g.NostrID, &g.Name, &g.Description, &admins, &relays,
		&g.Epoch, &g.State, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(admins), &g.Admins); err != nil {
		return nil, fmt.Errorf("unmarshal admins: %w", err)
	}
	if err := json.Unmarshal([]byte(relays), &g.Relays); err != nil {
		return nil, fmt.Errorf("unmarshal relays: %w", err)
	}
	var parseErr error
	g.CreatedAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		slog.Warn("failed to parse created_at timestamp", "group", g.ID, "value", createdAt, "error", parseErr)
	}
	g.UpdatedAt, parseErr = time.Parse(time.RFC3339, updatedAt)
	if parseErr != nil {
		slog.Warn("failed to parse updated_at timestamp", "group", g.ID, "value", updatedAt, "error", parseErr)
	}
	return &g, nil
}

// ReplaceMembers swaps the full member set for a group in one transaction.
// The merge path always has the complete post-commit roster, so partial
// member updates are never needed.
func (s *Store) ReplaceMembers(ctx context.Context, id types.GroupID, members []types.Member) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM members WHERE group_id = ?`, string(id)); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO members (group_id, pubkey, name, picture, admin) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range members {
		admin := 0
		if m.Admin {
			admin = 1
		}
		if _, err := stmt.ExecContext(ctx, string(id), m.PubKey, m.Name, m.Picture, admin); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) ListMembers(ctx context.Context, id types.GroupID) ([]types.Member, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pubkey, name, picture, admin FROM members WHERE group_id = ? ORDER BY pubkey`,
		string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []types.Member
	for rows.Next() {
		var m types.Member
		var admin int
		if err := rows.Scan(&m.PubKey, &m.Name, &m.Picture, &admin); err != nil {
			return nil, err
		}
		m.Admin = admin != 0
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *Store) EnqueueOutbox(ctx context.Context, item *storage.OutboxItem) (int64, error) {
	relays, err := json.Marshal(item.Relays)
	if err != nil {
		return 0, fmt.Errorf("marshal relays: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO outbox (relays, event, attempts, last_error, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		string(relays), string(item.Event), item.Attempts, item.LastError,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) PendingOutbox(ctx context.Context, limit int) ([]*storage.OutboxItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, relays, event, attempts, last_error, created_at
		 FROM outbox WHERE delivered = 0 ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*storage.OutboxItem
	for rows.Next() {
		var item storage.OutboxItem
		var relays, event, createdAt string
		if err := rows.Scan(&item.ID, &relays, &event, &item.Attempts, &item.LastError, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(relays), &item.Relays); err != nil {
			return nil, fmt.Errorf("unmarshal relays: %w", err)
		}
		item.Event = json.RawMessage(event)
		item.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		items = append(items, &item)
	}
	return items, rows.Err()
}

func (s *Store) MarkOutboxDelivered(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET delivered = 1 WHERE id = ?`, id)
	return err
}

func (s *Store) MarkOutboxFailed(ctx context.Context, id int64, lastErr string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET attempts = attempts + 1, last_error = ? WHERE id = ?`,
		lastErr, id)
	return err
}

var _ storage.StateStore = (*Store)(nil)
