package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/wagnerlima/mapeo-server/internal/models"
)

var (
	// ErrNotFound is returned when a version does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned by a conditional write whose parent version is
	// missing or no longer a head of the document.
	ErrConflict = errors.New("parent version is not a head")
)

// Op is one put inside an atomic batch.
type Op struct {
	ID    string
	Value models.Record
	Links []string
}

// VersionStore is a multi-writer document store where every write creates
// a new immutable revision linked to the revisions it supersedes.
type VersionStore struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the store database at path and applies the schema.
func Open(path string) (*VersionStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+path+dsnPragmas)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store db: %w", err)
	}
	return &VersionStore{db: db, path: path}, nil
}

// Close closes the database connection.
func (s *VersionStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *VersionStore) Path() string {
	return s.path
}

// Create writes the first revision of a new document under a fresh id.
func (s *VersionStore) Create(ctx context.Context, value models.Record) (models.Node, error) {
	return s.Put(ctx, uuid.NewString(), value, nil)
}

// Put writes a new revision of id linked to links. Every link must be a
// current head of id, otherwise ErrConflict is returned and nothing is written.
func (s *VersionStore) Put(ctx context.Context, id string, value models.Record, links []string) (models.Node, error) {
	nodes, err := s.Batch(ctx, []Op{{ID: id, Value: value, Links: links}})
	if err != nil {
		return models.Node{}, err
	}
	return nodes[0], nil
}

// Batch applies all ops in one transaction. Either every op is written or none.
func (s *VersionStore) Batch(ctx context.Context, ops []Op) ([]models.Node, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	nodes := make([]models.Node, 0, len(ops))
	for _, op := range ops {
		for _, link := range op.Links {
			head, err := isHead(ctx, tx, op.ID, link)
			if err != nil {
				return nil, err
			}
			if !head {
				return nil, fmt.Errorf("put %s@%s: %w", op.ID, link, ErrConflict)
			}
		}
		node, err := insertRevision(ctx, tx, op)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return nodes, nil
}

// Get returns the head revisions of id. An unknown id yields an empty slice.
func (s *VersionStore) Get(ctx context.Context, id string) ([]models.Node, error) {
	rows, err := s.db.QueryContext(ctx, headsQuery+` AND r.doc_id = ? ORDER BY r.rowid`, id)
	if err != nil {
		return nil, fmt.Errorf("query heads: %w", err)
	}
	nodes, err := scanNodes(rows)
	if err != nil {
		return nil, err
	}
	for i := range nodes {
		links, err := loadLinks(ctx, s.db, nodes[i].Version)
		if err != nil {
			return nil, err
		}
		nodes[i].Links = links
	}
	return nodes, nil
}

// GetByVersion returns one revision by its version id.
func (s *VersionStore) GetByVersion(ctx context.Context, version string) (models.Node, error) {
	var (
		n   models.Node
		raw string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT doc_id, version, value FROM revisions WHERE version = ?`, version,
	).Scan(&n.ID, &n.Version, &raw)
	if err == sql.ErrNoRows {
		return models.Node{}, fmt.Errorf("version %s: %w", version, ErrNotFound)
	}
	if err != nil {
		return models.Node{}, fmt.Errorf("lookup version: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &n.Value); err != nil {
		return models.Node{}, fmt.Errorf("decode revision %s: %w", version, err)
	}
	if n.Links, err = loadLinks(ctx, s.db, version); err != nil {
		return models.Node{}, err
	}
	return n, nil
}

// Delete removes id and its whole version history, leaving a tombstone so
// replication does not bring it back. Deleting an absent id is not an error.
func (s *VersionStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := deleteDoc(ctx, tx, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Heads calls fn for every head revision of every document, streaming rows
// from the database. fn must not call back into the store.
func (s *VersionStore) Heads(ctx context.Context, fn func(models.Node) error) error {
	rows, err := s.db.QueryContext(ctx, headsQuery+` ORDER BY r.rowid`)
	if err != nil {
		return fmt.Errorf("query heads: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return err
		}
		if err := fn(n); err != nil {
			return err
		}
	}
	return rows.Err()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func isHead(ctx context.Context, q querier, id, version string) (bool, error) {
	var docID string
	err := q.QueryRowContext(ctx, `SELECT doc_id FROM revisions WHERE version = ?`, version).Scan(&docID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup parent: %w", err)
	}
	if docID != id {
		return false, nil
	}

	var one int
	err = q.QueryRowContext(ctx, `SELECT 1 FROM links WHERE parent = ? LIMIT 1`, version).Scan(&one)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup children: %w", err)
	}
	return false, nil
}

func insertRevision(ctx context.Context, tx *sql.Tx, op Op) (models.Node, error) {
	raw, err := json.Marshal(op.Value)
	if err != nil {
		return models.Node{}, fmt.Errorf("encode revision: %w", err)
	}
	version := uuid.NewString()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO revisions (version, doc_id, value) VALUES (?, ?, ?)`,
		version, op.ID, string(raw),
	); err != nil {
		return models.Node{}, fmt.Errorf("insert revision %s: %w", op.ID, err)
	}
	for _, link := range op.Links {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO links (version, parent) VALUES (?, ?)`, version, link,
		); err != nil {
			return models.Node{}, fmt.Errorf("insert link: %w", err)
		}
	}
	return models.Node{ID: op.ID, Version: version, Links: op.Links, Value: op.Value}, nil
}

func deleteDoc(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM revisions WHERE doc_id = ?`, id); err != nil {
		return fmt.Errorf("delete revisions %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO tombstones (doc_id) VALUES (?)`, id); err != nil {
		return fmt.Errorf("insert tombstone %s: %w", id, err)
	}
	return nil
}

func loadLinks(ctx context.Context, q querier, version string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT parent FROM links WHERE version = ? ORDER BY parent`, version)
	if err != nil {
		return nil, fmt.Errorf("query links: %w", err)
	}
	defer rows.Close()

	var links []string
	for rows.Next() {
		var parent string
		if err := rows.Scan(&parent); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		links = append(links, parent)
	}
	return links, rows.Err()
}

func scanNodes(rows *sql.Rows) ([]models.Node, error) {
	defer rows.Close()
	var nodes []models.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func scanNode(rows *sql.Rows) (models.Node, error) {
	var (
		n   models.Node
		raw string
	)
	if err := rows.Scan(&n.ID, &n.Version, &raw); err != nil {
		return models.Node{}, fmt.Errorf("scan revision: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &n.Value); err != nil {
		return models.Node{}, fmt.Errorf("decode revision %s: %w", n.Version, err)
	}
	return n, nil
}
