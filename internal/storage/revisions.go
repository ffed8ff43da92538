package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/wagnerlima/mapeo-server/internal/models"
)

// Revisions returns every revision in the store, oldest first, followed by a
// deleted marker for every tombstoned document.
func (s *VersionStore) Revisions(ctx context.Context) ([]models.Revision, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc_id, version, value FROM revisions ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("query revisions: %w", err)
	}
	nodes, err := scanNodes(rows)
	if err != nil {
		return nil, err
	}

	revs := make([]models.Revision, 0, len(nodes))
	for _, n := range nodes {
		links, err := loadLinks(ctx, s.db, n.Version)
		if err != nil {
			return nil, err
		}
		revs = append(revs, models.Revision{ID: n.ID, Version: n.Version, Links: links, Value: n.Value})
	}

	tombRows, err := s.db.QueryContext(ctx, `SELECT doc_id FROM tombstones ORDER BY doc_id`)
	if err != nil {
		return nil, fmt.Errorf("query tombstones: %w", err)
	}
	defer tombRows.Close()
	for tombRows.Next() {
		var id string
		if err := tombRows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tombstone: %w", err)
		}
		revs = append(revs, models.Revision{ID: id, Deleted: true})
	}
	return revs, tombRows.Err()
}

// Import writes revisions received from another store. It is idempotent and
// unconditional: revisions already present are skipped, and concurrent heads
// from different writers are kept side by side. It returns how many
// revisions or deletions changed the store.
func (s *VersionStore) Import(ctx context.Context, revs []models.Revision) (int, error) {
	if len(revs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	changed := 0
	for _, rev := range revs {
		if rev.Deleted {
			tombstoned, err := isTombstoned(ctx, tx, rev.ID)
			if err != nil {
				return 0, err
			}
			if tombstoned {
				continue
			}
			if err := deleteDoc(ctx, tx, rev.ID); err != nil {
				return 0, err
			}
			changed++
			continue
		}

		tombstoned, err := isTombstoned(ctx, tx, rev.ID)
		if err != nil {
			return 0, err
		}
		if tombstoned {
			continue
		}

		raw, err := json.Marshal(rev.Value)
		if err != nil {
			return 0, fmt.Errorf("encode revision: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO revisions (version, doc_id, value) VALUES (?, ?, ?)`,
			rev.Version, rev.ID, string(raw),
		)
		if err != nil {
			return 0, fmt.Errorf("import revision %s: %w", rev.Version, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			continue
		}
		for _, link := range rev.Links {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO links (version, parent) VALUES (?, ?)`, rev.Version, link,
			); err != nil {
				return 0, fmt.Errorf("import link: %w", err)
			}
		}
		changed++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return changed, nil
}

func isTombstoned(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM tombstones WHERE doc_id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup tombstone: %w", err)
	}
	return true, nil
}
