package storage

// Schema is the SQL schema for a version store database. The same schema is
// used for the live store and for sync archive files.
const Schema = `
CREATE TABLE IF NOT EXISTS revisions (
    version     TEXT PRIMARY KEY,
    doc_id      TEXT NOT NULL,
    value       TEXT NOT NULL,
    created_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);

CREATE TABLE IF NOT EXISTS links (
    version     TEXT NOT NULL REFERENCES revisions(version) ON DELETE CASCADE,
    parent      TEXT NOT NULL,
    PRIMARY KEY (version, parent)
);

CREATE TABLE IF NOT EXISTS tombstones (
    doc_id      TEXT PRIMARY KEY,
    deleted_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);

CREATE INDEX IF NOT EXISTS idx_revisions_doc ON revisions(doc_id);
CREATE INDEX IF NOT EXISTS idx_links_parent ON links(parent);
`

// dsnPragmas configures SQLite for a multi-goroutine writer. Immediate
// transactions serialise the read-then-write of conditional puts.
const dsnPragmas = "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_txlock=immediate"

// headsQuery selects revisions that no other revision links to.
const headsQuery = `
SELECT r.doc_id, r.version, r.value FROM revisions r
WHERE NOT EXISTS (SELECT 1 FROM links l WHERE l.parent = r.version)`
