package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/HendryAvila/membus/internal/document"
)

const documentColumns = `path, content, frontmatter, content_hash, version, submitted_at, created_at, updated_at`

// ─── Writes ──────────────────────────────────────────────────────────────────

// Put inserts or replaces the document at doc.Path. Content and frontmatter
// are written in one transaction together with a revision row, so a crash
// never leaves a document half-written.
func (s *Store) Put(ctx context.Context, doc document.Document, hash string, opts PutOptions) (*Record, error) {
	fm, err := encodeFrontmatter(doc.Frontmatter)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	submitted := opts.SubmittedAt
	if submitted.IsZero() {
		submitted = now
	}

	tx, err := s.beginTxHook(ctx)
	if err != nil {
		return nil, classify(fmt.Errorf("docstore: begin put: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	var (
		version   int64
		createdAt string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT version, created_at FROM documents WHERE vault = ? AND path = ?`,
		s.cfg.Vault, doc.Path,
	).Scan(&version, &createdAt)
	switch {
	case err == sql.ErrNoRows:
		version = 0
		createdAt = formatTime(now)
	case err != nil:
		return nil, classify(fmt.Errorf("docstore: read version: %w", err))
	}
	version++

	if _, err := s.execHook(ctx, tx,
		`INSERT INTO documents (vault, path, title, tags, content, frontmatter, content_hash, version, archived, submitted_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(vault, path) DO UPDATE SET
		   title = excluded.title,
		   tags = excluded.tags,
		   content = excluded.content,
		   frontmatter = excluded.frontmatter,
		   content_hash = excluded.content_hash,
		   version = excluded.version,
		   archived = excluded.archived,
		   submitted_at = excluded.submitted_at,
		   updated_at = excluded.updated_at`,
		s.cfg.Vault, doc.Path, doc.Title(), strings.Join(doc.Frontmatter.Tags(), " "), doc.Content, fm,
		hash, version, boolInt(doc.Frontmatter.Archived()), formatTime(submitted), createdAt, formatTime(now),
	); err != nil {
		return nil, classify(fmt.Errorf("docstore: upsert %s: %w", doc.Path, err))
	}

	if _, err := s.execHook(ctx, tx,
		`INSERT INTO revisions (vault, path, version, content_hash, content, frontmatter, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.cfg.Vault, doc.Path, version, hash, doc.Content, fm, formatTime(now),
	); err != nil {
		return nil, classify(fmt.Errorf("docstore: record revision: %w", err))
	}
	if _, err := s.execHook(ctx, tx,
		`DELETE FROM revisions WHERE vault = ? AND path = ? AND version <= ?`,
		s.cfg.Vault, doc.Path, version-int64(s.cfg.RevisionLimit),
	); err != nil {
		return nil, classify(fmt.Errorf("docstore: prune revisions: %w", err))
	}

	if opts.BeforeCommit != nil {
		if err := opts.BeforeCommit(); err != nil {
			return nil, err
		}
	}
	if err := s.commitHook(tx); err != nil {
		return nil, classify(fmt.Errorf("docstore: commit put: %w", err))
	}

	return &Record{
		Document:    doc.Clone(),
		Vault:       s.cfg.Vault,
		ContentHash: hash,
		Version:     version,
		SubmittedAt: submitted,
		CreatedAt:   parseTime(createdAt),
		UpdatedAt:   now,
	}, nil
}

// Delete removes the document at path. Revisions are kept so a later merge
// can still find its ancestor. It reports whether a document was removed.
func (s *Store) Delete(ctx context.Context, path string, opts PutOptions) (bool, error) {
	tx, err := s.beginTxHook(ctx)
	if err != nil {
		return false, classify(fmt.Errorf("docstore: begin delete: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	res, err := s.execHook(ctx, tx, `DELETE FROM documents WHERE vault = ? AND path = ?`, s.cfg.Vault, path)
	if err != nil {
		return false, classify(fmt.Errorf("docstore: delete %s: %w", path, err))
	}
	n, _ := res.RowsAffected()

	if opts.BeforeCommit != nil {
		if err := opts.BeforeCommit(); err != nil {
			return false, err
		}
	}
	if err := s.commitHook(tx); err != nil {
		return false, classify(fmt.Errorf("docstore: commit delete: %w", err))
	}
	return n > 0, nil
}

// ─── Reads ───────────────────────────────────────────────────────────────────

// Get returns the document at path or ErrNotFound.
func (s *Store) Get(ctx context.Context, path string) (*Record, error) {
	rows, err := s.queryHook(ctx, s.db,
		`SELECT `+documentColumns+` FROM documents WHERE vault = ? AND path = ?`,
		s.cfg.Vault, path,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("docstore: get %s: %w", path, err))
	}
	recs, err := s.scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return &recs[0], nil
}

// GetMany returns the documents that exist among paths, keyed by path.
func (s *Store) GetMany(ctx context.Context, paths []string) (map[string]*Record, error) {
	out := make(map[string]*Record, len(paths))
	if len(paths) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(paths)), ",")
	args := make([]any, 0, len(paths)+1)
	args = append(args, s.cfg.Vault)
	for _, p := range paths {
		args = append(args, p)
	}
	rows, err := s.queryHook(ctx, s.db,
		`SELECT `+documentColumns+` FROM documents WHERE vault = ? AND path IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("docstore: get many: %w", err))
	}
	recs, err := s.scanRecords(rows)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		out[recs[i].Path] = &recs[i]
	}
	return out, nil
}

// Revision returns the stored revision of path with the given content hash,
// newest first when the same content was written more than once.
func (s *Store) Revision(ctx context.Context, path, hash string) (*Record, error) {
	var (
		rec     Record
		fm      string
		created string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT path, content, frontmatter, content_hash, version, created_at
		 FROM revisions WHERE vault = ? AND path = ? AND content_hash = ?
		 ORDER BY version DESC LIMIT 1`,
		s.cfg.Vault, path, hash,
	).Scan(&rec.Path, &rec.Content, &fm, &rec.ContentHash, &rec.Version, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(fmt.Errorf("docstore: revision %s@%s: %w", path, hash, err))
	}
	if rec.Frontmatter, err = decodeFrontmatter(fm); err != nil {
		return nil, err
	}
	rec.Vault = s.cfg.Vault
	rec.CreatedAt = parseTime(created)
	rec.UpdatedAt = rec.CreatedAt
	return &rec, nil
}

// Scan walks every document in path order, batch at a time. fn may return
// an error to stop the walk; that error is returned unchanged.
func (s *Store) Scan(ctx context.Context, batch int, fn func([]Record) error) error {
	if batch <= 0 {
		batch = 100
	}
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, err := s.queryHook(ctx, s.db,
			`SELECT `+documentColumns+` FROM documents WHERE vault = ? AND path > ? ORDER BY path LIMIT ?`,
			s.cfg.Vault, after, batch,
		)
		if err != nil {
			return classify(fmt.Errorf("docstore: scan: %w", err))
		}
		recs, err := s.scanRecords(rows)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			return nil
		}
		if err := fn(recs); err != nil {
			return err
		}
		if len(recs) < batch {
			return nil
		}
		after = recs[len(recs)-1].Path
	}
}

// Hashes returns path → content hash. With sample > 0 a random subset of at
// most sample documents is returned instead of the full set.
func (s *Store) Hashes(ctx context.Context, sample int) (map[string]string, error) {
	q := `SELECT path, content_hash FROM documents WHERE vault = ?`
	args := []any{s.cfg.Vault}
	if sample > 0 {
		q += ` ORDER BY random() LIMIT ?`
		args = append(args, sample)
	}
	rows, err := s.queryHook(ctx, s.db, q, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("docstore: hashes: %w", err))
	}
	defer func() { _ = rows.Close() }()

	out := map[string]string{}
	for rows.Next() {
		var p, h string
		if err := rows.Scan(&p, &h); err != nil {
			return nil, err
		}
		out[p] = h
	}
	return out, classify(rows.Err())
}

// Count returns the number of documents in the vault.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE vault = ?`, s.cfg.Vault).Scan(&n)
	return n, classify(err)
}

// Stats returns aggregate store statistics. Only the document count is
// required; the other figures are left zero when their query fails.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents WHERE vault = ?", s.cfg.Vault).Scan(&stats.Documents)
	if err != nil {
		return nil, classify(err)
	}
	_ = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents WHERE vault = ? AND archived = 1", s.cfg.Vault).Scan(&stats.Archived)
	_ = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM revisions WHERE vault = ?", s.cfg.Vault).Scan(&stats.Revisions)
	_ = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_log WHERE vault = ?", s.cfg.Vault).Scan(&stats.AuditRows)
	_ = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM incidents WHERE vault = ?", s.cfg.Vault).Scan(&stats.Incidents)
	_ = s.db.QueryRowContext(ctx,
		"SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()",
	).Scan(&stats.SizeBytes)
	return stats, nil
}

// ─── Row mapping ─────────────────────────────────────────────────────────────

func (s *Store) scanRecords(rows *sql.Rows) ([]Record, error) {
	defer func() { _ = rows.Close() }()
	var out []Record
	for rows.Next() {
		var (
			rec                         Record
			fm                          string
			submitted, created, updated string
		)
		if err := rows.Scan(&rec.Path, &rec.Content, &fm, &rec.ContentHash, &rec.Version,
			&submitted, &created, &updated); err != nil {
			return nil, err
		}
		var err error
		if rec.Frontmatter, err = decodeFrontmatter(fm); err != nil {
			return nil, err
		}
		rec.Vault = s.cfg.Vault
		rec.SubmittedAt = parseTime(submitted)
		rec.CreatedAt = parseTime(created)
		rec.UpdatedAt = parseTime(updated)
		out = append(out, rec)
	}
	return out, classify(rows.Err())
}

func encodeFrontmatter(fm document.Frontmatter) (string, error) {
	if len(fm) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(fm)
	if err != nil {
		return "", fmt.Errorf("docstore: encode frontmatter: %w", err)
	}
	return string(b), nil
}

func decodeFrontmatter(s string) (document.Frontmatter, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var fm document.Frontmatter
	if err := json.Unmarshal([]byte(s), &fm); err != nil {
		return nil, fmt.Errorf("docstore: decode frontmatter: %w", err)
	}
	return fm, nil
}
