package docstore

import (
	"context"
	"fmt"
	"strings"
)

// Searchable fields, in descending weight order.
const (
	FieldTitle   = "title"
	FieldTags    = "tags"
	FieldContent = "content"
)

// Match modes for keyword queries.
const (
	MatchAll = "all"
	MatchAny = "any"
)

// KeywordQuery selects documents containing the given terms.
type KeywordQuery struct {
	Terms     []string
	Fields    []string // empty means every field
	MatchMode string   // "all" (default) or "any"
	Limit     int
	// IncludeArchived keeps archived documents in the candidate set.
	IncludeArchived bool
}

// SearchHit is a candidate document with its FTS5 bm25 score (lower is
// better, as SQLite reports it).
type SearchHit struct {
	Record
	BM25 float64 `json:"bm25"`
}

// ─── Search (FTS5) ──────────────────────────────────────────────────────────

// Search returns candidate documents ranked by weighted bm25 with title
// weighted above tags, and tags above content.
func (s *Store) Search(ctx context.Context, q KeywordQuery) ([]SearchHit, error) {
	match, err := BuildMatch(q.Terms, q.Fields, q.MatchMode)
	if err != nil {
		return nil, err
	}
	if match == "" {
		return nil, nil
	}
	limit := q.Limit
	if limit <= 0 || limit > s.cfg.MaxSearchResults {
		limit = s.cfg.MaxSearchResults
	}

	sqlStr := `
		SELECT d.path, d.content, d.frontmatter, d.content_hash, d.version, d.submitted_at, d.created_at, d.updated_at,
		       bm25(documents_fts, 3.0, 2.0, 1.0) AS score
		FROM documents_fts
		JOIN documents d ON d.id = documents_fts.rowid
		WHERE documents_fts MATCH ? AND d.vault = ?
	`
	args := []any{match, s.cfg.Vault}
	if !q.IncludeArchived {
		sqlStr += " AND d.archived = 0"
	}
	sqlStr += " ORDER BY score LIMIT ?"
	args = append(args, limit)

	rows, err := s.queryHook(ctx, s.db, sqlStr, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("docstore: search: %w", err))
	}
	defer func() { _ = rows.Close() }()

	var hits []SearchHit
	for rows.Next() {
		var (
			h                           SearchHit
			fm                          string
			submitted, created, updated string
		)
		if err := rows.Scan(&h.Path, &h.Content, &fm, &h.ContentHash, &h.Version,
			&submitted, &created, &updated, &h.BM25); err != nil {
			return nil, err
		}
		if h.Frontmatter, err = decodeFrontmatter(fm); err != nil {
			return nil, err
		}
		h.Vault = s.cfg.Vault
		h.SubmittedAt = parseTime(submitted)
		h.CreatedAt = parseTime(created)
		h.UpdatedAt = parseTime(updated)
		hits = append(hits, h)
	}
	return hits, classify(rows.Err())
}

// BuildMatch turns terms into an FTS5 MATCH expression. Each term is quoted
// as a phrase so FTS5 operators inside user input are inert.
func BuildMatch(terms, fields []string, mode string) (string, error) {
	var phrases []string
	for _, t := range terms {
		if q := quotePhrase(t); q != "" {
			phrases = append(phrases, q)
		}
	}
	if len(phrases) == 0 {
		return "", nil
	}

	op := " AND "
	switch mode {
	case "", MatchAll:
	case MatchAny:
		op = " OR "
	default:
		return "", fmt.Errorf("docstore: unknown match mode %q", mode)
	}
	expr := strings.Join(phrases, op)

	cols, err := columnFilter(fields)
	if err != nil {
		return "", err
	}
	if cols == "" {
		return expr, nil
	}
	return cols + " : (" + expr + ")", nil
}

func columnFilter(fields []string) (string, error) {
	if len(fields) == 0 {
		return "", nil
	}
	seen := map[string]bool{}
	var cols []string
	for _, f := range fields {
		f = strings.ToLower(strings.TrimSpace(f))
		switch f {
		case FieldTitle, FieldTags, FieldContent:
		default:
			return "", fmt.Errorf("docstore: unknown search field %q", f)
		}
		if !seen[f] {
			seen[f] = true
			cols = append(cols, f)
		}
	}
	if len(cols) == 3 {
		return "", nil
	}
	return "{" + strings.Join(cols, " ") + "}", nil
}

// quotePhrase wraps a term in double quotes, doubling embedded quotes.
func quotePhrase(term string) string {
	term = strings.TrimSpace(term)
	if term == "" {
		return ""
	}
	return `"` + strings.ReplaceAll(term, `"`, `""`) + `"`
}
