// Package vault mirrors the document store to a directory of Markdown notes
// with YAML frontmatter, the layout Obsidian-style vaults use.
package vault

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/HendryAvila/membus/internal/docstore"
	"github.com/HendryAvila/membus/internal/document"
	"github.com/HendryAvila/membus/internal/membus"
)

// NoteSuffix is the extension of files picked up by Import.
const NoteSuffix = ".md"

// Source yields the documents to export.
type Source interface {
	Scan(ctx context.Context, batch int, fn func([]docstore.Record) error) error
}

// Sink accepts imported notes. *membus.Bus satisfies it.
type Sink interface {
	Write(ctx context.Context, req membus.WriteRequest) (*membus.WriteResult, error)
}

// Vault is a note directory on disk.
type Vault struct {
	root   string
	logger *slog.Logger
}

// New returns a vault rooted at dir. A nil logger uses slog.Default.
func New(dir string, logger *slog.Logger) *Vault {
	if logger == nil {
		logger = slog.Default()
	}
	return &Vault{root: dir, logger: logger.With("component", "vault")}
}

// Root is the vault directory.
func (v *Vault) Root() string { return v.root }

// ─── Export ──────────────────────────────────────────────────────────────────

// ExportResult summarizes an export.
type ExportResult struct {
	Notes int
	Bytes int64
}

// Export writes every document in src as a note under the vault root.
// Existing files at the same paths are overwritten; others are left alone.
func (v *Vault) Export(ctx context.Context, src Source) (*ExportResult, error) {
	res := &ExportResult{}
	err := src.Scan(ctx, 100, func(recs []docstore.Record) error {
		for _, r := range recs {
			n, err := v.writeNote(r.Document)
			if err != nil {
				return err
			}
			res.Notes++
			res.Bytes += int64(n)
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("vault: export: %w", err)
	}
	v.logger.Info("vault exported", "root", v.root, "notes", res.Notes, "bytes", res.Bytes)
	return res, nil
}

func (v *Vault) writeNote(d document.Document) (int, error) {
	full, err := v.fullPath(d.Path)
	if err != nil {
		return 0, err
	}
	data, err := document.MarshalMarkdown(d)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return 0, fmt.Errorf("creating note directory: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return 0, fmt.Errorf("writing %s: %w", d.Path, err)
	}
	return len(data), nil
}

func (v *Vault) fullPath(p string) (string, error) {
	clean, err := document.NormalizePath(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(v.root, filepath.FromSlash(clean)), nil
}

// ─── Import ──────────────────────────────────────────────────────────────────

// ImportResult summarizes an import.
type ImportResult struct {
	Written int
	// Skipped counts notes the bus discarded as superseded or conflicting.
	Skipped int
	Failed  map[string]string
}

// ImportOptions tune Import.
type ImportOptions struct {
	AgentID    string
	Resolution membus.Resolution
}

// Import writes every note under the vault root through dst. Hidden
// directories such as .obsidian and .git are skipped. A note that cannot
// be parsed or written is recorded in Failed and the walk continues.
func (v *Vault) Import(ctx context.Context, dst Sink, opts ImportOptions) (*ImportResult, error) {
	if opts.AgentID == "" {
		opts.AgentID = "vault-import"
	}
	res := &ImportResult{Failed: map[string]string{}}

	err := filepath.WalkDir(v.root, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if full != v.root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(d.Name(), NoteSuffix) {
			return nil
		}
		rel, err := filepath.Rel(v.root, full)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if err := v.importNote(ctx, dst, full, rel, opts, res); err != nil {
			res.Failed[rel] = err.Error()
			v.logger.Warn("note import failed", "path", rel, "error", err)
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("vault: import: %w", err)
	}
	v.logger.Info("vault imported", "root", v.root,
		"written", res.Written, "skipped", res.Skipped, "failed", len(res.Failed))
	return res, nil
}

func (v *Vault) importNote(ctx context.Context, dst Sink, full, rel string, opts ImportOptions, res *ImportResult) error {
	data, err := os.ReadFile(full)
	if err != nil {
		return err
	}
	doc, err := document.UnmarshalMarkdown(rel, data)
	if err != nil {
		return err
	}
	out, err := dst.Write(ctx, membus.WriteRequest{
		Operation: membus.OpWrite,
		Document:  doc,
		AgentID:   opts.AgentID,
		Metadata:  membus.WriteMetadata{ConflictResolution: opts.Resolution},
	})
	switch {
	case errors.Is(err, membus.ErrConflict):
		res.Skipped++
		return nil
	case err != nil:
		return err
	case out.Status == membus.StatusSuccess:
		res.Written++
	default:
		res.Skipped++
	}
	return nil
}
