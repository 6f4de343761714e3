// Package document defines the note model shared by every layer of the bus:
// a vault-relative path, a Markdown body, and a free-form frontmatter map.
package document

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Well-known frontmatter keys.
const (
	KeyTitle             = "title"
	KeyTags              = "tags"
	KeyHebbianWeights    = "hebbian_weights"
	KeyCreatedAt         = "created_at"
	KeyLastModified      = "last_modified"
	KeyEmbeddingMetadata = "embedding_metadata"
	KeyDecayScore        = "decay_score"
	KeyArchived          = "archived"
)

// volatileKeys are stamped by the write path and never count toward a
// document's identity hash.
var volatileKeys = map[string]bool{
	KeyCreatedAt:    true,
	KeyLastModified: true,
}

// ErrInvalidPath is returned by NormalizePath.
var ErrInvalidPath = errors.New("document: invalid path")

// Document is a Markdown note addressed by its path inside a vault.
type Document struct {
	Path        string      `json:"path"`
	Content     string      `json:"content"`
	Frontmatter Frontmatter `json:"frontmatter,omitempty"`
}

// Clone returns a deep copy of d.
func (d Document) Clone() Document {
	d.Frontmatter = d.Frontmatter.Clone()
	return d
}

// Title returns the frontmatter title, else the first Markdown heading,
// else the file name without extension.
func (d Document) Title() string {
	if t := d.Frontmatter.String(KeyTitle); t != "" {
		return t
	}
	for _, line := range strings.Split(d.Content, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(line[2:])
		}
	}
	base := path.Base(d.Path)
	return strings.TrimSuffix(base, path.Ext(base))
}

// NormalizePath cleans a vault-relative path. Absolute paths and paths that
// escape the vault root are rejected.
func NormalizePath(p string) (string, error) {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: %q is absolute", ErrInvalidPath, p)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q escapes the vault", ErrInvalidPath, p)
	}
	return clean, nil
}

// Hash returns the identity hash used for dedupe and sync staleness checks.
// op distinguishes a delete of a path from a write of the same path.
func Hash(op string, d Document) string {
	fm := make(map[string]any, len(d.Frontmatter))
	for k, v := range d.Frontmatter {
		if !volatileKeys[k] {
			fm[k] = v
		}
	}
	payload := struct {
		Op          string         `json:"op"`
		Path        string         `json:"path"`
		Content     string         `json:"content"`
		Frontmatter map[string]any `json:"frontmatter"`
	}{op, d.Path, d.Content, fm}
	// encoding/json sorts map keys, which makes the encoding canonical.
	b, err := json.Marshal(payload)
	if err != nil {
		b = []byte(fmt.Sprintf("%s\x00%s\x00%s\x00%v", op, d.Path, d.Content, fm))
	}
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

// ─── Frontmatter ────────────────────────────────────────────────────────────

// Frontmatter is the metadata block of a note.
type Frontmatter map[string]any

// Clone deep-copies nested maps and slices.
func (f Frontmatter) Clone() Frontmatter {
	if f == nil {
		return nil
	}
	out := make(Frontmatter, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case Frontmatter:
		return t.Clone()
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	case []string:
		return append([]string(nil), t...)
	case map[string]float64:
		m := make(map[string]float64, len(t))
		for k, vv := range t {
			m[k] = vv
		}
		return m
	default:
		return v
	}
}

// String returns a string value or "".
func (f Frontmatter) String(key string) string {
	switch v := f[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return ""
	}
}

// Float returns a numeric value.
func (f Frontmatter) Float(key string) (float64, bool) {
	return toFloat(f[key])
}

// Bool returns a boolean value, accepting "true"/"false" strings.
func (f Frontmatter) Bool(key string) bool {
	switch v := f[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

// Time parses an RFC3339 timestamp (or a time.Time left by a decoder).
func (f Frontmatter) Time(key string) (time.Time, bool) {
	switch v := f[key].(type) {
	case time.Time:
		return v, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// Archived reports the archived flag.
func (f Frontmatter) Archived() bool { return f.Bool(KeyArchived) }

// Tags returns the tag list. A comma-separated string is accepted as well.
func (f Frontmatter) Tags() []string {
	var raw []string
	switch v := f[KeyTags].(type) {
	case []string:
		raw = v
	case []any:
		for _, t := range v {
			if s, ok := t.(string); ok {
				raw = append(raw, s)
			}
		}
	case string:
		raw = strings.Split(v, ",")
	}
	tags := make([]string, 0, len(raw))
	for _, t := range raw {
		t = strings.TrimPrefix(strings.TrimSpace(t), "#")
		if t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// HebbianWeights returns the per-agent association weights.
func (f Frontmatter) HebbianWeights() map[string]float64 {
	out := map[string]float64{}
	switch v := f[KeyHebbianWeights].(type) {
	case map[string]float64:
		for k, w := range v {
			out[k] = w
		}
	case map[string]any:
		for k, w := range v {
			if x, ok := toFloat(w); ok {
				out[k] = x
			}
		}
	case Frontmatter:
		for k, w := range v {
			if x, ok := toFloat(w); ok {
				out[k] = x
			}
		}
	}
	return out
}

// Keys returns the frontmatter keys in sorted order.
func (f Frontmatter) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		x, err := n.Float64()
		return x, err == nil
	case string:
		x, err := strconv.ParseFloat(n, 64)
		return x, err == nil
	default:
		return 0, false
	}
}
