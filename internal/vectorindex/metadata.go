package vectorindex

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/HendryAvila/membus/internal/document"
)

// Metadata keys stored on every record.
const (
	MetaPath           = "path"
	MetaContentHash    = "content_hash"
	MetaTitle          = "title"
	MetaTags           = "tags"
	MetaHebbianWeights = "hebbian_weights"
	MetaHebbianMax     = "hebbian_max"
	MetaCreatedAt      = "created_at"
	MetaLastModified   = "last_modified"
	MetaArchived       = "archived"
	MetaWriteID        = "write_id"
)

// Metadata flattens the filterable parts of a document into the string map
// chromem stores. Tags are kept comma-delimited with leading and trailing
// commas so membership is a substring check.
func Metadata(d document.Document, hash, writeID string) map[string]string {
	fm := d.Frontmatter
	meta := map[string]string{
		MetaPath:        d.Path,
		MetaContentHash: hash,
		MetaTitle:       d.Title(),
		MetaArchived:    strconv.FormatBool(fm.Archived()),
	}
	if writeID != "" {
		meta[MetaWriteID] = writeID
	}
	if tags := fm.Tags(); len(tags) > 0 {
		lower := make([]string, len(tags))
		for i, t := range tags {
			lower[i] = strings.ToLower(t)
		}
		meta[MetaTags] = "," + strings.Join(lower, ",") + ","
	}
	if w := fm.HebbianWeights(); len(w) > 0 {
		if b, err := json.Marshal(w); err == nil {
			meta[MetaHebbianWeights] = string(b)
		}
		top := 0.0
		first := true
		for _, v := range w {
			if first || v > top {
				top, first = v, false
			}
		}
		meta[MetaHebbianMax] = strconv.FormatFloat(top, 'g', -1, 64)
	}
	if t, ok := fm.Time(document.KeyCreatedAt); ok {
		meta[MetaCreatedAt] = t.UTC().Format(time.RFC3339Nano)
	}
	if t, ok := fm.Time(document.KeyLastModified); ok {
		meta[MetaLastModified] = t.UTC().Format(time.RFC3339Nano)
	}
	return meta
}

// EmbeddingText is the text embedded for a document: title, tags and body.
func EmbeddingText(d document.Document) string {
	var b strings.Builder
	b.WriteString(d.Title())
	if tags := d.Frontmatter.Tags(); len(tags) > 0 {
		b.WriteString("\n")
		b.WriteString(strings.Join(tags, " "))
	}
	b.WriteString("\n\n")
	b.WriteString(d.Content)
	return b.String()
}

// ─── Filters ─────────────────────────────────────────────────────────────────

// Filter narrows semantic results. Zero values disable each criterion.
// Time bounds are inclusive.
type Filter struct {
	HebbianWeightMin *float64 `json:"hebbian_weight_min,omitempty"`
	// AgentID selects whose weight HebbianWeightMin applies to; empty means
	// the strongest weight of any agent.
	AgentID         string    `json:"agent_id,omitempty"`
	CreatedAfter    time.Time `json:"created_after,omitempty"`
	CreatedBefore   time.Time `json:"created_before,omitempty"`
	ModifiedAfter   time.Time `json:"modified_after,omitempty"`
	ModifiedBefore  time.Time `json:"modified_before,omitempty"`
	Tags            []string  `json:"tags,omitempty"`
	IncludeArchived bool      `json:"include_archived,omitempty"`
}

// needsPostFilter reports whether any criterion chromem cannot evaluate
// natively is set.
func (f Filter) needsPostFilter() bool {
	return f.HebbianWeightMin != nil ||
		!f.CreatedAfter.IsZero() || !f.CreatedBefore.IsZero() ||
		!f.ModifiedAfter.IsZero() || !f.ModifiedBefore.IsZero() ||
		len(f.Tags) > 0
}

// Match reports whether a record's metadata passes the filter.
func (f Filter) Match(meta map[string]string) bool {
	if !f.IncludeArchived && meta[MetaArchived] == "true" {
		return false
	}
	if f.HebbianWeightMin != nil {
		w, ok := hebbianWeight(meta, f.AgentID)
		if !ok || w < *f.HebbianWeightMin {
			return false
		}
	}
	if !inRange(meta[MetaCreatedAt], f.CreatedAfter, f.CreatedBefore) {
		return false
	}
	if !inRange(meta[MetaLastModified], f.ModifiedAfter, f.ModifiedBefore) {
		return false
	}
	for _, t := range f.Tags {
		if !strings.Contains(meta[MetaTags], ","+strings.ToLower(strings.TrimSpace(t))+",") {
			return false
		}
	}
	return true
}

func hebbianWeight(meta map[string]string, agent string) (float64, bool) {
	if agent == "" {
		v, err := strconv.ParseFloat(meta[MetaHebbianMax], 64)
		return v, err == nil
	}
	var weights map[string]float64
	if err := json.Unmarshal([]byte(meta[MetaHebbianWeights]), &weights); err != nil {
		return 0, false
	}
	w, ok := weights[agent]
	return w, ok
}

func inRange(raw string, after, before time.Time) bool {
	if after.IsZero() && before.IsZero() {
		return true
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return false
	}
	if !after.IsZero() && t.Before(after) {
		return false
	}
	if !before.IsZero() && t.After(before) {
		return false
	}
	return true
}
