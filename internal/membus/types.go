package membus

import (
	"strings"
	"time"

	"github.com/HendryAvila/membus/internal/document"
	"github.com/HendryAvila/membus/internal/vectorindex"
)

// Document is the unit of storage: a path, a body and frontmatter.
type Document = document.Document

// Operation is a write operation.
type Operation string

const (
	OpWrite  Operation = "write"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Resolution is a conflict resolution policy.
type Resolution string

const (
	LastWriteWins Resolution = "last_write_wins"
	Abort         Resolution = "abort"
	Merge         Resolution = "merge"
)

// ─── Writes ──────────────────────────────────────────────────────────────────

// WriteRequest asks the bus to create, patch or delete a document.
type WriteRequest struct {
	Operation Operation `json:"operation"`
	Document  Document  `json:"document"`
	AgentID   string    `json:"agent_id,omitempty"`
	// SubmittedAt orders concurrent writes under last_write_wins. Zero
	// means the time the bus received the request.
	SubmittedAt time.Time `json:"submitted_at,omitempty"`
	// BaseHash is the content hash of the version the caller edited. When
	// empty the version current at submission is used.
	BaseHash string        `json:"base_hash,omitempty"`
	Metadata WriteMetadata `json:"metadata,omitempty"`
}

// WriteMetadata carries per-request write options.
type WriteMetadata struct {
	ConflictResolution Resolution `json:"conflict_resolution,omitempty"`
}

// WriteStatus is the outcome of a write that did not fail.
type WriteStatus string

const (
	StatusSuccess  WriteStatus = "success"
	StatusConflict WriteStatus = "conflict"
	StatusTimeout  WriteStatus = "timeout"
)

// Conflict reasons.
const (
	ReasonSuperseded    = "superseded"
	ReasonMergeConflict = "merge_conflict"
)

// WriteResult reports a finished write.
type WriteResult struct {
	Status      WriteStatus `json:"status"`
	Reason      string      `json:"reason,omitempty"`
	WriteID     string      `json:"write_id"`
	Path        string      `json:"path"`
	Timestamp   time.Time   `json:"timestamp"`
	LatencyMS   float64     `json:"latency_ms"`
	PersistMS   float64     `json:"persist_ms,omitempty"`
	ContentHash string      `json:"content_hash"`
	Version     int64       `json:"version,omitempty"`
	SyncPending bool        `json:"sync_pending"`
	// EstimatedSyncCompletion is when the vector index is expected to
	// reflect the write, from the recent sync lag.
	EstimatedSyncCompletion time.Time `json:"estimated_sync_completion,omitempty"`
	Conflict                *Conflict `json:"conflict,omitempty"`
}

// Conflict references both sides of a write that was not applied.
type Conflict struct {
	BaseHash     string `json:"base_hash,omitempty"`
	CurrentHash  string `json:"current_hash,omitempty"`
	IncomingHash string `json:"incoming_hash"`
	// Current and Incoming are only set for merge conflicts, which need
	// both versions for manual review.
	Current  *Document `json:"current,omitempty"`
	Incoming *Document `json:"incoming,omitempty"`
	// SupersededBy is the write id that replaced this one, when known.
	SupersededBy string `json:"superseded_by,omitempty"`
}

// ─── Reads ───────────────────────────────────────────────────────────────────

// QueryType names the cascade level a read starts at.
type QueryType string

const (
	QueryExact    QueryType = "exact"
	QueryKeyword  QueryType = "keyword"
	QuerySemantic QueryType = "semantic"
)

// Match modes for keyword search.
const (
	MatchAll = "all"
	MatchAny = "any"
)

// Consistency levels for reads.
const (
	ConsistencyEventual = "eventual"
	ConsistencyStrong   = "strong"
)

// ReadRequest asks the bus for documents through the cascade.
type ReadRequest struct {
	Operation      string          `json:"operation,omitempty"`
	QueryType      QueryType       `json:"query_type,omitempty"`
	ExactPath      string          `json:"exact_path,omitempty"`
	KeywordSearch  *KeywordSearch  `json:"keyword_search,omitempty"`
	SemanticSearch *SemanticSearch `json:"semantic_search,omitempty"`
	// ForceSemantic computes semantic matches even when a lower level
	// already answered; they are appended after the lower-level matches.
	ForceSemantic bool         `json:"force_semantic,omitempty"`
	Metadata      ReadMetadata `json:"metadata,omitempty"`
}

// KeywordSearch is the level-2 clause.
type KeywordSearch struct {
	Terms     []string `json:"terms"`
	Fields    []string `json:"fields,omitempty"`
	MatchMode string   `json:"match_mode,omitempty"`
	Limit     int      `json:"limit,omitempty"`
	// IncludeArchived also searches archived documents.
	IncludeArchived bool `json:"include_archived,omitempty"`
}

// SemanticSearch is the level-3 clause.
type SemanticSearch struct {
	QueryText string             `json:"query_text,omitempty"`
	Embedding []float32          `json:"embedding,omitempty"`
	TopK      int                `json:"top_k,omitempty"`
	Filters   vectorindex.Filter `json:"filters,omitempty"`
}

// ReadMetadata carries per-request read options.
type ReadMetadata struct {
	// UseCache defaults to true.
	UseCache         *bool  `json:"use_cache,omitempty"`
	TimeoutMS        int    `json:"timeout_ms,omitempty"`
	ConsistencyLevel string `json:"consistency_level,omitempty"`
}

// ReadStatus is the outcome of a read.
type ReadStatus string

const (
	ReadSuccess  ReadStatus = "success"
	ReadTimeout  ReadStatus = "timeout"
	ReadDegraded ReadStatus = "degraded"
)

// Match is one document returned by a read.
type Match struct {
	ContentID       string               `json:"content_id"`
	Path            string               `json:"path"`
	Content         string               `json:"content"`
	Frontmatter     document.Frontmatter `json:"frontmatter,omitempty"`
	ContentHash     string               `json:"content_hash,omitempty"`
	Version         int64                `json:"version,omitempty"`
	RelevanceScore  float64              `json:"relevance_score,omitempty"`
	SimilarityScore float64              `json:"similarity_score,omitempty"`
	SourceLevel     int                  `json:"source_level"`
	LatencyMS       float64              `json:"latency_ms"`
}

// ReadResult is the outcome of a read. Status timeout and degraded still
// carry whatever matches completed levels produced.
type ReadResult struct {
	Status          ReadStatus `json:"status"`
	Matches         []Match    `json:"matches"`
	TotalMatches    int        `json:"total_matches"`
	SourceLevel     int        `json:"source_level"`
	Escalations     int        `json:"escalations"`
	CacheHit        bool       `json:"cache_hit,omitempty"`
	SearchLatencyMS float64    `json:"search_latency_ms"`
	Error           *Error     `json:"error,omitempty"`
}

func (r ReadRequest) useCache() bool {
	return r.Metadata.UseCache == nil || *r.Metadata.UseCache
}

func (r ReadRequest) strong() bool {
	return strings.EqualFold(r.Metadata.ConsistencyLevel, ConsistencyStrong)
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
