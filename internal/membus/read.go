package membus

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/HendryAvila/membus/internal/docstore"
	"github.com/HendryAvila/membus/internal/document"
)

// Cascade levels.
const (
	LevelExact    = 1
	LevelKeyword  = 2
	LevelSemantic = 3
)

var levelNames = [...]string{"none", "exact", "keyword", "semantic"}

// levelOutcome is what one level of the cascade produced.
type levelOutcome struct {
	matches  []Match
	cacheHit bool
	err      error
}

// Read answers req through the cascade: exact path, then keyword search,
// then semantic search, stopping at the first level with a match. Only
// validation failures are returned as errors; timeouts and adapter
// failures are reported through the result status alongside whatever
// matches were found.
func (b *Bus) Read(ctx context.Context, req ReadRequest) (*ReadResult, error) {
	start := time.Now()
	entry, err := b.validateRead(&req)
	if err != nil {
		b.metrics.RecordRead(ctx, 0, "invalid", time.Since(start))
		return nil, err
	}

	timeout := b.cfg.ReadTimeout
	if req.Metadata.TimeoutMS > 0 {
		timeout = time.Duration(req.Metadata.TimeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := &ReadResult{Status: ReadSuccess, Matches: []Match{}}
	last := 0
	for level := entry; level <= LevelSemantic; level++ {
		if !req.has(level) {
			continue
		}
		if last != 0 {
			res.Escalations++
			b.escalations.Add(1)
			b.metrics.RecordEscalation(ctx, last, level)
		}
		last = level

		out, timedOut := b.runLevel(ctx, level, req)
		if timedOut {
			res.Status = ReadTimeout
			res.Error = newError(CodeReadTimeout, ctx.Err(), "read exceeded %s during %s lookup", timeout, levelNames[level])
			break
		}
		if out.err != nil {
			b.degrade(res, level, out.err)
			continue
		}
		if len(out.matches) > 0 {
			res.Matches = out.matches
			res.SourceLevel = level
			res.CacheHit = out.cacheHit
			break
		}
	}

	if req.ForceSemantic && res.Status != ReadTimeout && res.SourceLevel != 0 && res.SourceLevel < LevelSemantic {
		b.appendSemantic(ctx, req, res, timeout)
	}

	res.TotalMatches = len(res.Matches)
	res.SearchLatencyMS = ms(time.Since(start))
	b.reads.Add(1)
	b.readsBy[res.SourceLevel].Add(1)
	b.metrics.RecordRead(ctx, res.SourceLevel, string(res.Status), time.Since(start))
	return res, nil
}

// appendSemantic adds semantic matches that lower levels did not return.
func (b *Bus) appendSemantic(ctx context.Context, req ReadRequest, res *ReadResult, timeout time.Duration) {
	out, timedOut := b.runLevel(ctx, LevelSemantic, req)
	switch {
	case timedOut:
		res.Status = ReadTimeout
		res.Error = newError(CodeReadTimeout, ctx.Err(), "read exceeded %s during semantic lookup", timeout)
		return
	case out.err != nil:
		b.degrade(res, LevelSemantic, out.err)
		return
	}
	seen := make(map[string]bool, len(res.Matches))
	for _, m := range res.Matches {
		seen[m.Path] = true
	}
	for _, m := range out.matches {
		if !seen[m.Path] {
			res.Matches = append(res.Matches, m)
		}
	}
}

func (b *Bus) degrade(res *ReadResult, level int, err error) {
	b.logger.Warn("read level failed", "level", levelNames[level], "error", err)
	res.Status = ReadDegraded
	if res.Error == nil {
		res.Error = AsError(err)
	}
}

// runLevel runs one level on its own goroutine so a slow adapter cannot
// hold the caller past the deadline. The channel is buffered, so the
// goroutine finishes on its own once the adapter returns.
func (b *Bus) runLevel(ctx context.Context, level int, req ReadRequest) (levelOutcome, bool) {
	ch := make(chan levelOutcome, 1)
	go func() {
		start := time.Now()
		var out levelOutcome
		switch level {
		case LevelExact:
			out = b.exact(ctx, req)
		case LevelKeyword:
			out = b.keyword(ctx, req)
		case LevelSemantic:
			out = b.semantic(ctx, req)
		}
		lat := ms(time.Since(start))
		for i := range out.matches {
			out.matches[i].LatencyMS = lat
		}
		ch <- out
	}()
	select {
	case out := <-ch:
		if out.err != nil && ctx.Err() != nil {
			return levelOutcome{}, true
		}
		return out, false
	case <-ctx.Done():
		return levelOutcome{}, true
	}
}

// ─── Levels ──────────────────────────────────────────────────────────────────

func (b *Bus) exact(ctx context.Context, req ReadRequest) levelOutcome {
	path := req.ExactPath
	if req.useCache() && !req.strong() {
		if rec, ok := b.cache.get(path); ok {
			return levelOutcome{matches: []Match{recordMatch(rec, LevelExact)}, cacheHit: true}
		}
	}
	epoch := b.cache.epoch(path)
	rec, err := b.docs.Get(ctx, path)
	if errors.Is(err, docstore.ErrNotFound) {
		return levelOutcome{}
	}
	if err != nil {
		return levelOutcome{err: newError(CodeAdapterUnavailable, err, "document store unavailable")}
	}
	if req.useCache() {
		b.cache.fill(path, epoch, rec)
	}
	return levelOutcome{matches: []Match{recordMatch(rec, LevelExact)}}
}

func (b *Bus) keyword(ctx context.Context, req ReadRequest) levelOutcome {
	ks := req.KeywordSearch
	limit := ks.Limit
	if limit <= 0 {
		limit = b.cfg.KeywordLimit
	}
	// Candidates come ranked by bm25; the scorer reranks the full
	// candidate set before truncating.
	hits, err := b.docs.Search(ctx, docstore.KeywordQuery{
		Terms:           ks.Terms,
		Fields:          ks.Fields,
		MatchMode:       ks.MatchMode,
		IncludeArchived: ks.IncludeArchived,
	})
	if err != nil {
		return levelOutcome{err: newError(CodeAdapterUnavailable, err, "keyword search failed")}
	}
	ranked := rank(b.cfg.Scorer, hits, ks.Terms, ks.Fields)
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	matches := make([]Match, len(ranked))
	for i, r := range ranked {
		hit := r.hit.Record
		matches[i] = recordMatch(&hit, LevelKeyword)
		matches[i].RelevanceScore = r.score
	}
	return levelOutcome{matches: matches}
}

func (b *Bus) semantic(ctx context.Context, req ReadRequest) levelOutcome {
	ss := req.SemanticSearch
	if req.strong() {
		if err := b.queue.WaitIdle(ctx); err != nil {
			return levelOutcome{err: err}
		}
	}
	vec := ss.Embedding
	if len(vec) == 0 {
		var err error
		vec, err = b.embedder.Embed(ctx, ss.QueryText)
		if err != nil {
			return levelOutcome{err: newError(CodeAdapterUnavailable, err, "embedding the query failed")}
		}
	}
	topK := ss.TopK
	if topK <= 0 {
		topK = b.cfg.DefaultTopK
	}
	results, err := b.vecs.Query(ctx, vec, topK, ss.Filters)
	if err != nil {
		return levelOutcome{err: newError(CodeAdapterUnavailable, err, "vector index unavailable")}
	}
	if len(results) == 0 {
		return levelOutcome{}
	}

	paths := make([]string, len(results))
	for i, r := range results {
		paths[i] = r.ID
	}
	recs, err := b.docs.GetMany(ctx, paths)
	if err != nil {
		return levelOutcome{err: newError(CodeAdapterUnavailable, err, "document store unavailable")}
	}
	matches := make([]Match, 0, len(results))
	for _, r := range results {
		rec, ok := recs[r.ID]
		if !ok {
			b.logger.Debug("dropping orphaned vector", "content_id", r.ID)
			continue
		}
		m := recordMatch(rec, LevelSemantic)
		m.SimilarityScore = r.Similarity
		matches = append(matches, m)
	}
	return levelOutcome{matches: matches}
}

func recordMatch(rec *docstore.Record, level int) Match {
	return Match{
		ContentID:   rec.Path,
		Path:        rec.Path,
		Content:     rec.Content,
		Frontmatter: rec.Frontmatter.Clone(),
		ContentHash: rec.ContentHash,
		Version:     rec.Version,
		SourceLevel: level,
	}
}

// ─── Validation ──────────────────────────────────────────────────────────────

// has reports whether req carries the clause of level.
func (r ReadRequest) has(level int) bool {
	switch level {
	case LevelExact:
		return r.ExactPath != ""
	case LevelKeyword:
		return r.KeywordSearch != nil
	case LevelSemantic:
		return r.SemanticSearch != nil
	}
	return false
}

// validateRead normalizes req in place and returns the level the cascade
// starts at: the one query_type names, else the lowest clause present.
func (b *Bus) validateRead(req *ReadRequest) (int, error) {
	fe := fieldErrors{}
	if req.KeywordSearch != nil {
		ks := *req.KeywordSearch
		req.KeywordSearch = &ks
	}
	if req.SemanticSearch != nil {
		ss := *req.SemanticSearch
		req.SemanticSearch = &ss
	}
	if req.Operation != "" && req.Operation != "read" {
		fe.add("operation", "must be read")
	}

	if req.ExactPath != "" {
		p, err := document.NormalizePath(req.ExactPath)
		if err != nil {
			fe.add("exact_path", err.Error())
		}
		req.ExactPath = p
	}
	if ks := req.KeywordSearch; ks != nil {
		terms := ks.Terms[:0:0]
		for _, t := range ks.Terms {
			if t = strings.TrimSpace(t); t != "" {
				terms = append(terms, t)
			}
		}
		ks.Terms = terms
		if len(terms) == 0 {
			fe.add("keyword_search.terms", "at least one term is required")
		}
		for _, f := range ks.Fields {
			switch strings.ToLower(f) {
			case docstore.FieldTitle, docstore.FieldTags, docstore.FieldContent:
			default:
				fe.add("keyword_search.fields", "fields are title, tags and content")
			}
		}
		switch ks.MatchMode {
		case "":
			ks.MatchMode = MatchAll
		case MatchAll, MatchAny:
		default:
			fe.add("keyword_search.match_mode", "must be all or any")
		}
		if ks.Limit < 0 {
			fe.add("keyword_search.limit", "must not be negative")
		}
	}
	if ss := req.SemanticSearch; ss != nil {
		if strings.TrimSpace(ss.QueryText) == "" && len(ss.Embedding) == 0 {
			fe.add("semantic_search", "query_text or embedding is required")
		}
		if n := len(ss.Embedding); n > 0 && n != b.embedder.Dimensions() {
			fe.add("semantic_search.embedding", "dimension does not match the index")
		}
		if ss.TopK < 0 {
			fe.add("semantic_search.top_k", "must not be negative")
		}
	}
	if req.ForceSemantic && req.SemanticSearch == nil {
		fe.add("force_semantic", "requires semantic_search")
	}

	switch strings.ToLower(req.Metadata.ConsistencyLevel) {
	case "", ConsistencyEventual, ConsistencyStrong:
	default:
		fe.add("metadata.consistency_level", "must be eventual or strong")
	}
	if req.Metadata.TimeoutMS < 0 {
		fe.add("metadata.timeout_ms", "must not be negative")
	}

	entry := 0
	switch req.QueryType {
	case "":
		for level := LevelExact; level <= LevelSemantic; level++ {
			if req.has(level) {
				entry = level
				break
			}
		}
		if entry == 0 {
			fe.add("query", "one of exact_path, keyword_search or semantic_search is required")
		}
	case QueryExact, QueryKeyword, QuerySemantic:
		entry = map[QueryType]int{QueryExact: LevelExact, QueryKeyword: LevelKeyword, QuerySemantic: LevelSemantic}[req.QueryType]
		if !req.has(entry) {
			fe.add("query_type", string(req.QueryType)+" needs its clause")
		}
	default:
		fe.add("query_type", "must be exact, keyword or semantic")
	}
	return entry, fe.err()
}
