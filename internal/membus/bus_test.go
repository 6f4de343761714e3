package membus_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HendryAvila/membus/internal/consistency"
	"github.com/HendryAvila/membus/internal/docstore"
	"github.com/HendryAvila/membus/internal/embed"
	"github.com/HendryAvila/membus/internal/membus"
	"github.com/HendryAvila/membus/internal/syncq"
	"github.com/HendryAvila/membus/internal/vectorindex"
)

const dims = 32

type fixture struct {
	store *docstore.Store
	index *vectorindex.Index
	bus   *membus.Bus
}

type setup struct {
	cfg  membus.Config
	docs func(*docstore.Store) membus.DocumentStore
	vecs func(*vectorindex.Index) membus.VectorIndex
}

func newFixture(t *testing.T, opts ...func(*setup)) *fixture {
	t.Helper()
	store, err := docstore.New(docstore.Config{
		Path:             filepath.Join(t.TempDir(), "documents.db"),
		Vault:            "test",
		MaxSearchResults: 50,
		RevisionLimit:    8,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	index, err := vectorindex.Open(vectorindex.Config{URL: "mem://", Collection: "test", Dimensions: dims})
	require.NoError(t, err)

	s := &setup{
		cfg: membus.Config{
			WriteTimeout: 5 * time.Second,
			ReadTimeout:  5 * time.Second,
			RetryBackoff: []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond},
			Queue:        syncq.Config{Workers: 2, JobTimeout: 10 * time.Second},
		},
		docs: func(s *docstore.Store) membus.DocumentStore { return s },
		vecs: func(ix *vectorindex.Index) membus.VectorIndex { return ix },
	}
	for _, o := range opts {
		o(s)
	}

	bus, err := membus.New(s.cfg, s.docs(store), s.vecs(index), embed.NewHash(dims))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = bus.Close(ctx)
	})
	return &fixture{store: store, index: index, bus: bus}
}

func (f *fixture) write(t *testing.T, path, content string, fm map[string]any) *membus.WriteResult {
	t.Helper()
	res, err := f.bus.Write(context.Background(), membus.WriteRequest{
		Operation: membus.OpWrite,
		Document:  membus.Document{Path: path, Content: content, Frontmatter: fm},
		AgentID:   "agent-1",
	})
	require.NoError(t, err)
	require.Equal(t, membus.StatusSuccess, res.Status)
	return res
}

func (f *fixture) synced(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.bus.WaitSynced(ctx))
}

func exact(path string) membus.ReadRequest {
	return membus.ReadRequest{Operation: "read", QueryType: membus.QueryExact, ExactPath: path}
}

// ─── Adapter wrappers ────────────────────────────────────────────────────────

// gatedStore blocks the first Put until release is closed and counts Gets.
type gatedStore struct {
	*docstore.Store
	once    sync.Once
	entered chan struct{}
	release chan struct{}
	gets    atomic.Int32
}

func (g *gatedStore) Get(ctx context.Context, path string) (*docstore.Record, error) {
	g.gets.Add(1)
	return g.Store.Get(ctx, path)
}

func newGatedStore(s *docstore.Store) *gatedStore {
	return &gatedStore{Store: s, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedStore) Put(ctx context.Context, doc membus.Document, hash string, opts docstore.PutOptions) (*docstore.Record, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.Store.Put(ctx, doc, hash, opts)
}

// flakyStore fails the first n Puts with err.
type flakyStore struct {
	*docstore.Store
	n     int32
	err   error
	calls atomic.Int32
}

func (f *flakyStore) Put(ctx context.Context, doc membus.Document, hash string, opts docstore.PutOptions) (*docstore.Record, error) {
	if f.calls.Add(1) <= f.n {
		return nil, f.err
	}
	return f.Store.Put(ctx, doc, hash, opts)
}

// countingIndex counts queries and can block upserts or fail queries.
type countingIndex struct {
	*vectorindex.Index
	queries  atomic.Int32
	release  chan struct{}
	queryErr error
	hang     bool
}

func (c *countingIndex) Upsert(ctx context.Context, rec vectorindex.Record) error {
	if c.release != nil {
		select {
		case <-c.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return c.Index.Upsert(ctx, rec)
}

func (c *countingIndex) Query(ctx context.Context, emb []float32, topK int, f vectorindex.Filter) ([]vectorindex.Result, error) {
	c.queries.Add(1)
	if c.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if c.queryErr != nil {
		return nil, c.queryErr
	}
	return c.Index.Query(ctx, emb, topK, f)
}

// ─── Write ───────────────────────────────────────────────────────────────────

func TestWrite_SecondWriteWinsAndIsReadBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.write(t, "notes/a.md", "hello", nil)
	assert.True(t, first.SyncPending)
	assert.NotEmpty(t, first.WriteID)
	assert.NotEmpty(t, first.ContentHash)
	assert.False(t, first.EstimatedSyncCompletion.IsZero())

	second := f.write(t, "notes/a.md", "world", nil)
	assert.NotEqual(t, first.WriteID, second.WriteID)
	assert.Equal(t, int64(2), second.Version)

	res, err := f.bus.Read(ctx, exact("notes/a.md"))
	require.NoError(t, err)
	require.Equal(t, membus.ReadSuccess, res.Status)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "world", res.Matches[0].Content)
	assert.Equal(t, 1, res.SourceLevel)
	assert.Equal(t, second.ContentHash, res.Matches[0].ContentHash)
}

func TestWrite_DuplicateWithinWindowIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := membus.WriteRequest{
		Operation: membus.OpWrite,
		Document:  membus.Document{Path: "dup.md", Content: "same"},
		AgentID:   "agent-1",
	}

	a, err := f.bus.Write(ctx, req)
	require.NoError(t, err)
	b, err := f.bus.Write(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, a.WriteID, b.WriteID)

	audit, err := f.store.RecentAudit(ctx, "dup.md", 10)
	require.NoError(t, err)
	assert.Len(t, audit, 1)

	rec, err := f.store.Get(ctx, "dup.md")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)
}

func TestWrite_DuplicateAfterWindowExecutesAgain(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.bus.SetClock(func() time.Time { return now })

	a := f.write(t, "dup.md", "same", nil)
	now = now.Add(2 * time.Second)
	b := f.write(t, "dup.md", "same", nil)
	assert.NotEqual(t, a.WriteID, b.WriteID)
}

func TestWrite_RepeatAfterDifferentWriteExecutesAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.write(t, "flip.md", "hello", nil)
	f.write(t, "flip.md", "world", nil)
	third := f.write(t, "flip.md", "hello", nil)
	assert.NotEqual(t, first.WriteID, third.WriteID)

	res, err := f.bus.Read(ctx, exact("flip.md"))
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "hello", res.Matches[0].Content)

	audit, err := f.store.RecentAudit(ctx, "flip.md", 10)
	require.NoError(t, err)
	assert.Len(t, audit, 3)
}

func TestWrite_DeleteAfterRecreateExecutesAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	del := membus.WriteRequest{Operation: membus.OpDelete, Document: membus.Document{Path: "again.md"}}

	f.write(t, "again.md", "v1", nil)
	first, err := f.bus.Write(ctx, del)
	require.NoError(t, err)
	f.write(t, "again.md", "v2", nil)
	second, err := f.bus.Write(ctx, del)
	require.NoError(t, err)
	assert.Equal(t, membus.StatusSuccess, second.Status)
	assert.NotEqual(t, first.WriteID, second.WriteID)

	_, err = f.store.Get(ctx, "again.md")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
	res, err := f.bus.Read(ctx, exact("again.md"))
	require.NoError(t, err)
	assert.Empty(t, res.Matches)
}

func TestWrite_ConcurrentDuplicatesShareOutcome(t *testing.T) {
	f, g := gatedFixture(t)
	req := membus.WriteRequest{Operation: membus.OpWrite, Document: membus.Document{Path: "c.md", Content: "x"}}

	var wg sync.WaitGroup
	ids := make([]string, 4)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.bus.Write(context.Background(), req)
			if assert.NoError(t, err) {
				ids[i] = res.WriteID
			}
		}()
	}
	// Whichever writer runs first holds the gate; the rest share its result.
	<-g.entered
	close(g.release)
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.NotEmpty(t, ids[0])

	audit, err := f.store.RecentAudit(context.Background(), "c.md", 10)
	require.NoError(t, err)
	assert.Len(t, audit, 1)
}

func TestWrite_Validation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name  string
		req   membus.WriteRequest
		field string
	}{
		{"missing operation", membus.WriteRequest{Document: membus.Document{Path: "a.md", Content: "x"}}, "operation"},
		{"unknown operation", membus.WriteRequest{Operation: "upsert", Document: membus.Document{Path: "a.md", Content: "x"}}, "operation"},
		{"missing path", membus.WriteRequest{Operation: membus.OpWrite, Document: membus.Document{Content: "x"}}, "document.path"},
		{"absolute path", membus.WriteRequest{Operation: membus.OpWrite, Document: membus.Document{Path: "/etc/a.md", Content: "x"}}, "document.path"},
		{"escaping path", membus.WriteRequest{Operation: membus.OpWrite, Document: membus.Document{Path: "../a.md", Content: "x"}}, "document.path"},
		{"write without content", membus.WriteRequest{Operation: membus.OpWrite, Document: membus.Document{Path: "a.md"}}, "document.content"},
		{"empty update", membus.WriteRequest{Operation: membus.OpUpdate, Document: membus.Document{Path: "a.md"}}, "document"},
		{"bad policy", membus.WriteRequest{
			Operation: membus.OpWrite,
			Document:  membus.Document{Path: "a.md", Content: "x"},
			Metadata:  membus.WriteMetadata{ConflictResolution: "newest"},
		}, "metadata.conflict_resolution"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.bus.Write(context.Background(), tt.req)
			require.Error(t, err)
			assert.Nil(t, res)
			assert.True(t, errors.Is(err, membus.ErrValidation))
			e := membus.AsError(err)
			assert.Equal(t, membus.CodeValidation, e.Code)
			assert.Contains(t, e.Fields, tt.field)
		})
	}
}

func TestWrite_DeleteOnlyNeedsPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, "gone.md", "bye", nil)
	f.synced(t)
	require.Equal(t, 1, f.index.Count())

	res, err := f.bus.Write(ctx, membus.WriteRequest{Operation: membus.OpDelete, Document: membus.Document{Path: "gone.md"}})
	require.NoError(t, err)
	assert.Equal(t, membus.StatusSuccess, res.Status)
	f.synced(t)

	_, err = f.store.Get(ctx, "gone.md")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
	assert.Equal(t, 0, f.index.Count())

	read, err := f.bus.Read(ctx, exact("gone.md"))
	require.NoError(t, err)
	assert.Empty(t, read.Matches)
}

func TestWrite_DeleteMissingIsNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.bus.Write(context.Background(), membus.WriteRequest{Operation: membus.OpDelete, Document: membus.Document{Path: "nope.md"}})
	assert.ErrorIs(t, err, membus.ErrNotFound)
	assert.Equal(t, membus.CodeNotFound, membus.CodeOf(err))
}

func TestWrite_UpdatePatchesFrontmatter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, "p.md", "body", map[string]any{"title": "Plan", "status": "draft"})

	res, err := f.bus.Write(ctx, membus.WriteRequest{
		Operation: membus.OpUpdate,
		Document:  membus.Document{Path: "p.md", Frontmatter: map[string]any{"status": "final", "owner": "ana"}},
	})
	require.NoError(t, err)
	require.Equal(t, membus.StatusSuccess, res.Status)

	rec, err := f.store.Get(ctx, "p.md")
	require.NoError(t, err)
	assert.Equal(t, "body", rec.Content)
	assert.Equal(t, "Plan", rec.Frontmatter.String("title"))
	assert.Equal(t, "final", rec.Frontmatter.String("status"))
	assert.Equal(t, "ana", rec.Frontmatter.String("owner"))
	assert.NotEmpty(t, rec.Frontmatter.String("created_at"))
	assert.NotEmpty(t, rec.Frontmatter.String("last_modified"))
}

func TestWrite_UpdateMissingIsNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.bus.Write(context.Background(), membus.WriteRequest{
		Operation: membus.OpUpdate,
		Document:  membus.Document{Path: "none.md", Content: "x"},
	})
	assert.ErrorIs(t, err, membus.ErrNotFound)
}

func TestWrite_OlderSubmissionIsDiscarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	_, err := f.bus.Write(ctx, membus.WriteRequest{
		Operation:   membus.OpWrite,
		Document:    membus.Document{Path: "lww.md", Content: "newer"},
		SubmittedAt: now,
	})
	require.NoError(t, err)
	res, err := f.bus.Write(ctx, membus.WriteRequest{
		Operation:   membus.OpWrite,
		Document:    membus.Document{Path: "lww.md", Content: "older"},
		SubmittedAt: now.Add(-time.Second),
	})
	require.NoError(t, err)
	assert.Equal(t, membus.StatusConflict, res.Status)
	assert.Equal(t, membus.ReasonSuperseded, res.Reason)

	rec, err := f.store.Get(ctx, "lww.md")
	require.NoError(t, err)
	assert.Equal(t, "newer", rec.Content)
}

func gatedFixture(t *testing.T) (*fixture, *gatedStore) {
	t.Helper()
	var g *gatedStore
	f := newFixture(t, func(s *setup) {
		s.docs = func(st *docstore.Store) membus.DocumentStore {
			g = newGatedStore(st)
			return g
		}
	})
	return f, g
}

func TestWrite_ConcurrentLastWriteWins(t *testing.T) {
	for _, newerFirst := range []bool{false, true} {
		t.Run(fmt.Sprintf("newer_first=%v", newerFirst), func(t *testing.T) {
			f, g := gatedFixture(t)
			ctx := context.Background()
			now := time.Now()
			older := membus.WriteRequest{
				Operation:   membus.OpWrite,
				Document:    membus.Document{Path: "race.md", Content: "older"},
				SubmittedAt: now,
			}
			newer := older
			newer.Document = membus.Document{Path: "race.md", Content: "newer"}
			newer.SubmittedAt = now.Add(time.Millisecond)

			first, second := older, newer
			if newerFirst {
				first, second = newer, older
			}

			type outcome struct {
				res *membus.WriteResult
				err error
			}
			out := make(chan outcome, 2)
			go func() {
				res, err := f.bus.Write(ctx, first)
				out <- outcome{res, err}
			}()
			<-g.entered
			go func() {
				res, err := f.bus.Write(ctx, second)
				out <- outcome{res, err}
			}()
			require.Eventually(t, func() bool { return f.bus.PendingWriters("race.md") == 2 }, 2*time.Second, time.Millisecond)
			close(g.release)

			statuses := map[string]membus.WriteStatus{}
			for range 2 {
				o := <-out
				require.NoError(t, o.err)
				statuses[string(o.res.Status)+":"+o.res.Reason] = o.res.Status
			}
			assert.Contains(t, statuses, "success:")
			assert.Contains(t, statuses, "conflict:superseded")

			rec, err := f.store.Get(ctx, "race.md")
			require.NoError(t, err)
			assert.Equal(t, "newer", rec.Content)
			assert.Equal(t, int64(1), rec.Version)
		})
	}
}

func TestWrite_ConcurrentAbortFailsBoth(t *testing.T) {
	f, g := gatedFixture(t)
	ctx := context.Background()
	req := func(content string) membus.WriteRequest {
		return membus.WriteRequest{
			Operation: membus.OpWrite,
			Document:  membus.Document{Path: "abort.md", Content: content},
			Metadata:  membus.WriteMetadata{ConflictResolution: membus.Abort},
		}
	}

	errs := make(chan error, 2)
	go func() {
		_, err := f.bus.Write(ctx, req("one"))
		errs <- err
	}()
	<-g.entered
	go func() {
		_, err := f.bus.Write(ctx, req("two"))
		errs <- err
	}()
	require.Eventually(t, func() bool { return f.bus.PendingWriters("abort.md") == 2 }, 2*time.Second, time.Millisecond)
	close(g.release)

	for range 2 {
		err := <-errs
		assert.ErrorIs(t, err, membus.ErrConflict)
		assert.Equal(t, membus.CodeConflict, membus.CodeOf(err))
	}
	_, err := f.store.Get(ctx, "abort.md")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestWrite_AbortWhenChangedSinceBase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := f.write(t, "a.md", "v1", nil)
	f.write(t, "a.md", "v2", nil)

	res, err := f.bus.Write(ctx, membus.WriteRequest{
		Operation: membus.OpWrite,
		Document:  membus.Document{Path: "a.md", Content: "v3"},
		BaseHash:  base.ContentHash,
		Metadata:  membus.WriteMetadata{ConflictResolution: membus.Abort},
	})
	assert.ErrorIs(t, err, membus.ErrConflict)
	require.NotNil(t, res)
	assert.Equal(t, membus.StatusConflict, res.Status)

	rec, err := f.store.Get(ctx, "a.md")
	require.NoError(t, err)
	assert.Equal(t, "v2", rec.Content)
}

func TestWrite_ConcurrentMergeUnionsFrontmatter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := f.write(t, "m.md", "shared body\n", map[string]any{"title": "M"})

	req := func(key string) membus.WriteRequest {
		return membus.WriteRequest{
			Operation: membus.OpWrite,
			Document: membus.Document{
				Path:        "m.md",
				Content:     "shared body\n",
				Frontmatter: map[string]any{"title": "M", key: "yes"},
			},
			BaseHash: base.ContentHash,
			Metadata: membus.WriteMetadata{ConflictResolution: membus.Merge},
		}
	}

	var wg sync.WaitGroup
	for _, key := range []string{"reviewed", "published"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.bus.Write(ctx, req(key))
			assert.NoError(t, err)
			assert.Equal(t, membus.StatusSuccess, res.Status)
		}()
	}
	wg.Wait()

	rec, err := f.store.Get(ctx, "m.md")
	require.NoError(t, err)
	assert.Equal(t, "yes", rec.Frontmatter.String("reviewed"))
	assert.Equal(t, "yes", rec.Frontmatter.String("published"))
	assert.Equal(t, "shared body\n", rec.Content)
}

func TestWrite_MergeLaterSubmissionWinsWhenCommittedFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seed := f.write(t, "s.md", "body\n", map[string]any{"status": "draft"})
	t0 := time.Now()

	req := func(status string, at time.Time) membus.WriteRequest {
		return membus.WriteRequest{
			Operation:   membus.OpWrite,
			Document:    membus.Document{Path: "s.md", Content: "body\n", Frontmatter: map[string]any{"status": status}},
			BaseHash:    seed.ContentHash,
			SubmittedAt: at,
			Metadata:    membus.WriteMetadata{ConflictResolution: membus.Merge},
		}
	}
	later, err := f.bus.Write(ctx, req("final", t0.Add(time.Second)))
	require.NoError(t, err)
	require.Equal(t, membus.StatusSuccess, later.Status)
	earlier, err := f.bus.Write(ctx, req("review", t0))
	require.NoError(t, err)
	require.Equal(t, membus.StatusSuccess, earlier.Status)

	rec, err := f.store.Get(ctx, "s.md")
	require.NoError(t, err)
	assert.Equal(t, "final", rec.Frontmatter.String("status"))
	assert.True(t, rec.SubmittedAt.Equal(t0.Add(time.Second)), "submitted_at = %s", rec.SubmittedAt)
}

func TestWrite_ConcurrentMergeOnNewPath(t *testing.T) {
	f, g := gatedFixture(t)
	ctx := context.Background()
	req := func(key string) membus.WriteRequest {
		return membus.WriteRequest{
			Operation: membus.OpWrite,
			Document:  membus.Document{Path: "new.md", Content: "same\n", Frontmatter: map[string]any{key: true}},
			Metadata:  membus.WriteMetadata{ConflictResolution: membus.Merge},
		}
	}

	type outcome struct {
		res *membus.WriteResult
		err error
	}
	out := make(chan outcome, 2)
	go func() {
		res, err := f.bus.Write(ctx, req("reviewed"))
		out <- outcome{res, err}
	}()
	<-g.entered
	go func() {
		res, err := f.bus.Write(ctx, req("published"))
		out <- outcome{res, err}
	}()
	// The first writer read the path twice; the second has read it once,
	// so both registered against no document.
	require.Eventually(t, func() bool { return g.gets.Load() == 3 }, 2*time.Second, time.Millisecond)
	close(g.release)

	for range 2 {
		o := <-out
		require.NoError(t, o.err)
		assert.Equal(t, membus.StatusSuccess, o.res.Status, "reason %q", o.res.Reason)
	}
	rec, err := f.store.Get(ctx, "new.md")
	require.NoError(t, err)
	assert.True(t, rec.Frontmatter.Bool("reviewed"))
	assert.True(t, rec.Frontmatter.Bool("published"))
	assert.Equal(t, "same\n", rec.Content)
}

func TestWrite_MergeConflictReturnsBothVersions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := f.write(t, "m.md", "line one\n", nil)
	f.write(t, "m.md", "line uno\n", nil)

	res, err := f.bus.Write(ctx, membus.WriteRequest{
		Operation: membus.OpWrite,
		Document:  membus.Document{Path: "m.md", Content: "line eins\n"},
		BaseHash:  base.ContentHash,
		Metadata:  membus.WriteMetadata{ConflictResolution: membus.Merge},
	})
	require.NoError(t, err)
	assert.Equal(t, membus.StatusConflict, res.Status)
	assert.Equal(t, membus.ReasonMergeConflict, res.Reason)
	require.NotNil(t, res.Conflict)
	require.NotNil(t, res.Conflict.Current)
	require.NotNil(t, res.Conflict.Incoming)
	assert.Equal(t, "line uno\n", res.Conflict.Current.Content)
	assert.Equal(t, "line eins\n", res.Conflict.Incoming.Content)

	rec, err := f.store.Get(ctx, "m.md")
	require.NoError(t, err)
	assert.Equal(t, "line uno\n", rec.Content)
}

func TestWrite_MergeAppendsFromBothSides(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := f.write(t, "log.md", "# Log\n", nil)
	f.write(t, "log.md", "# Log\n- first\n", nil)

	res, err := f.bus.Write(ctx, membus.WriteRequest{
		Operation: membus.OpWrite,
		Document:  membus.Document{Path: "log.md", Content: "# Log\n- second\n"},
		BaseHash:  base.ContentHash,
		Metadata:  membus.WriteMetadata{ConflictResolution: membus.Merge},
	})
	require.NoError(t, err)
	require.Equal(t, membus.StatusSuccess, res.Status)

	rec, err := f.store.Get(ctx, "log.md")
	require.NoError(t, err)
	assert.Equal(t, "# Log\n- first\n- second\n", rec.Content)
}

func TestWrite_TransientFailuresRetry(t *testing.T) {
	var flaky *flakyStore
	f := newFixture(t, func(s *setup) {
		s.docs = func(st *docstore.Store) membus.DocumentStore {
			flaky = &flakyStore{Store: st, n: 2, err: docstore.ErrTransient}
			return flaky
		}
	})
	res := f.write(t, "r.md", "eventually", nil)
	assert.Equal(t, membus.StatusSuccess, res.Status)
	assert.Equal(t, int32(3), flaky.calls.Load())
}

func TestWrite_RetriesExhaustedTimesOut(t *testing.T) {
	var flaky *flakyStore
	f := newFixture(t, func(s *setup) {
		s.docs = func(st *docstore.Store) membus.DocumentStore {
			flaky = &flakyStore{Store: st, n: 100, err: fmt.Errorf("%w: database is locked", docstore.ErrTransient)}
			return flaky
		}
	})
	res, err := f.bus.Write(context.Background(), membus.WriteRequest{
		Operation: membus.OpWrite,
		Document:  membus.Document{Path: "t.md", Content: "x"},
	})
	assert.ErrorIs(t, err, membus.ErrWriteTimeout)
	require.NotNil(t, res)
	assert.Equal(t, membus.StatusTimeout, res.Status)
	assert.False(t, res.SyncPending)
	assert.Equal(t, int32(4), flaky.calls.Load())
}

func TestWrite_StoreFailureIsAdapterUnavailable(t *testing.T) {
	var flaky *flakyStore
	f := newFixture(t, func(s *setup) {
		s.docs = func(st *docstore.Store) membus.DocumentStore {
			flaky = &flakyStore{Store: st, n: 100, err: errors.New("disk I/O error")}
			return flaky
		}
	})
	_, err := f.bus.Write(context.Background(), membus.WriteRequest{
		Operation: membus.OpWrite,
		Document:  membus.Document{Path: "t.md", Content: "x"},
	})
	assert.ErrorIs(t, err, membus.ErrAdapterUnavailable)
	assert.Equal(t, int32(1), flaky.calls.Load())
	assert.NotContains(t, membus.AsError(err).Message, "disk")
}

func TestWrite_BackpressureUntilLowWater(t *testing.T) {
	var idx *countingIndex
	f := newFixture(t, func(s *setup) {
		s.cfg.Queue = syncq.Config{Workers: 1, MaxBytes: 1500, JobTimeout: 10 * time.Second}
		s.vecs = func(ix *vectorindex.Index) membus.VectorIndex {
			idx = &countingIndex{Index: ix, release: make(chan struct{})}
			return idx
		}
	})
	ctx := context.Background()
	body := strings.Repeat("x", 700)

	first := f.write(t, "bp/1.md", body, nil)
	assert.True(t, first.SyncPending)

	// Persisted, but the queue has no room for its job. The job is kept
	// as a dead letter.
	second := f.write(t, "bp/2.md", body, nil)
	assert.False(t, second.SyncPending)
	dead := f.bus.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, "bp/2.md", dead[0].Job.ContentID)
	assert.Equal(t, second.WriteID, dead[0].Job.WriteID)
	assert.Contains(t, dead[0].Error, "saturated")

	_, err := f.bus.Write(ctx, membus.WriteRequest{
		Operation: membus.OpWrite,
		Document:  membus.Document{Path: "bp/3.md", Content: body},
	})
	assert.ErrorIs(t, err, membus.ErrBackpressure)
	assert.Equal(t, membus.CodeBackpressure, membus.CodeOf(err))

	close(idx.release)
	f.synced(t)
	f.write(t, "bp/3.md", body, nil)

	require.NoError(t, f.bus.RequeueDeadLetter(dead[0].Job.ID))
	f.synced(t)
	assert.Empty(t, f.bus.DeadLetters())
	_, err = f.index.Get(ctx, "bp/2.md")
	assert.NoError(t, err)
}

// ─── Read ────────────────────────────────────────────────────────────────────

func TestRead_ExactHitNeverEscalates(t *testing.T) {
	var idx *countingIndex
	f := newFixture(t, func(s *setup) {
		s.vecs = func(ix *vectorindex.Index) membus.VectorIndex {
			idx = &countingIndex{Index: ix}
			return idx
		}
	})
	f.write(t, "notes/a.md", "hello there", map[string]any{"title": "Greeting"})
	f.synced(t)

	res, err := f.bus.Read(context.Background(), membus.ReadRequest{
		ExactPath:      "notes/a.md",
		KeywordSearch:  &membus.KeywordSearch{Terms: []string{"hello"}},
		SemanticSearch: &membus.SemanticSearch{QueryText: "hello", TopK: 3},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.SourceLevel)
	assert.Equal(t, 0, res.Escalations)
	assert.Equal(t, int32(0), idx.queries.Load())
}

func TestRead_EscalatesToKeyword(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.md", "nothing about the topic", map[string]any{"title": "Deploy checklist"})
	f.write(t, "b.md", "deploy deploy deploy steps", map[string]any{"title": "Notes"})
	f.write(t, "c.md", "unrelated", map[string]any{"title": "Other"})

	res, err := f.bus.Read(context.Background(), membus.ReadRequest{
		ExactPath:     "missing.md",
		KeywordSearch: &membus.KeywordSearch{Terms: []string{"deploy"}, MatchMode: membus.MatchAny},
	})
	require.NoError(t, err)
	assert.Equal(t, membus.ReadSuccess, res.Status)
	assert.Equal(t, 2, res.SourceLevel)
	assert.Equal(t, 1, res.Escalations)
	require.Len(t, res.Matches, 2)
	assert.Equal(t, 2, res.TotalMatches)
	for _, m := range res.Matches {
		assert.Equal(t, 2, m.SourceLevel)
		assert.Greater(t, m.RelevanceScore, 0.0)
	}
	assert.GreaterOrEqual(t, res.Matches[0].RelevanceScore, res.Matches[1].RelevanceScore)
}

func TestRead_KeywordAllRequiresEveryTerm(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.md", "alpha beta", nil)
	f.write(t, "b.md", "alpha only", nil)

	res, err := f.bus.Read(context.Background(), membus.ReadRequest{
		QueryType:     membus.QueryKeyword,
		KeywordSearch: &membus.KeywordSearch{Terms: []string{"alpha", "beta"}, MatchMode: membus.MatchAll},
	})
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "a.md", res.Matches[0].Path)
}

func TestRead_SemanticHebbianFilter(t *testing.T) {
	f := newFixture(t)
	weights := map[string]float64{
		"mem/1.md": 0.9,
		"mem/2.md": 0.7,
		"mem/3.md": 0.65,
		"mem/4.md": 0.3,
		"mem/5.md": 0.1,
	}
	for p, w := range weights {
		f.write(t, p, "vector search notes about embeddings "+p, map[string]any{
			"hebbian_weights": map[string]any{"agent-1": w},
		})
	}
	f.synced(t)

	floor := 0.6
	res, err := f.bus.Read(context.Background(), membus.ReadRequest{
		QueryType: membus.QuerySemantic,
		SemanticSearch: &membus.SemanticSearch{
			QueryText: "vector search embeddings",
			TopK:      5,
			Filters:   vectorindex.Filter{HebbianWeightMin: &floor},
		},
	})
	require.NoError(t, err)
	require.Equal(t, membus.ReadSuccess, res.Status)
	require.Len(t, res.Matches, 3)

	var got []string
	for _, m := range res.Matches {
		got = append(got, m.Path)
		assert.Equal(t, 3, m.SourceLevel)
	}
	sort.Strings(got)
	assert.Equal(t, []string{"mem/1.md", "mem/2.md", "mem/3.md"}, got)
	assert.True(t, sort.SliceIsSorted(res.Matches, func(i, j int) bool {
		return res.Matches[i].SimilarityScore > res.Matches[j].SimilarityScore
	}))
}

func TestRead_StrongConsistencyWaitsForSync(t *testing.T) {
	f := newFixture(t)
	f.write(t, "fresh.md", "brand new kubernetes runbook", nil)

	res, err := f.bus.Read(context.Background(), membus.ReadRequest{
		SemanticSearch: &membus.SemanticSearch{QueryText: "kubernetes runbook", TopK: 1},
		Metadata:       membus.ReadMetadata{ConsistencyLevel: membus.ConsistencyStrong},
	})
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "fresh.md", res.Matches[0].Path)
}

func TestRead_CacheNeverServesStaleDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, "c.md", "v1", nil)

	r1, err := f.bus.Read(ctx, exact("c.md"))
	require.NoError(t, err)
	assert.False(t, r1.CacheHit)
	r2, err := f.bus.Read(ctx, exact("c.md"))
	require.NoError(t, err)
	assert.True(t, r2.CacheHit)
	assert.Equal(t, "v1", r2.Matches[0].Content)

	f.write(t, "c.md", "v2", nil)
	r3, err := f.bus.Read(ctx, exact("c.md"))
	require.NoError(t, err)
	assert.False(t, r3.CacheHit)
	assert.Equal(t, "v2", r3.Matches[0].Content)
}

func TestRead_UseCacheFalseBypassesCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, "c.md", "v1", nil)
	_, err := f.bus.Read(ctx, exact("c.md"))
	require.NoError(t, err)

	off := false
	req := exact("c.md")
	req.Metadata.UseCache = &off
	res, err := f.bus.Read(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.CacheHit)
}

func TestRead_TimeoutKeepsPartialResults(t *testing.T) {
	f := newFixture(t, func(s *setup) {
		s.vecs = func(ix *vectorindex.Index) membus.VectorIndex { return &countingIndex{Index: ix, hang: true} }
	})
	f.write(t, "p.md", "partial", nil)

	start := time.Now()
	res, err := f.bus.Read(context.Background(), membus.ReadRequest{
		ExactPath:      "p.md",
		SemanticSearch: &membus.SemanticSearch{QueryText: "partial"},
		ForceSemantic:  true,
		Metadata:       membus.ReadMetadata{TimeoutMS: 50},
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, membus.ReadTimeout, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, membus.CodeReadTimeout, res.Error.Code)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "p.md", res.Matches[0].Path)
}

func TestRead_VectorFailureDegrades(t *testing.T) {
	f := newFixture(t, func(s *setup) {
		s.vecs = func(ix *vectorindex.Index) membus.VectorIndex {
			return &countingIndex{Index: ix, queryErr: errors.New("connection refused")}
		}
	})
	f.write(t, "d.md", "some words", nil)

	res, err := f.bus.Read(context.Background(), membus.ReadRequest{
		KeywordSearch:  &membus.KeywordSearch{Terms: []string{"absent"}},
		SemanticSearch: &membus.SemanticSearch{QueryText: "some words"},
	})
	require.NoError(t, err)
	assert.Equal(t, membus.ReadDegraded, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, membus.CodeAdapterUnavailable, res.Error.Code)
	assert.Empty(t, res.Matches)
	assert.Equal(t, 1, res.Escalations)
}

func TestRead_ForceSemanticAppendsWithoutEscalating(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.md", "golang channels tutorial", nil)
	f.write(t, "b.md", "golang channels patterns", nil)
	f.synced(t)

	res, err := f.bus.Read(context.Background(), membus.ReadRequest{
		ExactPath:      "a.md",
		SemanticSearch: &membus.SemanticSearch{QueryText: "golang channels", TopK: 5},
		ForceSemantic:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Escalations)
	assert.Equal(t, 1, res.SourceLevel)
	require.Len(t, res.Matches, 2)
	assert.Equal(t, "a.md", res.Matches[0].Path)
	assert.Equal(t, 1, res.Matches[0].SourceLevel)
	assert.Equal(t, "b.md", res.Matches[1].Path)
	assert.Equal(t, 3, res.Matches[1].SourceLevel)
}

func TestRead_OrphanedVectorsAreDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, "kept.md", "orphan test document", nil)
	f.synced(t)

	vec, err := embed.NewHash(dims).Embed(ctx, "orphan test document")
	require.NoError(t, err)
	require.NoError(t, f.index.Upsert(ctx, vectorindex.Record{
		ID:        "ghost.md",
		Embedding: vec,
		Metadata:  map[string]string{vectorindex.MetaPath: "ghost.md"},
	}))

	res, err := f.bus.Read(ctx, membus.ReadRequest{SemanticSearch: &membus.SemanticSearch{QueryText: "orphan test document", TopK: 5}})
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "kept.md", res.Matches[0].Path)
}

func TestRead_Validation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name  string
		req   membus.ReadRequest
		field string
	}{
		{"no clause", membus.ReadRequest{}, "query"},
		{"query type without clause", membus.ReadRequest{QueryType: membus.QueryKeyword, ExactPath: "a.md"}, "query_type"},
		{"unknown query type", membus.ReadRequest{QueryType: "fuzzy", ExactPath: "a.md"}, "query_type"},
		{"empty terms", membus.ReadRequest{KeywordSearch: &membus.KeywordSearch{Terms: []string{" "}}}, "keyword_search.terms"},
		{"bad field", membus.ReadRequest{KeywordSearch: &membus.KeywordSearch{Terms: []string{"x"}, Fields: []string{"body"}}}, "keyword_search.fields"},
		{"bad match mode", membus.ReadRequest{KeywordSearch: &membus.KeywordSearch{Terms: []string{"x"}, MatchMode: "some"}}, "keyword_search.match_mode"},
		{"empty semantic", membus.ReadRequest{SemanticSearch: &membus.SemanticSearch{}}, "semantic_search"},
		{"wrong dimensions", membus.ReadRequest{SemanticSearch: &membus.SemanticSearch{Embedding: []float32{1, 2}}}, "semantic_search.embedding"},
		{"force without semantic", membus.ReadRequest{ExactPath: "a.md", ForceSemantic: true}, "force_semantic"},
		{"bad consistency", membus.ReadRequest{ExactPath: "a.md", Metadata: membus.ReadMetadata{ConsistencyLevel: "linear"}}, "metadata.consistency_level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.bus.Read(context.Background(), tt.req)
			require.ErrorIs(t, err, membus.ErrValidation)
			assert.Contains(t, membus.AsError(err).Fields, tt.field)
		})
	}
}

// ─── Sync & operations ───────────────────────────────────────────────────────

func TestBus_WritesReachIndexInSync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := range 5 {
		f.write(t, fmt.Sprintf("s/%d.md", i), fmt.Sprintf("document %d", i), nil)
	}
	f.write(t, "s/0.md", "document zero rewritten", nil)
	f.synced(t)

	snap, err := f.bus.Inspect(ctx)
	require.NoError(t, err)
	assert.False(t, snap.Desynced)
	assert.Equal(t, 5, snap.Documents)
	assert.Equal(t, 5, snap.Vectors)

	rec, err := f.index.Get(ctx, "s/0.md")
	require.NoError(t, err)
	stored, err := f.store.Get(ctx, "s/0.md")
	require.NoError(t, err)
	assert.Equal(t, stored.ContentHash, rec.Metadata[vectorindex.MetaContentHash])

	stats, err := f.bus.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), stats.Writes)
	assert.Equal(t, 5, stats.Documents)
	assert.Equal(t, 5, stats.Vectors)
	assert.Equal(t, uint64(6), stats.Queue.Processed)
	assert.Equal(t, 6, stats.Store.Revisions)
	assert.Equal(t, 6, stats.Store.AuditRows)
	assert.Positive(t, stats.Store.SizeBytes)
}

func TestBus_RebuildRestoresIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, "r/1.md", "one", nil)
	f.write(t, "r/2.md", "two", nil)
	f.synced(t)
	require.NoError(t, f.index.Delete(ctx, "r/1.md"))

	snap, err := f.bus.Inspect(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r/1.md"}, snap.Missing)

	inc, err := f.bus.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, consistency.StatusCompleted, inc.Status)
	assert.Equal(t, 2, f.index.Count())

	incidents, err := f.bus.Incidents(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, incidents)
	assert.Equal(t, inc.ID, incidents[0].ID)
}

func TestBus_DeadLetterAndRequeue(t *testing.T) {
	fail := atomic.Bool{}
	fail.Store(true)
	f := newFixture(t, func(s *setup) {
		s.cfg.Queue = syncq.Config{Workers: 1, RetryBase: time.Millisecond, JobTimeout: time.Second}
		s.vecs = func(ix *vectorindex.Index) membus.VectorIndex { return &toggleIndex{Index: ix, fail: &fail} }
	})
	f.write(t, "dl.md", "doomed", nil)
	f.synced(t)

	dead := f.bus.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, "dl.md", dead[0].Job.ContentID)
	assert.Equal(t, 3, dead[0].Job.AttemptCount)

	fail.Store(false)
	require.NoError(t, f.bus.RequeueDeadLetter(dead[0].Job.ID))
	f.synced(t)
	assert.Empty(t, f.bus.DeadLetters())
	assert.Equal(t, 1, f.index.Count())

	err := f.bus.RequeueDeadLetter("no-such-job")
	assert.ErrorIs(t, err, membus.ErrNotFound)
}

type toggleIndex struct {
	*vectorindex.Index
	fail *atomic.Bool
}

func (t *toggleIndex) Upsert(ctx context.Context, rec vectorindex.Record) error {
	if t.fail.Load() {
		return errors.New("index offline")
	}
	return t.Index.Upsert(ctx, rec)
}
