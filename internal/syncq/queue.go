package syncq

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// Config tunes the queue. Zero values take the defaults below.
type Config struct {
	// Workers is the number of shards, each drained by one goroutine.
	Workers int
	// MaxBytes bounds the encoded size of jobs held in memory.
	MaxBytes int64
	// SpillDir holds the badger overflow log. Empty disables spillover
	// unless SpillInMemory is set.
	SpillDir      string
	SpillInMemory bool
	SpillMaxBytes int64
	// LowWater is the fraction of total capacity the depth must fall under
	// before a saturated queue accepts jobs again.
	LowWater    float64
	MaxAttempts int
	// RetryBase is the first retry delay; it doubles per attempt.
	RetryBase  time.Duration
	JobTimeout time.Duration
	// ShardBuffer is the channel capacity of each shard.
	ShardBuffer int
	// LagWindow is how many recent sync lags the p95 is computed over.
	LagWindow int
	// MaxDeadLetters bounds the in-memory dead-letter list; the spill log
	// keeps all of them.
	MaxDeadLetters int
	Logger         *slog.Logger

	OnSuccess    func(Job, time.Duration)
	OnDeadLetter func(DeadLetter)
}

// DefaultConfig returns the production defaults with the spill log under
// dataDir.
func DefaultConfig(dataDir string) Config {
	c := Config{}.withDefaults()
	if dataDir != "" {
		c.SpillDir = filepath.Join(dataDir, "spill")
	}
	return c
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 << 20
	}
	if c.SpillMaxBytes <= 0 {
		c.SpillMaxBytes = 256 << 20
	}
	if c.LowWater <= 0 || c.LowWater >= 1 {
		c.LowWater = 0.5
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 100 * time.Millisecond
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 300 * time.Millisecond
	}
	if c.ShardBuffer <= 0 {
		c.ShardBuffer = 4096
	}
	if c.LagWindow <= 0 {
		c.LagWindow = 512
	}
	if c.MaxDeadLetters <= 0 {
		c.MaxDeadLetters = 1000
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Depth       int           `json:"depth"`
	MemoryBytes int64         `json:"memory_bytes"`
	SpillJobs   int           `json:"spill_jobs"`
	SpillBytes  int64         `json:"spill_bytes"`
	InFlight    int           `json:"in_flight"`
	Processed   uint64        `json:"processed"`
	DeadLetters int           `json:"dead_letters"`
	Saturated   bool          `json:"saturated"`
	Paused      bool          `json:"paused"`
	LagP95      time.Duration `json:"lag_p95"`
}

type entry struct {
	job  *Job
	size int64
}

// Queue is a sharded, byte-bounded job queue with disk spillover.
type Queue struct {
	cfg     Config
	handler Handler
	logger  *slog.Logger
	shards  []chan *entry
	spill   *spill

	mu         sync.Mutex
	closed     bool
	saturated  bool
	paused     bool
	memBytes   int64
	spillBytes int64
	spillJobs  int
	headSeq    uint64
	tailSeq    uint64
	pending    map[string]int
	total      int
	inFlight   int
	idle       chan struct{}
	processed  uint64
	dead       []DeadLetter
	lags       []time.Duration
	lagPos     int
	leftovers  [][]*entry

	// gate is read-held while a job is handled; Pause write-locks it.
	gate sync.RWMutex
	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// New opens the spill log, replays anything left in it and starts the
// workers.
func New(cfg Config, handler Handler) (*Queue, error) {
	if handler == nil {
		return nil, errors.New("syncq: nil handler")
	}
	cfg = cfg.withDefaults()
	q := &Queue{
		cfg:       cfg,
		handler:   handler,
		logger:    cfg.Logger.With("component", "syncq"),
		shards:    make([]chan *entry, cfg.Workers),
		pending:   make(map[string]int),
		idle:      make(chan struct{}),
		leftovers: make([][]*entry, cfg.Workers),
		headSeq:   firstSeq,
		tailSeq:   firstSeq,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	close(q.idle)
	for i := range q.shards {
		q.shards[i] = make(chan *entry, cfg.ShardBuffer)
	}

	if cfg.SpillDir != "" || cfg.SpillInMemory {
		sp, err := openSpill(cfg.SpillDir, cfg.SpillInMemory, q.logger)
		if err != nil {
			return nil, err
		}
		q.spill = sp
		if err := q.replay(); err != nil {
			_ = sp.close()
			return nil, err
		}
	}

	q.wg.Add(len(q.shards) + 1)
	for i := range q.shards {
		go q.worker(i)
	}
	go q.refill()
	if q.spillJobs > 0 {
		q.logger.Info("replaying spilled jobs", "jobs", q.spillJobs, "bytes", q.spillBytes)
		q.notify()
	}
	return q, nil
}

// replay restores counters for jobs and dead letters persisted by a
// previous process.
func (q *Queue) replay() error {
	first := true
	err := q.spill.scan(jobPrefix, func(key, data []byte) error {
		seq, err := parseSeq(key)
		if err != nil {
			return err
		}
		var job Job
		if err := msgpack.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("decode spilled job %d: %w", seq, err)
		}
		if first {
			q.headSeq, first = seq, false
		}
		q.tailSeq = seq + 1
		q.spillJobs++
		q.spillBytes += int64(len(data))
		q.track(job.ContentID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("syncq: replay spill log: %w", err)
	}
	err = q.spill.scan(deadPrefix, func(_, data []byte) error {
		var dl DeadLetter
		if err := msgpack.Unmarshal(data, &dl); err != nil {
			return err
		}
		q.dead = append(q.dead, dl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("syncq: load dead letters: %w", err)
	}
	sort.Slice(q.dead, func(i, j int) bool { return q.dead[i].FailedAt.Before(q.dead[j].FailedAt) })
	if len(q.dead) > q.cfg.MaxDeadLetters {
		q.dead = q.dead[len(q.dead)-q.cfg.MaxDeadLetters:]
	}
	return nil
}

func (q *Queue) shardFor(contentID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(contentID))
	return int(h.Sum32() % uint32(len(q.shards)))
}

func (q *Queue) capacity() int64 {
	if q.spill == nil {
		return q.cfg.MaxBytes
	}
	return q.cfg.MaxBytes + q.cfg.SpillMaxBytes
}

// ─── Producer side ───────────────────────────────────────────────────────────

// Enqueue adds a job. Jobs for the same content id are handled in the
// order they are enqueued.
func (q *Queue) Enqueue(job Job) error {
	if job.ContentID == "" {
		return errors.New("syncq: job without content id")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Target == "" {
		job.Target = TargetVectorIndex
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	data, err := msgpack.Marshal(&job)
	if err != nil {
		return fmt.Errorf("syncq: encode job: %w", err)
	}
	e := &entry{job: &job, size: int64(len(data))}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.saturated {
		return ErrBackpressure
	}
	// While anything is spilled, new jobs queue behind it so a document
	// never overtakes its own spilled job.
	if q.spillJobs == 0 && q.memBytes+e.size <= q.cfg.MaxBytes {
		select {
		case q.shards[q.shardFor(job.ContentID)] <- e:
			q.memBytes += e.size
			q.track(job.ContentID)
			return nil
		default:
		}
	}
	if q.spill == nil || q.spillBytes+e.size > q.cfg.SpillMaxBytes {
		q.saturate()
		return ErrBackpressure
	}
	if err := q.spill.append(q.tailSeq, data); err != nil {
		q.logger.Error("spill append failed", "error", err)
		q.saturate()
		return fmt.Errorf("%w: %v", ErrBackpressure, err)
	}
	q.tailSeq++
	q.spillJobs++
	q.spillBytes += e.size
	q.track(job.ContentID)
	q.notify()
	return nil
}

// Admit reports ErrBackpressure while the queue is saturated, so callers
// can refuse work before doing it.
func (q *Queue) Admit() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.saturated {
		return ErrBackpressure
	}
	return nil
}

func (q *Queue) saturate() {
	if !q.saturated {
		q.saturated = true
		q.logger.Warn("sync queue saturated",
			"memory_bytes", q.memBytes, "spill_bytes", q.spillBytes, "depth", q.total)
	}
}

func (q *Queue) releaseLocked() {
	if !q.saturated {
		return
	}
	if float64(q.memBytes+q.spillBytes) < q.cfg.LowWater*float64(q.capacity()) {
		q.saturated = false
		q.logger.Info("sync queue below low-water mark", "depth", q.total)
	}
}

func (q *Queue) track(id string) {
	if q.total == 0 {
		q.idle = make(chan struct{})
	}
	q.total++
	q.pending[id]++
}

func (q *Queue) untrack(id string) {
	if n := q.pending[id] - 1; n > 0 {
		q.pending[id] = n
	} else {
		delete(q.pending, id)
	}
	q.total--
	if q.total == 0 {
		close(q.idle)
	}
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// ─── Consumer side ───────────────────────────────────────────────────────────

func (q *Queue) worker(shard int) {
	defer q.wg.Done()
	ch := q.shards[shard]
	for {
		select {
		case <-q.done:
			return
		case e := <-ch:
			if !q.process(e) {
				q.mu.Lock()
				q.leftovers[shard] = append(q.leftovers[shard], e)
				q.mu.Unlock()
				return
			}
		}
	}
}

// process runs the handler with retries. It returns false if the queue
// shut down before the job reached a final outcome.
func (q *Queue) process(e *entry) bool {
	q.gate.RLock()
	defer q.gate.RUnlock()

	q.mu.Lock()
	q.inFlight++
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.inFlight--
		q.mu.Unlock()
	}()

	job := e.job
	for {
		select {
		case <-q.done:
			return false
		default:
		}
		job.AttemptCount++
		ctx, cancel := context.WithTimeout(context.Background(), q.cfg.JobTimeout)
		err := q.handler(ctx, job)
		cancel()
		if err == nil {
			q.finish(e, nil)
			return true
		}
		q.logger.Warn("sync attempt failed",
			"job_id", job.ID, "content_id", job.ContentID, "op", job.Op,
			"attempt", job.AttemptCount, "error", err)
		if job.AttemptCount >= q.cfg.MaxAttempts {
			q.finish(e, err)
			return true
		}
		t := time.NewTimer(q.cfg.RetryBase << (job.AttemptCount - 1))
		select {
		case <-t.C:
		case <-q.done:
			t.Stop()
			return false
		}
	}
}

func (q *Queue) finish(e *entry, failure error) {
	job := *e.job
	now := time.Now()
	lag := now.Sub(job.EnqueuedAt)

	if failure == nil {
		if q.cfg.OnSuccess != nil {
			q.cfg.OnSuccess(job, lag)
		}
	} else {
		q.logger.Error("sync job dead-lettered",
			"job_id", job.ID, "content_id", job.ContentID, "op", job.Op,
			"attempts", job.AttemptCount, "error", failure)
		q.deadLetter(DeadLetter{Job: job, Error: failure.Error(), FailedAt: now})
	}

	q.mu.Lock()
	q.memBytes -= e.size
	if failure == nil {
		q.processed++
		q.recordLag(lag)
	}
	q.untrack(job.ContentID)
	q.releaseLocked()
	q.mu.Unlock()
	q.notify()
}

// refill feeds spilled jobs back into their shards as memory frees up.
func (q *Queue) refill() {
	defer q.wg.Done()
	for {
		moved, err := q.moveOne()
		if err != nil {
			q.logger.Error("spill refill failed", "error", err)
		}
		if moved {
			continue
		}
		select {
		case <-q.done:
			return
		case <-q.wake:
		}
	}
}

func (q *Queue) moveOne() (bool, error) {
	if q.spill == nil {
		return false, nil
	}
	q.mu.Lock()
	empty := q.spillJobs == 0
	q.mu.Unlock()
	if empty {
		return false, nil
	}

	seq, data, ok, err := q.spill.head()
	if err != nil || !ok {
		return false, err
	}
	size := int64(len(data))
	var job Job
	if err := msgpack.Unmarshal(data, &job); err != nil {
		// A record that cannot be decoded would wedge the log forever.
		_ = q.spill.remove(seq)
		q.mu.Lock()
		q.spillJobs--
		q.spillBytes -= size
		q.headSeq = seq + 1
		q.total--
		if q.total == 0 {
			close(q.idle)
		}
		q.mu.Unlock()
		return true, fmt.Errorf("drop undecodable spilled job %d: %w", seq, err)
	}

	q.mu.Lock()
	if q.memBytes > 0 && q.memBytes+size > q.cfg.MaxBytes {
		q.mu.Unlock()
		return false, nil
	}
	q.memBytes += size
	q.mu.Unlock()

	select {
	case q.shards[q.shardFor(job.ContentID)] <- &entry{job: &job, size: size}:
	case <-q.done:
		q.mu.Lock()
		q.memBytes -= size
		q.mu.Unlock()
		return false, nil
	}
	if err := q.spill.remove(seq); err != nil {
		q.logger.Warn("remove refilled job from spill log", "seq", seq, "error", err)
	}
	q.mu.Lock()
	q.spillJobs--
	q.spillBytes -= size
	q.headSeq = seq + 1
	q.releaseLocked()
	q.mu.Unlock()
	return true, nil
}

// ─── Control ─────────────────────────────────────────────────────────────────

// Pause stops workers from starting new jobs and waits for in-flight jobs
// to finish. Enqueue keeps accepting work.
func (q *Queue) Pause() {
	q.mu.Lock()
	if q.paused {
		q.mu.Unlock()
		return
	}
	q.paused = true
	q.mu.Unlock()
	q.gate.Lock()
	q.logger.Info("sync queue paused")
}

// Resume undoes Pause.
func (q *Queue) Resume() {
	q.mu.Lock()
	if !q.paused {
		q.mu.Unlock()
		return
	}
	q.paused = false
	q.mu.Unlock()
	q.gate.Unlock()
	q.logger.Info("sync queue resumed")
}

// WaitIdle blocks until no jobs are queued, spilled or in flight.
func (q *Queue) WaitIdle(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns how many unfinished jobs reference contentID.
func (q *Queue) Pending(contentID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending[contentID]
}

// PendingIDs returns the content ids with unfinished jobs.
func (q *Queue) PendingIDs() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int, len(q.pending))
	for k, v := range q.pending {
		out[k] = v
	}
	return out
}

// Reject records a job that never made it onto the queue as a dead letter,
// so that it can be inspected and requeued like one that failed.
func (q *Queue) Reject(job Job, cause error) DeadLetter {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Target == "" {
		job.Target = TargetVectorIndex
	}
	now := time.Now()
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now
	}
	dl := DeadLetter{Job: job, Error: cause.Error(), FailedAt: now}
	q.logger.Error("sync job rejected",
		"job_id", job.ID, "content_id", job.ContentID, "op", job.Op, "error", cause)
	q.deadLetter(dl)
	return dl
}

func (q *Queue) deadLetter(dl DeadLetter) {
	if q.spill != nil {
		if data, err := msgpack.Marshal(&dl); err == nil {
			if err := q.spill.putDead(dl.Job.ID, data); err != nil {
				q.logger.Error("persist dead letter failed", "job_id", dl.Job.ID, "error", err)
			}
		}
	}
	q.mu.Lock()
	q.dead = append(q.dead, dl)
	if len(q.dead) > q.cfg.MaxDeadLetters {
		q.dead = q.dead[len(q.dead)-q.cfg.MaxDeadLetters:]
	}
	q.mu.Unlock()
	if q.cfg.OnDeadLetter != nil {
		q.cfg.OnDeadLetter(dl)
	}
}

// DeadLetters returns the retained dead letters, oldest first.
func (q *Queue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.dead...)
}

// Requeue moves a dead-lettered job back onto the queue with a fresh
// attempt budget.
func (q *Queue) Requeue(jobID string) error {
	q.mu.Lock()
	idx := -1
	for i, dl := range q.dead {
		if dl.Job.ID == jobID {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return fmt.Errorf("syncq: no dead letter %q", jobID)
	}
	job := q.dead[idx].Job
	q.mu.Unlock()

	job.AttemptCount = 0
	job.EnqueuedAt = time.Time{}
	if err := q.Enqueue(job); err != nil {
		return err
	}
	q.mu.Lock()
	for i, dl := range q.dead {
		if dl.Job.ID == jobID {
			q.dead = append(q.dead[:i], q.dead[i+1:]...)
			break
		}
	}
	q.mu.Unlock()
	if q.spill != nil {
		if err := q.spill.deleteDead(jobID); err != nil {
			q.logger.Warn("delete requeued dead letter", "job_id", jobID, "error", err)
		}
	}
	return nil
}

// Stats returns current counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Depth:       q.total,
		MemoryBytes: q.memBytes,
		SpillJobs:   q.spillJobs,
		SpillBytes:  q.spillBytes,
		InFlight:    q.inFlight,
		Processed:   q.processed,
		DeadLetters: len(q.dead),
		Saturated:   q.saturated,
		Paused:      q.paused,
		LagP95:      q.lagP95Locked(),
	}
}

// Close stops accepting jobs and waits for the queue to drain until ctx is
// done. Jobs still queued then are written to the spill log and replayed on
// the next start.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	paused := q.paused
	q.mu.Unlock()

	if !paused {
		if err := q.WaitIdle(ctx); err != nil {
			q.logger.Warn("sync queue did not drain before shutdown", "error", err)
		}
	}
	close(q.done)
	q.Resume()
	q.wg.Wait()

	var left []*entry
	for i, ch := range q.shards {
		left = append(left, q.leftovers[i]...)
		left = append(left, drain(ch)...)
	}
	var flushErr error
	if len(left) > 0 {
		flushErr = q.flush(left)
	}
	if q.spill != nil {
		if err := q.spill.close(); err != nil {
			flushErr = errors.Join(flushErr, fmt.Errorf("syncq: close spill log: %w", err))
		}
	}
	return flushErr
}

func drain(ch chan *entry) []*entry {
	var out []*entry
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

// flush writes jobs that never finished ahead of the spill log's head so
// they replay before anything spilled after them.
func (q *Queue) flush(left []*entry) error {
	if q.spill == nil {
		q.logger.Error("dropping unsynced jobs on shutdown, spill log disabled", "jobs", len(left))
		return fmt.Errorf("syncq: dropped %d unsynced jobs on close", len(left))
	}
	items := make([][]byte, 0, len(left))
	for _, e := range left {
		data, err := msgpack.Marshal(e.job)
		if err != nil {
			return fmt.Errorf("syncq: encode job %s: %w", e.job.ID, err)
		}
		items = append(items, data)
	}
	start := q.headSeq - uint64(len(items))
	if err := q.spill.appendBatch(start, items); err != nil {
		return fmt.Errorf("syncq: flush %d jobs: %w", len(items), err)
	}
	q.logger.Info("flushed unsynced jobs to spill log", "jobs", len(items))
	return nil
}

// ─── Lag ─────────────────────────────────────────────────────────────────────

func (q *Queue) recordLag(d time.Duration) {
	if len(q.lags) < q.cfg.LagWindow {
		q.lags = append(q.lags, d)
		return
	}
	q.lags[q.lagPos] = d
	q.lagPos = (q.lagPos + 1) % q.cfg.LagWindow
}

// LagP95 returns the 95th percentile enqueue-to-sync latency over the
// recent window.
func (q *Queue) LagP95() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lagP95Locked()
}

func (q *Queue) lagP95Locked() time.Duration {
	if len(q.lags) == 0 {
		return 0
	}
	s := append([]time.Duration(nil), q.lags...)
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	idx := (len(s)*95+99)/100 - 1
	if idx < 0 {
		idx = 0
	}
	return s[idx]
}

// ResetLag clears the lag window, typically after a rebuild.
func (q *Queue) ResetLag() {
	q.mu.Lock()
	q.lags = q.lags[:0]
	q.lagPos = 0
	q.mu.Unlock()
}
