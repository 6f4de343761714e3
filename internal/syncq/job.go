// Package syncq propagates document-store writes to the vector index.
//
// Jobs are sharded by content id so that every document drains in enqueue
// order while different documents sync in parallel. The in-memory part of
// the queue is bounded by a byte budget; once it is exceeded jobs spill to
// an on-disk badger log and are fed back as memory frees up. When the spill
// log is full as well the queue reports backpressure until its depth falls
// under the low-water mark.
package syncq

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrBackpressure is returned when neither memory nor the spill log can
	// accept another job.
	ErrBackpressure = errors.New("syncq: queue saturated")
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("syncq: queue closed")
)

// Op is the vector-index operation a job performs.
type Op string

const (
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
)

// TargetVectorIndex is the only backend jobs are propagated to.
const TargetVectorIndex = "vector_index"

// Job is one unit of propagation work. Its msgpack encoding is what the
// byte budget accounts for and what the spill log stores.
type Job struct {
	ID          string            `msgpack:"id" json:"id"`
	ContentID   string            `msgpack:"content_id" json:"content_id"`
	Target      string            `msgpack:"target" json:"target_backend"`
	Op          Op                `msgpack:"op" json:"op"`
	PayloadHash string            `msgpack:"payload_hash" json:"payload_hash"`
	Content     string            `msgpack:"content,omitempty" json:"content,omitempty"`
	Metadata    map[string]string `msgpack:"metadata,omitempty" json:"metadata,omitempty"`
	// Embedding is optional; the handler computes one when it is empty.
	Embedding    []float32 `msgpack:"embedding,omitempty" json:"-"`
	WriteID      string    `msgpack:"write_id,omitempty" json:"write_id,omitempty"`
	EnqueuedAt   time.Time `msgpack:"enqueued_at" json:"enqueued_at"`
	AttemptCount int       `msgpack:"attempt_count" json:"attempt_count"`
}

// DeadLetter is a job that exhausted its attempts.
type DeadLetter struct {
	Job      Job       `msgpack:"job" json:"job"`
	Error    string    `msgpack:"error" json:"error"`
	FailedAt time.Time `msgpack:"failed_at" json:"failed_at"`
}

// Handler applies a job to the vector index. It is called with a context
// bounded by the configured job timeout.
type Handler func(ctx context.Context, job *Job) error
