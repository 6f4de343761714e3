package syncq

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
)

const (
	jobPrefix  = "job/"
	deadPrefix = "dead/"
	// firstSeq leaves room below the head for jobs flushed back on Close.
	firstSeq uint64 = 1 << 32
)

// spill is the append-only overflow log. Keys are zero-padded sequence
// numbers so badger's sorted iteration yields FIFO order.
type spill struct {
	db *badger.DB
}

func openSpill(dir string, inMemory bool, logger *slog.Logger) (*spill, error) {
	var opts badger.Options
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("syncq: create spill dir: %w", err)
		}
		opts = badger.DefaultOptions(dir)
	}
	db, err := badger.Open(opts.WithLogger(badgerLogger{logger}))
	if err != nil {
		return nil, fmt.Errorf("syncq: open spill log: %w", err)
	}
	return &spill{db: db}, nil
}

func jobKey(seq uint64) []byte { return []byte(fmt.Sprintf("%s%020d", jobPrefix, seq)) }

func parseSeq(key []byte) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(string(key), jobPrefix), 10, 64)
}

func (s *spill) append(seq uint64, data []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(jobKey(seq), data)
	})
}

// appendBatch writes consecutive sequences starting at start.
func (s *spill) appendBatch(start uint64, items [][]byte) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for i, data := range items {
		if err := wb.Set(jobKey(start+uint64(i)), data); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (s *spill) remove(seq uint64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(jobKey(seq))
	})
}

// head returns the oldest spilled job.
func (s *spill) head() (seq uint64, data []byte, ok bool, err error) {
	prefix := []byte(jobPrefix)
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Seek(prefix)
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		item := it.Item()
		if seq, err = parseSeq(item.Key()); err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		ok = err == nil
		return err
	})
	return seq, data, ok, err
}

func (s *spill) scan(prefix string, fn func(key, data []byte) error) error {
	p := []byte(prefix)
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = p
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(item.KeyCopy(nil), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *spill) putDead(id string, data []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(deadPrefix+id), data)
	})
}

func (s *spill) deleteDead(id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(deadPrefix + id))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (s *spill) close() error { return s.db.Close() }

// badgerLogger forwards badger's warnings and errors to slog and drops its
// info and debug chatter.
type badgerLogger struct{ l *slog.Logger }

func (b badgerLogger) Errorf(f string, v ...any) {
	b.l.Error(strings.TrimSpace(fmt.Sprintf(f, v...)), "source", "badger")
}

func (b badgerLogger) Warningf(f string, v ...any) {
	b.l.Warn(strings.TrimSpace(fmt.Sprintf(f, v...)), "source", "badger")
}

func (badgerLogger) Infof(string, ...any)  {}
func (badgerLogger) Debugf(string, ...any) {}
