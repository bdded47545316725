package dedup

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/logging"
)

// BadgerSet keeps ids in a scratch BadgerDB so very large runs do not hold
// every id on the heap. The database is deleted on Close.
type BadgerSet struct {
	db      *badger.DB
	scratch string // directory removed on Close; empty for in-memory
	count   atomic.Int64
}

// badgerLogger adapts slog.Logger to badger.Logger.
type badgerLogger struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLogger)(nil)

func (bl *badgerLogger) Errorf(msg string, items ...any) {
	bl.logger.Error(fmt.Sprintf(msg, items...))
}

func (bl *badgerLogger) Warningf(msg string, items ...any) {
	bl.logger.Warn(fmt.Sprintf(msg, items...))
}

func (bl *badgerLogger) Infof(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

func (bl *badgerLogger) Debugf(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

// OpenBadgerSet opens a fresh set. With an empty dir the database lives in
// memory; otherwise a scratch directory is created under dir.
func OpenBadgerSet(dir string) (*BadgerSet, error) {
	var (
		opts    badger.Options
		scratch string
	)

	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create dedup directory %s: %w", dir, err)
		}
		tmp, err := os.MkdirTemp(dir, "seen-*")
		if err != nil {
			return nil, fmt.Errorf("create dedup scratch directory: %w", err)
		}
		scratch = tmp
		opts = badger.DefaultOptions(scratch)
	}

	opts.Logger = &badgerLogger{logger: logging.Component("dedup")}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		if scratch != "" {
			os.RemoveAll(scratch)
		}
		return nil, fmt.Errorf("open dedup store: %w", err)
	}

	return &BadgerSet{db: db, scratch: scratch}, nil
}

// maxKeyBytes keeps keys well under badger's 65000-byte limit. Longer ids
// are stored as their sha256 digest.
const maxKeyBytes = 1024

func badgerKey(id string) []byte {
	if len(id) <= maxKeyBytes {
		return []byte(id)
	}
	sum := sha256.Sum256([]byte(id))
	return append([]byte("sha256:"), sum[:]...)
}

func (s *BadgerSet) Insert(id string) (bool, error) {
	key := badgerKey(id)
	added := false

	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		added = true
		return txn.Set(key, nil)
	})
	if err != nil {
		return false, fmt.Errorf("record id %.64s: %w", id, err)
	}

	if added {
		s.count.Add(1)
	}
	return added, nil
}

func (s *BadgerSet) Len() int {
	return int(s.count.Load())
}

func (s *BadgerSet) Close() error {
	err := s.db.Close()
	if s.scratch != "" {
		if rmErr := os.RemoveAll(s.scratch); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	return err
}
