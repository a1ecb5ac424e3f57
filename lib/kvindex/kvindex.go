// Copyright 2026 The Shardkeep Authors
// SPDX-License-Identifier: Apache-2.0

// Package kvindex is a thin wrapper over an ordered KV store backing
// both the recipe index and the share index: point get/put plus a
// batched write path that flushes at a configurable size or on
// demand. The concrete store is SQLite, accessed through
// zombiezen.com/go/sqlite, as a single blob-keyed table.
package kvindex

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/shardkeep/shardkeep/lib/kerr"
)

// DefaultBatchSize is the number of pending writes accumulated before
// a batch auto-flushes.
const DefaultBatchSize = 128

// Config holds the parameters for opening a KV index.
type Config struct {
	// Path is the filesystem path to the SQLite database file. Use
	// ":memory:" for tests.
	Path string

	// PoolSize is the number of pooled connections. Defaults to 4.
	PoolSize int

	// BatchSize is the number of pending writes before an automatic
	// flush. Zero selects DefaultBatchSize; a negative value disables
	// batching, so every Put is written immediately.
	BatchSize int

	Logger *slog.Logger
}

// Index wraps a SQLite-backed ordered key-value store with a batched
// write path. Safe for concurrent use.
//
// The write batch is guarded by a single sync.Mutex. BatchFlush is
// invoked both directly (by the recipe store after every completed
// recipe) and from Put when the pending count crosses BatchSize. No
// reentrant locking is needed: Put releases the mutex before calling
// BatchFlush, and BatchFlush holds it only long enough to take the
// pending batch, writing it to SQLite after releasing it.
type Index struct {
	pool      *sqlitex.Pool
	logger    *slog.Logger
	batchSize int

	mu      sync.Mutex
	pending []kv
}

type kv struct {
	key   []byte
	value []byte
}

// Open creates or opens a KV index at cfg.Path.
func Open(cfg Config) (*Index, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("kvindex: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = DefaultBatchSize
	}
	if batchSize < 0 {
		batchSize = 0
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConnection(conn)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("kvindex: opening %s: %w", cfg.Path, err)
	}

	logger.Info("kv index opened", "path", cfg.Path, "pool_size", poolSize, "batch_size", batchSize)

	return &Index{
		pool:      pool,
		logger:    logger,
		batchSize: batchSize,
	}, nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("kvindex: %s: %w", pragma, err)
		}
	}
	schema := `CREATE TABLE IF NOT EXISTS kv (
		key   BLOB PRIMARY KEY,
		value BLOB NOT NULL
	) WITHOUT ROWID;`
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("kvindex: creating schema: %w", err)
	}
	return nil
}

// Close flushes any pending batch and closes the pool.
func (idx *Index) Close() error {
	if err := idx.BatchFlush(); err != nil {
		idx.logger.Error("kv index close: flush failed", "error", err)
	}
	if err := idx.pool.Close(); err != nil {
		return kerr.Wrap(kerr.Storage, err, "kvindex: closing pool")
	}
	return nil
}

// Get returns a copy of the value stored at key, or (nil, false) if
// not present. A batched-but-not-yet-flushed write for the same key is
// visible to Get (read-your-writes within the process).
func (idx *Index) Get(key []byte) ([]byte, bool, error) {
	idx.mu.Lock()
	for i := len(idx.pending) - 1; i >= 0; i-- {
		if string(idx.pending[i].key) == string(key) {
			value := append([]byte(nil), idx.pending[i].value...)
			idx.mu.Unlock()
			return value, true, nil
		}
	}
	idx.mu.Unlock()

	conn, err := idx.pool.Take(context.Background())
	if err != nil {
		return nil, false, kerr.Wrap(kerr.Storage, err, "kvindex: get: take connection")
	}
	defer idx.pool.Put(conn)

	var value []byte
	found := false
	err = sqlitex.Execute(conn, "SELECT value FROM kv WHERE key = ?", &sqlitex.ExecOptions{
		Args: []any{key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, value)
			found = true
			return nil
		},
	})
	if err != nil {
		return nil, false, kerr.Wrap(kerr.Storage, err, "kvindex: get", kerr.F("key", fmt.Sprintf("%x", key)))
	}
	return value, found, nil
}

// Put stores value at key. If BatchSize > 0 the write accumulates in
// the pending batch, flushed automatically once the pending count
// exceeds BatchSize; otherwise it is written immediately.
func (idx *Index) Put(key, value []byte) error {
	keyCopy := append([]byte(nil), key...)
	valueCopy := append([]byte(nil), value...)

	if idx.batchSize <= 0 {
		return idx.writeOne(keyCopy, valueCopy)
	}

	idx.mu.Lock()
	idx.pending = append(idx.pending, kv{key: keyCopy, value: valueCopy})
	shouldFlush := len(idx.pending) > idx.batchSize
	idx.mu.Unlock()

	if shouldFlush {
		return idx.BatchFlush()
	}
	return nil
}

func (idx *Index) writeOne(key, value []byte) error {
	conn, err := idx.pool.Take(context.Background())
	if err != nil {
		return kerr.Wrap(kerr.Storage, err, "kvindex: put: take connection")
	}
	defer idx.pool.Put(conn)

	err = sqlitex.Execute(conn, "INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value", &sqlitex.ExecOptions{
		Args: []any{key, value},
	})
	if err != nil {
		return kerr.Wrap(kerr.Storage, err, "kvindex: put", kerr.F("key", fmt.Sprintf("%x", key)))
	}
	return nil
}

// BatchFlush writes every pending entry in one transaction and clears
// the pending batch. Safe to call with an empty batch (no-op). Called
// both internally (batch size exceeded) and externally by the recipe
// store after each completed recipe, to bound the loss window on an
// unclean shutdown.
func (idx *Index) BatchFlush() error {
	idx.mu.Lock()
	batch := idx.pending
	idx.pending = nil
	idx.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	conn, err := idx.pool.Take(context.Background())
	if err != nil {
		return kerr.Wrap(kerr.Storage, err, "kvindex: flush: take connection")
	}
	defer idx.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return kerr.Wrap(kerr.Storage, err, "kvindex: flush: begin transaction")
	}
	defer endTransaction(&err)

	for _, entry := range batch {
		if err = sqlitex.Execute(conn, "INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value", &sqlitex.ExecOptions{
			Args: []any{entry.key, entry.value},
		}); err != nil {
			err = kerr.Wrap(kerr.Storage, err, "kvindex: flush write", kerr.F("key", fmt.Sprintf("%x", entry.key)))
			return err
		}
	}

	idx.logger.Info("kv batch flushed", "count", len(batch))
	return nil
}
