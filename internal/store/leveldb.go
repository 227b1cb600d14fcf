package store

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"runtime"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"foliocache/internal/logging"
)

var errBackendClosed = errors.New("leveldb backend closed")

// diskRecord is the value stored under an "e:" key.
type diskRecord struct {
	Seq   uint64
	Entry Entry
}

type diskMeta struct {
	Store     string
	Size      int64
	Seq       uint64
	FetchedAt int64
}

type diskOp struct {
	store string
	key   RequestKey
	rec   *diskRecord
	del   bool
	clear bool
	sync  chan struct{}
}

// LevelBackend mirrors store entries into a single LevelDB database. Writes
// are applied by one goroutine in submission order; reads go straight to
// the database.
type LevelBackend struct {
	maxBytes int64
	db       *leveldb.DB
	logger   *slog.Logger

	mu         sync.Mutex
	index      map[string]diskMeta
	totalSize  int64
	storeBytes map[string]int64

	closeMu sync.RWMutex
	closed  bool
	ops     chan diskOp
	done    chan struct{}
}

// OpenLevel opens (or creates) the database at path. maxBytes bounds the
// whole database for quota estimates; zero leaves it unmeasured.
func OpenLevel(path string, maxBytes int64, logger *slog.Logger) (*LevelBackend, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return newLevelBackend(db, maxBytes, logger)
}

func newLevelBackend(db *leveldb.DB, maxBytes int64, logger *slog.Logger) (*LevelBackend, error) {
	b := &LevelBackend{
		maxBytes:   maxBytes,
		db:         db,
		logger:     logging.OrDiscard(logger).With(slog.String("component", "leveldb")),
		index:      map[string]diskMeta{},
		storeBytes: map[string]int64{},
		ops:        make(chan diskOp, 1024),
		done:       make(chan struct{}),
	}
	if err := b.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go b.writerLoop()
	return b, nil
}

func entryKey(store string, key RequestKey) []byte {
	return []byte("e:" + store + "\x00" + string(key))
}

func metaKey(id string) []byte { return []byte("m:" + id) }

func indexID(store string, key RequestKey) string { return store + "\x00" + string(key) }

func (b *LevelBackend) loadIndex() error {
	it := b.db.NewIterator(util.BytesPrefix([]byte("m:")), nil)
	defer it.Release()

	var total int64
	idx := map[string]diskMeta{}
	perStore := map[string]int64{}
	for it.Next() {
		id := string(bytes.TrimPrefix(it.Key(), []byte("m:")))
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[id] = meta
		total += meta.Size
		perStore[meta.Store] += meta.Size
	}
	if err := it.Error(); err != nil {
		return err
	}
	b.mu.Lock()
	b.index = idx
	b.totalSize = total
	b.storeBytes = perStore
	b.mu.Unlock()
	return nil
}

func (b *LevelBackend) TotalSize() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalSize
}

func (b *LevelBackend) KeyCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.index)
}

func (b *LevelBackend) submit(op diskOp) error {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return errBackendClosed
	}
	b.ops <- op
	return nil
}

func (b *LevelBackend) Put(store string, seq uint64, e Entry) error {
	return b.submit(diskOp{store: store, key: e.Key, rec: &diskRecord{Seq: seq, Entry: e}})
}

func (b *LevelBackend) Delete(store string, key RequestKey) error {
	return b.submit(diskOp{store: store, key: key, del: true})
}

func (b *LevelBackend) Clear(store string) error {
	return b.submit(diskOp{store: store, clear: true})
}

// Sync blocks until every write submitted before it has been applied.
func (b *LevelBackend) Sync() error {
	ch := make(chan struct{})
	if err := b.submit(diskOp{sync: ch}); err != nil {
		return err
	}
	<-ch
	return nil
}

// Load returns every persisted entry of store. Undecodable records are
// skipped.
func (b *LevelBackend) Load(store string) ([]Persisted, error) {
	if err := b.Sync(); err != nil {
		return nil, err
	}
	prefix := []byte("e:" + store + "\x00")
	it := b.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var out []Persisted
	for it.Next() {
		rec, err := decodeEntry(it.Value())
		if err != nil {
			b.logger.Warn("skipping unreadable entry", slog.String("store", store), slog.Any("error", err))
			continue
		}
		out = append(out, Persisted{Seq: rec.Seq, Entry: rec.Entry})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

// EstimatorFor reports store's footprint against quota. Once the database
// as a whole is past its bound every store reports itself full.
func (b *LevelBackend) EstimatorFor(store string, quota int64) Estimator {
	return EstimatorFunc(func(context.Context) (int64, int64, bool) {
		if quota <= 0 {
			return 0, 0, false
		}
		b.mu.Lock()
		used, total := b.storeBytes[store], b.totalSize
		b.mu.Unlock()
		if b.maxBytes > 0 && total >= b.maxBytes && used < quota {
			used = quota
		}
		return used, quota, true
	})
}

func (b *LevelBackend) Close() error {
	b.closeMu.Lock()
	if b.closed {
		b.closeMu.Unlock()
		return nil
	}
	b.closed = true
	close(b.ops)
	b.closeMu.Unlock()

	<-b.done
	return b.db.Close()
}

func (b *LevelBackend) writerLoop() {
	defer close(b.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for op := range b.ops {
		switch {
		case op.sync != nil:
			close(op.sync)
		case op.clear:
			b.applyClear(op.store)
		case op.del:
			b.applyDelete(op.store, op.key)
		case op.rec != nil:
			b.applyPut(op.store, op.key, op.rec)
		}
	}
}

func (b *LevelBackend) applyPut(store string, key RequestKey, rec *diskRecord) {
	val, err := encodeEntry(*rec)
	if err != nil {
		b.logger.Warn("encode failed", slog.String("key", string(key)), slog.Any("error", err))
		return
	}
	id := indexID(store, key)
	meta := diskMeta{
		Store:     store,
		Size:      int64(len(val)),
		Seq:       rec.Seq,
		FetchedAt: rec.Entry.FetchedAt.Unix(),
	}
	mb, err := encodeGob(meta)
	if err != nil {
		return
	}

	batch := new(leveldb.Batch)
	batch.Put(entryKey(store, key), val)
	batch.Put(metaKey(id), mb)
	if err := b.db.Write(batch, nil); err != nil {
		b.logger.Warn("write failed", slog.String("key", string(key)), slog.Any("error", err))
		return
	}

	b.mu.Lock()
	if old, ok := b.index[id]; ok {
		b.totalSize -= old.Size
		b.storeBytes[store] -= old.Size
	}
	b.index[id] = meta
	b.totalSize += meta.Size
	b.storeBytes[store] += meta.Size
	b.mu.Unlock()
}

func (b *LevelBackend) applyDelete(store string, key RequestKey) {
	id := indexID(store, key)
	batch := new(leveldb.Batch)
	batch.Delete(entryKey(store, key))
	batch.Delete(metaKey(id))
	if err := b.db.Write(batch, nil); err != nil {
		b.logger.Warn("delete failed", slog.String("key", string(key)), slog.Any("error", err))
		return
	}

	b.mu.Lock()
	if meta, ok := b.index[id]; ok {
		b.totalSize -= meta.Size
		b.storeBytes[store] -= meta.Size
		delete(b.index, id)
	}
	b.mu.Unlock()
}

func (b *LevelBackend) applyClear(store string) {
	prefix := store + "\x00"
	b.mu.Lock()
	var ids []string
	for id := range b.index {
		if strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}
	b.mu.Unlock()

	batch := new(leveldb.Batch)
	for _, id := range ids {
		batch.Delete([]byte("e:" + id))
		batch.Delete(metaKey(id))
	}
	if err := b.db.Write(batch, nil); err != nil {
		b.logger.Warn("clear failed", slog.String("store", store), slog.Any("error", err))
		return
	}

	b.mu.Lock()
	for _, id := range ids {
		b.totalSize -= b.index[id].Size
		delete(b.index, id)
	}
	b.storeBytes[store] = 0
	b.mu.Unlock()
}
