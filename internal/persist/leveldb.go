package persist

import (
	"context"
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// LevelDocuments keeps documents in a LevelDB database. Every write is a
// single synced Put, which LevelDB applies atomically.
type LevelDocuments struct {
	db *leveldb.DB
}

func OpenLevel(path string) (*LevelDocuments, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDocuments{db: db}, nil
}

// NewLevel wraps an open database. Close closes it.
func NewLevel(db *leveldb.DB) *LevelDocuments { return &LevelDocuments{db: db} }

func docKey(key string) []byte { return []byte("d:" + key) }

func (l *LevelDocuments) Read(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	b, err := l.db.Get(docKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (l *LevelDocuments) Write(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.db.Put(docKey(key), data, &opt.WriteOptions{Sync: true})
}

func (l *LevelDocuments) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.db.Delete(docKey(key), &opt.WriteOptions{Sync: true})
}

func (l *LevelDocuments) Close() error { return l.db.Close() }
