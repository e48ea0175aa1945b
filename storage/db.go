package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	lvlstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"nhbrelay/core/types"
)

// MemoryDSN opens a LevelDB archive backed by memory instead of disk.
const MemoryDSN = "memory"

var (
	txPrefix = []byte("tx/")
	atPrefix = []byte("at/")
)

// LevelDB is an embedded archive for single-node deployments. Records are
// stored as JSON under tx/<id> with a time index under at/<nanos>/<id>.
type LevelDB struct {
	db  *leveldb.DB
	now func() time.Time
	// mu serialises read-modify-write of the time index across Save calls.
	mu sync.Mutex
}

// NewLevelDB creates or opens a LevelDB database at path.
func NewLevelDB(path string) (*LevelDB, error) {
	var (
		db  *leveldb.DB
		err error
	)
	switch strings.TrimSpace(path) {
	case "":
		return nil, errors.New("storage: leveldb path required")
	case MemoryDSN:
		db, err = leveldb.Open(lvlstorage.NewMemStorage(), nil)
	default:
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: open leveldb: %w", err)
	}
	return &LevelDB{db: db, now: time.Now}, nil
}

func txKey(id string) []byte {
	return append(append([]byte(nil), txPrefix...), id...)
}

func atKey(at time.Time, id string) []byte {
	key := make([]byte, 0, len(atPrefix)+9+len(id))
	key = append(key, atPrefix...)
	key = binary.BigEndian.AppendUint64(key, uint64(at.UnixNano()))
	key = append(key, '/')
	return append(key, id...)
}

// Save implements Archive.
func (l *LevelDB) Save(_ context.Context, txs []types.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	batch := new(leveldb.Batch)
	for _, tx := range txs {
		if prev, ok, err := l.get(tx.ID); err != nil {
			return err
		} else if ok {
			batch.Delete(atKey(prev.ArchivedAt, prev.ID))
		}
		rec := recordFrom(tx, now)
		encoded, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("storage: encode %s: %w", tx.ID, err)
		}
		batch.Put(txKey(tx.ID), encoded)
		batch.Put(atKey(now, tx.ID), []byte(tx.ID))
	}
	return l.db.Write(batch, nil)
}

func (l *LevelDB) get(id string) (record, bool, error) {
	raw, err := l.db.Get(txKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return record{}, false, nil
	}
	if err != nil {
		return record{}, false, err
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return record{}, false, fmt.Errorf("storage: decode %s: %w", id, err)
	}
	return rec, true, nil
}

// Lookup implements Archive.
func (l *LevelDB) Lookup(_ context.Context, id string) (types.Transaction, bool, error) {
	rec, ok, err := l.get(id)
	if err != nil || !ok {
		return types.Transaction{}, false, err
	}
	return rec.transaction(), true, nil
}

// Recent implements Archive.
func (l *LevelDB) Recent(_ context.Context, limit int) ([]types.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	iter := l.db.NewIterator(util.BytesPrefix(atPrefix), nil)
	defer iter.Release()
	out := make([]types.Transaction, 0, limit)
	for ok := iter.Last(); ok && len(out) < limit; ok = iter.Prev() {
		rec, found, err := l.get(string(iter.Value()))
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, rec.transaction())
		}
	}
	return out, iter.Error()
}

// Close closes the database.
func (l *LevelDB) Close() error {
	return l.db.Close()
}
