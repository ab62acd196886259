package store

import (
	"context"
	"fmt"
	"log"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/Protocol-Lattice/cascade-memory/internal/record"
)

// BadgerStore is an embedded, on-disk Store backed by BadgerDB, for
// single-process deployments that want durability without standing up
// a separate database server.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (creating if absent) a BadgerDB store at dir.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(quietBadgerLogger{})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store at %s: %w", dir, err)
	}
	return &BadgerStore{db: db}, nil
}

func recordKey(id record.ID) []byte { return append([]byte("rec:"), []byte(id)...) }

func (s *BadgerStore) Put(_ context.Context, r record.Record) error {
	key := recordKey(r.ID)
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("record %s already exists", r.ID)
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		buf, err := msgpack.Marshal(&r)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", r.ID, err)
		}
		return txn.Set(key, buf)
	})
}

func (s *BadgerStore) Get(_ context.Context, id record.ID) (record.Record, error) {
	var r record.Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(id))
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("record %s not found", id)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &r)
		})
	})
	return r, err
}

func (s *BadgerStore) UpdateMetadata(_ context.Context, id record.ID, fn func(*record.Record)) error {
	key := recordKey(id)
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("record %s not found", id)
		}
		if err != nil {
			return err
		}
		var r record.Record
		if err := item.Value(func(val []byte) error { return msgpack.Unmarshal(val, &r) }); err != nil {
			return err
		}
		fn(&r)
		buf, err := msgpack.Marshal(&r)
		if err != nil {
			return err
		}
		return txn.Set(key, buf)
	})
}

func (s *BadgerStore) Archive(ctx context.Context, id record.ID) error {
	return s.UpdateMetadata(ctx, id, func(r *record.Record) { r.Archived = true })
}

func (s *BadgerStore) IterateRecent(_ context.Context, limit int, fn func(record.Record) bool) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("rec:")
		it := txn.NewIterator(opts)
		defer it.Close()
		all := make([]record.Record, 0)
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			var r record.Record
			if err := it.Item().Value(func(val []byte) error { return msgpack.Unmarshal(val, &r) }); err != nil {
				return err
			}
			if !r.Archived {
				all = append(all, r)
			}
		}
		sortRecordsByCreatedDesc(all)
		if limit > 0 && len(all) > limit {
			all = all[:limit]
		}
		for _, r := range all {
			if !fn(r) {
				break
			}
		}
		return nil
	})
}

func (s *BadgerStore) ScanCandidates(_ context.Context, fn func(record.Record) bool) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("rec:")
		it := txn.NewIterator(opts)
		defer it.Close()
		all := make([]record.Record, 0)
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			var r record.Record
			if err := it.Item().Value(func(val []byte) error { return msgpack.Unmarshal(val, &r) }); err != nil {
				return err
			}
			if !r.Archived {
				all = append(all, r)
			}
		}
		sortRecordsByCreatedAsc(all)
		for _, r := range all {
			if !fn(r) {
				break
			}
		}
		return nil
	})
}

func (s *BadgerStore) Count(_ context.Context) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte("rec:")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (s *BadgerStore) Close() error { return s.db.Close() }

func sortRecordsByCreatedDesc(rs []record.Record) {
	sortRecords(rs, func(a, b record.Record) bool { return a.CreatedAt.After(b.CreatedAt) })
}

func sortRecordsByCreatedAsc(rs []record.Record) {
	sortRecords(rs, func(a, b record.Record) bool { return a.CreatedAt.Before(b.CreatedAt) })
}

func sortRecords(rs []record.Record, less func(a, b record.Record) bool) {
	for i := 1; i < len(rs); i++ {
		for j := i; j > 0 && less(rs[j], rs[j-1]); j-- {
			rs[j], rs[j-1] = rs[j-1], rs[j]
		}
	}
}

// quietBadgerLogger suppresses badger's debug/info noise, surfacing
// only warnings and errors through the standard logger.
type quietBadgerLogger struct{}

func (quietBadgerLogger) Errorf(f string, v ...interface{})   { log.Printf("[badger] ERROR: "+f, v...) }
func (quietBadgerLogger) Warningf(f string, v ...interface{}) { log.Printf("[badger] WARN: "+f, v...) }
func (quietBadgerLogger) Infof(string, ...interface{})        {}
func (quietBadgerLogger) Debugf(string, ...interface{})       {}
