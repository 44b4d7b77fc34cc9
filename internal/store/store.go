// Package store wraps github.com/dgraph-io/badger/v4 as the ordered
// key-value engine the Ledger and Conversation Store build on, grounded on
// the teacher's database/database.go (open options, context-driven close).
package store

import (
	"os"

	"github.com/dgraph-io/badger/v4"

	"zapgate.dev/internal/chk"
	"zapgate.dev/internal/log"
	"zapgate.dev/internal/xcontext"
)

// S is the opened key-value store.
type S struct {
	*badger.DB
	dataDir string
}

// Open opens (creating if absent) a badger store at dataDir. The store is
// closed automatically when ctx is cancelled.
func Open(ctx xcontext.T, dataDir string) (s *S, err error) {
	if err = os.MkdirAll(dataDir, 0o755); chk.E(err) {
		return nil, err
	}
	opts := badger.DefaultOptions(dataDir).WithLogger(nil)
	var db *badger.DB
	if db, err = badger.Open(opts); chk.E(err) {
		return nil, err
	}
	s = &S{DB: db, dataDir: dataDir}
	go func() {
		<-ctx.Done()
		if cerr := s.DB.Close(); cerr != nil {
			log.E.F("closing store: %v", cerr)
		}
	}()
	return s, nil
}

// Path returns the directory the store's files live under.
func (s *S) Path() string { return s.dataDir }

// Put writes key->val in its own transaction.
func (s *S) Put(key, val []byte) error {
	return s.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

// Get reads key, returning (nil, nil) when absent.
func (s *S) Get(key []byte) (val []byte, err error) {
	err = s.View(func(txn *badger.Txn) error {
		item, ierr := txn.Get(key)
		if ierr == badger.ErrKeyNotFound {
			return nil
		}
		if ierr != nil {
			return ierr
		}
		return item.Value(func(v []byte) error {
			val = append([]byte(nil), v...)
			return nil
		})
	})
	return val, err
}

// Has reports whether key exists.
func (s *S) Has(key []byte) (ok bool, err error) {
	err = s.View(func(txn *badger.Txn) error {
		_, ierr := txn.Get(key)
		if ierr == badger.ErrKeyNotFound {
			ok = false
			return nil
		}
		if ierr != nil {
			return ierr
		}
		ok = true
		return nil
	})
	return ok, err
}

// IteratePrefix calls fn for every key under prefix in ascending order,
// stopping early if fn returns false.
func (s *S) IteratePrefix(prefix []byte, fn func(key, val []byte) bool) error {
	return s.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var cont bool
			verr := item.Value(func(v []byte) error {
				cont = fn(append([]byte(nil), item.Key()...), append([]byte(nil), v...))
				return nil
			})
			if verr != nil {
				return verr
			}
			if !cont {
				break
			}
		}
		return nil
	})
}

// IteratePrefixReverse calls fn for every key under prefix in descending
// key order (used for reverse-chronological history scans, since the
// Conversation Store's keys zero-pad timestamps so byte order is time
// order).
func (s *S) IteratePrefixReverse(prefix []byte, fn func(key, val []byte) bool) error {
	return s.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		// badger's reverse iterator seeks from the largest key <= seek key;
		// append 0xff bytes so we start past every key with this prefix.
		seek := append(append([]byte(nil), prefix...), 0xff, 0xff, 0xff, 0xff)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var cont bool
			verr := item.Value(func(v []byte) error {
				cont = fn(append([]byte(nil), item.Key()...), append([]byte(nil), v...))
				return nil
			})
			if verr != nil {
				return verr
			}
			if !cont {
				break
			}
		}
		return nil
	})
}
