package suite

import (
	"bytes"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
)

const (
	// libKeyPrefix is the prefix for compressed library bytes.
	libKeyPrefix = "lib:"

	// metaKeyPrefix is the prefix for CBOR library entries.
	metaKeyPrefix = "meta:"
)

// BadgerManager is a persistent library store using BadgerDB. Library bytes
// are kept zstd-compressed next to an Entry recording their size and digest.
type BadgerManager struct {
	db    *badger.DB
	count atomic.Int64
}

// NewBadgerManager opens (or creates) the store at path.
func NewBadgerManager(path string) (*BadgerManager, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // Disable badger logging

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	bm := &BadgerManager{db: db}

	names, err := bm.ListLibraryNames()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to count libraries: %w", err)
	}
	bm.count.Store(int64(len(names)))

	return bm, nil
}

func makeKey(prefix, name string) []byte {
	return []byte(prefix + name)
}

// Put stores a library, replacing any previous version.
func (bm *BadgerManager) Put(name string, data []byte) (*Entry, error) {
	if name == "" {
		return nil, errors.New("empty library name")
	}
	if len(data) > SuiteChunkSize {
		return nil, fmt.Errorf("%s is %d bytes: %w", name, len(data), ErrChunkTooLarge)
	}

	e := &Entry{Name: name, Size: int64(len(data)), Digest: Sum(data)}
	meta, err := MarshalEntry(e)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize entry: %w", err)
	}
	compressed := Compress(data)

	var isNew bool
	err = bm.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(makeKey(metaKeyPrefix, name))
		isNew = errors.Is(err, badger.ErrKeyNotFound)

		if err := txn.Set(makeKey(libKeyPrefix, name), compressed); err != nil {
			return err
		}
		return txn.Set(makeKey(metaKeyPrefix, name), meta)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store library: %w", err)
	}
	// Counted only once committed
	if isNew {
		bm.count.Add(1)
	}

	log.Debugf("stored %s: %d bytes (%d compressed) digest %s", name, len(data), len(compressed), e.DigestString())
	return e, nil
}

// Entry returns the stored entry for name.
func (bm *BadgerManager) Entry(name string) (*Entry, error) {
	var e *Entry

	err := bm.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(makeKey(metaKeyPrefix, name))
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("%s: %w", name, ErrLibraryNotFound)
		}
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			var deserErr error
			e, deserErr = UnmarshalEntry(val)
			return deserErr
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get entry: %w", err)
	}

	return e, nil
}

// ListLibraryNames returns the stored library names in key order.
func (bm *BadgerManager) ListLibraryNames() ([]string, error) {
	var names []string
	prefix := []byte(metaKeyPrefix)

	err := bm.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false // Only need keys
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			names = append(names, string(bytes.TrimPrefix(key, prefix)))
		}
		return nil
	})

	return names, err
}

// LoadLibrary returns the decompressed bytes of name, verified against the
// stored digest.
func (bm *BadgerManager) LoadLibrary(name string) ([]byte, error) {
	e, err := bm.Entry(name)
	if err != nil {
		return nil, err
	}

	var compressed []byte
	err = bm.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(makeKey(libKeyPrefix, name))
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("%s: %w", name, ErrLibraryNotFound)
		}
		if err != nil {
			return err
		}
		compressed, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get library: %w", err)
	}

	data, err := Decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if int64(len(data)) != e.Size || Sum(data) != e.Digest {
		return nil, fmt.Errorf("%s: %w", name, ErrDigestMismatch)
	}
	return data, nil
}

// Delete removes a library.
func (bm *BadgerManager) Delete(name string) error {
	var existed bool
	err := bm.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(makeKey(metaKeyPrefix, name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil // Already deleted
		}
		if err != nil {
			return err
		}
		existed = true

		if err := txn.Delete(makeKey(libKeyPrefix, name)); err != nil {
			return err
		}
		return txn.Delete(makeKey(metaKeyPrefix, name))
	})
	if err != nil {
		return fmt.Errorf("failed to delete library: %w", err)
	}
	if existed {
		bm.count.Add(-1)
	}
	return nil
}

// LibraryCount returns the number of stored libraries.
func (bm *BadgerManager) LibraryCount() (int, error) {
	return int(bm.count.Load()), nil
}

// Ping reports whether the store is open.
func (bm *BadgerManager) Ping() error {
	if bm.db.IsClosed() {
		return errors.New("library store is closed")
	}
	return nil
}

// Close closes the database.
func (bm *BadgerManager) Close() error {
	return bm.db.Close()
}

// Import copies every library of src into bm and returns the entries
// written.
func Import(bm *BadgerManager, src Manager) ([]*Entry, error) {
	names, err := src.ListLibraryNames()
	if err != nil {
		return nil, err
	}

	entries := make([]*Entry, 0, len(names))
	for _, name := range names {
		data, err := src.LoadLibrary(name)
		if err != nil {
			return entries, fmt.Errorf("failed to load %s: %w", name, err)
		}
		e, err := bm.Put(name, data)
		if err != nil {
			return entries, err
		}
		log.Infof("imported %s (%d bytes, %s)", name, e.Size, e.DigestString())
		entries = append(entries, e)
	}
	return entries, nil
}

// Ensure both managers satisfy Manager.
var (
	_ Manager = (*BadgerManager)(nil)
	_ Manager = (*DirManager)(nil)
)
