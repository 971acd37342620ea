// Package blockstore persists encoded DAG nodes, scoped per upload.
// Keys are (uploadID, cid); a monotonic sequence subkey preserves
// insertion order so enumeration is deterministic and restartable.
package blockstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"

	"github.com/autonomys/auto-drive-sub003/pkg/cid"
	"github.com/autonomys/auto-drive-sub003/pkg/dag"
)

// ErrNotFound is returned when a cid is absent from the store.
var ErrNotFound = errors.New("blockstore: node not found")

// Record is the stored value for one node.
type Record struct {
	Type    dag.NodeType
	Size    uint64
	Encoded []byte
}

// Store is the per-upload content-addressed node store.
type Store interface {
	Put(ctx context.Context, uploadID string, c cid.Cid, rec Record) error
	Get(ctx context.Context, uploadID string, c cid.Cid) (Record, error)
	Has(ctx context.Context, uploadID string, c cid.Cid) (bool, error)
	Delete(ctx context.Context, uploadID string, c cid.Cid) error
	Size(ctx context.Context, uploadID string, c cid.Cid) (uint64, error)

	// Keys enumerates the upload's cids in insertion order. The
	// iterator is lazy and finite; calling Keys again restarts.
	Keys(uploadID string) *Iterator
	// KeysByType enumerates only nodes of the given type.
	KeysByType(uploadID string, t dag.NodeType) *Iterator

	// Lookup resolves a cid regardless of which upload stored it.
	Lookup(ctx context.Context, c cid.Cid) (Record, error)

	Close() error
}

const (
	nodeKeyPrefix   = "bs:n:"
	orderKeyPrefix  = "bs:o:"
	globalKeyPrefix = "bs:g:"
	seqKey          = "bs:seq"
)

// storedRecord is the on-disk value. Seq links a node back to its
// order key so Delete can remove both.
type storedRecord struct {
	Type    dag.NodeType `cbor:"1,keyasint"`
	Size    uint64       `cbor:"2,keyasint"`
	Encoded []byte       `cbor:"3,keyasint"`
	Seq     uint64       `cbor:"4,keyasint"`
}

type Config struct {
	Path   string
	Logger *logrus.Logger
}

// BadgerStore implements Store on a badger database.
type BadgerStore struct {
	db  *badger.DB
	seq *badger.Sequence
	log *logrus.Logger
}

var _ Store = (*BadgerStore)(nil)

func NewBadgerStore(config Config) (*BadgerStore, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}

	opts := badger.DefaultOptions(config.Path)
	opts.Logger = nil
	opts.ValueLogFileSize = 1024 * 1024 * 100
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening blockstore at %s: %w", config.Path, err)
	}

	seq, err := db.GetSequence([]byte(seqKey), 128)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("opening blockstore sequence: %w", err)
	}

	config.Logger.WithField("path", config.Path).Info("blockstore opened")

	return &BadgerStore{db: db, seq: seq, log: config.Logger}, nil
}

func nodeKey(uploadID string, c cid.Cid) []byte {
	return []byte(nodeKeyPrefix + uploadID + ":" + c.String())
}

func orderKey(uploadID string, seq uint64) []byte {
	key := []byte(orderKeyPrefix + uploadID + ":")
	return append(key, seqBytes(seq)...)
}

func globalKey(c cid.Cid) []byte {
	return []byte(globalKeyPrefix + c.String())
}

func seqBytes(seq uint64) []byte {
	out := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		out[i] = byte(seq)
		seq >>= 8
	}
	return out
}

// Put stores one node. Re-putting an already-stored cid is a no-op:
// the cid is the hash of the bytes, so the stored value is identical.
func (s *BadgerStore) Put(ctx context.Context, uploadID string, c cid.Cid, rec Record) error {
	key := nodeKey(uploadID, c)

	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return nil
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		seq, err := s.seq.Next()
		if err != nil {
			return fmt.Errorf("assigning sequence: %w", err)
		}

		raw, err := cbor.Marshal(storedRecord{
			Type:    rec.Type,
			Size:    rec.Size,
			Encoded: rec.Encoded,
			Seq:     seq,
		})
		if err != nil {
			return fmt.Errorf("encoding record: %w", err)
		}

		if err := txn.Set(key, raw); err != nil {
			return err
		}
		if err := txn.Set(orderKey(uploadID, seq), c.Bytes()); err != nil {
			return err
		}
		return txn.Set(globalKey(c), []byte(uploadID))
	})
}

func (s *BadgerStore) get(key []byte) (storedRecord, error) {
	var rec storedRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return cbor.Unmarshal(val, &rec)
		})
	})
	return rec, err
}

func (s *BadgerStore) Get(ctx context.Context, uploadID string, c cid.Cid) (Record, error) {
	rec, err := s.get(nodeKey(uploadID, c))
	if err != nil {
		return Record{}, err
	}
	return Record{Type: rec.Type, Size: rec.Size, Encoded: rec.Encoded}, nil
}

func (s *BadgerStore) Has(ctx context.Context, uploadID string, c cid.Cid) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(nodeKey(uploadID, c))
		return err
	})
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *BadgerStore) Size(ctx context.Context, uploadID string, c cid.Cid) (uint64, error) {
	rec, err := s.get(nodeKey(uploadID, c))
	if err != nil {
		return 0, err
	}
	return rec.Size, nil
}

func (s *BadgerStore) Delete(ctx context.Context, uploadID string, c cid.Cid) error {
	key := nodeKey(uploadID, c)

	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}
		var rec storedRecord
		if err := item.Value(func(val []byte) error {
			return cbor.Unmarshal(val, &rec)
		}); err != nil {
			return err
		}

		if err := txn.Delete(key); err != nil {
			return err
		}
		if err := txn.Delete(orderKey(uploadID, rec.Seq)); err != nil {
			return err
		}

		// Drop the global index entry only if it still points here.
		gitem, err := txn.Get(globalKey(c))
		if err == nil {
			owner, err := gitem.ValueCopy(nil)
			if err != nil {
				return err
			}
			if string(owner) == uploadID {
				return txn.Delete(globalKey(c))
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		return nil
	})
}

func (s *BadgerStore) Lookup(ctx context.Context, c cid.Cid) (Record, error) {
	var uploadID string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(globalKey(c))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		uploadID = string(raw)
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return s.Get(ctx, uploadID, c)
}

func (s *BadgerStore) Keys(uploadID string) *Iterator {
	return newIterator(s, uploadID, nil)
}

func (s *BadgerStore) KeysByType(uploadID string, t dag.NodeType) *Iterator {
	want := t
	return newIterator(s, uploadID, &want)
}

func (s *BadgerStore) Close() error {
	if err := s.seq.Release(); err != nil {
		s.log.WithError(err).Warn("releasing blockstore sequence")
	}
	return s.db.Close()
}
