package blockstore

import (
	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"

	"github.com/autonomys/auto-drive-sub003/pkg/cid"
	"github.com/autonomys/auto-drive-sub003/pkg/dag"
)

const iteratorBatchSize = 128

// Iterator walks one upload's cids in insertion order without holding a
// badger transaction open between Next calls. Each refill opens a fresh
// view and seeks past the last seen order key, so the iterator stays
// valid across concurrent writes and can be abandoned at any point.
type Iterator struct {
	store    *BadgerStore
	uploadID string
	wantType *dag.NodeType

	buf     []cid.Cid
	pos     int
	lastKey []byte
	done    bool
	err     error
}

func newIterator(s *BadgerStore, uploadID string, wantType *dag.NodeType) *Iterator {
	return &Iterator{store: s, uploadID: uploadID, wantType: wantType}
}

// Next returns the next cid, or false when the sequence is exhausted or
// an error occurred (check Err).
func (it *Iterator) Next() (cid.Cid, bool) {
	if it.err != nil {
		return cid.Zero, false
	}
	if it.pos >= len(it.buf) {
		if it.done {
			return cid.Zero, false
		}
		it.refill()
		if it.err != nil || len(it.buf) == 0 {
			return cid.Zero, false
		}
	}
	c := it.buf[it.pos]
	it.pos++
	return c, true
}

func (it *Iterator) Err() error { return it.err }

func (it *Iterator) refill() {
	prefix := []byte(orderKeyPrefix + it.uploadID + ":")
	it.buf = it.buf[:0]
	it.pos = 0

	it.err = it.store.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		bit := txn.NewIterator(opts)
		defer bit.Close()

		start := prefix
		if it.lastKey != nil {
			// Seek one past the last delivered order key.
			start = append(append([]byte{}, it.lastKey...), 0x00)
		}

		for bit.Seek(start); bit.ValidForPrefix(prefix); bit.Next() {
			item := bit.Item()
			it.lastKey = item.KeyCopy(it.lastKey[:0])

			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var c cid.Cid
			if err := c.UnmarshalBinary(raw); err != nil {
				return err
			}

			if it.wantType != nil {
				nitem, err := txn.Get(nodeKey(it.uploadID, c))
				if err != nil {
					return err
				}
				var rec storedRecord
				if err := nitem.Value(func(val []byte) error {
					return cbor.Unmarshal(val, &rec)
				}); err != nil {
					return err
				}
				if rec.Type != *it.wantType {
					continue
				}
			}

			it.buf = append(it.buf, c)
			if len(it.buf) >= iteratorBatchSize {
				return nil
			}
		}
		it.done = true
		return nil
	})
}
