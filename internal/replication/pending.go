package replication

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"libralink/internal/protocol"
)

var (
	pendingBucket = []byte("PendingOperations")
	indexBucket   = []byte("PendingRequestIDs")
)

// PendingItem is one queued operation and its position in the queue.
type PendingItem struct {
	Seq      uint64            `json:"seq"`
	Envelope protocol.Envelope `json:"envelope"`
	Attempts int               `json:"attempts"`
	QueuedAt time.Time         `json:"queued_at"`
}

// PendingQueue is the durable FIFO of operations the peer has not
// acknowledged. An operation is stored at most once per request id.
type PendingQueue struct {
	db *bolt.DB
}

// OpenPendingQueue opens or creates the queue at path.
func OpenPendingQueue(path string) (*PendingQueue, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create pending dir: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open pending queue %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(pendingBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(indexBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create pending buckets: %w", err)
	}
	return &PendingQueue{db: db}, nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// Enqueue appends env unless an operation with the same request id is
// already queued. It reports whether env was added.
func (q *PendingQueue) Enqueue(env protocol.Envelope) (bool, error) {
	id := env.ID()
	added := false
	err := q.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(indexBucket)
		if index.Get([]byte(id)) != nil {
			return nil
		}
		if err := appendItem(tx, PendingItem{Envelope: env, QueuedAt: time.Now().UTC()}); err != nil {
			return err
		}
		added = true
		return nil
	})
	return added, err
}

func appendItem(tx *bolt.Tx, item PendingItem) error {
	b := tx.Bucket(pendingBucket)
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	item.Seq = seq
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	if err := b.Put(itob(seq), data); err != nil {
		return err
	}
	return tx.Bucket(indexBucket).Put([]byte(item.Envelope.ID()), itob(seq))
}

// Snapshot returns the queued items in FIFO order.
func (q *PendingQueue) Snapshot() ([]PendingItem, error) {
	var items []PendingItem
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).ForEach(func(_, v []byte) error {
			var item PendingItem
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			items = append(items, item)
			return nil
		})
	})
	return items, err
}

// Remove drops an acknowledged item.
func (q *PendingQueue) Remove(seq uint64) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		return removeItem(tx, seq)
	})
}

func removeItem(tx *bolt.Tx, seq uint64) error {
	b := tx.Bucket(pendingBucket)
	key := itob(seq)
	data := b.Get(key)
	if data == nil {
		return nil
	}
	var item PendingItem
	if err := json.Unmarshal(data, &item); err != nil {
		return err
	}
	if err := b.Delete(key); err != nil {
		return err
	}
	index := tx.Bucket(indexBucket)
	id := []byte(item.Envelope.ID())
	if cur := index.Get(id); cur != nil && binary.BigEndian.Uint64(cur) == seq {
		return index.Delete(id)
	}
	return nil
}

// Requeue moves items to the tail in the given order. Items already
// removed are skipped. If tried is set, its attempt count is incremented.
func (q *PendingQueue) Requeue(items []PendingItem, tried uint64) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pendingBucket)
		for _, item := range items {
			if b.Get(itob(item.Seq)) == nil {
				continue
			}
			if err := removeItem(tx, item.Seq); err != nil {
				return err
			}
			if item.Seq == tried {
				item.Attempts++
			}
			if err := appendItem(tx, item); err != nil {
				return err
			}
		}
		return nil
	})
}

// Len returns the number of queued items.
func (q *PendingQueue) Len() int {
	n := 0
	q.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(pendingBucket).Stats().KeyN
		return nil
	})
	return n
}

func (q *PendingQueue) Close() error {
	return q.db.Close()
}
