// Package outbox is the durable staging area between the engine and its
// downstream consumers. The event drain persists every outbound event
// here; publishers scan pending entries, push them to Kafka and the feed,
// and acknowledge. An entry survives crashes until it is acknowledged.
package outbox

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
)

type State uint8

const (
	StateNew State = iota
	StateSent
	StateAcked
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSent:
		return "SENT"
	case StateAcked:
		return "ACKED"
	default:
		return "UNKNOWN"
	}
}

// Entry is one outbound event keyed by its event sequence. Payload is the
// wire form the publisher ships as-is.
type Entry struct {
	Seq         uint64
	Kind        uint8
	State       State
	Retries     uint32
	LastAttempt int64
	Payload     []byte
}

// value encoding: [state:1][kind:1][retries:4][lastAttempt:8][payload]
const headerLen = 14

func encodeEntry(e *Entry) []byte {
	buf := make([]byte, headerLen+len(e.Payload))
	buf[0] = byte(e.State)
	buf[1] = e.Kind
	binary.BigEndian.PutUint32(buf[2:6], e.Retries)
	binary.BigEndian.PutUint64(buf[6:14], uint64(e.LastAttempt))
	copy(buf[headerLen:], e.Payload)
	return buf
}

func decodeEntry(seq uint64, b []byte) (*Entry, error) {
	if len(b) < headerLen {
		return nil, errors.New("outbox: short entry")
	}
	e := &Entry{
		Seq:         seq,
		State:       State(b[0]),
		Kind:        b[1],
		Retries:     binary.BigEndian.Uint32(b[2:6]),
		LastAttempt: int64(binary.BigEndian.Uint64(b[6:14])),
	}
	if len(b) > headerLen {
		e.Payload = append([]byte(nil), b[headerLen:]...)
	}
	return e, nil
}

type Outbox struct {
	db *pebble.DB
}

func Open(dir string) (*Outbox, error) {
	db, err := pebble.Open(dir, &pebble.Options{
		DisableWAL: false, // durability is the point
	})
	if err != nil {
		return nil, err
	}
	return &Outbox{db: db}, nil
}

func (o *Outbox) Close() error {
	return o.db.Close()
}

// Put stores a new pending entry. Writing an event sequence that already
// exists overwrites it with identical content, which makes replay after
// recovery idempotent.
func (o *Outbox) Put(e *Entry) error {
	return o.db.Set(keyFor(e.Seq), encodeEntry(e), pebble.Sync)
}

// MarkSent flags an entry as in flight before the publish attempt.
func (o *Outbox) MarkSent(e *Entry) error {
	e.State = StateSent
	e.Retries++
	e.LastAttempt = time.Now().UnixNano()
	return o.db.Set(keyFor(e.Seq), encodeEntry(e), pebble.Sync)
}

// Ack removes a published entry. Once the broker has acknowledged the
// message, the outbox copy is redundant.
func (o *Outbox) Ack(seq uint64) error {
	return o.db.Delete(keyFor(seq), pebble.Sync)
}

// Get returns the entry for an event sequence.
func (o *Outbox) Get(seq uint64) (*Entry, error) {
	val, closer, err := o.db.Get(keyFor(seq))
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return decodeEntry(seq, val)
}

// ScanPending visits unacknowledged entries in event order. Returning an
// error from fn stops the scan.
func (o *Outbox) ScanPending(fn func(*Entry) error) error {
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("event/"),
		UpperBound: []byte("event/~"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		seq, err := parseKey(iter.Key())
		if err != nil {
			return err
		}
		e, err := decodeEntry(seq, iter.Value())
		if err != nil {
			return err
		}
		if e.State == StateAcked {
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return iter.Error()
}

func keyFor(seq uint64) []byte {
	return []byte(fmt.Sprintf("event/%020d", seq))
}

func parseKey(b []byte) (uint64, error) {
	var seq uint64
	_, err := fmt.Sscanf(string(bytes.TrimPrefix(b, []byte("event/"))), "%d", &seq)
	return seq, err
}
