// Package snapshot persists a point-in-time image of one instrument's
// book so recovery only replays the WAL tail written after it. Snapshots
// are captured on the engine's apply goroutine, so they are always
// consistent with a command boundary.
package snapshot

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"vela/domain/book"
)

type OrderEntry struct {
	ID     uint64
	Owner  string
	Side   book.Side
	Price  int64
	Qty    int64
	Filled int64
	Seq    uint64
}

type Snapshot struct {
	Instrument string
	Seq        uint64 // last applied command sequence
	EventSeq   uint64
	Revision   uint64
	TradeSeq   uint64
	Created    time.Time
	Orders     []OrderEntry
}

// Capture collects every resting order, bids best to worst then asks
// best to worst. Within a level the walk follows queue order, so Restore
// rebuilds identical FIFO queues.
func Capture(b *book.OrderBook, lastSeq, eventSeq uint64) *Snapshot {
	s := &Snapshot{
		Instrument: b.Instrument,
		Seq:        lastSeq,
		EventSeq:   eventSeq,
		Revision:   b.Revision(),
		TradeSeq:   b.TradeSeq(),
		Created:    time.Now(),
		Orders:     make([]OrderEntry, 0, b.RestingCount()),
	}
	visit := func(lvl *book.PriceLevel) bool {
		for o := lvl.Head(); o != nil; o = o.Next() {
			s.Orders = append(s.Orders, OrderEntry{
				ID:     o.ID,
				Owner:  o.Owner,
				Side:   o.Side,
				Price:  o.Price,
				Qty:    o.Qty,
				Filled: o.Filled,
				Seq:    o.Seq,
			})
		}
		return true
	}
	b.BidsWalk(visit)
	b.AsksWalk(visit)
	return s
}

// Restore rebuilds a fresh book from the snapshot.
func (s *Snapshot) Restore(b *book.OrderBook) error {
	for _, e := range s.Orders {
		o := &book.Order{
			ID:     e.ID,
			Owner:  e.Owner,
			Side:   e.Side,
			Price:  e.Price,
			Qty:    e.Qty,
			Filled: e.Filled,
			Seq:    e.Seq,
		}
		if err := b.Insert(o); err != nil {
			return err
		}
	}
	b.RestoreCounters(s.TradeSeq, s.Revision)
	return nil
}

func fileFor(dir, instrument string) string {
	return filepath.Join(dir, instrument+".snapshot")
}

// Write persists the snapshot atomically (write temp, rename over).
func (s *Snapshot) Write(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := fileFor(dir, s.Instrument) + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(s); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, fileFor(dir, s.Instrument))
}

// LoadLatest returns the instrument's snapshot, or (nil, nil) when none
// has been written yet.
func LoadLatest(dir, instrument string) (*Snapshot, error) {
	f, err := os.Open(fileFor(dir, instrument))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var s Snapshot
	if err := gob.NewDecoder(f).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &s, nil
}
