package book

import (
	"math/rand"
	"testing"
)

func TestRBTreeInsertFindDelete(t *testing.T) {
	tree := NewRBTree()
	pl1 := tree.UpsertLevel(100)
	if pl1 == nil {
		t.Fatal("UpsertLevel failed")
	}
	if pl2 := tree.FindLevel(100); pl2 != pl1 {
		t.Error("FindLevel did not return same PriceLevel")
	}

	tree.UpsertLevel(200)
	if tree.MinLevel().Price != 100 {
		t.Error("expected min=100")
	}
	if tree.MaxLevel().Price != 200 {
		t.Error("expected max=200")
	}

	if !tree.DeleteLevel(100) {
		t.Error("DeleteLevel failed")
	}
	if tree.FindLevel(100) != nil {
		t.Error("expected level 100 to be gone")
	}
}

func TestDeleteNonExistentLevel(t *testing.T) {
	tree := NewRBTree()
	if tree.DeleteLevel(123) {
		t.Error("expected false when deleting non-existent level")
	}
}

func TestEmptyTreeMinMax(t *testing.T) {
	tree := NewRBTree()
	if tree.MinLevel() != nil || tree.MaxLevel() != nil {
		t.Error("expected nil for min/max on empty tree")
	}
}

func TestUpsertDuplicateLevel(t *testing.T) {
	tree := NewRBTree()
	pl1 := tree.UpsertLevel(150)
	pl2 := tree.UpsertLevel(150)
	if pl1 != pl2 {
		t.Error("Upsert should return the same node for duplicate level")
	}
}

func TestRBTreeOrderedWalk(t *testing.T) {
	tree := NewRBTree()
	rng := rand.New(rand.NewSource(7))

	prices := map[int64]bool{}
	for i := 0; i < 500; i++ {
		p := int64(rng.Intn(1000))
		tree.UpsertLevel(p)
		prices[p] = true
	}
	if tree.Size() != len(prices) {
		t.Fatalf("size mismatch: got %d want %d", tree.Size(), len(prices))
	}

	last := int64(-1)
	count := 0
	tree.ForEachAscending(func(lvl *PriceLevel) bool {
		if lvl.Price <= last {
			t.Fatalf("ascending walk out of order: %d after %d", lvl.Price, last)
		}
		last = lvl.Price
		count++
		return true
	})
	if count != len(prices) {
		t.Fatalf("walk visited %d levels, want %d", count, len(prices))
	}

	// Delete half and verify order is preserved.
	for p := range prices {
		if p%2 == 0 {
			tree.DeleteLevel(p)
			delete(prices, p)
		}
	}
	last = -1
	tree.ForEachAscending(func(lvl *PriceLevel) bool {
		if lvl.Price <= last {
			t.Fatalf("walk out of order after deletes: %d after %d", lvl.Price, last)
		}
		last = lvl.Price
		return true
	})
}

func TestRBTreeWalkEarlyStop(t *testing.T) {
	tree := NewRBTree()
	for p := int64(1); p <= 10; p++ {
		tree.UpsertLevel(p)
	}
	seen := 0
	tree.ForEachDescending(func(lvl *PriceLevel) bool {
		seen++
		return seen < 3
	})
	if seen != 3 {
		t.Fatalf("expected walk to stop after 3 levels, saw %d", seen)
	}
}
