package mm

import (
	"math/rand"
	"testing"
)

func TestTreeOrderedIteration(t *testing.T) {
	tree := newVMATree()
	starts := rand.New(rand.NewSource(1)).Perm(200)
	for _, s := range starts {
		base := uint64(s) * 0x10000
		tree.insert(&VMA{Start: base, End: base + PageSize})
	}

	var last uint64
	count := 0
	tree.forEach(func(v *VMA) bool {
		if count > 0 && v.Start <= last {
			t.Fatalf("iteration out of order: %#x after %#x", v.Start, last)
		}
		last = v.Start
		count++
		return true
	})
	if count != 200 {
		t.Errorf("visited %d nodes, want 200", count)
	}
}

func TestTreeRemoveKeepsStructure(t *testing.T) {
	tree := newVMATree()
	var vmas []*VMA
	for i := 0; i < 100; i++ {
		base := uint64(i) * 0x10000
		v := &VMA{Start: base, End: base + PageSize}
		vmas = append(vmas, v)
		tree.insert(v)
	}

	// Remove every other node, then verify the rest are findable.
	for i := 0; i < 100; i += 2 {
		node := tree.findNode(vmas[i])
		if node == nil {
			t.Fatalf("node %d missing before removal", i)
		}
		tree.remove(node)
	}
	if tree.size != 50 {
		t.Errorf("size = %d, want 50", tree.size)
	}
	for i, v := range vmas {
		got := tree.findContaining(v.Start)
		if i%2 == 0 && got != nil {
			t.Errorf("removed area %d still found", i)
		}
		if i%2 == 1 && got != v {
			t.Errorf("area %d not found after removals", i)
		}
	}
}

func TestTreeFindOverlap(t *testing.T) {
	tree := newVMATree()
	v := &VMA{Start: 0x10000, End: 0x14000}
	tree.insert(v)

	if got := tree.findOverlap(0x13000, 0x20000); got != v {
		t.Error("partial overlap at tail not detected")
	}
	if got := tree.findOverlap(0x0, 0x10001); got != v {
		t.Error("partial overlap at head not detected")
	}
	if got := tree.findOverlap(0x14000, 0x18000); got != nil {
		t.Error("adjacent range reported as overlapping")
	}
	if got := tree.findOverlap(0x0, 0x10000); got != nil {
		t.Error("adjacent range reported as overlapping")
	}
}
