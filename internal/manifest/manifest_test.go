package manifest

import "testing"

func mkManifest(fid int64, modtimeSec int64, blocks ...Block) *Manifest {
	m := New(fid, 1, 1, 1)
	m.ModTime = ModTime{Sec: modtimeSec}
	for _, b := range blocks {
		_ = m.PutBlock(b, true)
	}
	return m
}

func block(id, version int64, b byte) Block {
	return Block{ID: id, Version: version, Hash: Hash{b}}
}

// TestMergeIdempotent verifies spec.md §8 property 1's idempotency
// clause: merging the same manifest twice changes nothing further.
func TestMergeIdempotent(t *testing.T) {
	a := mkManifest(1, 10, block(0, 1, 0xA))
	b := mkManifest(1, 20, block(0, 2, 0xB), block(1, 2, 0xC))

	a.MergeBlocks(b, nil, nil)
	first := a.Clone()
	a.MergeBlocks(b, nil, nil)

	if !Equivalent(first, a) {
		t.Fatalf("merge is not idempotent: %+v vs %+v", first.Blocks(), a.Blocks())
	}
}

// TestMergeCommutativeAssociative verifies spec.md §8 property 1.
func TestMergeCommutativeAssociative(t *testing.T) {
	build := func() (*Manifest, *Manifest, *Manifest) {
		a := mkManifest(1, 10, block(0, 1, 0x1))
		b := mkManifest(1, 20, block(0, 2, 0x2), block(1, 1, 0x3))
		c := mkManifest(1, 20, block(1, 5, 0x4), block(2, 1, 0x5))
		return a, b, c
	}

	// merge(merge(A,B),C)
	a1, b1, c1 := build()
	ab := a1.Clone()
	ab.MergeBlocks(b1, nil, nil)
	abc := ab.Clone()
	abc.MergeBlocks(c1, nil, nil)

	// merge(A,merge(B,C))
	a2, b2, c2 := build()
	bc := b2.Clone()
	bc.MergeBlocks(c2, nil, nil)
	a_bc := a2.Clone()
	a_bc.MergeBlocks(bc, nil, nil)

	if !Equivalent(abc, a_bc) {
		t.Fatalf("merge is not associative: %+v vs %+v", abc.Blocks(), a_bc.Blocks())
	}

	// merge(merge(A,B),B) == merge(A,B)
	a3, b3, _ := build()
	ab2 := a3.Clone()
	ab2.MergeBlocks(b3, nil, nil)
	abb := ab2.Clone()
	abb.MergeBlocks(b3, nil, nil)
	if !Equivalent(ab2, abb) {
		t.Fatalf("merge(merge(A,B),B) != merge(A,B): %+v vs %+v", ab2.Blocks(), abb.Blocks())
	}

	// merge(A,B) == merge(B,A)
	a4, b4, _ := build()
	ab4 := a4.Clone()
	ab4.MergeBlocks(b4, nil, nil)
	a5, b5, _ := build()
	ba := b5.Clone()
	ba.MergeBlocks(a5, nil, nil)
	if !Equivalent(ab4, ba) {
		t.Fatalf("merge is not commutative: %+v vs %+v", ab4.Blocks(), ba.Blocks())
	}
}

// TestMergePreservesDirtyBlocks verifies spec.md §8 property 2.
func TestMergePreservesDirtyBlocks(t *testing.T) {
	local := mkManifest(1, 10)
	dirty := Block{ID: 0, Version: 99, Hash: Hash{0xFF}, Dirty: true}
	_ = local.PutBlock(dirty, true)

	remote := mkManifest(1, 50, block(0, 1, 0x1))

	dirtySet := map[int64]bool{0: true}
	var evicted []Block
	local.MergeBlocks(remote, func(bid int64) bool { return dirtySet[bid] }, func(b Block) {
		evicted = append(evicted, b)
	})

	got, ok := local.Block(0)
	if !ok {
		t.Fatal("dirty block disappeared after merge")
	}
	if got.Version != 99 || got.Hash != (Hash{0xFF}) {
		t.Fatalf("dirty block was overwritten: %+v", got)
	}
	if len(evicted) != 0 {
		t.Fatalf("dirty block should not be reported for eviction, got %+v", evicted)
	}
}

func TestMergeKeepsNewerRemote(t *testing.T) {
	local := mkManifest(1, 10, block(0, 1, 0xA))
	remote := mkManifest(1, 20, block(0, 2, 0xB))

	var evicted []Block
	local.MergeBlocks(remote, nil, func(b Block) { evicted = append(evicted, b) })

	got, _ := local.Block(0)
	if got.Version != 2 {
		t.Fatalf("expected remote block to win, got version %d", got.Version)
	}
	if len(evicted) != 1 || evicted[0].Version != 1 {
		t.Fatalf("expected superseded local block reported for eviction, got %+v", evicted)
	}
}

func TestMergeKeepsOlderRemoteStale(t *testing.T) {
	local := mkManifest(1, 20, block(0, 2, 0xB))
	remote := mkManifest(1, 10, block(0, 1, 0xA))

	local.MergeBlocks(remote, nil, nil)

	got, _ := local.Block(0)
	if got.Version != 2 {
		t.Fatalf("expected local block to survive a stale remote manifest, got version %d", got.Version)
	}
}

func TestTruncateDropsHighBlocksOnly(t *testing.T) {
	m := mkManifest(1, 10, block(0, 1, 0x1), block(1, 1, 0x2), block(2, 1, 0x3))
	dropped := m.Truncate(1)

	if m.Len() != 1 {
		t.Fatalf("expected 1 block left, got %d", m.Len())
	}
	if _, ok := m.Block(0); !ok {
		t.Fatal("block 0 should survive truncate at maxBlockID=1")
	}
	if len(dropped) != 2 {
		t.Fatalf("expected 2 dropped blocks, got %d", len(dropped))
	}
}

func TestPutBlockAlreadyExists(t *testing.T) {
	m := mkManifest(1, 10, block(0, 1, 0x1))
	err := m.PutBlock(block(0, 2, 0x2), false)
	if err == nil {
		t.Fatal("expected ErrAlreadyExists")
	}
	got, _ := m.Block(0)
	if got.Version != 1 {
		t.Fatalf("manifest mutated despite replace=false: %+v", got)
	}
}
