package model

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestClaimExclusivity(t *testing.T) {
	f := &FileEntry{RelPath: "base/1/100"}

	const workers = 32
	var wins int32
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if f.Claim() {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	if !f.Claimed() {
		t.Fatalf("expected entry to be claimed")
	}
}

func TestBlockChangedNoBitmapMeansCopyEverything(t *testing.T) {
	f := &FileEntry{}
	if !f.BlockChanged(0) || !f.BlockChanged(999) {
		t.Fatalf("entries without a bitmap must be treated as fully changed")
	}
}

func TestBlockChangedHonorsBitmap(t *testing.T) {
	// blocks 0 and 9 changed, rest untouched
	f := &FileEntry{Bitmap: []byte{0b0000_0001, 0b0000_0010}}
	if !f.BlockChanged(0) {
		t.Fatalf("block 0 should be marked changed")
	}
	if f.BlockChanged(1) {
		t.Fatalf("block 1 should not be marked changed")
	}
	if !f.BlockChanged(9) {
		t.Fatalf("block 9 should be marked changed")
	}
	// out of bounds defaults to changed, conservative
	if !f.BlockChanged(1000) {
		t.Fatalf("out-of-range block should default to changed")
	}
}
