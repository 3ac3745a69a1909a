package jrnl

import "testing"

func TestDescriptorBuilderFirstTagCarriesUUID(t *testing.T) {
	sb := NewSuperblock(4096, 1024)
	b := newDescriptorBuilder(sb, 4096)
	b.open(1)

	t1 := &tag{blockNr: 10}
	if !b.fits(b.tagCost(t1)) {
		t.Fatal("fresh descriptor should fit its first tag")
	}
	b.add(t1)
	if t1.flags&tagFlagSameUUID != 0 {
		t.Fatal("first tag must not carry SAME_UUID")
	}
	if len(t1.uuid) != 16 {
		t.Fatalf("first tag uuid = %d bytes, want 16", len(t1.uuid))
	}

	t2 := &tag{blockNr: 11}
	b.add(t2)
	if t2.flags&tagFlagSameUUID == 0 {
		t.Fatal("second tag must carry SAME_UUID")
	}
	if t2.uuid != nil {
		t.Fatal("second tag must not carry its own uuid bytes")
	}
}

// TestDescriptorBuilderSpaceAccountingMatchesWireSize guards against
// the tagCost/size divergence: tagCost must predict exactly how much
// spaceLeft add() will consume, for both the first tag (carrying a
// UUID) and later tags (SAME_UUID, no UUID bytes).
func TestDescriptorBuilderSpaceAccountingMatchesWireSize(t *testing.T) {
	sb := NewSuperblock(4096, 1024)
	b := newDescriptorBuilder(sb, 4096)
	b.open(1)

	tags := []*tag{{blockNr: 1}, {blockNr: 2}, {blockNr: 3}}
	for _, tg := range tags {
		cost := b.tagCost(tg)
		before := b.spaceLeft
		b.add(tg)
		consumed := before - b.spaceLeft
		if consumed != cost {
			t.Fatalf("tagCost predicted %d, add() consumed %d", cost, consumed)
		}
		if got := tg.size(sb); got != cost {
			t.Fatalf("tag.size() after add = %d, tagCost predicted %d", got, cost)
		}
	}
}

func TestDescriptorBuilderWideTagCostsFourMoreBytes(t *testing.T) {
	sbNarrow := NewSuperblock(4096, 1024)
	sbWide := NewSuperblock(4096, 1024)
	sbWide.IncompatFeatures |= incompatFeature64Bit

	bNarrow := newDescriptorBuilder(sbNarrow, 4096)
	bNarrow.open(1)
	bWide := newDescriptorBuilder(sbWide, 4096)
	bWide.open(1)

	narrowCost := bNarrow.tagCost(&tag{blockNr: 1})
	wideCost := bWide.tagCost(&tag{blockNr: 1})
	if wideCost != narrowCost+4 {
		t.Fatalf("wide tag cost = %d, narrow = %d, want exactly +4", wideCost, narrowCost)
	}
}

func TestDescriptorBuilderFitsRespectsHeadroom(t *testing.T) {
	sb := NewSuperblock(4096, 1024)
	b := newDescriptorBuilder(sb, 4096)
	b.open(1)

	// Exhaust space down to exactly one tag's worth plus less than the
	// 16-byte headroom reserved for the next tag.
	b.add(&tag{blockNr: 1})
	tagSize := b.tagCost(&tag{blockNr: 2})
	b.spaceLeft = tagSize + 15

	if b.fits(tagSize) {
		t.Fatal("fits() should refuse when headroom is one byte short")
	}
	b.spaceLeft = tagSize + 16
	if !b.fits(tagSize) {
		t.Fatal("fits() should accept when headroom is exactly 16 bytes")
	}
}

func TestDescriptorBuilderOpenResetsState(t *testing.T) {
	sb := NewSuperblock(4096, 1024)
	b := newDescriptorBuilder(sb, 4096)
	b.open(1)
	b.add(&tag{blockNr: 1})
	d := b.finish()
	if d.sequence != 1 || len(d.tags) != 1 {
		t.Fatalf("finish() = %+v, want sequence 1 with 1 tag", d)
	}
	if b.active() {
		t.Fatal("builder should be inactive after finish()")
	}

	b.open(2)
	if !b.active() {
		t.Fatal("builder should be active after open()")
	}
	if !b.firstTag {
		t.Fatal("open() must reset firstTag so the next descriptor gets a fresh UUID tag")
	}
	if b.spaceLeft != 4096-12 {
		t.Fatalf("spaceLeft after open() = %d, want %d", b.spaceLeft, 4096-12)
	}
}

// TestDescriptorBuilderPacksManyTagsWithoutOverrun simulates filling a
// descriptor with many tags and checks that fits() stops admitting new
// tags before spaceLeft would ever go negative.
func TestDescriptorBuilderPacksManyTagsWithoutOverrun(t *testing.T) {
	sb := NewSuperblock(4096, 1024)
	b := newDescriptorBuilder(sb, 4096)
	b.open(1)

	count := 0
	for {
		cost := b.tagCost(&tag{blockNr: uint64(count)})
		if !b.fits(cost) {
			break
		}
		b.add(&tag{blockNr: uint64(count)})
		count++
	}
	if b.spaceLeft < 0 {
		t.Fatalf("spaceLeft went negative: %d", b.spaceLeft)
	}
	if count == 0 {
		t.Fatal("expected at least one tag to fit in a 4096-byte descriptor")
	}
}
