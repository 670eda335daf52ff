package deid

import "testing"

func TestParseMaskingLevel(t *testing.T) {
	cases := []struct {
		in   string
		want MaskingLevel
		ok   bool
	}{
		{"safe_harbor", MaskingSafeHarbor, true},
		{"SAFE_HARBOR", MaskingSafeHarbor, true},
		{"", MaskingSafeHarbor, true},
		{" limited_dataset ", MaskingLimitedDataset, true},
		{"custom", MaskingCustom, true},
		{"full", "", false},
	}
	for _, c := range cases {
		got, err := ParseMaskingLevel(c.in)
		if c.ok && err != nil {
			t.Fatalf("ParseMaskingLevel(%q): %v", c.in, err)
		}
		if !c.ok && err == nil {
			t.Fatalf("ParseMaskingLevel(%q) accepted", c.in)
		}
		if got != c.want {
			t.Fatalf("ParseMaskingLevel(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestPHIEntityValid(t *testing.T) {
	good := PHIEntity{Text: "John", Category: "PERSON", Offset: 0, Length: 4, Confidence: 0.9}
	if !good.Valid() {
		t.Fatal("valid entity rejected")
	}
	bad := []PHIEntity{
		{Text: "", Offset: 0, Length: 4},
		{Text: "   ", Offset: 0, Length: 3},
		{Text: "John", Offset: 0, Length: 0},
		{Text: "John", Offset: 0, Length: -2},
		{Text: "John", Offset: -1, Length: 4},
	}
	for i, e := range bad {
		if e.Valid() {
			t.Fatalf("case %d accepted: %+v", i, e)
		}
	}
}

func TestPHIEntityOverlap(t *testing.T) {
	a := PHIEntity{Text: "John Doe", Offset: 10, Length: 8}
	cases := []struct {
		start, end int
		want       bool
	}{
		{0, 10, false},  // ends where a begins (half-open)
		{18, 25, false}, // begins where a ends
		{0, 11, true},
		{17, 30, true},
		{12, 14, true},
	}
	for _, c := range cases {
		if got := a.OverlapsSpan(c.start, c.end); got != c.want {
			t.Fatalf("OverlapsSpan(%d,%d) = %v, want %v", c.start, c.end, got, c.want)
		}
	}
	b := PHIEntity{Text: "Doe", Offset: 15, Length: 3}
	if !a.Overlaps(b) || !b.Overlaps(a) {
		t.Fatal("overlapping entities not detected")
	}
}

func TestNewMaskRegionPageInvariant(t *testing.T) {
	box := BoundingBox{Page: 2, X: 10, Y: 10, Width: 30, Height: 12}
	if _, err := NewMaskRegion(1, box, "PERSON", 0.9); err == nil {
		t.Fatal("page mismatch accepted")
	}
	r, err := NewMaskRegion(2, box, "PERSON", 0.9)
	if err != nil {
		t.Fatalf("NewMaskRegion: %v", err)
	}
	if r.Box.Page != r.Page {
		t.Fatalf("region pages diverge: %d vs %d", r.Box.Page, r.Page)
	}
}

func TestResultAddBatchKeepsCountInSync(t *testing.T) {
	var r Result
	ents := []PHIEntity{
		{Text: "John", Category: "PERSON", Offset: 0, Length: 4, Confidence: 0.9},
		{Text: "3/4/1985", Category: "DATE", Offset: 10, Length: 8, Confidence: 0.8},
	}
	regions := []MaskRegion{{Page: 1, Box: BoundingBox{Page: 1, X: 1, Y: 1, Width: 5, Height: 5}, Category: "PERSON"}}
	r.AddBatch(25, []EntityMatch{
		{Entity: ents[0], Regions: regions},
		{Entity: ents[1]},
	}, 0)
	r.AddBatch(10, []EntityMatch{{Entity: ents[0]}}, 0)
	if r.PagesProcessed != 35 {
		t.Fatalf("PagesProcessed = %d, want 35", r.PagesProcessed)
	}
	if r.EntitiesMasked != len(r.Entities) {
		t.Fatalf("EntitiesMasked = %d, len(Entities) = %d", r.EntitiesMasked, len(r.Entities))
	}
	if r.EntitiesMasked != 3 {
		t.Fatalf("EntitiesMasked = %d, want 3", r.EntitiesMasked)
	}
}
