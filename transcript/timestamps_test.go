package transcript

import "testing"

func TestOffsets_WithProcessingTime(t *testing.T) {
	pt := int64(350)
	start, end := Offsets(1000, 3500, &pt)

	if start != 2500 {
		t.Errorf("expected start 2500, got %d", start)
	}
	if end == nil {
		t.Fatal("expected end to be set")
	}
	if *end != 2850 {
		t.Errorf("expected end 2850, got %d", *end)
	}
}

func TestOffsets_WithoutProcessingTime(t *testing.T) {
	start, end := Offsets(1000, 3500, nil)

	if start != 2500 {
		t.Errorf("expected start 2500, got %d", start)
	}
	if end != nil {
		t.Errorf("expected nil end, got %d", *end)
	}
}

func TestOffsets_NonDecreasingWithinSession(t *testing.T) {
	anchor := int64(5000)
	arrivals := []int64{5100, 5100, 6000, 9000}

	var prev int64 = -1
	for _, now := range arrivals {
		start, _ := Offsets(anchor, now, nil)
		if start < prev {
			t.Fatalf("start_ms decreased: %d after %d", start, prev)
		}
		prev = start
	}
}
