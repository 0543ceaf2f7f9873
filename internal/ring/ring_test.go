package ring

import "testing"

func TestAppendOverwritesOldest(t *testing.T) {
	b := New(3)
	for i := 0; i < 5; i++ {
		b.Append(i)
	}
	got := b.All()
	want := []int{2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("len=%d want=%d", len(got), len(want))
	}
	for i, v := range want {
		if got[i].(int) != v {
			t.Fatalf("got[%d]=%v want=%v", i, got[i], v)
		}
	}
}

func TestLastNClampsToLen(t *testing.T) {
	b := New(10)
	b.Append("a")
	b.Append("b")
	got := b.Last(5)
	if len(got) != 2 {
		t.Fatalf("len=%d want=2", len(got))
	}
}

func TestEmptyBuffer(t *testing.T) {
	b := New(4)
	if b.Len() != 0 {
		t.Fatalf("want 0 got %d", b.Len())
	}
	if got := b.Last(3); got != nil {
		t.Fatalf("want nil got %v", got)
	}
}

func TestCapacityCoercedToOne(t *testing.T) {
	b := New(0)
	if b.Capacity() != 1 {
		t.Fatalf("want 1 got %d", b.Capacity())
	}
}
