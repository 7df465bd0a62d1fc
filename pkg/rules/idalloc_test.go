package rules

import "testing"

func TestIDAlloc_Sequential(t *testing.T) {
	a := NewIDAlloc(1, 4)
	for want := uint32(1); want < 4; want++ {
		id, ok := a.Get()
		if !ok || id != want {
			t.Fatalf("Get = (%d, %t), want (%d, true)", id, ok, want)
		}
	}
	if _, ok := a.Get(); ok {
		t.Error("Get beyond the range should fail")
	}
}

func TestIDAlloc_Reuse(t *testing.T) {
	a := NewIDAlloc(1, 3)
	first, _ := a.Get()
	a.Return(first)
	again, ok := a.Get()
	if !ok || again != first {
		t.Errorf("Get after Return = (%d, %t), want (%d, true)", again, ok, first)
	}
}
