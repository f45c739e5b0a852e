package property

import "testing"

func TestStoreSetGet(t *testing.T) {
	s := NewStore()

	if _, ok := s.Get("ro.boot.mode"); ok {
		t.Fatalf("Get on empty store returned ok=true")
	}

	s.Set("ro.boot.mode", "normal")
	v, ok := s.Get("ro.boot.mode")
	if !ok || v != "normal" {
		t.Fatalf("Get = %q, %v; want %q, true", v, ok, "normal")
	}

	s.Set("ro.boot.mode", "recovery")
	v, ok = s.Get("ro.boot.mode")
	if !ok || v != "recovery" {
		t.Fatalf("Get after overwrite = %q, %v; want %q, true", v, ok, "recovery")
	}
}

func TestStoreConcurrentAccess(t *testing.T) {
	s := NewStore()
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(i int) {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 100; j++ {
				s.Set("k", "v")
				s.Get("k")
			}
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}
