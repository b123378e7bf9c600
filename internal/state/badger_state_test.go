package state

import "testing"

func TestBadgerStore_RoundTripAndPrefixRange(t *testing.T) {
	st, err := NewBadgerStore(t.TempDir())
	if err != nil {
		t.Fatalf("badger open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if _, ok, err := st.Get("missing"); err != nil || ok {
		t.Fatalf("absent: ok=%v err=%v", ok, err)
	}
	_ = st.Set("session/a/cart", []byte("A"))
	_ = st.Set("session/b/cart", []byte("B"))
	_ = st.Set("zz", []byte("Z"))

	if v, ok, err := st.Get("session/a/cart"); err != nil || !ok || string(v) != "A" {
		t.Fatalf("get: %q ok=%v err=%v", v, ok, err)
	}

	count := 0
	if err := st.Range("session/", func(string, []byte) error { count++; return nil }); err != nil {
		t.Fatalf("range: %v", err)
	}
	if count != 2 {
		t.Fatalf("range count=%d want=2", count)
	}

	if err := st.LoadAll("session/", map[string][]byte{"session/c/cart": []byte("C")}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok, _ := st.Get("session/a/cart"); ok {
		t.Fatalf("a should be replaced")
	}
	if v, ok, _ := st.Get("zz"); !ok || string(v) != "Z" {
		t.Fatalf("zz lost")
	}

	if err := st.Delete("session/c/cart"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := st.Get("session/c/cart"); ok {
		t.Fatalf("c should be deleted")
	}
}
