package state

import (
	"os"
	"testing"
)

// Needs a reachable server: REDIS_ADDR=localhost:6379 go test ./internal/state
func TestRedisStore_RoundTrip(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	st, err := NewRedisStore(addr, 15)
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	prefix := "bookmart-test/" + t.Name() + "/"
	t.Cleanup(func() { _ = st.LoadAll(prefix, nil) })

	if err := st.Set(prefix+"cart", []byte("[]")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, ok, err := st.Get(prefix + "cart"); err != nil || !ok || string(v) != "[]" {
		t.Fatalf("get: %q ok=%v err=%v", v, ok, err)
	}
	if err := st.LoadAll(prefix, map[string][]byte{prefix + "x": []byte("1")}); err != nil {
		t.Fatalf("load: %v", err)
	}
	var keys []string
	_ = st.Range(prefix, func(k string, _ []byte) error { keys = append(keys, k); return nil })
	if len(keys) != 1 || keys[0] != prefix+"x" {
		t.Fatalf("keys=%v", keys)
	}
}

func TestGlobEscape(t *testing.T) {
	if got := globEscape(`a*b?[c]`); got != `a\*b\?\[c\]` {
		t.Fatalf("escape=%q", got)
	}
}
