package state

import (
	"fmt"
	"path/filepath"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendPebble = "pebble"
	BackendBadger = "badger"
	BackendRedis  = "redis"
)

// Options selects and locates a backend.
type Options struct {
	Backend   string
	Dir       string // pebble and badger keep their files under Dir/<backend>
	RedisAddr string
	RedisDB   int
}

// Open returns the backend named by o.Backend. An empty name means memory.
func Open(o Options) (Store, error) {
	switch o.Backend {
	case "", BackendMemory:
		return NewInMemoryStore(), nil
	case BackendPebble:
		return NewPebbleStore(filepath.Join(o.Dir, BackendPebble))
	case BackendBadger:
		return NewBadgerStore(filepath.Join(o.Dir, BackendBadger))
	case BackendRedis:
		if o.RedisAddr == "" {
			return nil, fmt.Errorf("redis backend needs an address")
		}
		return NewRedisStore(o.RedisAddr, o.RedisDB)
	default:
		return nil, fmt.Errorf("unknown state backend %q", o.Backend)
	}
}
