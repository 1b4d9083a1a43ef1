package logging

import "time"

// Field constructors, mirroring the shape of the teacher's field helpers
// but named for the engine's own domain (hyper-levels, owner ids, byte
// counters) instead of graph entities.

func String(key, value string) Field { return Field{Key: key, Value: value} }
func Int(key string, value int) Field { return Field{Key: key, Value: value} }
func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }
func Uint64(key string, value uint64) Field { return Field{Key: key, Value: value} }
func Float64(key string, value float64) Field { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

func Any(key string, value any) Field { return Field{Key: key, Value: value} }

func Component(name string) Field { return String("component", name) }
func Operation(op string) Field   { return String("operation", op) }
func Latency(d time.Duration) Field { return Duration("latency", d) }
func Count(n int) Field           { return Int("count", n) }
func Bytes(n uint64) Field        { return Uint64("bytes", n) }
func HyperLevel(h int) Field      { return Int("hyper_level", h) }
func PhysicalLevel(l int) Field   { return Int("level", l) }
func OwnerID(id string) Field     { return String("owner_id", id) }
