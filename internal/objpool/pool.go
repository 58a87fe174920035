// Package objpool pools the short-lived generic maps and string slices
// the canonical-serialization round trip allocates on every Encode call
// (internal/canonical), adapted from the teacher's pkg/pool GC-pressure
// pools for the same generic-map/JSON-output shape.
package objpool

import "sync"

var mapPool = sync.Pool{
	New: func() any { return make(map[string]any, 8) },
}

var stringSlicePool = sync.Pool{
	New: func() any { return make([]string, 0, 16) },
}

// GetMap returns an empty map[string]any ready for reuse as an
// Unmarshal target.
func GetMap() map[string]any {
	m := mapPool.Get().(map[string]any)
	for k := range m {
		delete(m, k)
	}
	return m
}

// PutMap returns m to the pool.
func PutMap(m map[string]any) {
	mapPool.Put(m)
}

// GetStringSlice returns a zero-length string slice ready for reuse.
func GetStringSlice() []string {
	s := stringSlicePool.Get().([]string)
	return s[:0]
}

// PutStringSlice returns s to the pool.
func PutStringSlice(s []string) {
	stringSlicePool.Put(s)
}
