// Package canonical implements the engine's canonical serialization and
// content-hashing rules (spec §3, §6): JSON with sorted keys, an explicit
// "$type$" discriminator, integer millisecond timestamps, and no
// insignificant whitespace.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/kittclouds/topicengine/internal/errs"
	"github.com/kittclouds/topicengine/internal/objpool"
)

// TypeTagField is the required type-discriminator key on every object and
// nested object produced by this package.
const TypeTagField = "$type$"

// Typed is implemented by every persistable domain object.
type Typed interface {
	TypeName() string
}

// IDFielded is implemented by every versioned domain object; IDFields
// returns exactly the declared ID properties (spec §3), used to compute
// the ID hash independent of the rest of the object's content.
type IDFielded interface {
	Typed
	IDFields() map[string]any
}

// Encode renders obj as canonical JSON: round-trips through a generic
// map so that encoding/json's native key-sorting for map types produces
// lexicographically sorted keys at every nesting level, then re-asserts
// the $type$ tag at the top level.
func Encode(obj Typed) ([]byte, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, errs.Wrap("canonical", errs.InvariantViolation, "marshal object", err)
	}

	generic := objpool.GetMap()
	defer objpool.PutMap(generic)
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, errs.Wrap("canonical", errs.InvariantViolation, "unmarshal to generic map", err)
	}
	generic[TypeTagField] = obj.TypeName()

	// $type$ must be present at every nested object level too (spec §6),
	// not just the top level; walk obj's struct shape alongside the
	// generic map and tag every nested value whose Go type is Typed.
	tagNestedTypes(reflect.TypeOf(obj), generic)

	if err := rejectFloatsInTimestamps(generic); err != nil {
		return nil, err
	}

	out, err := json.Marshal(generic)
	if err != nil {
		return nil, errs.Wrap("canonical", errs.InvariantViolation, "marshal canonical map", err)
	}
	return out, nil
}

// ContentHash returns the lowercase hex SHA-256 of obj's canonical
// serialization, along with the serialization itself.
func ContentHash(obj Typed) (hash string, canonical []byte, err error) {
	canonical, err = Encode(obj)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), canonical, nil
}

// IDHash returns the SHA-256 over only obj's declared ID fields plus the
// type tag, identifying the versioned entity independent of its content.
func IDHash(obj IDFielded) (hash string, canonical []byte, err error) {
	fields := obj.IDFields()
	tagged := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		tagged[k] = v
	}
	tagged[TypeTagField] = obj.TypeName()

	if err := rejectFloatsInTimestamps(tagged); err != nil {
		return "", nil, err
	}

	canonical, err = json.Marshal(tagged)
	if err != nil {
		return "", nil, errs.Wrap("canonical", errs.InvariantViolation, "marshal id fields", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), canonical, nil
}

var typedInterface = reflect.TypeOf((*Typed)(nil)).Elem()

// typeNameFor reports the TypeName a value of type t (or *t) would
// report, if t is Typed.
func typeNameFor(t reflect.Type) (string, bool) {
	if t.Implements(typedInterface) {
		return reflect.New(t).Elem().Interface().(Typed).TypeName(), true
	}
	if reflect.PointerTo(t).Implements(typedInterface) {
		return reflect.New(t).Interface().(Typed).TypeName(), true
	}
	return "", false
}

// tagNestedTypes walks t's struct shape (dereferencing pointers and
// recursing into slices/arrays) alongside the already-unmarshaled
// generic value node, stamping $type$ onto every nested map that
// corresponds to a Typed Go struct.
func tagNestedTypes(t reflect.Type, node any) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() == reflect.Slice || t.Kind() == reflect.Array {
		items, ok := node.([]any)
		if !ok {
			return
		}
		elem := t.Elem()
		for _, item := range items {
			tagNestedTypes(elem, item)
		}
		return
	}
	if t.Kind() != reflect.Struct {
		return
	}
	m, ok := node.(map[string]any)
	if !ok {
		return
	}
	if name, isTyped := typeNameFor(t); isTyped {
		m[TypeTagField] = name
	}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			continue
		}
		key := jsonFieldName(f)
		if key == "-" || key == "" {
			continue
		}
		child, exists := m[key]
		if !exists {
			continue
		}
		tagNestedTypes(f.Type, child)
	}
}

func jsonFieldName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "" {
		return f.Name
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		return f.Name
	}
	return name
}

// rejectFloatsInTimestamps enforces the spec's "floats forbidden in ID
// fields" rule for any top-level key of m that isTimestampKey lists
// ("timestamp", "createdAt", "lastSeen", "lastSeenAt", "updatedAt",
// "version") and that carries a non-integral float64 —
// which can only happen here if the Go struct itself declared a float
// where an int was required.
func rejectFloatsInTimestamps(m map[string]any) error {
	for k, v := range m {
		f, ok := v.(float64)
		if !ok {
			continue
		}
		if isTimestampKey(k) && f != float64(int64(f)) {
			return errs.New("canonical", errs.InvariantViolation,
				fmt.Sprintf("field %q must be an integer timestamp, got %v", k, f))
		}
	}
	return nil
}

func isTimestampKey(k string) bool {
	switch k {
	case "timestamp", "createdAt", "lastSeen", "lastSeenAt", "updatedAt", "version":
		return true
	}
	return false
}

// SortedKeys returns m's keys sorted lexicographically, useful for
// deterministic iteration when building canonical sub-structures (e.g.
// keyword combination IDs).
func SortedKeys(m map[string]any) []string {
	keys := objpool.GetStringSlice()
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MillisOf converts unixNano (nanoseconds since epoch) to the form the
// canonical encoding expects for timestamps: integer milliseconds since
// epoch. Callers pass in the time value; this package never reads the wall clock itself so that encoding
// stays deterministic and testable.
func MillisOf(unixNano int64) int64 {
	return unixNano / 1_000_000
}
