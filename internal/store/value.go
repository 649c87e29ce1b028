package store

import (
	"bytes"
	"encoding/json"
	"regexp"
	"sort"
)

// encodeValue canonicalizes a JSON-typed scalar/array/object into bytes
// with key-sorted objects, so that two equal values always serialize
// identically. This is what equality
// comparisons and duplicate-payload hashing are built on.
func encodeValue(v any) ([]byte, error) {
	normalized := normalizeForCanonicalJSON(v)
	return json.Marshal(normalized)
}

// normalizeForCanonicalJSON recursively converts maps into sorted
// key/value pairs represented via json.RawMessage so that encoding/json's
// natural (sorted) map key ordering is guaranteed regardless of the
// concrete map type the caller handed in.
func normalizeForCanonicalJSON(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = normalizeForCanonicalJSON(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = normalizeForCanonicalJSON(inner)
		}
		return out
	default:
		return val
	}
}

// CanonicalJSON exposes the store's key-sorted JSON encoding to other
// packages (the query engine's canonical query keys, the sync engine's
// duplicate-payload hashing) so there is exactly one definition of
// "canonical" in the module.
func CanonicalJSON(v any) ([]byte, error) {
	return encodeValue(v)
}

func decodeValue(raw []byte) (any, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// valuesEqual performs the deep-equality comparison bare-value and $ne
// conditions call for, via canonical
// encoding rather than reflect.DeepEqual so that e.g. json.Number(1) and
// float64(1) compare equal.
func valuesEqual(a, b any) bool {
	ea, errA := encodeValue(a)
	eb, errB := encodeValue(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ea, eb)
}

var arrayLikeEntityID = regexp.MustCompile(`^\s*\[(.*)\]\s*$`)

var uuidPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

// normalizeEntityID implements the entity-id corruption guard:
// entity IDs that appear as stringified arrays ("[...]", a malformation
// seen from some upstream data) are parsed and reduced to the first
// well-formed UUID found inside. Returns the input unchanged, and true,
// if it is already well-formed (or not array-shaped at all); returns
// ("", false) if no UUID can be recovered from an array-shaped ID.
func normalizeEntityID(id string) (string, bool) {
	if m := uuidPattern.FindString(id); m == id {
		return id, true
	}
	if arrayLikeEntityID.MatchString(id) {
		if m := uuidPattern.FindString(id); m != "" {
			return m, true
		}
		return "", false
	}
	// Not array-shaped — accept as-is (synthetic/test IDs needn't be UUIDs).
	return id, true
}

// NormalizeEntityID exposes the corruption guard's ID normalization to
// other packages (the Sync Engine's datalog decoder applies the same
// rule to entity IDs arriving over the wire).
func NormalizeEntityID(id string) (string, bool) {
	return normalizeEntityID(id)
}

// sortedKeys is a small helper used by code that must iterate a map's
// keys in a stable order (e.g. building deterministic merge diffs).
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
